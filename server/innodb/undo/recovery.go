package undo

import (
	"encoding/binary"

	"github.com/zhukovaskychina/xmysql-undo/server/common"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/buffer_pool"
)

// CrashRecovery is the crash_recovery external collaborator (§4.8): a
// startup sweep that closes any chunk left dangling (size still zero) by a
// crash, synthesizing a WAL close record so REDO on a standby sees the same
// outcome.
type CrashRecovery struct {
	allocator LogAllocator
	bufMgr    BufferManager
	wal       WALWriter
	xact      XactUndoCloser
	codec     PageCodec
}

func NewCrashRecovery(allocator LogAllocator, bufMgr BufferManager, wal WALWriter, xact XactUndoCloser) *CrashRecovery {
	return &CrashRecovery{allocator: allocator, bufMgr: bufMgr, wal: wal, xact: xact}
}

// danglingSlot is the minimal view CloseDanglingSets needs of a live slot;
// kept separate from manager.LogSlot so recovery can be driven by a plain
// snapshot taken once at startup before any writer resumes.
type danglingSlot struct {
	LogNo   uint32
	Insert  uint64
	Discard uint64
}

// danglingChunk is what findFinalChunk reconstructs about a live slot's
// still-open final chunk.
type danglingChunk struct {
	headerOffset uint64
	pageOff      int
	page         *buffer_pool.BufferPage // pinned+locked; may differ from the tail page closeOne started from
}

// CloseDanglingSets implements §4.8: for every live slot with discard <
// insert, find the final chunk and — if its size is still zero — patch it
// and notify xact_undo.
func (cr *CrashRecovery) CloseDanglingSets(slots []*danglingSlot) error {
	for _, ds := range slots {
		if ds.Discard >= ds.Insert {
			continue
		}
		if err := cr.closeOne(ds); err != nil {
			return err
		}
	}
	return nil
}

func (cr *CrashRecovery) closeOne(ds *danglingSlot) error {
	block, pageOff := BlockAndOffset(ds.Insert - 1)
	if pageOff < common.PageHeaderSize {
		block, pageOff = BlockAndOffset(ds.Insert)
	}

	tailPage, err := cr.bufMgr.PinBuffer(ds.LogNo, block, buffer_pool.ReadNormal)
	if err != nil {
		return err
	}
	cr.bufMgr.LockBuffer(tailPage)

	chunk, err := cr.findFinalChunk(ds, tailPage, block)
	if err != nil {
		cr.bufMgr.Release(tailPage)
		return err
	}
	if chunk == nil {
		return cr.bufMgr.Release(tailPage)
	}

	// the final chunk's header usually lives on the tail page itself, but a
	// chunk whose body spans more than one page has continue_chunk pointing
	// at its original header URP, several pages earlier (writer.go's
	// InsertRecord/page_codec.go's continue-chunk stamping) — findFinalChunk
	// may then have walked onto and returned an earlier page entirely.
	buf0 := chunk.page
	if buf0 != tailPage {
		if relErr := cr.bufMgr.Release(tailPage); relErr != nil {
			cr.bufMgr.Release(buf0)
			return relErr
		}
	}

	begin, ursType, typeHeader, err := cr.walkToFirstChunk(ds, chunk)
	if err != nil {
		cr.bufMgr.Release(buf0)
		return err
	}

	size := ds.Insert - chunk.headerOffset
	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], size)

	n := cr.codec.Overwrite(buf0, chunk.pageOff, 0, 8, sizeBytes[:])
	buf0.MarkDirty()

	var buf1 *buffer_pool.BufferPage
	if n < 8 {
		block1, _ := BlockAndOffset(chunk.headerOffset + uint64(n))
		buf1, err = cr.bufMgr.PinBuffer(ds.LogNo, block1, buffer_pool.ReadNormal)
		if err != nil {
			cr.bufMgr.Release(buf0)
			return err
		}
		cr.bufMgr.LockBuffer(buf1)
		cr.codec.Overwrite(buf1, common.PageHeaderSize, n, 8, sizeBytes[:])
		buf1.MarkDirty()
	}

	bd := BufData{
		Flags:               BufCloseChunk | BufClose,
		ChunkSizePageOffset: uint16(chunk.pageOff),
		ChunkSize:           size,
		URSType:             ursType,
		TypeHeader:          typeHeader,
	}
	headerURP := URP{LogNo: ds.LogNo, Offset: chunk.headerOffset}
	if begin != headerURP {
		bd.Flags |= BufCloseMultiChunk
		bd.FirstChunkHeaderLocation = begin
	}

	// the source's dummy[24] XLOG_NOOP filler: preserved conservatively per
	// the open question, since the exact reason a non-empty payload is
	// required isn't documented beyond "forces a non-empty WAL record".
	dummy := make([]byte, 24)
	payload := append(EncodeBufData(bd), dummy...)
	lsn, err := cr.wal.Insert(nil, payload)
	if err != nil {
		cr.bufMgr.Release(buf0)
		if buf1 != nil {
			cr.bufMgr.Release(buf1)
		}
		return err
	}

	buf0.SetLSN(common.LSNT(lsn))
	if err := cr.bufMgr.Release(buf0); err != nil {
		return err
	}
	if buf1 != nil {
		buf1.SetLSN(common.LSNT(lsn))
		if err := cr.bufMgr.Release(buf1); err != nil {
			return err
		}
	}

	if ursType == URSTTransaction && cr.xact != nil {
		cr.xact.OnUndoSetClosed(0, typeHeader, begin.LogNo, begin.Offset, ds.LogNo, ds.Insert, false, false)
	}
	return nil
}

// findFinalChunk walks forward from the page's first_chunk/continue_chunk
// marker by each chunk's size until it reaches a chunk whose size is still
// zero, or one that ends exactly at the insertion point (§4.8 step 1).
//
// continue_chunk is routinely the chunk's *original* header URP (writer.go's
// InsertRecord passes chunkStart := chunk.HeaderURP() as the continue-chunk
// marker whenever a record's header write lands at a fresh page's start), so
// the walk is not guaranteed to stay on the tail page the caller pinned —
// this re-pins/locks a page whenever the cursor crosses into a new block,
// exactly as walkToFirstChunk already does for the backward walk.
func (cr *CrashRecovery) findFinalChunk(ds *danglingSlot, tailPage *buffer_pool.BufferPage, block uint32) (*danglingChunk, error) {
	start := cr.codec.FirstChunk(tailPage)
	if cont := cr.codec.ContinueChunk(tailPage); cont.Valid() {
		start = cont
	}
	if !start.Valid() {
		return nil, nil
	}

	insertionPoint := usableOffsetOf(block, cr.codec.InsertionPoint(tailPage))

	cursor := start
	curBlock := block
	curPage := tailPage

	releaseExtra := func() {
		if curPage != tailPage {
			cr.bufMgr.Release(curPage)
		}
	}

	for {
		cb, cpOff := BlockAndOffset(cursor.Offset)
		if cb != curBlock {
			next, err := cr.bufMgr.PinBuffer(ds.LogNo, cb, buffer_pool.ReadNormal)
			if err != nil {
				releaseExtra()
				return nil, err
			}
			cr.bufMgr.LockBuffer(next)
			releaseExtra()
			curPage = next
			curBlock = cb
		}
		hdr := DecodeChunkHeader(curPage.GetContent()[cpOff : cpOff+ChunkHeaderSize])

		if hdr.Size == 0 {
			return &danglingChunk{headerOffset: cursor.Offset, pageOff: cpOff, page: curPage}, nil
		}
		next := cursor.Offset + hdr.Size
		if next > insertionPoint {
			releaseExtra()
			return nil, ErrChunkSizeOutOfRange
		}
		if next == insertionPoint {
			releaseExtra()
			return nil, nil // final chunk already has a real size; nothing to do
		}
		cursor = URP{LogNo: cursor.LogNo, Offset: next}
	}
}

// walkToFirstChunk follows previous_chunk back to the set's first chunk to
// recover its type and type header, PANICking if a previous_chunk has
// already been discarded (§4.8's stated PANIC condition). The starting
// cursor is the dangling chunk's own header, whose page closeOne already
// holds pinned and locked as chunk.page — reused directly rather than
// re-pinned, since pinning the same (logno, block) key again would hand
// back the identical *BufferPage and deadlock re-locking its own mutex.
func (cr *CrashRecovery) walkToFirstChunk(ds *danglingSlot, chunk *danglingChunk) (URP, URSType, []byte, error) {
	cursor := URP{LogNo: ds.LogNo, Offset: chunk.headerOffset}
	page := chunk.page
	owned := false // true once we've pinned/locked a page ourselves and must release it

	for {
		block, pageOff := BlockAndOffset(cursor.Offset)
		if page == nil {
			var err error
			page, err = cr.bufMgr.PinBuffer(cursor.LogNo, block, buffer_pool.ReadNormal)
			if err != nil {
				return InvalidURP, 0, nil, err
			}
			cr.bufMgr.LockBuffer(page)
			owned = true
		}
		hdr := DecodeChunkHeader(page.GetContent()[pageOff : pageOff+ChunkHeaderSize])

		if !hdr.PreviousChunk.Valid() {
			typeHeaderSize := TypeHeaderSize(hdr.Type)
			typeHeader := append([]byte(nil), page.GetContent()[pageOff+ChunkHeaderSize:pageOff+ChunkHeaderSize+typeHeaderSize]...)
			if owned {
				cr.bufMgr.Release(page)
			}
			return cursor, hdr.Type, typeHeader, nil
		}

		if hdr.PreviousChunk.Offset < ds.Discard {
			panicf("undo crash recovery: previous_chunk at %s already discarded", hdr.PreviousChunk)
		}
		if owned {
			cr.bufMgr.Release(page)
		}
		cursor = hdr.PreviousChunk
		page = nil
		owned = false
	}
}
