package undo

import (
	"encoding/binary"

	"github.com/zhukovaskychina/xmysql-undo/server/common"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/buffer_pool"
)

// ReplayBlock is one registered block of a decoded WAL record (§4.7). The
// WAL reader is responsible for having already resolved FPI restoration and
// missing-block bookkeeping into Restored/NotFound — the replayer only
// consumes the result.
type ReplayBlock struct {
	LogNo    uint32
	BlockNo  uint32
	WillInit bool

	Restored bool // BLK_RESTORED: image already applied, only bookkeeping remains
	NotFound bool // BLK_NOTFOUND: page absent/discarded, skip all writes
	Image    []byte

	BufData []byte // encoded per waldata.go; nil if this block carries no new flags
}

// ReplayRecord is a decoded WAL record ready for REDO.
type ReplayRecord struct {
	Blocks []ReplayBlock
	Record []byte

	IsXactRmgr bool // true if the enclosing WAL record's rmgr is the transaction manager
	IsCommit   bool
	IsPrepare  bool
}

// Replayer is the replayer external collaborator (§4.7): re-applies a WAL
// record's buf-data deterministically, tolerating FPI-restored and
// discarded blocks.
type Replayer struct {
	allocator LogAllocator
	bufMgr    BufferManager
	xact      XactUndoCloser
	codec     PageCodec
}

func NewReplayer(allocator LogAllocator, bufMgr BufferManager, xact XactUndoCloser) *Replayer {
	return &Replayer{allocator: allocator, bufMgr: bufMgr, xact: xact}
}

func usableOffsetOf(blockNo uint32, pageOff int) uint64 {
	return uint64(blockNo)*uint64(UsablePerPage) + uint64(pageOff-common.PageHeaderSize)
}

// replayState carries continuation across blocks: a header or a record
// write that didn't finish on the block where it started continues on the
// next registered block, in the strict drain order chunk_size_more ->
// header_more -> record_more (§4.7 step 5).
type replayState struct {
	chunkSizeMore    bool
	chunkSizeWritten int
	chunkSizeBytes   [8]byte

	headerMore     bool
	headerWritten  int
	headerTotal    int
	pendingHeader  ChunkHeader
	pendingTypeHdr []byte

	recordMore    bool
	recordWritten int

	chunkStart URP // first_chunk/continue_chunk marker for in-progress header or record
}

// Replay implements §4.7.
func (r *Replayer) Replay(rec ReplayRecord) error {
	var st replayState
	var touched []*buffer_pool.BufferPage
	var closeCallbackPending bool
	var closeTypeHeader []byte
	var closeBegin, closeEnd URP

	for _, b := range rec.Blocks {
		slot, ok := r.allocator.Lookup(b.LogNo)
		if !ok {
			return ErrCannotRegisterUndoRequest
		}

		wantEnd := uint64(b.BlockNo+1) * uint64(common.BLCKSZ)
		slot.MetaLock.RLock()
		needExtend := slot.End < wantEnd
		slot.MetaLock.RUnlock()
		if needExtend {
			if err := r.allocator.UndoLogExtend(slot, wantEnd); err != nil {
				return err
			}
		}

		var page *buffer_pool.BufferPage
		var err error
		switch {
		case b.Restored:
			page, err = r.bufMgr.RestoreFromFPI(b.LogNo, b.BlockNo, b.Image)
		case b.NotFound:
			// no page available; only bookkeeping below runs.
		default:
			mode := buffer_pool.ReadNormal
			if b.WillInit {
				mode = buffer_pool.ReadZeroAndLock
			}
			page, err = r.bufMgr.PinBuffer(b.LogNo, b.BlockNo, mode)
			if err == nil {
				r.bufMgr.LockBuffer(page)
			}
		}
		if err != nil {
			return err
		}
		if page != nil {
			touched = append(touched, page)
		}
		// a restored block already holds its image: writes are skipped on it
		// and only the offset bookkeeping runs.
		target := page
		if b.Restored {
			target = nil
		}

		var bd BufData
		if len(b.BufData) > 0 {
			bd, err = DecodeBufData(b.BufData)
			if err != nil {
				return err
			}
		}

		if bd.Flags.has(BufAddPage) {
			st.chunkStart = bd.ChunkHeaderLocation
		}

		if bd.Flags.has(BufInsert) {
			newInsert := usableOffsetOf(b.BlockNo, int(bd.InsertPageOffset))
			slot.MetaLock.Lock()
			slot.Insert = newInsert
			slot.MetaLock.Unlock()
		}

		// Drain continuations in the required order before this block's own
		// new flags are considered.
		if st.chunkSizeMore {
			n := r.applyOverwrite(target, common.PageHeaderSize, st.chunkSizeWritten, 8, st.chunkSizeBytes[:])
			st.chunkSizeWritten += n
			if st.chunkSizeWritten >= 8 {
				st.chunkSizeMore = false
			}
		}
		drainOff := common.PageHeaderSize
		if st.headerMore {
			n := r.applyHeader(target, drainOff, st.headerWritten, st.pendingHeader, st.pendingTypeHdr, st.chunkStart)
			st.headerWritten += n
			drainOff += n
			if st.headerWritten >= st.headerTotal {
				st.headerMore = false
			}
		}
		if st.recordMore {
			n := r.applyRecord(target, drainOff, st.recordWritten, rec.Record, st.chunkStart)
			st.recordWritten += n
			if st.recordWritten >= len(rec.Record) {
				st.recordMore = false
			}
		}

		pageOff := common.PageHeaderSize
		if bd.Flags.has(BufInsert) {
			pageOff = int(bd.InsertPageOffset)
		}

		if bd.Flags.has(BufCreate) || bd.Flags.has(BufAddChunk) {
			hdr := ChunkHeader{Size: 0, PreviousChunk: InvalidURP, Type: bd.URSType}
			typeHdr := []byte(nil)
			if bd.Flags.has(BufCreate) {
				typeHdr = bd.TypeHeader
			} else {
				hdr.PreviousChunk = bd.PreviousChunkHeaderLocation
			}
			total := ChunkHeaderSize + len(typeHdr)
			st.chunkStart = URP{LogNo: b.LogNo, Offset: usableOffsetOf(b.BlockNo, pageOff)}

			n := r.applyHeader(target, pageOff, 0, hdr, typeHdr, st.chunkStart)
			pageOff += n
			if n < total {
				st.headerMore = true
				st.headerWritten = n
				st.headerTotal = total
				st.pendingHeader = hdr
				st.pendingTypeHdr = typeHdr
			}
		}

		if len(rec.Record) > 0 && !st.recordMore && st.recordWritten < len(rec.Record) {
			n := r.applyRecord(target, pageOff, st.recordWritten, rec.Record, st.chunkStart)
			st.recordWritten += n
			if st.recordWritten < len(rec.Record) {
				st.recordMore = true
			}
		}

		if bd.Flags.has(BufCloseChunk) {
			var sizeBytes [8]byte
			binary.LittleEndian.PutUint64(sizeBytes[:], bd.ChunkSize)
			n := r.applyOverwrite(target, int(bd.ChunkSizePageOffset), 0, 8, sizeBytes[:])
			if n < 8 {
				st.chunkSizeMore = true
				st.chunkSizeWritten = n
				st.chunkSizeBytes = sizeBytes
			}

			if bd.Flags.has(BufClose) && bd.URSType == URSTTransaction {
				if !rec.IsXactRmgr {
					panicf("undo replay: unexpected rmgr/op for a transaction-set close")
				}
				closeCallbackPending = true
				closeTypeHeader = bd.TypeHeader
				if bd.Flags.has(BufCloseMultiChunk) {
					closeBegin = bd.FirstChunkHeaderLocation
				} else {
					closeBegin = URP{LogNo: b.LogNo, Offset: usableOffsetOf(b.BlockNo, int(bd.ChunkSizePageOffset))}
				}
				slot.MetaLock.RLock()
				closeEnd = URP{LogNo: slot.LogNo, Offset: slot.Insert}
				slot.MetaLock.RUnlock()
			}
		}
	}

	if st.chunkSizeMore || st.headerMore || st.recordMore {
		return ErrCorruptBufData
	}

	for _, page := range touched {
		page.MarkDirty()
	}

	if closeCallbackPending && r.xact != nil {
		// the transaction id lives inside closeTypeHeader; extracting it is
		// xact_undo's job, not the replayer's, so 0 is passed as a
		// placeholder the callback is expected to ignore in favor of the
		// type header bytes.
		r.xact.OnUndoSetClosed(0, closeTypeHeader, closeBegin.LogNo, closeBegin.Offset, closeEnd.LogNo, closeEnd.Offset, rec.IsCommit, rec.IsPrepare)
	}

	return nil
}

func (r *Replayer) applyHeader(page *buffer_pool.BufferPage, pageOff, inOff int, hdr ChunkHeader, typeHdr []byte, chunkStart URP) int {
	total := ChunkHeaderSize + len(typeHdr)
	if page == nil {
		return r.codec.SkipHeader(pageOff, inOff, total)
	}
	return r.codec.InsertHeader(page, pageOff, inOff, hdr, typeHdr, chunkStart)
}

func (r *Replayer) applyRecord(page *buffer_pool.BufferPage, pageOff, inOff int, record []byte, chunkStart URP) int {
	if page == nil {
		return r.codec.SkipRecord(pageOff, inOff, len(record))
	}
	return r.codec.InsertRecord(page, pageOff, inOff, record, chunkStart)
}

func (r *Replayer) applyOverwrite(page *buffer_pool.BufferPage, pageOff, inOff, size int, src []byte) int {
	if page == nil {
		return r.codec.SkipOverwrite(pageOff, inOff, size)
	}
	return r.codec.Overwrite(page, pageOff, inOff, size, src)
}
