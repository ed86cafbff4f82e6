package undo

import (
	"encoding/binary"

	"github.com/zhukovaskychina/xmysql-undo/server/common"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-undo/util"
)

// Page header stub layout, packed into the first common.PageHeaderSize bytes
// of every undo page: insertion_point, first_chunk, continue_chunk and a
// checksum. There is no pd_lower field, and the page LSN is kept on the
// buffer_pool.BufferPage rather than in the stub.
const (
	offInsertionPoint = 0  // uint16
	offFirstChunk     = 2  // URP: 4 (logno) + 8 (offset)
	offContinueChunk  = 14 // URP: 4 (logno) + 8 (offset)
	offChecksum       = 26 // uint64, xxhash of the rest of the page with this field zeroed
)

// UsablePerPage is how many bytes of a fresh page are available to chunk
// and record bytes once the header stub is excluded.
const UsablePerPage = common.BLCKSZ - common.PageHeaderSize

// Usable reports how much a slot's monotonic insert pointer advances for n
// physical bytes written. In this layout the insert pointer is already
// counted in usable bytes (§3's URP offset "skips per-page headers"), so
// writing n bytes of header/record payload advances it by exactly n,
// regardless of how many page boundaries that payload crosses.
func Usable(n int) uint64 { return uint64(n) }

// BlockAndOffset converts a usable-byte offset within a log to the physical
// (block, page_off) pair the page codec's primitives operate on.
func BlockAndOffset(usableOffset uint64) (block uint32, pageOff int) {
	block = uint32(usableOffset / uint64(UsablePerPage))
	pageOff = common.PageHeaderSize + int(usableOffset%uint64(UsablePerPage))
	return
}

func bytesOnPage(pageOff, inOff, total int) int {
	remainInPage := common.BLCKSZ - pageOff
	remainTotal := total - inOff
	if remainInPage < remainTotal {
		return remainInPage
	}
	return remainTotal
}

// PageCodec is the undo_page external collaborator (§1, §4.1): low-level
// insert/overwrite/skip primitives operating on one page at a time.
type PageCodec struct{}

// InitPage zeroes a freshly claimed page and lays in the header stub.
func (PageCodec) InitPage(page *buffer_pool.BufferPage) {
	content := page.GetContent()
	for i := range content {
		content[i] = 0
	}
	binary.LittleEndian.PutUint16(content[offInsertionPoint:], uint16(common.PageHeaderSize))
	putURP(content[offFirstChunk:], InvalidURP)
	putURP(content[offContinueChunk:], InvalidURP)
}

func (PageCodec) InsertionPoint(page *buffer_pool.BufferPage) int {
	return int(binary.LittleEndian.Uint16(page.GetContent()[offInsertionPoint:]))
}

func (PageCodec) setInsertionPoint(page *buffer_pool.BufferPage, v int) {
	binary.LittleEndian.PutUint16(page.GetContent()[offInsertionPoint:], uint16(v))
}

func (PageCodec) FirstChunk(page *buffer_pool.BufferPage) URP {
	return getURP(page.GetContent()[offFirstChunk:])
}

func (PageCodec) ContinueChunk(page *buffer_pool.BufferPage) URP {
	return getURP(page.GetContent()[offContinueChunk:])
}

func putURP(dst []byte, p URP) {
	binary.LittleEndian.PutUint32(dst[0:4], p.LogNo)
	binary.LittleEndian.PutUint64(dst[4:12], p.Offset)
}

func getURP(src []byte) URP {
	return URP{
		LogNo:  binary.LittleEndian.Uint32(src[0:4]),
		Offset: binary.LittleEndian.Uint64(src[4:12]),
	}
}

// InsertHeader writes the portion of (chunk header || type header) that
// fits on this page starting at page_off, continuing from in_off bytes
// already written on prior pages. Updates first_chunk when the header
// begins at the page's first usable byte (page_off == PageHeaderSize and
// in_off == 0); a header that begins further into the page leaves
// first_chunk unchanged.
func (c PageCodec) InsertHeader(page *buffer_pool.BufferPage, pageOff, inOff int, header ChunkHeader, typeHeader []byte, chunkStart URP) int {
	full := append(EncodeChunkHeader(header), typeHeader...)
	n := bytesOnPage(pageOff, inOff, len(full))
	content := page.GetContent()
	copy(content[pageOff:pageOff+n], full[inOff:inOff+n])
	if pageOff == common.PageHeaderSize && inOff == 0 {
		putURP(content[offFirstChunk:], chunkStart)
	}
	c.setInsertionPoint(page, pageOff+n)
	return n
}

// InsertRecord writes the portion of record that fits on this page.
// Updates continue_chunk if the write started at the page boundary.
func (c PageCodec) InsertRecord(page *buffer_pool.BufferPage, pageOff, inOff int, record []byte, chunkStart URP) int {
	n := bytesOnPage(pageOff, inOff, len(record))
	content := page.GetContent()
	copy(content[pageOff:pageOff+n], record[inOff:inOff+n])
	if pageOff == common.PageHeaderSize {
		putURP(content[offContinueChunk:], chunkStart)
	}
	c.setInsertionPoint(page, pageOff+n)
	return n
}

// Overwrite patches size bytes of src into the page at page_off, used to
// patch a chunk's size field on close; may be called twice for a patch
// straddling two pages.
func (PageCodec) Overwrite(page *buffer_pool.BufferPage, pageOff, inOff, size int, src []byte) int {
	n := bytesOnPage(pageOff, inOff, size)
	content := page.GetContent()
	copy(content[pageOff:pageOff+n], src[inOff:inOff+n])
	return n
}

// SkipHeader/SkipRecord/SkipOverwrite report how many bytes would have been
// written without touching page content — used in REDO when a block is
// absent (FPI-restored or discarded) so chunk/record offsets stay in sync.
func (PageCodec) SkipHeader(pageOff, inOff, total int) int    { return bytesOnPage(pageOff, inOff, total) }
func (PageCodec) SkipRecord(pageOff, inOff, total int) int    { return bytesOnPage(pageOff, inOff, total) }
func (PageCodec) SkipOverwrite(pageOff, inOff, total int) int { return bytesOnPage(pageOff, inOff, total) }

// StampChecksum computes and stores a page checksum covering everything but
// the checksum field itself. Neither it nor VerifyChecksum is called on the
// buffer read path: BufferSet.FindOrRead does not verify pages.
func (PageCodec) StampChecksum(page *buffer_pool.BufferPage) {
	content := page.GetContent()
	binary.LittleEndian.PutUint64(content[offChecksum:offChecksum+8], 0)
	sum := util.HashCode(content)
	binary.LittleEndian.PutUint64(content[offChecksum:offChecksum+8], sum)
}

// VerifyChecksum returns true if the stored checksum matches the page's
// content, or if the page was never stamped (checksum field still zero —
// a freshly initialized page that hasn't been through StampChecksum yet).
func (PageCodec) VerifyChecksum(page *buffer_pool.BufferPage) bool {
	content := page.GetContent()
	stored := binary.LittleEndian.Uint64(content[offChecksum : offChecksum+8])
	if stored == 0 {
		return true
	}
	binary.LittleEndian.PutUint64(content[offChecksum:offChecksum+8], 0)
	sum := util.HashCode(content)
	binary.LittleEndian.PutUint64(content[offChecksum:offChecksum+8], stored)
	return sum == stored
}
