package undo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-undo/server/common"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/manager"
)

// TestCloserSingleChunkNoMultiChunkFlag exercises the plain single-chunk
// close path: PrepareClose pins one buffer, MarkClosed patches its size and
// stages CLOSE_CHUNK|CLOSE but not CLOSE_MULTI_CHUNK.
func TestCloserSingleChunkNoMultiChunkFlag(t *testing.T) {
	alloc := manager.NewUndoLogAllocator(1 << 20)
	bufMgr := buffer_pool.NewBufferManager(t.TempDir())
	planner := NewInsertionPlanner(alloc)
	writer := NewWriter()
	closer := NewCloser()

	urs := newTestURS(t, bufMgr)
	_, err := planner.PrepareInsert(urs, 16)
	require.NoError(t, err)
	require.NoError(t, writer.Insert(urs, make([]byte, 16)))

	ok, err := closer.PrepareClose(urs)
	require.NoError(t, err)
	require.True(t, ok)

	final := &urs.Chunks[0]
	require.GreaterOrEqual(t, final.HeaderBufIdx[0], 0)
	require.Equal(t, -1, final.HeaderBufIdx[1])

	require.NoError(t, closer.MarkClosed(urs))
	require.Equal(t, StateClosed, urs.State)

	pb := urs.Buffers.At(final.HeaderBufIdx[0])
	require.True(t, pb.BufData.Flags.has(BufCloseChunk))
	require.True(t, pb.BufData.Flags.has(BufClose))
	require.False(t, pb.BufData.Flags.has(BufCloseMultiChunk))
}

// TestCloserPatchStraddlesTwoPages exercises spec scenario 3: a chunk whose
// header sits close enough to the end of its page that the 8-byte size
// field spans the page boundary. PrepareClose must pin two buffers, and
// MarkClosed must issue two Overwrite calls whose bytes reassemble into the
// correct size, while still staging exactly one CLOSE_CHUNK buf-data entry
// (on the first buffer).
func TestCloserPatchStraddlesTwoPages(t *testing.T) {
	alloc := manager.NewUndoLogAllocator(1 << 20)
	bufMgr := buffer_pool.NewBufferManager(t.TempDir())
	closer := NewCloser()

	slot, err := alloc.UndoLogGetForPersistence(PersistencePermanent)
	require.NoError(t, err)

	// place the header's size field so it straddles block 0/block 1: the
	// field occupies the last 4 bytes of block 0 and the first 4 of block 1.
	headerOffset := uint64(common.BLCKSZ-common.PageHeaderSize) - 4
	wantSize := headerOffset + 100

	require.NoError(t, alloc.UndoLogExtend(slot, 2*uint64(common.BLCKSZ)))
	slot.MetaLock.Lock()
	slot.Insert = wantSize
	slot.MetaLock.Unlock()

	urs := newTestURS(t, bufMgr)
	urs.Chunks = []Chunk{{Slot: slot, HeaderOffset: headerOffset, HeaderBufIdx: [2]int{-1, -1}}}

	ok, err := closer.PrepareClose(urs)
	require.NoError(t, err)
	require.True(t, ok)

	final := &urs.Chunks[0]
	require.GreaterOrEqual(t, final.HeaderBufIdx[0], 0)
	require.GreaterOrEqual(t, final.HeaderBufIdx[1], 0)
	require.NotEqual(t, final.HeaderBufIdx[0], final.HeaderBufIdx[1])

	require.NoError(t, closer.MarkClosed(urs))

	pb0 := urs.Buffers.At(final.HeaderBufIdx[0])
	pb1 := urs.Buffers.At(final.HeaderBufIdx[1])

	block0, pageOff0 := BlockAndOffset(headerOffset)
	require.Equal(t, uint32(0), block0)

	var reassembled [8]byte
	n := copy(reassembled[:], pb0.Page.GetContent()[pageOff0:common.BLCKSZ])
	copy(reassembled[n:], pb1.Page.GetContent()[common.PageHeaderSize:common.PageHeaderSize+(8-n)])
	gotSize := binary.LittleEndian.Uint64(reassembled[:])
	require.Equal(t, wantSize-headerOffset, gotSize)

	require.True(t, pb0.BufData.Flags.has(BufCloseChunk))
	require.False(t, pb1.BufData.Flags.has(BufCloseChunk))
}

// TestCloserMultiChunkSetsFirstChunkLocation exercises the multi-chunk close
// path: MarkClosed on a set with more than one chunk must stage
// CLOSE_MULTI_CHUNK with FirstChunkHeaderLocation pointing at chunk zero.
func TestCloserMultiChunkSetsFirstChunkLocation(t *testing.T) {
	alloc := manager.NewUndoLogAllocator(1 << 20)
	bufMgr := buffer_pool.NewBufferManager(t.TempDir())
	planner := NewInsertionPlanner(alloc)
	writer := NewWriter()
	closer := NewCloser()

	urs := newTestURS(t, bufMgr)
	_, err := planner.PrepareInsert(urs, 8)
	require.NoError(t, err)
	require.NoError(t, writer.Insert(urs, make([]byte, 8)))

	firstHeaderURP := urs.Chunks[0].HeaderURP()

	firstSlot := urs.Chunks[0].Slot
	firstSlot.MetaLock.Lock()
	firstSlot.Size = firstSlot.Insert + 8
	firstSlot.End = firstSlot.Size
	firstSlot.MetaLock.Unlock()

	_, err = planner.PrepareInsert(urs, 24)
	require.NoError(t, err)
	require.NoError(t, writer.Insert(urs, make([]byte, 24)))
	require.Len(t, urs.Chunks, 2)

	ok, err := closer.PrepareClose(urs)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, closer.MarkClosed(urs))

	final := &urs.Chunks[1]
	pb := urs.Buffers.At(final.HeaderBufIdx[0])
	require.True(t, pb.BufData.Flags.has(BufCloseMultiChunk))
	require.Equal(t, firstHeaderURP, pb.BufData.FirstChunkHeaderLocation)
}
