package undo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-undo/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/manager"
)

func newTestURS(t *testing.T, bufMgr BufferManager) *URS {
	t.Helper()
	return &URS{
		Type:        URSTFoo,
		Persistence: PersistencePermanent,
		Buffers:     NewBufferSet(bufMgr),
		Pending:     PendingInsert{ChunkNumberToClose: -1},
		State:       StateClean,
	}
}

func TestPrepareInsertFirstChunkNeedsBothHeaders(t *testing.T) {
	alloc := manager.NewUndoLogAllocator(1 << 20)
	bufMgr := buffer_pool.NewBufferManager(t.TempDir())
	planner := NewInsertionPlanner(alloc)

	urs := newTestURS(t, bufMgr)
	begin, err := planner.PrepareInsert(urs, 16)
	require.NoError(t, err)
	require.True(t, begin.Valid())

	wantHeaderSize := ChunkHeaderSize + TypeHeaderSize(URSTFoo)
	require.Equal(t, uint64(wantHeaderSize), begin.Offset)
	require.Len(t, urs.Chunks, 1)
	require.True(t, urs.Pending.NeedChunkHeader)
	require.True(t, urs.Pending.NeedTypeHeader)
	require.Equal(t, -1, urs.Pending.ChunkNumberToClose)
	require.True(t, urs.Buffers.Len() >= 1)
}

func TestPrepareInsertSecondInsertNoNewHeaders(t *testing.T) {
	alloc := manager.NewUndoLogAllocator(1 << 20)
	bufMgr := buffer_pool.NewBufferManager(t.TempDir())
	planner := NewInsertionPlanner(alloc)

	urs := newTestURS(t, bufMgr)
	_, err := planner.PrepareInsert(urs, 16)
	require.NoError(t, err)

	// simulate the writer having consumed the pending header.
	urs.Pending.NeedChunkHeader = false
	urs.Pending.NeedTypeHeader = false
	urs.Pending.HeaderWritten = true
	urs.Chunks[0].Slot.MetaLock.Lock()
	urs.Chunks[0].Slot.Insert += Usable(ChunkHeaderSize + TypeHeaderSize(URSTFoo) + 16)
	urs.Chunks[0].Slot.End = urs.Chunks[0].Slot.Insert + 1<<16
	urs.Chunks[0].Slot.MetaLock.Unlock()

	begin, err := planner.PrepareInsert(urs, 8)
	require.NoError(t, err)
	require.Len(t, urs.Chunks, 1)
	require.Equal(t, urs.Chunks[0].Slot.Insert, begin.Offset)
}

func TestPrepareInsertOpensNewChunkWhenLogExhausted(t *testing.T) {
	logSize := uint64(512)
	alloc := manager.NewUndoLogAllocator(logSize)
	bufMgr := buffer_pool.NewBufferManager(t.TempDir())
	planner := NewInsertionPlanner(alloc)

	urs := newTestURS(t, bufMgr)
	_, err := planner.PrepareInsert(urs, 16)
	require.NoError(t, err)

	urs.Pending.NeedChunkHeader = false
	urs.Pending.NeedTypeHeader = false
	urs.Pending.HeaderWritten = true

	// push the slot right up against its size cap so the next reservation
	// cannot be satisfied on this log at all.
	slot := urs.Chunks[0].Slot
	slot.MetaLock.Lock()
	slot.Insert = logSize - 8
	slot.End = logSize
	slot.MetaLock.Unlock()

	_, err = planner.PrepareInsert(urs, 64)
	require.NoError(t, err)
	require.Len(t, urs.Chunks, 2)
	require.Equal(t, 0, urs.Pending.ChunkNumberToClose)
	require.NotEqual(t, -1, urs.Chunks[0].HeaderBufIdx[0])
}
