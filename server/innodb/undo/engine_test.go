package undo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-undo/server/conf"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/manager"
)

func newTestEngine(t *testing.T) *UndoEngine {
	t.Helper()
	alloc := manager.NewUndoLogAllocator(1 << 20)
	bufMgr := buffer_pool.NewBufferManager(t.TempDir())
	return NewUndoEngine(alloc, bufMgr, &fakeWAL{}, &fakeXact{})
}

// TestEngineFullLifecycle drives every public operation end to end: create,
// insert, register the WAL buffers, stamp an LSN, release, close, destroy.
func TestEngineFullLifecycle(t *testing.T) {
	e := newTestEngine(t)

	h := e.Create(URSTFoo, PersistencePermanent, 0, []byte{1, 2, 3, 4})

	begin, err := e.PrepareInsert(h, 16)
	require.NoError(t, err)
	require.True(t, begin.Valid())

	require.NoError(t, e.Insert(h, make([]byte, 16)))

	lsn, err := e.RegisterWALBuffers(h)
	require.NoError(t, err)
	require.Equal(t, uint64(1), lsn)

	require.NoError(t, e.SetLSN(h, lsn))
	require.NoError(t, e.Release(h))

	ok, err := e.PrepareClose(h)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.MarkClosed(h))

	e.Destroy(h)
	_, err = e.PrepareInsert(h, 16)
	require.Error(t, err)

	e.Teardown() // must not panic: the destroyed handle left no live sets.
}

// TestEngineDestroyPanicsOnDirtySet checks destroy refuses a set that was
// written to but never closed.
func TestEngineDestroyPanicsOnDirtySet(t *testing.T) {
	e := newTestEngine(t)
	h := e.Create(URSTFoo, PersistencePermanent, 0, []byte{1, 2, 3, 4})

	_, err := e.PrepareInsert(h, 8)
	require.NoError(t, err)
	require.NoError(t, e.Insert(h, make([]byte, 8)))

	require.Panics(t, func() { e.Destroy(h) })
}

// TestEngineTeardownPanicsOnLiveSet checks the process-exit check fires
// when a set is still registered.
func TestEngineTeardownPanicsOnLiveSet(t *testing.T) {
	e := newTestEngine(t)
	e.Create(URSTFoo, PersistencePermanent, 0, nil)
	require.Panics(t, func() { e.Teardown() })
}

// TestEngineOperationsRejectUnknownHandle checks every per-handle operation
// reports an error instead of panicking when given a stale/unknown handle.
func TestEngineOperationsRejectUnknownHandle(t *testing.T) {
	e := newTestEngine(t)
	bogus := Handle(999)

	_, err := e.PrepareInsert(bogus, 8)
	require.Error(t, err)
	require.Error(t, e.Insert(bogus, nil))
	_, err = e.RegisterWALBuffers(bogus)
	require.Error(t, err)
	require.Error(t, e.SetLSN(bogus, 0))
	require.Error(t, e.Release(bogus))
	_, err = e.PrepareClose(bogus)
	require.Error(t, err)
	require.Error(t, e.MarkClosed(bogus))
}

// TestNewUndoEngineFromConfigWiresAllocatorAndBufferManager checks the
// config-driven constructor produces a usable engine.
func TestNewUndoEngineFromConfigWiresAllocatorAndBufferManager(t *testing.T) {
	cfg := conf.NewUndoEngineConfig()
	cfg.UndoDir = t.TempDir()
	cfg.LogSize = 1 << 20

	e := NewUndoEngineFromConfig(cfg, &fakeWAL{}, &fakeXact{})
	h := e.Create(URSTFoo, PersistencePermanent, 0, []byte{1, 2, 3, 4})
	_, err := e.PrepareInsert(h, 8)
	require.NoError(t, err)
}
