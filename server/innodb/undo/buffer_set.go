package undo

import (
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/buffer_pool"
)

// PinnedBuffer is one page a URS currently holds, with the flags the
// planner/writer/closer need to track (§3's "buffers: set of pinned buffers
// with flags {is_new, needs_init, bufdata}").
type PinnedBuffer struct {
	Page      *buffer_pool.BufferPage
	LogNo     uint32
	Block     uint32
	IsNew     bool
	NeedsInit bool
	Locked    bool

	BufData BufData // accumulated WAL buf-data flags/fields for this buffer
}

// BufferSet is a per-URS collection of pinned/locked undo buffers,
// de-duplicated by (logno, block) (§4.2). Capacity grows as needed; there
// is no fixed cap, matching "capacity doubles as needed" applied to a Go
// slice's natural growth.
type BufferSet struct {
	bufMgr BufferManager
	items  []*PinnedBuffer
}

func NewBufferSet(bufMgr BufferManager) *BufferSet {
	return &BufferSet{bufMgr: bufMgr}
}

func (bs *BufferSet) indexOf(logno, block uint32) int {
	for i, pb := range bs.items {
		if pb.LogNo == logno && pb.Block == block {
			return i
		}
	}
	return -1
}

// PinOnly pins (without locking) the page for (logno, block), reusing an
// already-pinned entry if this set holds it. Used by the planner's first
// pass over an insertion range.
func (bs *BufferSet) PinOnly(logno, block uint32, isNew bool) (int, error) {
	if i := bs.indexOf(logno, block); i >= 0 {
		return i, nil
	}

	mode := buffer_pool.ReadNormal
	if isNew {
		mode = buffer_pool.ReadZeroAndLock
	}
	page, err := bs.bufMgr.PinBuffer(logno, block, mode)
	if err != nil {
		return -1, err
	}

	pb := &PinnedBuffer{
		Page:      page,
		LogNo:     logno,
		Block:     block,
		IsNew:     isNew || page.IsNew(),
		NeedsInit: isNew || page.IsNew(),
	}
	bs.items = append(bs.items, pb)
	return len(bs.items) - 1, nil
}

// LockAt takes the content lock for an already-pinned entry, a no-op if
// already locked. Used by the planner's second pass.
func (bs *BufferSet) LockAt(i int) {
	pb := bs.items[i]
	if pb.Locked {
		return
	}
	bs.bufMgr.LockBuffer(pb.Page)
	pb.Locked = true
}

// FindOrRead is the single-call convenience for callers outside the
// two-phase planner path (replay, crash recovery): pin and lock together.
func (bs *BufferSet) FindOrRead(logno, block uint32, isNew bool) (int, error) {
	i, err := bs.PinOnly(logno, block, isNew)
	if err != nil {
		return -1, err
	}
	bs.LockAt(i)
	return i, nil
}

func (bs *BufferSet) At(i int) *PinnedBuffer { return bs.items[i] }
func (bs *BufferSet) Len() int               { return len(bs.items) }

func (bs *BufferSet) MarkDirty(i int) {
	bs.items[i].Page.MarkDirty()
}

// SetLSN stamps lsn on every pinned page (the set_lsn operation, §6).
func (bs *BufferSet) SetLSN(lsn LSNT) {
	for _, pb := range bs.items {
		pb.Page.SetLSN(lsn)
	}
}

// Release unlocks and unpins every locked buffer in the set, then clears it.
// Entries that are pinned but not locked are dropped from the set without
// being unpinned.
func (bs *BufferSet) Release() error {
	var firstErr error
	for _, pb := range bs.items {
		if !pb.Locked {
			continue
		}
		if err := bs.bufMgr.Release(pb.Page); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	bs.items = bs.items[:0]
	return firstErr
}
