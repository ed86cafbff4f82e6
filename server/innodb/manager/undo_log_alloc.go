package manager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zhukovaskychina/xmysql-undo/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-undo/util"
)

func now() time.Time { return time.UnixMilli(util.GetCurrentTimeMillis()) }

// Persistence mirrors undo.Persistence without importing the undo package,
// so this collaborator has no dependency cycle on its own consumer. The
// values are assigned to line up byte-for-byte with undo.Persistence.
type Persistence uint8

const (
	PersistencePermanent Persistence = iota
	PersistenceUnlogged
	PersistenceTemp
)

// LogSlot is one undo log's address-space bookkeeping: a monotonically
// advancing insertion point bounded by a physical end, guarded by a
// reader/writer meta lock (§5 — "at most one writer exists per log at a
// time, enforced by the log allocator handing out at most one exclusive
// claim per logno"). Fields are exported so the undo package's planner can
// read/advance them directly, under MetaLock's discipline: read under
// RLock/RUnlock, mutate under Lock/Unlock.
type LogSlot struct {
	LogNo       uint32
	Persistence Persistence
	MetaLock    *latch.Latch

	Insert  uint64 // next free usable-byte offset
	End     uint64 // physical bound already backed by allocated pages
	Discard uint64 // lower bound; advanced by the transaction-undo layer, not here
	Size    uint64 // hard cap for this log's address space

	claimed  bool      // true while held by UndoLogGetForPersistence
	lastUsed time.Time // for Stats()' oldest-active-log figure
}

// UndoLogAllocator is the log_alloc external collaborator (§1): it owns the
// set of undo logs and hands out exclusive claims for new insertions. It
// does not know about chunks, records or the WAL; its whole job is
// allocating and extending per-log address space.
type UndoLogAllocator struct {
	mu sync.Mutex

	slots    map[uint32]*LogSlot
	free     []uint32 // lognos not currently claimed, ready for reuse
	nextNo   uint32
	logSize  uint64
	written  uint64 // cumulative bytes ever reserved, for Stats()
}

func NewUndoLogAllocator(logSize uint64) *UndoLogAllocator {
	return &UndoLogAllocator{
		slots:   make(map[uint32]*LogSlot),
		logSize: logSize,
	}
}

// UndoLogGetForPersistence returns a log slot with spare capacity for the
// given persistence level, claiming it exclusively. It first tries to reuse
// a free slot of matching persistence (§3's "an undo log belongs to exactly
// one persistence level for its whole life"), falling back to allocating a
// new one.
func (a *UndoLogAllocator) UndoLogGetForPersistence(p Persistence) (*LogSlot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, logno := range a.free {
		slot := a.slots[logno]
		if slot.Persistence == p && slot.Size-slot.End > 0 {
			a.free = append(a.free[:i], a.free[i+1:]...)
			slot.claimed = true
			slot.lastUsed = now()
			return slot, nil
		}
	}

	logno := a.nextNo
	a.nextNo++
	slot := &LogSlot{
		LogNo:       logno,
		Persistence: p,
		MetaLock:    latch.NewLatch(),
		Size:        a.logSize,
		claimed:     true,
		lastUsed:    now(),
	}
	a.slots[logno] = slot
	return slot, nil
}

// UndoLogExtend grows a slot's physical end to at least newEnd, simulating
// the allocator handing the log more backing pages. Planner.reservePhysical
// calls this on the slow path when the fast in-page reservation fails.
func (a *UndoLogAllocator) UndoLogExtend(slot *LogSlot, newEnd uint64) error {
	slot.MetaLock.Lock()
	defer slot.MetaLock.Unlock()

	if newEnd > slot.Size {
		return fmt.Errorf("undo log %d: extend to %d exceeds size cap %d", slot.LogNo, newEnd, slot.Size)
	}
	if newEnd > slot.End {
		delta := newEnd - slot.End
		slot.End = newEnd
		a.mu.Lock()
		a.written += delta
		a.mu.Unlock()
	}
	return nil
}

// UndoLogPut releases a slot back to the free list once its last chunk has
// been closed, so a later UndoLogGetForPersistence call can reuse the
// remaining capacity for a new chunk.
func (a *UndoLogAllocator) UndoLogPut(slot *LogSlot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot.claimed = false
	a.free = append(a.free, slot.LogNo)
}

// UndoLogTruncate discards a slot without closing it — the reserve_physical
// overflow path when a log fills up mid-chunk and the planner must abandon
// it and start a new one on a fresh log (§4.4), releasing it for later reuse
// just like UndoLogPut.
func (a *UndoLogAllocator) UndoLogTruncate(slot *LogSlot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot.claimed = false
	a.free = append(a.free, slot.LogNo)
}

// Lookup finds a previously allocated slot by logno, used by the replayer
// and crash-recovery sweep which only have a URP's logno to go on.
func (a *UndoLogAllocator) Lookup(logno uint32) (*LogSlot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, ok := a.slots[logno]
	return slot, ok
}

// AllocatorStats mirrors the teacher's LogStats shape for this collaborator.
type AllocatorStats struct {
	ActiveSlots   int
	TotalReserved uint64
	OldestActive  time.Time
}

func (a *UndoLogAllocator) Stats() AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := AllocatorStats{TotalReserved: a.written}
	var times []time.Time
	for _, s := range a.slots {
		if s.claimed {
			stats.ActiveSlots++
			times = append(times, s.lastUsed)
		}
	}
	if len(times) > 0 {
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		stats.OldestActive = times[0]
	}
	return stats
}
