package undo

import (
	"path/filepath"
	"sync"

	"github.com/zhukovaskychina/xmysql-undo/logger"
	"github.com/zhukovaskychina/xmysql-undo/server/conf"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/manager"
)

// Handle is the stable identity a caller uses to refer to a live URS,
// replacing the intrusive-list-of-pointers design the source used (§9:
// "replace with an owned collection keyed by a stable handle").
type Handle uint64

// UndoEngine bundles the four external collaborators with a live-set
// registry, modeling the process-wide state the source keeps as global
// singletons as an explicit, testable context object (§9).
type UndoEngine struct {
	allocator LogAllocator
	bufMgr    BufferManager
	wal       WALWriter
	xact      XactUndoCloser

	planner  *InsertionPlanner
	writer   *Writer
	closer   *Closer
	replayer *Replayer
	recovery *CrashRecovery

	mu     sync.Mutex
	nextID uint64
	live   map[uint64]*URS
}

func NewUndoEngine(allocator LogAllocator, bufMgr BufferManager, wal WALWriter, xact XactUndoCloser) *UndoEngine {
	return &UndoEngine{
		allocator: allocator,
		bufMgr:    bufMgr,
		wal:       wal,
		xact:      xact,
		planner:   NewInsertionPlanner(allocator),
		writer:    NewWriter(),
		closer:    NewCloser(),
		replayer:  NewReplayer(allocator, bufMgr, xact),
		recovery:  NewCrashRecovery(allocator, bufMgr, wal, xact),
		live:      make(map[uint64]*URS),
	}
}

// NewUndoEngineFromConfig wires an UndoEngine's own storage collaborators
// (the log allocator and buffer manager) from an ini-backed
// conf.UndoEngineConfig, matching the teacher's pattern of deriving
// subsystem constructors from a parsed config struct rather than scattering
// magic numbers through call sites. The WAL and transaction-undo
// collaborators are still handed in directly: they're usually shared with
// the rest of the storage engine, not owned by this one call.
func NewUndoEngineFromConfig(cfg *conf.UndoEngineConfig, wal WALWriter, xact XactUndoCloser) *UndoEngine {
	allocator := manager.NewUndoLogAllocator(uint64(cfg.LogSize))
	bufMgr := buffer_pool.NewBufferManager(filepath.Clean(cfg.UndoDir))
	logger.Infof("undo: engine configured from %s (log_count=%d log_size=%d sync_mode=%s)\n", cfg.UndoDir, cfg.LogCount, cfg.LogSize, cfg.SyncMode)
	return NewUndoEngine(allocator, bufMgr, wal, xact)
}

// Create implements the create operation (§6, §3's lifecycle): returns a
// fresh handle registered in the engine's live-set registry.
func (e *UndoEngine) Create(t URSType, persistence Persistence, nestingLevel int, typeHeader []byte) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++

	urs := &URS{
		Type:         t,
		Persistence:  persistence,
		NestingLevel: nestingLevel,
		TypeHeader:   append([]byte(nil), typeHeader...),
		Buffers:      NewBufferSet(e.bufMgr),
		Pending:      PendingInsert{ChunkNumberToClose: -1},
		State:        StateClean,
	}
	e.live[id] = urs
	return Handle(id)
}

func (e *UndoEngine) get(h Handle) (*URS, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	urs, ok := e.live[uint64(h)]
	if !ok {
		return nil, ErrCannotRegisterUndoRequest
	}
	return urs, nil
}

// PrepareInsert implements prepare_insert (§6, §4.4).
func (e *UndoEngine) PrepareInsert(h Handle, recordSize int) (URP, error) {
	urs, err := e.get(h)
	if err != nil {
		return InvalidURP, err
	}
	return e.planner.PrepareInsert(urs, recordSize)
}

// Insert implements insert (§6, §4.5).
func (e *UndoEngine) Insert(h Handle, record []byte) error {
	urs, err := e.get(h)
	if err != nil {
		return err
	}
	return e.writer.Insert(urs, record)
}

// RegisterWALBuffers implements register_wal_buffers (§6): it assembles
// this URS's currently-staged buf-data into WAL block refs and a combined
// payload, and hands both to the WAL subsystem, returning the assigned LSN.
func (e *UndoEngine) RegisterWALBuffers(h Handle) (uint64, error) {
	urs, err := e.get(h)
	if err != nil {
		return 0, err
	}

	var refs []manager.BlockRef
	var bufData []byte
	for i := 0; i < urs.Buffers.Len(); i++ {
		pb := urs.Buffers.At(i)
		if pb.BufData.Flags == 0 {
			continue
		}
		refs = append(refs, manager.BlockRef{LogNo: pb.LogNo, Block: pb.Block})
		bufData = append(bufData, EncodeBufData(pb.BufData)...)
	}
	return e.wal.Insert(refs, bufData)
}

// SetLSN implements set_lsn (§6): stamps lsn on every buffer this URS holds.
func (e *UndoEngine) SetLSN(h Handle, lsn LSNT) error {
	urs, err := e.get(h)
	if err != nil {
		return err
	}
	urs.Buffers.SetLSN(lsn)
	return nil
}

// Release implements release (§6): unlocks/unpins every buffer.
func (e *UndoEngine) Release(h Handle) error {
	urs, err := e.get(h)
	if err != nil {
		return err
	}
	return urs.Buffers.Release()
}

// PrepareClose implements prepare_close (§6, §4.6).
func (e *UndoEngine) PrepareClose(h Handle) (bool, error) {
	urs, err := e.get(h)
	if err != nil {
		return false, err
	}
	return e.closer.PrepareClose(urs)
}

// MarkClosed implements mark_closed (§6, §4.6).
func (e *UndoEngine) MarkClosed(h Handle) error {
	urs, err := e.get(h)
	if err != nil {
		return err
	}
	return e.closer.MarkClosed(urs)
}

// Destroy implements destroy (§6): frees the handle and returns every owned
// slot to the allocator. PANIC if the set is still DIRTY — only CLEAN or
// CLOSED sets may be destroyed (§3).
func (e *UndoEngine) Destroy(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	urs, ok := e.live[uint64(h)]
	if !ok {
		return
	}
	if urs.State == StateDirty {
		panicf("undo: destroy called on a dirty record set")
	}
	for _, chunk := range urs.Chunks {
		e.allocator.UndoLogPut(chunk.Slot)
	}
	delete(e.live, uint64(h))
	logger.Debugf("undo: destroyed handle %d (%d chunks freed)\n", h, len(urs.Chunks))
}

// Replay implements replay (§6, §4.7).
func (e *UndoEngine) Replay(rec ReplayRecord) error {
	return e.replayer.Replay(rec)
}

// CloseDanglingSets implements close_dangling_sets (§6, §4.8).
func (e *UndoEngine) CloseDanglingSets(slots []*danglingSlot) error {
	logger.Infof("undo: sweeping %d log slot(s) for dangling record sets\n", len(slots))
	if err := e.recovery.CloseDanglingSets(slots); err != nil {
		logger.Errorf("undo: close_dangling_sets failed: %v\n", err)
		return err
	}
	return nil
}

// Teardown is the process-exit check (§3, §6's process-wide state note):
// PANIC if any set is still live.
func (e *UndoEngine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.live) != 0 {
		panicf("undo: %d live record set(s) at process exit", len(e.live))
	}
}
