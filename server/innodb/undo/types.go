// Package undo implements the Undo Record Set (URS) engine: a durable,
// crash-recoverable layer that groups related undo records into a sequence
// of byte ranges inside pre-allocated, append-only undo logs.
package undo

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zhukovaskychina/xmysql-undo/server/common"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/buffer_pool"
	"github.com/zhukovaskychina/xmysql-undo/server/innodb/manager"
)

// Persistence classifies how durably an undo log's contents are treated.
type Persistence = manager.Persistence

const (
	PersistencePermanent = manager.PersistencePermanent
	PersistenceUnlogged  = manager.PersistenceUnlogged
	PersistenceTemp      = manager.PersistenceTemp
)

// LogAllocator is the log_alloc external collaborator (§1): it gives out
// log slots, tracks per-log insert/end/discard, extends physical backing,
// and frees slots. Satisfied by *manager.UndoLogAllocator.
type LogAllocator interface {
	UndoLogGetForPersistence(p Persistence) (*manager.LogSlot, error)
	UndoLogExtend(slot *manager.LogSlot, newEnd uint64) error
	UndoLogPut(slot *manager.LogSlot)
	UndoLogTruncate(slot *manager.LogSlot)
	Lookup(logno uint32) (*manager.LogSlot, bool)
}

// BufferManager is the external buffer-manager collaborator (§1): it pins,
// locks, dirties and writes pages, and restores full-page images in REDO.
// Satisfied by *buffer_pool.BufferManager.
type BufferManager interface {
	PinBuffer(logno, block uint32, mode buffer_pool.ReadMode) (*buffer_pool.BufferPage, error)
	LockBuffer(page *buffer_pool.BufferPage)
	Release(page *buffer_pool.BufferPage) error
	Flush(page *buffer_pool.BufferPage) error
	RestoreFromFPI(logno, block uint32, image []byte) (*buffer_pool.BufferPage, error)
}

// WALWriter is the WAL external collaborator (§1): begins, registers and
// inserts WAL records; decodes registered block data in REDO. Satisfied by
// *manager.WALSubsystem.
type WALWriter interface {
	Insert(refs []manager.BlockRef, bufData []byte) (uint64, error)
	Flush() error
	Checkpoint() error
	ReadFrom(fromLSN uint64) ([]manager.WALRecord, error)
	LastCheckpoint() uint64
}

// XactUndoCloser is the transaction-undo external collaborator (§1): it
// consumes the URST_TRANSACTION type and receives a callback whenever replay
// or crash recovery closes a transaction's set. Satisfied by
// *manager.XactUndoManager.
type XactUndoCloser interface {
	OnUndoSetClosed(trxID int64, typeHeader []byte, beginLogNo uint32, beginOffset uint64, endLogNo uint32, endOffset uint64, isCommit, isPrepare bool)
}

// URP is an undo record pointer: an opaque address (logno, offset), where
// offset is counted in usable bytes — it skips per-page headers (§3).
type URP struct {
	LogNo  uint32
	Offset uint64
}

// InvalidURP is returned when reserve_physical cannot satisfy a request on
// the current log.
var InvalidURP = URP{LogNo: ^uint32(0), Offset: ^uint64(0)}

func (p URP) Valid() bool { return p != InvalidURP }

func (p URP) String() string {
	if !p.Valid() {
		return "URP(invalid)"
	}
	return fmt.Sprintf("URP(%d,%d)", p.LogNo, p.Offset)
}

func (p URP) Add(n uint64) URP { return URP{LogNo: p.LogNo, Offset: p.Offset + n} }

// URSType identifies what kind of record set a chunk belongs to, and
// therefore the size of its type header.
type URSType uint8

const (
	URSTTransaction URSType = iota
	URSTFoo
)

var typeHeaderSizes = map[URSType]int{
	URSTTransaction: 8,
	URSTFoo:         4,
}

// RegisterType lets a new record-set type declare its type-header size, the
// way the original engine lets callers add URST_* types beyond the two
// built in (§3).
func RegisterType(t URSType, headerSize int) { typeHeaderSizes[t] = headerSize }

func TypeHeaderSize(t URSType) int { return typeHeaderSizes[t] }

// ChunkHeader is the fixed on-page layout that begins every chunk (§3).
// Encoded little-endian per the design notes' endianness rule.
type ChunkHeader struct {
	Size          uint64
	PreviousChunk URP
	Type          URSType
}

// ChunkHeaderSize is 8 (size) + 12 (previous_chunk: 4 logno + 8 offset) + 1
// (type), padded to an 8-byte boundary.
const ChunkHeaderSize = 24

func EncodeChunkHeader(h ChunkHeader) []byte {
	buf := make([]byte, ChunkHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Size)
	binary.LittleEndian.PutUint32(buf[8:12], h.PreviousChunk.LogNo)
	binary.LittleEndian.PutUint64(buf[12:20], h.PreviousChunk.Offset)
	buf[20] = byte(h.Type)
	return buf
}

func DecodeChunkHeader(buf []byte) ChunkHeader {
	return ChunkHeader{
		Size: binary.LittleEndian.Uint64(buf[0:8]),
		PreviousChunk: URP{
			LogNo:  binary.LittleEndian.Uint32(buf[8:12]),
			Offset: binary.LittleEndian.Uint64(buf[12:20]),
		},
		Type: URSType(buf[20]),
	}
}

// URSState is the record set's lifecycle (§3): CLEAN -> DIRTY on the first
// insert, DIRTY -> CLOSED on mark_closed. CLEAN -> destroy is legal; DIRTY
// -> destroy is a programming error (PANIC).
type URSState int

const (
	StateClean URSState = iota
	StateDirty
	StateClosed
)

func (s URSState) String() string {
	switch s {
	case StateClean:
		return "CLEAN"
	case StateDirty:
		return "DIRTY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Chunk is one entry of a URS's ChunkTable (§4.3): the log slot it lives in,
// the usable-byte offset of its header, and the indices of the BufferSet
// entries holding that header (a header may straddle two pages).
type Chunk struct {
	Slot         *manager.LogSlot
	HeaderOffset uint64
	HeaderBufIdx [2]int // -1 when not (yet) pinned
}

func (c Chunk) HeaderURP() URP {
	return URP{LogNo: c.Slot.LogNo, Offset: c.HeaderOffset}
}

// PendingInsert carries the InsertionPlanner's outputs through to the
// Writer (§3, §4.4): what headers need writing, where the logical insertion
// begins, and which earlier chunk (if any) must be force-closed as part of
// this same WAL record.
type PendingInsert struct {
	Begin               URP
	NeedChunkHeader     bool
	NeedTypeHeader      bool
	ChunkHeader         ChunkHeader
	ChunkStart          URP
	RecentEnd           uint64
	ChunkNumberToClose  int // -1 if none
	HeaderWritten       bool
	InsertPageOffsetSet bool
}

// URS is the in-memory Undo Record Set handle (§3). One is created per
// logical group of related undo records (typically one transaction at one
// persistence level).
type URS struct {
	mu sync.Mutex

	Type         URSType
	Persistence  Persistence
	TrxID        int64
	NestingLevel int
	TypeHeader   []byte

	Chunks  []Chunk
	Buffers *BufferSet
	Pending PendingInsert
	State   URSState
}

// LSNT is re-exported for callers that need to stamp an LSN without
// importing server/common directly.
type LSNT = common.LSNT
