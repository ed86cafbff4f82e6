package manager

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrInvalidTrxState = errors.New("invalid transaction state")

// 事务状态
const (
	TRX_STATE_NOT_STARTED uint8 = iota
	TRX_STATE_ACTIVE
	TRX_STATE_PREPARED
	TRX_STATE_COMMITTED
	TRX_STATE_ROLLED_BACK
)

// closedSetRef is what a transaction remembers about one undo record set it
// closed while active: the type header and [begin, end) range needed to
// roll it back on abort. logno/offset pairs stand in for the undo package's
// URP so this package stays free of any dependency on it.
type closedSetRef struct {
	TypeHeader            []byte
	BeginLogNo, EndLogNo   uint32
	BeginOffset, EndOffset uint64
}

// Transaction is the minimal transaction-undo record this module needs:
// just enough state to decide, on commit or rollback, what to do with the
// undo record sets it closed. MVCC visibility, read views and row locking
// belong to the table access method layer and are out of scope here.
type Transaction struct {
	ID             int64
	State          uint8
	StartTime      time.Time
	LastActiveTime time.Time
	IsReadOnly     bool

	closedSets []closedSetRef
}

// XactUndoManager is the xact_undo external collaborator (§1): it tracks
// which transaction owns which closed undo record sets. The undo engine's
// replayer and crash-recovery sweep call back into it via OnUndoSetClosed
// when they close a transaction's set; the closer does not call it.
type XactUndoManager struct {
	mu                 sync.RWMutex
	nextTrxID          int64
	activeTransactions map[int64]*Transaction
	defaultTimeout     time.Duration
}

func NewXactUndoManager() *XactUndoManager {
	return &XactUndoManager{
		activeTransactions: make(map[int64]*Transaction),
		defaultTimeout:     time.Hour,
	}
}

// Begin starts a new transaction.
func (tm *XactUndoManager) Begin(isReadOnly bool) *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	trxID := atomic.AddInt64(&tm.nextTrxID, 1)
	trx := &Transaction{
		ID:             trxID,
		State:          TRX_STATE_ACTIVE,
		StartTime:      time.Now(),
		LastActiveTime: time.Now(),
		IsReadOnly:     isReadOnly,
	}
	tm.activeTransactions[trxID] = trx
	return trx
}

// OnUndoSetClosed records a closed transaction set against its owning
// transaction. The undo engine's replayer and crash-recovery sweep call it
// with trxID 0; the id is then read from the 8-byte type header
// (little-endian). A call for a transaction that is not active is dropped.
// It only appends to an in-memory list and never blocks on I/O, since the
// replayer calls it while still holding the content locks of the pages it
// touched.
func (tm *XactUndoManager) OnUndoSetClosed(trxID int64, typeHeader []byte, beginLogNo uint32, beginOffset uint64, endLogNo uint32, endOffset uint64, isCommit, isPrepare bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if trxID == 0 && len(typeHeader) == 8 {
		trxID = int64(binary.LittleEndian.Uint64(typeHeader))
	}
	trx, ok := tm.activeTransactions[trxID]
	if !ok {
		return
	}
	trx.closedSets = append(trx.closedSets, closedSetRef{
		TypeHeader:  typeHeader,
		BeginLogNo:  beginLogNo,
		BeginOffset: beginOffset,
		EndLogNo:    endLogNo,
		EndOffset:   endOffset,
	})
}

// Commit marks a transaction committed and forgets its closed sets — they
// no longer need rolling back.
func (tm *XactUndoManager) Commit(trx *Transaction) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if trx.State != TRX_STATE_ACTIVE {
		return ErrInvalidTrxState
	}
	trx.State = TRX_STATE_COMMITTED
	trx.LastActiveTime = time.Now()
	trx.closedSets = nil
	delete(tm.activeTransactions, trx.ID)
	return nil
}

// Rollback marks a transaction rolled back. Applying the undo records
// themselves belongs to the table access method layer walking the closed
// sets this manager recorded; this method only finalizes the transaction's
// bookkeeping.
func (tm *XactUndoManager) Rollback(trx *Transaction) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if trx.State != TRX_STATE_ACTIVE {
		return ErrInvalidTrxState
	}
	trx.State = TRX_STATE_ROLLED_BACK
	trx.LastActiveTime = time.Now()
	delete(tm.activeTransactions, trx.ID)
	return nil
}

// ClosedSetCount reports how many undo record sets a transaction has
// closed so far, mostly useful from tests.
func (trx *Transaction) ClosedSetCount() int {
	return len(trx.closedSets)
}

// GetTransaction looks up an active transaction by ID.
func (tm *XactUndoManager) GetTransaction(trxID int64) *Transaction {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.activeTransactions[trxID]
}

// Sweep rolls back any transaction that has been active longer than the
// default timeout, matching the teacher's periodic Cleanup pass.
func (tm *XactUndoManager) Sweep() {
	tm.mu.Lock()
	timedOut := make([]*Transaction, 0)
	now := time.Now()
	for _, trx := range tm.activeTransactions {
		if now.Sub(trx.LastActiveTime) > tm.defaultTimeout {
			timedOut = append(timedOut, trx)
		}
	}
	tm.mu.Unlock()

	for _, trx := range timedOut {
		tm.Rollback(trx)
	}
}
