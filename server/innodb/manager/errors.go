package manager

import "errors"

// Errors raised by the log allocator, WAL and transaction-undo collaborators.
var (
	ErrTxNotFound  = errors.New("transaction not found")
	ErrLogNotFound = errors.New("undo log not found")
)
