package undo

import "github.com/pkg/errors"

// ERROR-class conditions (§7): caller-visible, the surrounding transaction
// aborts, nothing partial is ever made durable.
var (
	ErrCannotRegisterUndoRequest = errors.New("unable to register undo request")
	ErrCorruptBufData            = errors.New("corrupted buf-data in redo")
	ErrChunkSizeOutOfRange       = errors.New("chunk size exceeds expected range during crash scan")
)

// panicf raises a PANIC-class condition (§7): destroy on a dirty set, live
// sets at process exit, a previous_chunk found already discarded, REDO
// running out of registered buffers with continuations pending, or an
// unexpected rmgr/op on a transaction-set close during REDO.
func panicf(format string, args ...interface{}) {
	panic(errors.Errorf(format, args...))
}
