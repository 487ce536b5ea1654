package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrTransactionMismatch is returned by [Coordinator.Run] when the
	// presented id is not the current transaction.
	ErrTransactionMismatch = errors.New("transaction mismatch")

	// ErrTransactionBusy is returned by [Coordinator.TryTxn] when another
	// transaction is in flight or queued.
	ErrTransactionBusy = errors.New("transaction busy")

	// ErrNestedTransaction is returned when a transaction or exclusive turn is
	// requested from inside another one on the same coordinator.
	ErrNestedTransaction = errors.New("nested transaction")

	// ErrFlushFailed wraps the persistence error of a committed transaction
	// when [Options.AwaitFlush] is enabled. The transaction itself is
	// committed in memory.
	ErrFlushFailed = errors.New("flush failed")
)

// MismatchError carries both ids of a rejected write. It unwraps to
// [ErrTransactionMismatch].
type MismatchError struct {
	// Current is the in-flight transaction, empty when none is.
	Current ID

	// Attempted is the id presented by the caller.
	Attempted ID
}

func (e *MismatchError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("%s: %q presented but no transaction is in flight", ErrTransactionMismatch, e.Attempted)
	}

	return fmt.Sprintf("%s: %q presented, current is %q", ErrTransactionMismatch, e.Attempted, e.Current)
}

// Unwrap returns [ErrTransactionMismatch].
func (e *MismatchError) Unwrap() error {
	return ErrTransactionMismatch
}
