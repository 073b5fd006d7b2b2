package chain

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrNotSettled is returned by Future.Err while the run is still in flight.
var ErrNotSettled = errors.New("wchain: run not settled")

// RecoveryError wraps a panic raised by a stage in asynchronous mode.
type RecoveryError struct {
	// PanicValue is the original value that was passed to panic().
	PanicValue any
	// StackTrace contains the stack trace at the point of panic.
	StackTrace string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("wchain: panic recovered: %v", e.PanicValue)
}

// Unwrap exposes a panicked error value.
func (e *RecoveryError) Unwrap() error {
	err, _ := e.PanicValue.(error)
	return err
}

// capture runs fn and converts a panic into a *RecoveryError.
func capture(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RecoveryError{
				PanicValue: r,
				StackTrace: string(debug.Stack()),
			}
		}
	}()
	return fn()
}
