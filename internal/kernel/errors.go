package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrOrphanedExecution ends an execution whose session went away before
	// a terminal notification arrived.
	ErrOrphanedExecution = errors.New("kernel: interpreter exited before the cell finished")
	// ErrProcessExited reports that the interpreter process terminated.
	ErrProcessExited = errors.New("kernel: interpreter process exited")
	// ErrConnectionLost reports that the interpreter hung up while running.
	ErrConnectionLost = errors.New("kernel: interpreter connection lost")
	// ErrStopped reports an explicit Stop.
	ErrStopped = errors.New("kernel: stopped")
	// ErrClosed is returned once the kernel has been closed for good.
	ErrClosed = errors.New("kernel: closed")
)

// ErrEnvironmentResolution reports that the interpreter executable, its
// environment or its driver could not be resolved. It aborts session start.
type ErrEnvironmentResolution struct {
	What string // "executable", "environment" or "driver"
	Err  error
}

func (e ErrEnvironmentResolution) Error() string {
	return fmt.Sprintf("resolving interpreter %s: %v", e.What, e.Err)
}

func (e ErrEnvironmentResolution) Unwrap() error { return e.Err }
