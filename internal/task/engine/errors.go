package engine

import "errors"

var (
	ErrNotStarted     = errors.New("task engine not started")
	ErrStopped        = errors.New("task engine stopped")
	ErrAlreadyRunning = errors.New("task engine already running")

	// ErrTaskFailed wraps any error or panic raised by a task body. It is logged
	// and published, never returned to the dispatcher.
	ErrTaskFailed = errors.New("task execution failed")

	// ErrInternalDispatch means a completion notification could not be delivered.
	// It stops the dispatcher; running tasks are left to finish.
	ErrInternalDispatch = errors.New("internal dispatch failure")

	ErrInvalidTransition = errors.New("invalid worker status transition")
	ErrInvalidStatus     = errors.New("invalid worker status, options are: [Ready, Idle, Running, Busy]")
)
