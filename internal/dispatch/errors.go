package dispatch

import "errors"

var (
	ErrStopped     = errors.New("dispatch queue stopped")
	ErrQueueFull   = errors.New("dispatch queue full")
	ErrUnknownTask = errors.New("no handler registered for task")
)
