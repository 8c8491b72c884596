package worker

import "errors"

// Pool lifecycle and submission errors
var (
	ErrNilProcessor       = errors.New("worker: processor function cannot be nil")
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrQueueFull          = errors.New("worker: queue full, work dropped")
	ErrStopTimeout        = errors.New("worker: timeout waiting for workers to stop")
)
