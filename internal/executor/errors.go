package executor

import "errors"

var (
	// ErrQueueFull is returned when the bounded queue is at capacity. It is
	// the backpressure signal, surfaced to the requester as a Rejected
	// result with reason "capacity".
	ErrQueueFull = errors.New("executor queue is full")

	// ErrShuttingDown is returned for submissions after shutdown began.
	ErrShuttingDown = errors.New("executor is shutting down")
)
