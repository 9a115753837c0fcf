package worker

import (
	"errors"
	"fmt"

	gwerrors "github.com/c360/cotgate/errors"
)

// Sentinel errors for worker pool operations
var (
	// ErrPoolNotStarted indicates the pool hasn't been started yet
	ErrPoolNotStarted = fmt.Errorf("worker pool: %w", gwerrors.ErrNotStarted)

	// ErrPoolStopped indicates the pool has been stopped
	ErrPoolStopped = fmt.Errorf("worker pool stopped: %w", gwerrors.ErrShuttingDown)

	// ErrPoolAlreadyStarted indicates Start() was called on an already-started pool
	ErrPoolAlreadyStarted = fmt.Errorf("worker pool: %w", gwerrors.ErrAlreadyStarted)

	// ErrQueueFull is the shared queue-full sentinel, classified transient
	ErrQueueFull = gwerrors.ErrQueueFull

	// ErrNilProcessor indicates a nil processor function was provided
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout indicates the pool didn't stop within the timeout
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")

	// ErrTaskPanicked is returned for an item whose processor panicked
	ErrTaskPanicked = errors.New("worker task panicked")
)
