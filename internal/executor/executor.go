package executor

import (
	"context"
	"errors"
	"time"

	"sitewatch/internal/domain"
)

// ErrCapacity signals that the backend cannot take another task right now.
// The scheduler treats it as "defer to the next tick", never as fatal.
var ErrCapacity = errors.New("executor: capacity exceeded")

// Task is one probe to run: the target plus its timeout budget.
type Task struct {
	Target  domain.Target `json:"target"`
	Timeout time.Duration `json:"timeout"`
}

// Backend executes probe tasks under a concurrency ceiling. A submitted task
// runs at most once; a backend failure may drop a task but never duplicates
// it (the sink's idempotent writes are the second line of defense).
type Backend interface {
	// Submit hands a task to the backend. Returns ErrCapacity when the
	// backend is full; the caller retries on a later tick.
	Submit(task Task) error

	// Results delivers completed check results, including synthesized
	// failures for tasks lost inside the backend.
	Results() <-chan domain.CheckResult

	// Close stops accepting tasks and waits for in-flight work, bounded by
	// ctx.
	Close(ctx context.Context) error
}
