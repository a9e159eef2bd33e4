package core

import (
	"context"
	"time"
)

// Selection describes what the scheduling loop can accept in one iteration.
type Selection struct {
	// Limit is the maximum number of requests to return (free global capacity).
	Limit int

	// TagCapacity holds the remaining capacity of tags that are currently
	// in flight, paused or rate limited. Tags absent from the map have their
	// full ParallelMax available.
	TagCapacity map[string]int

	PausedBatches   []string
	PausedWorkTypes []WorkType
}

// Filter narrows count and clear operations. The zero value matches everything.
type Filter struct {
	Batch     string
	WorkTypes []WorkType
}

// Matches reports whether a request falls under the filter.
func (f Filter) Matches(r *Request) bool {
	if f.Batch != "" && r.Batch != f.Batch {
		return false
	}
	if len(f.WorkTypes) == 0 {
		return true
	}
	wt := r.Command.WorkType()
	for _, t := range f.WorkTypes {
		if t == wt {
			return true
		}
	}
	return false
}

// Store is the durable queue backing the engine.
type Store interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Put enqueues cmd unless its identity is already queued or running,
	// and reports whether it was written. PutRange does the same for
	// several commands in one transaction and returns those written.
	Put(ctx context.Context, cmd Command, batch string) (bool, error)
	PutRange(ctx context.Context, cmds []Command, batch string) ([]Command, error)

	// Requeue puts a failed, retryable request back with its current
	// Retries and LastError, not eligible before now+delay.
	Requeue(ctx context.Context, req *Request, delay time.Duration) error

	// Get selects and claims up to sel.Limit eligible requests in priority
	// order without exceeding any tag's remaining capacity.
	Get(ctx context.Context, sel Selection) ([]*Request, error)

	// Completion
	Complete(ctx context.Context, req *Request) error
	Fail(ctx context.Context, req *Request, errMsg string) error
	Release(ctx context.Context, req *Request) error

	// Recover returns requests left claimed by a previous process to the queue.
	Recover(ctx context.Context) (int64, error)

	// Queries
	QueuedCount(ctx context.Context, f Filter) (int, error)
	Failed(ctx context.Context, f Filter, limit int) ([]*Request, error)

	// ClearQueued drops queued requests matching the filter. Claimed
	// (running) requests are left alone.
	ClearQueued(ctx context.Context, f Filter) (int64, error)
}
