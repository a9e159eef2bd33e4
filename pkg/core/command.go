package core

import (
	"context"
	"time"
)

// Status represents the current state of a command request.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled" // Interrupted by engine stop, not a failure
)

// WorkType is a coarse category used to pause whole classes of commands.
type WorkType string

const (
	WorkHashing        WorkType = "Hashing"
	WorkAniDB          WorkType = "AniDB"
	WorkRemoteMetadata WorkType = "RemoteMetadata"
	WorkImage          WorkType = "Image"
	WorkServer         WorkType = "Server"
	WorkWebCache       WorkType = "WebCache"
)

// Queuer accepts new commands. The engine passes itself to Command.Run
// through this interface so commands can enqueue follow-up work.
type Queuer interface {
	Add(ctx context.Context, cmd Command, batch string) error
	AddRange(ctx context.Context, cmds []Command, batch string) error
}

// Command is a unit of schedulable, retryable work with declared
// concurrency metadata.
//
// Implementations must be JSON-serializable so the store can persist them;
// fields that should not be persisted belong behind `json:"-"`.
type Command interface {
	// Type is the registry discriminator, e.g. "HashFile".
	Type() string

	// ID is a deterministic identity derived from Type and the defining
	// parameters, e.g. "HashFile:/media/a.mkv".
	ID() string

	WorkType() WorkType

	// ParallelTag names the concurrency partition; ParallelMax is the
	// partition's ceiling. All commands sharing a tag should agree on it.
	ParallelTag() string
	ParallelMax() int

	// Priority orders eligible candidates; lower values run first.
	Priority() int

	MaxRetries() int

	// Description is a human-readable progress line.
	Description() string

	// Run performs the work. A nil return means finished. Commands should
	// check ctx at I/O boundaries and return ctx.Err() when it is done.
	Run(ctx context.Context, q Queuer) error
}

// Request is a command together with its scheduling state. Stores return
// requests from Get and the engine tracks them while in flight.
type Request struct {
	Command    Command
	Batch      string
	Status     Status
	Retries    int
	LastError  string
	NotBefore  *time.Time
	EnqueuedAt time.Time
}

// ID returns the identity of the wrapped command.
func (r *Request) ID() string {
	return r.Command.ID()
}

// Clone returns a shallow copy safe to hand to observers.
func (r *Request) Clone() *Request {
	c := *r
	if r.NotBefore != nil {
		t := *r.NotBefore
		c.NotBefore = &t
	}
	return &c
}
