package core

import "time"

// Event is the interface for all observation events.
type Event interface {
	eventMarker()
}

// CommandStatusChanged is emitted on every status transition of a request.
// An error status with NotBefore set is a retry; without it the failure is
// final.
type CommandStatusChanged struct {
	CommandID   string
	Type        string
	Description string
	Batch       string
	WorkType    WorkType
	ParallelTag string
	Status      Status
	Retries     int
	MaxRetries  int
	Error       string
	NotBefore   *time.Time
	Timestamp   time.Time
}

func (*CommandStatusChanged) eventMarker() {}

// NewStatusEvent snapshots a request into a CommandStatusChanged event.
func NewStatusEvent(req *Request, now time.Time) *CommandStatusChanged {
	cmd := req.Command
	ev := &CommandStatusChanged{
		CommandID:   cmd.ID(),
		Type:        cmd.Type(),
		Description: cmd.Description(),
		Batch:       req.Batch,
		WorkType:    cmd.WorkType(),
		ParallelTag: cmd.ParallelTag(),
		Status:      req.Status,
		Retries:     req.Retries,
		MaxRetries:  cmd.MaxRetries(),
		Error:       req.LastError,
		Timestamp:   now,
	}
	if req.NotBefore != nil {
		t := *req.NotBefore
		ev.NotBefore = &t
	}
	return ev
}

// Control names an administrative control.
type Control string

const (
	ControlTag      Control = "tag"
	ControlBatch    Control = "batch"
	ControlWorkType Control = "work_type"
)

// ControlChanged is emitted when a tag, batch or work type is paused or resumed.
type ControlChanged struct {
	Control   Control
	Target    string
	Paused    bool
	Until     *time.Time // set for timed bans
	Timestamp time.Time
}

func (*ControlChanged) eventMarker() {}

// QueueCleared is emitted after queued requests were dropped.
type QueueCleared struct {
	Filter    Filter
	Removed   int64
	Timestamp time.Time
}

func (*QueueCleared) eventMarker() {}

// EngineStarted is emitted when the scheduling loop starts.
type EngineStarted struct {
	EngineID  string
	Recovered int64
	Timestamp time.Time
}

func (*EngineStarted) eventMarker() {}

// EngineStopped is emitted once the engine has drained.
type EngineStopped struct {
	EngineID  string
	Timestamp time.Time
}

func (*EngineStopped) eventMarker() {}

// EngineFaulted is emitted when a store failure stops dispatch.
type EngineFaulted struct {
	EngineID  string
	Err       error
	Timestamp time.Time
}

func (*EngineFaulted) eventMarker() {}
