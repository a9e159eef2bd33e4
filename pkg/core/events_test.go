package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCommand struct {
	id string
}

func (c stubCommand) Type() string { return "Stub" }
func (c stubCommand) ID() string { return c.id }
func (stubCommand) WorkType() WorkType { return WorkHashing }
func (stubCommand) ParallelTag() string { return "Hashing" }
func (stubCommand) ParallelMax() int { return 2 }
func (stubCommand) Priority() int { return 4 }
func (stubCommand) MaxRetries() int { return 3 }
func (c stubCommand) Description() string { return "Hashing " + c.id }
func (stubCommand) Run(ctx context.Context, q Queuer) error { return nil }

func TestEvents_ImplementEvent(t *testing.T) {
	events := []Event{
		&CommandStatusChanged{},
		&ControlChanged{},
		&QueueCleared{},
		&EngineStarted{},
		&EngineStopped{},
		&EngineFaulted{Err: errors.New("db gone")},
	}
	for _, e := range events {
		assert.NotNil(t, e)
	}
}

func TestNewStatusEvent_SnapshotsRequest(t *testing.T) {
	notBefore := time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	req := &Request{
		Command:   stubCommand{id: "Stub:/a"},
		Batch:     "Scan_1",
		Status:    StatusError,
		Retries:   1,
		LastError: "boom",
		NotBefore: &notBefore,
	}

	ev := NewStatusEvent(req, now)

	assert.Equal(t, "Stub:/a", ev.CommandID)
	assert.Equal(t, "Stub", ev.Type)
	assert.Equal(t, "Scan_1", ev.Batch)
	assert.Equal(t, WorkHashing, ev.WorkType)
	assert.Equal(t, "Hashing", ev.ParallelTag)
	assert.Equal(t, StatusError, ev.Status)
	assert.Equal(t, 1, ev.Retries)
	assert.Equal(t, 3, ev.MaxRetries)
	assert.Equal(t, "boom", ev.Error)
	assert.Equal(t, now, ev.Timestamp)
	require.NotNil(t, ev.NotBefore)

	// Later mutation of the request must not leak into the event.
	notBefore = notBefore.Add(time.Hour)
	req.Retries = 2
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC), *ev.NotBefore)
	assert.Equal(t, 1, ev.Retries)
}
