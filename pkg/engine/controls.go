package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jdziat/command-queue/pkg/core"
)

// PauseTag stops dispatch of new commands in a parallel tag. Commands
// already running are not affected.
func (e *Engine) PauseTag(tag string) {
	e.mu.Lock()
	e.pausedTags[tag] = struct{}{}
	e.mu.Unlock()
	e.publishControl(core.ControlTag, tag, true, nil)
}

// ResumeTag undoes PauseTag and lifts any ban on the tag.
func (e *Engine) ResumeTag(tag string) {
	e.mu.Lock()
	delete(e.pausedTags, tag)
	delete(e.bannedTags, tag)
	e.mu.Unlock()
	e.publishControl(core.ControlTag, tag, false, nil)
	e.poke()
}

// BanTag pauses a tag until the given deadline, after which dispatch
// resumes on its own. Used when a remote service asks us to back off.
func (e *Engine) BanTag(tag string, until time.Time) {
	until = until.UTC()
	e.mu.Lock()
	e.bannedTags[tag] = until
	e.mu.Unlock()

	e.log.Warn().Str("tag", tag).Time("until", until).Msg("tag banned")
	e.publishControl(core.ControlTag, tag, true, &until)
	e.poke()
}

// IsTagPaused reports whether a tag is paused or under an active ban.
func (e *Engine) IsTagPaused(tag string) bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pausedTags[tag]; ok {
		return true
	}
	until, ok := e.bannedTags[tag]
	return ok && now.Before(until)
}

// PauseBatch stops dispatch of a batch. Its running commands finish.
func (e *Engine) PauseBatch(batch string) {
	e.mu.Lock()
	e.pausedBatches[batch] = struct{}{}
	e.mu.Unlock()
	e.publishControl(core.ControlBatch, batch, true, nil)
}

// ResumeBatch makes a paused batch eligible again.
func (e *Engine) ResumeBatch(batch string) {
	e.mu.Lock()
	delete(e.pausedBatches, batch)
	e.mu.Unlock()
	e.publishControl(core.ControlBatch, batch, false, nil)
	e.poke()
}

// IsBatchPaused reports whether a batch is paused.
func (e *Engine) IsBatchPaused(batch string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pausedBatches[batch]
	return ok
}

// PauseWorkTypes stops dispatch of every given work type.
func (e *Engine) PauseWorkTypes(types ...core.WorkType) {
	e.mu.Lock()
	for _, t := range types {
		e.pausedTypes[t] = struct{}{}
	}
	e.mu.Unlock()
	for _, t := range types {
		e.publishControl(core.ControlWorkType, string(t), true, nil)
	}
}

// ResumeWorkTypes makes every given work type eligible again.
func (e *Engine) ResumeWorkTypes(types ...core.WorkType) {
	e.mu.Lock()
	for _, t := range types {
		delete(e.pausedTypes, t)
	}
	e.mu.Unlock()
	for _, t := range types {
		e.publishControl(core.ControlWorkType, string(t), false, nil)
	}
	e.poke()
}

// AreWorkTypesPaused reports whether every given type is paused. It is
// false for an empty list.
func (e *Engine) AreWorkTypesPaused(types ...core.WorkType) bool {
	if len(types) == 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range types {
		if _, ok := e.pausedTypes[t]; !ok {
			return false
		}
	}
	return true
}

// ClearBatch drops the queued commands of a batch. Running commands finish.
func (e *Engine) ClearBatch(ctx context.Context, batch string) (int64, error) {
	return e.clear(ctx, core.Filter{Batch: batch})
}

// ClearWorkTypes drops queued commands of the given work types.
func (e *Engine) ClearWorkTypes(ctx context.Context, types ...core.WorkType) (int64, error) {
	if len(types) == 0 {
		return 0, nil
	}
	return e.clear(ctx, core.Filter{WorkTypes: types})
}

// Clear drops every queued command.
func (e *Engine) Clear(ctx context.Context) (int64, error) {
	return e.clear(ctx, core.Filter{})
}

func (e *Engine) clear(ctx context.Context, f core.Filter) (int64, error) {
	var removed int64
	err := retryStore(ctx, e.storeRetry, func(ctx context.Context) error {
		var err error
		removed, err = e.store.ClearQueued(ctx, f)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear: %w", err)
	}

	e.log.Info().
		Str("batch", f.Batch).
		Int("work_types", len(f.WorkTypes)).
		Int64("removed", removed).
		Msg("queue cleared")
	e.bus.Publish(&core.QueueCleared{Filter: f, Removed: removed, Timestamp: e.now()})
	return removed, nil
}

// CommandCount returns the schedulable backlog plus everything in flight.
// Queued commands of paused work types are not counted.
func (e *Engine) CommandCount(ctx context.Context) (int, error) {
	e.mu.Lock()
	paused := keys(e.pausedTypes)
	running := len(e.inFlight)
	e.mu.Unlock()

	if len(paused) == 0 {
		queued, err := e.queuedCount(ctx, core.Filter{})
		if err != nil {
			return 0, err
		}
		return queued + running, nil
	}

	all, err := e.queuedCount(ctx, core.Filter{})
	if err != nil {
		return 0, err
	}
	held, err := e.queuedCount(ctx, core.Filter{WorkTypes: paused})
	if err != nil {
		return 0, err
	}
	return all - held + running, nil
}

// CommandCountByWorkTypes returns queued plus in-flight commands of the
// given types. Paused types are still counted, so a paused category stays
// individually queryable.
func (e *Engine) CommandCountByWorkTypes(ctx context.Context, types ...core.WorkType) (int, error) {
	if len(types) == 0 {
		return e.CommandCount(ctx)
	}
	f := core.Filter{WorkTypes: types}

	e.mu.Lock()
	running := e.runningCountLocked(f)
	e.mu.Unlock()

	queued, err := e.queuedCount(ctx, f)
	if err != nil {
		return 0, err
	}
	return queued + running, nil
}

// CommandCountByBatch returns queued plus in-flight commands of a batch.
func (e *Engine) CommandCountByBatch(ctx context.Context, batch string) (int, error) {
	f := core.Filter{Batch: batch}

	e.mu.Lock()
	running := e.runningCountLocked(f)
	e.mu.Unlock()

	queued, err := e.queuedCount(ctx, f)
	if err != nil {
		return 0, err
	}
	return queued + running, nil
}

// Failed returns up to limit terminally failed commands matching f.
func (e *Engine) Failed(ctx context.Context, f core.Filter, limit int) ([]*core.Request, error) {
	var reqs []*core.Request
	err := retryStore(ctx, e.storeRetry, func(ctx context.Context) error {
		var err error
		reqs, err = e.store.Failed(ctx, f, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed commands: %w", err)
	}
	return reqs, nil
}

func (e *Engine) queuedCount(ctx context.Context, f core.Filter) (int, error) {
	var n int
	err := retryStore(ctx, e.storeRetry, func(ctx context.Context) error {
		var err error
		n, err = e.store.QueuedCount(ctx, f)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("queued count: %w", err)
	}
	return n, nil
}

func (e *Engine) publishControl(c core.Control, target string, paused bool, until *time.Time) {
	if paused && until == nil {
		e.log.Info().Str("control", string(c)).Str("target", target).Msg("paused")
	} else if !paused {
		e.log.Info().Str("control", string(c)).Str("target", target).Msg("resumed")
	}
	e.bus.Publish(&core.ControlChanged{
		Control:   c,
		Target:    target,
		Paused:    paused,
		Until:     until,
		Timestamp: e.now(),
	})
}
