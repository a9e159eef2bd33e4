package schedule

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jdziat/command-queue/pkg/core"
)

// DefaultTick is how often the scheduler checks for due entries.
const DefaultTick = time.Second

// Entry is a recurring command.
type Entry struct {
	Name     string
	Schedule Schedule
	Factory  func() (core.Command, error)
	Batch    string

	// RunOnStart fires the entry as soon as the scheduler starts instead of
	// waiting for the first scheduled time.
	RunOnStart bool
}

// Scheduler enqueues recurring commands when they come due. A command that
// is still queued is not enqueued twice; the store deduplicates identities.
type Scheduler struct {
	queuer core.Queuer
	log    zerolog.Logger
	tick   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*scheduled
}

type scheduled struct {
	entry Entry
	next  time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the logger. Defaults to zerolog.Nop().
func WithLogger(log zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = log }
}

// WithTick sets how often due entries are checked.
func WithTick(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates a scheduler feeding q.
func NewScheduler(q core.Queuer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		queuer:  q,
		log:     zerolog.Nop(),
		tick:    DefaultTick,
		now:     time.Now,
		entries: make(map[string]*scheduled),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers an entry, replacing any entry with the same name.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" {
		return errors.New("schedule: entry name is required")
	}
	if e.Schedule == nil {
		return fmt.Errorf("schedule %s: schedule is required", e.Name)
	}
	if e.Factory == nil {
		return fmt.Errorf("schedule %s: factory is required", e.Name)
	}

	next := e.Schedule.Next(s.now())
	if e.RunOnStart {
		next = time.Time{}
	}

	s.mu.Lock()
	s.entries[e.Name] = &scheduled{entry: e, next: next}
	s.mu.Unlock()
	return nil
}

// Remove unregisters an entry.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
}

// Names returns the registered entry names in order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Next returns when an entry fires next.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return sc.next, true
}

// Run checks for due entries every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.fireDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue enqueues every entry whose time has come. An entry whose enqueue
// fails keeps its time and is tried again on the next tick.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []Entry
	for _, sc := range s.entries {
		if !now.Before(sc.next) {
			due = append(due, sc.entry)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if err := s.fire(ctx, e); err != nil {
			s.log.Error().Err(err).Str("schedule", e.Name).Msg("failed to enqueue scheduled command")
			continue
		}
		s.mu.Lock()
		if sc, ok := s.entries[e.Name]; ok {
			sc.next = e.Schedule.Next(now)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) fire(ctx context.Context, e Entry) error {
	cmd, err := e.Factory()
	if err != nil {
		return fmt.Errorf("build command: %w", err)
	}
	if err := s.queuer.Add(ctx, cmd, e.Batch); err != nil {
		return err
	}
	s.log.Debug().Str("schedule", e.Name).Str("command_id", cmd.ID()).Msg("scheduled command enqueued")
	return nil
}
