package stats

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jdziat/command-queue/pkg/core"
	"github.com/jdziat/command-queue/pkg/engine"
)

const (
	DefaultInterval  = time.Minute
	DefaultRetention = 7 * 24 * time.Hour
)

// Source is the engine side of the collector.
type Source interface {
	Subscribe(buffer int) (<-chan core.Event, func())
	Snapshot() engine.Stats
}

// QueuedCounter reports queued commands. core.Store satisfies it.
type QueuedCounter interface {
	QueuedCount(ctx context.Context, f core.Filter) (int, error)
}

// Collector tallies command outcomes from engine events and periodically
// writes them, together with queue depth per work type, to a Storage.
type Collector struct {
	source    Source
	queue     QueuedCounter
	stats     Storage
	interval  time.Duration
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	counters map[core.WorkType]*Counters
	seen     map[core.WorkType]struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithInterval sets how often counters are written. Non-positive values are ignored.
func WithInterval(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithRetention sets how long buckets are kept. Zero keeps them forever.
func WithRetention(d time.Duration) CollectorOption {
	return func(c *Collector) { c.retention = d }
}

// WithLogger sets the collector logger.
func WithLogger(log zerolog.Logger) CollectorOption {
	return func(c *Collector) { c.log = log }
}

// WithClock overrides the time source used for buckets and pruning.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCollector creates a collector. The built-in work types are always
// snapshotted; others once they have been seen.
func NewCollector(src Source, queue QueuedCounter, stats Storage, opts ...CollectorOption) *Collector {
	c := &Collector{
		source:    src,
		queue:     queue,
		stats:     stats,
		interval:  DefaultInterval,
		retention: DefaultRetention,
		log:       zerolog.Nop(),
		now:       time.Now,
		counters:  make(map[core.WorkType]*Counters),
		seen:      make(map[core.WorkType]struct{}),
		ready:     make(chan struct{}),
	}
	for _, wt := range []core.WorkType{
		core.WorkHashing, core.WorkAniDB, core.WorkRemoteMetadata,
		core.WorkImage, core.WorkServer, core.WorkWebCache,
	} {
		c.seen[wt] = struct{}{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WaitReady blocks until the collector has subscribed to events.
func (c *Collector) WaitReady() {
	<-c.ready
}

// Run collects until ctx is done, then flushes what it has.
func (c *Collector) Run(ctx context.Context) error {
	events, unsubscribe := c.source.Subscribe(1024)
	defer unsubscribe()
	c.readyOnce.Do(func() { close(c.ready) })

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Observe(ev)
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Observe counts a single event.
func (c *Collector) Observe(ev core.Event) {
	st, ok := ev.(*core.CommandStatusChanged)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[st.WorkType] = struct{}{}
	n := c.countersLocked(st.WorkType)
	switch st.Status {
	case core.StatusFinished:
		n.Finished++
	case core.StatusCanceled:
		n.Canceled++
	case core.StatusError:
		if st.NotBefore != nil {
			n.Retried++
		} else {
			n.Failed++
		}
	}
}

func (c *Collector) countersLocked(wt core.WorkType) *Counters {
	n, ok := c.counters[wt]
	if !ok {
		n = &Counters{}
		c.counters[wt] = n
	}
	return n
}

// Tick flushes counters, snapshots depth and prunes old buckets.
func (c *Collector) Tick(ctx context.Context) {
	c.Flush(ctx)
	c.snapshot(ctx)
	c.prune(ctx)
}

// Flush writes accumulated counters to storage.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.counters
	c.counters = make(map[core.WorkType]*Counters)
	c.mu.Unlock()

	ts := c.now()
	for wt, n := range batch {
		if n.zero() {
			continue
		}
		if err := c.stats.AddCounters(ctx, wt, ts, *n); err != nil {
			c.log.Warn().Err(err).Str("work_type", string(wt)).Msg("stats counters not written")
		}
	}
}

func (c *Collector) snapshot(ctx context.Context) {
	ts := c.now()
	running := c.source.Snapshot().ByWorkType

	c.mu.Lock()
	types := make([]core.WorkType, 0, len(c.seen))
	for wt := range c.seen {
		types = append(types, wt)
	}
	c.mu.Unlock()

	for _, wt := range types {
		queued, err := c.queue.QueuedCount(ctx, core.Filter{WorkTypes: []core.WorkType{wt}})
		if err != nil {
			c.log.Warn().Err(err).Str("work_type", string(wt)).Msg("queue depth not read")
			continue
		}
		if queued == 0 && running[wt] == 0 {
			continue
		}
		if err := c.stats.SnapshotDepth(ctx, wt, ts, int64(queued), int64(running[wt])); err != nil {
			c.log.Warn().Err(err).Str("work_type", string(wt)).Msg("queue depth not written")
		}
	}
}

func (c *Collector) prune(ctx context.Context) {
	if c.retention <= 0 {
		return
	}
	n, err := c.stats.Prune(ctx, c.now().Add(-c.retention))
	if err != nil {
		c.log.Warn().Err(err).Msg("stats prune failed")
		return
	}
	if n > 0 {
		c.log.Debug().Int64("rows", n).Msg("stats pruned")
	}
}
