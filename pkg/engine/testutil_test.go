package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/command-queue/pkg/core"
	"github.com/jdziat/command-queue/pkg/registry"
	"github.com/jdziat/command-queue/pkg/storage"
)

// behavior is what a test command does on its n-th run (starting at 1).
type behavior func(ctx context.Context, q core.Queuer, run int) error

// harness observes test commands: how many run at once, how often each
// ran and when.
type harness struct {
	mu        sync.Mutex
	behaviors map[string]behavior
	total     int
	maxTotal  int
	byTag     map[string]int
	maxByTag  map[string]int
	runs      map[string]int
	started   map[string][]time.Time
	finished  int
}

func newHarness() *harness {
	return &harness{
		behaviors: make(map[string]behavior),
		byTag:     make(map[string]int),
		maxByTag:  make(map[string]int),
		runs:      make(map[string]int),
		started:   make(map[string][]time.Time),
	}
}

func (h *harness) on(name string, b behavior) {
	h.mu.Lock()
	h.behaviors[name] = b
	h.mu.Unlock()
}

func (h *harness) enter(c *testCmd) (behavior, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.maxTotal = max(h.maxTotal, h.total)
	h.byTag[c.Tag]++
	h.maxByTag[c.Tag] = max(h.maxByTag[c.Tag], h.byTag[c.Tag])
	h.runs[c.Name]++
	h.started[c.Name] = append(h.started[c.Name], time.Now())
	return h.behaviors[c.Name], h.runs[c.Name]
}

func (h *harness) leave(c *testCmd, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total--
	h.byTag[c.Tag]--
	if err == nil {
		h.finished++
	}
}

func (h *harness) Running() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

func (h *harness) MaxRunning() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxTotal
}

func (h *harness) MaxRunningTag(tag string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxByTag[tag]
}

func (h *harness) Runs(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs[name]
}

func (h *harness) TotalRuns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.runs {
		n += r
	}
	return n
}

func (h *harness) Started(name string) []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Time(nil), h.started[name]...)
}

func (h *harness) Finished() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// testCmd is a serializable command whose behavior lives in the harness.
type testCmd struct {
	Name    string        `json:"name"`
	Tag     string        `json:"tag"`
	Max     int           `json:"max"`
	Prio    int           `json:"prio"`
	Kind    core.WorkType `json:"kind"`
	Retries int           `json:"retries"`

	h *harness
}

func (c *testCmd) Type() string { return "TestCmd" }
func (c *testCmd) ID() string { return "TestCmd:" + c.Name }
func (c *testCmd) WorkType() core.WorkType {
	if c.Kind == "" {
		return core.WorkServer
	}
	return c.Kind
}
func (c *testCmd) ParallelTag() string { return c.Tag }
func (c *testCmd) ParallelMax() int { return c.Max }
func (c *testCmd) Priority() int { return c.Prio }
func (c *testCmd) MaxRetries() int { return c.Retries }
func (c *testCmd) Description() string { return "running " + c.Name }

func (c *testCmd) Run(ctx context.Context, q core.Queuer) (err error) {
	b, run := c.h.enter(c)
	defer func() { c.h.leave(c, err) }()
	if b == nil {
		return nil
	}
	return b(ctx, q, run)
}

// waitFor blocks until gate closes, ignoring cancellation.
func waitFor(gate <-chan struct{}) behavior {
	return func(ctx context.Context, q core.Queuer, run int) error {
		<-gate
		return nil
	}
}

// gated blocks until gate closes or ctx is done.
func gated(gate <-chan struct{}) behavior {
	return func(ctx context.Context, q core.Queuer, run int) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func failing(err error) behavior {
	return func(ctx context.Context, q core.Queuer, run int) error { return err }
}

// fastConfig polls quickly so tests finish in milliseconds.
func fastConfig() Config {
	return Config{
		MaxThreads:        4,
		BatchSize:         10,
		DefaultCheckDelay: 2 * time.Millisecond,
		NoWorkDelay:       10 * time.Millisecond,
		RetryDelay:        0,
	}
}

func fastStoreRetry() StoreRetry {
	return StoreRetry{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
}

func newTestStore(t *testing.T, h *harness) *storage.GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	reg := registry.New()
	reg.MustRegister("TestCmd", func() core.Command { return &testCmd{h: h} })

	s := storage.NewGormStorage(db, reg)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// newTestEngine builds an engine over a fresh store. The engine is stopped
// when the test ends.
func newTestEngine(t *testing.T, h *harness, opts ...Option) (*Engine, *storage.GormStorage) {
	t.Helper()
	s := newTestStore(t, h)
	return newEngineOver(t, s, opts...), s
}

func newEngineOver(t *testing.T, s core.Store, opts ...Option) *Engine {
	t.Helper()
	all := append([]Option{WithConfig(fastConfig()), WithStoreRetry(fastStoreRetry())}, opts...)
	e := New(s, all...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func (h *harness) cmd(name, tag string, max int) *testCmd {
	return &testCmd{Name: name, Tag: tag, Max: max, h: h}
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
}

func stop(t *testing.T, e *Engine) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Stop(ctx)
}

// collect drains events from ch in the background until the test ends.
type collector struct {
	mu     sync.Mutex
	events []core.Event
}

func collect(t *testing.T, e *Engine) *collector {
	t.Helper()
	ch, unsubscribe := e.Subscribe(1000)
	c := &collector{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		unsubscribe()
		<-done
	})
	return c
}

func (c *collector) statuses(commandID string) []*core.CommandStatusChanged {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*core.CommandStatusChanged
	for _, ev := range c.events {
		if sc, ok := ev.(*core.CommandStatusChanged); ok && sc.CommandID == commandID {
			out = append(out, sc)
		}
	}
	return out
}

func (c *collector) controls() []*core.ControlChanged {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*core.ControlChanged
	for _, ev := range c.events {
		if cc, ok := ev.(*core.ControlChanged); ok {
			out = append(out, cc)
		}
	}
	return out
}

func (c *collector) has(match func(core.Event) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if match(ev) {
			return true
		}
	}
	return false
}
