package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jdziat/command-queue/pkg/core"
	"github.com/jdziat/command-queue/pkg/events"
)

// Engine polls a Store for eligible commands and runs them under a global
// thread cap and per-tag ceilings. Construct one per process and pass it to
// producers explicitly.
type Engine struct {
	id         string
	store      core.Store
	bus        *events.Bus
	log        zerolog.Logger
	storeRetry StoreRetry
	now        func() time.Time

	// mu guards everything below. It is never held across store calls or
	// event publishing.
	mu            sync.Mutex
	cfg           Config
	inFlight      map[string]*core.Request
	pausedTags    map[string]struct{}
	bannedTags    map[string]time.Time
	pausedBatches map[string]struct{}
	pausedTypes   map[core.WorkType]struct{}
	limiters      map[string]*rate.Limiter
	running       bool
	cancel        context.CancelFunc
	loopDone      chan struct{}
	err           error

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates an engine over store. The engine does not dispatch until Start.
func New(store core.Store, opts ...Option) *Engine {
	e := &Engine{
		id:            uuid.NewString(),
		store:         store,
		bus:           events.New(),
		log:           zerolog.Nop(),
		storeRetry:    DefaultStoreRetry(),
		now:           time.Now,
		cfg:           DefaultConfig(),
		inFlight:      make(map[string]*core.Request),
		pausedTags:    make(map[string]struct{}),
		bannedTags:    make(map[string]time.Time),
		pausedBatches: make(map[string]struct{}),
		pausedTypes:   make(map[core.WorkType]struct{}),
		limiters:      make(map[string]*rate.Limiter),
		wake:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt.applyEngine(e)
	}
	e.log = e.log.With().Str("engine_id", e.id).Logger()
	e.syncLimitersLocked()
	return e
}

// ID returns the engine identifier.
func (e *Engine) ID() string {
	return e.id
}

// Bus returns the observation channel.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Subscribe registers an observer of command state transitions and
// administrative changes. Slow observers miss events rather than stall the
// engine.
func (e *Engine) Subscribe(buffer int) (<-chan core.Event, func()) {
	return e.bus.Subscribe(buffer)
}

// Config returns the current settings.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	cfg.RateLimits = make(map[string]RateLimit, len(e.cfg.RateLimits))
	for tag, rl := range e.cfg.RateLimits {
		cfg.RateLimits[tag] = rl
	}
	return cfg
}

// Apply swaps in new settings while running. Commands already in flight are
// not affected; a lower MaxThreads takes effect as they finish.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.normalized()
	e.mu.Lock()
	e.cfg = cfg
	e.syncLimitersLocked()
	e.mu.Unlock()

	e.log.Info().
		Int("max_threads", cfg.MaxThreads).
		Int("batch_size", cfg.BatchSize).
		Dur("retry_delay", cfg.RetryDelay).
		Msg("engine config applied")
	e.poke()
}

// Start launches the scheduling loop. Requests left claimed by a previous
// process are returned to the queue first. The loop and every command it
// runs share a context derived from ctx: canceling ctx halts dispatch the
// same way Stop does, but only Stop waits for the drain. Calling Start on a
// running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	var recovered int64
	err := retryStore(ctx, e.storeRetry, func(ctx context.Context) error {
		var err error
		recovered, err = e.store.Recover(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: recover: %w", core.ErrStoreFailure, err)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.err = nil
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	done := e.loopDone
	e.mu.Unlock()

	go e.run(runCtx, done)

	if recovered > 0 {
		e.log.Warn().Int64("recovered", recovered).Msg("returned abandoned commands to the queue")
	}
	e.log.Info().Msg("engine started")
	e.bus.Publish(&core.EngineStarted{EngineID: e.id, Recovered: recovered, Timestamp: e.now()})
	return nil
}

// Stop prevents further dispatch, signals running commands through their
// context, and blocks until every in-flight command has returned. It
// returns ctx.Err() if ctx ends first; the engine keeps draining and Stop
// may be called again. A store failure that halted the engine is returned
// here as well. Stopping a stopped engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel, loopDone := e.cancel, e.loopDone
	e.mu.Unlock()

	cancel()

	drained := make(chan struct{})
	go func() {
		<-loopDone
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	err := e.err
	e.mu.Unlock()

	e.log.Info().Msg("engine stopped")
	e.bus.Publish(&core.EngineStopped{EngineID: e.id, Timestamp: e.now()})
	return err
}

// IsRunning reports whether the engine has been started and not yet stopped.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Err returns the store failure that halted dispatch, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Add enqueues a command under batch. Commands may be added while the
// engine is stopped; they run after Start. Adding an identity that is
// already queued or running is a no-op and publishes nothing.
func (e *Engine) Add(ctx context.Context, cmd core.Command, batch string) error {
	if cmd == nil {
		return core.ErrNilCommand
	}
	added, err := e.store.Put(ctx, cmd, batch)
	if err != nil {
		return fmt.Errorf("add %s: %w", cmd.ID(), err)
	}
	if !added {
		e.log.Debug().Str("command_id", cmd.ID()).Msg("already queued or running")
		return nil
	}
	e.publishStatus(&core.Request{Command: cmd, Batch: batch, Status: core.StatusQueued})
	e.poke()
	return nil
}

// AddRange enqueues commands under batch, writing BatchSize commands per
// store call.
func (e *Engine) AddRange(ctx context.Context, cmds []core.Command, batch string) error {
	e.mu.Lock()
	size := e.cfg.BatchSize
	e.mu.Unlock()

	var total int
	for start := 0; start < len(cmds); start += size {
		end := start + size
		if end > len(cmds) {
			end = len(cmds)
		}
		added, err := e.store.PutRange(ctx, cmds[start:end], batch)
		if err != nil {
			return fmt.Errorf("add range [%d:%d]: %w", start, end, err)
		}
		for _, cmd := range added {
			e.publishStatus(&core.Request{Command: cmd, Batch: batch, Status: core.StatusQueued})
		}
		total += len(added)
	}
	if total > 0 {
		e.poke()
	}
	return nil
}

// poke wakes the scheduling loop without blocking.
func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) publishStatus(req *core.Request) {
	e.bus.Publish(core.NewStatusEvent(req, e.now()))
}

// fault records a store failure and halts dispatch. The first failure wins.
func (e *Engine) fault(err error) {
	e.mu.Lock()
	first := e.err == nil
	if first {
		e.err = err
	}
	e.mu.Unlock()
	if !first {
		return
	}
	e.log.Error().Err(err).Msg("store failure, dispatch halted")
	e.bus.Publish(&core.EngineFaulted{EngineID: e.id, Err: err, Timestamp: e.now()})
	e.poke()
}

var _ core.Queuer = (*Engine)(nil)
