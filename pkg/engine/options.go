package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/jdziat/command-queue/pkg/events"
	"github.com/jdziat/command-queue/pkg/security"
)

// Config holds the live-tunable engine settings.
type Config struct {
	// MaxThreads caps the number of commands running at once.
	MaxThreads int

	// BatchSize is the chunk size AddRange uses when writing to the store.
	BatchSize int

	// DefaultCheckDelay is the pause after an iteration that dispatched work.
	DefaultCheckDelay time.Duration

	// NoWorkDelay is the pause after an idle iteration.
	NoWorkDelay time.Duration

	// RetryDelay is how long a failed command waits before it is
	// eligible again.
	RetryDelay time.Duration

	// RateLimits throttles dispatch per parallel tag.
	RateLimits map[string]RateLimit
}

// RateLimit allows Burst dispatches at once and refills one token per Every.
type RateLimit struct {
	Every time.Duration
	Burst int
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		MaxThreads:        4,
		BatchSize:         50,
		DefaultCheckDelay: 200 * time.Millisecond,
		NoWorkDelay:       2 * time.Second,
		RetryDelay:        time.Minute,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	c.MaxThreads = security.ClampThreads(c.MaxThreads)
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.DefaultCheckDelay <= 0 {
		c.DefaultCheckDelay = d.DefaultCheckDelay
	}
	if c.NoWorkDelay <= 0 {
		c.NoWorkDelay = d.NoWorkDelay
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// Option configures an Engine.
type Option interface {
	applyEngine(*Engine)
}

type engineOptionFunc func(*Engine)

func (f engineOptionFunc) applyEngine(e *Engine) { f(e) }

// WithConfig replaces the engine settings.
func WithConfig(cfg Config) Option {
	return engineOptionFunc(func(e *Engine) {
		e.cfg = cfg.normalized()
	})
}

// MaxThreads sets the global concurrency cap, clamped to [1, security.MaxThreads].
func MaxThreads(n int) Option {
	return engineOptionFunc(func(e *Engine) {
		e.cfg.MaxThreads = security.ClampThreads(n)
	})
}

// WithLogger sets the logger. Defaults to zerolog.Nop().
func WithLogger(log zerolog.Logger) Option {
	return engineOptionFunc(func(e *Engine) {
		e.log = log
	})
}

// WithBus publishes observation events on an existing bus.
func WithBus(bus *events.Bus) Option {
	return engineOptionFunc(func(e *Engine) {
		if bus != nil {
			e.bus = bus
		}
	})
}

// WithStoreRetry sets the retry policy for store calls.
func WithStoreRetry(r StoreRetry) Option {
	return engineOptionFunc(func(e *Engine) {
		e.storeRetry = r
	})
}

// WithTagRateLimit throttles dispatch of a parallel tag to burst commands
// at once, refilled one per every.
func WithTagRateLimit(tag string, every time.Duration, burst int) Option {
	return engineOptionFunc(func(e *Engine) {
		if e.cfg.RateLimits == nil {
			e.cfg.RateLimits = make(map[string]RateLimit)
		}
		e.cfg.RateLimits[tag] = RateLimit{Every: every, Burst: burst}
	})
}

// WithID sets the engine identifier used in events and logs.
func WithID(id string) Option {
	return engineOptionFunc(func(e *Engine) {
		if id != "" {
			e.id = id
		}
	})
}

// WithClock overrides the time source used for bans, rate limits and events.
func WithClock(now func() time.Time) Option {
	return engineOptionFunc(func(e *Engine) {
		if now != nil {
			e.now = now
		}
	})
}
