package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/jdziat/command-queue/pkg/events"
	"github.com/jdziat/command-queue/pkg/security"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 4, cfg.MaxThreads)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 200*time.Millisecond, cfg.DefaultCheckDelay)
	assert.Equal(t, 2*time.Second, cfg.NoWorkDelay)
	assert.Equal(t, time.Minute, cfg.RetryDelay)
}

func TestConfig_Normalized(t *testing.T) {
	cfg := Config{MaxThreads: 0, RetryDelay: -time.Second}.normalized()

	assert.Equal(t, 1, cfg.MaxThreads)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 200*time.Millisecond, cfg.DefaultCheckDelay)
	assert.Equal(t, 2*time.Second, cfg.NoWorkDelay)
	assert.Zero(t, cfg.RetryDelay)

	cfg = Config{MaxThreads: security.MaxThreads + 1}.normalized()
	assert.Equal(t, security.MaxThreads, cfg.MaxThreads)
}

func TestOptions(t *testing.T) {
	bus := events.New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	retry := StoreRetry{MaxAttempts: 9}

	e := New(nil,
		WithID("engine-1"),
		WithBus(bus),
		WithLogger(zerolog.Nop()),
		WithStoreRetry(retry),
		WithClock(func() time.Time { return now }),
		MaxThreads(7),
		WithTagRateLimit("AniDB", 2*time.Second, 1),
	)

	assert.Equal(t, "engine-1", e.ID())
	assert.Same(t, bus, e.Bus())
	assert.Equal(t, retry, e.storeRetry)
	assert.Equal(t, now, e.now())
	assert.Equal(t, 7, e.Config().MaxThreads)
	assert.Equal(t, RateLimit{Every: 2 * time.Second, Burst: 1}, e.Config().RateLimits["AniDB"])
	assert.Contains(t, e.limiters, "AniDB")
}

func TestOptions_IgnoreEmptyValues(t *testing.T) {
	e := New(nil, WithID(""), WithBus(nil), WithClock(nil))

	assert.NotEmpty(t, e.ID())
	assert.NotNil(t, e.Bus())
	assert.NotNil(t, e.now)
}

func TestWithConfig_Normalizes(t *testing.T) {
	e := New(nil, WithConfig(Config{MaxThreads: -3}))

	assert.Equal(t, 1, e.Config().MaxThreads)
	assert.Equal(t, DefaultConfig().BatchSize, e.Config().BatchSize)
}

func TestConfig_ReturnsCopy(t *testing.T) {
	e := New(nil, WithTagRateLimit("AniDB", time.Second, 1))

	cfg := e.Config()
	cfg.RateLimits["Other"] = RateLimit{Every: time.Second, Burst: 1}

	assert.NotContains(t, e.Config().RateLimits, "Other")
}
