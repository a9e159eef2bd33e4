// Package commandqueue provides a durable command scheduling engine with
// per-tag concurrency ceilings, pausable work categories and retry handling.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a compact API surface.
//
// Basic usage:
//
//	db, _ := commandqueue.OpenSQLite("commands.db")
//	reg := commandqueue.NewRegistry()
//	reg.MustRegister("DownloadImage", func() commandqueue.Command { return &DownloadImage{} })
//
//	store := commandqueue.NewGormStorage(db, reg)
//	store.Migrate(ctx)
//
//	eng := commandqueue.New(store, commandqueue.MaxThreads(8))
//	eng.Start(ctx)
//	defer eng.Stop(context.Background())
//
//	eng.Add(ctx, &DownloadImage{URL: url}, "")
package commandqueue

import (
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/command-queue/pkg/core"
	"github.com/jdziat/command-queue/pkg/engine"
	"github.com/jdziat/command-queue/pkg/registry"
	"github.com/jdziat/command-queue/pkg/schedule"
	"github.com/jdziat/command-queue/pkg/security"
	"github.com/jdziat/command-queue/pkg/storage"
)

type (
	// Command is a unit of schedulable, retryable work.
	Command = core.Command

	// Queuer accepts new commands.
	Queuer = core.Queuer

	// Request is a command together with its scheduling state.
	Request = core.Request

	Status   = core.Status
	WorkType = core.WorkType

	// Store is the durable queue backing the engine.
	Store = core.Store

	// Filter narrows count and clear operations.
	Filter = core.Filter

	// Event is the interface for all observation events.
	Event                = core.Event
	CommandStatusChanged = core.CommandStatusChanged
	ControlChanged       = core.ControlChanged
	QueueCleared         = core.QueueCleared
	EngineStarted        = core.EngineStarted
	EngineStopped        = core.EngineStopped
	EngineFaulted        = core.EngineFaulted

	// NoRetryError indicates a failure that should not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError asks for a longer delay before the retry.
	RetryAfterError = core.RetryAfterError

	// Engine schedules and runs commands.
	Engine = engine.Engine

	// Config holds the live-tunable engine settings.
	Config = engine.Config

	// Option configures an Engine.
	Option = engine.Option

	RateLimit  = engine.RateLimit
	StoreRetry = engine.StoreRetry
	Stats      = engine.Stats

	// Registry maps command type names to factories.
	Registry = registry.Registry
	Factory  = registry.Factory

	// GormStorage implements Store using GORM.
	GormStorage = storage.GormStorage

	// Schedule defines when a recurring command should run next.
	Schedule  = schedule.Schedule
	Scheduler = schedule.Scheduler
	Entry     = schedule.Entry
)

// Status constants
const (
	StatusQueued   = core.StatusQueued
	StatusRunning  = core.StatusRunning
	StatusFinished = core.StatusFinished
	StatusError    = core.StatusError
	StatusCanceled = core.StatusCanceled
)

// Work types
const (
	WorkHashing        = core.WorkHashing
	WorkAniDB          = core.WorkAniDB
	WorkRemoteMetadata = core.WorkRemoteMetadata
	WorkImage          = core.WorkImage
	WorkServer         = core.WorkServer
	WorkWebCache       = core.WorkWebCache
)

// Security limits
const (
	MaxTypeNameLength     = security.MaxTypeNameLength
	MaxCommandIDLength    = security.MaxCommandIDLength
	MaxBatchNameLength    = security.MaxBatchNameLength
	MaxPayloadSize        = security.MaxPayloadSize
	MaxRetries            = security.MaxRetries
	MaxThreadsLimit       = security.MaxThreads
	MaxErrorMessageLength = security.MaxErrorMessageLength
)

// Error variables
var (
	ErrNilCommand         = core.ErrNilCommand
	ErrInvalidCommandID   = core.ErrInvalidCommandID
	ErrInvalidTypeName    = core.ErrInvalidTypeName
	ErrInvalidBatchName   = core.ErrInvalidBatchName
	ErrPayloadTooLarge    = core.ErrPayloadTooLarge
	ErrUnknownCommandType = core.ErrUnknownCommandType
	ErrDuplicateType      = core.ErrDuplicateType
	ErrStoreFailure       = core.ErrStoreFailure
)

// New creates an engine over store.
func New(s Store, opts ...Option) *Engine {
	return engine.New(s, opts...)
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return registry.New()
}

// NewGormStorage creates a GORM-backed store that decodes payloads through reg.
func NewGormStorage(db *gorm.DB, reg *Registry, opts ...storage.Option) *GormStorage {
	return storage.NewGormStorage(db, reg, opts...)
}

// OpenSQLite opens a SQLite database tuned for a single engine process.
func OpenSQLite(path string, opts ...storage.PoolOption) (*gorm.DB, error) {
	return storage.OpenSQLite(path, opts...)
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return engine.DefaultConfig()
}

// Engine option functions

// WithConfig replaces the engine configuration.
func WithConfig(cfg Config) Option {
	return engine.WithConfig(cfg)
}

// MaxThreads sets the global concurrency bound.
func MaxThreads(n int) Option {
	return engine.MaxThreads(n)
}

// WithTagRateLimit throttles dispatch of tag to burst commands at once,
// refilling one slot per every.
func WithTagRateLimit(tag string, every time.Duration, burst int) Option {
	return engine.WithTagRateLimit(tag, every, burst)
}

// NoRetry wraps an error to make the failure terminal.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error with a minimum delay before the retry.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// Schedule functions

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Daily creates a schedule that runs at a specific time each day.
func Daily(hour, minute int) Schedule {
	return schedule.Daily(hour, minute)
}

// Weekly creates a schedule that runs at a specific day and time each week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return schedule.Weekly(day, hour, minute)
}

// DailyIn is Daily in the given location.
func DailyIn(loc *time.Location, hour, minute int) Schedule {
	return schedule.DailyIn(loc, hour, minute)
}

// WeeklyIn is Weekly in the given location.
func WeeklyIn(loc *time.Location, day time.Weekday, hour, minute int) Schedule {
	return schedule.WeeklyIn(loc, day, hour, minute)
}

// Cron creates a schedule from a five-field cron expression. It panics on
// an invalid expression; use ParseCron for user input.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}

// ParseCron parses a five-field cron expression.
func ParseCron(expr string) (Schedule, error) {
	return schedule.ParseCron(expr)
}

// NewScheduler creates a scheduler that enqueues recurring commands into q.
func NewScheduler(q Queuer, opts ...schedule.SchedulerOption) *Scheduler {
	return schedule.NewScheduler(q, opts...)
}
