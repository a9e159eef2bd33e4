// Package config loads the service configuration from a YAML file and
// watches it for changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/command-queue/pkg/engine"
	"github.com/jdziat/command-queue/pkg/logging"
	"github.com/jdziat/command-queue/pkg/schedule"
	"github.com/jdziat/command-queue/pkg/security"
	"github.com/jdziat/command-queue/pkg/storage"
)

// Duration is a time.Duration written as a Go duration string ("1m30s").
type Duration time.Duration

// UnmarshalYAML accepts a duration string such as "30s".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"5s\"", node.Line)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Queue     QueueConfig      `yaml:"queue"`
	Database  DatabaseConfig   `yaml:"database"`
	Logging   LoggingConfig    `yaml:"logging"`
	NATS      NATSConfig       `yaml:"nats"`
	Hashing   HashingConfig    `yaml:"hashing"`
	Stats     StatsConfig      `yaml:"stats"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

type QueueConfig struct {
	MaxThreads         int                       `yaml:"max_threads"`
	BatchSize          int                       `yaml:"batch_size"`
	DefaultCheckDelay  Duration                  `yaml:"default_check_delay"`
	NoWorkDelay        Duration                  `yaml:"no_work_delay"`
	RetryFutureSeconds int                       `yaml:"retry_future_seconds"`
	TagLimits          map[string]TagLimitConfig `yaml:"tag_limits"`
}

// TagLimitConfig throttles one parallel tag: RateBurst dispatches at once,
// refilled one per RateEvery.
type TagLimitConfig struct {
	RateEvery Duration `yaml:"rate_every"`
	RateBurst int      `yaml:"rate_burst"`
}

type DatabaseConfig struct {
	Path            string   `yaml:"path"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	BusyTimeout     Duration `yaml:"busy_timeout"`
	WAL             *bool    `yaml:"wal"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	File    string `yaml:"file"`
}

// NATSConfig configures the event bridge. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Name          string `yaml:"name"`
}

// HashingConfig tunes HashFile and the ScanFolder file filter. Exclude
// patterns are regular expressions matched against full paths; an empty
// Extensions list means the built-in video extensions.
type HashingConfig struct {
	ParallelMax int      `yaml:"parallel_max"`
	Exclude     []string `yaml:"exclude"`
	Extensions  []string `yaml:"extensions"`
}

// StatsConfig controls the per-minute stats collector. A zero retention
// keeps buckets forever.
type StatsConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Interval  Duration `yaml:"interval"`
	Retention Duration `yaml:"retention"`
}

// ScheduleConfig enqueues Command with Args on every tick of Every or Cron.
// Args are decoded into the command the same way stored payloads are.
type ScheduleConfig struct {
	Name       string         `yaml:"name"`
	Command    string         `yaml:"command"`
	Args       map[string]any `yaml:"args"`
	Batch      string         `yaml:"batch"`
	Every      Duration       `yaml:"every"`
	Cron       string         `yaml:"cron"`
	RunOnStart bool           `yaml:"run_on_start"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	eng := engine.DefaultConfig()
	pool := storage.DefaultPoolConfig()
	return &Config{
		Queue: QueueConfig{
			MaxThreads:         eng.MaxThreads,
			BatchSize:          eng.BatchSize,
			DefaultCheckDelay:  Duration(eng.DefaultCheckDelay),
			NoWorkDelay:        Duration(eng.NoWorkDelay),
			RetryFutureSeconds: int(eng.RetryDelay / time.Second),
		},
		Database: DatabaseConfig{
			Path:         "commandqueue.db",
			MaxOpenConns: pool.MaxOpenConns,
			MaxIdleConns: pool.MaxIdleConns,
			BusyTimeout:  Duration(pool.BusyTimeout),
		},
		Logging: LoggingConfig{Level: "info", Console: true},
		NATS:    NATSConfig{SubjectPrefix: "commandqueue", Name: "commandqueue"},
		Hashing: HashingConfig{ParallelMax: 2},
		Stats: StatsConfig{
			Enabled:   true,
			Interval:  Duration(time.Minute),
			Retention: Duration(7 * 24 * time.Hour),
		},
	}
}

// Load reads, parses and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field rules.
func (c *Config) Validate() error {
	var errs []error
	q := c.Queue
	if q.MaxThreads < 1 || q.MaxThreads > security.MaxThreads {
		errs = append(errs, fmt.Errorf("queue.max_threads must be between 1 and %d", security.MaxThreads))
	}
	if q.BatchSize < 1 {
		errs = append(errs, errors.New("queue.batch_size must be positive"))
	}
	if q.DefaultCheckDelay <= 0 || q.NoWorkDelay <= 0 {
		errs = append(errs, errors.New("queue delays must be positive"))
	}
	if q.RetryFutureSeconds < 0 {
		errs = append(errs, errors.New("queue.retry_future_seconds must not be negative"))
	}
	for tag, lim := range q.TagLimits {
		if lim.RateEvery <= 0 || lim.RateBurst < 1 {
			errs = append(errs, fmt.Errorf("queue.tag_limits.%s needs a positive rate_every and rate_burst", tag))
		}
	}

	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level %q is not a known level", c.Logging.Level))
	}
	if c.NATS.URL != "" && strings.TrimSpace(c.NATS.SubjectPrefix) == "" {
		errs = append(errs, errors.New("nats.subject_prefix is required when nats.url is set"))
	}
	if c.Hashing.ParallelMax < 1 {
		errs = append(errs, errors.New("hashing.parallel_max must be positive"))
	}
	for _, pattern := range c.Hashing.Exclude {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Errorf("hashing.exclude: %w", err))
		}
	}

	if c.Stats.Enabled && c.Stats.Interval <= 0 {
		errs = append(errs, errors.New("stats.interval must be positive"))
	}
	if c.Stats.Retention < 0 {
		errs = append(errs, errors.New("stats.retention must not be negative"))
	}

	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d]: %w", i, err))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("schedules[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}

func (s ScheduleConfig) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	if err := security.ValidateTypeName(s.Command); err != nil {
		return fmt.Errorf("%s: command: %w", s.Name, err)
	}
	if err := security.ValidateBatchName(s.Batch); err != nil {
		return fmt.Errorf("%s: batch: %w", s.Name, err)
	}
	switch {
	case s.Every > 0 && s.Cron != "":
		return fmt.Errorf("%s: set either every or cron, not both", s.Name)
	case s.Every > 0:
		return nil
	case s.Cron != "":
		_, err := schedule.ParseCron(s.Cron)
		return err
	}
	return fmt.Errorf("%s: every or cron is required", s.Name)
}

// Schedule builds the schedule described by the entry.
func (s ScheduleConfig) Schedule() (schedule.Schedule, error) {
	if s.Cron != "" {
		return schedule.ParseCron(s.Cron)
	}
	if s.Every <= 0 {
		return nil, fmt.Errorf("schedule %s: every must be positive", s.Name)
	}
	return schedule.Every(s.Every.Std()), nil
}

// EngineConfig converts the queue section into engine settings.
func (c *Config) EngineConfig() engine.Config {
	cfg := engine.Config{
		MaxThreads:        c.Queue.MaxThreads,
		BatchSize:         c.Queue.BatchSize,
		DefaultCheckDelay: c.Queue.DefaultCheckDelay.Std(),
		NoWorkDelay:       c.Queue.NoWorkDelay.Std(),
		RetryDelay:        time.Duration(c.Queue.RetryFutureSeconds) * time.Second,
	}
	if len(c.Queue.TagLimits) > 0 {
		cfg.RateLimits = make(map[string]engine.RateLimit, len(c.Queue.TagLimits))
		for tag, lim := range c.Queue.TagLimits {
			cfg.RateLimits[tag] = engine.RateLimit{Every: lim.RateEvery.Std(), Burst: lim.RateBurst}
		}
	}
	return cfg
}

// PoolOptions converts the database section into connection pool options.
func (c *Config) PoolOptions() []storage.PoolOption {
	opts := []storage.PoolOption{
		storage.MaxOpenConns(c.Database.MaxOpenConns),
		storage.MaxIdleConns(c.Database.MaxIdleConns),
	}
	if c.Database.ConnMaxLifetime > 0 {
		opts = append(opts, storage.ConnMaxLifetime(c.Database.ConnMaxLifetime.Std()))
	}
	if c.Database.BusyTimeout > 0 {
		opts = append(opts, storage.BusyTimeout(c.Database.BusyTimeout.Std()))
	}
	if c.Database.WAL != nil {
		opts = append(opts, storage.WAL(*c.Database.WAL))
	}
	return opts
}

// LoggingConfig converts the logging section for the logging package.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logging.FileConfig{
			Enabled: c.Logging.File != "",
			Path:    c.Logging.File,
		},
		Service: "commandqueue",
	}
}
