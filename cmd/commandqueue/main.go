// Command commandqueue runs the command scheduling engine as a standalone
// service: a SQLite-backed queue, the built-in hashing commands, configured
// recurring schedules and an optional NATS event feed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/command-queue/pkg/commands"
	"github.com/jdziat/command-queue/pkg/config"
	"github.com/jdziat/command-queue/pkg/core"
	"github.com/jdziat/command-queue/pkg/engine"
	"github.com/jdziat/command-queue/pkg/logging"
	"github.com/jdziat/command-queue/pkg/natsbridge"
	"github.com/jdziat/command-queue/pkg/registry"
	"github.com/jdziat/command-queue/pkg/schedule"
	"github.com/jdziat/command-queue/pkg/stats"
	"github.com/jdziat/command-queue/pkg/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "commandqueue.yaml", "path to the YAML config file")
	scanDir := flag.String("scan", "", "enqueue a ScanFolder for this directory on start")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *scanDir); err != nil {
		fmt.Fprintln(os.Stderr, "commandqueue:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, scanDir string) error {
	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		return err
	}
	cfg := watcher.Current()

	// The root is built at trace so later reloads can raise verbosity
	// through the global level.
	logCfg := cfg.LoggingConfig()
	logCfg.Level = "trace"
	root, err := logging.New(logCfg, os.Stdout)
	if err != nil {
		return err
	}
	defer root.Close()
	logging.SetLevel(cfg.Logging.Level)
	log := root.Logger

	id := uuid.NewString()
	db, err := storage.OpenSQLite(cfg.Database.Path, cfg.PoolOptions()...)
	if err != nil {
		return err
	}

	excludes, err := commands.CompileExcludes(cfg.Hashing.Exclude)
	if err != nil {
		return err
	}
	reg := registry.New()
	err = commands.Register(reg, commands.Options{
		Sink:            logSink(log),
		HashParallelMax: cfg.Hashing.ParallelMax,
		Exclude:         excludes,
		Extensions:      cfg.Hashing.Extensions,
	})
	if err != nil {
		return err
	}

	store := storage.NewGormStorage(db, reg, storage.WithOwner(id))
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	eng := engine.New(store,
		engine.WithID(id),
		engine.WithConfig(cfg.EngineConfig()),
		engine.WithLogger(log.With().Str("component", "engine").Logger()),
	)

	var collector *stats.Collector
	if cfg.Stats.Enabled {
		statStore := stats.NewGormStorage(db)
		if err := statStore.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate stats: %w", err)
		}
		collector = stats.NewCollector(eng, store, statStore,
			stats.WithInterval(cfg.Stats.Interval.Std()),
			stats.WithRetention(cfg.Stats.Retention.Std()),
			stats.WithLogger(log.With().Str("component", "stats").Logger()),
		)
	}

	sched := schedule.NewScheduler(eng, schedule.WithLogger(log.With().Str("component", "scheduler").Logger()))
	for _, sc := range cfg.Schedules {
		entry, err := scheduleEntry(reg, sc)
		if err != nil {
			return err
		}
		if err := sched.Add(entry); err != nil {
			return err
		}
	}

	// Subscribe before Start so EngineStarted reaches the bridge.
	var bridgeEvents <-chan core.Event
	var bridge *natsbridge.Bridge
	if cfg.NATS.URL != "" {
		nc, err := natsbridge.Connect(cfg.NATS.URL, cfg.NATS.Name, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		bridge, err = natsbridge.New(nc, cfg.NATS.SubjectPrefix,
			natsbridge.WithLogger(log.With().Str("component", "nats").Logger()))
		if err != nil {
			return err
		}
		var unsubscribe func()
		bridgeEvents, unsubscribe = eng.Subscribe(1024)
		defer unsubscribe()
		defer nc.Flush()
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	if scanDir != "" {
		if err := eng.Add(ctx, &commands.ScanFolder{Dir: scanDir}, "Scan"); err != nil {
			log.Error().Err(err).Str("dir", scanDir).Msg("could not enqueue scan")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Watch(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return applyReloads(gctx, watcher, eng, log) })
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx, bridgeEvents) })
	}
	if collector != nil {
		g.Go(func() error { return collector.Run(gctx) })
	}

	log.Info().Str("config", configPath).Str("database", cfg.Database.Path).Msg("commandqueue running")
	<-gctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := eng.Stop(shutdownCtx)
	if stopErr != nil {
		log.Error().Err(stopErr).Msg("engine stop")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Join(err, stopErr)
	}
	return stopErr
}

// applyReloads pushes queue and logging changes from the config file into
// the running service. Database, NATS and schedule changes need a restart.
func applyReloads(ctx context.Context, w *config.Watcher, eng *engine.Engine, log zerolog.Logger) error {
	updates := w.Subscribe(1)
	defer w.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg := <-updates:
			eng.Apply(cfg.EngineConfig())
			lvl := logging.SetLevel(cfg.Logging.Level)
			log.Info().Str("level", lvl.String()).Msg("config applied")
		}
	}
}

// scheduleEntry turns a configured schedule into a scheduler entry. Args
// go through the registry the same way stored payloads do.
func scheduleEntry(reg *registry.Registry, sc config.ScheduleConfig) (schedule.Entry, error) {
	s, err := sc.Schedule()
	if err != nil {
		return schedule.Entry{}, err
	}
	if !reg.Has(sc.Command) {
		return schedule.Entry{}, fmt.Errorf("schedule %s: %w: %s", sc.Name, core.ErrUnknownCommandType, sc.Command)
	}
	payload, err := json.Marshal(sc.Args)
	if err != nil {
		return schedule.Entry{}, fmt.Errorf("schedule %s: args: %w", sc.Name, err)
	}
	return schedule.Entry{
		Name:       sc.Name,
		Schedule:   s,
		Batch:      sc.Batch,
		RunOnStart: sc.RunOnStart,
		Factory: func() (core.Command, error) {
			return reg.Decode(sc.Command, payload)
		},
	}, nil
}

func logSink(log zerolog.Logger) commands.HashSink {
	return commands.HashSinkFunc(func(_ context.Context, h commands.Hashes) error {
		log.Info().
			Str("path", h.Path).
			Int64("size", h.Size).
			Str("ed2k", h.ED2K).
			Str("md5", h.MD5).
			Str("sha1", h.SHA1).
			Str("crc32", h.CRC32).
			Msg("file hashed")
		return nil
	})
}
