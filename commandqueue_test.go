package commandqueue_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commandqueue "github.com/jdziat/command-queue"
	"github.com/jdziat/command-queue/pkg/commands"
)

type hashRecorder struct {
	mu     sync.Mutex
	hashes map[string]commands.Hashes
}

func (r *hashRecorder) StoreHashes(_ context.Context, h commands.Hashes) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes[h.Path] = h
	return nil
}

func (r *hashRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hashes)
}

func setup(t *testing.T, sink commands.HashSink) (*commandqueue.Engine, *commandqueue.GormStorage) {
	t.Helper()
	db, err := commandqueue.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	reg := commandqueue.NewRegistry()
	require.NoError(t, commands.Register(reg, commands.Options{Sink: sink}))

	store := commandqueue.NewGormStorage(db, reg)
	require.NoError(t, store.Migrate(context.Background()))

	cfg := commandqueue.DefaultConfig()
	cfg.DefaultCheckDelay = 5 * time.Millisecond
	cfg.NoWorkDelay = 20 * time.Millisecond
	eng := commandqueue.New(store, commandqueue.WithConfig(cfg), commandqueue.MaxThreads(3))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return eng, store
}

func TestFacade_ScanAndHash(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.mkv", "b.mkv", "c.avi", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}

	sink := &hashRecorder{hashes: make(map[string]commands.Hashes)}
	eng, _ := setup(t, sink)
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))

	require.NoError(t, eng.Add(ctx, &commands.ScanFolder{Dir: dir, Batch: "Scan_1"}, "Scan_1"))

	require.Eventually(t, func() bool { return sink.count() == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := eng.CommandCountByBatch(ctx, "Scan_1")
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.hashes, filepath.Join(dir, "a.mkv"))
	assert.NotContains(t, sink.hashes, filepath.Join(dir, "notes.txt"))
}

func TestFacade_PausedWorkTypeHoldsHashing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.mkv")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	sink := &hashRecorder{hashes: make(map[string]commands.Hashes)}
	eng, _ := setup(t, sink)
	ctx := context.Background()

	eng.PauseWorkTypes(commandqueue.WorkHashing)
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Add(ctx, commands.NewHashFile(path, nil, 0), ""))

	time.Sleep(100 * time.Millisecond)
	n, err := eng.CommandCountByWorkTypes(ctx, commandqueue.WorkHashing)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, eng.AreWorkTypesPaused(commandqueue.WorkHashing))

	eng.ResumeWorkTypes(commandqueue.WorkHashing)
	require.Eventually(t, func() bool {
		n, err := eng.CommandCountByWorkTypes(ctx, commandqueue.WorkHashing)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFacade_MissingFileFailsWithoutRetry(t *testing.T) {
	eng, store := setup(t, nil)
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))

	events, unsubscribe := eng.Subscribe(64)
	defer unsubscribe()

	missing := filepath.Join(t.TempDir(), "gone.mkv")
	require.NoError(t, eng.Add(ctx, commands.NewHashFile(missing, nil, 0), ""))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			st, ok := ev.(*commandqueue.CommandStatusChanged)
			if !ok || st.Status != commandqueue.StatusError {
				continue
			}
			assert.Equal(t, "HashFile:"+missing, st.CommandID)
			assert.Zero(t, st.Retries)

			failed, err := store.Failed(ctx, commandqueue.Filter{}, 10)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			return
		case <-deadline:
			t.Fatal("no error status observed")
		}
	}
}

func TestFacade_ErrorHelpers(t *testing.T) {
	base := errors.New("boom")

	var noRetry *commandqueue.NoRetryError
	assert.ErrorAs(t, commandqueue.NoRetry(base), &noRetry)

	var retryAfter *commandqueue.RetryAfterError
	require.ErrorAs(t, commandqueue.RetryAfter(time.Minute, base), &retryAfter)
	assert.Equal(t, time.Minute, retryAfter.Delay)
	assert.ErrorIs(t, retryAfter, base)
}

func TestFacade_Schedules(t *testing.T) {
	from := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, from.Add(time.Hour), commandqueue.Every(time.Hour).Next(from))
	assert.Equal(t, time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC), commandqueue.Daily(3, 0).Next(from))

	s, err := commandqueue.ParseCron("*/15 * * * *")
	require.NoError(t, err)
	assert.Equal(t, from.Add(15*time.Minute), s.Next(from))

	_, err = commandqueue.ParseCron("not cron")
	assert.Error(t, err)
	assert.Panics(t, func() { commandqueue.Cron("not cron") })
}

func TestFacade_AddBeforeStart(t *testing.T) {
	eng, _ := setup(t, nil)
	assert.False(t, eng.IsRunning())
	assert.ErrorIs(t, eng.Add(context.Background(), nil, ""), commandqueue.ErrNilCommand)
}
