package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/command-queue/pkg/commands"
	"github.com/jdziat/command-queue/pkg/config"
	"github.com/jdziat/command-queue/pkg/core"
	"github.com/jdziat/command-queue/pkg/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, commands.Register(reg, commands.Options{}))
	return reg
}

func TestScheduleEntry_DecodesArgs(t *testing.T) {
	reg := testRegistry(t)
	entry, err := scheduleEntry(reg, config.ScheduleConfig{
		Name:    "nightly-scan",
		Command: "ScanFolder",
		Args:    map[string]any{"dir": "/anime", "batch": "Nightly"},
		Batch:   "Nightly",
		Every:   config.Duration(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "nightly-scan", entry.Name)
	assert.Equal(t, "Nightly", entry.Batch)

	cmd, err := entry.Factory()
	require.NoError(t, err)
	assert.Equal(t, "ScanFolder:/anime", cmd.ID())

	// Every call builds a fresh command.
	again, err := entry.Factory()
	require.NoError(t, err)
	assert.NotSame(t, cmd, again)
}

func TestScheduleEntry_UnknownCommand(t *testing.T) {
	_, err := scheduleEntry(testRegistry(t), config.ScheduleConfig{
		Name:    "x",
		Command: "RefreshAnime",
		Every:   config.Duration(time.Minute),
	})
	assert.ErrorIs(t, err, core.ErrUnknownCommandType)
}

func TestScheduleEntry_Cron(t *testing.T) {
	entry, err := scheduleEntry(testRegistry(t), config.ScheduleConfig{
		Name:    "hash",
		Command: "HashFile",
		Args:    map[string]any{"path": "/anime/a.mkv"},
		Cron:    "0 3 * * *",
	})
	require.NoError(t, err)

	from := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC), entry.Schedule.Next(from))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := logSink(zerolog.New(&buf))

	require.NoError(t, sink.StoreHashes(context.Background(), commands.Hashes{Path: "/a.mkv", ED2K: "ABC"}))
	assert.Contains(t, buf.String(), `"ed2k":"ABC"`)
	assert.Contains(t, buf.String(), "file hashed")
}
