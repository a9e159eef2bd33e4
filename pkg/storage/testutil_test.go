package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/command-queue/pkg/core"
	"github.com/jdziat/command-queue/pkg/registry"
)

var coreFilterAll = core.Filter{}

// testCommand is a minimal serializable command for store tests.
type testCommand struct {
	Name string        `json:"name"`
	Tag  string        `json:"tag"`
	Max  int           `json:"max"`
	Prio int           `json:"prio"`
	Kind core.WorkType `json:"kind"`
}

func (c *testCommand) Type() string { return "TestCommand" }
func (c *testCommand) ID() string { return "TestCommand:" + c.Name }
func (c *testCommand) WorkType() core.WorkType {
	if c.Kind == "" {
		return core.WorkServer
	}
	return c.Kind
}
func (c *testCommand) ParallelTag() string { return c.Tag }
func (c *testCommand) ParallelMax() int { return c.Max }
func (c *testCommand) Priority() int { return c.Prio }
func (c *testCommand) MaxRetries() int { return 3 }
func (c *testCommand) Description() string { return "testing " + c.Name }
func (c *testCommand) Run(ctx context.Context, q core.Queuer) error { return nil }

func newTestRegistry() *registry.Registry {
	reg := registry.New()
	reg.MustRegister("TestCommand", func() core.Command { return &testCommand{} })
	return reg
}

// testClock is a manually advanced time source.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// newTestStorage creates a fresh in-memory SQLite store for each test.
// A single connection keeps every query on the same in-memory database.
func newTestStorage(t *testing.T, opts ...Option) *GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := NewGormStorage(db, newTestRegistry(), opts...)
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

func cmd(name, tag string, max, prio int) *testCommand {
	return &testCommand{Name: name, Tag: tag, Max: max, Prio: prio}
}

func ids(reqs []*core.Request) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.ID())
	}
	return out
}
