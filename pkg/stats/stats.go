// Package stats records per-minute command throughput and queue depth for
// each work type, so dashboards and operators can see how the backlog moves.
package stats

import (
	"context"
	"time"

	"github.com/jdziat/command-queue/pkg/core"
)

// CommandStat is one work type's activity in a one-minute bucket.
type CommandStat struct {
	ID        uint          `gorm:"primaryKey"`
	WorkType  core.WorkType `gorm:"uniqueIndex:idx_command_stats_type_ts;size:64;not null"`
	Timestamp time.Time     `gorm:"uniqueIndex:idx_command_stats_type_ts;not null"`
	Queued    int64         `gorm:"default:0"`
	Running   int64         `gorm:"default:0"`
	Finished  int64         `gorm:"default:0"`
	Failed    int64         `gorm:"default:0"`
	Retried   int64         `gorm:"default:0"`
	Canceled  int64         `gorm:"default:0"`
}

// TableName pins the table name.
func (CommandStat) TableName() string {
	return "command_stats"
}

// Counters are outcome tallies accumulated between flushes.
type Counters struct {
	Finished int64
	Failed   int64
	Retried  int64
	Canceled int64
}

func (c Counters) zero() bool {
	return c.Finished == 0 && c.Failed == 0 && c.Retried == 0 && c.Canceled == 0
}

// Storage persists stats buckets.
type Storage interface {
	Migrate(ctx context.Context) error
	AddCounters(ctx context.Context, wt core.WorkType, ts time.Time, c Counters) error
	SnapshotDepth(ctx context.Context, wt core.WorkType, ts time.Time, queued, running int64) error
	History(ctx context.Context, wt core.WorkType, since, until time.Time) ([]CommandStat, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}
