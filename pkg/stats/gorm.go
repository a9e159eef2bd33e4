package stats

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/command-queue/pkg/core"
)

// GormStorage implements Storage using GORM. It can share the database of
// the command store.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage stores stats in the command_stats table of db.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// Migrate creates the stats table.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&CommandStat{})
}

// bucket returns the row for wt at ts, creating it when missing.
func bucket(tx *gorm.DB, wt core.WorkType, ts time.Time) (*CommandStat, error) {
	var row CommandStat
	err := tx.Where("work_type = ? AND timestamp = ?", wt, ts).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = CommandStat{WorkType: wt, Timestamp: ts}
		if err := tx.Create(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// AddCounters adds c to the bucket of wt at ts, truncated to the minute.
func (s *GormStorage) AddCounters(ctx context.Context, wt core.WorkType, ts time.Time, c Counters) error {
	ts = ts.UTC().Truncate(time.Minute)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := bucket(tx, wt, ts)
		if err != nil {
			return err
		}
		return tx.Model(row).Updates(map[string]any{
			"finished": gorm.Expr("finished + ?", c.Finished),
			"failed":   gorm.Expr("failed + ?", c.Failed),
			"retried":  gorm.Expr("retried + ?", c.Retried),
			"canceled": gorm.Expr("canceled + ?", c.Canceled),
		}).Error
	})
}

// SnapshotDepth overwrites the queue depth of the bucket of wt at ts.
func (s *GormStorage) SnapshotDepth(ctx context.Context, wt core.WorkType, ts time.Time, queued, running int64) error {
	ts = ts.UTC().Truncate(time.Minute)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := bucket(tx, wt, ts)
		if err != nil {
			return err
		}
		return tx.Model(row).Updates(map[string]any{
			"queued":  queued,
			"running": running,
		}).Error
	})
}

// History returns buckets in time order. An empty work type or zero bound
// is not filtered on.
func (s *GormStorage) History(ctx context.Context, wt core.WorkType, since, until time.Time) ([]CommandStat, error) {
	var rows []CommandStat
	q := s.db.WithContext(ctx).Order("timestamp ASC").Order("work_type ASC")
	if wt != "" {
		q = q.Where("work_type = ?", wt)
	}
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since.UTC())
	}
	if !until.IsZero() {
		q = q.Where("timestamp <= ?", until.UTC())
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Prune deletes buckets older than before.
func (s *GormStorage) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&CommandStat{})
	return result.RowsAffected, result.Error
}
