package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/command-queue/pkg/core"
	"github.com/jdziat/command-queue/pkg/registry"
	"github.com/jdziat/command-queue/pkg/security"
)

// candidatePageSize is how many eligible rows Get inspects per round trip
// while filling tag capacity.
const candidatePageSize = 100

// GormStorage implements core.Store using GORM.
type GormStorage struct {
	db    *gorm.DB
	reg   *registry.Registry
	owner string
	now   func() time.Time
}

// Option configures a GormStorage.
type Option interface {
	applyStorage(*GormStorage)
}

type storageOptionFunc func(*GormStorage)

func (f storageOptionFunc) applyStorage(s *GormStorage) { f(s) }

// WithOwner sets the identifier written to claimed rows. Defaults to a random UUID.
func WithOwner(id string) Option {
	return storageOptionFunc(func(s *GormStorage) {
		if id != "" {
			s.owner = id
		}
	})
}

// WithClock overrides the time source used for eligibility checks.
func WithClock(now func() time.Time) Option {
	return storageOptionFunc(func(s *GormStorage) {
		if now != nil {
			s.now = now
		}
	})
}

// NewGormStorage creates a new GORM-backed store. The registry decodes
// stored payloads back into commands.
func NewGormStorage(db *gorm.DB, reg *registry.Registry, opts ...Option) *GormStorage {
	s := &GormStorage{
		db:    db,
		reg:   reg,
		owner: uuid.NewString(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt.applyStorage(s)
	}
	return s
}

// Owner returns the identifier written to rows this store claims.
func (s *GormStorage) Owner() string {
	return s.owner
}

// DB returns the underlying GORM handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.CommandRecord{})
}

func (s *GormStorage) clock() time.Time {
	return s.now().UTC()
}

func (s *GormStorage) newRecord(cmd core.Command, batch string) (*core.CommandRecord, error) {
	if err := security.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	if err := security.ValidateBatchName(batch); err != nil {
		return nil, err
	}
	name, payload, err := s.reg.Encode(cmd)
	if err != nil {
		return nil, err
	}
	parallelMax := cmd.ParallelMax()
	if parallelMax < 1 {
		parallelMax = 1
	}
	return &core.CommandRecord{
		CommandID:   cmd.ID(),
		CommandType: name,
		Payload:     payload,
		Batch:       batch,
		WorkType:    cmd.WorkType(),
		ParallelTag: cmd.ParallelTag(),
		ParallelMax: parallelMax,
		Priority:    cmd.Priority(),
		Status:      core.StatusQueued,
		MaxRetries:  security.ClampRetries(cmd.MaxRetries()),
	}, nil
}

// insert adds rec unless its identity is already queued or running. A
// terminally failed identity is replaced by a fresh entry. It reports
// whether rec was written.
func insert(tx *gorm.DB, rec *core.CommandRecord) (bool, error) {
	var existing core.CommandRecord
	err := tx.Where("command_id = ?", rec.CommandID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return true, tx.Create(rec).Error
	case err != nil:
		return false, err
	}
	if existing.Status != core.StatusError {
		return false, nil
	}
	if err := tx.Delete(&existing).Error; err != nil {
		return false, err
	}
	return true, tx.Create(rec).Error
}

// Put enqueues a command under a batch, keyed by its identity. It reports
// false when the identity was already queued or running.
func (s *GormStorage) Put(ctx context.Context, cmd core.Command, batch string) (bool, error) {
	rec, err := s.newRecord(cmd, batch)
	if err != nil {
		return false, err
	}
	var added bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		added, err = insert(tx, rec)
		return err
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// PutRange enqueues several commands in one transaction and returns the
// ones that were written, in input order.
func (s *GormStorage) PutRange(ctx context.Context, cmds []core.Command, batch string) ([]core.Command, error) {
	recs := make([]*core.CommandRecord, 0, len(cmds))
	for _, cmd := range cmds {
		rec, err := s.newRecord(cmd, batch)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	var added []core.Command
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		added = added[:0]
		for i, rec := range recs {
			ok, err := insert(tx, rec)
			if err != nil {
				return err
			}
			if ok {
				added = append(added, cmds[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// Requeue puts a failed request back, not eligible before now+delay.
// Retries and LastError are taken from req.
func (s *GormStorage) Requeue(ctx context.Context, req *core.Request, delay time.Duration) error {
	notBefore := s.clock().Add(delay)
	lastErr := security.SanitizeErrorMessage(req.LastError)

	result := s.db.WithContext(ctx).
		Model(&core.CommandRecord{}).
		Where("command_id = ?", req.ID()).
		Updates(map[string]any{
			"status":     core.StatusQueued,
			"retries":    req.Retries,
			"last_error": lastErr,
			"not_before": notBefore,
			"claimed_by": "",
			"claimed_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Row vanished while the command ran; keep the retry anyway.
		rec, err := s.newRecord(req.Command, req.Batch)
		if err != nil {
			return err
		}
		rec.Retries = req.Retries
		rec.LastError = lastErr
		rec.NotBefore = &notBefore
		if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
			return err
		}
	}
	req.NotBefore = &notBefore
	return nil
}

// Get selects and claims eligible requests. Candidates are walked in
// priority order (lower first, then least recently updated) and taken while
// their tag has capacity left. A tag that runs out of capacity is excluded
// from the next query, so one call reads at most a page per exhausted tag
// beyond what it claims.
func (s *GormStorage) Get(ctx context.Context, sel core.Selection) ([]*core.Request, error) {
	if sel.Limit <= 0 {
		return nil, nil
	}
	now := s.clock()
	var out []*core.Request

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out = out[:0]
		remaining := make(map[string]int, len(sel.TagCapacity))
		blocked := make(map[string]struct{})
		for tag, n := range sel.TagCapacity {
			remaining[tag] = n
			if n <= 0 {
				blocked[tag] = struct{}{}
			}
		}
		var claimed []uint

		for len(out) < sel.Limit {
			var page []core.CommandRecord
			q := eligible(tx, now, sel, keys(blocked))
			if len(claimed) > 0 {
				q = q.Where("id NOT IN ?", claimed)
			}
			err := q.Order("priority ASC, updated_at ASC, id ASC").
				Limit(candidatePageSize).
				Find(&page).Error
			if err != nil {
				return err
			}

			for i := range page {
				rec := &page[i]
				if _, ok := blocked[rec.ParallelTag]; ok {
					continue
				}
				left, known := remaining[rec.ParallelTag]
				if !known {
					left = rec.ParallelMax
				}
				if left <= 0 {
					blocked[rec.ParallelTag] = struct{}{}
					continue
				}
				cmd, err := s.reg.Decode(rec.CommandType, rec.Payload)
				if err != nil {
					if err := markBroken(tx, rec.ID, err); err != nil {
						return err
					}
					continue
				}
				remaining[rec.ParallelTag] = left - 1
				if left == 1 {
					blocked[rec.ParallelTag] = struct{}{}
				}
				claimed = append(claimed, rec.ID)
				out = append(out, toRequest(rec, cmd, core.StatusRunning))
				if len(out) == sel.Limit {
					break
				}
			}
			// Every row of a full page was claimed, failed in place or
			// had its tag blocked, so the next query makes progress.
			if len(page) < candidatePageSize {
				break
			}
		}

		if len(claimed) == 0 {
			return nil
		}
		return tx.Model(&core.CommandRecord{}).
			Where("id IN ?", claimed).
			Updates(map[string]any{
				"status":     core.StatusRunning,
				"claimed_by": s.owner,
				"claimed_at": now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// markBroken fails a row whose payload no longer decodes.
func markBroken(tx *gorm.DB, id uint, cause error) error {
	return tx.Model(&core.CommandRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     core.StatusError,
			"last_error": security.SanitizeErrorMessage(cause.Error()),
		}).Error
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func eligible(tx *gorm.DB, now time.Time, sel core.Selection, blockedTags []string) *gorm.DB {
	q := tx.Model(&core.CommandRecord{}).
		Where("status = ?", core.StatusQueued).
		Where("(not_before IS NULL OR not_before <= ?)", now)
	if len(sel.PausedBatches) > 0 {
		q = q.Where("batch NOT IN ?", sel.PausedBatches)
	}
	if len(sel.PausedWorkTypes) > 0 {
		q = q.Where("work_type NOT IN ?", sel.PausedWorkTypes)
	}
	if len(blockedTags) > 0 {
		q = q.Where("parallel_tag NOT IN ?", blockedTags)
	}
	return q
}

func toRequest(rec *core.CommandRecord, cmd core.Command, status core.Status) *core.Request {
	req := &core.Request{
		Command:    cmd,
		Batch:      rec.Batch,
		Status:     status,
		Retries:    rec.Retries,
		LastError:  rec.LastError,
		EnqueuedAt: rec.CreatedAt,
	}
	if rec.NotBefore != nil {
		t := *rec.NotBefore
		req.NotBefore = &t
	}
	return req
}

// Complete clears the store entry of a finished request.
func (s *GormStorage) Complete(ctx context.Context, req *core.Request) error {
	return s.db.WithContext(ctx).
		Where("command_id = ?", req.ID()).
		Delete(&core.CommandRecord{}).Error
}

// Fail marks a request as terminally failed. The row is kept so the
// failure stays queryable and can be resubmitted.
func (s *GormStorage) Fail(ctx context.Context, req *core.Request, errMsg string) error {
	sanitizedErr := security.SanitizeErrorMessage(errMsg)

	result := s.db.WithContext(ctx).
		Model(&core.CommandRecord{}).
		Where("command_id = ?", req.ID()).
		Updates(map[string]any{
			"status":     core.StatusError,
			"retries":    req.Retries,
			"last_error": sanitizedErr,
			"claimed_by": "",
			"claimed_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	rec, err := s.newRecord(req.Command, req.Batch)
	if err != nil {
		return err
	}
	rec.Status = core.StatusError
	rec.Retries = req.Retries
	rec.LastError = sanitizedErr
	return s.db.WithContext(ctx).Create(rec).Error
}

// Release returns a claimed request to the queue untouched.
func (s *GormStorage) Release(ctx context.Context, req *core.Request) error {
	return s.db.WithContext(ctx).
		Model(&core.CommandRecord{}).
		Where("command_id = ? AND status = ?", req.ID(), core.StatusRunning).
		Updates(map[string]any{
			"status":     core.StatusQueued,
			"claimed_by": "",
			"claimed_at": nil,
		}).Error
}

// Recover returns rows claimed by any other owner to the queue. It is meant
// to run before the first dispatch of a process.
func (s *GormStorage) Recover(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&core.CommandRecord{}).
		Where("status = ?", core.StatusRunning).
		Where("claimed_by <> ?", s.owner).
		Updates(map[string]any{
			"status":     core.StatusQueued,
			"claimed_by": "",
			"claimed_at": nil,
		})
	return result.RowsAffected, result.Error
}

func filtered(q *gorm.DB, f core.Filter) *gorm.DB {
	if f.Batch != "" {
		q = q.Where("batch = ?", f.Batch)
	}
	if len(f.WorkTypes) > 0 {
		q = q.Where("work_type IN ?", f.WorkTypes)
	}
	return q
}

// QueuedCount counts queued requests matching the filter, including those
// waiting out a retry delay.
func (s *GormStorage) QueuedCount(ctx context.Context, f core.Filter) (int, error) {
	var count int64
	q := s.db.WithContext(ctx).
		Model(&core.CommandRecord{}).
		Where("status = ?", core.StatusQueued)
	err := filtered(q, f).Count(&count).Error
	return int(count), err
}

// Failed lists terminally failed requests, oldest first.
func (s *GormStorage) Failed(ctx context.Context, f core.Filter, limit int) ([]*core.Request, error) {
	var recs []core.CommandRecord
	q := s.db.WithContext(ctx).
		Model(&core.CommandRecord{}).
		Where("status = ?", core.StatusError).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := filtered(q, f).Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]*core.Request, 0, len(recs))
	for i := range recs {
		cmd, err := s.reg.Decode(recs[i].CommandType, recs[i].Payload)
		if err != nil {
			return nil, fmt.Errorf("failed request %s: %w", recs[i].CommandID, err)
		}
		out = append(out, toRequest(&recs[i], cmd, core.StatusError))
	}
	return out, nil
}

// ClearQueued deletes queued requests matching the filter.
func (s *GormStorage) ClearQueued(ctx context.Context, f core.Filter) (int64, error) {
	q := s.db.WithContext(ctx).Where("status = ?", core.StatusQueued)
	result := filtered(q, f).Delete(&core.CommandRecord{})
	return result.RowsAffected, result.Error
}

var _ core.Store = (*GormStorage)(nil)
