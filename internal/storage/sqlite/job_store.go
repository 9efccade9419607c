// Package sqlite provides the default durable job store, built on GORM with
// the SQLite driver.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/ghostfetch/internal/clock/system"
	"github.com/JakeFAU/ghostfetch/internal/id/uuid"
	"github.com/JakeFAU/ghostfetch/internal/job"
)

// JobStore implements job.Store on a GORM connection.
type JobStore struct {
	db    *gorm.DB
	clock job.Clock
	ids   job.IDGenerator
}

// Open creates the database file at path, migrates the schema and returns a store.
func Open(ctx context.Context, path string, clock job.Clock, ids job.IDGenerator) (*JobStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite serializes writers; one connection keeps CAS updates ordered.
	sqlDB.SetMaxOpenConns(1)

	store := New(db, clock, ids)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// New wraps an existing GORM connection. Call Migrate before use.
func New(db *gorm.DB, clock job.Clock, ids job.IDGenerator) *JobStore {
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &JobStore{db: db, clock: clock, ids: ids}
}

// Migrate creates the jobs table and its indexes.
func (s *JobStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&jobRow{}); err != nil {
		return fmt.Errorf("migrate jobs: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *JobStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	return sqlDB.Close()
}

// Create inserts a queued job.
func (s *JobStore) Create(ctx context.Context, req job.Request) (job.Job, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return job.Job{}, fmt.Errorf("job id: %w", err)
	}
	j := job.New(id, req, s.clock.Now().UTC())
	row, err := fromJob(j)
	if err != nil {
		return job.Job{}, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return job.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

// Get loads a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (job.Job, error) {
	row, err := s.load(s.db.WithContext(ctx), id)
	if err != nil {
		return job.Job{}, err
	}
	return row.toJob()
}

func (s *JobStore) load(tx *gorm.DB, id string) (jobRow, error) {
	var row jobRow
	err := tx.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return jobRow{}, job.ErrNotFound
	}
	if err != nil {
		return jobRow{}, fmt.Errorf("load job: %w", err)
	}
	return row, nil
}

// ListQueued returns queued jobs oldest first.
func (s *JobStore) ListQueued(ctx context.Context) ([]job.Job, error) {
	return s.ListByStatus(ctx, job.StatusQueued)
}

// ListByStatus returns jobs in status oldest first.
func (s *JobStore) ListByStatus(ctx context.Context, status job.Status) ([]job.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	out := make([]job.Job, 0, len(rows))
	for _, row := range rows {
		j, err := row.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Transition applies a compare-and-swap status change inside a transaction.
func (s *JobStore) Transition(
	ctx context.Context,
	id string,
	from, to job.Status,
	patch job.Patch,
) (job.Job, error) {
	var out job.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.load(tx, id)
		if err != nil {
			return err
		}
		current, err := row.toJob()
		if err != nil {
			return err
		}
		if err := job.CheckTransition(current.Status, from, to); err != nil {
			return err
		}
		next := job.Advance(current, to, patch)
		nextRow, err := fromJob(next)
		if err != nil {
			return err
		}
		result := tx.Model(&jobRow{}).
			Where("id = ? AND status = ?", id, string(from)).
			Updates(nextRow.mutable())
		if result.Error != nil {
			return fmt.Errorf("update job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return job.ErrConflict
		}
		out = next
		return nil
	})
	if err != nil {
		return job.Job{}, err
	}
	return out, nil
}

// RecordNotification updates only the notification columns.
func (s *JobStore) RecordNotification(ctx context.Context, id string, n job.Notification) error {
	result := s.db.WithContext(ctx).
		Model(&jobRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"notification_state":      string(n.State),
			"notification_attempts":   n.Attempts,
			"notification_error":      n.Error,
			"notification_updated_at": utcPtr(n.UpdatedAt),
		})
	if result.Error != nil {
		return fmt.Errorf("record notification: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return job.ErrNotFound
	}
	return nil
}

// CountByStatus counts jobs in a status.
func (s *JobStore) CountByStatus(ctx context.Context, status job.Status) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&jobRow{}).Where("status = ?", string(status)).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return int(count), nil
}

// PurgeOlderThan deletes terminal jobs completed before now-ttl.
func (s *JobStore) PurgeOlderThan(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-ttl)
	result := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(job.StatusCompleted), string(job.StatusFailed)}).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&jobRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
