// Package postgres provides a Postgres-backed job store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ghostfetch/internal/clock/system"
	"github.com/JakeFAU/ghostfetch/internal/id/uuid"
	"github.com/JakeFAU/ghostfetch/internal/job"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const selectColumns = `id, target, status, affinity, callback_url, integration_ref, attempts, result,
	failure_kind, failure_code, failure_message, not_before,
	notification_state, notification_attempts, notification_error, notification_updated_at,
	created_at, started_at, completed_at`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore implements job.Store on Postgres.
type JobStore struct {
	pool  querier
	table string
	clock job.Clock
	ids   job.IDGenerator
}

// NewJobStore connects a pool using cfg.
func NewJobStore(ctx context.Context, cfg Config, clock job.Clock, ids job.IDGenerator) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(pool, cfg.Table, clock, ids)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool querier, table string, clock job.Clock, ids job.IDGenerator) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &JobStore{pool: pool, table: table, clock: clock, ids: ids}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the jobs table and the indexes used by intake and the reaper.
func (s *JobStore) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	target TEXT NOT NULL,
	status TEXT NOT NULL,
	affinity TEXT NOT NULL DEFAULT '',
	callback_url TEXT NOT NULL DEFAULT '',
	integration_ref TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	result JSONB,
	failure_kind TEXT NOT NULL DEFAULT '',
	failure_code TEXT NOT NULL DEFAULT '',
	failure_message TEXT NOT NULL DEFAULT '',
	not_before TIMESTAMPTZ,
	notification_state TEXT NOT NULL DEFAULT 'none',
	notification_attempts INTEGER NOT NULL DEFAULT 0,
	notification_error TEXT NOT NULL DEFAULT '',
	notification_updated_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_created_idx ON %s (status, created_at)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_completed_idx ON %s (status, completed_at)`, s.table, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.table, err)
		}
	}
	return nil
}

// Create inserts a queued job.
func (s *JobStore) Create(ctx context.Context, req job.Request) (job.Job, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return job.Job{}, fmt.Errorf("job id: %w", err)
	}
	j := job.New(id, req, s.clock.Now().UTC())
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, target, status, affinity, callback_url, integration_ref, attempts, notification_state, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, s.table)
	args := []any{
		j.ID,
		j.Target,
		string(j.Status),
		j.Affinity,
		j.CallbackURL,
		j.IntegrationRef,
		j.Attempts,
		string(j.Notification.State),
		j.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return job.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

// Get loads a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (job.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectColumns, s.table)
	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrNotFound
		}
		return job.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListQueued returns queued jobs oldest first.
func (s *JobStore) ListQueued(ctx context.Context) ([]job.Job, error) {
	return s.ListByStatus(ctx, job.StatusQueued)
}

// ListByStatus returns jobs in status oldest first.
func (s *JobStore) ListByStatus(ctx context.Context, status job.Status) ([]job.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 ORDER BY created_at ASC, id ASC`,
		selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	return out, nil
}

// Transition applies a compare-and-swap status change. The UPDATE is guarded
// by the expected status so a concurrent writer loses with ErrConflict, and
// the stored row is returned as written.
func (s *JobStore) Transition(
	ctx context.Context,
	id string,
	from, to job.Status,
	patch job.Patch,
) (job.Job, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if err := job.CheckTransition(current.Status, from, to); err != nil {
		return job.Job{}, err
	}
	next := job.Advance(current, to, patch)
	result, err := marshalResult(next.Result)
	if err != nil {
		return job.Job{}, err
	}
	var kind, code, message string
	if next.Failure != nil {
		kind, code, message = string(next.Failure.Kind), next.Failure.Code, next.Failure.Message
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $3,
	attempts = $4,
	result = $5,
	failure_kind = $6,
	failure_code = $7,
	failure_message = $8,
	not_before = $9,
	started_at = $10,
	completed_at = $11
WHERE id = $1 AND status = $2
RETURNING %s`, s.table, selectColumns)
	updated, err := scanJob(s.pool.QueryRow(ctx, query,
		id,
		string(from),
		string(to),
		next.Attempts,
		result,
		kind,
		code,
		message,
		next.NotBefore,
		next.StartedAt,
		next.CompletedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrConflict
		}
		return job.Job{}, fmt.Errorf("update job: %w", err)
	}
	return updated, nil
}

// RecordNotification updates only the notification columns.
func (s *JobStore) RecordNotification(ctx context.Context, id string, n job.Notification) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	notification_state = $2,
	notification_attempts = $3,
	notification_error = $4,
	notification_updated_at = $5
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, string(n.State), n.Attempts, n.Error, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return job.ErrNotFound
	}
	return nil
}

// CountByStatus counts jobs in a status.
func (s *JobStore) CountByStatus(ctx context.Context, status job.Status) (int, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE status = $1`, s.table)
	var count int
	if err := s.pool.QueryRow(ctx, query, string(status)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

// PurgeOlderThan deletes terminal jobs completed before now-ttl.
func (s *JobStore) PurgeOlderThan(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-ttl)
	query := fmt.Sprintf(`
DELETE FROM %s
WHERE status IN ($1, $2) AND completed_at IS NOT NULL AND completed_at < $3`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(job.StatusCompleted), string(job.StatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
