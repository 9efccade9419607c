package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ghostfetch/internal/clock/fake"
	"github.com/JakeFAU/ghostfetch/internal/job"
)

var columns = []string{
	"id", "target", "status", "affinity", "callback_url", "integration_ref", "attempts", "result",
	"failure_kind", "failure_code", "failure_message", "not_before",
	"notification_state", "notification_attempts", "notification_error", "notification_updated_at",
	"created_at", "started_at", "completed_at",
}

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

func newMockStore(t *testing.T, clk job.Clock) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewJobStoreWithPool(mock, "jobs", clk, fixedIDs{id: "job-1"})
	require.NoError(t, err)
	return store, mock
}

func jobRow(status job.Status, attempts int, created time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(columns).AddRow(
		"job-1", "https://example.com", string(status), "", "https://hook.test", "", attempts, []byte(nil),
		"", "", "", (*time.Time)(nil),
		"pending", 0, "", (*time.Time)(nil),
		created, (*time.Time)(nil), (*time.Time)(nil),
	)
}

func TestNewJobStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewJobStoreWithPool(mock, "jobs; DROP TABLE x", nil, nil)
	require.Error(t, err)
	_, err = NewJobStoreWithPool(nil, "jobs", nil, nil)
	require.Error(t, err)
	store, err := NewJobStoreWithPool(mock, "", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "jobs", store.table)
}

func TestNewJobStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewJobStore(context.Background(), Config{}, nil, nil)
	require.Error(t, err)
}

func TestMigrateCreatesTableAndIndexes(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS jobs_status_created_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS jobs_status_completed_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateInsertsQueuedRow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	store, mock := newMockStore(t, fake.New(now))

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("job-1", "https://example.com", "queued", "acct", "https://hook.test", "ref-9", 0, "pending", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	created, err := store.Create(context.Background(), job.Request{
		Target:         "https://example.com",
		CallbackURL:    "https://hook.test",
		Affinity:       "acct",
		IntegrationRef: "ref-9",
	})
	require.NoError(t, err)
	require.Equal(t, job.StatusQueued, created.Status)
	require.Equal(t, now, created.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapsNoRowsToNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, job.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionClaimsQueuedJob(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	store, mock := newMockStore(t, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(jobRow(job.StatusQueued, 0, created))
	// The returned row carries a notification written after the read.
	updated := pgxmock.NewRows(columns).AddRow(
		"job-1", "https://example.com", "processing", "", "https://hook.test", "", 0, []byte(nil),
		"", "", "", (*time.Time)(nil),
		"delivered", 1, "", (*time.Time)(nil),
		created, (*time.Time)(nil), (*time.Time)(nil),
	)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND status = $2\nRETURNING id, target")).
		WithArgs("job-1", "queued", "processing", 0, []byte(nil), "", "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(updated)

	got, err := store.Transition(context.Background(), "job-1", job.StatusQueued, job.StatusProcessing, job.Patch{})
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, got.Status)
	require.Equal(t, job.NotificationDelivered, got.Notification.State)
	require.Equal(t, 1, got.Notification.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionLosesRaceWhenRowUnchanged(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(jobRow(job.StatusQueued, 0, time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND status = $2")).
		WithArgs("job-1", "queued", "processing", 0, []byte(nil), "", "", "", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(columns))

	_, err := store.Transition(context.Background(), "job-1", job.StatusQueued, job.StatusProcessing, job.Patch{})
	require.ErrorIs(t, err, job.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRejectsTerminalWithoutWriting(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs("job-1").
		WillReturnRows(jobRow(job.StatusCompleted, 1, time.Now()))

	_, err := store.Transition(context.Background(), "job-1", job.StatusProcessing, job.StatusFailed, job.Patch{})
	require.ErrorIs(t, err, job.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordNotificationUnknownJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs("missing", "failed", 3, "boom", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.RecordNotification(context.Background(), "missing", job.Notification{
		State:    job.NotificationFailed,
		Attempts: 3,
		Error:    "boom",
	})
	require.ErrorIs(t, err, job.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM jobs WHERE status = $1")).
		WithArgs("queued").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	count, err := store.CountByStatus(context.Background(), job.StatusQueued)
	require.NoError(t, err)
	require.Equal(t, 4, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeOlderThanUsesCutoff(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 5, 2, 8, 0, 0, 0, time.UTC)
	store, mock := newMockStore(t, fake.New(now))
	mock.ExpectExec("DELETE FROM jobs").
		WithArgs("completed", "failed", now.Add(-24*time.Hour)).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	purged, err := store.PurgeOlderThan(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(7), purged)
	require.NoError(t, mock.ExpectationsWereMet())
}
