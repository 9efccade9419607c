// Package storagetest holds the conformance suite every job.Store must pass.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ghostfetch/internal/clock/fake"
	"github.com/JakeFAU/ghostfetch/internal/job"
)

// Factory builds an empty store bound to clk.
type Factory func(t *testing.T, clk job.Clock) job.Store

// Start is the virtual time every suite clock begins at.
var Start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore) })
	t.Run("ListQueuedIsFIFO", func(t *testing.T) { testListQueuedFIFO(t, newStore) })
	t.Run("TransitionCompareAndSwap", func(t *testing.T) { testTransitionCAS(t, newStore) })
	t.Run("TerminalIsImmutable", func(t *testing.T) { testTerminalImmutable(t, newStore) })
	t.Run("ConcurrentClaimSingleWinner", func(t *testing.T) { testConcurrentClaim(t, newStore) })
	t.Run("RecordNotification", func(t *testing.T) { testRecordNotification(t, newStore) })
	t.Run("PurgeOlderThan", func(t *testing.T) { testPurge(t, newStore) })
}

func testCreateAndGet(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clk := fake.New(Start)
	store := newStore(t, clk)

	created, err := store.Create(ctx, job.Request{
		Target:         "https://example.com/a",
		CallbackURL:    "https://hooks.example.com/done",
		Affinity:       "acct-1",
		IntegrationRef: "org/repo#7",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, job.StatusQueued, created.Status)
	require.Equal(t, job.NotificationPending, created.Notification.State)
	require.True(t, created.CreatedAt.Equal(Start))

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
	require.Equal(t, "https://example.com/a", got.Target)
	require.Equal(t, "acct-1", got.Affinity)
	require.Equal(t, "org/repo#7", got.IntegrationRef)
	require.Equal(t, "https://hooks.example.com/done", got.CallbackURL)
	require.Nil(t, got.StartedAt)
	require.Nil(t, got.Result)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, job.ErrNotFound)

	queued, err := store.CountByStatus(ctx, job.StatusQueued)
	require.NoError(t, err)
	require.Equal(t, 1, queued)
}

func testListQueuedFIFO(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clk := fake.New(Start)
	store := newStore(t, clk)

	var ids []string
	for _, target := range []string{"https://a.test", "https://b.test", "https://c.test"} {
		j, err := store.Create(ctx, job.Request{Target: target})
		require.NoError(t, err)
		ids = append(ids, j.ID)
		clk.Advance(time.Second)
	}
	_, err := store.Transition(ctx, ids[1], job.StatusQueued, job.StatusProcessing, job.Patch{})
	require.NoError(t, err)

	queued, err := store.ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	require.Equal(t, ids[0], queued[0].ID)
	require.Equal(t, ids[2], queued[1].ID)

	processing, err := store.ListByStatus(ctx, job.StatusProcessing)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	require.Equal(t, ids[1], processing[0].ID)
}

func testTransitionCAS(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clk := fake.New(Start)
	store := newStore(t, clk)

	j, err := store.Create(ctx, job.Request{Target: "https://example.com"})
	require.NoError(t, err)

	_, err = store.Transition(ctx, j.ID, job.StatusProcessing, job.StatusQueued, job.Patch{})
	require.ErrorIs(t, err, job.ErrConflict)
	_, err = store.Transition(ctx, j.ID, job.StatusQueued, job.StatusCompleted, job.Patch{})
	require.ErrorIs(t, err, job.ErrInvalidTransition)
	_, err = store.Transition(ctx, "missing", job.StatusQueued, job.StatusProcessing, job.Patch{})
	require.ErrorIs(t, err, job.ErrNotFound)

	claimed, err := store.Transition(ctx, j.ID, job.StatusQueued, job.StatusProcessing, job.Patch{})
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, claimed.Status)

	started := clk.Now().Add(time.Second)
	attempts := 1
	running, err := store.Transition(ctx, j.ID, job.StatusProcessing, job.StatusProcessing, job.Patch{
		Attempts:  &attempts,
		StartedAt: &started,
	})
	require.NoError(t, err)
	require.Equal(t, 1, running.Attempts)
	require.True(t, running.StartedAt.Equal(started))

	retryAt := started.Add(5 * time.Second)
	requeued, err := store.Transition(ctx, j.ID, job.StatusProcessing, job.StatusQueued, job.Patch{NotBefore: &retryAt})
	require.NoError(t, err)
	require.Equal(t, job.StatusQueued, requeued.Status)
	require.True(t, requeued.NotBefore.Equal(retryAt))

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Attempts)
	require.True(t, got.NotBefore.Equal(retryAt))
	require.True(t, got.StartedAt.Equal(started))
}

func testTerminalImmutable(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clk := fake.New(Start)
	store := newStore(t, clk)

	j, err := store.Create(ctx, job.Request{Target: "https://example.com"})
	require.NoError(t, err)
	_, err = store.Transition(ctx, j.ID, job.StatusQueued, job.StatusProcessing, job.Patch{})
	require.NoError(t, err)

	done := clk.Now()
	result := job.Result{URL: j.Target, StatusCode: 200, Text: "hello", Metadata: job.Metadata{Title: "Hi"}}
	completed, err := store.Transition(ctx, j.ID, job.StatusProcessing, job.StatusCompleted, job.Patch{
		CompletedAt: &done,
		Result:      &result,
	})
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, completed.Status)

	failure := job.Failure{Kind: job.KindInput, Code: "late"}
	for _, to := range []job.Status{job.StatusFailed, job.StatusCompleted, job.StatusQueued} {
		_, err = store.Transition(ctx, j.ID, job.StatusProcessing, to, job.Patch{Failure: &failure})
		require.ErrorIs(t, err, job.ErrConflict)
	}

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Nil(t, got.Failure)
	require.NotNil(t, got.Result)
	require.Equal(t, result, *got.Result)
}

func testConcurrentClaim(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clk := fake.New(Start)
	store := newStore(t, clk)

	j, err := store.Create(ctx, job.Request{Target: "https://example.com"})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		winners   atomic.Int32
		conflicts atomic.Int32
	)
	for range 16 {
		wg.Go(func() {
			_, err := store.Transition(ctx, j.ID, job.StatusQueued, job.StatusProcessing, job.Patch{})
			switch {
			case err == nil:
				winners.Add(1)
			case job.KindOf(err) == job.KindConflict:
				conflicts.Add(1)
			}
		})
	}
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
	require.Equal(t, int32(15), conflicts.Load())
}

func testRecordNotification(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clk := fake.New(Start)
	store := newStore(t, clk)

	j, err := store.Create(ctx, job.Request{Target: "https://example.com", CallbackURL: "https://hook.test"})
	require.NoError(t, err)
	_, err = store.Transition(ctx, j.ID, job.StatusQueued, job.StatusProcessing, job.Patch{})
	require.NoError(t, err)
	done := clk.Now()
	failure := job.Failure{Kind: job.KindInput, Code: "http_404", Message: "not found"}
	_, err = store.Transition(ctx, j.ID, job.StatusProcessing, job.StatusFailed, job.Patch{
		CompletedAt: &done,
		Failure:     &failure,
	})
	require.NoError(t, err)

	at := clk.Now()
	err = store.RecordNotification(ctx, j.ID, job.Notification{
		State:     job.NotificationFailed,
		Attempts:  3,
		Error:     "connection refused",
		UpdatedAt: &at,
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, got.Status)
	require.Equal(t, job.NotificationFailed, got.Notification.State)
	require.Equal(t, 3, got.Notification.Attempts)
	require.Equal(t, "connection refused", got.Notification.Error)
	require.Equal(t, failure, *got.Failure)

	require.ErrorIs(t, store.RecordNotification(ctx, "missing", job.Notification{}), job.ErrNotFound)
}

func testPurge(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clk := fake.New(Start)
	store := newStore(t, clk)
	ttl := time.Hour

	finish := func(id string, to job.Status) {
		t.Helper()
		_, err := store.Transition(ctx, id, job.StatusQueued, job.StatusProcessing, job.Patch{})
		require.NoError(t, err)
		now := clk.Now()
		patch := job.Patch{CompletedAt: &now}
		if to == job.StatusFailed {
			patch.Failure = &job.Failure{Kind: job.KindTransient, Code: "timeout"}
		} else {
			patch.Result = &job.Result{StatusCode: 200}
		}
		_, err = store.Transition(ctx, id, job.StatusProcessing, to, patch)
		require.NoError(t, err)
	}

	oldQueued, err := store.Create(ctx, job.Request{Target: "https://a.test"})
	require.NoError(t, err)
	oldProcessing, err := store.Create(ctx, job.Request{Target: "https://b.test"})
	require.NoError(t, err)
	_, err = store.Transition(ctx, oldProcessing.ID, job.StatusQueued, job.StatusProcessing, job.Patch{})
	require.NoError(t, err)
	oldCompleted, err := store.Create(ctx, job.Request{Target: "https://c.test"})
	require.NoError(t, err)
	finish(oldCompleted.ID, job.StatusCompleted)
	oldFailed, err := store.Create(ctx, job.Request{Target: "https://d.test"})
	require.NoError(t, err)
	finish(oldFailed.ID, job.StatusFailed)

	clk.Advance(2 * time.Hour)
	young, err := store.Create(ctx, job.Request{Target: "https://e.test"})
	require.NoError(t, err)
	finish(young.ID, job.StatusCompleted)
	clk.Advance(time.Minute)

	purged, err := store.PurgeOlderThan(ctx, ttl)
	require.NoError(t, err)
	require.Equal(t, int64(2), purged)

	for _, id := range []string{oldCompleted.ID, oldFailed.ID} {
		_, err := store.Get(ctx, id)
		require.ErrorIs(t, err, job.ErrNotFound)
	}
	for _, id := range []string{oldQueued.ID, oldProcessing.ID, young.ID} {
		_, err := store.Get(ctx, id)
		require.NoError(t, err)
	}
}
