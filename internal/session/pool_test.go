package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBrowser struct {
	id     int
	closed atomic.Bool
}

func (b *fakeBrowser) Navigate(context.Context, Navigation) (Page, error) { return Page{}, nil }
func (b *fakeBrowser) Proxy() string                                      { return "" }
func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	opened   []*fakeBrowser
	failNext error
}

func (f *fakeBackend) Open(context.Context) (Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	b := &fakeBrowser{id: len(f.opened) + 1}
	f.opened = append(f.opened, b)
	return b, nil
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func newTestPool(capacity, recycle int) (*Pool, *fakeBackend) {
	backend := &fakeBackend{}
	return NewPool(backend, Config{Capacity: capacity, RecycleAfter: recycle}, zap.NewNop()), backend
}

func TestAcquireOpensLazilyAndReuses(t *testing.T) {
	t.Parallel()

	pool, backend := newTestPool(2, 10)
	require.Equal(t, 0, backend.count())

	h, err := pool.Acquire(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, backend.count())
	pool.Release(h, OutcomeOK)

	again, err := pool.Acquire(context.Background(), "")
	require.NoError(t, err)
	require.Same(t, h, again)
	require.Equal(t, 1, backend.count())
	require.Equal(t, Stats{Capacity: 2, Live: 1, Leased: 1, Idle: 0}, pool.Stats())
}

func TestAcquirePrefersAffinityHandle(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(3, 10)
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "acct-a")
	require.NoError(t, err)
	b, err := pool.Acquire(ctx, "acct-b")
	require.NoError(t, err)
	pool.Release(a, OutcomeOK)
	pool.Release(b, OutcomeOK)

	got, err := pool.Acquire(ctx, "acct-b")
	require.NoError(t, err)
	require.Same(t, b, got)
	require.Equal(t, "acct-b", got.Affinity())
	pool.Release(got, OutcomeOK)

	got, err = pool.Acquire(ctx, "acct-a")
	require.NoError(t, err)
	require.Same(t, a, got)
}

func TestBusyAffinityDoesNotWait(t *testing.T) {
	t.Parallel()

	pool, backend := newTestPool(2, 10)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "acct")
	require.NoError(t, err)

	second, err := pool.Acquire(ctx, "acct")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, "acct", second.Affinity())
	require.Equal(t, 2, backend.count())
}

func TestNewSessionPreferredOverStealingBoundHandle(t *testing.T) {
	t.Parallel()

	pool, backend := newTestPool(2, 10)
	ctx := context.Background()

	a, err := pool.Acquire(ctx, "acct-a")
	require.NoError(t, err)
	pool.Release(a, OutcomeOK)

	b, err := pool.Acquire(ctx, "acct-b")
	require.NoError(t, err)
	require.NotSame(t, a, b)
	require.Equal(t, 2, backend.count())
	pool.Release(b, OutcomeOK)

	// At capacity, the idle handle bound elsewhere is rebound.
	c, err := pool.Acquire(ctx, "acct-c")
	require.NoError(t, err)
	require.Equal(t, "acct-c", c.Affinity())
	require.Equal(t, 2, backend.count())
}

func TestAcquireWithoutAffinityKeepsBinding(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(1, 10)
	ctx := context.Background()
	h, err := pool.Acquire(ctx, "acct")
	require.NoError(t, err)
	pool.Release(h, OutcomeOK)

	anon, err := pool.Acquire(ctx, "")
	require.NoError(t, err)
	require.Same(t, h, anon)
	require.Equal(t, "acct", anon.Affinity())
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(1, 10)
	h, err := pool.Acquire(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *Handle, 1)
	go func() {
		next, err := pool.Acquire(context.Background(), "")
		if err == nil {
			got <- next
		}
	}()
	time.Sleep(10 * time.Millisecond)
	pool.Release(h, OutcomeOK)
	select {
	case next := <-got:
		require.Same(t, h, next)
	case <-time.After(time.Second):
		t.Fatal("blocked acquire was not woken by release")
	}
}

func TestRecycleAtCeiling(t *testing.T) {
	t.Parallel()

	pool, backend := newTestPool(1, 2)
	ctx := context.Background()

	h, err := pool.Acquire(ctx, "")
	require.NoError(t, err)
	pool.Release(h, OutcomeFailed)
	h2, err := pool.Acquire(ctx, "")
	require.NoError(t, err)
	require.Same(t, h, h2)
	pool.Release(h2, OutcomeOK)

	require.True(t, backend.opened[0].closed.Load())
	require.Equal(t, Stats{Capacity: 1, Live: 0, Leased: 0, Idle: 0}, pool.Stats())

	fresh, err := pool.Acquire(ctx, "")
	require.NoError(t, err)
	require.NotSame(t, h, fresh)
	require.Equal(t, 0, fresh.Uses())
	require.Equal(t, 2, backend.count())
}

func TestBrokenOutcomeRetiresImmediately(t *testing.T) {
	t.Parallel()

	pool, backend := newTestPool(1, 50)
	h, err := pool.Acquire(context.Background(), "acct")
	require.NoError(t, err)
	pool.Release(h, OutcomeBroken)

	require.True(t, backend.opened[0].closed.Load())
	next, err := pool.Acquire(context.Background(), "acct")
	require.NoError(t, err)
	require.NotSame(t, h, next)
}

func TestOpenFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	pool, backend := newTestPool(1, 10)
	backend.failNext = errors.New("chrome not found")

	_, err := pool.Acquire(context.Background(), "")
	require.ErrorIs(t, err, ErrSessionUnavailable)
	require.ErrorContains(t, err, "chrome not found")
	require.False(t, pool.Healthy())
	require.Equal(t, 0, pool.Stats().Live)

	h, err := pool.Acquire(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, h)
	require.True(t, pool.Healthy())
}

func TestDoubleReleaseIgnored(t *testing.T) {
	t.Parallel()

	pool, _ := newTestPool(2, 10)
	h, err := pool.Acquire(context.Background(), "")
	require.NoError(t, err)
	pool.Release(h, OutcomeOK)
	pool.Release(h, OutcomeOK)
	require.Equal(t, Stats{Capacity: 2, Live: 1, Leased: 0, Idle: 1}, pool.Stats())
}

func TestCloseRetiresIdleAndRejects(t *testing.T) {
	t.Parallel()

	pool, backend := newTestPool(2, 10)
	ctx := context.Background()
	idle, err := pool.Acquire(ctx, "")
	require.NoError(t, err)
	busy, err := pool.Acquire(ctx, "")
	require.NoError(t, err)
	pool.Release(idle, OutcomeOK)

	pool.Close()
	require.True(t, backend.opened[0].closed.Load())
	_, err = pool.Acquire(ctx, "")
	require.ErrorIs(t, err, ErrPoolClosed)

	pool.Release(busy, OutcomeOK)
	require.True(t, backend.opened[1].closed.Load())
	require.Equal(t, 0, pool.Stats().Live)
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()

	const capacity = 3
	pool, _ := newTestPool(capacity, 4)

	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		wg       sync.WaitGroup
	)
	for i := range 40 {
		affinity := fmt.Sprintf("acct-%d", i%5)
		wg.Go(func() {
			h, err := pool.Acquire(context.Background(), affinity)
			if err != nil {
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			outcome := OutcomeOK
			if i%7 == 0 {
				outcome = OutcomeBroken
			}
			pool.Release(h, outcome)
		})
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(capacity))
	stats := pool.Stats()
	require.Equal(t, 0, stats.Leased)
	require.LessOrEqual(t, stats.Live, capacity)
}
