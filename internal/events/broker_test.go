package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ghostfetch/internal/job"
)

func event(id string, status job.Status) Event {
	return NewEvent(job.Job{ID: id, Status: status})
}

func TestSubscribeFiltersByJob(t *testing.T) {
	t.Parallel()

	b := NewBroker(4, nil)
	mine, cancelMine := b.Subscribe("a")
	defer cancelMine()
	all, cancelAll := b.Subscribe("")
	defer cancelAll()

	b.Publish(event("b", job.StatusProcessing))
	b.Publish(event("a", job.StatusCompleted))

	got := <-mine
	require.Equal(t, "a", got.JobID)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.Empty(t, mine)

	require.Equal(t, "b", (<-all).JobID)
	require.Equal(t, "a", (<-all).JobID)
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := NewBroker(1, nil)
	_, cancel := b.Subscribe("a")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range 10 {
			b.Publish(event("a", job.StatusProcessing))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	require.Equal(t, int64(9), b.Dropped())
}

func TestCancelClosesChannel(t *testing.T) {
	t.Parallel()

	b := NewBroker(0, nil)
	ch, cancel := b.Subscribe("a")
	require.Equal(t, 1, b.Subscribers())
	cancel()
	cancel()
	_, open := <-ch
	require.False(t, open)
	require.Zero(t, b.Subscribers())

	b.Publish(event("a", job.StatusCompleted))
}

func TestCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	b := NewBroker(0, nil)
	ch, cancel := b.Subscribe("")
	b.Close()
	_, open := <-ch
	require.False(t, open)
	cancel()

	late, _ := b.Subscribe("a")
	_, open = <-late
	require.False(t, open)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker(8, nil)
	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			ch, cancel := b.Subscribe("")
			defer cancel()
			for range 50 {
				b.Publish(event("x", job.StatusProcessing))
				select {
				case <-ch:
				default:
				}
			}
		})
	}
	wg.Wait()
	require.Zero(t, b.Subscribers())
}

func TestNilBrokerPublish(t *testing.T) {
	t.Parallel()

	var b *Broker
	b.Publish(event("a", job.StatusQueued))
}
