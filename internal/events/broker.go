// Package events fans out job state changes to in-process subscribers: the
// synchronous wait path and the server-sent event stream.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ghostfetch/internal/job"
)

const (
	defaultBufferSize = 16
	dropLogInterval   = 5 * time.Second
)

// Event is one observed job state.
type Event struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
	Job    job.Job    `json:"job"`
}

// NewEvent builds an event from the job's current state.
func NewEvent(j job.Job) Event {
	return Event{JobID: j.ID, Status: j.Status, Job: j}
}

type subscriber struct {
	jobID string
	ch    chan Event
}

// Broker is safe for concurrent use. Publish never blocks; a subscriber whose
// buffer is full misses the update.
type Broker struct {
	logger     *zap.Logger
	bufferSize int

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	dropped  atomic.Int64
	lastDrop atomic.Int64
}

// NewBroker builds a broker. bufferSize <= 0 uses the default.
func NewBroker(bufferSize int, logger *zap.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		logger:     logger,
		bufferSize: bufferSize,
		subs:       make(map[uint64]*subscriber),
	}
}

// Publish delivers evt to every subscriber of its job and to catch-all subscribers.
func (b *Broker) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.jobID != "" && s.jobID != evt.JobID {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			b.drop()
		}
	}
}

// Subscribe registers interest in jobID, or in all jobs when jobID is empty.
// The returned cancel func is idempotent and closes the channel.
func (b *Broker) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, b.bufferSize)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{jobID: jobID, ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

func (b *Broker) drop() {
	total := b.dropped.Add(1)
	now := time.Now().UnixNano()
	last := b.lastDrop.Load()
	if now-last < dropLogInterval.Nanoseconds() {
		return
	}
	if b.lastDrop.CompareAndSwap(last, now) {
		b.logger.Warn("job events dropped for slow subscriber", zap.Int64("dropped_total", total))
	}
}
