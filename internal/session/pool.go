package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/ghostfetch/internal/metrics"
)

// Handle is an exclusive lease on one browser session.
type Handle struct {
	id       string
	browser  Browser
	uses     int
	affinity string
	leased   bool
}

// ID returns the handle identity.
func (h *Handle) ID() string { return h.id }

// Browser returns the session to drive while the handle is leased.
func (h *Handle) Browser() Browser { return h.browser }

// Uses returns how many leases completed since the session was created.
func (h *Handle) Uses() int { return h.uses }

// Affinity returns the affinity key the handle is bound to.
func (h *Handle) Affinity() string { return h.affinity }

// Config bounds the pool.
type Config struct {
	// Capacity is the maximum number of live sessions, and so the global concurrency ceiling.
	Capacity int
	// RecycleAfter retires a session once it has served this many leases.
	RecycleAfter int
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity int
	Live     int
	Leased   int
	Idle     int
}

// Pool leases browser sessions up to a fixed capacity.
type Pool struct {
	backend Backend
	cfg     Config
	logger  *zap.Logger

	mu      sync.Mutex
	idle    []*Handle
	live    int
	leased  int
	seq     int
	closed  bool
	openErr error
	changed chan struct{}
}

// NewPool builds a pool. Sessions are opened lazily on Acquire.
func NewPool(backend Backend, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		changed: make(chan struct{}),
	}
}

// Capacity returns the configured ceiling.
func (p *Pool) Capacity() int {
	return p.cfg.Capacity
}

// Acquire leases a handle, blocking while every slot is leased. A request
// never waits for its own bound handle: when that handle is busy it takes
// another idle one or a new one and rebinds it.
func (p *Pool) Acquire(ctx context.Context, affinity string) (*Handle, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if h := p.takeIdle(affinity, p.live < p.cfg.Capacity); h != nil {
			h.leased = true
			if affinity != "" {
				h.affinity = affinity
			}
			p.leased++
			p.publish()
			p.mu.Unlock()
			return h, nil
		}
		if p.live < p.cfg.Capacity {
			p.live++
			p.leased++
			p.seq++
			id := fmt.Sprintf("session-%d", p.seq)
			p.publish()
			p.mu.Unlock()
			return p.open(ctx, id, affinity)
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire session: %w", ctx.Err())
		}
	}
}

// takeIdle picks an idle handle: bound to affinity, then unbound, then (only
// when no new session may be opened) one bound elsewhere. Callers hold mu.
func (p *Pool) takeIdle(affinity string, canOpen bool) *Handle {
	pick := -1
	for i, h := range p.idle {
		if affinity != "" && h.affinity == affinity {
			pick = i
			break
		}
		if pick == -1 && h.affinity == "" {
			pick = i
		}
	}
	if pick == -1 && affinity == "" && len(p.idle) > 0 {
		pick = 0
	}
	if pick == -1 && !canOpen && len(p.idle) > 0 {
		pick = 0
	}
	if pick == -1 {
		return nil
	}
	h := p.idle[pick]
	p.idle = append(p.idle[:pick], p.idle[pick+1:]...)
	return h
}

func (p *Pool) open(ctx context.Context, id, affinity string) (*Handle, error) {
	browser, err := p.backend.Open(ctx)
	if err == nil && browser == nil {
		err = errors.New("backend returned no browser")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.openErr = err
	if err != nil {
		p.live--
		p.leased--
		p.broadcast()
		p.publish()
		p.logger.Warn("session open failed", zap.String("session_id", id), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSessionUnavailable, err)
	}
	p.logger.Debug("session opened", zap.String("session_id", id))
	return &Handle{id: id, browser: browser, affinity: affinity, leased: true}, nil
}

// Release returns h to the pool. The session is retired when it reaches the
// recycle ceiling or the outcome says it broke; a replacement is opened on a
// later Acquire.
func (p *Pool) Release(h *Handle, outcome Outcome) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if !h.leased {
		p.mu.Unlock()
		p.logger.Warn("release of idle session ignored", zap.String("session_id", h.id))
		return
	}
	h.leased = false
	h.uses++
	p.leased--

	reason := ""
	switch {
	case outcome == OutcomeBroken:
		reason = "broken"
	case p.cfg.RecycleAfter > 0 && h.uses >= p.cfg.RecycleAfter:
		reason = "ceiling"
	case p.closed:
		reason = "closed"
	}
	if reason == "" {
		p.idle = append(p.idle, h)
	} else {
		p.live--
	}
	p.broadcast()
	p.publish()
	p.mu.Unlock()

	if reason != "" {
		p.retire(h, reason)
	}
}

func (p *Pool) retire(h *Handle, reason string) {
	metrics.ObserveSessionRecycle(reason)
	p.logger.Info("session retired",
		zap.String("session_id", h.id),
		zap.Int("uses", h.uses),
		zap.String("reason", reason),
	)
	if err := h.browser.Close(); err != nil {
		p.logger.Warn("session close failed", zap.String("session_id", h.id), zap.Error(err))
	}
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: p.cfg.Capacity,
		Live:     p.live,
		Leased:   p.leased,
		Idle:     len(p.idle),
	}
}

// Healthy reports whether the most recent session open succeeded.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openErr == nil
}

// Close retires idle sessions and rejects new acquisitions. Leased handles
// are retired as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.broadcast()
	p.mu.Unlock()

	for _, h := range idle {
		p.retire(h, "closed")
	}
}

// broadcast wakes every blocked Acquire. Callers hold mu.
func (p *Pool) broadcast() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// publish exports the leased gauge. Callers hold mu.
func (p *Pool) publish() {
	metrics.SetSessionsLeased(p.leased)
}
