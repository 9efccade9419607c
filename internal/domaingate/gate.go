// Package domaingate paces admissions per destination host so that any two
// admissions to the same host are at least a minimum spacing apart.
package domaingate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/ghostfetch/internal/job"
)

type hostState struct {
	last   time.Time
	booked bool
}

// Gate owns the pacing state of every host it has seen.
type Gate struct {
	spacing time.Duration
	clock   job.Clock

	mu    sync.Mutex
	hosts map[string]*hostState
}

// New creates a Gate enforcing spacing between admissions to one host.
func New(spacing time.Duration, clock job.Clock) *Gate {
	if spacing < 0 {
		spacing = 0
	}
	return &Gate{
		spacing: spacing,
		clock:   clock,
		hosts:   make(map[string]*hostState),
	}
}

// Spacing returns the configured minimum spacing.
func (g *Gate) Spacing() time.Duration {
	return g.spacing
}

// Hosts reports how many hosts have pacing state.
func (g *Gate) Hosts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.hosts)
}

// Reservation is a booked admission slot for one host.
type Reservation struct {
	gate    *Gate
	host    string
	slot    time.Time
	prev    time.Time
	hadPrev bool

	mu   sync.Mutex
	done bool
}

// Reserve books the earliest slot for host that keeps the spacing invariant.
// Slots for one host are handed out in call order.
func (g *Gate) Reserve(host string) *Reservation {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.hosts[host]
	if !ok {
		st = &hostState{}
		g.hosts[host] = st
	}
	slot := g.clock.Now()
	if st.booked {
		if next := st.last.Add(g.spacing); next.After(slot) {
			slot = next
		}
	}
	r := &Reservation{gate: g, host: host, slot: slot, prev: st.last, hadPrev: st.booked}
	st.last = slot
	st.booked = true
	return r
}

// Admit blocks until host may be contacted and returns the admission time.
func (g *Gate) Admit(ctx context.Context, host string) (time.Time, error) {
	return g.Reserve(host).Wait(ctx)
}

// Host returns the host the reservation was made for.
func (r *Reservation) Host() string {
	return r.host
}

// Slot returns the booked admission time.
func (r *Reservation) Slot() time.Time {
	return r.slot
}

// Delay returns how long the caller still has to wait.
func (r *Reservation) Delay() time.Duration {
	d := r.slot.Sub(r.gate.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// Wait blocks until the booked slot. If ctx ends first the slot is cancelled.
func (r *Reservation) Wait(ctx context.Context) (time.Time, error) {
	d := r.Delay()
	if d == 0 {
		return r.slot, nil
	}
	select {
	case <-r.gate.clock.After(d):
		return r.slot, nil
	case <-ctx.Done():
		r.Cancel()
		return time.Time{}, fmt.Errorf("domain gate %s: %w", r.host, ctx.Err())
	}
}

// Cancel gives the slot back when no later slot was booked after it.
func (r *Reservation) Cancel() {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()

	g := r.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.hosts[r.host]
	if st != nil && st.booked && st.last.Equal(r.slot) {
		st.last = r.prev
		st.booked = r.hadPrev
	}
}
