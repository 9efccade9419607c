// Package proxy rotates outbound proxies and tracks their health.
package proxy

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// Strategy picks one proxy from the currently healthy candidates.
type Strategy interface {
	Pick(candidates []string) string
}

// RoundRobin cycles through candidates in order.
type RoundRobin struct {
	mu    sync.Mutex
	index int
}

// Pick returns the next candidate.
func (r *RoundRobin) Pick(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := candidates[r.index%len(candidates)]
	r.index++
	return p
}

// Random picks a uniformly random candidate.
type Random struct{}

// Pick returns a random candidate.
func (Random) Pick(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.IntN(len(candidates))] // #nosec G404 -- proxy spreading, not security sensitive.
}

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobin{}, nil
	case "random":
		return Random{}, nil
	default:
		return nil, fmt.Errorf("unknown proxy strategy %q", name)
	}
}
