package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	failureThreshold = 3
	latencySamples   = 10
)

// Manager hands out proxies and retires ones that keep failing.
type Manager struct {
	proxies  []string
	strategy Strategy
	logger   *zap.Logger

	mu       sync.Mutex
	bad      map[string]bool
	failures map[string]int
	latency  map[string][]time.Duration
}

// NewManager keeps only valid http(s) proxies from list.
func NewManager(list []string, strategy Strategy, logger *zap.Logger) *Manager {
	if strategy == nil {
		strategy = &RoundRobin{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	valid := make([]string, 0, len(list))
	for _, p := range list {
		if Valid(p) {
			valid = append(valid, p)
		}
	}
	if dropped := len(list) - len(valid); dropped > 0 {
		logger.Warn("invalid proxies removed", zap.Int("count", dropped))
	}
	return &Manager{
		proxies:  valid,
		strategy: strategy,
		logger:   logger,
		bad:      make(map[string]bool),
		failures: make(map[string]int),
		latency:  make(map[string][]time.Duration),
	}
}

// Valid reports whether raw is an http or https proxy URL with a host.
func Valid(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Len returns the number of configured proxies.
func (m *Manager) Len() int {
	return len(m.proxies)
}

// Next returns the proxy to use for a new session, or "" when none are configured.
// When every proxy is marked bad the pool is reset.
func (m *Manager) Next() string {
	if len(m.proxies) == 0 {
		return ""
	}
	m.mu.Lock()
	available := make([]string, 0, len(m.proxies))
	for _, p := range m.proxies {
		if !m.bad[p] {
			available = append(available, p)
		}
	}
	if len(available) == 0 {
		m.logger.Warn("all proxies marked bad, resetting pool", zap.Int("count", len(m.proxies)))
		m.bad = make(map[string]bool)
		available = append(available, m.proxies...)
	}
	m.mu.Unlock()
	return m.strategy.Pick(available)
}

// MarkFailure counts a failure against p and marks it bad at the threshold.
func (m *Manager) MarkFailure(p string) {
	if p == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[p]++
	if m.failures[p] >= failureThreshold && !m.bad[p] {
		m.bad[p] = true
		m.logger.Error("proxy marked bad", zap.String("proxy", Redact(p)), zap.Int("failures", m.failures[p]))
	}
}

// MarkSuccess clears failures for p and records the request latency.
func (m *Manager) MarkSuccess(p string, latency time.Duration) {
	if p == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, p)
	delete(m.bad, p)
	samples := append(m.latency[p], latency)
	if len(samples) > latencySamples {
		samples = samples[len(samples)-latencySamples:]
	}
	m.latency[p] = samples
}

// Bad reports whether p is currently excluded.
func (m *Manager) Bad(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bad[p]
}

// AverageLatency returns the mean of the recent samples for p.
func (m *Manager) AverageLatency(p string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	samples := m.latency[p]
	if len(samples) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples)), true
}

// Redact strips credentials from a proxy URL for logging.
func Redact(p string) string {
	u, err := url.Parse(p)
	if err != nil || u.User == nil {
		return p
	}
	u.User = nil
	return u.String()
}

// LoadFile reads one proxy per line. Blank lines and # comments are skipped.
// A missing file yields an empty list.
func LoadFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open proxies file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return parseList(f)
}

func parseList(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxies file: %w", err)
	}
	return out, nil
}
