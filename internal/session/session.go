// Package session pools leased browser sessions. The pool bounds how many
// sessions exist at once, prefers reusing a session already bound to a
// caller's affinity key, and retires sessions once they reach a use ceiling
// or break.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrSessionUnavailable is returned when the backend cannot open a session.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrBrowserGone marks navigation errors caused by a dead browser.
	ErrBrowserGone = errors.New("browser session gone")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("session pool closed")
)

// Outcome tells the pool how the last use of a handle went.
type Outcome int

const (
	// OutcomeOK means the navigation succeeded.
	OutcomeOK Outcome = iota
	// OutcomeFailed means the navigation failed but the session is still usable.
	OutcomeFailed
	// OutcomeBroken means the session crashed or cannot be trusted again.
	OutcomeBroken
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	case OutcomeBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Navigation describes one page load.
type Navigation struct {
	URL     string
	Headers http.Header
}

// Page is what a browser observed while loading a navigation.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	HTML       []byte
	Duration   time.Duration
}

// Browser is one live session owned by a handle.
type Browser interface {
	Navigate(ctx context.Context, nav Navigation) (Page, error)
	// Proxy returns the proxy this session routes through, or "".
	Proxy() string
	Close() error
}

// Backend opens new browser sessions.
type Backend interface {
	Open(ctx context.Context) (Browser, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context) (Browser, error)

// Open calls f.
func (f BackendFunc) Open(ctx context.Context) (Browser, error) {
	return f(ctx)
}
