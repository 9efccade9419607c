package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Router picks a notifier by the callback address scheme.
type Router struct {
	routes map[string]Notifier
}

// NewRouter routes http and https to webhook. webhook may be nil.
func NewRouter(webhook Notifier) *Router {
	r := &Router{routes: make(map[string]Notifier)}
	if webhook != nil {
		r.Handle("http", webhook)
		r.Handle("https", webhook)
	}
	return r
}

// Handle registers n for scheme.
func (r *Router) Handle(scheme string, n Notifier) {
	r.routes[strings.ToLower(scheme)] = n
}

// Notify dispatches to the notifier registered for address's scheme.
func (r *Router) Notify(ctx context.Context, address string, p Payload) error {
	u, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("%w: parse callback: %w", ErrRejected, err)
	}
	n, ok := r.routes[strings.ToLower(u.Scheme)]
	if !ok {
		return fmt.Errorf("%w: no notifier for scheme %q", ErrRejected, u.Scheme)
	}
	return n.Notify(ctx, address, p)
}
