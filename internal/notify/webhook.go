package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook POSTs payloads as JSON. Any 2xx response is a success.
type Webhook struct {
	client    *http.Client
	userAgent string
}

// NewWebhook builds a webhook notifier. client may be nil.
func NewWebhook(client *http.Client, timeout time.Duration) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Webhook{client: client, userAgent: "ghostfetch-notifier/1"}
}

// Notify delivers p to address.
func (w *Webhook) Notify(ctx context.Context, address string, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("X-GhostFetch-Job", p.JobID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: callback returned %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
}
