// Package fetcher turns a leased browser session into a job result: it
// navigates, classifies the HTTP outcome, updates proxy health, extracts
// content, and archives the raw document.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ghostfetch/internal/extract"
	sha "github.com/JakeFAU/ghostfetch/internal/hash/sha256"
	"github.com/JakeFAU/ghostfetch/internal/job"
	"github.com/JakeFAU/ghostfetch/internal/metrics"
	"github.com/JakeFAU/ghostfetch/internal/session"
)

// ProxyHealth receives per-request proxy outcomes.
type ProxyHealth interface {
	MarkFailure(proxy string)
	MarkSuccess(proxy string, latency time.Duration)
}

// Hasher fingerprints raw documents.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Config wires the worker's optional collaborators.
type Config struct {
	// Proxies may be nil when no proxies are configured.
	Proxies ProxyHealth
	// Archive may be nil to skip storing raw HTML.
	Archive job.BlobStore
	Hasher  Hasher
	Headers http.Header
	Logger  *zap.Logger
}

// Worker implements dispatcher.FetchWorker.
type Worker struct {
	proxies ProxyHealth
	archive job.BlobStore
	hasher  Hasher
	headers http.Header
	logger  *zap.Logger
}

// New builds a worker.
func New(cfg Config) *Worker {
	if cfg.Hasher == nil {
		cfg.Hasher = sha.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Worker{
		proxies: cfg.Proxies,
		archive: cfg.Archive,
		hasher:  cfg.Hasher,
		headers: cfg.Headers,
		logger:  cfg.Logger,
	}
}

// Fetch loads target through the handle's browser and builds the result.
func (w *Worker) Fetch(ctx context.Context, h *session.Handle, target string) (job.Result, error) {
	browser := h.Browser()
	proxyURL := browser.Proxy()

	page, err := browser.Navigate(ctx, session.Navigation{URL: target, Headers: w.headers.Clone()})
	if err != nil {
		w.markFailure(proxyURL)
		return job.Result{}, classifyNavigation(err)
	}
	if err := classifyStatus(page.StatusCode); err != nil {
		w.markFailure(proxyURL)
		return job.Result{}, err
	}
	if len(bytes.TrimSpace(page.HTML)) == 0 {
		w.markFailure(proxyURL)
		return job.Result{}, job.NewTransientError("no_content", "page returned no content", nil)
	}
	if w.proxies != nil && proxyURL != "" {
		w.proxies.MarkSuccess(proxyURL, page.Duration)
	}

	doc, err := extract.Parse(page.HTML)
	if err != nil {
		return job.Result{}, job.NewTransientError("parse_error", "could not parse document", err)
	}
	hash, err := w.hasher.Hash(page.HTML)
	if err != nil {
		return job.Result{}, fmt.Errorf("hash document: %w", err)
	}

	result := job.Result{
		URL:         target,
		FinalURL:    page.FinalURL,
		StatusCode:  page.StatusCode,
		Metadata:    doc.Metadata,
		Text:        doc.Text,
		ContentHash: hash,
		Proxy:       proxyURL,
		DurationMs:  page.Duration.Milliseconds(),
	}
	if w.archive != nil {
		host, _ := job.ParseTarget(target)
		uri, err := w.archive.PutObject(ctx, fmt.Sprintf("pages/%s/%s.html", host, hash), "text/html; charset=utf-8", page.HTML)
		if err != nil {
			// Archiving is best effort.
			w.logger.Warn("archive raw html failed", zap.String("url", target), zap.Error(err))
		} else {
			result.ArchiveURI = uri
		}
	}
	return result, nil
}

func (w *Worker) markFailure(proxyURL string) {
	if w.proxies == nil || proxyURL == "" {
		return
	}
	w.proxies.MarkFailure(proxyURL)
	metrics.ObserveProxyFailure(proxyURL)
}

func classifyNavigation(err error) error {
	switch {
	case errors.Is(err, session.ErrBrowserGone):
		return job.NewTransientError("browser_gone", "browser session crashed", err)
	case errors.Is(err, context.DeadlineExceeded):
		return job.NewTransientError("timeout", "navigation timed out", err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("navigation canceled: %w", err)
	default:
		return job.NewTransientError("navigation_failed", "navigation failed", err)
	}
}

// classifyStatus maps HTTP error statuses to job errors. Rejections that a
// retry cannot change are input errors.
func classifyStatus(code int) error {
	if code < http.StatusBadRequest {
		return nil
	}
	jobCode := fmt.Sprintf("http_%d", code)
	message := fmt.Sprintf("destination returned %d %s", code, http.StatusText(code))
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return job.NewTransientError(jobCode, message, nil)
	default:
		return job.NewInputError(jobCode, message)
	}
}
