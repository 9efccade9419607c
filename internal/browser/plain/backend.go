// Package plain opens lightweight HTTP sessions on gocolly. Each session keeps
// its own cookie jar and proxy, so affinity still carries cookies between
// navigations, but no JavaScript runs.
package plain

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/ghostfetch/internal/session"
)

// Config controls collector behavior.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
}

// ProxySource hands out the proxy for a new session.
type ProxySource interface {
	Next() string
}

// Backend implements session.Backend.
type Backend struct {
	cfg     Config
	proxies ProxySource
}

// New builds a colly backend. proxies may be nil.
func New(cfg Config, proxies ProxySource) *Backend {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 60 * time.Second
	}
	return &Backend{cfg: cfg, proxies: proxies}
}

// Open creates a collector with a fresh cookie jar.
func (b *Backend) Open(_ context.Context) (session.Browser, error) {
	proxyURL := ""
	if b.proxies != nil {
		proxyURL = b.proxies.Next()
	}
	transport, err := newHTTPTransport(proxyURL)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	if b.cfg.UserAgent != "" {
		c.UserAgent = b.cfg.UserAgent
	}
	c.WithTransport(transport)
	c.SetCookieJar(jar)
	c.SetRequestTimeout(b.cfg.NavigationTimeout)

	return &Browser{base: c, transport: transport, proxy: proxyURL}, nil
}

// Browser is one collector session.
type Browser struct {
	base      *colly.Collector
	transport *http.Transport
	proxy     string

	mu     sync.Mutex
	closed bool
}

// Proxy returns the proxy the collector routes through.
func (b *Browser) Proxy() string {
	return b.proxy
}

// Close drops idle connections. Further navigations report the session gone.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.transport.CloseIdleConnections()
	return nil
}

// Navigate performs a GET with the session's cookies.
func (b *Browser) Navigate(ctx context.Context, nav session.Navigation) (session.Page, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return session.Page{}, fmt.Errorf("%w: collector closed", session.ErrBrowserGone)
	}

	// Clones share the cookie jar and transport of the base collector.
	collector := b.base.Clone()
	var (
		page     session.Page
		fetchErr error
	)
	start := time.Now()
	collector.OnRequest(func(r *colly.Request) {
		for key, values := range nav.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		page = toPage(nav.URL, r, start)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			page = toPage(nav.URL, r, start)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(nav.URL)
	}()
	select {
	case <-ctx.Done():
		return session.Page{}, fmt.Errorf("navigate: %w", ctx.Err())
	case err := <-done:
		if err != nil && page.StatusCode == 0 {
			return session.Page{}, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return session.Page{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return page, nil
	}
}

func toPage(requested string, r *colly.Response, start time.Time) session.Page {
	page := session.Page{
		URL:        requested,
		FinalURL:   r.Request.URL.String(),
		StatusCode: r.StatusCode,
		HTML:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
	if r.Headers != nil {
		page.Headers = r.Headers.Clone()
	}
	return page
}

func newHTTPTransport(proxyURL string) (*http.Transport, error) {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		t.Proxy = http.ProxyURL(u)
	}
	return t, nil
}
