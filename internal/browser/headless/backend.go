// Package headless opens browser sessions backed by a dedicated Chrome
// process per session, driven through chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/ghostfetch/internal/proxy"
	"github.com/JakeFAU/ghostfetch/internal/session"
)

// Config controls how Chrome is launched and how pages are loaded.
type Config struct {
	Headless          bool
	UserAgent         string
	SettleDelay       time.Duration
	NavigationTimeout time.Duration
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
}

// ProxySource hands out the proxy for a new session.
type ProxySource interface {
	Next() string
}

// Backend implements session.Backend.
type Backend struct {
	cfg     Config
	proxies ProxySource
	logger  *zap.Logger
}

// New builds a chromedp backend. proxies may be nil.
func New(cfg Config, proxies ProxySource, logger *zap.Logger) *Backend {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 60 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{cfg: cfg, proxies: proxies, logger: logger}
}

// Open launches a fresh Chrome process with its own profile and proxy.
func (b *Backend) Open(ctx context.Context) (session.Browser, error) {
	proxyURL := ""
	if b.proxies != nil {
		proxyURL = b.proxies.Next()
	}

	// The browser outlives the request that opened it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions(proxyURL)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx)
	}()
	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	}

	b.logger.Debug("chrome session started", zap.String("proxy", proxy.Redact(proxyURL)))
	return &Browser{
		cfg:        b.cfg,
		proxy:      proxyURL,
		browserCtx: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}, nil
}

func (b *Backend) allocatorOptions(proxyURL string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
	)
	if b.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
	}
	if proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(proxyURL))
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	return opts
}

// Browser is one Chrome process. Each navigation runs in a new tab so the
// profile, and with it cookies and storage, carries across navigations.
type Browser struct {
	cfg        Config
	proxy      string
	browserCtx context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

// Proxy returns the proxy Chrome was launched with.
func (b *Browser) Proxy() string {
	return b.proxy
}

// Close terminates the Chrome process.
func (b *Browser) Close() error {
	b.closeOnce.Do(b.cancel)
	return nil
}

// Navigate loads nav in a new tab and captures the rendered document.
func (b *Browser) Navigate(ctx context.Context, nav session.Navigation) (session.Page, error) {
	if err := b.browserCtx.Err(); err != nil {
		return session.Page{}, fmt.Errorf("%w: %w", session.ErrBrowserGone, err)
	}

	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()
	tabCtx, cancel := context.WithTimeout(tabCtx, b.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	var html, finalURL string
	actions := []chromedp.Action{
		b.networkSetup(nav.Headers),
		chromedp.Navigate(nav.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return session.Page{}, b.classify(ctx, tabCtx, err)
	}

	status, headers, responseURL := meta.snapshot()
	if status == 0 {
		status = http.StatusOK
	}
	if finalURL == "" {
		finalURL = responseURL
	}
	return session.Page{
		URL:        nav.URL,
		FinalURL:   finalURL,
		StatusCode: status,
		Headers:    headers,
		HTML:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

func (b *Browser) classify(ctx, tabCtx context.Context, err error) error {
	switch {
	case b.browserCtx.Err() != nil:
		return fmt.Errorf("%w: %w", session.ErrBrowserGone, err)
	case ctx.Err() != nil:
		return fmt.Errorf("navigate: %w", ctx.Err())
	case errors.Is(tabCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("navigate: %w", context.DeadlineExceeded)
	default:
		return fmt.Errorf("navigate: %w", err)
	}
}

func (b *Browser) networkSetup(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// responseMeta records the main document response seen by a tab.
type responseMeta struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Redirect hops arrive first; the last document response wins.
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.url = resp.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.headers.Clone(), m.url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
