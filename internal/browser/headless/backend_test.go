package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ghostfetch/internal/session"
)

type staticProxies string

func (s staticProxies) Next() string { return string(s) }

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	b := New(Config{SettleDelay: -time.Second}, nil, nil)
	require.Equal(t, 60*time.Second, b.cfg.NavigationTimeout)
	require.Zero(t, b.cfg.SettleDelay)
}

func TestAllocatorOptionsIncludeProxyAndAgent(t *testing.T) {
	t.Parallel()

	b := New(Config{Headless: true, UserAgent: "ghost/1.0"}, staticProxies("http://proxy:8080"), nil)
	withProxy := b.allocatorOptions("http://proxy:8080")
	without := b.allocatorOptions("")
	require.Len(t, withProxy, len(without)+1)
	require.Greater(t, len(without), len(chromedp.DefaultExecAllocatorOptions))
}

func TestResponseMetaKeepsLastDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 301, URL: "https://example.com/old"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404, URL: "https://example.com/a.png"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  200,
			URL:     "https://example.com/new",
			Headers: network.Headers{"X-Request-ID": "abc", "Set-Cookie": []any{"a=1", "b=2"}},
		},
	})
	meta.captureEvent("unrelated event")

	status, headers, url := meta.snapshot()
	require.Equal(t, 200, status)
	require.Equal(t, "https://example.com/new", url)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{"X-One": {"a"}, "X-Many": {"a", "b"}, "X-None": {}})
	require.Equal(t, "a", got["X-One"])
	require.Equal(t, []string{"a", "b"}, got["X-Many"])
	require.NotContains(t, got, "X-None")
}

func TestNavigateOnClosedBrowserIsGone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &Browser{browserCtx: ctx, cancel: func() {}}
	require.NoError(t, b.Close())

	_, err := b.Navigate(context.Background(), session.Navigation{URL: "https://example.com"})
	require.True(t, errors.Is(err, session.ErrBrowserGone))
}
