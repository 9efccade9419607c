package plain

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ghostfetch/internal/session"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		_, _ = w.Write([]byte("<html><body>welcome</body></html>"))
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("sid")
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("<html><body>who are you</body></html>"))
			return
		}
		_, _ = w.Write([]byte("<html><body>hello " + c.Value + " " + r.Header.Get("X-Trace") + "</body></html>"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("<html><body>gone</body></html>"))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		_, _ = w.Write([]byte("late"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCookiesPersistWithinSession(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	b, err := New(Config{NavigationTimeout: 5 * time.Second}, nil).Open(context.Background())
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	_, err = b.Navigate(ctx, session.Navigation{URL: srv.URL + "/login"})
	require.NoError(t, err)

	page, err := b.Navigate(ctx, session.Navigation{URL: srv.URL + "/account", Headers: http.Header{"X-Trace": {"t1"}}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, string(page.HTML), "hello abc t1")

	// Revisiting the same URL is allowed.
	_, err = b.Navigate(ctx, session.Navigation{URL: srv.URL + "/account"})
	require.NoError(t, err)
}

func TestSessionsDoNotShareCookies(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	backend := New(Config{}, nil)
	first, err := backend.Open(context.Background())
	require.NoError(t, err)
	second, err := backend.Open(context.Background())
	require.NoError(t, err)

	_, err = first.Navigate(context.Background(), session.Navigation{URL: srv.URL + "/login"})
	require.NoError(t, err)
	page, err := second.Navigate(context.Background(), session.Navigation{URL: srv.URL + "/account"})
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, page.StatusCode)
}

func TestErrorStatusReturnsPage(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	b, err := New(Config{}, nil).Open(context.Background())
	require.NoError(t, err)

	page, err := b.Navigate(context.Background(), session.Navigation{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, page.StatusCode)
	require.Contains(t, string(page.HTML), "gone")
}

func TestNavigateHonorsContext(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	b, err := New(Config{}, nil).Open(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Navigate(ctx, session.Navigation{URL: srv.URL + "/slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedSessionIsGone(t *testing.T) {
	t.Parallel()

	b, err := New(Config{}, staticProxy("http://127.0.0.1:1")).Open(context.Background())
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:1", b.Proxy())
	require.NoError(t, b.Close())

	_, err = b.Navigate(context.Background(), session.Navigation{URL: "http://example.com"})
	require.True(t, errors.Is(err, session.ErrBrowserGone))
}

type staticProxy string

func (s staticProxy) Next() string { return string(s) }
