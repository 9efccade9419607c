package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ghostfetch/internal/dispatcher"
	"github.com/JakeFAU/ghostfetch/internal/events"
	"github.com/JakeFAU/ghostfetch/internal/job"
	"github.com/JakeFAU/ghostfetch/internal/policy/ratelimit"
)

type fakeService struct {
	mu       sync.Mutex
	jobs     map[string]job.Job
	requests []job.Request
	timeouts []time.Duration
	waitErr  error
	health   dispatcher.Health
	panicOn  string
}

func newFakeService() *fakeService {
	return &fakeService{
		jobs:   make(map[string]job.Job),
		health: dispatcher.Health{Status: "ok", BrowserReachable: true, MaxConcurrency: 2},
	}
}

func (f *fakeService) Submit(_ context.Context, req job.Request) (job.Job, error) {
	if _, err := job.ParseTarget(req.Target); err != nil {
		return job.Job{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Target == f.panicOn {
		panic("boom")
	}
	f.requests = append(f.requests, req)
	j := job.New("job-"+string(rune('a'+len(f.requests)-1)), req, time.Unix(100, 0).UTC())
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeService) SubmitAndWait(ctx context.Context, req job.Request, timeout time.Duration) (job.Job, error) {
	j, err := f.Submit(ctx, req)
	if err != nil {
		return job.Job{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, timeout)
	if f.waitErr != nil {
		return j, f.waitErr
	}
	j.Status = job.StatusCompleted
	j.Result = &job.Result{URL: j.Target, StatusCode: 200, Text: "hello"}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeService) Get(_ context.Context, id string) (job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	return j, nil
}

func (f *fakeService) Health(context.Context) (dispatcher.Health, error) {
	return f.health, nil
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_SubmitAccepted(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := NewServer(svc, Config{}, zap.NewNop()).Handler()

	rec := do(t, h, http.MethodPost, "/fetch",
		`{"url":"https://example.com/a","callback_url":"https://hooks.example.com","context_id":"acct-1","integration_ref":"ref-9"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "job-a", body["job_id"])
	require.Equal(t, "https://example.com/a", body["url"])
	require.Equal(t, "queued", body["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Len(t, svc.requests, 1)
	require.Equal(t, job.Request{
		Target:         "https://example.com/a",
		CallbackURL:    "https://hooks.example.com",
		Affinity:       "acct-1",
		IntegrationRef: "ref-9",
	}, svc.requests[0])
}

func TestServer_SubmitRejectsBadInput(t *testing.T) {
	t.Parallel()

	h := NewServer(newFakeService(), Config{}, zap.NewNop()).Handler()
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: `{invalid`, want: "invalid JSON"},
		{name: "missing url", body: `{}`, want: "url is required"},
		{name: "bad scheme", body: `{"url":"ftp://example.com"}`, want: "url must be an http or https URL"},
		{name: "bad callback", body: `{"url":"https://example.com","callback_url":"not a url"}`, want: "callback_url must be a valid URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(t, h, http.MethodPost, "/fetch", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, tt.want, decodeBody(t, rec)["error"])
		})
	}
}

func TestServer_GetJob(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := NewServer(svc, Config{}, zap.NewNop()).Handler()
	do(t, h, http.MethodPost, "/fetch", `{"url":"https://example.com"}`)

	rec := do(t, h, http.MethodGet, "/job/job-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "job-a", body["job_id"])
	require.Equal(t, "queued", body["status"])

	rec = do(t, h, http.MethodGet, "/job/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "job not found", decodeBody(t, rec)["error"])
}

func TestServer_SubmitSync(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := NewServer(svc, Config{}, zap.NewNop()).Handler()

	rec := do(t, h, http.MethodPost, "/fetch/sync", `{"url":"https://example.com","timeout":2.5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "completed", body["status"])
	require.Equal(t, "hello", body["result"].(map[string]any)["text"])

	rec = do(t, h, http.MethodPost, "/fetch/sync", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []time.Duration{2500 * time.Millisecond, 0}, svc.timeouts)

	rec = do(t, h, http.MethodPost, "/fetch/sync", `{"url":"https://example.com","timeout":-1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SubmitSyncTimeout(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.waitErr = dispatcher.ErrWaitTimeout
	h := NewServer(svc, Config{}, zap.NewNop()).Handler()

	rec := do(t, h, http.MethodPost, "/fetch/sync", `{"url":"https://example.com","timeout":1}`)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "timeout", body["error"])
	require.Equal(t, "job-a", body["job_id"])
}

func TestServer_InternalErrorsAreHidden(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.waitErr = errors.New("database password is hunter2")
	h := NewServer(svc, Config{}, zap.NewNop()).Handler()

	rec := do(t, h, http.MethodPost, "/fetch/sync", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "hunter2")
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.health = dispatcher.Health{Status: "degraded", QueuedJobs: 4, ActiveSessions: 1, MaxConcurrency: 2}
	h := NewServer(svc, Config{APIKey: "secret"}, zap.NewNop()).Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, false, body["browser_reachable"])
	require.EqualValues(t, 4, body["queued_jobs"])
	require.EqualValues(t, 1, body["active_sessions"])
	require.EqualValues(t, 2, body["max_concurrency"])
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	h := NewServer(newFakeService(), Config{APIKey: "secret"}, zap.NewNop()).Handler()

	rec := do(t, h, http.MethodPost, "/fetch", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, h, http.MethodPost, "/fetch", `{"url":"https://example.com"}`, "X-API-Key", "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, h, http.MethodPost, "/fetch", `{"url":"https://example.com"}`, "X-API-Key", "secret")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
}

func TestServer_IntakeThrottle(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{RPS: 0.001, Burst: 2})
	h := NewServer(newFakeService(), Config{Intake: limiter}, zap.NewNop()).Handler()

	body := `{"url":"https://example.com"}`
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/fetch", body).Code)
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/fetch", body).Code)
	rec := do(t, h, http.MethodPost, "/fetch", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	// a different key is a different client
	require.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/fetch", body, "X-API-Key", "other").Code)
	// reads are not throttled
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/job/x", "").Code)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.panicOn = "https://panic.example.com"
	h := NewServer(svc, Config{}, zap.NewNop()).Handler()

	rec := do(t, h, http.MethodPost, "/fetch", `{"url":"https://panic.example.com"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	h := NewServer(newFakeService(), Config{}, zap.NewNop()).Handler()
	rec := do(t, h, http.MethodGet, "/health", "", "X-Request-ID", "req-123")
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestServer_EventStream(t *testing.T) {
	t.Parallel()

	broker := events.NewBroker(8, nil)
	srv := httptest.NewServer(NewServer(newFakeService(), Config{Events: broker, Heartbeat: time.Hour}, zap.NewNop()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?job_id=job-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return broker.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	broker.Publish(events.NewEvent(job.Job{ID: "job-2", Status: job.StatusQueued}))
	broker.Publish(events.NewEvent(job.Job{ID: "job-1", Status: job.StatusCompleted}))

	reader := bufio.NewReader(resp.Body)
	var frame bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			break
		}
		frame.WriteString(line)
	}
	require.Contains(t, frame.String(), "id: job-1\n")
	require.Contains(t, frame.String(), "event: job\n")
	require.Contains(t, frame.String(), `"status":"completed"`)
}

func TestServer_EventStreamDisabled(t *testing.T) {
	t.Parallel()

	h := NewServer(newFakeService(), Config{}, zap.NewNop()).Handler()
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/events", "").Code)
}

func TestSpanNamesHideJobIDs(t *testing.T) {
	t.Parallel()

	get := httptest.NewRequest(http.MethodGet, "/job/0190a1b2-aaaa", nil)
	require.Equal(t, "GET /job/{job_id}", spanName("", get))
	require.True(t, traced(get))

	post := httptest.NewRequest(http.MethodPost, "/fetch", nil)
	require.Equal(t, "POST /fetch", spanName("", post))

	require.False(t, traced(httptest.NewRequest(http.MethodGet, "/health", nil)))
	require.False(t, traced(httptest.NewRequest(http.MethodGet, "/metrics", nil)))
}
