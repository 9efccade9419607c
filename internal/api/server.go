package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/ghostfetch/internal/dispatcher"
	"github.com/JakeFAU/ghostfetch/internal/events"
	"github.com/JakeFAU/ghostfetch/internal/job"
	"github.com/JakeFAU/ghostfetch/internal/metrics"
	"github.com/JakeFAU/ghostfetch/internal/policy/ratelimit"
)

const maxBodyBytes = 1 << 20

// Service is the engine surface the handlers drive.
type Service interface {
	Submit(ctx context.Context, req job.Request) (job.Job, error)
	SubmitAndWait(ctx context.Context, req job.Request, timeout time.Duration) (job.Job, error)
	Get(ctx context.Context, id string) (job.Job, error)
	Health(ctx context.Context) (dispatcher.Health, error)
}

// Config controls authentication, throttling and timeouts.
type Config struct {
	// APIKey, when set, is required in the X-API-Key header except on
	// /health and /metrics.
	APIKey         string
	RequestTimeout time.Duration
	// Intake throttles job submission per client. Nil disables it.
	Intake *ratelimit.Limiter
	// Events backs GET /events. Nil disables the stream.
	Events    *events.Broker
	Heartbeat time.Duration
}

// Server wires HTTP handlers to the engine.
type Server struct {
	router    chi.Router
	svc       Service
	cfg       Config
	validator *requestValidator
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	s := &Server{
		svc:       svc,
		cfg:       cfg,
		validator: newRequestValidator(),
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(otelhttp.NewMiddleware("ghostfetch.api",
		otelhttp.WithFilter(traced),
		otelhttp.WithSpanNameFormatter(spanName),
	))
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.With(intakeMiddleware(cfg.Intake)).Post("/fetch", s.submit)
			r.Get("/job/{job_id}", s.getJob)
		})
		// Long lived; exempt from the request timeout.
		r.With(intakeMiddleware(cfg.Intake)).Post("/fetch/sync", s.submitSync)
		r.Get("/events", s.streamEvents)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type fetchRequest struct {
	URL            string `json:"url" validate:"required,http_url"`
	CallbackURL    string `json:"callback_url" validate:"omitempty,url"`
	ContextID      string `json:"context_id" validate:"omitempty,max=256"`
	IntegrationRef string `json:"integration_ref" validate:"omitempty,max=512"`
}

func (f fetchRequest) toJobRequest() job.Request {
	return job.Request{
		Target:         f.URL,
		CallbackURL:    f.CallbackURL,
		Affinity:       f.ContextID,
		IntegrationRef: f.IntegrationRef,
	}
}

type syncFetchRequest struct {
	fetchRequest
	// Timeout is in seconds.
	Timeout *float64 `json:"timeout" validate:"omitempty,gt=0"`
}

type acceptedResponse struct {
	JobID  string     `json:"job_id"`
	URL    string     `json:"url"`
	Status job.Status `json:"status"`
}

type timeoutResponse struct {
	Error string `json:"error"`
	JobID string `json:"job_id"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if !s.decode(w, r, &req) {
		return
	}
	j, err := s.svc.Submit(r.Context(), req.toJobRequest())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{JobID: j.ID, URL: j.Target, Status: j.Status})
}

func (s *Server) submitSync(w http.ResponseWriter, r *http.Request) {
	var req syncFetchRequest
	if !s.decode(w, r, &req) {
		return
	}
	var timeout time.Duration
	if req.Timeout != nil {
		timeout = time.Duration(*req.Timeout * float64(time.Second))
	}
	j, err := s.svc.SubmitAndWait(r.Context(), req.toJobRequest(), timeout)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, j)
	case errors.Is(err, dispatcher.ErrWaitTimeout):
		writeJSON(w, http.StatusGatewayTimeout, timeoutResponse{Error: "timeout", JobID: j.ID})
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		s.logger.Debug("sync client went away", zap.String("job_id", j.ID))
	default:
		s.writeServiceError(w, r, err)
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.svc.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.Health(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := s.validator.Validate(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeServiceError maps engine errors to status codes without leaking
// internal error text.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case job.KindOf(err) == job.KindInput:
		writeError(w, http.StatusBadRequest, job.FailureFrom(err).Message)
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
