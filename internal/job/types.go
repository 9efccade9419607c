package job

import (
	"time"
)

// Status enumerates the externally visible job states.
type Status string

const (
	// StatusQueued indicates the job is waiting for admission.
	StatusQueued Status = "queued"
	// StatusProcessing indicates a worker owns the job.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the fetch succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job ended without a result.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// NotificationState tracks callback delivery for a terminal job.
type NotificationState string

const (
	// NotificationNone means no callback was requested.
	NotificationNone NotificationState = "none"
	// NotificationPending means delivery has not finished yet.
	NotificationPending NotificationState = "pending"
	// NotificationDelivered means the callback acknowledged the payload.
	NotificationDelivered NotificationState = "delivered"
	// NotificationFailed means every delivery attempt was exhausted.
	NotificationFailed NotificationState = "failed"
)

// Notification is the durable delivery record attached to a job.
type Notification struct {
	State     NotificationState `json:"state"`
	Attempts  int               `json:"attempts"`
	Error     string            `json:"error,omitempty"`
	UpdatedAt *time.Time        `json:"updated_at,omitempty"`
}

// Request carries the caller supplied fields of a new job.
type Request struct {
	Target         string
	CallbackURL    string
	Affinity       string
	IntegrationRef string
}

// Metadata holds page level metadata pulled from the document head.
type Metadata struct {
	Title       string   `json:"title,omitempty"`
	Author      string   `json:"author,omitempty"`
	PublishDate string   `json:"publish_date,omitempty"`
	Description string   `json:"description,omitempty"`
	Images      []string `json:"images,omitempty"`
}

// Result is the payload a fetch worker returns for a completed job.
type Result struct {
	URL         string   `json:"url"`
	FinalURL    string   `json:"final_url,omitempty"`
	StatusCode  int      `json:"status_code"`
	Metadata    Metadata `json:"metadata"`
	Text        string   `json:"text"`
	ContentHash string   `json:"content_hash,omitempty"`
	ArchiveURI  string   `json:"archive_uri,omitempty"`
	Proxy       string   `json:"proxy,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
}

// Failure describes why a job ended in StatusFailed.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is the durable record of one fetch request.
type Job struct {
	ID             string       `json:"job_id"`
	Target         string       `json:"url"`
	Status         Status       `json:"status"`
	Affinity       string       `json:"context_id,omitempty"`
	CallbackURL    string       `json:"callback_url,omitempty"`
	IntegrationRef string       `json:"integration_ref,omitempty"`
	Attempts       int          `json:"attempts"`
	Result         *Result      `json:"result,omitempty"`
	Failure        *Failure     `json:"error,omitempty"`
	NotBefore      *time.Time   `json:"not_before,omitempty"`
	Notification   Notification `json:"notification"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// Host returns the lowercased destination host of the job target.
func (j Job) Host() string {
	host, err := ParseTarget(j.Target)
	if err != nil {
		return ""
	}
	return host
}

// Ready reports whether a queued job may be admitted at now.
func (j Job) Ready(now time.Time) bool {
	return j.Status == StatusQueued && (j.NotBefore == nil || !j.NotBefore.After(now))
}

// New builds a queued job from a request.
func New(id string, req Request, now time.Time) Job {
	state := NotificationNone
	if req.CallbackURL != "" {
		state = NotificationPending
	}
	return Job{
		ID:             id,
		Target:         req.Target,
		Status:         StatusQueued,
		Affinity:       req.Affinity,
		CallbackURL:    req.CallbackURL,
		IntegrationRef: req.IntegrationRef,
		Notification:   Notification{State: state},
		CreatedAt:      now,
	}
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	ts := t
	return &ts
}
