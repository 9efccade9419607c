package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/ghostfetch/internal/job"
)

// jobRow is the GORM model for the jobs table.
type jobRow struct {
	ID                    string     `gorm:"primaryKey;size:36"`
	Target                string     `gorm:"not null"`
	Status                string     `gorm:"size:16;not null;index:idx_jobs_status_created,priority:1;index:idx_jobs_status_completed,priority:1"`
	Affinity              string     `gorm:"size:255"`
	CallbackURL           string
	IntegrationRef        string     `gorm:"size:255"`
	Attempts              int        `gorm:"not null;default:0"`
	Result                []byte
	FailureKind           string     `gorm:"size:32"`
	FailureCode           string     `gorm:"size:64"`
	FailureMessage        string
	NotBefore             *time.Time
	NotificationState     string     `gorm:"size:16"`
	NotificationAttempts  int
	NotificationError     string
	NotificationUpdatedAt *time.Time
	CreatedAt             time.Time  `gorm:"not null;index:idx_jobs_status_created,priority:2"`
	StartedAt             *time.Time
	CompletedAt           *time.Time `gorm:"index:idx_jobs_status_completed,priority:2"`
}

func (jobRow) TableName() string {
	return "jobs"
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return job.TimePtr(t.UTC())
}

func fromJob(j job.Job) (jobRow, error) {
	row := jobRow{
		ID:                    j.ID,
		Target:                j.Target,
		Status:                string(j.Status),
		Affinity:              j.Affinity,
		CallbackURL:           j.CallbackURL,
		IntegrationRef:        j.IntegrationRef,
		Attempts:              j.Attempts,
		NotBefore:             utcPtr(j.NotBefore),
		NotificationState:     string(j.Notification.State),
		NotificationAttempts:  j.Notification.Attempts,
		NotificationError:     j.Notification.Error,
		NotificationUpdatedAt: utcPtr(j.Notification.UpdatedAt),
		CreatedAt:             j.CreatedAt.UTC(),
		StartedAt:             utcPtr(j.StartedAt),
		CompletedAt:           utcPtr(j.CompletedAt),
	}
	if j.Result != nil {
		raw, err := json.Marshal(j.Result)
		if err != nil {
			return jobRow{}, fmt.Errorf("marshal result: %w", err)
		}
		row.Result = raw
	}
	if j.Failure != nil {
		row.FailureKind = string(j.Failure.Kind)
		row.FailureCode = j.Failure.Code
		row.FailureMessage = j.Failure.Message
	}
	return row, nil
}

func (r jobRow) toJob() (job.Job, error) {
	j := job.Job{
		ID:             r.ID,
		Target:         r.Target,
		Status:         job.Status(r.Status),
		Affinity:       r.Affinity,
		CallbackURL:    r.CallbackURL,
		IntegrationRef: r.IntegrationRef,
		Attempts:       r.Attempts,
		NotBefore:      utcPtr(r.NotBefore),
		Notification: job.Notification{
			State:     job.NotificationState(r.NotificationState),
			Attempts:  r.NotificationAttempts,
			Error:     r.NotificationError,
			UpdatedAt: utcPtr(r.NotificationUpdatedAt),
		},
		CreatedAt:   r.CreatedAt.UTC(),
		StartedAt:   utcPtr(r.StartedAt),
		CompletedAt: utcPtr(r.CompletedAt),
	}
	if len(r.Result) > 0 {
		var res job.Result
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return job.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		j.Result = &res
	}
	if r.FailureKind != "" {
		j.Failure = &job.Failure{
			Kind:    job.Kind(r.FailureKind),
			Code:    r.FailureCode,
			Message: r.FailureMessage,
		}
	}
	return j, nil
}

// mutable lists every column a transition may rewrite, zero values included.
func (r jobRow) mutable() map[string]any {
	return map[string]any{
		"status":          r.Status,
		"attempts":        r.Attempts,
		"result":          r.Result,
		"failure_kind":    r.FailureKind,
		"failure_code":    r.FailureCode,
		"failure_message": r.FailureMessage,
		"not_before":      r.NotBefore,
		"started_at":      r.StartedAt,
		"completed_at":    r.CompletedAt,
	}
}
