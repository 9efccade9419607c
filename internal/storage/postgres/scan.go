package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/ghostfetch/internal/job"
)

func scanJob(row pgx.Row) (job.Job, error) {
	var (
		j           job.Job
		status      string
		result      []byte
		failureKind string
		failureCode string
		failureMsg  string
		notifyState string
		createdAt   time.Time
	)
	err := row.Scan(
		&j.ID,
		&j.Target,
		&status,
		&j.Affinity,
		&j.CallbackURL,
		&j.IntegrationRef,
		&j.Attempts,
		&result,
		&failureKind,
		&failureCode,
		&failureMsg,
		&j.NotBefore,
		&notifyState,
		&j.Notification.Attempts,
		&j.Notification.Error,
		&j.Notification.UpdatedAt,
		&createdAt,
		&j.StartedAt,
		&j.CompletedAt,
	)
	if err != nil {
		return job.Job{}, err
	}
	j.Status = job.Status(status)
	j.Notification.State = job.NotificationState(notifyState)
	j.CreatedAt = createdAt.UTC()
	if len(result) > 0 {
		var res job.Result
		if err := json.Unmarshal(result, &res); err != nil {
			return job.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		j.Result = &res
	}
	if failureKind != "" {
		j.Failure = &job.Failure{Kind: job.Kind(failureKind), Code: failureCode, Message: failureMsg}
	}
	return j, nil
}

func marshalResult(res *job.Result) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return raw, nil
}
