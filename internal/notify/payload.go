// Package notify delivers terminal job payloads to caller callbacks. Delivery
// runs on its own queue-fed goroutine so a slow or failing callback never
// holds up job admission.
package notify

import (
	"context"
	"errors"

	"github.com/JakeFAU/ghostfetch/internal/job"
)

// ErrRejected marks a delivery failure that retrying cannot fix.
var ErrRejected = errors.New("callback rejected notification")

// Payload is the body delivered to a callback.
type Payload struct {
	JobID          string       `json:"job_id"`
	URL            string       `json:"url"`
	Status         job.Status   `json:"status"`
	Result         *job.Result  `json:"result"`
	Error          *job.Failure `json:"error"`
	IntegrationRef string       `json:"integration_ref,omitempty"`
}

// NewPayload builds the callback body for a terminal job.
func NewPayload(j job.Job) Payload {
	return Payload{
		JobID:          j.ID,
		URL:            j.Target,
		Status:         j.Status,
		Result:         j.Result,
		Error:          j.Failure,
		IntegrationRef: j.IntegrationRef,
	}
}

// Notifier delivers one payload to an address.
type Notifier interface {
	Notify(ctx context.Context, address string, p Payload) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, address string, p Payload) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, address string, p Payload) error {
	return f(ctx, address, p)
}
