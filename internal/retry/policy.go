// Package retry decides whether a failed attempt is retried and how long the
// job waits before it is admitted again.
package retry

import (
	"time"

	"github.com/JakeFAU/ghostfetch/internal/job"
)

// Decision is the outcome of classifying an attempt error.
type Decision int

const (
	// Retryable errors requeue the job until the attempt ceiling is reached.
	Retryable Decision = iota
	// NonRetryable errors fail the job immediately.
	NonRetryable
)

func (d Decision) String() string {
	if d == NonRetryable {
		return "non_retryable"
	}
	return "retryable"
}

// Policy is an exponential backoff with a hard attempt ceiling.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Classify maps an attempt error to a decision. Input errors, which include
// explicit HTTP rejections from the destination, are never retried.
func (p Policy) Classify(err error) Decision {
	if err == nil {
		return NonRetryable
	}
	if job.KindOf(err) == job.KindInput {
		return NonRetryable
	}
	return Retryable
}

// Backoff returns min(Base*2^(attempt-1), Max). attempt is 1-based.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Base <= 0 {
		return 0
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
		if delay > (1<<62)/2 {
			break
		}
		delay *= 2
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// Exhausted reports whether no further attempt is allowed.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
