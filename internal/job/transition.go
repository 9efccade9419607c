package job

import (
	"time"
)

var edges = map[Status]map[Status]bool{
	StatusQueued: {StatusProcessing: true},
	StatusProcessing: {
		StatusProcessing: true,
		StatusQueued:     true,
		StatusCompleted:  true,
		StatusFailed:     true,
	},
}

// CanTransition reports whether from -> to is an edge of the status machine.
func CanTransition(from, to Status) bool {
	return edges[from][to]
}

// CheckTransition validates a compare-and-swap against the stored status.
func CheckTransition(current, from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	if current.Terminal() || current != from {
		return ErrConflict
	}
	return nil
}

// Patch lists the fields a transition may set. Nil fields are left untouched.
type Patch struct {
	Attempts    *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	NotBefore   *time.Time
	Result      *Result
	Failure     *Failure
}

// Advance returns j moved to status to with p applied. The result is kept only
// for completed jobs and the failure only for failed ones.
func Advance(j Job, to Status, p Patch) Job {
	j.Status = to
	if p.Attempts != nil {
		j.Attempts = *p.Attempts
	}
	if p.StartedAt != nil {
		j.StartedAt = TimePtr(*p.StartedAt)
	}
	if p.CompletedAt != nil {
		j.CompletedAt = TimePtr(*p.CompletedAt)
	}
	if p.NotBefore != nil {
		j.NotBefore = TimePtr(*p.NotBefore)
	}
	if p.Result != nil {
		res := *p.Result
		j.Result = &res
	}
	if p.Failure != nil {
		f := *p.Failure
		j.Failure = &f
	}
	if to != StatusCompleted {
		j.Result = nil
	}
	if to != StatusFailed {
		j.Failure = nil
	}
	return j
}
