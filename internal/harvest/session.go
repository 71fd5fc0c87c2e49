package harvest

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a harvest session.
type SessionStatus string

// Session statuses.
const (
	SessionIdle      SessionStatus = "idle"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// CanTransition enforces idle -> running -> {completed, aborted}.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	switch s {
	case SessionIdle:
		return to == SessionRunning
	case SessionRunning:
		return to == SessionCompleted || to == SessionAborted
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// AbortReason explains why a session ended early.
type AbortReason string

// Abort reasons.
const (
	AbortBanSignal        AbortReason = "ban_signal"
	AbortBackoffActive    AbortReason = "backoff_active"
	AbortRetriesExhausted AbortReason = "retries_exhausted"
	AbortCanceled         AbortReason = "canceled"
	AbortFetchError       AbortReason = "fetch_error"
)

// SessionReport is the reportable output of one harvest session.
type SessionReport struct {
	ID                string        `json:"id"`
	Target            string        `json:"target"`
	Trigger           string        `json:"trigger,omitempty"`
	Status            SessionStatus `json:"status"`
	AbortReason       AbortReason   `json:"abort_reason,omitempty"`
	Detail            string        `json:"detail,omitempty"`
	PagesProcessed    int           `json:"pages_processed"`
	Requests          int           `json:"requests"`
	RecordsDispatched int           `json:"records_dispatched"`
	RecordsPublished  int           `json:"records_published"`
	PublishFailures   int           `json:"publish_failures"`
	RecordsSkipped    int           `json:"records_skipped"`
	ParseFailures     int           `json:"parse_failures"`
	Exhausted         bool          `json:"exhausted"`
	StartedAt         time.Time     `json:"started_at,omitzero"`
	FinishedAt        time.Time     `json:"finished_at,omitzero"`
}

// Transition moves the report to a new status.
func (r *SessionReport) Transition(to SessionStatus) error {
	from := r.Status
	if from == "" {
		from = SessionIdle
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	r.Status = to
	return nil
}

// SessionRequest asks for one session against a Target.
type SessionRequest struct {
	Target      string
	Trigger     string
	RequestedAt time.Time
}
