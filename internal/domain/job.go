package domain

import (
	"fmt"
	"time"
)

// Phase enumerates clone job lifecycle stages.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePending   Phase = "pending"
	PhaseScraping  Phase = "scraping"
	PhaseCloning   Phase = "cloning"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// IsTerminal reports whether no further transition leaves the phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ParsePhase validates a phase received on the wire. Idle is local only and
// is rejected.
func ParsePhase(raw string) (Phase, error) {
	switch p := Phase(raw); p {
	case PhasePending, PhaseScraping, PhaseCloning, PhaseCompleted, PhaseFailed:
		return p, nil
	default:
		return "", fmt.Errorf("unknown phase %q", raw)
	}
}

// Job is the observer-side view of a clone workflow instance.
//
// ResultURL is set only when Phase is completed and FailureReason only when
// Phase is failed.
type Job struct {
	ID            string
	TargetURL     string
	Phase         Phase
	Message       string
	ResultURL     string
	FailureReason string
	UpdatedAt     time.Time
}

// Submission is what the backend hands back when a job is accepted.
type Submission struct {
	JobID string
	Phase Phase
}
