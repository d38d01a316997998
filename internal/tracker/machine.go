package tracker

import (
	"net/url"
	"strings"
	"time"

	"cloner/internal/domain"
)

// ResultLocator extracts the artifact locator from a completed event. An
// empty result means no usable artifact.
type ResultLocator func(ev domain.StatusEvent) string

// EventLocator uses the url carried by the event.
func EventLocator(ev domain.StatusEvent) string {
	return strings.TrimSpace(ev.URL)
}

// DerivedLocator builds `<apiBase>/api/clone/<id>/html` for every completed
// job, ignoring the event url.
func DerivedLocator(apiBase string) ResultLocator {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	return func(ev domain.StatusEvent) string {
		if base == "" || ev.JobID == "" {
			return ""
		}
		return base + "/api/clone/" + url.PathEscape(ev.JobID) + "/html"
	}
}

// Machine drives a single Job through its phases. It is not safe for
// concurrent use; Session guards it.
type Machine struct {
	job     domain.Job
	locator ResultLocator
	now     func() time.Time
}

func NewMachine(locator ResultLocator) *Machine {
	if locator == nil {
		locator = EventLocator
	}
	m := &Machine{locator: locator, now: time.Now}
	m.Reset()
	return m
}

// Job returns a copy of the current job.
func (m *Machine) Job() domain.Job {
	return m.job
}

// Reset discards the current job and starts over from idle.
func (m *Machine) Reset() {
	m.job = domain.Job{Phase: domain.PhaseIdle, UpdatedAt: m.now()}
}

// Start binds an accepted submission to the idle job. The job enters pending
// and the initial phase reported by the backend is applied on top.
func (m *Machine) Start(sub domain.Submission, targetURL string) bool {
	if m.job.Phase != domain.PhaseIdle || sub.JobID == "" {
		return false
	}
	m.job.ID = sub.JobID
	m.job.TargetURL = targetURL
	m.job.Phase = domain.PhasePending
	m.job.UpdatedAt = m.now()
	if sub.Phase != "" && sub.Phase != domain.PhasePending {
		m.Apply(domain.StatusEvent{JobID: sub.JobID, Phase: sub.Phase})
	}
	return true
}

// Apply folds a validated status event into the job. Non-terminal phases may
// arrive in any order and may repeat. It reports whether the job changed.
func (m *Machine) Apply(ev domain.StatusEvent) bool {
	if m.job.Phase == domain.PhaseIdle || m.job.Phase.IsTerminal() {
		return false
	}
	before := m.job
	m.job.Message = ev.Message

	switch ev.Phase {
	case domain.PhasePending, domain.PhaseScraping, domain.PhaseCloning:
		m.job.Phase = ev.Phase
	case domain.PhaseCompleted:
		ref := m.locator(ev)
		if ref == "" {
			m.fail(domain.ErrMissingArtifact.Error())
			break
		}
		m.job.Phase = domain.PhaseCompleted
		m.job.ResultURL = ref
	case domain.PhaseFailed:
		reason := strings.TrimSpace(ev.Error)
		if reason == "" {
			reason = "clone failed"
		}
		m.fail(reason)
	default:
		m.job = before
		return false
	}

	if m.job == before {
		return false
	}
	m.job.UpdatedAt = m.now()
	return true
}

// Fail moves a non-terminal job to failed for a local reason.
func (m *Machine) Fail(reason string) bool {
	if m.job.Phase == domain.PhaseIdle || m.job.Phase.IsTerminal() {
		return false
	}
	m.fail(reason)
	m.job.UpdatedAt = m.now()
	return true
}

func (m *Machine) fail(reason string) {
	m.job.Phase = domain.PhaseFailed
	m.job.ResultURL = ""
	m.job.FailureReason = reason
}
