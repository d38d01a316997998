package tracker

import (
	"testing"

	"cloner/internal/domain"
)

func startedMachine(t *testing.T, id string) *Machine {
	t.Helper()
	m := NewMachine(nil)
	if !m.Start(domain.Submission{JobID: id, Phase: domain.PhasePending}, "https://example.com") {
		t.Fatalf("Start returned false")
	}
	return m
}

func TestMachineStartsIdle(t *testing.T) {
	m := NewMachine(nil)
	job := m.Job()
	if job.Phase != domain.PhaseIdle || job.ID != "" {
		t.Fatalf("unexpected initial job: %+v", job)
	}
	if m.Apply(domain.StatusEvent{JobID: "r1", Phase: domain.PhaseScraping}) {
		t.Fatalf("idle job must ignore events")
	}
	if m.Fail("boom") {
		t.Fatalf("idle job must not fail")
	}
}

func TestMachineToleratesAnyNonTerminalOrder(t *testing.T) {
	m := startedMachine(t, "r1")
	sequence := []domain.Phase{
		domain.PhaseCloning, domain.PhaseScraping, domain.PhasePending, domain.PhaseScraping, domain.PhaseScraping,
	}
	for _, phase := range sequence {
		m.Apply(domain.StatusEvent{JobID: "r1", Phase: phase})
		if got := m.Job().Phase; got != phase {
			t.Fatalf("Phase = %s, want %s", got, phase)
		}
	}
}

func TestMachineMessageOverwrite(t *testing.T) {
	m := startedMachine(t, "r1")
	m.Apply(domain.StatusEvent{JobID: "r1", Phase: domain.PhaseScraping, Message: "first"})
	if !m.Apply(domain.StatusEvent{JobID: "r1", Phase: domain.PhaseScraping, Message: "second"}) {
		t.Fatalf("message change should count as a change")
	}
	job := m.Job()
	if job.Phase != domain.PhaseScraping || job.Message != "second" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if m.Apply(domain.StatusEvent{JobID: "r1", Phase: domain.PhaseScraping, Message: "second"}) {
		t.Fatalf("identical repeat should not count as a change")
	}
	m.Apply(domain.StatusEvent{JobID: "r1", Phase: domain.PhaseCloning})
	if got := m.Job().Message; got != "" {
		t.Fatalf("Message = %q, want cleared", got)
	}
}

func TestMachineCompletedRequiresArtifact(t *testing.T) {
	m := startedMachine(t, "r1")
	m.Apply(domain.StatusEvent{JobID: "r1", Phase: domain.PhaseCompleted})
	job := m.Job()
	if job.Phase != domain.PhaseFailed {
		t.Fatalf("Phase = %s, want failed", job.Phase)
	}
	if job.ResultURL != "" || job.FailureReason != domain.ErrMissingArtifact.Error() {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestMachineTerminalImmutability(t *testing.T) {
	tests := []struct {
		name  string
		final domain.StatusEvent
	}{
		{name: "completed", final: domain.StatusEvent{JobID: "r1", Phase: domain.PhaseCompleted, URL: "http://host/api/clone/r1/html"}},
		{name: "failed", final: domain.StatusEvent{JobID: "r1", Phase: domain.PhaseFailed, Error: "scrape timeout"}},
	}
	followUps := []domain.StatusEvent{
		{JobID: "r1", Phase: domain.PhaseScraping, Message: "again"},
		{JobID: "r1", Phase: domain.PhaseCompleted, URL: "http://host/other"},
		{JobID: "r1", Phase: domain.PhaseFailed, Error: "late"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := startedMachine(t, "r1")
			m.Apply(tc.final)
			want := m.Job()
			for _, ev := range followUps {
				if m.Apply(ev) {
					t.Fatalf("terminal job changed by %+v", ev)
				}
			}
			if m.Fail("local") {
				t.Fatalf("terminal job changed by Fail")
			}
			if got := m.Job(); got != want {
				t.Fatalf("job = %+v, want %+v", got, want)
			}
		})
	}
}

func TestMachineFailedDefaultReason(t *testing.T) {
	m := startedMachine(t, "r1")
	m.Apply(domain.StatusEvent{JobID: "r1", Phase: domain.PhaseFailed})
	if got := m.Job().FailureReason; got != "clone failed" {
		t.Fatalf("FailureReason = %q", got)
	}
}

func TestMachineStartAppliesInitialPhase(t *testing.T) {
	m := NewMachine(nil)
	m.Start(domain.Submission{JobID: "r1", Phase: domain.PhaseScraping}, "https://example.com")
	if got := m.Job().Phase; got != domain.PhaseScraping {
		t.Fatalf("Phase = %s, want scraping", got)
	}
	if m.Start(domain.Submission{JobID: "r2"}, "https://example.org") {
		t.Fatalf("Start must require an idle job")
	}
}

func TestDerivedLocator(t *testing.T) {
	m := NewMachine(DerivedLocator("http://host/"))
	m.Start(domain.Submission{JobID: "r1"}, "https://example.com")
	m.Apply(domain.StatusEvent{JobID: "r1", Phase: domain.PhaseCompleted, URL: "https://example.com"})
	if got := m.Job().ResultURL; got != "http://host/api/clone/r1/html" {
		t.Fatalf("ResultURL = %q", got)
	}
}
