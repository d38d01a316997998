package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"cloner/internal/channel"
	"cloner/internal/domain"
	"cloner/internal/infra"
)

// Submitter starts a job on the backend.
type Submitter interface {
	Submit(ctx context.Context, targetURL string) (domain.Submission, error)
}

// ChannelErrorPolicy decides what a channel error without recovery means for
// the job. A zero Grace keeps the job waiting indefinitely; a positive Grace
// fails the job when the channel stays in error that long.
type ChannelErrorPolicy struct {
	Grace time.Duration
}

// Options configures a Session.
type Options struct {
	Submitter Submitter
	Dialer    channel.Dialer
	Locator   ResultLocator
	Policy    ChannelErrorPolicy
	// KeepChannelAfterTerminal leaves the subscription open once the job
	// reaches completed or failed.
	KeepChannelAfterTerminal bool
	Logger                   *infra.Logger
}

// Snapshot is a consistent view of the observer state.
type Snapshot struct {
	Job domain.Job
	// Error is the observer-visible failure: the submission error while the
	// job is idle, the failure reason once it failed.
	Error      string
	Connection channel.State
	// Closed is set once the session has been disposed.
	Closed bool
}

// Session tracks one job at a time for a single observer.
type Session struct {
	submitter Submitter
	channel   *channel.Manager
	policy    ChannelErrorPolicy
	release   bool
	logger    infra.Logger

	// submitMu serializes Submit and Close. It is never held by callbacks.
	submitMu sync.Mutex

	mu        sync.Mutex
	machine   *Machine
	submitErr string
	conn      channel.State
	epoch     uint64
	graceStop *time.Timer
	changed   chan struct{}
	closed    bool
}

func NewSession(opts Options) *Session {
	s := &Session{
		submitter: opts.Submitter,
		policy:    opts.Policy,
		release:   !opts.KeepChannelAfterTerminal,
		logger:    infra.LoggerOrNop(opts.Logger),
		machine:   NewMachine(opts.Locator),
		conn:      channel.StateDisconnected,
		changed:   make(chan struct{}),
	}
	s.channel = channel.New(opts.Dialer, channel.Options{
		OnEvent: s.handleEvent,
		OnState: s.handleState,
		Logger:  opts.Logger,
	})
	return s
}

// Submit supersedes any current job and starts a new one for targetURL. The
// old subscription is torn down before the new submission is sent. A
// submission failure leaves the job idle and is returned as a
// *domain.SubmissionError.
func (s *Session) Submit(ctx context.Context, targetURL string) error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrChannelClosed
	}
	s.mu.Unlock()

	s.channel.Disconnect()

	s.mu.Lock()
	s.epoch++
	s.stopGraceLocked()
	s.machine.Reset()
	s.submitErr = ""
	s.notifyLocked()
	s.mu.Unlock()

	if s.submitter == nil {
		return s.rejectSubmission(&domain.SubmissionError{Detail: "no submitter configured"})
	}
	sub, err := s.submitter.Submit(ctx, targetURL)
	if err != nil {
		var subErr *domain.SubmissionError
		if !errors.As(err, &subErr) {
			subErr = &domain.SubmissionError{Err: err}
		}
		return s.rejectSubmission(subErr)
	}

	s.mu.Lock()
	s.machine.Start(sub, targetURL)
	job := s.machine.Job()
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Info().Str("job_id", job.ID).Str("url", targetURL).Msg("tracker: job submitted")
	if job.Phase.IsTerminal() {
		return nil
	}
	if err := s.channel.Connect(job.ID); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("tracker: connect status channel")
		return err
	}
	return nil
}

func (s *Session) rejectSubmission(err *domain.SubmissionError) error {
	s.mu.Lock()
	s.submitErr = err.Error()
	s.notifyLocked()
	s.mu.Unlock()
	s.logger.Warn().Err(err).Msg("tracker: submission failed")
	return err
}

// Snapshot returns the current observer state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Watch returns the current state together with a channel that is closed on
// the next change.
func (s *Session) Watch() (Snapshot, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), s.changed
}

// Wait blocks until the job is terminal, a submission failed, or ctx ends. It
// returns domain.ErrChannelClosed once the session is closed.
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	for {
		snap, changed := s.Watch()
		if snap.Closed {
			return snap, domain.ErrChannelClosed
		}
		if snap.Job.Phase.IsTerminal() || (snap.Job.Phase == domain.PhaseIdle && snap.Error != "") {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-changed:
		}
	}
}

// Close disposes the session. No callbacks run after it returns.
func (s *Session) Close() {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.channel.Close()

	s.mu.Lock()
	s.closed = true
	s.epoch++
	s.stopGraceLocked()
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Session) handleEvent(ev domain.StatusEvent) {
	s.mu.Lock()
	if !s.machine.Apply(ev) {
		s.mu.Unlock()
		return
	}
	job := s.machine.Job()
	if job.Phase.IsTerminal() {
		s.stopGraceLocked()
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Debug().Str("job_id", job.ID).Str("phase", string(job.Phase)).Msg("tracker: job updated")
	if job.Phase.IsTerminal() && s.release {
		// Release only tears down the subscription if no newer job took over.
		go s.channel.Release(job.ID)
	}
}

func (s *Session) handleState(jobID string, state channel.State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = state
	switch state {
	case channel.StateConnected, channel.StateDisconnected:
		s.stopGraceLocked()
	case channel.StateError:
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("tracker: status channel error")
		s.startGraceLocked()
	}
	s.notifyLocked()
}

func (s *Session) startGraceLocked() {
	if s.policy.Grace <= 0 || s.machine.Job().Phase.IsTerminal() {
		return
	}
	s.stopGraceLocked()
	epoch := s.epoch
	s.graceStop = time.AfterFunc(s.policy.Grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.epoch != epoch || s.conn != channel.StateError {
			return
		}
		if s.machine.Fail(domain.ErrChannelLost.Error()) {
			s.logger.Warn().Str("job_id", s.machine.Job().ID).Msg("tracker: failing job after channel loss")
			s.notifyLocked()
		}
	})
}

func (s *Session) stopGraceLocked() {
	if s.graceStop != nil {
		s.graceStop.Stop()
		s.graceStop = nil
	}
}

func (s *Session) snapshotLocked() Snapshot {
	job := s.machine.Job()
	snap := Snapshot{Job: job, Connection: s.conn, Closed: s.closed}
	switch {
	case job.Phase == domain.PhaseFailed:
		snap.Error = job.FailureReason
	case job.Phase == domain.PhaseIdle:
		snap.Error = s.submitErr
	}
	return snap
}

func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
