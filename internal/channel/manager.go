// Package channel owns the single live status subscription of an observer.
//
// A Manager keeps at most one subscription open and remembers which job id is
// active. Inbound frames are decoded and handed to the event handler only when
// the frame's job id matches the id that is active at delivery time and the
// frame comes from the current subscription. Event delivery, lifecycle
// notifications and Connect/Disconnect/Release/Close are serialized, so once
// any of those calls returns no callback from a superseded subscription runs.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloner/internal/domain"
	"cloner/internal/infra"
)

// State is the connection lifecycle state of the Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrClosed is returned by Conn.ReadMessage when the remote side closed the
// channel normally.
var ErrClosed = errors.New("channel: closed by remote")

// Conn is one open subscription on some transport.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a subscription addressed by job id.
type Dialer interface {
	Dial(ctx context.Context, jobID string) (Conn, error)
}

// EventHandler receives validated status events.
type EventHandler func(ev domain.StatusEvent)

// StateHandler receives lifecycle changes. err is set for StateError.
type StateHandler func(jobID string, state State, err error)

// Options configures a Manager. Handlers run on Manager goroutines and must
// not call Connect, Disconnect, Release or Close synchronously.
type Options struct {
	OnEvent EventHandler
	OnState StateHandler
	Logger  *infra.Logger
}

type subscription struct {
	jobID  string
	cancel context.CancelFunc
	conn   Conn // guarded by Manager.mu
	once   sync.Once
}

func (s *subscription) close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// Manager maintains at most one live subscription.
type Manager struct {
	dialer  Dialer
	onEvent EventHandler
	onState StateHandler
	logger  infra.Logger

	// deliverMu serializes callbacks with subscription changes.
	deliverMu sync.Mutex

	mu       sync.Mutex
	activeID string
	sub      *subscription
	state    State
	closed   bool
}

func New(dialer Dialer, opts Options) *Manager {
	return &Manager{
		dialer:  dialer,
		onEvent: opts.OnEvent,
		onState: opts.OnState,
		logger:  infra.LoggerOrNop(opts.Logger),
		state:   StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveID returns the job id events are currently accepted for.
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Connect closes any existing subscription and opens a new one for jobID. The
// dial happens in the background; progress is reported through OnState.
func (m *Manager) Connect(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("channel: job id is required")
	}
	if m.dialer == nil {
		return fmt.Errorf("channel: no dialer configured")
	}

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrChannelClosed
	}
	old, prev := m.detachLocked()
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{jobID: jobID, cancel: cancel}
	m.sub = sub
	m.activeID = jobID
	m.state = StateConnecting
	m.mu.Unlock()

	if old != nil {
		old.close()
		if prev != StateDisconnected {
			m.notify(old.jobID, StateDisconnected, nil)
		}
	}
	m.logger.Debug().Str("job_id", jobID).Msg("channel: connecting")
	m.notify(jobID, StateConnecting, nil)

	go m.run(ctx, sub)
	return nil
}

// Disconnect closes the current subscription, if any, and clears the active
// id. It is safe to call any number of times.
func (m *Manager) Disconnect() {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.disconnect()
}

// Release disconnects only when jobID is still the active id. It reports
// whether a subscription was torn down.
func (m *Manager) Release(jobID string) bool {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	matches := m.activeID != "" && m.activeID == jobID
	m.mu.Unlock()
	if !matches {
		return false
	}
	m.disconnect()
	return true
}

// Close disconnects and refuses any further Connect.
func (m *Manager) Close() {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.disconnect()
}

// disconnect requires deliverMu.
func (m *Manager) disconnect() {
	m.mu.Lock()
	old, prev := m.detachLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	if old == nil {
		return
	}
	old.close()
	if prev != StateDisconnected {
		m.logger.Debug().Str("job_id", old.jobID).Msg("channel: disconnected")
		m.notify(old.jobID, StateDisconnected, nil)
	}
}

func (m *Manager) detachLocked() (*subscription, State) {
	old, prev := m.sub, m.state
	m.sub = nil
	m.activeID = ""
	return old, prev
}

func (m *Manager) run(ctx context.Context, sub *subscription) {
	conn, err := m.dialer.Dial(ctx, sub.jobID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn().Err(err).Str("job_id", sub.jobID).Msg("channel: dial failed")
		m.transition(sub, StateError, err)
		return
	}

	m.mu.Lock()
	if m.sub != sub {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	sub.conn = conn
	m.mu.Unlock()
	defer sub.close()

	if !m.transition(sub, StateConnected, nil) {
		return
	}

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				m.transition(sub, StateDisconnected, nil)
				return
			}
			if ctx.Err() == nil {
				m.logger.Warn().Err(err).Str("job_id", sub.jobID).Msg("channel: read failed")
			}
			m.transition(sub, StateError, err)
			return
		}
		ev, err := domain.DecodeStatusEvent(raw)
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", sub.jobID).Msg("channel: dropping undecodable event")
			continue
		}
		m.deliver(sub, ev)
	}
}

// transition applies a lifecycle change reported by sub. It is a no-op once
// sub has been superseded.
func (m *Manager) transition(sub *subscription, state State, err error) bool {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.sub != sub {
		m.mu.Unlock()
		return false
	}
	m.state = state
	if state == StateDisconnected {
		m.sub = nil
		m.activeID = ""
	}
	m.mu.Unlock()

	m.logger.Debug().Str("job_id", sub.jobID).Str("state", string(state)).Msg("channel: state changed")
	m.notify(sub.jobID, state, err)
	return true
}

func (m *Manager) deliver(sub *subscription, ev domain.StatusEvent) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	// The active id is re-read here, not captured at subscribe time.
	m.mu.Lock()
	ok := m.sub == sub && m.activeID != "" && ev.JobID == m.activeID
	m.mu.Unlock()
	if !ok {
		m.logger.Debug().Str("job_id", ev.JobID).Str("phase", string(ev.Phase)).Msg("channel: discarding stale event")
		return
	}
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

func (m *Manager) notify(jobID string, state State, err error) {
	if m.onState != nil {
		m.onState(jobID, state, err)
	}
}
