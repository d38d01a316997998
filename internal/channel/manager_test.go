package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloner/internal/domain"
)

type fakeConn struct {
	frames      chan []byte
	readErr     chan error
	closed      chan struct{}
	release     chan struct{}
	ignoreClose bool
	reads       atomic.Int32
	once        sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames:  make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	c.reads.Add(1)
	closed := c.closed
	if c.ignoreClose {
		closed = c.release
	}
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.readErr:
		return nil, err
	case <-closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  map[string][]*fakeConn
	gate   chan struct{}
	err    error
	tweak  func(*fakeConn)
	dialed atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string][]*fakeConn)}
}

func (d *fakeDialer) Dial(ctx context.Context, jobID string) (Conn, error) {
	d.dialed.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	if d.tweak != nil {
		d.tweak(c)
	}
	d.mu.Lock()
	d.conns[jobID] = append(d.conns[jobID], c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) last(jobID string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.conns[jobID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type stateChange struct {
	jobID string
	state State
}

type recorder struct {
	mu     sync.Mutex
	events []domain.StatusEvent
	states []stateChange
}

func (r *recorder) onEvent(ev domain.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) onState(jobID string, state State, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, stateChange{jobID: jobID, state: state})
}

func (r *recorder) snapshot() ([]domain.StatusEvent, []stateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.StatusEvent(nil), r.events...), append([]stateChange(nil), r.states...)
}

func (r *recorder) eventIDs() []string {
	events, _ := r.snapshot()
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.JobID)
	}
	return ids
}

func newTestManager(d Dialer) (*Manager, *recorder) {
	rec := &recorder{}
	return New(d, Options{OnEvent: rec.onEvent, OnState: rec.onState}), rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func frame(id, status string) []byte {
	return []byte(`{"request_id":"` + id + `","status":"` + status + `"}`)
}

func TestConnectDeliversOnlyActiveJobEvents(t *testing.T) {
	d := newFakeDialer()
	m, rec := newTestManager(d)
	defer m.Close()

	if err := m.Connect("r1"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
	if m.ActiveID() != "r1" {
		t.Fatalf("ActiveID = %q, want r1", m.ActiveID())
	}

	conn := d.last("r1")
	conn.frames <- frame("other", "completed")
	conn.frames <- frame("r1", "scraping")
	waitFor(t, "event", func() bool { return len(rec.eventIDs()) == 1 })

	if ids := rec.eventIDs(); ids[0] != "r1" {
		t.Fatalf("delivered %v, want [r1]", ids)
	}
	_, states := rec.snapshot()
	if len(states) != 2 || states[0].state != StateConnecting || states[1].state != StateConnected {
		t.Fatalf("unexpected states: %+v", states)
	}
}

func TestSupersededSubscriptionNeverDelivers(t *testing.T) {
	d := newFakeDialer()
	// The old transport keeps reading after Close, like a socket mid-teardown.
	d.tweak = func(c *fakeConn) { c.ignoreClose = true }
	m, rec := newTestManager(d)
	defer m.Close()

	if err := m.Connect("A"); err != nil {
		t.Fatalf("Connect(A) error: %v", err)
	}
	waitFor(t, "A connected", func() bool { return m.State() == StateConnected })
	connA := d.last("A")

	if err := m.Connect("B"); err != nil {
		t.Fatalf("Connect(B) error: %v", err)
	}
	waitFor(t, "B connected", func() bool { return m.State() == StateConnected && d.last("B") != nil })
	if !connA.isClosed() {
		t.Fatalf("old subscription should be closed")
	}

	connA.frames <- frame("A", "completed")
	waitFor(t, "A frame consumed", func() bool { return connA.reads.Load() >= 2 })
	close(connA.release)

	connB := d.last("B")
	connB.frames <- frame("A", "failed")
	connB.frames <- frame("B", "cloning")
	waitFor(t, "B event", func() bool { return len(rec.eventIDs()) >= 1 })
	waitFor(t, "B frames consumed", func() bool { return connB.reads.Load() >= 3 })

	ids := rec.eventIDs()
	if len(ids) != 1 || ids[0] != "B" {
		t.Fatalf("delivered %v, want [B]", ids)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m, rec := newTestManager(newFakeDialer())

	m.Disconnect()
	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("State = %s, want disconnected", m.State())
	}
	if _, states := rec.snapshot(); len(states) != 0 {
		t.Fatalf("never-connected disconnect should not notify: %+v", states)
	}

	if err := m.Connect("r1"); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
	m.Disconnect()
	m.Disconnect()

	_, states := rec.snapshot()
	disconnects := 0
	for _, s := range states {
		if s.state == StateDisconnected {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("expected one disconnected notification, got %d (%+v)", disconnects, states)
	}
	if m.ActiveID() != "" {
		t.Fatalf("ActiveID = %q, want empty", m.ActiveID())
	}
}

func TestDecodeFailureKeepsSubscription(t *testing.T) {
	d := newFakeDialer()
	m, rec := newTestManager(d)
	defer m.Close()

	_ = m.Connect("r1")
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	conn := d.last("r1")
	conn.frames <- []byte(`not json`)
	conn.frames <- []byte(`{"request_id":"r1","status":"idle"}`)
	conn.frames <- frame("r1", "pending")
	waitFor(t, "event", func() bool { return len(rec.eventIDs()) == 1 })

	if m.State() != StateConnected {
		t.Fatalf("State = %s, want connected", m.State())
	}
}

func TestRemoteCloseDisconnects(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(d)
	defer m.Close()

	_ = m.Connect("r1")
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
	d.last("r1").readErr <- ErrClosed

	waitFor(t, "disconnected", func() bool { return m.State() == StateDisconnected })
	if m.ActiveID() != "" {
		t.Fatalf("ActiveID = %q, want empty", m.ActiveID())
	}
}

func TestTransportErrorSurfacesErrorState(t *testing.T) {
	d := newFakeDialer()
	m, rec := newTestManager(d)
	defer m.Close()

	_ = m.Connect("r1")
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
	d.last("r1").readErr <- errors.New("connection reset")

	waitFor(t, "error", func() bool { return m.State() == StateError })
	if m.ActiveID() != "r1" {
		t.Fatalf("ActiveID = %q, want r1 until disconnect", m.ActiveID())
	}
	m.Disconnect()
	if m.State() != StateDisconnected {
		t.Fatalf("State = %s, want disconnected", m.State())
	}
	if events, _ := rec.snapshot(); len(events) != 0 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestDialFailureSurfacesErrorState(t *testing.T) {
	d := newFakeDialer()
	d.err = errors.New("refused")
	m, rec := newTestManager(d)
	defer m.Close()

	_ = m.Connect("r1")
	waitFor(t, "error", func() bool { return m.State() == StateError })
	_, states := rec.snapshot()
	if states[len(states)-1].state != StateError {
		t.Fatalf("last state = %s, want error", states[len(states)-1].state)
	}
}

func TestConnectSupersedesPendingDial(t *testing.T) {
	d := newFakeDialer()
	d.gate = make(chan struct{})
	m, _ := newTestManager(d)
	defer m.Close()

	_ = m.Connect("A")
	waitFor(t, "A dialing", func() bool { return d.dialed.Load() == 1 })
	if m.State() != StateConnecting {
		t.Fatalf("State = %s, want connecting", m.State())
	}
	_ = m.Connect("B")
	close(d.gate)

	waitFor(t, "B connected", func() bool { return m.State() == StateConnected && d.last("B") != nil })
	if c := d.last("A"); c != nil {
		t.Fatalf("superseded dial should have been cancelled")
	}
	if m.ActiveID() != "B" {
		t.Fatalf("ActiveID = %q, want B", m.ActiveID())
	}
}

func TestReleaseOnlyMatchingJob(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(d)
	defer m.Close()

	_ = m.Connect("r2")
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })

	if m.Release("r1") {
		t.Fatalf("Release of a superseded id must not disconnect")
	}
	if m.State() != StateConnected {
		t.Fatalf("State = %s, want connected", m.State())
	}
	if !m.Release("r2") {
		t.Fatalf("Release of the active id should disconnect")
	}
	if m.State() != StateDisconnected || !d.last("r2").isClosed() {
		t.Fatalf("expected closed subscription")
	}
}

func TestCloseStopsDeliveryAndRefusesConnect(t *testing.T) {
	d := newFakeDialer()
	d.tweak = func(c *fakeConn) { c.ignoreClose = true }
	m, rec := newTestManager(d)

	_ = m.Connect("r1")
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
	conn := d.last("r1")
	m.Close()

	conn.frames <- frame("r1", "completed")
	waitFor(t, "frame consumed", func() bool { return conn.reads.Load() >= 2 })
	close(conn.release)

	if events, _ := rec.snapshot(); len(events) != 0 {
		t.Fatalf("no events may be delivered after Close: %+v", events)
	}
	if err := m.Connect("r2"); !errors.Is(err, domain.ErrChannelClosed) {
		t.Fatalf("Connect after Close = %v, want ErrChannelClosed", err)
	}
}

func TestConnectRequiresJobID(t *testing.T) {
	m, _ := newTestManager(newFakeDialer())
	if err := m.Connect("  "); err == nil {
		t.Fatalf("expected error for empty job id")
	}
}
