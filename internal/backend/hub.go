package backend

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cloner/internal/domain"
	"cloner/internal/infra"
)

const (
	writeWait = 5 * time.Second
	sendQueue = 16
)

// subscriber owns one status socket. Frames are queued in order and written
// by writeLoop, so producers never wait on the network.
type subscriber struct {
	ws  *websocket.Conn
	out chan []byte

	mu      sync.Mutex
	stopped bool
}

func newSubscriber(ws *websocket.Conn) *subscriber {
	return &subscriber{ws: ws, out: make(chan []byte, sendQueue)}
}

// enqueue reports false when the subscriber is stopped or its queue is full.
func (s *subscriber) enqueue(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	select {
	case s.out <- payload:
		return true
	default:
		return false
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.out)
	}
}

func (s *subscriber) writeLoop() {
	for payload := range s.out {
		_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			_ = s.ws.Close()
			return
		}
	}
}

// Hub fans status events out to every websocket watching a request.
type Hub struct {
	upgrader websocket.Upgrader
	logger   infra.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub(logger infra.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			// The status feed is read-only and open to any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// upgrade accepts a websocket. The caller registers it and sends the initial
// status before handing it to serve.
func (h *Hub) upgrade(w http.ResponseWriter, r *http.Request) (*subscriber, error) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	sub := newSubscriber(ws)
	go sub.writeLoop()
	return sub, nil
}

func (h *Hub) add(requestID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[requestID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[requestID] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) remove(requestID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[requestID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, requestID)
		}
	}
}

// Count returns how many subscribers watch requestID.
func (h *Hub) Count(requestID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[requestID])
}

// Broadcast queues ev for every subscriber of its request. It does not block;
// subscribers whose queue is full are dropped.
func (h *Hub) Broadcast(ev domain.StatusEvent) {
	payload, err := encodeEvent(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("hub: encode event")
		return
	}
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs[ev.JobID]))
	for sub := range h.subs[ev.JobID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if !sub.enqueue(payload) {
			h.logger.Debug().Str("job_id", ev.JobID).Msg("hub: dropping slow subscriber")
			h.remove(ev.JobID, sub)
			sub.stop()
			_ = sub.ws.Close()
		}
	}
}

// serve reads client frames as heartbeats until the socket goes away.
func (h *Hub) serve(requestID string, sub *subscriber) {
	defer func() {
		h.remove(requestID, sub)
		sub.stop()
		_ = sub.ws.Close()
	}()
	for {
		if _, _, err := sub.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// CloseAll sends a going-away close frame to every subscriber.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*subscriber
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, sub := range all {
		_ = sub.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
}

func encodeEvent(ev domain.StatusEvent) ([]byte, error) {
	return json.Marshal(ev.Wire())
}
