package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StatusEvent is one status update pushed over the status channel.
type StatusEvent struct {
	JobID   string
	Phase   Phase
	Message string
	URL     string
	Error   string
}

// WireEvent is the JSON shape exchanged with the backend.
type WireEvent struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	URL       string `json:"url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DecodeStatusEvent parses a raw channel frame. Any failure wraps ErrDecode.
func DecodeStatusEvent(raw []byte) (StatusEvent, error) {
	var wire WireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return StatusEvent{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	id := strings.TrimSpace(wire.RequestID)
	if id == "" {
		return StatusEvent{}, fmt.Errorf("%w: missing request_id", ErrDecode)
	}
	phase, err := ParsePhase(wire.Status)
	if err != nil {
		return StatusEvent{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return StatusEvent{
		JobID:   id,
		Phase:   phase,
		Message: wire.Message,
		URL:     strings.TrimSpace(wire.URL),
		Error:   wire.Error,
	}, nil
}

// Wire converts the event back to its JSON shape.
func (e StatusEvent) Wire() WireEvent {
	return WireEvent{
		RequestID: e.JobID,
		Status:    string(e.Phase),
		Message:   e.Message,
		URL:       e.URL,
		Error:     e.Error,
	}
}
