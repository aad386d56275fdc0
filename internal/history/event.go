package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hiapp/hicall/internal/call"
)

var ErrInvalidEvent = errors.New("invalid call event")

type EventType string

const (
	EventInitiated EventType = "initiated"
	EventAnswered  EventType = "answered"
	EventTerminal  EventType = "terminal"
)

// CallEvent is one history fact. Events of the same call carry the call id
// as Kafka key, so the sink sees them in emission order.
type CallEvent struct {
	EventID   string    `json:"event_id"`
	Type      EventType `json:"type"`
	CallID    string    `json:"call_id"`
	CallerID  string    `json:"caller_id,omitempty"`
	CalleeID  string    `json:"callee_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	EndReason string    `json:"end_reason,omitempty"`
	At        time.Time `json:"at"`
	CreatedAt time.Time `json:"created_at"`
}

func newEvent(eventType EventType, callID string, at time.Time) *CallEvent {
	return &CallEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		CallID:    callID,
		At:        at,
		CreatedAt: time.Now(),
	}
}

func InitiatedEvent(record call.Record) *CallEvent {
	event := newEvent(EventInitiated, record.ID, record.CreatedAt)
	event.CallerID = record.CallerID
	event.CalleeID = record.CalleeID
	event.Status = string(record.Status)

	return event
}

func AnsweredEvent(callID string, at time.Time) *CallEvent {
	event := newEvent(EventAnswered, callID, at)
	event.Status = string(call.StatusAnswered)

	return event
}

func TerminalEvent(callID string, status call.Status, reason call.EndReason, at time.Time) *CallEvent {
	event := newEvent(EventTerminal, callID, at)
	event.Status = string(status)
	event.EndReason = string(reason)

	return event
}

func DecodeEvent(raw []byte) (*CallEvent, error) {
	var event CallEvent

	err := json.Unmarshal(raw, &event)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	err = event.Validate()
	if err != nil {
		return nil, err
	}

	return &event, nil
}

func (e *CallEvent) Validate() error {
	if e.CallID == "" {
		return fmt.Errorf("%w: missing call id", ErrInvalidEvent)
	}

	switch e.Type {
	case EventInitiated:
		if e.CallerID == "" || e.CalleeID == "" {
			return fmt.Errorf("%w: initiated event without participants", ErrInvalidEvent)
		}
	case EventAnswered:
	case EventTerminal:
		if !call.Status(e.Status).Terminal() {
			return fmt.Errorf("%w: terminal event with status %q", ErrInvalidEvent, e.Status)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}

	return nil
}
