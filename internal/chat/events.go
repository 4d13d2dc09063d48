package chat

import (
	"github.com/adlytic/assistant/internal/domain"
)

// EventType labels orchestrator state changes pushed to the UI.
type EventType string

const (
	EventMessageAppended    EventType = "message_appended"
	EventMessageErrored     EventType = "message_errored"
	EventMessageDismissed   EventType = "message_dismissed"
	EventSessionListChanged EventType = "session_list_changed"
	EventSessionSelected    EventType = "session_selected"
	EventDateRangeChanged   EventType = "date_range_changed"
	EventNotification       EventType = "notification"
)

// Event is one state-change notification for a user's UI.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Message   *domain.Message `json:"message,omitempty"`
	Text      string          `json:"text,omitempty"`
}

// Broadcaster delivers events to a user's connected clients. Delivery is
// best effort; the orchestrator never blocks on it.
type Broadcaster interface {
	Broadcast(userID string, ev Event)
}

// NopBroadcaster discards events.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, Event) {}
