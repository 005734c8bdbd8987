// Package events carries everything the engine tells connected clients.
package events

import (
	"context"
	"time"
)

type Name string

const (
	Message           Name = "message"
	RoomInfo          Name = "room_info"
	HistoryResponse   Name = "room_history_response"
	RoomDisbanded     Name = "room_disbanded"
	LinkPreviewUpdate Name = "link_preview_update"
	AIStart           Name = "ai_response_start"
	AIChunk           Name = "ai_response_chunk"
	AIEnd             Name = "ai_response_end"
	AIError           Name = "ai_response_error"
	AIReasoningChunk  Name = "ai_reasoning_chunk"
	AIReasoningEnd    Name = "ai_reasoning_end"
	AdminUpdate       Name = "admin_data_update"
)

// AdminKind is the payload type of an AdminUpdate event.
type AdminKind string

const (
	AdminStats  AdminKind = "stats"
	AdminRooms  AdminKind = "rooms"
	AdminFiles  AdminKind = "files"
	AdminConfig AdminKind = "config"
)

// Event is addressed to every client in Room, or to everyone when Room is empty.
type Event struct {
	Name Name      `json:"event"`
	Room string    `json:"room,omitempty"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Publisher queues events for fan-out. Publish must not block on delivery.
type Publisher interface {
	Publish(Event)
}

// Sink delivers one event to its destination.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Deliver(ctx context.Context, e Event) error { return f(ctx, e) }

// AdminPayload is the body of an AdminUpdate event.
type AdminPayload struct {
	Type      AdminKind `json:"type"`
	Timestamp string    `json:"timestamp"`
}

// NewAdminUpdate builds the broadcast telling admin views to refresh kind.
func NewAdminUpdate(kind AdminKind, now time.Time) Event {
	return Event{
		Name: AdminUpdate,
		Data: AdminPayload{Type: kind, Timestamp: now.Format(time.DateTime)},
		At:   now,
	}
}
