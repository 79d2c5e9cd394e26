package models

import "time"

// EventSeverity classifies an audit event.
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event is an append-only audit record. Events are never mutated or
// deleted; they are the sole place causality is reconstructed from.
type Event struct {
	// ID is the append sequence number, assigned by the store.
	ID int64 `json:"id"`
	// EntityType names the entity kind the event is about (task, agent, ...).
	EntityType string `json:"entity_type"`
	// EntityID identifies the entity (task ID, agent name, ...).
	EntityID string `json:"entity_id"`
	// EventType names what happened (status_changed, tool_authorized, ...).
	EventType string `json:"event_type"`
	// Payload carries event details, JSON-encoded.
	Payload string `json:"payload,omitempty"`
	// Severity classifies the event.
	Severity EventSeverity `json:"severity"`
	// CreatedAt is when the event was appended.
	CreatedAt time.Time `json:"created_at"`
}
