package model

import (
	"time"
)

// EventType represents the type of conversation lifecycle event.
type EventType string

const (
	EventTypeError    EventType = "error"
	EventTypeCancel   EventType = "cancel"
	EventTypeComplete EventType = "complete"
	EventTypeAction   EventType = "action"
)

// ConversationEvent is an audit record of something that happened to a
// session's conversation outside the persisted history.
type ConversationEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id,omitempty"`
	Type      EventType      `json:"type"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
