// Package model defines data structures for the query stream gateway.
package model

import (
	"time"
)

// Session is the externally owned dashboard session. Query is the only
// field the conversation can be persisted through.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Query     []string  `json:"query"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the read model of a conversation view handed to the UI.
type Snapshot struct {
	SessionID string           `json:"session_id"`
	Messages  []DisplayMessage `json:"messages"`
	Partial   string           `json:"partial,omitempty"`
	Status    string           `json:"status,omitempty"`
	Steps     []WorkflowStep   `json:"steps"`
	Streaming bool             `json:"streaming"`
}

// SubmitQueryRequest is the gateway request to start a reasoning query.
type SubmitQueryRequest struct {
	Query string `json:"query"`
}

// SubmitChatRequest is the gateway request for a non-reasoning chat turn.
type SubmitChatRequest struct {
	Message      string `json:"message"`
	ICPModelID   string `json:"icpModelId,omitempty"`
	Stage        string `json:"stage,omitempty"`
	CurrentQuery string `json:"currentQuery,omitempty"`
}
