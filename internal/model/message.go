package model

import (
	"fmt"

	"github.com/google/uuid"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// VisualizationKind selects how an assistant answer is rendered next to its text.
type VisualizationKind string

const (
	VisualizationTable     VisualizationKind = "table"
	VisualizationBarChart  VisualizationKind = "bar_chart"
	VisualizationLineChart VisualizationKind = "line_chart"
	VisualizationPieChart  VisualizationKind = "pie_chart"
	VisualizationNone      VisualizationKind = "none"
)

// Visualization is the structured directive attached to an answer.
type Visualization struct {
	Kind   VisualizationKind `json:"kind"`
	Config map[string]any    `json:"config,omitempty"`
	Data   []map[string]any  `json:"data,omitempty"`
}

// Message is one turn in a conversation. It has no persisted identity;
// its position in the conversation is its identity.
type Message struct {
	Role     Role           `json:"role"`
	Content  string         `json:"content"`
	Metadata *Visualization `json:"metadata,omitempty"`
}

// DisplayMessage pairs a message with a transient id for rendering.
type DisplayMessage struct {
	ID string `json:"id"`
	Message
}

var displayNamespace = uuid.MustParse("6f1c7a0e-4c3b-5a7e-9d52-2b8f0e6c1a44")

// DisplayID derives a stable rendering id from the session and the message position.
func DisplayID(sessionID string, position int) string {
	return uuid.NewSHA1(displayNamespace, []byte(fmt.Sprintf("%s#%d", sessionID, position))).String()
}

// WithDisplayIDs decorates a conversation for rendering.
func WithDisplayIDs(sessionID string, messages []Message) []DisplayMessage {
	out := make([]DisplayMessage, len(messages))
	for i, msg := range messages {
		out[i] = DisplayMessage{ID: DisplayID(sessionID, i), Message: msg}
	}
	return out
}
