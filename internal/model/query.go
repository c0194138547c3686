package model

// QueryRequest opens a reasoning stream. UserID travels in a header, not the body.
type QueryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"-"`
}

// ChatContext is the conversational state echoed by the companion endpoint.
type ChatContext struct {
	Stage        string `json:"stage,omitempty"`
	CurrentQuery string `json:"currentQuery,omitempty"`
}

// ChatRequest is the body of the non-streaming companion endpoint.
type ChatRequest struct {
	Message    string      `json:"message"`
	SessionID  string      `json:"sessionId"`
	ICPModelID string      `json:"icpModelId,omitempty"`
	Context    ChatContext `json:"context"`
	UserID     string      `json:"-"`
}

// ActionNone is the action type that requires no follow-up.
const ActionNone = "none"

// ChatAction is the follow-up the companion endpoint asks the client to fire.
type ChatAction struct {
	Type       string `json:"type"`
	Query      string `json:"query,omitempty"`
	Scope      string `json:"scope,omitempty"`
	ActionType string `json:"action_type,omitempty"`
}

// ChatResponse is returned by the companion endpoint.
type ChatResponse struct {
	Response string      `json:"response"`
	Action   ChatAction  `json:"action"`
	Context  ChatContext `json:"context"`
}
