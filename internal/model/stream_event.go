package model

// StreamEventKind is the wire `type` of a stream frame.
type StreamEventKind string

const (
	StreamStart    StreamEventKind = "start"
	StreamProgress StreamEventKind = "progress"
	StreamChunk    StreamEventKind = "chunk"
	StreamComplete StreamEventKind = "complete"
	StreamError    StreamEventKind = "error"
)

// StreamEvent is one decoded frame of the query stream. The set of
// implementations is closed to this package.
type StreamEvent interface {
	Kind() StreamEventKind
	streamEvent()
}

// StartEvent announces that the backend accepted the query.
type StartEvent struct {
	Message string
}

// ProgressEvent reports progress of a workflow phase.
type ProgressEvent struct {
	Message  string
	Progress int
	Node     string
}

// ChunkEvent carries an incremental fragment of the answer.
type ChunkEvent struct {
	Text string
}

// CompleteEvent ends the stream with the authoritative answer.
type CompleteEvent struct {
	Answer   string
	Metadata *Visualization
}

// ErrorEvent ends the stream with a server-reported failure.
type ErrorEvent struct {
	Message string
}

func (StartEvent) Kind() StreamEventKind    { return StreamStart }
func (ProgressEvent) Kind() StreamEventKind { return StreamProgress }
func (ChunkEvent) Kind() StreamEventKind    { return StreamChunk }
func (CompleteEvent) Kind() StreamEventKind { return StreamComplete }
func (ErrorEvent) Kind() StreamEventKind    { return StreamError }

func (StartEvent) streamEvent()    {}
func (ProgressEvent) streamEvent() {}
func (ChunkEvent) streamEvent()    {}
func (CompleteEvent) streamEvent() {}
func (ErrorEvent) streamEvent()    {}

// Terminal reports whether no further events follow ev on the same stream.
func Terminal(ev StreamEvent) bool {
	switch ev.Kind() {
	case StreamComplete, StreamError:
		return true
	default:
		return false
	}
}

// StreamFrame is the JSON payload of a `data:` line.
type StreamFrame struct {
	Type     StreamEventKind `json:"type"`
	Message  string          `json:"message,omitempty"`
	Progress *int            `json:"progress,omitempty"`
	Node     string          `json:"node,omitempty"`
	Text     string          `json:"text,omitempty"`
	Answer   string          `json:"answer,omitempty"`
	Metadata *Visualization  `json:"metadata,omitempty"`
}

// Event converts a frame into its typed event. ok is false for unknown types.
func (f StreamFrame) Event() (ev StreamEvent, ok bool) {
	switch f.Type {
	case StreamStart:
		return StartEvent{Message: f.Message}, true
	case StreamProgress:
		p := 0
		if f.Progress != nil {
			p = *f.Progress
		}
		return ProgressEvent{Message: f.Message, Progress: p, Node: f.Node}, true
	case StreamChunk:
		return ChunkEvent{Text: f.Text}, true
	case StreamComplete:
		return CompleteEvent{Answer: f.Answer, Metadata: f.Metadata}, true
	case StreamError:
		return ErrorEvent{Message: f.Message}, true
	default:
		return nil, false
	}
}

// FrameOf is the inverse of StreamFrame.Event.
func FrameOf(ev StreamEvent) StreamFrame {
	switch e := ev.(type) {
	case StartEvent:
		return StreamFrame{Type: StreamStart, Message: e.Message}
	case ProgressEvent:
		p := e.Progress
		return StreamFrame{Type: StreamProgress, Message: e.Message, Progress: &p, Node: e.Node}
	case ChunkEvent:
		return StreamFrame{Type: StreamChunk, Text: e.Text}
	case CompleteEvent:
		return StreamFrame{Type: StreamComplete, Answer: e.Answer, Metadata: e.Metadata}
	case ErrorEvent:
		return StreamFrame{Type: StreamError, Message: e.Message}
	default:
		return StreamFrame{}
	}
}
