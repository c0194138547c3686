// Package answer reconstructs the answer text of a query stream.
package answer

import (
	"strings"

	"github.com/capitalize-ai/querystream/internal/model"
)

// Accumulator appends chunk fragments in arrival order until the stream
// completes, at which point the authoritative answer takes over. It is not
// safe for concurrent use.
type Accumulator struct {
	buf       strings.Builder
	final     string
	completed bool
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// Reset discards all text for a new query.
func (a *Accumulator) Reset() {
	a.buf.Reset()
	a.final = ""
	a.completed = false
}

// Apply feeds one stream event. Events other than chunk and complete are ignored.
func (a *Accumulator) Apply(ev model.StreamEvent) {
	switch e := ev.(type) {
	case model.ChunkEvent:
		a.Append(e.Text)
	case model.CompleteEvent:
		a.Complete(e.Answer)
	}
}

// Append adds a fragment. Fragments are never reordered or deduplicated.
func (a *Accumulator) Append(text string) {
	if a.completed {
		return
	}
	a.buf.WriteString(text)
}

// Complete marks the answer final. A non-empty answer replaces the accumulated text.
func (a *Accumulator) Complete(answer string) {
	if answer != "" {
		a.final = answer
	} else {
		a.final = a.buf.String()
	}
	a.completed = true
}

// Current returns the best available text.
func (a *Accumulator) Current() string {
	if a.completed {
		return a.final
	}
	return a.buf.String()
}
