// Package workflow tracks the backend pipeline phases reported by a query stream.
package workflow

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/capitalize-ai/querystream/internal/model"
)

var phaseNames = map[string]string{
	"planner":   "Planning",
	"retriever": "Retrieval",
	"analyzer":  "Analysis",
	"responder": "Response",
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithExpectedPhases seeds the tracker with pending steps for nodes the
// backend is known to run, so the UI can show the whole pipeline upfront.
func WithExpectedPhases(nodes ...string) Option {
	return func(t *Tracker) {
		t.expected = append([]string(nil), nodes...)
	}
}

// Tracker holds the ordered phases of the current stream. Steps are keyed
// by node; at most one step is in progress. It is not safe for concurrent use.
type Tracker struct {
	expected []string
	steps    []model.WorkflowStep
	byNode   map[string]int
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{}
	for _, opt := range opts {
		opt(t)
	}
	t.Reset()
	return t
}

// Reset discards all steps. Expected phases are re-seeded as pending.
func (t *Tracker) Reset() {
	t.steps = nil
	t.byNode = make(map[string]int)
	for _, node := range t.expected {
		t.appendStep(node, "", model.StepPending)
	}
}

// Apply feeds one stream event.
func (t *Tracker) Apply(ev model.StreamEvent) {
	switch e := ev.(type) {
	case model.ProgressEvent:
		t.Progress(e.Node, e.Message, e.Progress)
	case model.CompleteEvent:
		t.CompleteAll()
	}
}

// Progress records progress for node. A node seen before is reactivated in
// place; a new node completes the running step and is appended.
func (t *Tracker) Progress(node, description string, progress int) {
	if node == "" {
		return
	}

	idx, ok := t.byNode[node]
	if !ok {
		idx = t.appendStep(node, description, model.StepPending)
	}

	t.completeRunning(idx)

	step := &t.steps[idx]
	t.transition(step, model.StepInProgress)
	if description != "" {
		step.Description = description
	}
	p := progress
	step.Progress = &p
}

// CompleteAll forces every step to completed at 100%.
func (t *Tracker) CompleteAll() {
	for i := range t.steps {
		t.transition(&t.steps[i], model.StepCompleted)
		full := 100
		t.steps[i].Progress = &full
	}
}

// Steps returns a copy of the current steps in creation order.
func (t *Tracker) Steps() []model.WorkflowStep {
	out := make([]model.WorkflowStep, len(t.steps))
	for i, s := range t.steps {
		out[i] = s
		if s.Progress != nil {
			p := *s.Progress
			out[i].Progress = &p
		}
	}
	return out
}

// Active returns the step currently in progress, if any.
func (t *Tracker) Active() (model.WorkflowStep, bool) {
	for _, s := range t.steps {
		if s.Status == model.StepInProgress {
			return s, true
		}
	}
	return model.WorkflowStep{}, false
}

func (t *Tracker) completeRunning(except int) {
	for i := range t.steps {
		if i != except && t.steps[i].Status == model.StepInProgress {
			t.transition(&t.steps[i], model.StepCompleted)
		}
	}
}

func (t *Tracker) transition(step *model.WorkflowStep, next model.StepStatus) {
	if step.Status.CanTransition(next) {
		step.Status = next
	}
}

func (t *Tracker) appendStep(node, description string, status model.StepStatus) int {
	t.steps = append(t.steps, model.WorkflowStep{
		ID:          fmt.Sprintf("step-%d-%s", len(t.steps)+1, node),
		Node:        node,
		Name:        PhaseName(node),
		Description: description,
		Status:      status,
	})
	idx := len(t.steps) - 1
	t.byNode[node] = idx
	return idx
}

// PhaseName returns the display name of a node.
func PhaseName(node string) string {
	if name, ok := phaseNames[node]; ok {
		return name
	}
	words := strings.FieldsFunc(node, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToTitle(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
