package model

// StepStatus is the lifecycle state of a workflow phase.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
)

// CanTransition reports whether a step may move from s to next.
// A completed phase may be reopened when the backend revisits its node.
func (s StepStatus) CanTransition(next StepStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StepPending:
		return next == StepInProgress || next == StepCompleted
	case StepInProgress:
		return next == StepCompleted
	case StepCompleted:
		return next == StepInProgress
	default:
		return false
	}
}

// WorkflowStep is one backend pipeline phase as shown to the user.
type WorkflowStep struct {
	ID          string     `json:"id"`
	Node        string     `json:"node"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      StepStatus `json:"status"`
	Progress    *int       `json:"progress,omitempty"`
}
