package domain

import "time"

type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "DRAFT"
	WorkflowActive   WorkflowStatus = "ACTIVE"
	WorkflowArchived WorkflowStatus = "ARCHIVED"
)

// Workflow is a versioned, named definition of a process graph. The graph is
// mutable only while the workflow is in DRAFT; activation freezes it and any
// further change requires a new version.
type Workflow struct {
	ID            int64
	ExternalID    string
	TenantID      string
	Name          string
	Code          string
	Status        WorkflowStatus
	TriggerType   string
	TriggerConfig map[string]any
	Version       int
	Created       time.Time
	Modified      time.Time
	Steps         []WorkflowStep
}

// Editable reports whether the step graph may still be changed.
func (w *Workflow) Editable() bool {
	return w.Status == WorkflowDraft
}

// StepByName returns the step with the given name, or nil.
func (w *Workflow) StepByName(name string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}

// StartStep returns the single START step, or nil if the graph has none.
func (w *Workflow) StartStep() *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].Type == StepTypeStart {
			return &w.Steps[i]
		}
	}
	return nil
}
