package domain

import (
	"database/sql"
	"time"
)

type InstanceStatus string

const (
	InstancePending   InstanceStatus = "PENDING"
	InstanceRunning   InstanceStatus = "RUNNING"
	InstanceWaiting   InstanceStatus = "WAITING"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceFailed    InstanceStatus = "FAILED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

// WorkflowInstance is one execution of a workflow. Instances are never
// deleted; terminal states are final. CurrentStep is the resumption pointer
// for a WAITING instance.
type WorkflowInstance struct {
	ID            int64
	ExternalID    string
	WorkflowID    int64
	Status        InstanceStatus
	Context       map[string]any
	CurrentStep   string
	EntityType    string
	EntityID      string
	StartedBy     string
	FailureReason sql.NullString
	Created       time.Time
	Modified      time.Time
	Started       sql.NullTime
	Completed     sql.NullTime
}

// Terminal reports whether the instance has reached a final state.
func (i *WorkflowInstance) Terminal() bool {
	switch i.Status {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}

type StepRunStatus string

const (
	StepRunStarted   StepRunStatus = "STARTED"
	StepRunCompleted StepRunStatus = "COMPLETED"
	StepRunFailed    StepRunStatus = "FAILED"
)

// InstanceStep is an append-only audit record of one step execution attempt.
type InstanceStep struct {
	ID         int64
	InstanceID int64
	StepName   string
	StepType   StepType
	Status     StepRunStatus
	Input      sql.NullString
	Output     sql.NullString
	Error      sql.NullString
	StartedAt  time.Time
	FinishedAt sql.NullTime
}
