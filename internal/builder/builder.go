package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

// ErrNotEditable is returned when a mutation targets a workflow whose graph
// is frozen (anything past DRAFT).
var ErrNotEditable = errors.New("workflow is not editable")

// ValidationError is raised by Activate when the graph fails validation. The
// individual problems are carried as plain strings so callers can show them
// to the person editing the workflow.
type ValidationError struct {
	Workflow string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %s failed validation with %d problem(s): %v", e.Workflow, len(e.Problems), e.Problems)
}

// WorkflowRepo is the persistence the builder needs, matching
// repository.WorkflowRepository.
type WorkflowRepo interface {
	Save(ctx context.Context, wf *domain.Workflow) error
	FindByID(ctx context.Context, id int64) (*domain.Workflow, error)
	UpdateStatus(ctx context.Context, id int64, status domain.WorkflowStatus) error
}

// Builder creates and edits workflow definitions while they are in DRAFT and
// owns the DRAFT to ACTIVE transition. It never touches running instances.
type Builder struct {
	workflows WorkflowRepo
}

func NewBuilder(workflows WorkflowRepo) *Builder {
	return &Builder{workflows: workflows}
}

// Create persists a new workflow in DRAFT with its full step graph.
func (b *Builder) Create(ctx context.Context, wf *domain.Workflow) error {
	if wf.ExternalID == "" {
		wf.ExternalID = uuid.NewString()
	}
	wf.Status = domain.WorkflowDraft
	if wf.Version == 0 {
		wf.Version = 1
	}
	if err := b.workflows.Save(ctx, wf); err != nil {
		return fmt.Errorf("create workflow %s: %w", wf.Name, err)
	}
	slog.InfoContext(ctx, "Workflow created", "workflow", wf.Name, "external_id", wf.ExternalID, "version", wf.Version)
	return nil
}

// Update replaces the header and the entire step graph of an editable
// workflow.
func (b *Builder) Update(ctx context.Context, wf *domain.Workflow) error {
	current, err := b.workflows.FindByID(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("load workflow %d: %w", wf.ID, err)
	}
	if !current.Editable() {
		return fmt.Errorf("update workflow %s (status %s): %w", current.Name, string(current.Status), ErrNotEditable)
	}
	wf.ExternalID = current.ExternalID
	wf.Status = current.Status
	if err := b.workflows.Save(ctx, wf); err != nil {
		return fmt.Errorf("update workflow %s: %w", wf.Name, err)
	}
	return nil
}

// AddStep appends one step to an editable workflow's graph.
func (b *Builder) AddStep(ctx context.Context, workflowID int64, step domain.WorkflowStep) (*domain.Workflow, error) {
	wf, err := b.workflows.FindByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %d: %w", workflowID, err)
	}
	if !wf.Editable() {
		return nil, fmt.Errorf("add step to workflow %s (status %s): %w", wf.Name, string(wf.Status), ErrNotEditable)
	}
	if wf.StepByName(step.Name) != nil {
		return nil, fmt.Errorf("workflow %s already has a step named %q", wf.Name, step.Name)
	}
	if step.Sequence == 0 {
		step.Sequence = len(wf.Steps) + 1
	}
	wf.Steps = append(wf.Steps, step)
	if err := b.workflows.Save(ctx, wf); err != nil {
		return nil, fmt.Errorf("save workflow %s: %w", wf.Name, err)
	}
	return wf, nil
}

// AddConditions appends routing conditions to an existing CONDITION step of
// an editable workflow.
func (b *Builder) AddConditions(ctx context.Context, workflowID int64, stepName string, conditions []domain.StepCondition) (*domain.Workflow, error) {
	wf, err := b.workflows.FindByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %d: %w", workflowID, err)
	}
	if !wf.Editable() {
		return nil, fmt.Errorf("add conditions to workflow %s (status %s): %w", wf.Name, string(wf.Status), ErrNotEditable)
	}
	step := wf.StepByName(stepName)
	if step == nil {
		return nil, fmt.Errorf("workflow %s has no step named %q", wf.Name, stepName)
	}
	if step.Type != domain.StepTypeCondition {
		return nil, fmt.Errorf("step %q is %s, conditions can only be added to CONDITION steps", stepName, string(step.Type))
	}
	step.Conditions = append(step.Conditions, conditions...)
	if err := b.workflows.Save(ctx, wf); err != nil {
		return nil, fmt.Errorf("save workflow %s: %w", wf.Name, err)
	}
	return wf, nil
}

// Validate checks the structural rules a graph must satisfy before it can be
// activated. Problems come back as human readable strings; an empty slice
// means the workflow is valid.
func (b *Builder) Validate(wf *domain.Workflow) []string {
	var problems []string

	starts, ends := 0, 0
	for i := range wf.Steps {
		step := &wf.Steps[i]
		switch step.Type {
		case domain.StepTypeStart:
			starts++
		case domain.StepTypeEnd:
			ends++
		case domain.StepTypeAction:
			if step.Action == nil {
				problems = append(problems, fmt.Sprintf("action step %q has no action configuration", step.Name))
			}
		case domain.StepTypeApproval:
			if step.Approval == nil {
				problems = append(problems, fmt.Sprintf("approval step %q has no approval configuration", step.Name))
			} else if step.Approval.ApproverID == "" {
				problems = append(problems, fmt.Sprintf("approval step %q has no approver", step.Name))
			}
		case domain.StepTypeCondition:
			if len(step.Conditions) == 0 {
				problems = append(problems, fmt.Sprintf("condition step %q has no conditions", step.Name))
			}
		}
	}
	if starts != 1 {
		problems = append(problems, fmt.Sprintf("workflow must have exactly one START step, found %d", starts))
	}
	if ends == 0 {
		problems = append(problems, "workflow must have at least one END step")
	}
	return problems
}

// Activate re-validates the workflow and flips it to ACTIVE. A workflow that
// fails validation stays in its current status and a ValidationError carrying
// the problems is returned.
func (b *Builder) Activate(ctx context.Context, workflowID int64) (*domain.Workflow, error) {
	wf, err := b.workflows.FindByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %d: %w", workflowID, err)
	}
	if problems := b.Validate(wf); len(problems) > 0 {
		return nil, &ValidationError{Workflow: wf.Name, Problems: problems}
	}
	if err := b.workflows.UpdateStatus(ctx, wf.ID, domain.WorkflowActive); err != nil {
		return nil, fmt.Errorf("activate workflow %s: %w", wf.Name, err)
	}
	wf.Status = domain.WorkflowActive
	slog.InfoContext(ctx, "Workflow activated", "workflow", wf.Name, "version", wf.Version)
	return wf, nil
}

// Archive retires a workflow so no new instances can be started from it.
func (b *Builder) Archive(ctx context.Context, workflowID int64) error {
	wf, err := b.workflows.FindByID(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load workflow %d: %w", workflowID, err)
	}
	if err := b.workflows.UpdateStatus(ctx, wf.ID, domain.WorkflowArchived); err != nil {
		return fmt.Errorf("archive workflow %s: %w", wf.Name, err)
	}
	slog.InfoContext(ctx, "Workflow archived", "workflow", wf.Name, "version", wf.Version)
	return nil
}

// NewVersion clones an existing workflow into a fresh DRAFT with a bumped
// version number so a frozen ACTIVE graph can be evolved without touching
// instances already running against it.
func (b *Builder) NewVersion(ctx context.Context, workflowID int64) (*domain.Workflow, error) {
	wf, err := b.workflows.FindByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %d: %w", workflowID, err)
	}
	clone := *wf
	clone.ID = 0
	clone.ExternalID = uuid.NewString()
	clone.Status = domain.WorkflowDraft
	clone.Version = wf.Version + 1
	clone.Steps = make([]domain.WorkflowStep, len(wf.Steps))
	copy(clone.Steps, wf.Steps)
	for i := range clone.Steps {
		clone.Steps[i].ID = 0
		clone.Steps[i].WorkflowID = 0
		conds := make([]domain.StepCondition, len(clone.Steps[i].Conditions))
		copy(conds, clone.Steps[i].Conditions)
		for j := range conds {
			conds[j].ID = 0
			conds[j].StepID = 0
		}
		clone.Steps[i].Conditions = conds
	}
	if err := b.workflows.Save(ctx, &clone); err != nil {
		return nil, fmt.Errorf("save new version of workflow %s: %w", wf.Name, err)
	}
	slog.InfoContext(ctx, "Workflow version created", "workflow", clone.Name, "version", clone.Version)
	return &clone, nil
}
