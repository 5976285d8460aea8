package builder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

type MockWorkflowRepo struct {
	SaveFunc         func(wf *domain.Workflow) error
	FindByIDFunc     func(id int64) (*domain.Workflow, error)
	UpdateStatusFunc func(id int64, status domain.WorkflowStatus) error
}

func (m *MockWorkflowRepo) Save(_ context.Context, wf *domain.Workflow) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(wf)
	}
	return nil
}

func (m *MockWorkflowRepo) FindByID(_ context.Context, id int64) (*domain.Workflow, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(id)
	}
	return nil, errors.New("not found")
}

func (m *MockWorkflowRepo) UpdateStatus(_ context.Context, id int64, status domain.WorkflowStatus) error {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(id, status)
	}
	return nil
}

func validGraph() []domain.WorkflowStep {
	return []domain.WorkflowStep{
		{Name: "start", Type: domain.StepTypeStart, Sequence: 1, Next: []string{"check"}},
		{Name: "check", Type: domain.StepTypeCondition, Sequence: 2,
			Conditions: []domain.StepCondition{
				{Field: "ok", Operator: domain.OpEquals, Value: "yes", NextStep: "end", Sequence: 1},
				{NextStep: "end", Sequence: 2, IsDefault: true},
			}},
		{Name: "end", Type: domain.StepTypeEnd, Sequence: 3},
	}
}

func TestCreateDefaultsToDraft(t *testing.T) {
	var saved *domain.Workflow
	repo := &MockWorkflowRepo{
		SaveFunc: func(wf *domain.Workflow) error {
			wf.ID = 1
			saved = wf
			return nil
		},
	}
	b := NewBuilder(repo)

	wf := &domain.Workflow{Name: "leave-request", Code: "LEAVE", Steps: validGraph()}
	if err := b.Create(context.Background(), wf); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if saved.Status != domain.WorkflowDraft {
		t.Errorf("status = %s, want DRAFT", saved.Status)
	}
	if saved.Version != 1 {
		t.Errorf("version = %d, want 1", saved.Version)
	}
	if saved.ExternalID == "" {
		t.Error("expected an external id to be assigned")
	}
}

func TestCreateThenValidateRoundTrip(t *testing.T) {
	repo := &MockWorkflowRepo{
		SaveFunc: func(wf *domain.Workflow) error {
			wf.ID = 1
			return nil
		},
	}
	b := NewBuilder(repo)

	wf := &domain.Workflow{Name: "three-step", Code: "THREE", Steps: []domain.WorkflowStep{
		{Name: "start", Type: domain.StepTypeStart, Sequence: 1, Next: []string{"notify"}},
		{Name: "notify", Type: domain.StepTypeAction, Sequence: 2, Next: []string{"end"},
			Action: &domain.ActionConfig{Type: domain.ActionSendNotification, Recipient: "ops"}},
		{Name: "end", Type: domain.StepTypeEnd, Sequence: 3},
	}}
	if err := b.Create(context.Background(), wf); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if problems := b.Validate(wf); len(problems) != 0 {
		t.Errorf("created workflow reported problems: %v", problems)
	}
}

func TestUpdateRequiresEditableWorkflow(t *testing.T) {
	repo := &MockWorkflowRepo{
		FindByIDFunc: func(id int64) (*domain.Workflow, error) {
			return &domain.Workflow{ID: id, Name: "frozen", Status: domain.WorkflowActive}, nil
		},
	}
	b := NewBuilder(repo)

	err := b.Update(context.Background(), &domain.Workflow{ID: 1, Name: "frozen"})
	if !errors.Is(err, ErrNotEditable) {
		t.Errorf("expected ErrNotEditable, got %v", err)
	}
}

func TestAddStepRejectsDuplicateName(t *testing.T) {
	repo := &MockWorkflowRepo{
		FindByIDFunc: func(id int64) (*domain.Workflow, error) {
			return &domain.Workflow{ID: id, Name: "wf", Status: domain.WorkflowDraft, Steps: validGraph()}, nil
		},
	}
	b := NewBuilder(repo)

	_, err := b.AddStep(context.Background(), 1, domain.WorkflowStep{Name: "check", Type: domain.StepTypeEnd})
	if err == nil || !strings.Contains(err.Error(), "already has a step") {
		t.Errorf("expected duplicate step error, got %v", err)
	}
}

func TestAddStepAssignsSequence(t *testing.T) {
	var saved *domain.Workflow
	repo := &MockWorkflowRepo{
		FindByIDFunc: func(id int64) (*domain.Workflow, error) {
			return &domain.Workflow{ID: id, Name: "wf", Status: domain.WorkflowDraft, Steps: validGraph()}, nil
		},
		SaveFunc: func(wf *domain.Workflow) error {
			saved = wf
			return nil
		},
	}
	b := NewBuilder(repo)

	wf, err := b.AddStep(context.Background(), 1, domain.WorkflowStep{Name: "audit", Type: domain.StepTypeAction,
		Action: &domain.ActionConfig{Type: domain.ActionSendNotification}})
	if err != nil {
		t.Fatalf("AddStep returned error: %v", err)
	}
	added := wf.StepByName("audit")
	if added == nil || added.Sequence != 4 {
		t.Errorf("expected appended step with sequence 4, got %+v", added)
	}
	if saved == nil {
		t.Error("AddStep must persist the workflow")
	}
}

func TestAddConditionsOnlyOnConditionSteps(t *testing.T) {
	repo := &MockWorkflowRepo{
		FindByIDFunc: func(id int64) (*domain.Workflow, error) {
			return &domain.Workflow{ID: id, Name: "wf", Status: domain.WorkflowDraft, Steps: validGraph()}, nil
		},
	}
	b := NewBuilder(repo)

	_, err := b.AddConditions(context.Background(), 1, "start", []domain.StepCondition{{NextStep: "end", IsDefault: true}})
	if err == nil || !strings.Contains(err.Error(), "CONDITION") {
		t.Errorf("expected type error for non-condition step, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	b := NewBuilder(&MockWorkflowRepo{})

	tests := []struct {
		name  string
		steps []domain.WorkflowStep
		want  string
	}{
		{
			name: "no start step",
			steps: []domain.WorkflowStep{
				{Name: "end", Type: domain.StepTypeEnd},
			},
			want: "exactly one START",
		},
		{
			name: "two start steps",
			steps: []domain.WorkflowStep{
				{Name: "a", Type: domain.StepTypeStart},
				{Name: "b", Type: domain.StepTypeStart},
				{Name: "end", Type: domain.StepTypeEnd},
			},
			want: "exactly one START",
		},
		{
			name: "no end step",
			steps: []domain.WorkflowStep{
				{Name: "start", Type: domain.StepTypeStart},
			},
			want: "at least one END",
		},
		{
			name: "action without config",
			steps: []domain.WorkflowStep{
				{Name: "start", Type: domain.StepTypeStart},
				{Name: "do", Type: domain.StepTypeAction},
				{Name: "end", Type: domain.StepTypeEnd},
			},
			want: "no action configuration",
		},
		{
			name: "approval without approver",
			steps: []domain.WorkflowStep{
				{Name: "start", Type: domain.StepTypeStart},
				{Name: "ok", Type: domain.StepTypeApproval, Approval: &domain.ApprovalConfig{}},
				{Name: "end", Type: domain.StepTypeEnd},
			},
			want: "no approver",
		},
		{
			name: "condition without conditions",
			steps: []domain.WorkflowStep{
				{Name: "start", Type: domain.StepTypeStart},
				{Name: "route", Type: domain.StepTypeCondition},
				{Name: "end", Type: domain.StepTypeEnd},
			},
			want: "no conditions",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			problems := b.Validate(&domain.Workflow{Name: "wf", Steps: tc.steps})
			if len(problems) == 0 {
				t.Fatal("expected validation problems")
			}
			found := false
			for _, p := range problems {
				if strings.Contains(p, tc.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("problems %v do not mention %q", problems, tc.want)
			}
		})
	}

	if problems := b.Validate(&domain.Workflow{Name: "wf", Steps: validGraph()}); len(problems) != 0 {
		t.Errorf("valid graph reported problems: %v", problems)
	}
}

func TestActivateFailsValidation(t *testing.T) {
	statusUpdated := false
	repo := &MockWorkflowRepo{
		FindByIDFunc: func(id int64) (*domain.Workflow, error) {
			return &domain.Workflow{ID: id, Name: "broken", Status: domain.WorkflowDraft,
				Steps: []domain.WorkflowStep{{Name: "end", Type: domain.StepTypeEnd}}}, nil
		},
		UpdateStatusFunc: func(id int64, status domain.WorkflowStatus) error {
			statusUpdated = true
			return nil
		},
	}
	b := NewBuilder(repo)

	_, err := b.Activate(context.Background(), 1)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Problems) == 0 {
		t.Error("ValidationError carries no problems")
	}
	if statusUpdated {
		t.Error("status must not change when validation fails")
	}
}

func TestActivateFlipsStatus(t *testing.T) {
	var gotStatus domain.WorkflowStatus
	repo := &MockWorkflowRepo{
		FindByIDFunc: func(id int64) (*domain.Workflow, error) {
			return &domain.Workflow{ID: id, Name: "ok", Status: domain.WorkflowDraft, Steps: validGraph()}, nil
		},
		UpdateStatusFunc: func(id int64, status domain.WorkflowStatus) error {
			gotStatus = status
			return nil
		},
	}
	b := NewBuilder(repo)

	wf, err := b.Activate(context.Background(), 1)
	if err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	if gotStatus != domain.WorkflowActive || wf.Status != domain.WorkflowActive {
		t.Errorf("status = %s/%s, want ACTIVE", gotStatus, wf.Status)
	}
}

func TestNewVersionClonesAsDraft(t *testing.T) {
	var saved *domain.Workflow
	repo := &MockWorkflowRepo{
		FindByIDFunc: func(id int64) (*domain.Workflow, error) {
			return &domain.Workflow{ID: id, ExternalID: "orig", Name: "wf", Status: domain.WorkflowActive,
				Version: 3, Steps: validGraph()}, nil
		},
		SaveFunc: func(wf *domain.Workflow) error {
			wf.ID = 99
			saved = wf
			return nil
		},
	}
	b := NewBuilder(repo)

	clone, err := b.NewVersion(context.Background(), 1)
	if err != nil {
		t.Fatalf("NewVersion returned error: %v", err)
	}
	if clone.Version != 4 {
		t.Errorf("version = %d, want 4", clone.Version)
	}
	if clone.Status != domain.WorkflowDraft {
		t.Errorf("status = %s, want DRAFT", clone.Status)
	}
	if clone.ExternalID == "orig" {
		t.Error("clone must get a fresh external id")
	}
	if len(clone.Steps) != 3 {
		t.Errorf("steps = %d, want 3", len(clone.Steps))
	}
	if saved == nil {
		t.Error("NewVersion must persist the clone")
	}
}
