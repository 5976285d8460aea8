package engine

import (
	"context"
	"database/sql"

	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

// WorkflowRepo defines the workflow persistence used by the engine, matching
// repository.WorkflowRepository.
type WorkflowRepo interface {
	FindByID(ctx context.Context, id int64) (*domain.Workflow, error)
}

// InstanceRepo defines instance persistence, matching repository.InstanceRepository.
type InstanceRepo interface {
	Save(ctx context.Context, inst *domain.WorkflowInstance) error
	FindByID(ctx context.Context, id int64) (*domain.WorkflowInstance, error)
	SaveContext(ctx context.Context, id int64, instanceCtx map[string]any) error
	MarkRunningFromWaiting(ctx context.Context, id int64) (bool, error)
	MarkCompleted(ctx context.Context, id int64, instanceCtx map[string]any) error
	MarkFailed(ctx context.Context, id int64, reason string) error
}

// InstanceStepRepo defines audit persistence, matching repository.InstanceStepRepository.
type InstanceStepRepo interface {
	Start(ctx context.Context, rec *domain.InstanceStep) (int64, error)
	Complete(ctx context.Context, id int64, output sql.NullString) error
	Fail(ctx context.Context, id int64, message string) error
}

// ApprovalRepo defines approval persistence, matching repository.ApprovalRepository.
type ApprovalRepo interface {
	CreateAndSuspend(ctx context.Context, a *domain.Approval, instanceCtx map[string]any) error
	FindByID(ctx context.Context, id int64) (*domain.Approval, error)
	Resolve(ctx context.Context, id int64, status domain.ApprovalStatus, resolvedBy string) (bool, error)
	Reassign(ctx context.Context, id int64, approverID string, delegatedTo sql.NullString, escalationLevel int) error
	FindPendingByUser(ctx context.Context, userID string) ([]domain.Approval, error)
	FindOverdue(ctx context.Context, limit int) ([]domain.Approval, error)
}
