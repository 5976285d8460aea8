package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/stepflowio/stepflow/internal/config"
	"github.com/stepflowio/stepflow/internal/events"
	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

// ApprovalService creates, resolves and escalates the human decisions that
// gate APPROVAL steps. Resolving an approval is what brings a WAITING
// instance back to life; everything else here leaves instance state alone.
type ApprovalService struct {
	engine *Engine
}

// CreateApproval persists a PENDING approval for an APPROVAL step and
// suspends the instance on that step in the same transaction.
func (s *ApprovalService) CreateApproval(ctx context.Context, wf *domain.Workflow, inst *domain.WorkflowInstance, step *domain.WorkflowStep) (*domain.Approval, error) {
	cfg := step.Approval
	if cfg == nil {
		return nil, fmt.Errorf("approval step %s has no approval config", step.Name)
	}
	if cfg.ApproverID == "" {
		return nil, fmt.Errorf("approval step %s has no approver", step.Name)
	}
	approval := &domain.Approval{
		ExternalID:  uuid.NewString(),
		InstanceID:  inst.ID,
		StepName:    step.Name,
		ApproverID:  cfg.ApproverID,
		Status:      domain.ApprovalPending,
		Priority:    cfg.Priority,
		Subject:     cfg.Subject,
		Description: cfg.Description,
	}
	if cfg.DueHours > 0 {
		approval.DueAt = sql.NullTime{
			Time:  s.engine.clock.Now().Add(time.Duration(cfg.DueHours) * time.Hour).UTC(),
			Valid: true,
		}
	}
	if err := s.engine.approvalRepo.CreateAndSuspend(ctx, approval, inst.Context); err != nil {
		return nil, fmt.Errorf("create approval for step %s: %w", step.Name, err)
	}
	inst.Status = domain.InstanceWaiting
	inst.CurrentStep = step.Name
	s.engine.publish(ctx, events.ApprovalCreated, inst, wf, step.Name, map[string]any{
		"approval_id": approval.ExternalID,
		"approver_id": approval.ApproverID,
	})
	return approval, nil
}

// Approve resolves an approval positively and resumes its instance with
// approval_result=approved. Fails when the approval is already terminal or
// when userID is neither the approver nor the delegate.
func (s *ApprovalService) Approve(ctx context.Context, approvalID int64, data map[string]any, userID string) error {
	a, err := s.engine.approvalRepo.FindByID(ctx, approvalID)
	if err != nil {
		return fmt.Errorf("load approval %d: %w", approvalID, err)
	}
	if err := s.checkRespondable(a, userID); err != nil {
		return err
	}
	won, err := s.engine.approvalRepo.Resolve(ctx, a.ID, domain.ApprovalApproved, userID)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("approval %s: %w", a.ExternalID, ErrApprovalResolved)
	}
	slog.InfoContext(ctx, "Approval approved", "approval_id", a.ExternalID, "by", userID)
	s.publishResponse(ctx, a, "approved", userID)

	merged := map[string]any{}
	for k, v := range data {
		merged[k] = v
	}
	merged[contextKeyApprovalResult] = "approved"
	return s.engine.Resume(ctx, a.InstanceID, merged, userID)
}

// Reject resolves an approval negatively. When the step is configured with
// on_reject=fail the instance is failed directly without passing through
// Resume; otherwise the instance resumes with approval_result=rejected and
// the graph decides what rejection means.
func (s *ApprovalService) Reject(ctx context.Context, approvalID int64, data map[string]any, userID string) error {
	a, err := s.engine.approvalRepo.FindByID(ctx, approvalID)
	if err != nil {
		return fmt.Errorf("load approval %d: %w", approvalID, err)
	}
	if err := s.checkRespondable(a, userID); err != nil {
		return err
	}
	won, err := s.engine.approvalRepo.Resolve(ctx, a.ID, domain.ApprovalRejected, userID)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("approval %s: %w", a.ExternalID, ErrApprovalResolved)
	}
	slog.InfoContext(ctx, "Approval rejected", "approval_id", a.ExternalID, "by", userID)
	s.publishResponse(ctx, a, "rejected", userID)

	step, wf, inst, err := s.loadStep(ctx, a)
	if err != nil {
		return err
	}
	if step.Approval != nil && step.Approval.OnReject == domain.OnRejectFail {
		return s.engine.failInstance(ctx, wf, inst, step.Name,
			fmt.Errorf("approval %s rejected by %s", a.ExternalID, userID))
	}
	merged := map[string]any{}
	for k, v := range data {
		merged[k] = v
	}
	merged[contextKeyApprovalResult] = "rejected"
	return s.engine.Resume(ctx, a.InstanceID, merged, userID)
}

// Delegate reassigns the effective approver without touching instance state.
func (s *ApprovalService) Delegate(ctx context.Context, approvalID int64, newApproverID string, userID string) error {
	a, err := s.engine.approvalRepo.FindByID(ctx, approvalID)
	if err != nil {
		return fmt.Errorf("load approval %d: %w", approvalID, err)
	}
	if err := s.checkRespondable(a, userID); err != nil {
		return err
	}
	if newApproverID == "" {
		return fmt.Errorf("delegate approval %s: new approver must not be empty", a.ExternalID)
	}
	slog.InfoContext(ctx, "Approval delegated", "approval_id", a.ExternalID, "from", userID, "to", newApproverID)
	return s.engine.approvalRepo.Reassign(ctx, a.ID, a.ApproverID,
		sql.NullString{String: newApproverID, Valid: true}, a.EscalationLevel)
}

// Escalate advances the approval one level along its step's escalation chain
// and reassigns the approver to that entry. Past the end of the chain it is a
// no-op: the approver and level stay unchanged.
func (s *ApprovalService) Escalate(ctx context.Context, approvalID int64) error {
	a, err := s.engine.approvalRepo.FindByID(ctx, approvalID)
	if err != nil {
		return fmt.Errorf("load approval %d: %w", approvalID, err)
	}
	if a.Resolved() {
		return fmt.Errorf("approval %s: %w", a.ExternalID, ErrApprovalResolved)
	}
	step, _, _, err := s.loadStep(ctx, a)
	if err != nil {
		return err
	}
	chain := []string{}
	if step.Approval != nil {
		chain = step.Approval.EscalationChain
	}
	if a.EscalationLevel >= len(chain) {
		slog.DebugContext(ctx, "Escalation chain exhausted", "approval_id", a.ExternalID, "level", a.EscalationLevel)
		return nil
	}
	next := chain[a.EscalationLevel]
	slog.InfoContext(ctx, "Escalating approval", "approval_id", a.ExternalID, "level", a.EscalationLevel+1, "approver", next)
	return s.engine.approvalRepo.Reassign(ctx, a.ID, next, sql.NullString{}, a.EscalationLevel+1)
}

// GetPendingApprovals returns every open approval where userID is the
// approver or the delegate.
func (s *ApprovalService) GetPendingApprovals(ctx context.Context, userID string) ([]domain.Approval, error) {
	return s.engine.approvalRepo.FindPendingByUser(ctx, userID)
}

// ProcessOverdueApprovals escalates every approval whose due date has
// passed. Failures are collected per item so one bad record cannot block the
// rest of the batch.
func (s *ApprovalService) ProcessOverdueApprovals(ctx context.Context) error {
	batch := config.GetSystemSettingInteger(config.APPROVAL_SWEEP_BATCH_SIZE)
	if batch <= 0 {
		batch = 100
	}
	overdue, err := s.engine.approvalRepo.FindOverdue(ctx, batch)
	if err != nil {
		return fmt.Errorf("find overdue approvals: %w", err)
	}
	var result *multierror.Error
	for _, a := range overdue {
		if err := s.Escalate(ctx, a.ID); err != nil {
			slog.ErrorContext(ctx, "Failed to escalate overdue approval", "approval_id", a.ExternalID, "error", err)
			result = multierror.Append(result, fmt.Errorf("approval %s: %w", a.ExternalID, err))
		}
	}
	return result.ErrorOrNil()
}

// RunOverdueSweep escalates overdue approvals on a fixed interval until the
// context is cancelled.
func (s *ApprovalService) RunOverdueSweep(ctx context.Context) {
	dur, err := time.ParseDuration(config.GetSystemSettingString(config.APPROVAL_SWEEP_INTERVAL))
	if err != nil || dur <= 0 {
		dur = time.Minute
	}
	ticker := time.NewTicker(dur)
	defer ticker.Stop()

	slog.Info("Starting overdue approval sweep", "interval", dur.String())
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Overdue approval sweep stopping due to context cancel")
			return
		case <-ticker.C:
			if err := s.ProcessOverdueApprovals(ctx); err != nil {
				slog.Error("Overdue approval sweep finished with errors", "error", err)
			}
		}
	}
}

func (s *ApprovalService) checkRespondable(a *domain.Approval, userID string) error {
	if a.Resolved() {
		return fmt.Errorf("approval %s: %w", a.ExternalID, ErrApprovalResolved)
	}
	if !a.CanRespond(userID) {
		return fmt.Errorf("approval %s, user %s: %w", a.ExternalID, userID, ErrNotAuthorized)
	}
	return nil
}

func (s *ApprovalService) loadStep(ctx context.Context, a *domain.Approval) (*domain.WorkflowStep, *domain.Workflow, *domain.WorkflowInstance, error) {
	inst, err := s.engine.instances.FindByID(ctx, a.InstanceID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load instance %d: %w", a.InstanceID, err)
	}
	wf, err := s.engine.graph(ctx, inst.WorkflowID)
	if err != nil {
		return nil, nil, nil, err
	}
	step := wf.StepByName(a.StepName)
	if step == nil {
		return nil, nil, nil, fmt.Errorf("approval step %q no longer exists in workflow %s", a.StepName, wf.Name)
	}
	return step, wf, inst, nil
}

func (s *ApprovalService) publishResponse(ctx context.Context, a *domain.Approval, decision string, userID string) {
	if s.engine.events == nil {
		return
	}
	inst, err := s.engine.instances.FindByID(ctx, a.InstanceID)
	if err != nil {
		slog.WarnContext(ctx, "Could not load instance for approval event", "approval_id", a.ExternalID, "error", err)
		return
	}
	s.engine.events.Publish(ctx, events.Event{
		Kind:       events.ApprovalResponded,
		InstanceID: inst.ExternalID,
		Step:       a.StepName,
		Data:       map[string]any{"approval_id": a.ExternalID, "decision": decision, "by": userID},
		At:         s.engine.clock.Now(),
	})
}
