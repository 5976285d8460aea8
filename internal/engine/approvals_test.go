package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stepflowio/stepflow/internal/events"
	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

func rejectableFlow(onReject string) *domain.Workflow {
	return activeWorkflow(
		domain.WorkflowStep{Name: "start", Type: domain.StepTypeStart, Sequence: 1, Next: []string{"signoff"}},
		domain.WorkflowStep{Name: "signoff", Type: domain.StepTypeApproval, Sequence: 2, Next: []string{"route"},
			Approval: &domain.ApprovalConfig{
				ApproverID:      "manager",
				OnReject:        onReject,
				EscalationChain: []string{"director", "vp"},
				DueHours:        4,
			}},
		domain.WorkflowStep{Name: "route", Type: domain.StepTypeCondition, Sequence: 3,
			Conditions: []domain.StepCondition{
				{Field: "approval_result", Operator: domain.OpEquals, Value: "approved", NextStep: "end", Sequence: 1},
				{NextStep: "rejected_end", Sequence: 2, IsDefault: true},
			}},
		domain.WorkflowStep{Name: "end", Type: domain.StepTypeEnd, Sequence: 4},
		domain.WorkflowStep{Name: "rejected_end", Type: domain.StepTypeEnd, Sequence: 5},
	)
}

func startSuspended(t *testing.T, h *testHarness, wf *domain.Workflow) (*domain.WorkflowInstance, *domain.Approval) {
	t.Helper()
	inst, err := h.engine.Start(context.Background(), wf.ID, nil, "alice")
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if got := h.instances.get(inst.ID).Status; got != domain.InstanceWaiting {
		t.Fatalf("status = %s, want WAITING", got)
	}
	a, err := h.pendingApproval()
	if err != nil {
		t.Fatal(err)
	}
	return inst, a
}

func TestRejectWithOnRejectFailFailsInstance(t *testing.T) {
	wf := rejectableFlow(domain.OnRejectFail)
	h := newHarness(wf)
	inst, a := startSuspended(t, h, wf)

	err := h.engine.Approvals().Reject(context.Background(), a.ID, nil, "manager")
	if err == nil {
		t.Fatal("expected rejection with on_reject=fail to surface the failure")
	}
	stored := h.instances.get(inst.ID)
	if stored.Status != domain.InstanceFailed {
		t.Errorf("status = %s, want FAILED", stored.Status)
	}
	if h.approvals.get(a.ID).Status != domain.ApprovalRejected {
		t.Error("approval should still be marked REJECTED")
	}
}

func TestRejectResumesWhenNotConfiguredToFail(t *testing.T) {
	wf := rejectableFlow("")
	h := newHarness(wf)
	inst, a := startSuspended(t, h, wf)

	if err := h.engine.Approvals().Reject(context.Background(), a.ID, nil, "manager"); err != nil {
		t.Fatalf("Reject returned error: %v", err)
	}
	stored := h.instances.get(inst.ID)
	if stored.Status != domain.InstanceCompleted {
		t.Fatalf("status = %s, want COMPLETED via rejected_end", stored.Status)
	}
	if stored.Context["approval_result"] != "rejected" {
		t.Errorf("approval_result = %v, want rejected", stored.Context["approval_result"])
	}
}

func TestApproveRequiresApproverOrDelegate(t *testing.T) {
	wf := rejectableFlow("")
	h := newHarness(wf)
	_, a := startSuspended(t, h, wf)

	err := h.engine.Approvals().Approve(context.Background(), a.ID, nil, "intruder")
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
	if h.approvals.get(a.ID).Status != domain.ApprovalPending {
		t.Error("approval must stay PENDING after unauthorized attempt")
	}
}

func TestApproveAlreadyResolved(t *testing.T) {
	wf := rejectableFlow("")
	h := newHarness(wf)
	_, a := startSuspended(t, h, wf)

	if err := h.engine.Approvals().Approve(context.Background(), a.ID, nil, "manager"); err != nil {
		t.Fatalf("first approve returned error: %v", err)
	}
	err := h.engine.Approvals().Approve(context.Background(), a.ID, nil, "manager")
	if !errors.Is(err, ErrApprovalResolved) {
		t.Errorf("expected ErrApprovalResolved, got %v", err)
	}
}

func TestDelegateAllowsDelegateToRespond(t *testing.T) {
	wf := rejectableFlow("")
	h := newHarness(wf)
	inst, a := startSuspended(t, h, wf)

	if err := h.engine.Approvals().Delegate(context.Background(), a.ID, "deputy", "manager"); err != nil {
		t.Fatalf("Delegate returned error: %v", err)
	}
	if got := h.approvals.get(a.ID); !got.DelegatedTo.Valid || got.DelegatedTo.String != "deputy" {
		t.Fatalf("delegated_to = %v, want deputy", got.DelegatedTo)
	}
	if err := h.engine.Approvals().Approve(context.Background(), a.ID, nil, "deputy"); err != nil {
		t.Fatalf("delegate could not approve: %v", err)
	}
	if got := h.instances.get(inst.ID).Status; got != domain.InstanceCompleted {
		t.Errorf("status = %s, want COMPLETED", got)
	}
}

func TestEscalateWalksChainThenStops(t *testing.T) {
	wf := rejectableFlow("")
	h := newHarness(wf)
	_, a := startSuspended(t, h, wf)

	if err := h.engine.Approvals().Escalate(context.Background(), a.ID); err != nil {
		t.Fatalf("first escalation returned error: %v", err)
	}
	got := h.approvals.get(a.ID)
	if got.ApproverID != "director" || got.EscalationLevel != 1 {
		t.Errorf("after first escalation approver=%s level=%d, want director/1", got.ApproverID, got.EscalationLevel)
	}

	if err := h.engine.Approvals().Escalate(context.Background(), a.ID); err != nil {
		t.Fatalf("second escalation returned error: %v", err)
	}
	got = h.approvals.get(a.ID)
	if got.ApproverID != "vp" || got.EscalationLevel != 2 {
		t.Errorf("after second escalation approver=%s level=%d, want vp/2", got.ApproverID, got.EscalationLevel)
	}

	// past the end of the chain nothing changes
	if err := h.engine.Approvals().Escalate(context.Background(), a.ID); err != nil {
		t.Fatalf("exhausted escalation returned error: %v", err)
	}
	got = h.approvals.get(a.ID)
	if got.ApproverID != "vp" || got.EscalationLevel != 2 {
		t.Errorf("exhausted chain must be a no-op, got approver=%s level=%d", got.ApproverID, got.EscalationLevel)
	}
}

func TestGetPendingApprovalsIncludesDelegate(t *testing.T) {
	wf := rejectableFlow("")
	h := newHarness(wf)
	_, a := startSuspended(t, h, wf)

	if err := h.engine.Approvals().Delegate(context.Background(), a.ID, "deputy", "manager"); err != nil {
		t.Fatalf("Delegate returned error: %v", err)
	}
	pending, err := h.engine.Approvals().GetPendingApprovals(context.Background(), "deputy")
	if err != nil {
		t.Fatalf("GetPendingApprovals returned error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	pending, err = h.engine.Approvals().GetPendingApprovals(context.Background(), "stranger")
	if err != nil {
		t.Fatalf("GetPendingApprovals returned error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("stranger should see no approvals, got %d", len(pending))
	}
}

func TestApprovalEventsCarryInstanceExternalID(t *testing.T) {
	wf := rejectableFlow("")
	h := newHarness(wf)
	pub := &recordingPublisher{}
	h.engine.events = pub
	inst, a := startSuspended(t, h, wf)

	if err := h.engine.Approvals().Approve(context.Background(), a.ID, nil, "manager"); err != nil {
		t.Fatalf("Approve returned error: %v", err)
	}

	responded := pub.byKind(events.ApprovalResponded)
	if len(responded) != 1 {
		t.Fatalf("approval.responded events = %d, want 1", len(responded))
	}
	if responded[0].InstanceID != inst.ExternalID {
		t.Errorf("approval.responded instance id = %q, want %q", responded[0].InstanceID, inst.ExternalID)
	}
	created := pub.byKind(events.ApprovalCreated)
	if len(created) != 1 || created[0].InstanceID != inst.ExternalID {
		t.Errorf("approval.created must carry the same external id, got %+v", created)
	}
}

func TestProcessOverdueApprovalsEscalates(t *testing.T) {
	wf := rejectableFlow("")
	h := newHarness(wf)
	_, a := startSuspended(t, h, wf)

	// push the due date into the past
	h.approvals.mu.Lock()
	h.approvals.byID[a.ID].DueAt = domainDue(h.clock.now.Add(-time.Hour))
	h.approvals.mu.Unlock()

	if err := h.engine.Approvals().ProcessOverdueApprovals(context.Background()); err != nil {
		t.Fatalf("sweep returned error: %v", err)
	}
	got := h.approvals.get(a.ID)
	if got.ApproverID != "director" || got.EscalationLevel != 1 {
		t.Errorf("overdue approval was not escalated: approver=%s level=%d", got.ApproverID, got.EscalationLevel)
	}
}

func TestProcessOverdueApprovalsIsolatesFailures(t *testing.T) {
	wf := rejectableFlow("")
	h := newHarness(wf)
	_, good := startSuspended(t, h, wf)

	h.approvals.mu.Lock()
	h.approvals.byID[good.ID].DueAt = domainDue(h.clock.now.Add(-time.Hour))
	// an orphan pointing at an instance that does not exist
	h.approvals.seq++
	h.approvals.byID[h.approvals.seq] = &domain.Approval{
		ID:         h.approvals.seq,
		ExternalID: "orphan",
		InstanceID: 9999,
		StepName:   "signoff",
		ApproverID: "manager",
		Status:     domain.ApprovalPending,
		DueAt:      domainDue(h.clock.now.Add(-2 * time.Hour)),
	}
	h.approvals.mu.Unlock()

	err := h.engine.Approvals().ProcessOverdueApprovals(context.Background())
	if err == nil {
		t.Fatal("expected the orphan approval to surface an error")
	}
	got := h.approvals.get(good.ID)
	if got.ApproverID != "director" {
		t.Errorf("healthy approval must still escalate despite the orphan, approver=%s", got.ApproverID)
	}
}
