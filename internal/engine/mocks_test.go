package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/stepflowio/stepflow/internal/events"
	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

// In-memory repositories emulating the SQL layer, including the
// compare-and-set semantics the engine relies on for concurrency.

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time                         { return c.now }
func (c *fixedClock) After(d time.Duration) <-chan time.Time { return time.After(0) }
func (c *fixedClock) Sleep(d time.Duration)                  {}

type memWorkflows struct {
	mu   sync.Mutex
	byID map[int64]*domain.Workflow
}

func newMemWorkflows(wfs ...*domain.Workflow) *memWorkflows {
	m := &memWorkflows{byID: map[int64]*domain.Workflow{}}
	for _, wf := range wfs {
		m.byID[wf.ID] = wf
	}
	return m
}

func (m *memWorkflows) FindByID(_ context.Context, id int64) (*domain.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return wf, nil
}

type memInstances struct {
	mu   sync.Mutex
	seq  int64
	byID map[int64]*domain.WorkflowInstance
}

func newMemInstances() *memInstances {
	return &memInstances{byID: map[int64]*domain.WorkflowInstance{}}
}

func copyCtx(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *memInstances) Save(_ context.Context, inst *domain.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	inst.ID = m.seq
	stored := *inst
	stored.Context = copyCtx(inst.Context)
	m.byID[inst.ID] = &stored
	return nil
}

func (m *memInstances) FindByID(_ context.Context, id int64) (*domain.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	inst := *stored
	inst.Context = copyCtx(stored.Context)
	return &inst, nil
}

func (m *memInstances) SaveContext(_ context.Context, id int64, instanceCtx map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[id]
	if !ok {
		return sql.ErrNoRows
	}
	stored.Context = copyCtx(instanceCtx)
	return nil
}

func (m *memInstances) MarkRunningFromWaiting(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[id]
	if !ok {
		return false, sql.ErrNoRows
	}
	if stored.Status != domain.InstanceWaiting {
		return false, nil
	}
	stored.Status = domain.InstanceRunning
	return true, nil
}

func (m *memInstances) MarkCompleted(_ context.Context, id int64, instanceCtx map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[id]
	if !ok {
		return sql.ErrNoRows
	}
	stored.Status = domain.InstanceCompleted
	stored.Context = copyCtx(instanceCtx)
	return nil
}

func (m *memInstances) MarkFailed(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[id]
	if !ok {
		return sql.ErrNoRows
	}
	stored.Status = domain.InstanceFailed
	stored.FailureReason = sql.NullString{String: reason, Valid: true}
	return nil
}

func (m *memInstances) markWaiting(id int64, stepName string, instanceCtx map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.byID[id]
	stored.Status = domain.InstanceWaiting
	stored.CurrentStep = stepName
	stored.Context = copyCtx(instanceCtx)
}

func (m *memInstances) get(id int64) *domain.WorkflowInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

type memAudit struct {
	mu   sync.Mutex
	seq  int64
	recs []*domain.InstanceStep
}

func (m *memAudit) Start(_ context.Context, rec *domain.InstanceStep) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	rec.ID = m.seq
	rec.Status = domain.StepRunStarted
	stored := *rec
	m.recs = append(m.recs, &stored)
	return rec.ID, nil
}

func (m *memAudit) Complete(_ context.Context, id int64, output sql.NullString) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.ID == id {
			r.Status = domain.StepRunCompleted
			r.Output = output
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memAudit) Fail(_ context.Context, id int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.ID == id {
			r.Status = domain.StepRunFailed
			r.Error = sql.NullString{String: message, Valid: true}
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memAudit) stepNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.recs))
	for _, r := range m.recs {
		names = append(names, r.StepName)
	}
	return names
}

type memApprovals struct {
	mu        sync.Mutex
	seq       int64
	byID      map[int64]*domain.Approval
	instances *memInstances
	now       time.Time
}

func newMemApprovals(instances *memInstances, now time.Time) *memApprovals {
	return &memApprovals{byID: map[int64]*domain.Approval{}, instances: instances, now: now}
}

func (m *memApprovals) CreateAndSuspend(_ context.Context, a *domain.Approval, instanceCtx map[string]any) error {
	m.mu.Lock()
	m.seq++
	a.ID = m.seq
	stored := *a
	m.byID[a.ID] = &stored
	m.mu.Unlock()
	m.instances.markWaiting(a.InstanceID, a.StepName, instanceCtx)
	return nil
}

func (m *memApprovals) FindByID(_ context.Context, id int64) (*domain.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	a := *stored
	return &a, nil
}

func (m *memApprovals) Resolve(_ context.Context, id int64, status domain.ApprovalStatus, resolvedBy string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[id]
	if !ok {
		return false, sql.ErrNoRows
	}
	if stored.Status != domain.ApprovalPending {
		return false, nil
	}
	stored.Status = status
	stored.ResolvedBy = sql.NullString{String: resolvedBy, Valid: true}
	return true, nil
}

func (m *memApprovals) Reassign(_ context.Context, id int64, approverID string, delegatedTo sql.NullString, escalationLevel int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.byID[id]
	if !ok {
		return sql.ErrNoRows
	}
	stored.ApproverID = approverID
	stored.DelegatedTo = delegatedTo
	stored.EscalationLevel = escalationLevel
	return nil
}

func (m *memApprovals) FindPendingByUser(_ context.Context, userID string) ([]domain.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Approval
	for _, a := range m.byID {
		if a.Status != domain.ApprovalPending {
			continue
		}
		if a.ApproverID == userID || (a.DelegatedTo.Valid && a.DelegatedTo.String == userID) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memApprovals) FindOverdue(_ context.Context, limit int) ([]domain.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Approval
	for _, a := range m.byID {
		if a.Status == domain.ApprovalPending && a.DueAt.Valid && a.DueAt.Time.Before(m.now) {
			out = append(out, *a)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memApprovals) get(id int64) *domain.Approval {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) byKind(kind events.Kind) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// mockRecordStore is a func-field record store for action tests.
type mockRecordStore struct {
	CreateRecordFunc func(data map[string]any) (string, error)
	UpdateRecordFunc func(recordID string, data map[string]any) error
	DeleteRecordFunc func(recordID string) error
}

func (m *mockRecordStore) CreateRecord(_ context.Context, data map[string]any) (string, error) {
	if m.CreateRecordFunc != nil {
		return m.CreateRecordFunc(data)
	}
	return "rec-1", nil
}

func (m *mockRecordStore) UpdateRecord(_ context.Context, recordID string, data map[string]any) error {
	if m.UpdateRecordFunc != nil {
		return m.UpdateRecordFunc(recordID, data)
	}
	return nil
}

func (m *mockRecordStore) DeleteRecord(_ context.Context, recordID string) error {
	if m.DeleteRecordFunc != nil {
		return m.DeleteRecordFunc(recordID)
	}
	return nil
}

func domainDue(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}

type testHarness struct {
	engine    *Engine
	workflows *memWorkflows
	instances *memInstances
	audit     *memAudit
	approvals *memApprovals
	clock     *fixedClock
}

func newHarness(wfs ...*domain.Workflow) *testHarness {
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	instances := newMemInstances()
	approvals := newMemApprovals(instances, clock.now)
	workflows := newMemWorkflows(wfs...)
	audit := &memAudit{}
	eng := NewEngine(workflows, instances, audit, approvals, NewRecordRegistry(), nil, clock)
	return &testHarness{
		engine:    eng,
		workflows: workflows,
		instances: instances,
		audit:     audit,
		approvals: approvals,
		clock:     clock,
	}
}

func (h *testHarness) pendingApproval() (*domain.Approval, error) {
	h.approvals.mu.Lock()
	defer h.approvals.mu.Unlock()
	for _, a := range h.approvals.byID {
		if a.Status == domain.ApprovalPending {
			found := *a
			return &found, nil
		}
	}
	return nil, fmt.Errorf("no pending approval")
}
