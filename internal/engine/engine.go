package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/stepflowio/stepflow/internal/config"
	"github.com/stepflowio/stepflow/internal/events"
	"github.com/stepflowio/stepflow/pkg/stepflow/core"
	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

// contextKeyApprovalResult is the context key the approval service writes the
// decision under before resuming a suspended instance.
const contextKeyApprovalResult = "approval_result"

// Engine drives a workflow instance through its step graph. Execution is
// synchronous within one Start or Resume call: the engine walks the graph
// depth first until it reaches an END step, an approval suspend point or an
// empty next-step set. Suspension is purely persisted state; no goroutine is
// parked while an instance waits.
type Engine struct {
	workflows    WorkflowRepo
	instances    InstanceRepo
	auditRepo    InstanceStepRepo
	approvalRepo ApprovalRepo
	records      *RecordRegistry
	events       events.Publisher
	clock        core.Clock
	graphs       *gocache.Cache
	locks        sync.Map // instance id -> *sync.Mutex
	approvals    *ApprovalService
}

func NewEngine(workflows WorkflowRepo, instances InstanceRepo, auditRepo InstanceStepRepo,
	approvalRepo ApprovalRepo, records *RecordRegistry, publisher events.Publisher, clock core.Clock) *Engine {

	ttl, err := time.ParseDuration(config.GetSystemSettingString(config.WORKFLOW_CACHE_TTL))
	if err != nil || ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cleanup, err := time.ParseDuration(config.GetSystemSettingString(config.WORKFLOW_CACHE_CLEANUP_INTERVAL))
	if err != nil || cleanup <= 0 {
		cleanup = 10 * time.Minute
	}

	e := &Engine{
		workflows:    workflows,
		instances:    instances,
		auditRepo:    auditRepo,
		approvalRepo: approvalRepo,
		records:      records,
		events:       publisher,
		clock:        clock,
		graphs:       gocache.New(ttl, cleanup),
	}
	e.approvals = &ApprovalService{engine: e}
	return e
}

// Approvals returns the approval service bound to this engine.
func (e *Engine) Approvals() *ApprovalService { return e.approvals }

// Records returns the registry record actions dispatch through.
func (e *Engine) Records() *RecordRegistry { return e.records }

// Start creates a new instance of an ACTIVE workflow and walks the graph from
// its START step. The returned instance reflects how far the walk got:
// COMPLETED, WAITING on an approval, or FAILED (in which case the error is
// also returned).
func (e *Engine) Start(ctx context.Context, workflowID int64, initCtx map[string]any, userID string) (*domain.WorkflowInstance, error) {
	return e.StartForEntity(ctx, workflowID, initCtx, userID, "", "")
}

// StartForEntity is Start with the business object the instance acts upon.
func (e *Engine) StartForEntity(ctx context.Context, workflowID int64, initCtx map[string]any, userID string, entityType string, entityID string) (*domain.WorkflowInstance, error) {
	wf, err := e.graph(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != domain.WorkflowActive {
		return nil, fmt.Errorf("workflow %s is %s, only ACTIVE workflows can be started", wf.Name, string(wf.Status))
	}
	if initCtx == nil {
		initCtx = map[string]any{}
	}
	inst := &domain.WorkflowInstance{
		ExternalID: uuid.NewString(),
		WorkflowID: wf.ID,
		Status:     domain.InstanceRunning,
		Context:    initCtx,
		EntityType: entityType,
		EntityID:   entityID,
		StartedBy:  userID,
	}
	if err := e.instances.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance of workflow %s: %w", wf.Name, err)
	}
	slog.InfoContext(ctx, "Starting workflow instance", "workflow", wf.Name, "instance_id", inst.ExternalID, "started_by", userID)

	start := wf.StartStep()
	if start == nil {
		return inst, e.failInstance(ctx, wf, inst, "", fmt.Errorf("workflow %s has no START step", wf.Name))
	}
	if err := e.executeStep(ctx, wf, inst, start, false); err != nil {
		return inst, err
	}
	return inst, nil
}

// Resume re-enters a WAITING instance at its stored current step. The data
// map is shallow-merged into the instance context, later keys winning. Only
// one of several concurrent resume calls for the same instance advances it;
// the rest fail with ErrInstanceNotWaiting (or ErrInstanceFinished when the
// winner already drove the instance to a terminal state).
func (e *Engine) Resume(ctx context.Context, instanceID int64, data map[string]any, userID string) error {
	mu := e.instanceLock(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := e.instances.FindByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance %d: %w", instanceID, err)
	}
	if inst.Terminal() {
		return fmt.Errorf("resume instance %s: %w", inst.ExternalID, ErrInstanceFinished)
	}
	won, err := e.instances.MarkRunningFromWaiting(ctx, instanceID)
	if err != nil {
		return err
	}
	if !won {
		// someone else advanced the instance between our read and the update
		return fmt.Errorf("resume instance %s: %w", inst.ExternalID, ErrInstanceNotWaiting)
	}
	inst.Status = domain.InstanceRunning

	for k, v := range data {
		if inst.Context == nil {
			inst.Context = map[string]any{}
		}
		inst.Context[k] = v
	}
	if err := e.instances.SaveContext(ctx, inst.ID, inst.Context); err != nil {
		return err
	}

	wf, err := e.graph(ctx, inst.WorkflowID)
	if err != nil {
		return err
	}
	step := wf.StepByName(inst.CurrentStep)
	if step == nil {
		return e.failInstance(ctx, wf, inst, inst.CurrentStep,
			fmt.Errorf("current step %q no longer exists in workflow %s", inst.CurrentStep, wf.Name))
	}
	slog.InfoContext(ctx, "Resuming workflow instance", "workflow", wf.Name, "instance_id", inst.ExternalID, "step", step.Name, "resumed_by", userID)
	return e.executeStep(ctx, wf, inst, step, true)
}

// executeStep runs one step: audit start, dispatch by type, audit finish,
// then transition. APPROVAL steps suspend the instance instead of
// transitioning; on resume the stored decision is their result. END steps
// complete the instance. Any error fails the instance and is wrapped in an
// ExecutionError.
func (e *Engine) executeStep(ctx context.Context, wf *domain.Workflow, inst *domain.WorkflowInstance, step *domain.WorkflowStep, resuming bool) error {
	audit := &domain.InstanceStep{
		InstanceID: inst.ID,
		StepName:   step.Name,
		StepType:   step.Type,
		Input:      snapshot(inst.Context),
	}
	if _, err := e.auditRepo.Start(ctx, audit); err != nil {
		return e.failInstance(ctx, wf, inst, step.Name, fmt.Errorf("record step start: %w", err))
	}
	e.publish(ctx, events.StepStarted, inst, wf, step.Name, nil)

	var output map[string]any
	var chosen *domain.StepCondition
	var err error

	switch step.Type {
	case domain.StepTypeStart:
		output = map[string]any{"started": true}

	case domain.StepTypeAction:
		output, err = e.executeAction(ctx, wf, inst, step)

	case domain.StepTypeApproval:
		if !resuming {
			approval, aerr := e.approvals.CreateApproval(ctx, wf, inst, step)
			if aerr != nil {
				return e.stepFailed(ctx, wf, inst, step, audit.ID, aerr)
			}
			if cerr := e.auditRepo.Complete(ctx, audit.ID, snapshot(map[string]any{"approval_id": approval.ExternalID, "pending": true})); cerr != nil {
				slog.ErrorContext(ctx, "Failed to close audit record", "error", cerr, "instance_id", inst.ExternalID)
			}
			slog.InfoContext(ctx, "Instance waiting for approval", "workflow", wf.Name, "instance_id", inst.ExternalID, "step", step.Name, "approver", approval.ApproverID)
			return nil
		}
		output = map[string]any{contextKeyApprovalResult: inst.Context[contextKeyApprovalResult]}

	case domain.StepTypeCondition:
		chosen, err = e.evaluateConditions(inst, step)
		if err == nil {
			if chosen != nil {
				output = map[string]any{"next_step": chosen.NextStep}
			} else {
				output = map[string]any{"next_step": nil}
			}
		}

	case domain.StepTypeParallel:
		_, err = resolveParallel(wf, step)
		if err == nil {
			output = map[string]any{"branches": step.Next}
		}

	case domain.StepTypeEnd:
		if cerr := e.auditRepo.Complete(ctx, audit.ID, snapshot(map[string]any{"completed": true})); cerr != nil {
			slog.ErrorContext(ctx, "Failed to close audit record", "error", cerr, "instance_id", inst.ExternalID)
		}
		e.publish(ctx, events.StepCompleted, inst, wf, step.Name, nil)
		return e.completeInstance(ctx, wf, inst, step.Name)

	default:
		err = fmt.Errorf("unknown step type %q", string(step.Type))
	}

	if err != nil {
		return e.stepFailed(ctx, wf, inst, step, audit.ID, err)
	}

	if err := e.instances.SaveContext(ctx, inst.ID, inst.Context); err != nil {
		return e.stepFailed(ctx, wf, inst, step, audit.ID, err)
	}
	if cerr := e.auditRepo.Complete(ctx, audit.ID, snapshot(output)); cerr != nil {
		slog.ErrorContext(ctx, "Failed to close audit record", "error", cerr, "instance_id", inst.ExternalID)
	}
	e.publish(ctx, events.StepCompleted, inst, wf, step.Name, output)

	return e.transitionToNext(ctx, wf, inst, step, chosen)
}

// transitionToNext walks into the step's successors depth first. An empty
// next-step set completes the instance even without an explicit END step.
func (e *Engine) transitionToNext(ctx context.Context, wf *domain.Workflow, inst *domain.WorkflowInstance, step *domain.WorkflowStep, chosen *domain.StepCondition) error {
	var nextNames []string
	if step.Type == domain.StepTypeCondition {
		if chosen != nil {
			nextNames = []string{chosen.NextStep}
		}
	} else {
		nextNames = step.Next
	}

	if len(nextNames) == 0 {
		return e.completeInstance(ctx, wf, inst, step.Name)
	}

	for _, name := range nextNames {
		next := wf.StepByName(name)
		if next == nil {
			return e.failInstance(ctx, wf, inst, step.Name,
				fmt.Errorf("step %s references unknown step %q", step.Name, name))
		}
		if err := e.executeStep(ctx, wf, inst, next, false); err != nil {
			return err
		}
		if inst.Status == domain.InstanceWaiting {
			// branch suspended on an approval; stop the walk. A branch that
			// completed through an implicit end must not starve its siblings,
			// completeInstance tolerates being reached again.
			return nil
		}
	}
	return nil
}

func (e *Engine) completeInstance(ctx context.Context, wf *domain.Workflow, inst *domain.WorkflowInstance, stepName string) error {
	if inst.Terminal() {
		return nil
	}
	if err := e.instances.MarkCompleted(ctx, inst.ID, inst.Context); err != nil {
		return err
	}
	inst.Status = domain.InstanceCompleted
	slog.InfoContext(ctx, "Workflow instance completed", "workflow", wf.Name, "instance_id", inst.ExternalID)
	e.publish(ctx, events.InstanceCompleted, inst, wf, stepName, nil)
	return nil
}

// stepFailed closes the audit record, fails the instance and wraps the cause.
func (e *Engine) stepFailed(ctx context.Context, wf *domain.Workflow, inst *domain.WorkflowInstance, step *domain.WorkflowStep, auditID int64, cause error) error {
	if ferr := e.auditRepo.Fail(ctx, auditID, cause.Error()); ferr != nil {
		slog.ErrorContext(ctx, "Failed to record step failure", "error", ferr, "instance_id", inst.ExternalID)
	}
	e.publish(ctx, events.StepFailed, inst, wf, step.Name, map[string]any{"error": cause.Error()})
	return e.failInstance(ctx, wf, inst, step.Name, cause)
}

func (e *Engine) failInstance(ctx context.Context, wf *domain.Workflow, inst *domain.WorkflowInstance, stepName string, cause error) error {
	if merr := e.instances.MarkFailed(ctx, inst.ID, cause.Error()); merr != nil {
		slog.ErrorContext(ctx, "Failed to mark instance failed", "error", merr, "instance_id", inst.ExternalID)
	}
	inst.Status = domain.InstanceFailed
	inst.FailureReason = sql.NullString{String: cause.Error(), Valid: true}
	slog.ErrorContext(ctx, "Workflow instance failed", "workflow", wf.Name, "instance_id", inst.ExternalID, "step", stepName, "error", cause)
	e.publish(ctx, events.InstanceFailed, inst, wf, stepName, map[string]any{"error": cause.Error()})
	return &ExecutionError{Workflow: wf.Name, Step: stepName, Err: cause}
}

// graph returns the workflow with its step graph, cached after activation.
// Graphs are frozen once ACTIVE so a short TTL cache is safe.
func (e *Engine) graph(ctx context.Context, workflowID int64) (*domain.Workflow, error) {
	key := strconv.FormatInt(workflowID, 10)
	if cached, ok := e.graphs.Get(key); ok {
		return cached.(*domain.Workflow), nil
	}
	wf, err := e.workflows.FindByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %d: %w", workflowID, err)
	}
	if wf.Status == domain.WorkflowActive {
		e.graphs.SetDefault(key, wf)
	}
	return wf, nil
}

func (e *Engine) instanceLock(instanceID int64) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(instanceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (e *Engine) publish(ctx context.Context, kind events.Kind, inst *domain.WorkflowInstance, wf *domain.Workflow, step string, data map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, events.Event{
		Kind:       kind,
		InstanceID: inst.ExternalID,
		Workflow:   wf.Name,
		Step:       step,
		Data:       data,
		At:         e.clock.Now(),
	})
}

func snapshot(m map[string]any) sql.NullString {
	if len(m) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
