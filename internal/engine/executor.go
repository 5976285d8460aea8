package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/stepflowio/stepflow/internal/events"
	"github.com/stepflowio/stepflow/internal/expr"
	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

// executeAction runs the payload of an ACTION step and returns the step
// output. Every failure here fails the owning instance.
func (e *Engine) executeAction(ctx context.Context, wf *domain.Workflow, inst *domain.WorkflowInstance, step *domain.WorkflowStep) (map[string]any, error) {
	cfg := step.Action
	if cfg == nil {
		return nil, fmt.Errorf("action step %s has no action config", step.Name)
	}
	slog.InfoContext(ctx, "Executing action", "workflow", wf.Name, "instance_id", inst.ExternalID, "step", step.Name, "action", string(cfg.Type))

	switch cfg.Type {
	case domain.ActionCreateRecord:
		store, err := e.records.Lookup(cfg.Model)
		if err != nil {
			return nil, err
		}
		data := expr.InterpolateMap(cfg.Data, inst.Context)
		id, err := store.CreateRecord(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("create %s record: %w", cfg.Model, err)
		}
		out := map[string]any{"record_id": id}
		e.storeResult(inst, cfg.ResultKey, id)
		e.publish(ctx, events.ActionExecuted, inst, wf, step.Name, out)
		return out, nil

	case domain.ActionUpdateRecord:
		store, err := e.records.Lookup(cfg.Model)
		if err != nil {
			return nil, err
		}
		recordID := expr.Interpolate(cfg.RecordID, inst.Context)
		data := expr.InterpolateMap(cfg.Data, inst.Context)
		if err := store.UpdateRecord(ctx, recordID, data); err != nil {
			return nil, fmt.Errorf("update %s record %s: %w", cfg.Model, recordID, err)
		}
		out := map[string]any{"record_id": recordID}
		e.publish(ctx, events.ActionExecuted, inst, wf, step.Name, out)
		return out, nil

	case domain.ActionDeleteRecord:
		store, err := e.records.Lookup(cfg.Model)
		if err != nil {
			return nil, err
		}
		recordID := expr.Interpolate(cfg.RecordID, inst.Context)
		if err := store.DeleteRecord(ctx, recordID); err != nil {
			return nil, fmt.Errorf("delete %s record %s: %w", cfg.Model, recordID, err)
		}
		out := map[string]any{"record_id": recordID}
		e.publish(ctx, events.ActionExecuted, inst, wf, step.Name, out)
		return out, nil

	case domain.ActionSendNotification:
		if e.events == nil {
			slog.DebugContext(ctx, "No event publisher configured, skipping notification", "step", step.Name)
			return map[string]any{"skipped": true}, nil
		}
		out := map[string]any{
			"recipient": expr.Interpolate(cfg.Recipient, inst.Context),
			"subject":   expr.Interpolate(cfg.Subject, inst.Context),
			"body":      expr.Interpolate(cfg.Body, inst.Context),
		}
		e.publish(ctx, events.NotificationRequested, inst, wf, step.Name, out)
		return out, nil

	case domain.ActionSendEmail:
		if cfg.Recipient == "" {
			return nil, fmt.Errorf("email action %s has no recipient", step.Name)
		}
		out := map[string]any{
			"recipient": expr.Interpolate(cfg.Recipient, inst.Context),
			"subject":   expr.Interpolate(cfg.Subject, inst.Context),
			"body":      expr.Interpolate(cfg.Body, inst.Context),
		}
		e.publish(ctx, events.EmailRequested, inst, wf, step.Name, out)
		return out, nil

	case domain.ActionCallWebhook:
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook action %s has no url", step.Name)
		}
		method := cfg.Method
		if method == "" {
			method = "POST"
		}
		out := map[string]any{
			"url":    expr.Interpolate(cfg.URL, inst.Context),
			"method": method,
			"body":   expr.Interpolate(cfg.Body, inst.Context),
		}
		e.publish(ctx, events.WebhookRequested, inst, wf, step.Name, out)
		return out, nil

	case domain.ActionExecuteScript:
		if !strings.EqualFold(cfg.Language, "expression") {
			return nil, fmt.Errorf("unsupported script language %q, only \"expression\" is allowed", cfg.Language)
		}
		result, err := expr.Evaluate(cfg.Script, inst.Context)
		if err != nil {
			return nil, fmt.Errorf("script in step %s: %w", step.Name, err)
		}
		key := cfg.ResultKey
		if key == "" {
			key = "script_result"
		}
		e.storeResult(inst, key, result)
		out := map[string]any{"result": expr.FormatValue(result)}
		e.publish(ctx, events.ActionExecuted, inst, wf, step.Name, out)
		return out, nil
	}
	return nil, fmt.Errorf("unknown action type %q", string(cfg.Type))
}

func (e *Engine) storeResult(inst *domain.WorkflowInstance, key string, value any) {
	if key == "" {
		return
	}
	if inst.Context == nil {
		inst.Context = map[string]any{}
	}
	inst.Context[key] = value
}

// evaluateConditions walks a CONDITION step's predicates in ascending
// sequence order and returns the first match. When nothing matches, the
// default route wins if one exists; otherwise nil is returned and the caller
// sees an empty next-step set.
func (e *Engine) evaluateConditions(inst *domain.WorkflowInstance, step *domain.WorkflowStep) (*domain.StepCondition, error) {
	if len(step.Conditions) == 0 {
		return nil, fmt.Errorf("condition step %s has no conditions", step.Name)
	}
	conditions := make([]domain.StepCondition, len(step.Conditions))
	copy(conditions, step.Conditions)
	sort.SliceStable(conditions, func(i, j int) bool { return conditions[i].Sequence < conditions[j].Sequence })

	var fallback *domain.StepCondition
	for i := range conditions {
		c := &conditions[i]
		if c.IsDefault {
			if fallback == nil {
				fallback = c
			}
			continue
		}
		match, err := matchCondition(c, inst.Context)
		if err != nil {
			return nil, fmt.Errorf("condition %s %s %q: %w", c.Field, c.Operator, c.Value, err)
		}
		if match {
			return c, nil
		}
	}
	return fallback, nil
}

func matchCondition(c *domain.StepCondition, instanceCtx map[string]any) (bool, error) {
	actual, ok := expr.Lookup(instanceCtx, c.Field)
	if !ok {
		actual = ""
	}
	switch c.Operator {
	case domain.OpEquals:
		return expr.Compare("==", actual, c.Value)
	case domain.OpNotEquals:
		return expr.Compare("!=", actual, c.Value)
	case domain.OpGreaterThan:
		return expr.Compare(">", actual, c.Value)
	case domain.OpLessThan:
		return expr.Compare("<", actual, c.Value)
	case domain.OpGreaterOrEqual:
		return expr.Compare(">=", actual, c.Value)
	case domain.OpLessOrEqual:
		return expr.Compare("<=", actual, c.Value)
	case domain.OpContains:
		return strings.Contains(expr.FormatValue(actual), c.Value), nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Operator)
}

// resolveParallel maps a PARALLEL step's configured next-step names to step
// objects in declaration order. Fan-out order is deterministic.
func resolveParallel(wf *domain.Workflow, step *domain.WorkflowStep) ([]*domain.WorkflowStep, error) {
	if len(step.Next) == 0 {
		return nil, fmt.Errorf("parallel step %s has no branches", step.Name)
	}
	branches := make([]*domain.WorkflowStep, 0, len(step.Next))
	for _, name := range step.Next {
		next := wf.StepByName(name)
		if next == nil {
			return nil, fmt.Errorf("parallel step %s references unknown step %q", step.Name, name)
		}
		branches = append(branches, next)
	}
	return branches, nil
}
