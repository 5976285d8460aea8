package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/stepflowio/stepflow/pkg/stepflow"
	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

// memoryStore is a demo record store backing the create/update/delete record
// actions with an in-memory map.
type memoryStore struct {
	next    int
	records map[string]map[string]any
}

func (s *memoryStore) CreateRecord(_ context.Context, data map[string]any) (string, error) {
	s.next++
	id := "rec-" + strconv.Itoa(s.next)
	s.records[id] = data
	return id, nil
}

func (s *memoryStore) UpdateRecord(_ context.Context, recordID string, data map[string]any) error {
	for k, v := range data {
		s.records[recordID][k] = v
	}
	return nil
}

func (s *memoryStore) DeleteRecord(_ context.Context, recordID string) error {
	delete(s.records, recordID)
	return nil
}

func main() {
	stepflow.SetupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := stepflow.Start(ctx, stepflow.Options{})
	if err != nil {
		slog.Error("Engine failed to start", "error", err)
		os.Exit(1)
	}
	defer app.Stop()

	app.Engine.Records().Register("order", &memoryStore{records: map[string]map[string]any{}})

	wf := &domain.Workflow{
		Name: "order-discount",
		Code: "ORDER_DISCOUNT",
		Steps: []domain.WorkflowStep{
			{Name: "start", Type: domain.StepTypeStart, Sequence: 1, Next: []string{"score"}},
			{Name: "score", Type: domain.StepTypeAction, Sequence: 2, Next: []string{"route"},
				Action: &domain.ActionConfig{
					Type:      domain.ActionExecuteScript,
					Language:  "expression",
					Script:    "{{order.total}} * 0.1",
					ResultKey: "discount",
				}},
			{Name: "route", Type: domain.StepTypeCondition, Sequence: 3,
				Conditions: []domain.StepCondition{
					{Field: "order.total", Operator: domain.OpGreaterThan, Value: "1000", NextStep: "manager_signoff", Sequence: 1},
					{NextStep: "done", Sequence: 2, IsDefault: true},
				}},
			{Name: "manager_signoff", Type: domain.StepTypeApproval, Sequence: 4, Next: []string{"done"},
				Approval: &domain.ApprovalConfig{
					ApproverID: "manager",
					Subject:    "Large order discount",
					DueHours:   24,
				}},
			{Name: "done", Type: domain.StepTypeEnd, Sequence: 5},
		},
	}
	if err := app.Builder.Create(ctx, wf); err != nil {
		slog.Error("Failed to create demo workflow", "error", err)
		os.Exit(1)
	}
	if _, err := app.Builder.Activate(ctx, wf.ID); err != nil {
		slog.Error("Failed to activate demo workflow", "error", err)
		os.Exit(1)
	}

	inst, err := app.Engine.Start(ctx, wf.ID, map[string]any{
		"order": map[string]any{"total": 250},
	}, "demo-user")
	if err != nil {
		slog.Error("Demo instance failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Demo instance finished", "instance_id", inst.ExternalID, "status", string(inst.Status))

	<-ctx.Done()
	slog.Info("Shutting down")
}
