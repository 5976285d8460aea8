package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/stepflowio/stepflow/pkg/stepflow/core"
	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

// InstanceRepository persists workflow instances. Instances are append-and-
// update only; nothing here deletes a row, executions are retained for audit.
type InstanceRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewInstanceRepository(db *sql.DB, clock core.Clock) *InstanceRepository {
	return &InstanceRepository{db: db, clock: clock}
}

const instanceColumns = ` id, external_id, workflow_id, status, context, current_step,
		entity_type, entity_id, started_by, failure_reason, created, modified, started, completed `

func (r *InstanceRepository) Save(ctx context.Context, inst *domain.WorkflowInstance) error {
	vals := []interface{}{inst.ExternalID, inst.WorkflowID, string(inst.Status),
		marshalJSON(inst.Context), inst.CurrentStep, inst.EntityType, inst.EntityID,
		inst.StartedBy, inst.FailureReason}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_instances (
		external_id, workflow_id, status, context, current_step, entity_type, entity_id,
		started_by, failure_reason, created, modified, started
	) VALUES (` + strings.Join(pps, ", ") + `, ` + nowFunc(r.clock) + `, ` + nowFunc(r.clock) + `, ` + nowFunc(r.clock) + `)`
	if supportsReturning() {
		return r.db.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&inst.ID)
	}
	res, err := r.db.ExecContext(ctx, base, vals...)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	inst.ID = id
	return nil
}

func (r *InstanceRepository) FindByID(ctx context.Context, id int64) (*domain.WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + `FROM workflow_instances WHERE id = ` + placeholder(1)
	return r.scanOne(ctx, query, id)
}

func (r *InstanceRepository) FindByExternalID(ctx context.Context, externalID string) (*domain.WorkflowInstance, error) {
	query := `SELECT` + instanceColumns + `FROM workflow_instances WHERE external_id = ` + placeholder(1)
	return r.scanOne(ctx, query, externalID)
}

func (r *InstanceRepository) scanOne(ctx context.Context, query string, arg any) (*domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	var status string
	var contextCol sql.NullString
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&inst.ID,
		&inst.ExternalID,
		&inst.WorkflowID,
		&status,
		&contextCol,
		&inst.CurrentStep,
		&inst.EntityType,
		&inst.EntityID,
		&inst.StartedBy,
		&inst.FailureReason,
		&inst.Created,
		&inst.Modified,
		&inst.Started,
		&inst.Completed,
	)
	if err != nil {
		return nil, err
	}
	inst.Status = domain.InstanceStatus(status)
	inst.Context = unmarshalMap(contextCol)
	return &inst, nil
}

// SaveContext rewrites the instance context after a merge.
func (r *InstanceRepository) SaveContext(ctx context.Context, id int64, instanceCtx map[string]any) error {
	query := `UPDATE workflow_instances SET context = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + ` WHERE id = ` + placeholder(2)
	_, err := r.db.ExecContext(ctx, query, marshalJSON(instanceCtx), id)
	return err
}

// MarkRunningFromWaiting flips a WAITING instance to RUNNING and reports
// whether this caller won the transition. Exactly one of two concurrent
// resume attempts sees true; the compare-and-set on status is the lock.
func (r *InstanceRepository) MarkRunningFromWaiting(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE workflow_instances SET
			status = ` + placeholder(1) + `,
			modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + ` AND status = ` + placeholder(3)
	res, err := r.db.ExecContext(ctx, query, string(domain.InstanceRunning), id, string(domain.InstanceWaiting))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *InstanceRepository) MarkCompleted(ctx context.Context, id int64, instanceCtx map[string]any) error {
	query := `UPDATE workflow_instances SET
			status = ` + placeholder(1) + `,
			context = ` + placeholder(2) + `,
			completed = ` + nowFunc(r.clock) + `,
			modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(3)
	_, err := r.db.ExecContext(ctx, query, string(domain.InstanceCompleted), marshalJSON(instanceCtx), id)
	return err
}

func (r *InstanceRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	query := `UPDATE workflow_instances SET
			status = ` + placeholder(1) + `,
			failure_reason = ` + placeholder(2) + `,
			completed = ` + nowFunc(r.clock) + `,
			modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(3)
	_, err := r.db.ExecContext(ctx, query, string(domain.InstanceFailed), reason, id)
	return err
}
