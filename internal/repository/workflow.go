package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/stepflowio/stepflow/pkg/stepflow/core"
	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

// WorkflowRepository persists workflow headers together with their step graph.
// Steps and conditions are always written and read as a unit; a graph is never
// partially saved.
type WorkflowRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewWorkflowRepository(db *sql.DB, clock core.Clock) *WorkflowRepository {
	return &WorkflowRepository{db: db, clock: clock}
}

const workflowColumns = ` id, external_id, tenant_id, name, code, status, trigger_type,
		trigger_config, version, created, modified `

// Save inserts a new workflow or rewrites an existing one. The header, all
// steps and all conditions are written in one transaction.
func (r *WorkflowRepository) Save(ctx context.Context, wf *domain.Workflow) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if wf.ID == 0 {
		if err := r.insertHeader(ctx, tx, wf); err != nil {
			return err
		}
	} else {
		if err := r.updateHeader(ctx, tx, wf); err != nil {
			return err
		}
		if err := r.deleteSteps(ctx, tx, wf.ID); err != nil {
			return err
		}
	}
	for i := range wf.Steps {
		wf.Steps[i].WorkflowID = wf.ID
		if err := r.insertStep(ctx, tx, &wf.Steps[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *WorkflowRepository) insertHeader(ctx context.Context, tx *sql.Tx, wf *domain.Workflow) error {
	vals := []interface{}{wf.ExternalID, wf.TenantID, wf.Name, wf.Code, string(wf.Status),
		wf.TriggerType, marshalJSON(wf.TriggerConfig), wf.Version}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflows (
		external_id, tenant_id, name, code, status, trigger_type, trigger_config, version, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `, ` + nowFunc(r.clock) + `, ` + nowFunc(r.clock) + `)`
	if supportsReturning() {
		return tx.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&wf.ID)
	}
	res, err := tx.ExecContext(ctx, base, vals...)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	wf.ID = id
	return nil
}

func (r *WorkflowRepository) updateHeader(ctx context.Context, tx *sql.Tx, wf *domain.Workflow) error {
	query := `UPDATE workflows SET
			name = ` + placeholder(1) + `,
			code = ` + placeholder(2) + `,
			status = ` + placeholder(3) + `,
			trigger_type = ` + placeholder(4) + `,
			trigger_config = ` + placeholder(5) + `,
			version = ` + placeholder(6) + `,
			modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(7)
	_, err := tx.ExecContext(ctx, query, wf.Name, wf.Code, string(wf.Status), wf.TriggerType,
		marshalJSON(wf.TriggerConfig), wf.Version, wf.ID)
	return err
}

func (r *WorkflowRepository) deleteSteps(ctx context.Context, tx *sql.Tx, workflowID int64) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_step_conditions WHERE step_id IN (SELECT id FROM workflow_steps WHERE workflow_id = `+placeholder(1)+`)`,
		workflowID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE workflow_id = `+placeholder(1), workflowID)
	return err
}

func (r *WorkflowRepository) insertStep(ctx context.Context, tx *sql.Tx, step *domain.WorkflowStep) error {
	vals := []interface{}{step.WorkflowID, step.Name, string(step.Type), step.Sequence,
		marshalJSON(step.Action), marshalJSON(step.Approval), marshalJSON(step.Next),
		step.RetryCount, step.IsRequired}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_steps (
		workflow_id, name, type, sequence, action_config, approval_config, next_steps, retry_count, is_required
	) VALUES (` + strings.Join(pps, ", ") + `)`
	if supportsReturning() {
		if err := tx.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&step.ID); err != nil {
			return err
		}
	} else {
		res, err := tx.ExecContext(ctx, base, vals...)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		step.ID = id
	}
	for i := range step.Conditions {
		step.Conditions[i].StepID = step.ID
		if err := r.insertCondition(ctx, tx, &step.Conditions[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *WorkflowRepository) insertCondition(ctx context.Context, tx *sql.Tx, c *domain.StepCondition) error {
	vals := []interface{}{c.StepID, c.Field, c.Operator, c.Value, c.NextStep, c.Sequence, c.IsDefault}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_step_conditions (
		step_id, field, operator, value, next_step, sequence, is_default
	) VALUES (` + strings.Join(pps, ", ") + `)`
	if supportsReturning() {
		return tx.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&c.ID)
	}
	res, err := tx.ExecContext(ctx, base, vals...)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = id
	return nil
}

func (r *WorkflowRepository) FindByID(ctx context.Context, id int64) (*domain.Workflow, error) {
	query := `SELECT` + workflowColumns + `FROM workflows WHERE id = ` + placeholder(1)
	return r.scanOne(ctx, query, id)
}

func (r *WorkflowRepository) FindByExternalID(ctx context.Context, externalID string) (*domain.Workflow, error) {
	query := `SELECT` + workflowColumns + `FROM workflows WHERE external_id = ` + placeholder(1)
	return r.scanOne(ctx, query, externalID)
}

func (r *WorkflowRepository) scanOne(ctx context.Context, query string, arg any) (*domain.Workflow, error) {
	var wf domain.Workflow
	var status string
	var triggerConfig sql.NullString
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&wf.ID,
		&wf.ExternalID,
		&wf.TenantID,
		&wf.Name,
		&wf.Code,
		&status,
		&wf.TriggerType,
		&triggerConfig,
		&wf.Version,
		&wf.Created,
		&wf.Modified,
	)
	if err != nil {
		return nil, err
	}
	wf.Status = domain.WorkflowStatus(status)
	wf.TriggerConfig = unmarshalMap(triggerConfig)
	if err := r.loadSteps(ctx, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (r *WorkflowRepository) loadSteps(ctx context.Context, wf *domain.Workflow) error {
	query := `
		SELECT id, workflow_id, name, type, sequence, action_config, approval_config, next_steps, retry_count, is_required
		FROM workflow_steps
		WHERE workflow_id = ` + placeholder(1) + `
		ORDER BY sequence, id
	`
	rows, err := r.db.QueryContext(ctx, query, wf.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var step domain.WorkflowStep
		var stepType string
		var actionCfg, approvalCfg, next sql.NullString
		if err := rows.Scan(
			&step.ID,
			&step.WorkflowID,
			&step.Name,
			&stepType,
			&step.Sequence,
			&actionCfg,
			&approvalCfg,
			&next,
			&step.RetryCount,
			&step.IsRequired,
		); err != nil {
			return err
		}
		step.Type = domain.StepType(stepType)
		if actionCfg.Valid {
			step.Action = &domain.ActionConfig{}
			unmarshalInto(actionCfg, step.Action)
		}
		if approvalCfg.Valid {
			step.Approval = &domain.ApprovalConfig{}
			unmarshalInto(approvalCfg, step.Approval)
		}
		unmarshalInto(next, &step.Next)
		wf.Steps = append(wf.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return r.loadConditions(ctx, wf)
}

func (r *WorkflowRepository) loadConditions(ctx context.Context, wf *domain.Workflow) error {
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.Type != domain.StepTypeCondition {
			continue
		}
		query := `
			SELECT id, step_id, field, operator, value, next_step, sequence, is_default
			FROM workflow_step_conditions
			WHERE step_id = ` + placeholder(1) + `
			ORDER BY sequence, id
		`
		rows, err := r.db.QueryContext(ctx, query, step.ID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var c domain.StepCondition
			if err := rows.Scan(&c.ID, &c.StepID, &c.Field, &c.Operator, &c.Value, &c.NextStep, &c.Sequence, &c.IsDefault); err != nil {
				rows.Close()
				return err
			}
			step.Conditions = append(step.Conditions, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

// UpdateStatus flips only the workflow status, leaving the graph untouched.
func (r *WorkflowRepository) UpdateStatus(ctx context.Context, id int64, status domain.WorkflowStatus) error {
	query := `UPDATE workflows SET status = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + ` WHERE id = ` + placeholder(2)
	_, err := r.db.ExecContext(ctx, query, string(status), id)
	return err
}
