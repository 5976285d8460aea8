package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/stepflowio/stepflow/pkg/stepflow/core"
	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

// InstanceStepRepository persists the append-only audit trail of step
// execution attempts.
type InstanceStepRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewInstanceStepRepository(db *sql.DB, clock core.Clock) *InstanceStepRepository {
	return &InstanceStepRepository{db: db, clock: clock}
}

// Start records the beginning of one step execution attempt and returns the
// audit row id.
func (r *InstanceStepRepository) Start(ctx context.Context, rec *domain.InstanceStep) (int64, error) {
	vals := []interface{}{rec.InstanceID, rec.StepName, string(rec.StepType),
		string(domain.StepRunStarted), rec.Input}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_instance_steps (
		instance_id, step_name, step_type, status, input, started_at
	) VALUES (` + strings.Join(pps, ", ") + `, ` + nowFunc(r.clock) + `)`
	if supportsReturning() {
		err := r.db.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&rec.ID)
		return rec.ID, err
	}
	res, err := r.db.ExecContext(ctx, base, vals...)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	rec.ID = id
	return id, nil
}

func (r *InstanceStepRepository) Complete(ctx context.Context, id int64, output sql.NullString) error {
	query := `UPDATE workflow_instance_steps SET
			status = ` + placeholder(1) + `,
			output = ` + placeholder(2) + `,
			finished_at = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(3)
	_, err := r.db.ExecContext(ctx, query, string(domain.StepRunCompleted), output, id)
	return err
}

func (r *InstanceStepRepository) Fail(ctx context.Context, id int64, message string) error {
	query := `UPDATE workflow_instance_steps SET
			status = ` + placeholder(1) + `,
			error = ` + placeholder(2) + `,
			finished_at = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(3)
	_, err := r.db.ExecContext(ctx, query, string(domain.StepRunFailed), message, id)
	return err
}

// FindAllByInstanceID returns every attempt for an instance, newest first.
func (r *InstanceStepRepository) FindAllByInstanceID(ctx context.Context, instanceID int64) ([]domain.InstanceStep, error) {
	query := `
		SELECT id, instance_id, step_name, step_type, status, input, output, error, started_at, finished_at
		FROM workflow_instance_steps
		WHERE instance_id = ` + placeholder(1) + `
		ORDER BY id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.InstanceStep
	for rows.Next() {
		var rec domain.InstanceStep
		var stepType, status string
		if err := rows.Scan(
			&rec.ID,
			&rec.InstanceID,
			&rec.StepName,
			&stepType,
			&status,
			&rec.Input,
			&rec.Output,
			&rec.Error,
			&rec.StartedAt,
			&rec.FinishedAt,
		); err != nil {
			return nil, err
		}
		rec.StepType = domain.StepType(stepType)
		rec.Status = domain.StepRunStatus(status)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
