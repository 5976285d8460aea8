package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/stepflowio/stepflow/pkg/stepflow/core"
	"github.com/stepflowio/stepflow/pkg/stepflow/domain"
)

// ApprovalRepository persists human approval requests.
type ApprovalRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewApprovalRepository(db *sql.DB, clock core.Clock) *ApprovalRepository {
	return &ApprovalRepository{db: db, clock: clock}
}

const approvalColumns = ` id, external_id, instance_id, step_name, approver_id, status, priority,
		subject, description, delegated_to, escalation_level, due_at, resolved_by, resolved_at,
		created, modified `

// CreateAndSuspend inserts a PENDING approval and parks its instance on the
// approval step in one transaction, so a crash cannot leave a WAITING
// instance without an approval or an approval without a suspended instance.
func (r *ApprovalRepository) CreateAndSuspend(ctx context.Context, a *domain.Approval, instanceCtx map[string]any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	vals := []interface{}{a.ExternalID, a.InstanceID, a.StepName, a.ApproverID,
		string(a.Status), a.Priority, a.Subject, a.Description, a.DelegatedTo,
		a.EscalationLevel, a.DueAt}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO approvals (
		external_id, instance_id, step_name, approver_id, status, priority, subject,
		description, delegated_to, escalation_level, due_at, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `, ` + nowFunc(r.clock) + `, ` + nowFunc(r.clock) + `)`
	if supportsReturning() {
		if err := tx.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&a.ID); err != nil {
			return err
		}
	} else {
		res, e := tx.ExecContext(ctx, base, vals...)
		if e != nil {
			return e
		}
		id, e := res.LastInsertId()
		if e != nil {
			return e
		}
		a.ID = id
	}

	suspend := `UPDATE workflow_instances SET
			status = ` + placeholder(1) + `,
			current_step = ` + placeholder(2) + `,
			context = ` + placeholder(3) + `,
			modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(4)
	if _, err := tx.ExecContext(ctx, suspend, string(domain.InstanceWaiting), a.StepName,
		marshalJSON(instanceCtx), a.InstanceID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *ApprovalRepository) FindByID(ctx context.Context, id int64) (*domain.Approval, error) {
	query := `SELECT` + approvalColumns + `FROM approvals WHERE id = ` + placeholder(1)
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *ApprovalRepository) FindByExternalID(ctx context.Context, externalID string) (*domain.Approval, error) {
	query := `SELECT` + approvalColumns + `FROM approvals WHERE external_id = ` + placeholder(1)
	return r.scanOne(r.db.QueryRowContext(ctx, query, externalID))
}

func (r *ApprovalRepository) scanOne(row *sql.Row) (*domain.Approval, error) {
	var a domain.Approval
	var status string
	err := row.Scan(
		&a.ID,
		&a.ExternalID,
		&a.InstanceID,
		&a.StepName,
		&a.ApproverID,
		&status,
		&a.Priority,
		&a.Subject,
		&a.Description,
		&a.DelegatedTo,
		&a.EscalationLevel,
		&a.DueAt,
		&a.ResolvedBy,
		&a.ResolvedAt,
		&a.Created,
		&a.Modified,
	)
	if err != nil {
		return nil, err
	}
	a.Status = domain.ApprovalStatus(status)
	return &a, nil
}

// Resolve marks an approval terminal. The status guard mirrors the instance
// compare-and-set: only one of two concurrent responders wins.
func (r *ApprovalRepository) Resolve(ctx context.Context, id int64, status domain.ApprovalStatus, resolvedBy string) (bool, error) {
	query := `UPDATE approvals SET
			status = ` + placeholder(1) + `,
			resolved_by = ` + placeholder(2) + `,
			resolved_at = ` + nowFunc(r.clock) + `,
			modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(3) + ` AND status = ` + placeholder(4)
	res, err := r.db.ExecContext(ctx, query, string(status), resolvedBy, id, string(domain.ApprovalPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Reassign updates the effective approver without touching instance state.
// Used by both delegation and escalation.
func (r *ApprovalRepository) Reassign(ctx context.Context, id int64, approverID string, delegatedTo sql.NullString, escalationLevel int) error {
	query := `UPDATE approvals SET
			approver_id = ` + placeholder(1) + `,
			delegated_to = ` + placeholder(2) + `,
			escalation_level = ` + placeholder(3) + `,
			modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(4)
	_, err := r.db.ExecContext(ctx, query, approverID, delegatedTo, escalationLevel, id)
	return err
}

// FindPendingByUser returns open approvals where the user is the approver or
// the delegate, oldest first.
func (r *ApprovalRepository) FindPendingByUser(ctx context.Context, userID string) ([]domain.Approval, error) {
	query := `SELECT` + approvalColumns + `
		FROM approvals
		WHERE status = ` + placeholder(1) + ` AND (approver_id = ` + placeholder(2) + ` OR delegated_to = ` + placeholder(3) + `)
		ORDER BY created
	`
	return r.scanMany(ctx, query, string(domain.ApprovalPending), userID, userID)
}

// FindOverdue returns open approvals whose due date has passed.
func (r *ApprovalRepository) FindOverdue(ctx context.Context, limit int) ([]domain.Approval, error) {
	query := `SELECT` + approvalColumns + `
		FROM approvals
		WHERE status = ` + placeholder(1) + ` AND due_at IS NOT NULL AND ` + dateBeforeNow("due_at", r.clock) + `
		ORDER BY due_at
		LIMIT ` + placeholder(2)
	return r.scanMany(ctx, query, string(domain.ApprovalPending), limit)
}

func (r *ApprovalRepository) scanMany(ctx context.Context, query string, args ...any) ([]domain.Approval, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var status string
		if err := rows.Scan(
			&a.ID,
			&a.ExternalID,
			&a.InstanceID,
			&a.StepName,
			&a.ApproverID,
			&status,
			&a.Priority,
			&a.Subject,
			&a.Description,
			&a.DelegatedTo,
			&a.EscalationLevel,
			&a.DueAt,
			&a.ResolvedBy,
			&a.ResolvedAt,
			&a.Created,
			&a.Modified,
		); err != nil {
			return nil, err
		}
		a.Status = domain.ApprovalStatus(status)
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// SetDueAt is a small helper for tests and host applications that need to
// adjust an approval deadline after creation.
func (r *ApprovalRepository) SetDueAt(ctx context.Context, id int64, dueAt time.Time) error {
	query := `UPDATE approvals SET due_at = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + ` WHERE id = ` + placeholder(2)
	_, err := r.db.ExecContext(ctx, query, dueAt.UTC(), id)
	return err
}
