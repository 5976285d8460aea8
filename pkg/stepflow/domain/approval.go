package domain

import (
	"database/sql"
	"time"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Approval is one pending or resolved human decision bound to an instance and
// an APPROVAL step. Once APPROVED or REJECTED it is terminal.
type Approval struct {
	ID              int64
	ExternalID      string
	InstanceID      int64
	StepName        string
	ApproverID      string
	Status          ApprovalStatus
	Priority        string
	Subject         string
	Description     string
	DelegatedTo     sql.NullString
	EscalationLevel int
	DueAt           sql.NullTime
	ResolvedBy      sql.NullString
	ResolvedAt      sql.NullTime
	Created         time.Time
	Modified        time.Time
}

// Resolved reports whether the approval has reached a terminal status.
func (a *Approval) Resolved() bool {
	return a.Status == ApprovalApproved || a.Status == ApprovalRejected
}

// CanRespond reports whether userID is allowed to act on this approval.
func (a *Approval) CanRespond(userID string) bool {
	if userID == a.ApproverID {
		return true
	}
	return a.DelegatedTo.Valid && a.DelegatedTo.String == userID
}
