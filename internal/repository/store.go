package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrTransient marks lock contention that is worth one retry: a lock wait
// timeout, a serialization failure or a deadlock.
var ErrTransient = stderrors.New("transient storage contention")

// Postgres SQLSTATEs treated as transient.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateUniqueViolation      = "23505"
)

// IsTransient reports whether err is retryable contention.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrTransient) {
		return true
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return err != nil && stderrors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation
}

// MatrixRepository stores matrices together with their rules and approvers.
type MatrixRepository interface {
	Create(ctx context.Context, m *ApprovalMatrix) error
	// Update rewrites the matrix row, replaces its rules, and upserts its
	// approvers by ID so standing delegations on kept approvers survive.
	Update(ctx context.Context, m *ApprovalMatrix) error
	GetByID(ctx context.Context, id string) (*ApprovalMatrix, error)
	List(ctx context.Context, filter MatrixFilter) ([]*ApprovalMatrix, error)
	// FindCandidates returns active matrices for (module, entityType) whose
	// validity window contains now, fully loaded.
	FindCandidates(ctx context.Context, module, entityType string, now time.Time) ([]*ApprovalMatrix, error)
	Delete(ctx context.Context, id string) error
}

// DelegationRepository stores delegation records.
type DelegationRepository interface {
	Create(ctx context.Context, d *Delegation) error
	GetByID(ctx context.Context, id string) (*Delegation, error)
	// ListStanding returns the active standing delegations of an approver
	// assignment whose window covers now.
	ListStanding(ctx context.Context, approverID string, now time.Time) ([]*Delegation, error)
	List(ctx context.Context, filter DelegationFilter) ([]*Delegation, error)
	Revoke(ctx context.Context, id, revokedBy string, at time.Time) error
	// ExpireEnded deactivates delegations whose end date is before now and
	// returns how many changed.
	ExpireEnded(ctx context.Context, now time.Time) (int, error)
}

// WorkflowRepository stores workflow instances.
type WorkflowRepository interface {
	Create(ctx context.Context, wf *EntityApprovalWorkflow) error
	GetByID(ctx context.Context, id string) (*EntityApprovalWorkflow, error)
	// GetForUpdate reads the workflow and holds its lock until the enclosing
	// transaction ends. Lock waits past the store's timeout return ErrTransient.
	GetForUpdate(ctx context.Context, id string) (*EntityApprovalWorkflow, error)
	// FindPendingByEntity returns nil, nil when the entity has no pending workflow.
	FindPendingByEntity(ctx context.Context, entityType, entityID string) (*EntityApprovalWorkflow, error)
	Update(ctx context.Context, wf *EntityApprovalWorkflow) error
	CountPendingByMatrix(ctx context.Context, matrixID string) (int, error)
	Statistics(ctx context.Context, filter StatsFilter) (*WorkflowStats, error)
}

// StepRepository stores workflow steps.
type StepRepository interface {
	Create(ctx context.Context, step *ApprovalWorkflowStep) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*ApprovalWorkflowStep, error)
	Update(ctx context.Context, step *ApprovalWorkflowStep) error
	// ListPendingForUser returns open steps of pending workflows where user
	// is the approver or the delegate.
	ListPendingForUser(ctx context.Context, userID string) ([]*PendingStep, error)
	// ListOverdue returns open steps past their deadline; an empty userID
	// lists every user's.
	ListOverdue(ctx context.Context, userID string, now time.Time) ([]*PendingStep, error)
}

// AuditRepository is the append-only audit log.
type AuditRepository interface {
	Append(ctx context.Context, entry *ApprovalAuditEntry) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]*ApprovalAuditEntry, error)
}

// Store groups the repositories and runs units of work.
type Store interface {
	Matrices() MatrixRepository
	Delegations() DelegationRepository
	Workflows() WorkflowRepository
	Steps() StepRepository
	Audit() AuditRepository

	// InTransaction runs fn against a Store bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	// Calling InTransaction on a transaction-bound Store joins it.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Ping(ctx context.Context) error
	Close()
}
