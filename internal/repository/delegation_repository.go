package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/common/database"
	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
)

// DelegationPgRepository handles approval_delegations. Rows are never updated
// except for the active flag and the revocation stamp.
type DelegationPgRepository struct {
	db database.Querier
}

// NewDelegationPgRepository creates a DelegationPgRepository.
func NewDelegationPgRepository(db database.Querier) *DelegationPgRepository {
	return &DelegationPgRepository{db: db}
}

const delegationColumns = `
	id, approver_id, workflow_id, step_id,
	delegate_from_user_id, delegate_to_user_id, delegation_reason,
	start_date, end_date, max_delegation_amount, can_further_delegate,
	is_active, revoked_at, revoked_by, created_at`

// Create inserts a delegation.
func (r *DelegationPgRepository) Create(ctx context.Context, d *Delegation) error {
	query := `
		INSERT INTO approval_delegations
		    (approver_id, workflow_id, step_id,
		     delegate_from_user_id, delegate_to_user_id, delegation_reason,
		     start_date, end_date, max_delegation_amount, can_further_delegate, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		d.ApproverID,
		d.WorkflowID,
		d.StepID,
		d.DelegateFromUserID,
		d.DelegateToUserID,
		d.DelegationReason,
		d.StartDate,
		d.EndDate,
		toNullDecimal(d.MaxDelegationAmount),
		d.CanFurtherDelegate,
		d.IsActive,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create delegation")
	}
	return nil
}

// GetByID retrieves a delegation.
func (r *DelegationPgRepository) GetByID(ctx context.Context, id string) (*Delegation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("delegation", id)
	}
	query := `SELECT` + delegationColumns + ` FROM approval_delegations WHERE id = $1`

	d, err := scanDelegation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("delegation", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get delegation")
	}
	return d, nil
}

// ListStanding returns active standing delegations of an approver assignment
// covering now, oldest first.
func (r *DelegationPgRepository) ListStanding(ctx context.Context, approverID string, now time.Time) ([]*Delegation, error) {
	if _, err := uuid.Parse(approverID); err != nil {
		return nil, nil
	}
	query := `SELECT` + delegationColumns + `
		FROM approval_delegations
		WHERE approver_id = $1
		  AND step_id IS NULL
		  AND is_active
		  AND start_date <= $2
		  AND (end_date IS NULL OR end_date >= $2)
		ORDER BY created_at ASC
	`
	return r.query(ctx, query, approverID, now)
}

// List returns delegations matching filter, newest first.
func (r *DelegationPgRepository) List(ctx context.Context, filter DelegationFilter) ([]*Delegation, error) {
	query := `SELECT` + delegationColumns + `
		FROM approval_delegations
		WHERE ($1 = '' OR approver_id::text = $1)
		  AND ($2 = '' OR delegate_from_user_id = $2 OR delegate_to_user_id = $2)
		  AND (NOT $3 OR is_active)
		ORDER BY created_at DESC
	`
	return r.query(ctx, query, filter.ApproverID, filter.UserID, filter.ActiveOnly)
}

// Revoke deactivates a delegation and stamps who revoked it.
func (r *DelegationPgRepository) Revoke(ctx context.Context, id, revokedBy string, at time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFound("delegation", id)
	}
	query := `
		UPDATE approval_delegations
		SET is_active  = FALSE,
		    revoked_at = $2,
		    revoked_by = $3
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, at, revokedBy).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("delegation", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to revoke delegation")
	}
	return nil
}

// ExpireEnded deactivates delegations whose end date has passed.
func (r *DelegationPgRepository) ExpireEnded(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_delegations
		SET is_active = FALSE
		WHERE is_active AND end_date IS NOT NULL AND end_date < $1
	`, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to expire delegations")
	}
	return int(tag.RowsAffected()), nil
}

func (r *DelegationPgRepository) query(ctx context.Context, query string, args ...any) ([]*Delegation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	var out []*Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegations")
	}
	return out, nil
}

func scanDelegation(row rowScanner) (*Delegation, error) {
	d := &Delegation{}
	var maxAmount decimal.NullDecimal
	err := row.Scan(
		&d.ID,
		&d.ApproverID,
		&d.WorkflowID,
		&d.StepID,
		&d.DelegateFromUserID,
		&d.DelegateToUserID,
		&d.DelegationReason,
		&d.StartDate,
		&d.EndDate,
		&maxAmount,
		&d.CanFurtherDelegate,
		&d.IsActive,
		&d.RevokedAt,
		&d.RevokedBy,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.MaxDelegationAmount = fromNullDecimal(maxAmount)
	return d, nil
}
