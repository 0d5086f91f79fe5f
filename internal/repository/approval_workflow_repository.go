package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/common/database"
	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// ApprovalWorkflowRepository manages workflow instances.
type ApprovalWorkflowRepository struct {
	db          database.Querier
	lockTimeout time.Duration
}

// NewApprovalWorkflowRepository creates a new ApprovalWorkflowRepository.
// lockTimeout bounds how long GetForUpdate waits for a row lock.
func NewApprovalWorkflowRepository(db database.Querier, lockTimeout time.Duration) *ApprovalWorkflowRepository {
	return &ApprovalWorkflowRepository{db: db, lockTimeout: lockTimeout}
}

const workflowColumns = `
	id, module_name, entity_type, entity_id, scope_id, approval_matrix_id,
	approval_type::text, level_policies, current_status::text,
	current_approval_level, total_approval_required,
	entity_snapshot, entity_amount, entity_percentage,
	initiated_by, initiated_at, completed_at, cancelled_by, cancel_reason,
	created_at, updated_at`

// Create inserts a workflow. A second pending workflow for the same entity
// violates the partial unique index and is reported as InvalidState.
func (r *ApprovalWorkflowRepository) Create(ctx context.Context, wf *EntityApprovalWorkflow) error {
	snapshot, err := json.Marshal(nonNilAttributes(wf.EntitySnapshot))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal entity snapshot")
	}
	policies, err := json.Marshal(nonNilPolicies(wf.LevelPolicies))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal level policies")
	}

	query := `
		INSERT INTO entity_approval_workflows
		    (module_name, entity_type, entity_id, scope_id, approval_matrix_id,
		     approval_type, level_policies, current_status,
		     current_approval_level, total_approval_required,
		     entity_snapshot, entity_amount, entity_percentage,
		     initiated_by, initiated_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6::approval_type, $7, $8::approval_workflow_status,
		        $9, $10,
		        $11, $12, $13,
		        $14, $15)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		wf.ModuleName,
		wf.EntityType,
		wf.EntityID,
		wf.ScopeID,
		wf.ApprovalMatrixID,
		string(wf.ApprovalType),
		policies,
		string(wf.CurrentStatus),
		wf.CurrentApprovalLevel,
		wf.TotalApprovalRequired,
		snapshot,
		toNullDecimal(wf.EntityAmount),
		toNullDecimal(wf.EntityPercentage),
		wf.InitiatedBy,
		wf.InitiatedAt,
	).Scan(&wf.ID, &wf.CreatedAt, &wf.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.InvalidState("entity %s/%s already has a pending approval workflow", wf.EntityType, wf.EntityID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval workflow")
	}
	return nil
}

// GetByID retrieves a workflow by its primary key.
func (r *ApprovalWorkflowRepository) GetByID(ctx context.Context, id string) (*EntityApprovalWorkflow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("approval_workflow", id)
	}
	query := `SELECT` + workflowColumns + ` FROM entity_approval_workflows WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetForUpdate locks the workflow row for the rest of the transaction. It must
// run inside InTransaction; SET LOCAL scopes the timeout to that transaction.
func (r *ApprovalWorkflowRepository) GetForUpdate(ctx context.Context, id string) (*EntityApprovalWorkflow, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("approval_workflow", id)
	}
	if r.lockTimeout > 0 {
		// SET does not take bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", r.lockTimeout.Milliseconds())
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to set lock timeout")
		}
	}
	query := `SELECT` + workflowColumns + ` FROM entity_approval_workflows WHERE id = $1 FOR UPDATE`
	return r.getOne(ctx, query, id)
}

// FindPendingByEntity returns the pending workflow of an entity, or nil.
func (r *ApprovalWorkflowRepository) FindPendingByEntity(ctx context.Context, entityType, entityID string) (*EntityApprovalWorkflow, error) {
	query := `SELECT` + workflowColumns + `
		FROM entity_approval_workflows
		WHERE entity_type = $1 AND entity_id = $2 AND current_status = 'pending'
	`
	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find pending workflow")
	}
	return wf, nil
}

// Update writes the mutable workflow fields.
func (r *ApprovalWorkflowRepository) Update(ctx context.Context, wf *EntityApprovalWorkflow) error {
	query := `
		UPDATE entity_approval_workflows
		SET current_status         = $2::approval_workflow_status,
		    current_approval_level = $3,
		    completed_at           = $4,
		    cancelled_by           = $5,
		    cancel_reason          = $6,
		    updated_at             = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		wf.ID,
		string(wf.CurrentStatus),
		wf.CurrentApprovalLevel,
		wf.CompletedAt,
		wf.CancelledBy,
		wf.CancelReason,
	).Scan(&wf.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_workflow", wf.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval workflow")
	}
	return nil
}

// CountPendingByMatrix counts in-flight workflows of a matrix.
func (r *ApprovalWorkflowRepository) CountPendingByMatrix(ctx context.Context, matrixID string) (int, error) {
	if _, err := uuid.Parse(matrixID); err != nil {
		return 0, nil
	}
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM entity_approval_workflows
		WHERE approval_matrix_id = $1 AND current_status = 'pending'
	`, matrixID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count pending workflows")
	}
	return n, nil
}

// Statistics counts workflows by status for a user and/or scope.
func (r *ApprovalWorkflowRepository) Statistics(ctx context.Context, filter StatsFilter) (*WorkflowStats, error) {
	query := `
		SELECT w.current_status::text, COUNT(*)
		FROM entity_approval_workflows w
		WHERE ($1 = '' OR w.initiated_by = $1 OR EXISTS (
		          SELECT 1 FROM approval_workflow_steps s
		          WHERE s.workflow_id = w.id
		            AND (s.approver_user_id = $1 OR s.delegated_to_user_id = $1)))
		  AND ($2 = '' OR w.scope_id = $2)
		  AND ($3 = '' OR w.module_name = $3)
		  AND ($4 = '' OR w.entity_type = $4)
		GROUP BY w.current_status
	`

	rows, err := r.db.Query(ctx, query, filter.UserID, filter.ScopeID, filter.ModuleName, filter.EntityType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to compute workflow statistics")
	}
	defer rows.Close()

	stats := &WorkflowStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow statistics")
		}
		stats.Add(WorkflowStatus(status), n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to compute workflow statistics")
	}
	return stats, nil
}

func (r *ApprovalWorkflowRepository) getOne(ctx context.Context, query, id string) (*EntityApprovalWorkflow, error) {
	wf, err := scanWorkflow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_workflow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval workflow")
	}
	return wf, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

// workflowDest returns scan targets matching workflowColumns and a finish func
// that converts the intermediate values.
func workflowDest(wf *EntityApprovalWorkflow) ([]any, func() error) {
	var approvalType, status string
	var policies, snapshot []byte
	var amount, percentage decimal.NullDecimal

	dest := []any{
		&wf.ID,
		&wf.ModuleName,
		&wf.EntityType,
		&wf.EntityID,
		&wf.ScopeID,
		&wf.ApprovalMatrixID,
		&approvalType,
		&policies,
		&status,
		&wf.CurrentApprovalLevel,
		&wf.TotalApprovalRequired,
		&snapshot,
		&amount,
		&percentage,
		&wf.InitiatedBy,
		&wf.InitiatedAt,
		&wf.CompletedAt,
		&wf.CancelledBy,
		&wf.CancelReason,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	}
	finish := func() error {
		wf.ApprovalType = ApprovalType(approvalType)
		wf.CurrentStatus = WorkflowStatus(status)
		wf.EntityAmount = fromNullDecimal(amount)
		wf.EntityPercentage = fromNullDecimal(percentage)
		var err error
		if wf.LevelPolicies, err = decodePolicies(policies); err != nil {
			return err
		}
		wf.EntitySnapshot = rules.Attributes{}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &wf.EntitySnapshot); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal entity snapshot")
			}
		}
		return nil
	}
	return dest, finish
}

func scanWorkflow(row rowScanner) (*EntityApprovalWorkflow, error) {
	wf := &EntityApprovalWorkflow{}
	dest, finish := workflowDest(wf)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := finish(); err != nil {
		return nil, err
	}
	return wf, nil
}

func nonNilAttributes(a rules.Attributes) rules.Attributes {
	if a == nil {
		return rules.Attributes{}
	}
	return a
}
