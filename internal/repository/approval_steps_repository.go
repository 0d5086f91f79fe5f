package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/common/database"
	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
)

// ApprovalStepsRepository handles reads and writes of workflow steps.
type ApprovalStepsRepository struct {
	db database.Querier
}

// NewApprovalStepsRepository creates a new ApprovalStepsRepository.
func NewApprovalStepsRepository(db database.Querier) *ApprovalStepsRepository {
	return &ApprovalStepsRepository{db: db}
}

const stepColumns = `
	s.id, s.workflow_id, s.approval_level, s.matrix_approver_id, s.delegation_id,
	s.approver_user_id, s.delegated_to_user_id, s.is_primary, s.can_delegate,
	s.approval_limit_amount, s.approval_limit_percentage, s.deadline_hours, s.business_hours_only,
	s.action::text, s.action_reason, s.acted_by,
	s.assigned_at, s.action_taken_at, s.deadline_at, s.is_active,
	s.created_at, s.updated_at`

// Create inserts one step.
func (r *ApprovalStepsRepository) Create(ctx context.Context, step *ApprovalWorkflowStep) error {
	query := `
		INSERT INTO approval_workflow_steps
		    (workflow_id, approval_level, matrix_approver_id, delegation_id,
		     approver_user_id, delegated_to_user_id, is_primary, can_delegate,
		     approval_limit_amount, approval_limit_percentage, deadline_hours, business_hours_only,
		     action, action_reason, acted_by,
		     assigned_at, action_taken_at, deadline_at, is_active)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11, $12,
		        $13::approval_step_action, $14, $15,
		        $16, $17, $18, $19)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		step.WorkflowID,
		step.ApprovalLevel,
		step.MatrixApproverID,
		step.DelegationID,
		step.ApproverUserID,
		step.DelegatedToUserID,
		step.IsPrimary,
		step.CanDelegate,
		toNullDecimal(step.ApprovalLimitAmount),
		toNullDecimal(step.ApprovalLimitPercentage),
		step.DeadlineHours,
		step.BusinessHoursOnly,
		string(step.Action),
		step.ActionReason,
		step.ActedBy,
		step.AssignedAt,
		step.ActionTakenAt,
		step.DeadlineAt,
		step.IsActive,
	).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
	}
	return nil
}

// ListByWorkflow returns all steps of a workflow ordered by level then creation.
func (r *ApprovalStepsRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*ApprovalWorkflowStep, error) {
	if _, err := uuid.Parse(workflowID); err != nil {
		return nil, nil
	}
	query := `SELECT` + stepColumns + `
		FROM approval_workflow_steps s
		WHERE s.workflow_id = $1
		ORDER BY s.approval_level ASC, s.created_at ASC, s.id ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	var out []*ApprovalWorkflowStep
	for rows.Next() {
		step := &ApprovalWorkflowStep{}
		dest, finish := stepDest(step)
		if err := rows.Scan(dest...); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		finish()
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	return out, nil
}

// Update writes the mutable step fields: action, activation, assignment and
// deadline.
func (r *ApprovalStepsRepository) Update(ctx context.Context, step *ApprovalWorkflowStep) error {
	query := `
		UPDATE approval_workflow_steps
		SET action               = $2::approval_step_action,
		    action_reason        = $3,
		    acted_by             = $4,
		    action_taken_at      = $5,
		    assigned_at          = $6,
		    deadline_at          = $7,
		    is_active            = $8,
		    delegated_to_user_id = $9,
		    delegation_id        = $10,
		    updated_at           = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		step.ID,
		string(step.Action),
		step.ActionReason,
		step.ActedBy,
		step.ActionTakenAt,
		step.AssignedAt,
		step.DeadlineAt,
		step.IsActive,
		step.DelegatedToUserID,
		step.DelegationID,
	).Scan(&step.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_step", step.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval step")
	}
	return nil
}

// ListPendingForUser returns open steps of pending workflows assigned to the
// user directly or by delegation, soonest deadline first.
func (r *ApprovalStepsRepository) ListPendingForUser(ctx context.Context, userID string) ([]*PendingStep, error) {
	query := `SELECT` + stepColumns + `,` + prefixed("w", workflowColumns) + `
		FROM approval_workflow_steps s
		JOIN entity_approval_workflows w ON w.id = s.workflow_id
		WHERE s.action = 'pending'
		  AND s.is_active
		  AND w.current_status = 'pending'
		  AND (s.approver_user_id = $1 OR s.delegated_to_user_id = $1)
		ORDER BY s.deadline_at ASC NULLS LAST, s.created_at ASC
	`
	return r.queryPending(ctx, query, userID)
}

// ListOverdue returns open steps whose deadline is before now.
func (r *ApprovalStepsRepository) ListOverdue(ctx context.Context, userID string, now time.Time) ([]*PendingStep, error) {
	query := `SELECT` + stepColumns + `,` + prefixed("w", workflowColumns) + `
		FROM approval_workflow_steps s
		JOIN entity_approval_workflows w ON w.id = s.workflow_id
		WHERE s.action = 'pending'
		  AND s.is_active
		  AND w.current_status = 'pending'
		  AND s.deadline_at IS NOT NULL
		  AND s.deadline_at < $2
		  AND ($1 = '' OR s.approver_user_id = $1 OR s.delegated_to_user_id = $1)
		ORDER BY s.deadline_at ASC
	`
	return r.queryPending(ctx, query, userID, now)
}

func (r *ApprovalStepsRepository) queryPending(ctx context.Context, query string, args ...any) ([]*PendingStep, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approvals")
	}
	defer rows.Close()

	var out []*PendingStep
	for rows.Next() {
		p := &PendingStep{}
		stepTargets, finishStep := stepDest(&p.Step)
		wfTargets, finishWorkflow := workflowDest(&p.Workflow)
		if err := rows.Scan(append(stepTargets, wfTargets...)...); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending approval")
		}
		finishStep()
		if err := finishWorkflow(); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approvals")
	}
	return out, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func stepDest(step *ApprovalWorkflowStep) ([]any, func()) {
	var action string
	var limitAmt, limitPct decimal.NullDecimal

	dest := []any{
		&step.ID,
		&step.WorkflowID,
		&step.ApprovalLevel,
		&step.MatrixApproverID,
		&step.DelegationID,
		&step.ApproverUserID,
		&step.DelegatedToUserID,
		&step.IsPrimary,
		&step.CanDelegate,
		&limitAmt,
		&limitPct,
		&step.DeadlineHours,
		&step.BusinessHoursOnly,
		&action,
		&step.ActionReason,
		&step.ActedBy,
		&step.AssignedAt,
		&step.ActionTakenAt,
		&step.DeadlineAt,
		&step.IsActive,
		&step.CreatedAt,
		&step.UpdatedAt,
	}
	return dest, func() {
		step.Action = StepAction(action)
		step.ApprovalLimitAmount = fromNullDecimal(limitAmt)
		step.ApprovalLimitPercentage = fromNullDecimal(limitPct)
	}
}

// prefixed qualifies a comma-separated column list with a table alias, keeping
// casts such as "approval_type::text" intact.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = " " + alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ",")
}
