package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/common/database"
	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// MatrixPgRepository handles approval_matrices and their child rows.
type MatrixPgRepository struct {
	db database.Querier
}

// NewMatrixPgRepository creates a MatrixPgRepository.
func NewMatrixPgRepository(db database.Querier) *MatrixPgRepository {
	return &MatrixPgRepository{db: db}
}

const matrixColumns = `
	id, module_name, entity_type, description, approval_levels, approval_type::text,
	basis_column, basis_operator, basis_value,
	minimum_amount, maximum_amount, amount_column, percentage_column,
	group_logic, level_policies, is_active, effective_date, expiry_date,
	priority, created_by, created_at, updated_at`

// Create inserts a matrix with its rules and approvers. Callers run it inside
// a transaction so the children commit with the parent.
func (r *MatrixPgRepository) Create(ctx context.Context, m *ApprovalMatrix) error {
	args, err := matrixArgs(m)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_matrices
		    (module_name, entity_type, description, approval_levels, approval_type,
		     basis_column, basis_operator, basis_value,
		     minimum_amount, maximum_amount, amount_column, percentage_column,
		     group_logic, level_policies, is_active, effective_date, expiry_date,
		     priority, created_by)
		VALUES ($1, $2, $3, $4, $5::approval_type,
		        $6, $7, $8,
		        $9, $10, $11, $12,
		        $13, $14, $15, $16, $17,
		        $18, $19)
		RETURNING id, created_at, updated_at
	`

	if err := r.db.QueryRow(ctx, query, args...).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval matrix")
	}
	if err := r.insertRules(ctx, m); err != nil {
		return err
	}
	for i := range m.Approvers {
		if err := r.insertApprover(ctx, m.ID, &m.Approvers[i]); err != nil {
			return err
		}
	}
	return nil
}

// Update persists matrix changes. Rules are replaced; approvers are upserted
// by ID and removed when absent.
func (r *MatrixPgRepository) Update(ctx context.Context, m *ApprovalMatrix) error {
	args, err := matrixArgs(m)
	if err != nil {
		return err
	}
	args = append([]any{m.ID}, args[:len(args)-1]...) // created_by is immutable

	query := `
		UPDATE approval_matrices
		SET module_name       = $2,
		    entity_type       = $3,
		    description       = $4,
		    approval_levels   = $5,
		    approval_type     = $6::approval_type,
		    basis_column      = $7,
		    basis_operator    = $8,
		    basis_value       = $9,
		    minimum_amount    = $10,
		    maximum_amount    = $11,
		    amount_column     = $12,
		    percentage_column = $13,
		    group_logic       = $14,
		    level_policies    = $15,
		    is_active         = $16,
		    effective_date    = $17,
		    expiry_date       = $18,
		    priority          = $19,
		    updated_at        = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query, args...).Scan(&m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_matrix", m.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval matrix")
	}

	if _, err := r.db.Exec(ctx, `DELETE FROM approval_matrix_rules WHERE matrix_id = $1`, m.ID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to replace matrix rules")
	}
	if err := r.insertRules(ctx, m); err != nil {
		return err
	}

	keep := make([]string, 0, len(m.Approvers))
	for i := range m.Approvers {
		a := &m.Approvers[i]
		if a.ID != "" {
			updated, err := r.updateApprover(ctx, m.ID, a)
			if err != nil {
				return err
			}
			if updated {
				keep = append(keep, a.ID)
				continue
			}
		}
		if err := r.insertApprover(ctx, m.ID, a); err != nil {
			return err
		}
		keep = append(keep, a.ID)
	}

	// Standing delegations leave with their approver; step delegations are
	// detached by ON DELETE SET NULL.
	_, err = r.db.Exec(ctx, `
		DELETE FROM approval_delegations
		WHERE step_id IS NULL
		  AND approver_id IN (
		      SELECT id FROM approval_matrix_approvers
		      WHERE matrix_id = $1 AND NOT (id = ANY($2::uuid[])))
	`, m.ID, keep)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to drop standing delegations")
	}

	_, err = r.db.Exec(ctx, `
		DELETE FROM approval_matrix_approvers
		WHERE matrix_id = $1 AND NOT (id = ANY($2::uuid[]))
	`, m.ID, keep)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to prune matrix approvers")
	}
	return nil
}

// GetByID retrieves a matrix with its rules and approvers.
func (r *MatrixPgRepository) GetByID(ctx context.Context, id string) (*ApprovalMatrix, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("approval_matrix", id)
	}

	query := `SELECT` + matrixColumns + ` FROM approval_matrices WHERE id = $1`
	m, err := scanMatrix(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_matrix", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval matrix")
	}
	if err := r.loadChildren(ctx, []*ApprovalMatrix{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// List returns matrices ordered by (module, entity type, priority desc).
func (r *MatrixPgRepository) List(ctx context.Context, filter MatrixFilter) ([]*ApprovalMatrix, error) {
	query := `SELECT` + matrixColumns + `
		FROM approval_matrices
		WHERE ($1 = '' OR module_name = $1)
		  AND ($2 = '' OR entity_type = $2)
		  AND (NOT $3 OR is_active)
		ORDER BY module_name, entity_type, priority DESC, created_at DESC
	`
	return r.queryMatrices(ctx, query, filter.ModuleName, filter.EntityType, filter.ActiveOnly)
}

// FindCandidates loads active matrices for a module/entity type that are in
// effect at now. Bracket and rule evaluation happen in the resolver.
func (r *MatrixPgRepository) FindCandidates(ctx context.Context, module, entityType string, now time.Time) ([]*ApprovalMatrix, error) {
	query := `SELECT` + matrixColumns + `
		FROM approval_matrices
		WHERE module_name = $1
		  AND entity_type = $2
		  AND is_active
		  AND (effective_date IS NULL OR effective_date <= $3)
		  AND (expiry_date IS NULL OR expiry_date >= $3)
		ORDER BY priority DESC, created_at DESC
	`
	return r.queryMatrices(ctx, query, module, entityType, now)
}

// Delete removes a matrix; rules and approvers cascade and historical
// workflows keep their snapshot with a NULL matrix reference. Standing
// delegations of its approvers are dropped.
func (r *MatrixPgRepository) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.NotFound("approval_matrix", id)
	}
	_, err := r.db.Exec(ctx, `
		DELETE FROM approval_delegations
		WHERE step_id IS NULL
		  AND approver_id IN (SELECT id FROM approval_matrix_approvers WHERE matrix_id = $1)
	`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to drop standing delegations")
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_matrices WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval matrix")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_matrix", id)
	}
	return nil
}

func (r *MatrixPgRepository) queryMatrices(ctx context.Context, query string, args ...any) ([]*ApprovalMatrix, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval matrices")
	}
	defer rows.Close()

	var out []*ApprovalMatrix
	for rows.Next() {
		m, err := scanMatrix(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval matrix")
		}
		out = append(out, m)
	}
	rows.Close() // the connection must be free before loading children
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval matrices")
	}
	if err := r.loadChildren(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MatrixPgRepository) loadChildren(ctx context.Context, matrices []*ApprovalMatrix) error {
	if len(matrices) == 0 {
		return nil
	}
	byID := make(map[string]*ApprovalMatrix, len(matrices))
	ids := make([]string, 0, len(matrices))
	for _, m := range matrices {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, matrix_id, condition_group, condition_logic, sequence,
		       condition_column, condition_operator, condition_value, is_active
		FROM approval_matrix_rules
		WHERE matrix_id = ANY($1::uuid[])
		ORDER BY matrix_id, condition_group, sequence
	`, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load matrix rules")
	}
	for rows.Next() {
		var rule ApprovalMatrixRule
		var logic, column, operator string
		var value []byte
		if err := rows.Scan(&rule.ID, &rule.MatrixID, &rule.ConditionGroup, &logic, &rule.Sequence,
			&column, &operator, &value, &rule.IsActive); err != nil {
			rows.Close()
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan matrix rule")
		}
		rule.ConditionLogic = rules.Logic(logic)
		cond, err := rules.NewCondition(column, rules.Operator(operator), value)
		if err != nil {
			rows.Close()
			return err
		}
		rule.Condition = cond
		byID[rule.MatrixID].Rules = append(byID[rule.MatrixID].Rules, rule)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load matrix rules")
	}

	rows, err = r.db.Query(ctx, `
		SELECT id, matrix_id, user_id, approval_level, is_primary, is_backup, can_delegate,
		       approval_limit_amount, approval_limit_percentage, approval_deadline_hours,
		       business_hours_only, is_active, effective_date, expiry_date
		FROM approval_matrix_approvers
		WHERE matrix_id = ANY($1::uuid[])
		ORDER BY matrix_id, approval_level, is_primary DESC, user_id
	`, ids)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load matrix approvers")
	}
	defer rows.Close()
	for rows.Next() {
		var a ApprovalMatrixApprover
		var limitAmt, limitPct decimal.NullDecimal
		if err := rows.Scan(&a.ID, &a.MatrixID, &a.UserID, &a.ApprovalLevel, &a.IsPrimary, &a.IsBackup,
			&a.CanDelegate, &limitAmt, &limitPct, &a.ApprovalDeadlineHours,
			&a.BusinessHoursOnly, &a.IsActive, &a.EffectiveDate, &a.ExpiryDate); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan matrix approver")
		}
		a.ApprovalLimitAmount = fromNullDecimal(limitAmt)
		a.ApprovalLimitPercentage = fromNullDecimal(limitPct)
		byID[a.MatrixID].Approvers = append(byID[a.MatrixID].Approvers, a)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load matrix approvers")
	}
	return nil
}

func (r *MatrixPgRepository) insertRules(ctx context.Context, m *ApprovalMatrix) error {
	query := `
		INSERT INTO approval_matrix_rules
		    (matrix_id, condition_group, condition_logic, sequence,
		     condition_column, condition_operator, condition_value, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	for i := range m.Rules {
		rule := &m.Rules[i]
		rule.MatrixID = m.ID
		err := r.db.QueryRow(ctx, query,
			m.ID,
			rule.ConditionGroup,
			string(rule.ConditionLogic),
			rule.Sequence,
			rule.Condition.Column,
			string(rule.Condition.Operator),
			[]byte(rule.Condition.RawValue()),
			rule.IsActive,
		).Scan(&rule.ID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create matrix rule")
		}
	}
	return nil
}

func (r *MatrixPgRepository) insertApprover(ctx context.Context, matrixID string, a *ApprovalMatrixApprover) error {
	query := `
		INSERT INTO approval_matrix_approvers
		    (matrix_id, user_id, approval_level, is_primary, is_backup, can_delegate,
		     approval_limit_amount, approval_limit_percentage, approval_deadline_hours,
		     business_hours_only, is_active, effective_date, expiry_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	a.MatrixID = matrixID
	err := r.db.QueryRow(ctx, query,
		matrixID, a.UserID, a.ApprovalLevel, a.IsPrimary, a.IsBackup, a.CanDelegate,
		toNullDecimal(a.ApprovalLimitAmount), toNullDecimal(a.ApprovalLimitPercentage), a.ApprovalDeadlineHours,
		a.BusinessHoursOnly, a.IsActive, a.EffectiveDate, a.ExpiryDate,
	).Scan(&a.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create matrix approver")
	}
	return nil
}

func (r *MatrixPgRepository) updateApprover(ctx context.Context, matrixID string, a *ApprovalMatrixApprover) (bool, error) {
	if _, err := uuid.Parse(a.ID); err != nil {
		return false, nil
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_matrix_approvers
		SET user_id                   = $3,
		    approval_level            = $4,
		    is_primary                = $5,
		    is_backup                 = $6,
		    can_delegate              = $7,
		    approval_limit_amount     = $8,
		    approval_limit_percentage = $9,
		    approval_deadline_hours   = $10,
		    business_hours_only       = $11,
		    is_active                 = $12,
		    effective_date            = $13,
		    expiry_date               = $14
		WHERE id = $1 AND matrix_id = $2
	`,
		a.ID, matrixID, a.UserID, a.ApprovalLevel, a.IsPrimary, a.IsBackup, a.CanDelegate,
		toNullDecimal(a.ApprovalLimitAmount), toNullDecimal(a.ApprovalLimitPercentage), a.ApprovalDeadlineHours,
		a.BusinessHoursOnly, a.IsActive, a.EffectiveDate, a.ExpiryDate,
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update matrix approver")
	}
	a.MatrixID = matrixID
	return tag.RowsAffected() == 1, nil
}

// matrixArgs returns INSERT arguments $1..$19 in column order.
func matrixArgs(m *ApprovalMatrix) ([]any, error) {
	policies, err := json.Marshal(nonNilPolicies(m.LevelPolicies))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal level policies")
	}

	var basisColumn, basisOperator *string
	var basisValue []byte
	if m.Basis != nil {
		col, op := m.Basis.Column, string(m.Basis.Operator)
		basisColumn, basisOperator = &col, &op
		basisValue = m.Basis.RawValue()
	}

	return []any{
		m.ModuleName,
		m.EntityType,
		m.Description,
		m.ApprovalLevels,
		string(m.ApprovalType),
		basisColumn,
		basisOperator,
		basisValue,
		toNullDecimal(m.MinimumAmount),
		toNullDecimal(m.MaximumAmount),
		m.AmountPath(),
		m.PercentageColumn,
		string(m.GroupLogic),
		policies,
		m.IsActive,
		m.EffectiveDate,
		m.ExpiryDate,
		m.Priority,
		m.CreatedBy,
	}, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatrix(row rowScanner) (*ApprovalMatrix, error) {
	m := &ApprovalMatrix{}
	var approvalType, groupLogic string
	var basisColumn, basisOperator *string
	var basisValue, policies []byte
	var minAmount, maxAmount decimal.NullDecimal

	err := row.Scan(
		&m.ID,
		&m.ModuleName,
		&m.EntityType,
		&m.Description,
		&m.ApprovalLevels,
		&approvalType,
		&basisColumn,
		&basisOperator,
		&basisValue,
		&minAmount,
		&maxAmount,
		&m.AmountColumn,
		&m.PercentageColumn,
		&groupLogic,
		&policies,
		&m.IsActive,
		&m.EffectiveDate,
		&m.ExpiryDate,
		&m.Priority,
		&m.CreatedBy,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalType = ApprovalType(approvalType)
	m.GroupLogic = rules.Logic(groupLogic)
	m.MinimumAmount = fromNullDecimal(minAmount)
	m.MaximumAmount = fromNullDecimal(maxAmount)
	if m.LevelPolicies, err = decodePolicies(policies); err != nil {
		return nil, err
	}
	if basisColumn != nil && basisOperator != nil {
		cond, err := rules.NewCondition(*basisColumn, rules.Operator(*basisOperator), basisValue)
		if err != nil {
			return nil, err
		}
		m.Basis = &cond
	}
	return m, nil
}

func decodePolicies(raw []byte) (map[int]LevelPolicy, error) {
	out := map[int]LevelPolicy{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal level policies")
	}
	return out, nil
}

func nonNilPolicies(p map[int]LevelPolicy) map[int]LevelPolicy {
	if p == nil {
		return map[int]LevelPolicy{}
	}
	return p
}

func toNullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNullDecimal(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}
