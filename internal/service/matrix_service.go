package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// MatrixService manages matrix configuration. Matrices are validated when
// saved so resolution and instantiation only see well-formed ones.
type MatrixService struct {
	store repository.Store
	log   *logger.Logger
}

func NewMatrixService(store repository.Store, log *logger.Logger) *MatrixService {
	return &MatrixService{store: store, log: log.Component("matrix_service")}
}

// Create validates and stores a new matrix.
func (s *MatrixService) Create(ctx context.Context, m *repository.ApprovalMatrix, actor string) (*repository.ApprovalMatrix, error) {
	if err := ValidateMatrix(m); err != nil {
		return nil, err
	}
	m.CreatedBy = actor
	if err := s.store.Matrices().Create(ctx, m); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("matrix_id", m.ID).
		Str("module", m.ModuleName).
		Str("entity_type", m.EntityType).
		Int("levels", m.ApprovalLevels).
		Int("priority", m.Priority).
		Msg("Approval matrix created")
	return m, nil
}

// Update replaces a matrix's configuration. In-flight workflows keep the
// snapshot they were instantiated with.
func (s *MatrixService) Update(ctx context.Context, m *repository.ApprovalMatrix) (*repository.ApprovalMatrix, error) {
	if m.ID == "" {
		return nil, errors.InvalidInput("id", "matrix id is required")
	}
	if err := ValidateMatrix(m); err != nil {
		return nil, err
	}
	if err := s.store.Matrices().Update(ctx, m); err != nil {
		return nil, err
	}
	s.log.Info().Str("matrix_id", m.ID).Msg("Approval matrix updated")
	return s.store.Matrices().GetByID(ctx, m.ID)
}

// Get returns one matrix with rules and approvers.
func (s *MatrixService) Get(ctx context.Context, id string) (*repository.ApprovalMatrix, error) {
	return s.store.Matrices().GetByID(ctx, id)
}

// List returns matrices matching filter.
func (s *MatrixService) List(ctx context.Context, filter repository.MatrixFilter) ([]*repository.ApprovalMatrix, error) {
	return s.store.Matrices().List(ctx, filter)
}

// Delete removes a matrix. Matrices still governing pending workflows cannot
// be deleted.
func (s *MatrixService) Delete(ctx context.Context, id string) error {
	return s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Store) error {
		if _, err := tx.Matrices().GetByID(ctx, id); err != nil {
			return err
		}
		pending, err := tx.Workflows().CountPendingByMatrix(ctx, id)
		if err != nil {
			return err
		}
		if pending > 0 {
			return errors.InvalidState("matrix %s still governs %d pending workflows", id, pending)
		}
		if err := tx.Matrices().Delete(ctx, id); err != nil {
			return err
		}
		s.log.Info().Str("matrix_id", id).Msg("Approval matrix deleted")
		return nil
	})
}

// ValidateMatrix checks a matrix before it is saved and fills defaults.
func ValidateMatrix(m *repository.ApprovalMatrix) error {
	if m == nil {
		return errors.InvalidInput("matrix", "matrix is required")
	}
	m.ModuleName = strings.TrimSpace(m.ModuleName)
	m.EntityType = strings.TrimSpace(m.EntityType)
	switch {
	case m.ModuleName == "":
		return errors.InvalidInput("module_name", "module_name is required")
	case m.EntityType == "":
		return errors.InvalidInput("entity_type", "entity_type is required")
	case m.ApprovalLevels < 1:
		return errors.InvalidInput("approval_levels", "approval_levels must be at least 1")
	}

	switch m.ApprovalType {
	case "":
		m.ApprovalType = repository.ApprovalSequential
	case repository.ApprovalSequential, repository.ApprovalParallel:
	default:
		return errors.InvalidInput("approval_type", fmt.Sprintf("unknown approval_type %q", m.ApprovalType))
	}

	logic, err := rules.ParseLogic(string(m.GroupLogic))
	if err != nil {
		return errors.InvalidInput("group_logic", err.Error())
	}
	m.GroupLogic = logic

	if m.MinimumAmount != nil && m.MaximumAmount != nil && m.MinimumAmount.GreaterThan(*m.MaximumAmount) {
		return errors.InvalidInput("minimum_amount", "minimum_amount exceeds maximum_amount")
	}
	if m.EffectiveDate != nil && m.ExpiryDate != nil && m.ExpiryDate.Before(*m.EffectiveDate) {
		return errors.InvalidInput("expiry_date", "expiry_date is before effective_date")
	}

	for level, p := range m.LevelPolicies {
		if level < 1 || level > m.ApprovalLevels {
			return errors.InvalidInput("level_policies", fmt.Sprintf("level %d is outside 1..%d", level, m.ApprovalLevels))
		}
		if p != repository.PolicyAnyPrimary && p != repository.PolicyAll {
			return errors.InvalidInput("level_policies", fmt.Sprintf("unknown level policy %q", p))
		}
	}

	for i := range m.Rules {
		r := &m.Rules[i]
		if r.Condition.Column == "" || r.Condition.Operator == "" {
			return errors.InvalidInput("rules", fmt.Sprintf("rule %d has no condition", i+1))
		}
		logic, err := rules.ParseLogic(string(r.ConditionLogic))
		if err != nil {
			return errors.InvalidInput("rules", err.Error())
		}
		r.ConditionLogic = logic
	}

	return validateApprovers(m)
}

func validateApprovers(m *repository.ApprovalMatrix) error {
	primaries := make(map[int]bool, m.ApprovalLevels)
	seen := make(map[string]bool)
	for i, a := range m.Approvers {
		field := fmt.Sprintf("approvers[%d]", i)
		switch {
		case strings.TrimSpace(a.UserID) == "":
			return errors.InvalidInput(field, "user_id is required")
		case a.ApprovalLevel < 1 || a.ApprovalLevel > m.ApprovalLevels:
			return errors.InvalidInput(field, fmt.Sprintf("approval_level %d is outside 1..%d", a.ApprovalLevel, m.ApprovalLevels))
		case a.ApprovalDeadlineHours < 0:
			return errors.InvalidInput(field, "approval_deadline_hours must not be negative")
		case a.ApprovalLimitAmount != nil && a.ApprovalLimitAmount.IsNegative():
			return errors.InvalidInput(field, "approval_limit_amount must not be negative")
		case a.ApprovalLimitPercentage != nil && a.ApprovalLimitPercentage.IsNegative():
			return errors.InvalidInput(field, "approval_limit_percentage must not be negative")
		case a.IsPrimary && a.IsBackup:
			return errors.InvalidInput(field, "an approver cannot be both primary and backup")
		}
		key := fmt.Sprintf("%d/%s", a.ApprovalLevel, a.UserID)
		if seen[key] {
			return errors.InvalidInput(field, fmt.Sprintf("user %s is assigned twice to level %d", a.UserID, a.ApprovalLevel))
		}
		seen[key] = true
		if a.IsActive && a.IsPrimary {
			primaries[a.ApprovalLevel] = true
		}
	}

	for level := 1; level <= m.ApprovalLevels; level++ {
		if !primaries[level] {
			return errors.Configuration("level %d has no active primary approver", level)
		}
	}
	return nil
}
