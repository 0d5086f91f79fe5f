package service

import (
	"context"
	"maps"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/deadline"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// EntityRef identifies the entity under approval. The engine never loads the
// entity itself; Attributes is the snapshot rules were evaluated against.
type EntityRef struct {
	ModuleName string
	EntityType string
	EntityID   string
	ScopeID    *string
	Attributes rules.Attributes
}

// WorkflowView is a workflow with its steps ordered by level.
type WorkflowView struct {
	Workflow *repository.EntityApprovalWorkflow
	Steps    []*repository.ApprovalWorkflowStep
}

// WorkflowInstantiator creates a workflow and all of its steps from a matrix.
type WorkflowInstantiator struct {
	builder    *ApproverSetBuilder
	calculator *deadline.Calculator
	clock      func() time.Time
	log        *logger.Logger
}

func NewWorkflowInstantiator(builder *ApproverSetBuilder, calculator *deadline.Calculator, clock func() time.Time, log *logger.Logger) *WorkflowInstantiator {
	if clock == nil {
		clock = time.Now
	}
	return &WorkflowInstantiator{builder: builder, calculator: calculator, clock: clock, log: log}
}

// Instantiate runs inside tx. Sequential workflows activate level 1 only;
// parallel workflows activate every level. Later sequential levels are
// created inactive and receive their assignment time, deadline and
// delegation lookup when they activate.
func (w *WorkflowInstantiator) Instantiate(ctx context.Context, tx repository.Store, batch *AuditBatch, m *repository.ApprovalMatrix, ref EntityRef, initiator string) (*WorkflowView, error) {
	if m == nil {
		return nil, errors.InvalidInput("matrix", "an approval matrix is required")
	}
	if err := validateRef(m, ref); err != nil {
		return nil, err
	}
	if initiator == "" {
		return nil, errors.Unauthorized("an initiating user is required")
	}

	existing, err := tx.Workflows().FindPendingByEntity(ctx, ref.EntityType, ref.EntityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.InvalidState("entity %s/%s already has pending workflow %s", ref.EntityType, ref.EntityID, existing.ID)
	}

	amount, err := decimalAttribute(ref.Attributes, m.AmountPath())
	if err != nil {
		return nil, errors.Configuration("matrix %s: %s", m.ID, err.Error())
	}
	percentage, err := decimalAttribute(ref.Attributes, m.PercentageColumn)
	if err != nil {
		return nil, errors.Configuration("matrix %s: %s", m.ID, err.Error())
	}

	now := w.clock()
	set, err := w.builder.Build(ctx, tx, m, amount, now)
	if err != nil {
		return nil, err
	}

	matrixID := m.ID
	wf := &repository.EntityApprovalWorkflow{
		ModuleName:            moduleOf(m, ref),
		EntityType:            ref.EntityType,
		EntityID:              ref.EntityID,
		ScopeID:               ref.ScopeID,
		ApprovalMatrixID:      &matrixID,
		ApprovalType:          m.ApprovalType,
		LevelPolicies:         maps.Clone(m.LevelPolicies),
		CurrentStatus:         repository.WorkflowPending,
		CurrentApprovalLevel:  1,
		TotalApprovalRequired: m.ApprovalLevels,
		EntitySnapshot:        ref.Attributes,
		EntityAmount:          amount,
		EntityPercentage:      percentage,
		InitiatedBy:           initiator,
		InitiatedAt:           now,
	}
	if err := tx.Workflows().Create(ctx, wf); err != nil {
		return nil, err
	}

	var (
		steps      []*repository.ApprovalWorkflowStep
		recipients []string
	)
	for level := 1; level <= m.ApprovalLevels; level++ {
		active := level == 1 || m.ApprovalType == repository.ApprovalParallel
		for _, ra := range set[level] {
			step := newStep(wf.ID, level, ra.Approver)
			if active {
				applyChain(step, ra.Chain)
				activateStep(w.calculator, step, now)
				recipients = append(recipients, step.EffectiveActor())
			}
			if err := tx.Steps().Create(ctx, step); err != nil {
				return nil, err
			}
			steps = append(steps, step)
		}
	}

	entry := entryFor(wf, repository.AuditInstantiated, initiator)
	entry.StatusAfter = statusRef(repository.WorkflowPending)
	entry.ApprovalLevel = intRef(1)
	entry.Metadata["matrix_id"] = m.ID
	entry.Metadata["approval_type"] = string(m.ApprovalType)
	entry.Metadata["approval_levels"] = m.ApprovalLevels
	entry.Metadata["steps"] = len(steps)
	if err := batch.Record(ctx, tx, entry, recipients...); err != nil {
		return nil, err
	}

	w.log.Info().
		Str("workflow_id", wf.ID).
		Str("matrix_id", m.ID).
		Str("entity_type", wf.EntityType).
		Str("entity_id", wf.EntityID).
		Int("levels", wf.TotalApprovalRequired).
		Int("steps", len(steps)).
		Msg("Approval workflow instantiated")

	return &WorkflowView{Workflow: wf, Steps: steps}, nil
}

func validateRef(m *repository.ApprovalMatrix, ref EntityRef) error {
	if ref.EntityType == "" {
		return errors.InvalidInput("entity_type", "entity_type is required")
	}
	if ref.EntityID == "" {
		return errors.InvalidInput("entity_id", "entity_id is required")
	}
	if m.EntityType != ref.EntityType {
		return errors.InvalidInput("entity_type", "matrix "+m.ID+" governs "+m.EntityType+", not "+ref.EntityType)
	}
	if ref.ModuleName != "" && ref.ModuleName != m.ModuleName {
		return errors.InvalidInput("module_name", "matrix "+m.ID+" belongs to module "+m.ModuleName)
	}
	return nil
}

func moduleOf(m *repository.ApprovalMatrix, ref EntityRef) string {
	if ref.ModuleName != "" {
		return ref.ModuleName
	}
	return m.ModuleName
}

// newStep snapshots an approver assignment into an inactive pending step.
func newStep(workflowID string, level int, a repository.ApprovalMatrixApprover) *repository.ApprovalWorkflowStep {
	step := &repository.ApprovalWorkflowStep{
		WorkflowID:              workflowID,
		ApprovalLevel:           level,
		ApproverUserID:          a.UserID,
		IsPrimary:               a.IsPrimary,
		CanDelegate:             a.CanDelegate,
		ApprovalLimitAmount:     a.ApprovalLimitAmount,
		ApprovalLimitPercentage: a.ApprovalLimitPercentage,
		DeadlineHours:           a.ApprovalDeadlineHours,
		BusinessHoursOnly:       a.BusinessHoursOnly,
		Action:                  repository.StepPending,
	}
	if a.ID != "" {
		id := a.ID
		step.MatrixApproverID = &id
	}
	return step
}

func applyChain(step *repository.ApprovalWorkflowStep, chain Chain) {
	last := chain.Last()
	if last == nil {
		step.DelegatedToUserID = nil
		step.DelegationID = nil
		return
	}
	actor := chain.Actor
	id := last.ID
	step.DelegatedToUserID = &actor
	step.DelegationID = &id
}

// activateStep opens a step for action and starts its deadline clock.
func activateStep(calc *deadline.Calculator, step *repository.ApprovalWorkflowStep, now time.Time) {
	at := now
	step.IsActive = true
	step.AssignedAt = &at
	step.DeadlineAt = calc.Compute(now, step.DeadlineHours, step.BusinessHoursOnly)
}
