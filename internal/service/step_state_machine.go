package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/common/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/deadline"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Action is a step transition requested by an approver.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionDelegate Action = "delegate"
)

// ParseAction accepts approve, reject or delegate in any case.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionApprove, ActionReject, ActionDelegate:
		return a, nil
	}
	return "", errors.InvalidInput("action", fmt.Sprintf("unknown action %q", s))
}

// ActionPayload carries the optional inputs of an action. StepID picks a
// step when the actor holds more than one open step on the workflow.
type ActionPayload struct {
	StepID              string
	Reason              string
	DelegateTo          string
	EndDate             *time.Time
	MaxDelegationAmount *decimal.Decimal
	CanFurtherDelegate  bool
}

// ActionResult describes the state after a transition.
type ActionResult struct {
	Workflow      *repository.EntityApprovalWorkflow
	Step          *repository.ApprovalWorkflowStep
	DelegatedStep *repository.ApprovalWorkflowStep
	Delegation    *repository.Delegation
	Message       string
}

// StepStateMachine applies approve, reject, delegate and cancel to a workflow
// whose row lock the caller already holds. Steps must be the workflow's full
// step list read under that lock.
type StepStateMachine struct {
	delegations  *DelegationManager
	calculator   *deadline.Calculator
	policy       deadline.Policy
	cancelAdmins map[string]struct{}
	metrics      *metrics.Metrics
	clock        func() time.Time
	log          *logger.Logger
}

func NewStepStateMachine(
	delegations *DelegationManager,
	calculator *deadline.Calculator,
	policy deadline.Policy,
	cancelAdmins []string,
	m *metrics.Metrics,
	clock func() time.Time,
	log *logger.Logger,
) *StepStateMachine {
	if clock == nil {
		clock = time.Now
	}
	admins := make(map[string]struct{}, len(cancelAdmins))
	for _, a := range cancelAdmins {
		admins[a] = struct{}{}
	}
	return &StepStateMachine{
		delegations:  delegations,
		calculator:   calculator,
		policy:       policy,
		cancelAdmins: admins,
		metrics:      m,
		clock:        clock,
		log:          log,
	}
}

// Apply performs action for actor.
func (sm *StepStateMachine) Apply(
	ctx context.Context,
	tx repository.Store,
	batch *AuditBatch,
	wf *repository.EntityApprovalWorkflow,
	steps []*repository.ApprovalWorkflowStep,
	actor string,
	action Action,
	payload ActionPayload,
) (*ActionResult, error) {
	if actor == "" {
		return nil, errors.Unauthorized("an acting user is required")
	}
	if !wf.IsPending() {
		return nil, errors.InvalidState("workflow %s is already %s", wf.ID, wf.CurrentStatus)
	}

	step, err := selectStep(wf, steps, actor, payload.StepID)
	if err != nil {
		return nil, err
	}

	now := sm.clock()
	acting, err := sm.actingDelegation(ctx, tx, step, actor, now)
	if err != nil {
		return nil, err
	}
	if action != ActionReject {
		late, err := sm.policy.Check(step.DeadlineAt, now)
		if err != nil {
			return nil, err
		}
		if late {
			sm.log.Warn().
				Str("workflow_id", wf.ID).
				Str("step_id", step.ID).
				Str("actor", actor).
				Msg("Action taken after step deadline")
		}
	}

	switch action {
	case ActionApprove:
		return sm.approve(ctx, tx, batch, wf, steps, step, acting, actor, payload.Reason, now)
	case ActionReject:
		return sm.reject(ctx, tx, batch, wf, steps, step, actor, payload.Reason, now)
	case ActionDelegate:
		return sm.delegate(ctx, tx, batch, wf, steps, step, acting, actor, payload, now)
	}
	return nil, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", action))
}

// selectStep finds the step actor acts on.
func selectStep(wf *repository.EntityApprovalWorkflow, steps []*repository.ApprovalWorkflowStep, actor, stepID string) (*repository.ApprovalWorkflowStep, error) {
	if stepID != "" {
		for _, s := range steps {
			if s.ID != stepID {
				continue
			}
			if !s.IsAssignedTo(actor) {
				return nil, errors.Unauthorized("user %s is not assigned to step %s", actor, stepID)
			}
			if !s.IsOpen() {
				return nil, errors.InvalidState("step %s is %s and no longer accepts actions", stepID, describeStep(s))
			}
			return s, nil
		}
		return nil, errors.NotFound("approval_step", stepID)
	}

	var (
		assigned bool
		best     *repository.ApprovalWorkflowStep
	)
	for _, s := range steps {
		if !s.IsAssignedTo(actor) {
			continue
		}
		assigned = true
		if s.IsOpen() && (best == nil || s.ApprovalLevel < best.ApprovalLevel) {
			best = s
		}
	}
	if !assigned {
		return nil, errors.Unauthorized("user %s is not an approver of workflow %s", actor, wf.ID)
	}
	if best == nil {
		return nil, errors.InvalidState("user %s has no pending step on workflow %s", actor, wf.ID)
	}
	return best, nil
}

// actingDelegation returns the delegation actor holds step under, or nil when
// actor is the step's own approver. Every action a delegate takes requires the
// delegation to still be in effect.
func (sm *StepStateMachine) actingDelegation(ctx context.Context, tx repository.Store, step *repository.ApprovalWorkflowStep, actor string, now time.Time) (*repository.Delegation, error) {
	if step.DelegatedToUserID == nil || *step.DelegatedToUserID != actor || step.ApproverUserID == actor {
		return nil, nil
	}
	d, err := sm.delegations.stepDelegation(ctx, tx, step)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.Unauthorized("user %s holds step %s without a delegation", actor, step.ID)
	}
	if !d.CoversAt(now) {
		return nil, errors.Unauthorized("delegation %s to %s is no longer in effect", d.ID, actor)
	}
	return d, nil
}

func describeStep(s *repository.ApprovalWorkflowStep) string {
	if s.Action == repository.StepPending && !s.IsActive {
		return "inactive"
	}
	return string(s.Action)
}

// ── Approve ───────────────────────────────────────────────────────────────────

func (sm *StepStateMachine) approve(
	ctx context.Context,
	tx repository.Store,
	batch *AuditBatch,
	wf *repository.EntityApprovalWorkflow,
	steps []*repository.ApprovalWorkflowStep,
	step *repository.ApprovalWorkflowStep,
	acting *repository.Delegation,
	actor, reason string,
	now time.Time,
) (*ActionResult, error) {
	if err := checkLimits(wf, step, acting, actor); err != nil {
		return nil, err
	}

	markActed(step, repository.StepApproved, actor, reason, now)
	if err := tx.Steps().Update(ctx, step); err != nil {
		return nil, err
	}

	entry := stepEntry(wf, step, repository.AuditApproved, actor)
	if reason != "" {
		entry.Metadata["reason"] = reason
	}
	if err := batch.Record(ctx, tx, entry); err != nil {
		return nil, err
	}

	msg, err := sm.advance(ctx, tx, batch, wf, steps, step.ApprovalLevel, actor, now)
	if err != nil {
		return nil, err
	}
	return &ActionResult{Workflow: wf, Step: step, Message: msg}, nil
}

// checkLimits verifies the step's amount and percentage limits and, when the
// actor acts as a delegate, the delegation's cap.
func checkLimits(wf *repository.EntityApprovalWorkflow, step *repository.ApprovalWorkflowStep, acting *repository.Delegation, actor string) error {
	if exceeds(wf.EntityAmount, step.ApprovalLimitAmount) {
		return errors.Unauthorized("amount %s exceeds the approval limit %s of user %s",
			wf.EntityAmount, step.ApprovalLimitAmount, actor)
	}
	if exceeds(wf.EntityPercentage, step.ApprovalLimitPercentage) {
		return errors.Unauthorized("percentage %s exceeds the approval limit %s%% of user %s",
			wf.EntityPercentage, step.ApprovalLimitPercentage, actor)
	}
	if acting != nil && !acting.CoversAmount(wf.EntityAmount) {
		return errors.Unauthorized("amount %s exceeds the delegated limit %s of user %s",
			wf.EntityAmount, acting.MaxDelegationAmount, actor)
	}
	return nil
}

func exceeds(value, limit *decimal.Decimal) bool {
	return value != nil && limit != nil && value.GreaterThan(*limit)
}

// advance runs the level cascade after an approval at level.
func (sm *StepStateMachine) advance(
	ctx context.Context,
	tx repository.Store,
	batch *AuditBatch,
	wf *repository.EntityApprovalWorkflow,
	steps []*repository.ApprovalWorkflowStep,
	level int,
	actor string,
	now time.Time,
) (string, error) {
	policy := wf.PolicyFor(level)
	if !levelComplete(steps, level, policy) {
		return fmt.Sprintf("approved; level %d awaits further approvals", level), nil
	}

	// Remaining pending steps of a completed level are superseded.
	for _, s := range steps {
		if s.ApprovalLevel == level && s.IsOpen() {
			s.IsActive = false
			if err := tx.Steps().Update(ctx, s); err != nil {
				return "", err
			}
		}
	}

	sm.metrics.LevelCompleted(string(wf.ApprovalType))
	done := entryFor(wf, repository.AuditLevelCompleted, actor)
	done.ApprovalLevel = intRef(level)
	done.Metadata["policy"] = string(policy)
	if err := batch.Record(ctx, tx, done); err != nil {
		return "", err
	}

	next := 0
	if wf.ApprovalType == repository.ApprovalParallel {
		next = lowestIncomplete(wf, steps)
	} else if level < wf.TotalApprovalRequired {
		next = level + 1
		if err := sm.activateLevel(ctx, tx, batch, wf, steps, next, actor, now); err != nil {
			return "", err
		}
	}

	if next == 0 {
		if err := sm.finish(ctx, tx, batch, wf, steps, actor, now); err != nil {
			return "", err
		}
		return "approved; workflow complete", nil
	}

	if wf.CurrentApprovalLevel != next {
		wf.CurrentApprovalLevel = next
		if err := tx.Workflows().Update(ctx, wf); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("approved; level %d complete, level %d pending", level, next), nil
}

// levelComplete applies the level's completion policy.
func levelComplete(steps []*repository.ApprovalWorkflowStep, level int, policy repository.LevelPolicy) bool {
	var approved, approvedPrimary, open bool
	for _, s := range steps {
		if s.ApprovalLevel != level {
			continue
		}
		if s.Action == repository.StepApproved {
			approved = true
			approvedPrimary = approvedPrimary || s.IsPrimary
		}
		open = open || s.IsOpen()
	}
	if policy == repository.PolicyAll {
		return approved && !open
	}
	return approvedPrimary
}

// lowestIncomplete returns the first level whose policy is not yet met, or 0.
func lowestIncomplete(wf *repository.EntityApprovalWorkflow, steps []*repository.ApprovalWorkflowStep) int {
	for level := 1; level <= wf.TotalApprovalRequired; level++ {
		if !levelComplete(steps, level, wf.PolicyFor(level)) {
			return level
		}
	}
	return 0
}

// activateLevel opens the pending steps of level with a fresh assignment
// time, deadline and delegation lookup.
func (sm *StepStateMachine) activateLevel(
	ctx context.Context,
	tx repository.Store,
	batch *AuditBatch,
	wf *repository.EntityApprovalWorkflow,
	steps []*repository.ApprovalWorkflowStep,
	level int,
	actor string,
	now time.Time,
) error {
	var recipients []string
	for _, s := range steps {
		if s.ApprovalLevel != level || s.Action != repository.StepPending || s.IsActive {
			continue
		}
		chain := Chain{Actor: s.ApproverUserID}
		if s.MatrixApproverID != nil {
			var err error
			chain, err = sm.delegations.Resolve(ctx, tx, *s.MatrixApproverID, s.ApproverUserID, wf.EntityAmount, now)
			if err != nil {
				return err
			}
		}
		applyChain(s, chain)
		activateStep(sm.calculator, s, now)
		if err := tx.Steps().Update(ctx, s); err != nil {
			return err
		}
		recipients = append(recipients, s.EffectiveActor())
	}
	if len(recipients) == 0 {
		return errors.Configuration("workflow %s level %d has no steps to activate", wf.ID, level)
	}

	entry := entryFor(wf, repository.AuditLevelActivated, actor)
	entry.ApprovalLevel = intRef(level)
	entry.Metadata["approvers"] = recipients
	return batch.Record(ctx, tx, entry, recipients...)
}

// finish marks the workflow approved.
func (sm *StepStateMachine) finish(
	ctx context.Context,
	tx repository.Store,
	batch *AuditBatch,
	wf *repository.EntityApprovalWorkflow,
	steps []*repository.ApprovalWorkflowStep,
	actor string,
	now time.Time,
) error {
	if err := deactivateOpen(ctx, tx, steps, nil); err != nil {
		return err
	}
	wf.CurrentStatus = repository.WorkflowApproved
	wf.CurrentApprovalLevel = wf.TotalApprovalRequired
	wf.CompletedAt = &now
	if err := tx.Workflows().Update(ctx, wf); err != nil {
		return err
	}

	entry := entryFor(wf, repository.AuditCompleted, actor)
	entry.StatusBefore = statusRef(repository.WorkflowPending)
	entry.StatusAfter = statusRef(repository.WorkflowApproved)
	if err := batch.Record(ctx, tx, entry, wf.InitiatedBy); err != nil {
		return err
	}

	sm.log.Info().
		Str("workflow_id", wf.ID).
		Str("entity_type", wf.EntityType).
		Str("entity_id", wf.EntityID).
		Msg("Approval workflow approved")
	return nil
}

// ── Reject ────────────────────────────────────────────────────────────────────

func (sm *StepStateMachine) reject(
	ctx context.Context,
	tx repository.Store,
	batch *AuditBatch,
	wf *repository.EntityApprovalWorkflow,
	steps []*repository.ApprovalWorkflowStep,
	step *repository.ApprovalWorkflowStep,
	actor, reason string,
	now time.Time,
) (*ActionResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.InvalidInput("reason", "a reason is required to reject")
	}

	markActed(step, repository.StepRejected, actor, reason, now)
	if err := tx.Steps().Update(ctx, step); err != nil {
		return nil, err
	}
	if err := deactivateOpen(ctx, tx, steps, step); err != nil {
		return nil, err
	}

	wf.CurrentStatus = repository.WorkflowRejected
	wf.CompletedAt = &now
	if err := tx.Workflows().Update(ctx, wf); err != nil {
		return nil, err
	}

	entry := stepEntry(wf, step, repository.AuditRejected, actor)
	entry.StatusAfter = statusRef(repository.WorkflowRejected)
	entry.Metadata["reason"] = reason
	if err := batch.Record(ctx, tx, entry, wf.InitiatedBy); err != nil {
		return nil, err
	}

	sm.log.Info().
		Str("workflow_id", wf.ID).
		Str("step_id", step.ID).
		Int("level", step.ApprovalLevel).
		Str("actor", actor).
		Msg("Approval workflow rejected")

	return &ActionResult{Workflow: wf, Step: step, Message: fmt.Sprintf("rejected at level %d", step.ApprovalLevel)}, nil
}

// ── Delegate ──────────────────────────────────────────────────────────────────

func (sm *StepStateMachine) delegate(
	ctx context.Context,
	tx repository.Store,
	batch *AuditBatch,
	wf *repository.EntityApprovalWorkflow,
	steps []*repository.ApprovalWorkflowStep,
	step *repository.ApprovalWorkflowStep,
	acting *repository.Delegation,
	actor string,
	p ActionPayload,
	now time.Time,
) (*ActionResult, error) {
	switch {
	case actor == step.ApproverUserID:
		if !step.CanDelegate {
			return nil, errors.Unauthorized("user %s may not delegate step %s", actor, step.ID)
		}
	case acting != nil:
		if !acting.CanFurtherDelegate {
			return nil, errors.Unauthorized("delegate %s may not delegate step %s further", actor, step.ID)
		}
	default:
		return nil, errors.Unauthorized("user %s is not assigned to step %s", actor, step.ID)
	}

	to := strings.TrimSpace(p.DelegateTo)
	reason := strings.TrimSpace(p.Reason)
	switch {
	case to == "":
		return nil, errors.InvalidInput("delegate_to", "delegate_to is required")
	case reason == "":
		return nil, errors.InvalidInput("reason", "a reason is required to delegate")
	case p.EndDate != nil && !p.EndDate.After(now):
		return nil, errors.InvalidInput("end_date", "end_date must be in the future")
	case p.MaxDelegationAmount != nil && exceeds(wf.EntityAmount, p.MaxDelegationAmount):
		return nil, errors.InvalidInput("max_delegation_amount", "max_delegation_amount is below the entity amount")
	}

	// A user who already held this slot cannot receive it again, and a user
	// with another open step on the level cannot hold two of its votes.
	held := 0
	for _, s := range steps {
		if s.ApprovalLevel != step.ApprovalLevel {
			continue
		}
		if !sameAssignment(s, step) {
			if s.IsOpen() && s.IsAssignedTo(to) {
				return nil, errors.InvalidInput("delegate_to", fmt.Sprintf("user %s already has an open step on level %d", to, step.ApprovalLevel))
			}
			continue
		}
		if s.IsAssignedTo(to) {
			return nil, errors.InvalidInput("delegate_to", fmt.Sprintf("user %s already holds this approval", to))
		}
		if s.Action == repository.StepDelegated {
			held++
		}
	}
	if held >= MaxDelegationDepth {
		return nil, errors.InvalidState("step %s has been delegated %d times already", step.ID, held)
	}

	d := &repository.Delegation{
		ApproverID:          copyString(step.MatrixApproverID),
		WorkflowID:          &wf.ID,
		StepID:              &step.ID,
		DelegateFromUserID:  actor,
		DelegateToUserID:    to,
		DelegationReason:    reason,
		StartDate:           now,
		EndDate:             p.EndDate,
		MaxDelegationAmount: p.MaxDelegationAmount,
		CanFurtherDelegate:  p.CanFurtherDelegate,
		IsActive:            true,
	}
	if err := tx.Delegations().Create(ctx, d); err != nil {
		return nil, err
	}

	markActed(step, repository.StepDelegated, actor, reason, now)
	if err := tx.Steps().Update(ctx, step); err != nil {
		return nil, err
	}

	spawned := &repository.ApprovalWorkflowStep{
		WorkflowID:              step.WorkflowID,
		ApprovalLevel:           step.ApprovalLevel,
		MatrixApproverID:        copyString(step.MatrixApproverID),
		DelegationID:            &d.ID,
		ApproverUserID:          step.ApproverUserID,
		DelegatedToUserID:       &to,
		IsPrimary:               step.IsPrimary,
		CanDelegate:             step.CanDelegate,
		ApprovalLimitAmount:     step.ApprovalLimitAmount,
		ApprovalLimitPercentage: step.ApprovalLimitPercentage,
		DeadlineHours:           step.DeadlineHours,
		BusinessHoursOnly:       step.BusinessHoursOnly,
		Action:                  repository.StepPending,
		AssignedAt:              &now,
		DeadlineAt:              step.DeadlineAt,
		IsActive:                true,
	}
	if err := tx.Steps().Create(ctx, spawned); err != nil {
		return nil, err
	}

	entry := stepEntry(wf, step, repository.AuditDelegated, actor)
	entry.Metadata["delegated_to"] = to
	entry.Metadata["reason"] = reason
	entry.Metadata["delegation_id"] = d.ID
	entry.Metadata["new_step_id"] = spawned.ID
	if err := batch.Record(ctx, tx, entry, to); err != nil {
		return nil, err
	}

	return &ActionResult{
		Workflow:      wf,
		Step:          step,
		DelegatedStep: spawned,
		Delegation:    d,
		Message:       fmt.Sprintf("delegated to %s", to),
	}, nil
}

func sameAssignment(a, b *repository.ApprovalWorkflowStep) bool {
	if a.MatrixApproverID != nil && b.MatrixApproverID != nil {
		return *a.MatrixApproverID == *b.MatrixApproverID
	}
	return a.ApproverUserID == b.ApproverUserID
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel moves a pending workflow to cancelled. Only the initiator or a
// configured cancel admin may cancel.
func (sm *StepStateMachine) Cancel(
	ctx context.Context,
	tx repository.Store,
	batch *AuditBatch,
	wf *repository.EntityApprovalWorkflow,
	steps []*repository.ApprovalWorkflowStep,
	actor, reason string,
) error {
	if actor == "" {
		return errors.Unauthorized("an acting user is required")
	}
	if _, admin := sm.cancelAdmins[actor]; wf.InitiatedBy != actor && !admin {
		return errors.Unauthorized("user %s may not cancel workflow %s", actor, wf.ID)
	}
	if !wf.IsPending() {
		return errors.InvalidState("workflow %s is already %s", wf.ID, wf.CurrentStatus)
	}

	now := sm.clock()
	var recipients []string
	for _, s := range steps {
		if s.IsOpen() {
			recipients = append(recipients, s.EffectiveActor())
		}
	}
	if err := deactivateOpen(ctx, tx, steps, nil); err != nil {
		return err
	}

	wf.CurrentStatus = repository.WorkflowCancelled
	wf.CompletedAt = &now
	wf.CancelledBy = &actor
	if r := strings.TrimSpace(reason); r != "" {
		wf.CancelReason = &r
	}
	if err := tx.Workflows().Update(ctx, wf); err != nil {
		return err
	}

	entry := entryFor(wf, repository.AuditCancelled, actor)
	entry.StatusBefore = statusRef(repository.WorkflowPending)
	entry.StatusAfter = statusRef(repository.WorkflowCancelled)
	entry.ApprovalLevel = intRef(wf.CurrentApprovalLevel)
	if wf.CancelReason != nil {
		entry.Metadata["reason"] = *wf.CancelReason
	}
	if err := batch.Record(ctx, tx, entry, recipients...); err != nil {
		return err
	}

	sm.log.Info().
		Str("workflow_id", wf.ID).
		Str("actor", actor).
		Msg("Approval workflow cancelled")
	return nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// markActed closes step with a terminal action.
func markActed(step *repository.ApprovalWorkflowStep, action repository.StepAction, actor, reason string, now time.Time) {
	step.Action = action
	step.IsActive = false
	step.ActedBy = &actor
	step.ActionTakenAt = &now
	if reason != "" {
		step.ActionReason = &reason
	}
}

// deactivateOpen closes every pending step except skip. Their action stays
// pending so the timeline shows they were never acted on.
func deactivateOpen(ctx context.Context, tx repository.Store, steps []*repository.ApprovalWorkflowStep, skip *repository.ApprovalWorkflowStep) error {
	for _, s := range steps {
		if s == skip || s.Action != repository.StepPending || !s.IsActive {
			continue
		}
		s.IsActive = false
		if err := tx.Steps().Update(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func stepEntry(wf *repository.EntityApprovalWorkflow, step *repository.ApprovalWorkflowStep, action repository.AuditAction, actor string) *repository.ApprovalAuditEntry {
	entry := entryFor(wf, action, actor)
	id := step.ID
	entry.StepID = &id
	entry.ApprovalLevel = intRef(step.ApprovalLevel)
	entry.StatusBefore = statusRef(repository.WorkflowPending)
	entry.StatusAfter = statusRef(wf.CurrentStatus)
	return entry
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
