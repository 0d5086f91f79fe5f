package service

import (
	"context"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/common/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/deadline"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// Options wires the engine's collaborators. Zero values get defaults.
type Options struct {
	Calculator     *deadline.Calculator
	DeadlinePolicy deadline.Policy
	CancelAdmins   []string
	Publisher      EventPublisher
	Registry       *EntityRegistry
	Metrics        *metrics.Metrics
	Clock          func() time.Time
}

// ApprovalEngine is the entry point for every approval operation. Each
// mutating call runs in one transaction that locks the affected workflow.
type ApprovalEngine struct {
	store        repository.Store
	resolver     *MatrixResolver
	delegations  *DelegationManager
	instantiator *WorkflowInstantiator
	machine      *StepStateMachine
	emitter      *AuditEmitter
	registry     *EntityRegistry
	metrics      *metrics.Metrics
	clock        func() time.Time
	log          *logger.Logger
}

// NewApprovalEngine assembles the engine on top of store.
func NewApprovalEngine(store repository.Store, opts Options, log *logger.Logger) *ApprovalEngine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Calculator == nil {
		opts.Calculator = deadline.NewCalculator(deadline.DefaultBusinessHours())
	}
	if opts.DeadlinePolicy == "" {
		opts.DeadlinePolicy = deadline.PolicyAdvisory
	}
	if opts.Registry == nil {
		opts.Registry = NewEntityRegistry()
	}
	log = log.Component("approval_engine")

	delegations := NewDelegationManager(opts.Clock, log)
	builder := NewApproverSetBuilder(delegations)
	return &ApprovalEngine{
		store:        store,
		resolver:     NewMatrixResolver(opts.Clock),
		delegations:  delegations,
		instantiator: NewWorkflowInstantiator(builder, opts.Calculator, opts.Clock, log),
		machine:      NewStepStateMachine(delegations, opts.Calculator, opts.DeadlinePolicy, opts.CancelAdmins, opts.Metrics, opts.Clock, log),
		emitter:      NewAuditEmitter(opts.Publisher, log),
		registry:     opts.Registry,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		log:          log,
	}
}

// Registry returns the entity registry used by Submit.
func (e *ApprovalEngine) Registry() *EntityRegistry { return e.registry }

// ── Resolution and instantiation ──────────────────────────────────────────────

// ResolveMatrix returns the governing matrix for an entity. A Resolution
// without a matrix means no approval is required.
func (e *ApprovalEngine) ResolveMatrix(ctx context.Context, module, entityType string, attrs rules.Attributes) (*Resolution, error) {
	res, err := e.resolver.Resolve(ctx, e.store, module, entityType, attrs)
	switch {
	case err != nil:
		e.metrics.Resolution(module, entityType, "error")
		return nil, err
	case !res.Required():
		e.metrics.Resolution(module, entityType, "no_match")
		e.log.Info().
			Str("module", module).
			Str("entity_type", entityType).
			Int("candidates", res.Candidates).
			Str("reason", res.Reason).
			Msg("No approval matrix applies")
	default:
		e.metrics.Resolution(module, entityType, "matched")
	}
	return res, nil
}

// InstantiateWorkflow creates the workflow for an entity under matrix m.
func (e *ApprovalEngine) InstantiateWorkflow(ctx context.Context, m *repository.ApprovalMatrix, ref EntityRef, initiator string) (*WorkflowView, error) {
	var view *WorkflowView
	err := e.transact(ctx, "instantiate_workflow", func(ctx context.Context, tx repository.Store, batch *AuditBatch) error {
		var err error
		view, err = e.instantiator.Instantiate(ctx, tx, batch, m, ref, initiator)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.metrics.Instantiated(view.Workflow.ModuleName, view.Workflow.EntityType, string(view.Workflow.ApprovalType))
	return view, nil
}

// SubmitRequest asks for an entity to enter approval. Attributes may be
// omitted when the entity type has a registered lookup.
type SubmitRequest struct {
	ModuleName string
	EntityType string
	EntityID   string
	ScopeID    *string
	Attributes rules.Attributes
	Initiator  string
}

// SubmitResult reports whether approval is required and, if so, the workflow.
type SubmitResult struct {
	ApprovalRequired bool
	Resolution       *Resolution
	Workflow         *WorkflowView
}

// Submit resolves the matrix for an entity and instantiates its workflow.
func (e *ApprovalEngine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.Initiator == "" {
		return nil, errors.Unauthorized("an initiating user is required")
	}
	if strings.TrimSpace(req.EntityID) == "" {
		return nil, errors.InvalidInput("entity_id", "entity_id is required")
	}

	attrs := req.Attributes
	if attrs == nil {
		var err error
		attrs, err = e.registry.Lookup(ctx, req.EntityType, req.EntityID)
		if err != nil {
			return nil, err
		}
	}

	res, err := e.ResolveMatrix(ctx, req.ModuleName, req.EntityType, attrs)
	if err != nil {
		return nil, err
	}
	if !res.Required() {
		return &SubmitResult{Resolution: res}, nil
	}

	view, err := e.InstantiateWorkflow(ctx, res.Matrix, EntityRef{
		ModuleName: req.ModuleName,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ScopeID:    req.ScopeID,
		Attributes: attrs,
	}, req.Initiator)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{ApprovalRequired: true, Resolution: res, Workflow: view}, nil
}

// ── Transitions ───────────────────────────────────────────────────────────────

// ProcessAction applies approve, reject or delegate for actor on a workflow.
func (e *ApprovalEngine) ProcessAction(ctx context.Context, workflowID, actor string, action Action, payload ActionPayload) (*ActionResult, error) {
	started := time.Now()
	if workflowID == "" {
		return nil, errors.InvalidInput("workflow_id", "workflow_id is required")
	}

	var result *ActionResult
	err := e.transact(ctx, "process_action", func(ctx context.Context, tx repository.Store, batch *AuditBatch) error {
		wf, steps, err := lockWorkflow(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		result, err = e.machine.Apply(ctx, tx, batch, wf, steps, actor, action, payload)
		return err
	})
	e.metrics.Action(string(action), outcome(err), started)
	if err != nil {
		e.log.Debug().Err(err).
			Str("workflow_id", workflowID).
			Str("actor", actor).
			Str("action", string(action)).
			Msg("Action refused")
		return nil, err
	}
	return result, nil
}

// CancelWorkflow cancels a pending workflow.
func (e *ApprovalEngine) CancelWorkflow(ctx context.Context, workflowID, actor, reason string) (bool, error) {
	started := time.Now()
	if workflowID == "" {
		return false, errors.InvalidInput("workflow_id", "workflow_id is required")
	}

	err := e.transact(ctx, "cancel_workflow", func(ctx context.Context, tx repository.Store, batch *AuditBatch) error {
		wf, steps, err := lockWorkflow(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		return e.machine.Cancel(ctx, tx, batch, wf, steps, actor, reason)
	})
	e.metrics.Action("cancel", outcome(err), started)
	if err != nil {
		return false, err
	}
	return true, nil
}

func lockWorkflow(ctx context.Context, tx repository.Store, id string) (*repository.EntityApprovalWorkflow, []*repository.ApprovalWorkflowStep, error) {
	wf, err := tx.Workflows().GetForUpdate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	steps, err := tx.Steps().ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, nil, err
	}
	return wf, steps, nil
}

// transact runs fn in a transaction, retrying once on transient contention.
// Audit events are published only after a successful commit.
func (e *ApprovalEngine) transact(ctx context.Context, op string, fn func(ctx context.Context, tx repository.Store, batch *AuditBatch) error) error {
	batch := e.emitter.Begin()
	run := func() error {
		batch.Reset()
		return e.store.InTransaction(ctx, func(ctx context.Context, tx repository.Store) error {
			return fn(ctx, tx, batch)
		})
	}

	err := run()
	if repository.IsTransient(err) {
		e.metrics.Retry()
		e.log.Warn().Err(err).Str("operation", op).Msg("Transient contention, retrying once")
		err = run()
		if repository.IsTransient(err) {
			return errors.Wrap(err, errors.ErrCodeInternal, op+" failed after retry")
		}
	}
	if err != nil {
		return err
	}
	batch.Flush(ctx)
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(errors.CodeOf(err))
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetWorkflow returns a workflow and its steps.
func (e *ApprovalEngine) GetWorkflow(ctx context.Context, id string) (*WorkflowView, error) {
	wf, err := e.store.Workflows().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.Steps().ListByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	return &WorkflowView{Workflow: wf, Steps: steps}, nil
}

// TimelineEntry is a step with its urgency. Urgency is empty for steps that
// no longer await action.
type TimelineEntry struct {
	Step    *repository.ApprovalWorkflowStep
	Urgency deadline.Urgency
}

// Timeline is a workflow's steps in level order.
type Timeline struct {
	Workflow *repository.EntityApprovalWorkflow
	Entries  []TimelineEntry
}

// Timeline returns the ordered steps of a workflow with urgency classes.
func (e *ApprovalEngine) Timeline(ctx context.Context, workflowID string) (*Timeline, error) {
	view, err := e.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	tl := &Timeline{Workflow: view.Workflow, Entries: make([]TimelineEntry, 0, len(view.Steps))}
	for _, s := range view.Steps {
		entry := TimelineEntry{Step: s}
		if s.IsOpen() && view.Workflow.IsPending() {
			entry.Urgency = deadline.Classify(s.DeadlineAt, now)
		}
		tl.Entries = append(tl.Entries, entry)
	}
	return tl, nil
}

// PendingItem is an inbox row: an open step, its workflow and urgency.
type PendingItem struct {
	repository.PendingStep
	Urgency deadline.Urgency
}

// PendingSteps lists the open steps user must act on.
func (e *ApprovalEngine) PendingSteps(ctx context.Context, user string) ([]PendingItem, error) {
	if user == "" {
		return nil, errors.Unauthorized("a user is required")
	}
	rows, err := e.store.Steps().ListPendingForUser(ctx, user)
	if err != nil {
		return nil, err
	}
	return e.classify(rows), nil
}

// OverdueSteps lists open steps past their deadline. An empty user lists
// every user's, for escalation jobs.
func (e *ApprovalEngine) OverdueSteps(ctx context.Context, user string) ([]PendingItem, error) {
	rows, err := e.store.Steps().ListOverdue(ctx, user, e.clock())
	if err != nil {
		return nil, err
	}
	return e.classify(rows), nil
}

func (e *ApprovalEngine) classify(rows []*repository.PendingStep) []PendingItem {
	now := e.clock()
	out := make([]PendingItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, PendingItem{PendingStep: *r, Urgency: deadline.Classify(r.Step.DeadlineAt, now)})
	}
	return out
}

// Statistics counts workflows by status.
func (e *ApprovalEngine) Statistics(ctx context.Context, filter repository.StatsFilter) (*repository.WorkflowStats, error) {
	return e.store.Workflows().Statistics(ctx, filter)
}

// AuditTrail returns the audit entries of a workflow in order.
func (e *ApprovalEngine) AuditTrail(ctx context.Context, workflowID string) ([]*repository.ApprovalAuditEntry, error) {
	if _, err := e.store.Workflows().GetByID(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.store.Audit().ListByWorkflow(ctx, workflowID)
}

// ── Delegations ───────────────────────────────────────────────────────────────

// CreateDelegation stores a standing delegation granted by actor.
func (e *ApprovalEngine) CreateDelegation(ctx context.Context, actor string, req DelegationRequest) (*repository.Delegation, error) {
	var d *repository.Delegation
	err := e.store.InTransaction(ctx, func(ctx context.Context, tx repository.Store) error {
		var err error
		d, err = e.delegations.Create(ctx, tx, actor, req)
		return err
	})
	return d, err
}

// RevokeDelegation deactivates a delegation granted by actor.
func (e *ApprovalEngine) RevokeDelegation(ctx context.Context, actor, id string) (*repository.Delegation, error) {
	return e.delegations.Revoke(ctx, e.store, actor, id)
}

// ListDelegations lists delegations matching filter.
func (e *ApprovalEngine) ListDelegations(ctx context.Context, filter repository.DelegationFilter) ([]*repository.Delegation, error) {
	return e.delegations.List(ctx, e.store, filter)
}

// ExpireDelegations deactivates delegations whose end date has passed.
func (e *ApprovalEngine) ExpireDelegations(ctx context.Context) (int, error) {
	return e.delegations.ExpireEnded(ctx, e.store)
}
