package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// Monday 2 March 2026, 10:00 UTC.
var baseTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ApprovalEvent
}

func (p *recordingPublisher) PublishApprovalEvent(_ context.Context, ev ApprovalEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) actions() []repository.AuditAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]repository.AuditAction, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Entry.Action)
	}
	return out
}

type fixture struct {
	ctx       context.Context
	clock     *testClock
	store     *memory.Store
	engine    *ApprovalEngine
	matrices  *MatrixService
	publisher *recordingPublisher
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()
	clock := &testClock{now: baseTime}
	store := memory.New(memory.WithClock(clock.Now), memory.WithLockTimeout(2*time.Second))
	pub := &recordingPublisher{}
	opts := Options{Clock: clock.Now, Publisher: pub}
	for _, c := range configure {
		c(&opts)
	}
	return &fixture{
		ctx:       context.Background(),
		clock:     clock,
		store:     store,
		engine:    NewApprovalEngine(store, opts, logger.Nop()),
		matrices:  NewMatrixService(store, logger.Nop()),
		publisher: pub,
	}
}

func approver(user string, level int, primary bool) repository.ApprovalMatrixApprover {
	return repository.ApprovalMatrixApprover{
		UserID:        user,
		ApprovalLevel: level,
		IsPrimary:     primary,
		CanDelegate:   true,
		IsActive:      true,
	}
}

func newMatrix(approvalType repository.ApprovalType, levels int, approvers ...repository.ApprovalMatrixApprover) *repository.ApprovalMatrix {
	return &repository.ApprovalMatrix{
		ModuleName:     "procurement",
		EntityType:     "purchase_order",
		ApprovalLevels: levels,
		ApprovalType:   approvalType,
		IsActive:       true,
		Approvers:      approvers,
	}
}

func (f *fixture) save(t *testing.T, m *repository.ApprovalMatrix) *repository.ApprovalMatrix {
	t.Helper()
	saved, err := f.matrices.Create(f.ctx, m, "admin")
	require.NoError(t, err)
	return saved
}

func poAttrs(amount int64) rules.Attributes {
	return rules.Attributes{"amount": decimal.NewFromInt(amount), "store_id": "S-1"}
}

func (f *fixture) instantiate(t *testing.T, m *repository.ApprovalMatrix, entityID string, amount int64) *WorkflowView {
	t.Helper()
	view, err := f.engine.InstantiateWorkflow(f.ctx, m, EntityRef{
		ModuleName: "procurement",
		EntityType: "purchase_order",
		EntityID:   entityID,
		Attributes: poAttrs(amount),
	}, "u-initiator")
	require.NoError(t, err)
	return view
}

func (f *fixture) view(t *testing.T, workflowID string) *WorkflowView {
	t.Helper()
	v, err := f.engine.GetWorkflow(f.ctx, workflowID)
	require.NoError(t, err)
	return v
}

func (f *fixture) approve(workflowID, actor string) (*ActionResult, error) {
	return f.engine.ProcessAction(f.ctx, workflowID, actor, ActionApprove, ActionPayload{})
}

func stepsAt(v *WorkflowView, level int) []*repository.ApprovalWorkflowStep {
	var out []*repository.ApprovalWorkflowStep
	for _, s := range v.Steps {
		if s.ApprovalLevel == level {
			out = append(out, s)
		}
	}
	return out
}

func stepOf(v *WorkflowView, user string) *repository.ApprovalWorkflowStep {
	for _, s := range v.Steps {
		if s.IsOpen() && s.IsAssignedTo(user) {
			return s
		}
	}
	for _, s := range v.Steps {
		if s.IsAssignedTo(user) {
			return s
		}
	}
	return nil
}

func dec(n int64) *decimal.Decimal {
	d := decimal.NewFromInt(n)
	return &d
}

func (f *fixture) auditActions(t *testing.T, workflowID string) []repository.AuditAction {
	t.Helper()
	entries, err := f.engine.AuditTrail(f.ctx, workflowID)
	require.NoError(t, err)
	out := make([]repository.AuditAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}
