package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

type workflowRepo struct{ s *Store }

func (r *workflowRepo) Create(_ context.Context, wf *repository.EntityApprovalWorkflow) error {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	if wf.CurrentStatus == repository.WorkflowPending {
		for _, existing := range st.workflows {
			if existing.IsPending() && existing.EntityType == wf.EntityType && existing.EntityID == wf.EntityID {
				return errors.InvalidState("entity %s/%s already has a pending approval workflow", wf.EntityType, wf.EntityID)
			}
		}
	}

	wf.ID = uuid.NewString()
	now := st.now()
	wf.CreatedAt, wf.UpdatedAt = now, now
	if wf.InitiatedAt.IsZero() {
		wf.InitiatedAt = now
	}
	st.workflows[wf.ID] = cloneWorkflow(wf)
	st.stamp(wf.ID)
	id := wf.ID
	r.s.record(func() { delete(st.workflows, id) })
	return nil
}

func (r *workflowRepo) GetByID(_ context.Context, id string) (*repository.EntityApprovalWorkflow, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	wf, ok := st.workflows[id]
	if !ok {
		return nil, errors.NotFound("approval_workflow", id)
	}
	return cloneWorkflow(wf), nil
}

func (r *workflowRepo) GetForUpdate(ctx context.Context, id string) (*repository.EntityApprovalWorkflow, error) {
	st := r.s.data
	st.mu.Lock()
	_, ok := st.workflows[id]
	st.mu.Unlock()
	if !ok {
		return nil, errors.NotFound("approval_workflow", id)
	}

	if err := r.s.lock(ctx, id); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *workflowRepo) FindPendingByEntity(_ context.Context, entityType, entityID string) (*repository.EntityApprovalWorkflow, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, wf := range st.workflows {
		if wf.IsPending() && wf.EntityType == entityType && wf.EntityID == entityID {
			return cloneWorkflow(wf), nil
		}
	}
	return nil, nil
}

func (r *workflowRepo) Update(_ context.Context, wf *repository.EntityApprovalWorkflow) error {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, ok := st.workflows[wf.ID]
	if !ok {
		return errors.NotFound("approval_workflow", wf.ID)
	}
	prev := *cur
	cur.CurrentStatus = wf.CurrentStatus
	cur.CurrentApprovalLevel = wf.CurrentApprovalLevel
	cur.CompletedAt = wf.CompletedAt
	cur.CancelledBy = wf.CancelledBy
	cur.CancelReason = wf.CancelReason
	cur.UpdatedAt = st.now()
	wf.UpdatedAt = cur.UpdatedAt
	r.s.record(func() { *cur = prev })
	return nil
}

func (r *workflowRepo) CountPendingByMatrix(_ context.Context, matrixID string) (int, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	n := 0
	for _, wf := range st.workflows {
		if wf.IsPending() && wf.ApprovalMatrixID != nil && *wf.ApprovalMatrixID == matrixID {
			n++
		}
	}
	return n, nil
}

func (r *workflowRepo) Statistics(_ context.Context, filter repository.StatsFilter) (*repository.WorkflowStats, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	involved := map[string]bool{}
	if filter.UserID != "" {
		for _, step := range st.steps {
			if step.IsAssignedTo(filter.UserID) {
				involved[step.WorkflowID] = true
			}
		}
	}

	stats := &repository.WorkflowStats{}
	for _, wf := range st.workflows {
		if filter.UserID != "" && wf.InitiatedBy != filter.UserID && !involved[wf.ID] {
			continue
		}
		if filter.ScopeID != "" && (wf.ScopeID == nil || *wf.ScopeID != filter.ScopeID) {
			continue
		}
		if filter.ModuleName != "" && wf.ModuleName != filter.ModuleName {
			continue
		}
		if filter.EntityType != "" && wf.EntityType != filter.EntityType {
			continue
		}
		stats.Add(wf.CurrentStatus, 1)
	}
	return stats, nil
}

type stepRepo struct{ s *Store }

func (r *stepRepo) Create(_ context.Context, step *repository.ApprovalWorkflowStep) error {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.workflows[step.WorkflowID]; !ok {
		return errors.NotFound("approval_workflow", step.WorkflowID)
	}
	step.ID = uuid.NewString()
	now := st.now()
	step.CreatedAt, step.UpdatedAt = now, now
	st.steps[step.ID] = cloneStep(step)
	st.stamp(step.ID)
	id := step.ID
	r.s.record(func() { delete(st.steps, id) })
	return nil
}

func (r *stepRepo) ListByWorkflow(_ context.Context, workflowID string) ([]*repository.ApprovalWorkflowStep, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*repository.ApprovalWorkflowStep
	for _, step := range st.steps {
		if step.WorkflowID == workflowID {
			out = append(out, cloneStep(step))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ApprovalLevel != out[j].ApprovalLevel {
			return out[i].ApprovalLevel < out[j].ApprovalLevel
		}
		return st.order[out[i].ID] < st.order[out[j].ID]
	})
	return out, nil
}

func (r *stepRepo) Update(_ context.Context, step *repository.ApprovalWorkflowStep) error {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, ok := st.steps[step.ID]
	if !ok {
		return errors.NotFound("approval_step", step.ID)
	}
	prev := *cur
	cur.Action = step.Action
	cur.ActionReason = step.ActionReason
	cur.ActedBy = step.ActedBy
	cur.ActionTakenAt = step.ActionTakenAt
	cur.AssignedAt = step.AssignedAt
	cur.DeadlineAt = step.DeadlineAt
	cur.IsActive = step.IsActive
	cur.DelegatedToUserID = step.DelegatedToUserID
	cur.DelegationID = step.DelegationID
	cur.UpdatedAt = st.now()
	step.UpdatedAt = cur.UpdatedAt
	r.s.record(func() { *cur = prev })
	return nil
}

func (r *stepRepo) ListPendingForUser(_ context.Context, userID string) ([]*repository.PendingStep, error) {
	return r.pending(func(step *repository.ApprovalWorkflowStep) bool {
		return step.IsAssignedTo(userID)
	}), nil
}

func (r *stepRepo) ListOverdue(_ context.Context, userID string, now time.Time) ([]*repository.PendingStep, error) {
	return r.pending(func(step *repository.ApprovalWorkflowStep) bool {
		if userID != "" && !step.IsAssignedTo(userID) {
			return false
		}
		return step.DeadlineAt != nil && step.DeadlineAt.Before(now)
	}), nil
}

func (r *stepRepo) pending(match func(*repository.ApprovalWorkflowStep) bool) []*repository.PendingStep {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*repository.PendingStep
	for _, step := range st.steps {
		if !step.IsOpen() || !match(step) {
			continue
		}
		wf, ok := st.workflows[step.WorkflowID]
		if !ok || !wf.IsPending() {
			continue
		}
		out = append(out, &repository.PendingStep{Step: *cloneStep(step), Workflow: *cloneWorkflow(wf)})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Step.DeadlineAt, out[j].Step.DeadlineAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return st.order[out[i].Step.ID] < st.order[out[j].Step.ID]
	})
	return out
}

type auditRepo struct{ s *Store }

func (r *auditRepo) Append(_ context.Context, entry *repository.ApprovalAuditEntry) error {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	entry.ID = uuid.NewString()
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = st.now()
	}
	st.audit = append(st.audit, cloneAudit(entry))
	n := len(st.audit)
	r.s.record(func() {
		// Entries appended by other transactions after this one stay put.
		for i := n - 1; i < len(st.audit); i++ {
			if st.audit[i].ID == entry.ID {
				st.audit = append(st.audit[:i], st.audit[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r *auditRepo) ListByWorkflow(_ context.Context, workflowID string) ([]*repository.ApprovalAuditEntry, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*repository.ApprovalAuditEntry
	for _, e := range st.audit {
		if e.WorkflowID == workflowID {
			out = append(out, cloneAudit(e))
		}
	}
	return out, nil
}
