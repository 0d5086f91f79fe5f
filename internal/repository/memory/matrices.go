package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

type matrixRepo struct{ s *Store }

func (r *matrixRepo) Create(_ context.Context, m *repository.ApprovalMatrix) error {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	m.ID = uuid.NewString()
	now := st.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	assignChildIDs(m)

	st.matrices[m.ID] = cloneMatrix(m)
	st.stamp(m.ID)
	id := m.ID
	r.s.record(func() { delete(st.matrices, id) })
	return nil
}

func (r *matrixRepo) Update(_ context.Context, m *repository.ApprovalMatrix) error {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	prev, ok := st.matrices[m.ID]
	if !ok {
		return errors.NotFound("approval_matrix", m.ID)
	}

	existing := make(map[string]bool, len(prev.Approvers))
	for _, a := range prev.Approvers {
		existing[a.ID] = true
	}
	kept := make(map[string]bool, len(m.Approvers))
	for i := range m.Approvers {
		if !existing[m.Approvers[i].ID] {
			m.Approvers[i].ID = ""
		}
		if m.Approvers[i].ID != "" {
			kept[m.Approvers[i].ID] = true
		}
	}
	for i := range m.Rules {
		m.Rules[i].ID = ""
	}
	assignChildIDs(m)

	m.CreatedAt = prev.CreatedAt
	m.CreatedBy = prev.CreatedBy
	m.UpdatedAt = st.now()
	st.matrices[m.ID] = cloneMatrix(m)
	r.s.record(func() { st.matrices[prev.ID] = prev })

	removed := make(map[string]bool, len(existing))
	for id := range existing {
		if !kept[id] {
			removed[id] = true
		}
	}
	r.detachDelegations(removed)
	return nil
}

// detachDelegations drops the standing delegations of removed approvers.
// Delegations made on a workflow step stay, with their approver reference
// cleared, so in-flight steps keep their authority record.
func (r *matrixRepo) detachDelegations(removed map[string]bool) {
	st := r.s.data
	for id, d := range st.delegations {
		if d.ApproverID == nil || !removed[*d.ApproverID] {
			continue
		}
		prev := d
		if d.StepID == nil {
			delete(st.delegations, id)
			r.s.record(func() { st.delegations[prev.ID] = prev })
			continue
		}
		detached := cloneDelegation(d)
		detached.ApproverID = nil
		st.delegations[id] = detached
		r.s.record(func() { st.delegations[prev.ID] = prev })
	}
}

func (r *matrixRepo) GetByID(_ context.Context, id string) (*repository.ApprovalMatrix, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	m, ok := st.matrices[id]
	if !ok {
		return nil, errors.NotFound("approval_matrix", id)
	}
	return cloneMatrix(m), nil
}

func (r *matrixRepo) List(_ context.Context, filter repository.MatrixFilter) ([]*repository.ApprovalMatrix, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*repository.ApprovalMatrix
	for _, m := range st.matrices {
		if filter.ModuleName != "" && m.ModuleName != filter.ModuleName {
			continue
		}
		if filter.EntityType != "" && m.EntityType != filter.EntityType {
			continue
		}
		if filter.ActiveOnly && !m.IsActive {
			continue
		}
		out = append(out, cloneMatrix(m))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ModuleName != b.ModuleName {
			return a.ModuleName < b.ModuleName
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return byPriority(a, b)
	})
	return out, nil
}

func (r *matrixRepo) FindCandidates(_ context.Context, module, entityType string, now time.Time) ([]*repository.ApprovalMatrix, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*repository.ApprovalMatrix
	for _, m := range st.matrices {
		if m.ModuleName != module || m.EntityType != entityType || !m.IsActive || !m.EffectiveAt(now) {
			continue
		}
		out = append(out, cloneMatrix(m))
	}
	sort.Slice(out, func(i, j int) bool { return byPriority(out[i], out[j]) })
	return out, nil
}

func (r *matrixRepo) Delete(_ context.Context, id string) error {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	prev, ok := st.matrices[id]
	if !ok {
		return errors.NotFound("approval_matrix", id)
	}
	delete(st.matrices, id)
	r.s.record(func() { st.matrices[id] = prev })

	approvers := make(map[string]bool, len(prev.Approvers))
	for _, a := range prev.Approvers {
		approvers[a.ID] = true
	}
	r.detachDelegations(approvers)
	for _, w := range st.workflows {
		if w.ApprovalMatrixID != nil && *w.ApprovalMatrixID == id {
			wf := w
			wf.ApprovalMatrixID = nil
			r.s.record(func() { wf.ApprovalMatrixID = &id })
		}
	}
	return nil
}

func byPriority(a, b *repository.ApprovalMatrix) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func assignChildIDs(m *repository.ApprovalMatrix) {
	for i := range m.Rules {
		if m.Rules[i].ID == "" {
			m.Rules[i].ID = uuid.NewString()
		}
		m.Rules[i].MatrixID = m.ID
	}
	for i := range m.Approvers {
		if m.Approvers[i].ID == "" {
			m.Approvers[i].ID = uuid.NewString()
		}
		m.Approvers[i].MatrixID = m.ID
	}
}
