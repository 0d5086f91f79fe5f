package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

type delegationRepo struct{ s *Store }

func (r *delegationRepo) Create(_ context.Context, d *repository.Delegation) error {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	d.ID = uuid.NewString()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = st.now()
	}
	st.delegations[d.ID] = cloneDelegation(d)
	st.stamp(d.ID)
	id := d.ID
	r.s.record(func() { delete(st.delegations, id) })
	return nil
}

func (r *delegationRepo) GetByID(_ context.Context, id string) (*repository.Delegation, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	d, ok := st.delegations[id]
	if !ok {
		return nil, errors.NotFound("delegation", id)
	}
	return cloneDelegation(d), nil
}

func (r *delegationRepo) ListStanding(_ context.Context, approverID string, now time.Time) ([]*repository.Delegation, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*repository.Delegation
	for _, d := range st.delegations {
		if d.StepID != nil || d.ApproverID == nil || *d.ApproverID != approverID || !d.CoversAt(now) {
			continue
		}
		out = append(out, cloneDelegation(d))
	}
	sort.Slice(out, func(i, j int) bool { return st.order[out[i].ID] < st.order[out[j].ID] })
	return out, nil
}

func (r *delegationRepo) List(_ context.Context, filter repository.DelegationFilter) ([]*repository.Delegation, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*repository.Delegation
	for _, d := range st.delegations {
		if filter.ApproverID != "" && (d.ApproverID == nil || *d.ApproverID != filter.ApproverID) {
			continue
		}
		if filter.UserID != "" && d.DelegateFromUserID != filter.UserID && d.DelegateToUserID != filter.UserID {
			continue
		}
		if filter.ActiveOnly && !d.IsActive {
			continue
		}
		out = append(out, cloneDelegation(d))
	}
	sort.Slice(out, func(i, j int) bool { return st.order[out[i].ID] > st.order[out[j].ID] })
	return out, nil
}

func (r *delegationRepo) Revoke(_ context.Context, id, revokedBy string, at time.Time) error {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	d, ok := st.delegations[id]
	if !ok {
		return errors.NotFound("delegation", id)
	}
	prev := *d
	d.IsActive = false
	d.RevokedAt = &at
	d.RevokedBy = &revokedBy
	r.s.record(func() { *d = prev })
	return nil
}

func (r *delegationRepo) ExpireEnded(_ context.Context, now time.Time) (int, error) {
	st := r.s.data
	st.mu.Lock()
	defer st.mu.Unlock()

	n := 0
	for _, d := range st.delegations {
		if d.IsActive && d.EndDate != nil && d.EndDate.Before(now) {
			expired := d
			expired.IsActive = false
			r.s.record(func() { expired.IsActive = true })
			n++
		}
	}
	return n, nil
}
