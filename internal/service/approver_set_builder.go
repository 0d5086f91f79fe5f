package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// ResolvedApprover is one approver assignment with the user who will act.
type ResolvedApprover struct {
	Approver repository.ApprovalMatrixApprover
	Chain    Chain
}

// Actor is the user expected to act on the step.
func (r ResolvedApprover) Actor() string { return r.Chain.Actor }

// ApproverSet holds the resolved approvers of every level.
type ApproverSet map[int][]ResolvedApprover

// ApproverSetBuilder turns a matrix's approver configuration into the
// concrete users of each level.
type ApproverSetBuilder struct {
	delegations *DelegationManager
}

func NewApproverSetBuilder(delegations *DelegationManager) *ApproverSetBuilder {
	return &ApproverSetBuilder{delegations: delegations}
}

// Build resolves every level of m. Each level must end up with at least one
// active approver and at least one primary.
func (b *ApproverSetBuilder) Build(ctx context.Context, store repository.Store, m *repository.ApprovalMatrix, amount *decimal.Decimal, now time.Time) (ApproverSet, error) {
	if m.ApprovalLevels < 1 {
		return nil, errors.Configuration("matrix %s has no approval levels", m.ID)
	}

	set := make(ApproverSet, m.ApprovalLevels)
	for level := 1; level <= m.ApprovalLevels; level++ {
		resolved, err := b.Level(ctx, store, m, level, amount, now)
		if err != nil {
			return nil, err
		}
		set[level] = resolved
	}
	return set, nil
}

// Level resolves one level.
func (b *ApproverSetBuilder) Level(ctx context.Context, store repository.Store, m *repository.ApprovalMatrix, level int, amount *decimal.Decimal, now time.Time) ([]ResolvedApprover, error) {
	var (
		out        []ResolvedApprover
		hasPrimary bool
	)
	for _, a := range m.ApproversAt(level) {
		if !a.EffectiveAt(now) {
			continue
		}
		chain, err := b.delegations.Resolve(ctx, store, a.ID, a.UserID, amount, now)
		if err != nil {
			return nil, err
		}
		out = append(out, ResolvedApprover{Approver: a, Chain: chain})
		hasPrimary = hasPrimary || a.IsPrimary
	}

	if len(out) == 0 {
		return nil, errors.Configuration("matrix %s level %d has no active approvers", m.ID, level)
	}
	if !hasPrimary {
		return nil, errors.Configuration("matrix %s level %d has no primary approver", m.ID, level)
	}
	return out, nil
}
