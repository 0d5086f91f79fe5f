package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func TestApproverSetBuilder_RequiresPrimaryPerLevel(t *testing.T) {
	f := newFixture(t)
	m := newMatrix(repository.ApprovalSequential, 2,
		approver("u-a", 1, true),
		approver("u-b", 2, false),
	)
	m.ID = "m-unsaved"
	builder := NewApproverSetBuilder(f.engine.delegations)

	_, err := builder.Build(f.ctx, f.store, m, nil, baseTime)
	assert.Equal(t, errors.ErrCodeConfiguration, errors.CodeOf(err))
}

func TestApproverSetBuilder_SkipsApproversOutsideWindow(t *testing.T) {
	f := newFixture(t)
	expired := approver("u-old", 1, true)
	until := baseTime.Add(-time.Hour)
	expired.ExpiryDate = &until
	m := newMatrix(repository.ApprovalSequential, 1, expired)
	m.ID = "m-unsaved"

	builder := NewApproverSetBuilder(f.engine.delegations)
	_, err := builder.Build(f.ctx, f.store, m, nil, baseTime)
	assert.Equal(t, errors.ErrCodeConfiguration, errors.CodeOf(err))
}

func TestApproverSetBuilder_SubstitutesActiveDelegate(t *testing.T) {
	f := newFixture(t)
	m := f.save(t, newMatrix(repository.ApprovalSequential, 1, approver("u-a", 1, true)))
	approverID := m.Approvers[0].ID

	_, err := f.engine.CreateDelegation(f.ctx, "u-a", DelegationRequest{
		ApproverID:          approverID,
		DelegateToUserID:    "u-b",
		Reason:              "leave",
		MaxDelegationAmount: dec(5000),
	})
	require.NoError(t, err)

	builder := NewApproverSetBuilder(f.engine.delegations)

	set, err := builder.Build(f.ctx, f.store, m, dec(1000), baseTime)
	require.NoError(t, err)
	require.Len(t, set[1], 1)
	assert.Equal(t, "u-b", set[1][0].Actor())

	// Above the delegation cap the approver acts personally.
	set, err = builder.Build(f.ctx, f.store, m, dec(9000), baseTime)
	require.NoError(t, err)
	assert.Equal(t, "u-a", set[1][0].Actor())
}

func TestDelegationManager_ChainFollowsFurtherDelegation(t *testing.T) {
	f := newFixture(t)
	m := f.save(t, newMatrix(repository.ApprovalSequential, 1, approver("u-a", 1, true)))
	approverID := m.Approvers[0].ID

	_, err := f.engine.CreateDelegation(f.ctx, "u-a", DelegationRequest{ApproverID: approverID, DelegateToUserID: "u-b", CanFurtherDelegate: true})
	require.NoError(t, err)
	_, err = f.engine.CreateDelegation(f.ctx, "u-b", DelegationRequest{ApproverID: approverID, DelegateToUserID: "u-c"})
	require.NoError(t, err)
	_, err = f.engine.CreateDelegation(f.ctx, "u-c", DelegationRequest{ApproverID: approverID, DelegateToUserID: "u-d"})
	require.NoError(t, err)

	chain, err := f.engine.delegations.Resolve(f.ctx, f.store, approverID, "u-a", nil, baseTime)
	require.NoError(t, err)
	// u-b -> u-c does not allow further delegation, so u-d is never reached.
	assert.Equal(t, "u-c", chain.Actor)
	assert.Len(t, chain.Links, 2)
}

func TestDelegationManager_ChainStopsWithoutFurtherDelegation(t *testing.T) {
	f := newFixture(t)
	m := f.save(t, newMatrix(repository.ApprovalSequential, 1, approver("u-a", 1, true)))
	approverID := m.Approvers[0].ID

	_, err := f.engine.CreateDelegation(f.ctx, "u-a", DelegationRequest{ApproverID: approverID, DelegateToUserID: "u-b"})
	require.NoError(t, err)
	_, err = f.engine.CreateDelegation(f.ctx, "u-b", DelegationRequest{ApproverID: approverID, DelegateToUserID: "u-c"})
	require.NoError(t, err)

	chain, err := f.engine.delegations.Resolve(f.ctx, f.store, approverID, "u-a", nil, baseTime)
	require.NoError(t, err)
	assert.Equal(t, "u-b", chain.Actor)
}

func TestDelegationManager_RejectsCycle(t *testing.T) {
	f := newFixture(t)
	m := f.save(t, newMatrix(repository.ApprovalSequential, 1, approver("u-a", 1, true)))
	approverID := m.Approvers[0].ID

	_, err := f.engine.CreateDelegation(f.ctx, "u-a", DelegationRequest{ApproverID: approverID, DelegateToUserID: "u-b", CanFurtherDelegate: true})
	require.NoError(t, err)
	_, err = f.engine.CreateDelegation(f.ctx, "u-b", DelegationRequest{ApproverID: approverID, DelegateToUserID: "u-c", CanFurtherDelegate: true})
	require.NoError(t, err)

	_, err = f.engine.CreateDelegation(f.ctx, "u-c", DelegationRequest{ApproverID: approverID, DelegateToUserID: "u-a"})
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestDelegationManager_ResolveIsCycleSafe(t *testing.T) {
	f := newFixture(t)
	approverID := "ap-1"
	for _, link := range [][2]string{{"u-a", "u-b"}, {"u-b", "u-a"}} {
		require.NoError(t, f.store.Delegations().Create(f.ctx, &repository.Delegation{
			ApproverID:         &approverID,
			DelegateFromUserID: link[0],
			DelegateToUserID:   link[1],
			StartDate:          baseTime.Add(-time.Hour),
			CanFurtherDelegate: true,
			IsActive:           true,
		}))
	}

	chain, err := f.engine.delegations.Resolve(f.ctx, f.store, approverID, "u-a", nil, baseTime)
	require.NoError(t, err)
	assert.Equal(t, "u-b", chain.Actor)
	assert.Len(t, chain.Links, 1)
}

func TestDelegationManager_WindowEvaluatedOnEveryLookup(t *testing.T) {
	f := newFixture(t)
	m := f.save(t, newMatrix(repository.ApprovalSequential, 1, approver("u-a", 1, true)))
	approverID := m.Approvers[0].ID

	end := baseTime.Add(time.Hour)
	_, err := f.engine.CreateDelegation(f.ctx, "u-a", DelegationRequest{ApproverID: approverID, DelegateToUserID: "u-b", EndDate: &end})
	require.NoError(t, err)

	chain, err := f.engine.delegations.Resolve(f.ctx, f.store, approverID, "u-a", nil, baseTime)
	require.NoError(t, err)
	assert.Equal(t, "u-b", chain.Actor)

	chain, err = f.engine.delegations.Resolve(f.ctx, f.store, approverID, "u-a", nil, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "u-a", chain.Actor)
}

func TestDelegationManager_CreateValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		actor string
		req   DelegationRequest
		code  errors.Code
	}{
		{"missing approver", "u-a", DelegationRequest{DelegateToUserID: "u-b"}, errors.ErrCodeInvalidInput},
		{"missing delegate", "u-a", DelegationRequest{ApproverID: "ap"}, errors.ErrCodeInvalidInput},
		{"self delegation", "u-a", DelegationRequest{ApproverID: "ap", DelegateToUserID: "u-a"}, errors.ErrCodeInvalidInput},
		{"on behalf of another", "u-x", DelegationRequest{ApproverID: "ap", DelegateFromUserID: "u-a", DelegateToUserID: "u-b"}, errors.ErrCodeUnauthorized},
		{"no actor", "", DelegationRequest{ApproverID: "ap", DelegateToUserID: "u-b"}, errors.ErrCodeUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.CreateDelegation(f.ctx, tt.actor, tt.req)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
}

func TestDelegationManager_RevokeAndExpire(t *testing.T) {
	f := newFixture(t)
	m := f.save(t, newMatrix(repository.ApprovalSequential, 1, approver("u-a", 1, true)))
	approverID := m.Approvers[0].ID

	d, err := f.engine.CreateDelegation(f.ctx, "u-a", DelegationRequest{ApproverID: approverID, DelegateToUserID: "u-b"})
	require.NoError(t, err)

	_, err = f.engine.RevokeDelegation(f.ctx, "u-b", d.ID)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	revoked, err := f.engine.RevokeDelegation(f.ctx, "u-a", d.ID)
	require.NoError(t, err)
	assert.False(t, revoked.IsActive)
	require.NotNil(t, revoked.RevokedAt)

	_, err = f.engine.RevokeDelegation(f.ctx, "u-a", d.ID)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))

	end := baseTime.Add(time.Hour)
	_, err = f.engine.CreateDelegation(f.ctx, "u-a", DelegationRequest{ApproverID: approverID, DelegateToUserID: "u-c", EndDate: &end})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	n, err := f.engine.ExpireDelegations(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := f.engine.ListDelegations(f.ctx, repository.DelegationFilter{ApproverID: approverID, ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDelegationManager_MissingStepDelegationIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	missing := "d-gone"
	step := &repository.ApprovalWorkflowStep{ID: "step-1", ApproverUserID: "u-a", DelegationID: &missing}

	_, err := f.engine.delegations.stepDelegation(f.ctx, f.store, step)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	d, err := f.engine.delegations.stepDelegation(f.ctx, f.store, &repository.ApprovalWorkflowStep{ID: "step-2"})
	require.NoError(t, err)
	assert.Nil(t, d)
}
