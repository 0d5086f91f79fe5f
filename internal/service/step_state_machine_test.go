package service

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/deadline"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func threeLevelSequential(t *testing.T, f *fixture) *repository.ApprovalMatrix {
	return f.save(t, newMatrix(repository.ApprovalSequential, 3,
		approver("u-1", 1, true),
		approver("u-2", 2, true),
		approver("u-3", 3, true),
	))
}

func TestApprove_SequentialWalksLevels(t *testing.T) {
	f := newFixture(t)
	wf := f.instantiate(t, threeLevelSequential(t, f), "po-1", 500).Workflow

	// Level 3 cannot act before level 2 is resolved.
	_, err := f.approve(wf.ID, "u-3")
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))

	res, err := f.approve(wf.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Workflow.CurrentApprovalLevel)

	view := f.view(t, wf.ID)
	level2 := stepsAt(view, 2)[0]
	assert.True(t, level2.IsActive)
	assert.NotNil(t, level2.AssignedAt)
	assert.False(t, stepsAt(view, 3)[0].IsActive)

	_, err = f.approve(wf.ID, "u-2")
	require.NoError(t, err)
	res, err = f.approve(wf.ID, "u-3")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowApproved, res.Workflow.CurrentStatus)
	assert.NotNil(t, res.Workflow.CompletedAt)

	assert.Equal(t, []repository.AuditAction{
		repository.AuditInstantiated,
		repository.AuditApproved, repository.AuditLevelCompleted, repository.AuditLevelActivated,
		repository.AuditApproved, repository.AuditLevelCompleted, repository.AuditLevelActivated,
		repository.AuditApproved, repository.AuditLevelCompleted, repository.AuditCompleted,
	}, f.auditActions(t, wf.ID))
}

func TestApprove_DoubleApproveIsInvalidState(t *testing.T) {
	f := newFixture(t)
	wf := f.instantiate(t, threeLevelSequential(t, f), "po-1", 500).Workflow

	first, err := f.approve(wf.ID, "u-1")
	require.NoError(t, err)

	_, err = f.engine.ProcessAction(f.ctx, wf.ID, "u-1", ActionApprove, ActionPayload{StepID: first.Step.ID})
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
	_, err = f.approve(wf.ID, "u-1")
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))

	assert.Equal(t, 2, f.view(t, wf.ID).Workflow.CurrentApprovalLevel)
}

func TestApprove_UnassignedUserIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	wf := f.instantiate(t, threeLevelSequential(t, f), "po-1", 500).Workflow

	_, err := f.approve(wf.ID, "u-stranger")
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
	_, err = f.approve(wf.ID, "")
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestApprove_UnknownWorkflowIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.approve("missing", "u-1")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestApprove_AmountLimit(t *testing.T) {
	f := newFixture(t)
	limited := approver("u-1", 1, true)
	limited.ApprovalLimitAmount = dec(10000)
	m := f.save(t, newMatrix(repository.ApprovalSequential, 2, limited, approver("u-2", 2, true)))

	big := f.instantiate(t, m, "po-big", 15000).Workflow
	_, err := f.approve(big.ID, "u-1")
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
	assert.Equal(t, 1, f.view(t, big.ID).Workflow.CurrentApprovalLevel)

	// Rejection is not limited by amount.
	_, err = f.engine.ProcessAction(f.ctx, big.ID, "u-1", ActionReject, ActionPayload{Reason: "over budget"})
	require.NoError(t, err)

	small := f.instantiate(t, m, "po-small", 10000).Workflow
	_, err = f.approve(small.ID, "u-1")
	require.NoError(t, err)
}

func TestReject_AtLevelTwoOfThree(t *testing.T) {
	f := newFixture(t)
	m := f.save(t, newMatrix(repository.ApprovalSequential, 3,
		approver("u-1", 1, true),
		approver("u-2", 2, true), approver("u-2b", 2, false),
		approver("u-3", 3, true),
	))
	wf := f.instantiate(t, m, "po-1", 500).Workflow
	_, err := f.approve(wf.ID, "u-1")
	require.NoError(t, err)

	_, err = f.engine.ProcessAction(f.ctx, wf.ID, "u-2", ActionReject, ActionPayload{})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err), "reason is required")

	res, err := f.engine.ProcessAction(f.ctx, wf.ID, "u-2", ActionReject, ActionPayload{Reason: "wrong supplier"})
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowRejected, res.Workflow.CurrentStatus)
	assert.NotNil(t, res.Workflow.CompletedAt)

	view := f.view(t, wf.ID)
	for _, s := range view.Steps {
		if s.ApprovalLevel >= 2 {
			assert.False(t, s.IsActive, "step of %s", s.ApproverUserID)
		}
	}
	assert.Equal(t, repository.StepRejected, stepOf(view, "u-2").Action)
	assert.Equal(t, repository.StepPending, stepOf(view, "u-2b").Action)

	_, err = f.approve(wf.ID, "u-2b")
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestDelegate_CreatesOneNewStep(t *testing.T) {
	f := newFixture(t)
	wf := f.instantiate(t, threeLevelSequential(t, f), "po-1", 500).Workflow
	before := len(f.view(t, wf.ID).Steps)

	res, err := f.engine.ProcessAction(f.ctx, wf.ID, "u-1", ActionDelegate, ActionPayload{DelegateTo: "u-deputy", Reason: "travelling"})
	require.NoError(t, err)
	require.NotNil(t, res.DelegatedStep)
	require.NotNil(t, res.Delegation)

	view := f.view(t, wf.ID)
	require.Len(t, view.Steps, before+1)

	level1 := stepsAt(view, 1)
	require.Len(t, level1, 2)
	var original, spawned *repository.ApprovalWorkflowStep
	for _, s := range level1 {
		if s.Action == repository.StepDelegated {
			original = s
		} else {
			spawned = s
		}
	}
	require.NotNil(t, original)
	require.NotNil(t, spawned)
	assert.False(t, original.IsActive)
	assert.True(t, spawned.IsActive)
	assert.Equal(t, repository.StepPending, spawned.Action)
	assert.Equal(t, "u-1", spawned.ApproverUserID)
	require.NotNil(t, spawned.DelegatedToUserID)
	assert.Equal(t, "u-deputy", *spawned.DelegatedToUserID)

	res, err = f.approve(wf.ID, "u-deputy")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Workflow.CurrentApprovalLevel)
}

func TestDelegate_Authorization(t *testing.T) {
	f := newFixture(t)
	noDelegate := approver("u-1", 1, true)
	noDelegate.CanDelegate = false
	m := f.save(t, newMatrix(repository.ApprovalSequential, 1, noDelegate))
	wf := f.instantiate(t, m, "po-1", 500).Workflow

	_, err := f.engine.ProcessAction(f.ctx, wf.ID, "u-1", ActionDelegate, ActionPayload{DelegateTo: "u-x", Reason: "r"})
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	f2 := newFixture(t)
	m2 := f2.save(t, newMatrix(repository.ApprovalSequential, 1, approver("u-1", 1, true)))
	wf2 := f2.instantiate(t, m2, "po-1", 500).Workflow

	_, err = f2.engine.ProcessAction(f2.ctx, wf2.ID, "u-1", ActionDelegate, ActionPayload{DelegateTo: "u-1", Reason: "r"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	_, err = f2.engine.ProcessAction(f2.ctx, wf2.ID, "u-1", ActionDelegate, ActionPayload{Reason: "r"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = f2.engine.ProcessAction(f2.ctx, wf2.ID, "u-1", ActionDelegate, ActionPayload{DelegateTo: "u-b", Reason: "r"})
	require.NoError(t, err)

	// u-b received the step without further delegation rights.
	_, err = f2.engine.ProcessAction(f2.ctx, wf2.ID, "u-b", ActionDelegate, ActionPayload{DelegateTo: "u-c", Reason: "r"})
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestDelegate_DelegateCannotApproveAboveCap(t *testing.T) {
	f := newFixture(t)
	m := f.save(t, newMatrix(repository.ApprovalSequential, 1, approver("u-1", 1, true)))
	wf := f.instantiate(t, m, "po-1", 500).Workflow

	_, err := f.engine.ProcessAction(f.ctx, wf.ID, "u-1", ActionDelegate, ActionPayload{DelegateTo: "u-b", Reason: "r", MaxDelegationAmount: dec(100)})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	end := baseTime.Add(time.Hour)
	_, err = f.engine.ProcessAction(f.ctx, wf.ID, "u-1", ActionDelegate, ActionPayload{DelegateTo: "u-b", Reason: "r", EndDate: &end})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	_, err = f.approve(wf.ID, "u-b")
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	// The approver keeps authority over the delegated slot.
	res, err := f.approve(wf.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowApproved, res.Workflow.CurrentStatus)
}

func TestDelegate_ExpiredDelegateCannotDelegateFurther(t *testing.T) {
	f := newFixture(t)
	m := f.save(t, newMatrix(repository.ApprovalSequential, 1, approver("u-1", 1, true)))
	wf := f.instantiate(t, m, "po-1", 500).Workflow

	end := baseTime.Add(time.Hour)
	_, err := f.engine.ProcessAction(f.ctx, wf.ID, "u-1", ActionDelegate, ActionPayload{
		DelegateTo: "u-b", Reason: "leave", EndDate: &end, CanFurtherDelegate: true,
	})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	_, err = f.engine.ProcessAction(f.ctx, wf.ID, "u-b", ActionDelegate, ActionPayload{DelegateTo: "u-c", Reason: "handing on"})
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
	assert.Nil(t, stepOf(f.view(t, wf.ID), "u-c"))
}

func TestReject_DelegateNeedsDelegationInEffect(t *testing.T) {
	t.Run("expired step delegation", func(t *testing.T) {
		f := newFixture(t)
		m := f.save(t, newMatrix(repository.ApprovalSequential, 1, approver("u-1", 1, true)))
		wf := f.instantiate(t, m, "po-1", 500).Workflow

		end := baseTime.Add(time.Hour)
		_, err := f.engine.ProcessAction(f.ctx, wf.ID, "u-1", ActionDelegate, ActionPayload{DelegateTo: "u-b", Reason: "leave", EndDate: &end})
		require.NoError(t, err)

		f.clock.Advance(2 * time.Hour)
		_, err = f.engine.ProcessAction(f.ctx, wf.ID, "u-b", ActionReject, ActionPayload{Reason: "over budget"})
		assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
		assert.Equal(t, repository.WorkflowPending, f.view(t, wf.ID).Workflow.CurrentStatus)
	})

	t.Run("revoked standing delegation", func(t *testing.T) {
		f := newFixture(t)
		m := f.save(t, newMatrix(repository.ApprovalSequential, 1, approver("u-1", 1, true)))
		d, err := f.engine.CreateDelegation(f.ctx, "u-1", DelegationRequest{ApproverID: m.Approvers[0].ID, DelegateToUserID: "u-dep"})
		require.NoError(t, err)

		wf := f.instantiate(t, m, "po-1", 500).Workflow
		step := stepOf(f.view(t, wf.ID), "u-dep")
		require.NotNil(t, step)
		require.NotNil(t, step.DelegationID)
		assert.Equal(t, d.ID, *step.DelegationID)

		_, err = f.engine.RevokeDelegation(f.ctx, "u-1", d.ID)
		require.NoError(t, err)

		_, err = f.engine.ProcessAction(f.ctx, wf.ID, "u-dep", ActionReject, ActionPayload{Reason: "over budget"})
		assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
		_, err = f.approve(wf.ID, "u-dep")
		assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
		assert.Equal(t, repository.WorkflowPending, f.view(t, wf.ID).Workflow.CurrentStatus)

		res, err := f.approve(wf.ID, "u-1")
		require.NoError(t, err)
		assert.Equal(t, repository.WorkflowApproved, res.Workflow.CurrentStatus)
	})
}

func TestDelegate_RejectsUserWithOpenStepOnLevel(t *testing.T) {
	f := newFixture(t)
	m := f.save(t, newMatrix(repository.ApprovalParallel, 1, approver("u-a", 1, true), approver("u-b", 1, true)))
	wf := f.instantiate(t, m, "po-1", 500).Workflow

	_, err := f.engine.ProcessAction(f.ctx, wf.ID, "u-a", ActionDelegate, ActionPayload{DelegateTo: "u-b", Reason: "leave"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	assert.Len(t, stepsAt(f.view(t, wf.ID), 1), 2)

	_, err = f.engine.ProcessAction(f.ctx, wf.ID, "u-a", ActionDelegate, ActionPayload{DelegateTo: "u-c", Reason: "leave"})
	require.NoError(t, err)

	_, err = f.approve(wf.ID, "u-b")
	require.NoError(t, err)
	res, err := f.approve(wf.ID, "u-c")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowApproved, res.Workflow.CurrentStatus)
}

func TestMatrixEdit_LeavesInFlightStepsAndDelegations(t *testing.T) {
	f := newFixture(t)
	m := f.save(t, newMatrix(repository.ApprovalSequential, 2, approver("u-1", 1, true), approver("u-2", 2, true)))
	wf := f.instantiate(t, m, "po-1", 500).Workflow

	end := baseTime.Add(time.Hour)
	res, err := f.engine.ProcessAction(f.ctx, wf.ID, "u-1", ActionDelegate, ActionPayload{DelegateTo: "u-b", Reason: "leave", EndDate: &end})
	require.NoError(t, err)
	delegationID := res.Delegation.ID
	before := f.view(t, wf.ID).Steps

	// Replace the level 1 approver.
	edited, err := f.matrices.Get(f.ctx, m.ID)
	require.NoError(t, err)
	var approvers []repository.ApprovalMatrixApprover
	for _, a := range edited.Approvers {
		if a.UserID != "u-1" {
			approvers = append(approvers, a)
		}
	}
	edited.Approvers = append(approvers, approver("u-9", 1, true))
	_, err = f.matrices.Update(f.ctx, edited)
	require.NoError(t, err)

	after := f.view(t, wf.ID).Steps
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].ApproverUserID, after[i].ApproverUserID)
		assert.Equal(t, before[i].DelegationID, after[i].DelegationID)
		assert.Equal(t, before[i].Action, after[i].Action)
	}
	assert.Nil(t, stepOf(f.view(t, wf.ID), "u-9"))

	d, err := f.store.Delegations().GetByID(f.ctx, delegationID)
	require.NoError(t, err)
	assert.Equal(t, "u-b", d.DelegateToUserID)
	require.NotNil(t, d.EndDate)

	f.clock.Advance(2 * time.Hour)
	_, err = f.approve(wf.ID, "u-b")
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
	_, err = f.engine.ProcessAction(f.ctx, wf.ID, "u-b", ActionReject, ActionPayload{Reason: "over budget"})
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	_, err = f.approve(wf.ID, "u-1")
	require.NoError(t, err)
	res, err = f.approve(wf.ID, "u-2")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowApproved, res.Workflow.CurrentStatus)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CancelAdmins = []string{"u-admin"} })
	m := threeLevelSequential(t, f)

	wf := f.instantiate(t, m, "po-1", 500).Workflow
	ok, err := f.engine.CancelWorkflow(f.ctx, wf.ID, "u-1", "no longer needed")
	assert.False(t, ok)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	ok, err = f.engine.CancelWorkflow(f.ctx, wf.ID, "u-initiator", "no longer needed")
	require.NoError(t, err)
	assert.True(t, ok)

	view := f.view(t, wf.ID)
	assert.Equal(t, repository.WorkflowCancelled, view.Workflow.CurrentStatus)
	require.NotNil(t, view.Workflow.CancelReason)
	assert.Equal(t, "no longer needed", *view.Workflow.CancelReason)
	for _, s := range view.Steps {
		assert.False(t, s.IsActive)
	}

	_, err = f.engine.CancelWorkflow(f.ctx, wf.ID, "u-initiator", "again")
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
	_, err = f.approve(wf.ID, "u-1")
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))

	other := f.instantiate(t, m, "po-2", 500).Workflow
	ok, err = f.engine.CancelWorkflow(f.ctx, other.ID, "u-admin", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParallel_LevelPolicies(t *testing.T) {
	f := newFixture(t)
	m := newMatrix(repository.ApprovalParallel, 2,
		approver("u-1a", 1, true), approver("u-1b", 1, false),
		approver("u-2a", 2, true), approver("u-2b", 2, true),
	)
	m.LevelPolicies = map[int]repository.LevelPolicy{1: repository.PolicyAnyPrimary}
	m = f.save(t, m)
	wf := f.instantiate(t, m, "po-1", 500).Workflow

	// Level 2 defaults to all; approving it first leaves level 1 current.
	res, err := f.approve(wf.ID, "u-2a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Workflow.CurrentApprovalLevel)

	res, err = f.approve(wf.ID, "u-1a")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Workflow.CurrentApprovalLevel)
	assert.Equal(t, repository.WorkflowPending, res.Workflow.CurrentStatus)

	// u-1b was superseded by the primary.
	_, err = f.approve(wf.ID, "u-1b")
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))

	res, err = f.approve(wf.ID, "u-2b")
	require.NoError(t, err)
	assert.Equal(t, repository.WorkflowApproved, res.Workflow.CurrentStatus)
}

func TestParallel_ConcurrentApprovalsCascadeOnce(t *testing.T) {
	for run := 0; run < 20; run++ {
		f := newFixture(t)
		m := f.save(t, newMatrix(repository.ApprovalParallel, 1, approver("u-a", 1, true), approver("u-b", 1, true)))
		wf := f.instantiate(t, m, "po-1", 500).Workflow

		var (
			wg   sync.WaitGroup
			errs = make([]error, 2)
		)
		for i, user := range []string{"u-a", "u-b"} {
			wg.Add(1)
			go func(i int, user string) {
				defer wg.Done()
				_, errs[i] = f.approve(wf.ID, user)
			}(i, user)
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		completed := 0
		finished := 0
		for _, a := range f.auditActions(t, wf.ID) {
			switch a {
			case repository.AuditLevelCompleted:
				completed++
			case repository.AuditCompleted:
				finished++
			}
		}
		assert.Equal(t, 1, completed)
		assert.Equal(t, 1, finished)
		assert.Equal(t, repository.WorkflowApproved, f.view(t, wf.ID).Workflow.CurrentStatus)
	}
}

func TestDeadlinePolicy(t *testing.T) {
	withDeadline := func(f *fixture, t *testing.T) *repository.EntityApprovalWorkflow {
		a := approver("u-1", 1, true)
		a.ApprovalDeadlineHours = 1
		m := f.save(t, newMatrix(repository.ApprovalSequential, 1, a))
		return f.instantiate(t, m, "po-1", 500).Workflow
	}

	t.Run("advisory lets late approvals through", func(t *testing.T) {
		f := newFixture(t)
		wf := withDeadline(f, t)
		f.clock.Advance(2 * time.Hour)
		_, err := f.approve(wf.ID, "u-1")
		require.NoError(t, err)
	})

	t.Run("block refuses late approvals", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.DeadlinePolicy = deadline.PolicyBlock })
		wf := withDeadline(f, t)
		f.clock.Advance(2 * time.Hour)
		_, err := f.approve(wf.ID, "u-1")
		assert.Equal(t, errors.ErrCodeDeadlinePassed, errors.CodeOf(err))

		_, err = f.engine.ProcessAction(f.ctx, wf.ID, "u-1", ActionReject, ActionPayload{Reason: "too late"})
		require.NoError(t, err)
	})
}

func TestSequential_NextLevelPicksUpNewDelegation(t *testing.T) {
	f := newFixture(t)
	m := f.save(t, newMatrix(repository.ApprovalSequential, 2, approver("u-1", 1, true), approver("u-2", 2, true)))
	wf := f.instantiate(t, m, "po-1", 500).Workflow

	var level2ID string
	for _, a := range m.Approvers {
		if a.ApprovalLevel == 2 {
			level2ID = a.ID
		}
	}
	_, err := f.engine.CreateDelegation(f.ctx, "u-2", DelegationRequest{ApproverID: level2ID, DelegateToUserID: "u-2-deputy"})
	require.NoError(t, err)

	_, err = f.approve(wf.ID, "u-1")
	require.NoError(t, err)

	step := stepsAt(f.view(t, wf.ID), 2)[0]
	require.NotNil(t, step.DelegatedToUserID)
	assert.Equal(t, "u-2-deputy", *step.DelegatedToUserID)
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	a := approver("u-1", 1, true)
	a.ApprovalDeadlineHours = 12
	m := f.save(t, newMatrix(repository.ApprovalSequential, 2, a, approver("u-2", 2, true)))
	wf := f.instantiate(t, m, "po-1", 500).Workflow
	done := f.instantiate(t, m, "po-2", 500).Workflow
	_, err := f.engine.CancelWorkflow(f.ctx, done.ID, "u-initiator", "")
	require.NoError(t, err)

	pending, err := f.engine.PendingSteps(f.ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, wf.ID, pending[0].Workflow.ID)
	assert.Equal(t, deadline.UrgencyHigh, pending[0].Urgency)

	none, err := f.engine.PendingSteps(f.ctx, "u-2")
	require.NoError(t, err)
	assert.Empty(t, none)

	overdue, err := f.engine.OverdueSteps(f.ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, overdue)

	f.clock.Advance(13 * time.Hour)
	overdue, err = f.engine.OverdueSteps(f.ctx, "")
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, deadline.UrgencyOverdue, overdue[0].Urgency)

	tl, err := f.engine.Timeline(f.ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, tl.Entries, 2)
	assert.Equal(t, 1, tl.Entries[0].Step.ApprovalLevel)
	assert.Equal(t, deadline.UrgencyOverdue, tl.Entries[0].Urgency)
	assert.Empty(t, tl.Entries[1].Urgency)

	stats, err := f.engine.Statistics(f.ctx, repository.StatsFilter{UserID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 2, stats.Total)
}
