package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// MaxDelegationDepth bounds how many delegation links are followed from an
// approver to the user who ends up acting.
const MaxDelegationDepth = 5

// DelegationRequest creates a standing delegation for an approver assignment.
type DelegationRequest struct {
	ApproverID          string
	DelegateFromUserID  string // defaults to the actor
	DelegateToUserID    string
	Reason              string
	StartDate           *time.Time // defaults to now
	EndDate             *time.Time
	MaxDelegationAmount *decimal.Decimal
	CanFurtherDelegate  bool
}

// Chain is the resolved delegation path of one approver assignment.
type Chain struct {
	Actor string
	Links []*repository.Delegation
}

// Last returns the link that produced Actor, or nil when nobody delegated.
func (c Chain) Last() *repository.Delegation {
	if len(c.Links) == 0 {
		return nil
	}
	return c.Links[len(c.Links)-1]
}

// DelegationManager owns delegation records and resolves chains. Windows are
// evaluated on every call, so nothing here is cached.
type DelegationManager struct {
	clock func() time.Time
	log   *logger.Logger
}

func NewDelegationManager(clock func() time.Time, log *logger.Logger) *DelegationManager {
	if clock == nil {
		clock = time.Now
	}
	return &DelegationManager{clock: clock, log: log}
}

// Resolve follows standing delegations of approverID starting at user. The
// first link needs only to be active and cover amount; every further link is
// followed only when the previous one allows further delegation. Revisiting a
// user stops the walk.
func (m *DelegationManager) Resolve(ctx context.Context, store repository.Store, approverID, user string, amount *decimal.Decimal, now time.Time) (Chain, error) {
	chain := Chain{Actor: user}
	if approverID == "" {
		return chain, nil
	}

	standing, err := store.Delegations().ListStanding(ctx, approverID, now)
	if err != nil {
		return chain, err
	}
	if len(standing) == 0 {
		return chain, nil
	}

	visited := map[string]bool{user: true}
	for len(chain.Links) < MaxDelegationDepth {
		if last := chain.Last(); last != nil && !last.CanFurtherDelegate {
			break
		}
		next := nextLink(standing, chain.Actor, amount, now)
		if next == nil {
			break
		}
		if visited[next.DelegateToUserID] {
			m.log.Warn().
				Str("approver_id", approverID).
				Str("delegation_id", next.ID).
				Msg("Delegation cycle detected; stopping at previous delegate")
			break
		}
		visited[next.DelegateToUserID] = true
		chain.Links = append(chain.Links, next)
		chain.Actor = next.DelegateToUserID
	}
	return chain, nil
}

func nextLink(standing []*repository.Delegation, from string, amount *decimal.Decimal, now time.Time) *repository.Delegation {
	for _, d := range standing {
		if d.DelegateFromUserID == from && d.CoversAt(now) && d.CoversAmount(amount) {
			return d
		}
	}
	return nil
}

// Create validates and stores a standing delegation made by actor.
func (m *DelegationManager) Create(ctx context.Context, store repository.Store, actor string, req DelegationRequest) (*repository.Delegation, error) {
	if actor == "" {
		return nil, errors.Unauthorized("an actor is required to delegate")
	}
	if strings.TrimSpace(req.ApproverID) == "" {
		return nil, errors.InvalidInput("approver_id", "approver_id is required")
	}
	from := req.DelegateFromUserID
	if from == "" {
		from = actor
	}
	if from != actor {
		return nil, errors.Unauthorized("user %s may not delegate on behalf of %s", actor, from)
	}
	if req.DelegateToUserID == "" {
		return nil, errors.InvalidInput("delegate_to_user_id", "delegate_to_user_id is required")
	}
	if req.DelegateToUserID == from {
		return nil, errors.InvalidInput("delegate_to_user_id", "cannot delegate to yourself")
	}

	now := m.clock()
	start := now
	if req.StartDate != nil {
		start = *req.StartDate
	}
	if req.EndDate != nil && !req.EndDate.After(start) {
		return nil, errors.InvalidInput("end_date", "end_date must be after start_date")
	}
	if req.MaxDelegationAmount != nil && req.MaxDelegationAmount.IsNegative() {
		return nil, errors.InvalidInput("max_delegation_amount", "max_delegation_amount must not be negative")
	}

	existing, err := store.Delegations().List(ctx, repository.DelegationFilter{ApproverID: req.ApproverID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	if reaches(existing, req.DelegateToUserID, from) {
		return nil, errors.InvalidState("delegating from %s to %s would form a delegation cycle", from, req.DelegateToUserID)
	}

	approverID := req.ApproverID
	d := &repository.Delegation{
		ApproverID:          &approverID,
		DelegateFromUserID:  from,
		DelegateToUserID:    req.DelegateToUserID,
		DelegationReason:    req.Reason,
		StartDate:           start,
		EndDate:             req.EndDate,
		MaxDelegationAmount: req.MaxDelegationAmount,
		CanFurtherDelegate:  req.CanFurtherDelegate,
		IsActive:            true,
	}
	if err := store.Delegations().Create(ctx, d); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("delegation_id", d.ID).
		Str("approver_id", approverID).
		Str("from", from).
		Str("to", d.DelegateToUserID).
		Msg("Delegation created")
	return d, nil
}

// reaches reports whether a walk over standing delegations leads from start
// to target.
func reaches(delegations []*repository.Delegation, start, target string) bool {
	edges := make(map[string][]string)
	for _, d := range delegations {
		if d.StepID != nil {
			continue
		}
		edges[d.DelegateFromUserID] = append(edges[d.DelegateFromUserID], d.DelegateToUserID)
	}
	seen := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, edges[cur]...)
	}
	return false
}

// Revoke deactivates a delegation. Only its grantor may revoke it.
func (m *DelegationManager) Revoke(ctx context.Context, store repository.Store, actor, id string) (*repository.Delegation, error) {
	d, err := store.Delegations().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.DelegateFromUserID != actor {
		return nil, errors.Unauthorized("only %s may revoke delegation %s", d.DelegateFromUserID, id)
	}
	if !d.IsActive {
		return nil, errors.InvalidState("delegation %s is no longer active", id)
	}

	at := m.clock()
	if err := store.Delegations().Revoke(ctx, id, actor, at); err != nil {
		return nil, err
	}
	d.IsActive = false
	d.RevokedAt = &at
	d.RevokedBy = &actor
	return d, nil
}

// List returns delegations matching filter.
func (m *DelegationManager) List(ctx context.Context, store repository.Store, filter repository.DelegationFilter) ([]*repository.Delegation, error) {
	return store.Delegations().List(ctx, filter)
}

// ExpireEnded deactivates delegations whose end date has passed.
func (m *DelegationManager) ExpireEnded(ctx context.Context, store repository.Store) (int, error) {
	n, err := store.Delegations().ExpireEnded(ctx, m.clock())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Int("expired", n).Msg("Ended delegations deactivated")
	}
	return n, nil
}

// stepDelegation loads the delegation a step was produced by, or nil when the
// step was never delegated. A step whose delegation record is gone has lost
// its authority.
func (m *DelegationManager) stepDelegation(ctx context.Context, store repository.Store, step *repository.ApprovalWorkflowStep) (*repository.Delegation, error) {
	if step.DelegationID == nil {
		return nil, nil
	}
	d, err := store.Delegations().GetByID(ctx, *step.DelegationID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return nil, errors.Unauthorized("delegation %s backing step %s no longer exists", *step.DelegationID, step.ID)
	}
	return d, err
}
