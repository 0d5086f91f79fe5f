package repository

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// ApprovalType says whether levels gate each other.
type ApprovalType string

const (
	ApprovalSequential ApprovalType = "sequential"
	ApprovalParallel   ApprovalType = "parallel"
)

// LevelPolicy says when a level counts as complete.
type LevelPolicy string

const (
	// PolicyAnyPrimary completes a level on the first approving primary.
	PolicyAnyPrimary LevelPolicy = "any_primary"
	// PolicyAll completes a level when every active step is approved.
	PolicyAll LevelPolicy = "all"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowApproved  WorkflowStatus = "approved"
	WorkflowRejected  WorkflowStatus = "rejected"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// StepAction is the outcome recorded on a step.
type StepAction string

const (
	StepPending   StepAction = "pending"
	StepApproved  StepAction = "approved"
	StepRejected  StepAction = "rejected"
	StepDelegated StepAction = "delegated"
)

// AuditAction names an audit log event.
type AuditAction string

const (
	AuditInstantiated   AuditAction = "instantiated"
	AuditApproved       AuditAction = "approved"
	AuditRejected       AuditAction = "rejected"
	AuditDelegated      AuditAction = "delegated"
	AuditCancelled      AuditAction = "cancelled"
	AuditLevelCompleted AuditAction = "level_completed"
	AuditLevelActivated AuditAction = "level_activated"
	AuditCompleted      AuditAction = "completed"
)

// ── Matrix configuration ─────────────────────────────────────────────────────

// ApprovalMatrix decides how many levels an entity type needs and who
// approves each level.
type ApprovalMatrix struct {
	ID               string
	ModuleName       string
	EntityType       string
	Description      string
	ApprovalLevels   int
	ApprovalType     ApprovalType
	Basis            *rules.Condition // nil = no top-level test
	MinimumAmount    *decimal.Decimal // inclusive; nil = unbounded
	MaximumAmount    *decimal.Decimal // inclusive; nil = unbounded
	AmountColumn     string
	PercentageColumn string
	GroupLogic       rules.Logic
	LevelPolicies    map[int]LevelPolicy
	IsActive         bool
	EffectiveDate    *time.Time
	ExpiryDate       *time.Time
	Priority         int // higher wins
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Rules     []ApprovalMatrixRule
	Approvers []ApprovalMatrixApprover
}

// DefaultAmountColumn is used when a matrix does not name one.
const DefaultAmountColumn = "amount"

// AmountPath returns the attribute holding the entity amount.
func (m *ApprovalMatrix) AmountPath() string {
	if m.AmountColumn == "" {
		return DefaultAmountColumn
	}
	return m.AmountColumn
}

// PolicyFor returns the completion policy of a level. Sequential matrices
// default to any_primary and parallel ones to all.
func (m *ApprovalMatrix) PolicyFor(level int) LevelPolicy {
	return policyFor(m.LevelPolicies, m.ApprovalType, level)
}

// EffectiveAt reports whether now lies inside the matrix's validity window.
func (m *ApprovalMatrix) EffectiveAt(now time.Time) bool {
	return withinWindow(m.EffectiveDate, m.ExpiryDate, now)
}

// AmountInBracket reports whether amount lies in [MinimumAmount, MaximumAmount].
// A matrix with a bracket never matches an entity without an amount.
func (m *ApprovalMatrix) AmountInBracket(amount *decimal.Decimal) bool {
	if m.MinimumAmount == nil && m.MaximumAmount == nil {
		return true
	}
	if amount == nil {
		return false
	}
	if m.MinimumAmount != nil && amount.LessThan(*m.MinimumAmount) {
		return false
	}
	if m.MaximumAmount != nil && amount.GreaterThan(*m.MaximumAmount) {
		return false
	}
	return true
}

// RuleSet returns the active rules in evaluator form.
func (m *ApprovalMatrix) RuleSet() []rules.Rule {
	out := make([]rules.Rule, 0, len(m.Rules))
	for _, r := range m.Rules {
		if !r.IsActive {
			continue
		}
		out = append(out, rules.Rule{
			Group:     r.ConditionGroup,
			Logic:     r.ConditionLogic,
			Sequence:  r.Sequence,
			Condition: r.Condition,
		})
	}
	return out
}

// ApproversAt returns the configured approvers of one level, active or not.
func (m *ApprovalMatrix) ApproversAt(level int) []ApprovalMatrixApprover {
	var out []ApprovalMatrixApprover
	for _, a := range m.Approvers {
		if a.ApprovalLevel == level {
			out = append(out, a)
		}
	}
	return out
}

// ApprovalMatrixRule is one condition of a matrix.
type ApprovalMatrixRule struct {
	ID             string
	MatrixID       string
	ConditionGroup int
	ConditionLogic rules.Logic
	Sequence       int
	Condition      rules.Condition
	IsActive       bool
}

// ApprovalMatrixApprover assigns a user to a level of a matrix.
type ApprovalMatrixApprover struct {
	ID                      string
	MatrixID                string
	UserID                  string
	ApprovalLevel           int
	IsPrimary               bool
	IsBackup                bool
	CanDelegate             bool
	ApprovalLimitAmount     *decimal.Decimal
	ApprovalLimitPercentage *decimal.Decimal
	ApprovalDeadlineHours   int // 0 = no deadline
	BusinessHoursOnly       bool
	IsActive                bool
	EffectiveDate           *time.Time
	ExpiryDate              *time.Time
}

// EffectiveAt reports whether the assignment is active at now.
func (a *ApprovalMatrixApprover) EffectiveAt(now time.Time) bool {
	return a.IsActive && withinWindow(a.EffectiveDate, a.ExpiryDate, now)
}

// ── Delegations ──────────────────────────────────────────────────────────────

// Delegation hands an approver assignment's authority to another user for a
// window. Standing delegations (StepID nil) apply to every resolution of the
// assignment; step delegations only cover the step they were created from.
type Delegation struct {
	ID                  string
	ApproverID          *string // matrix approver assignment
	WorkflowID          *string
	StepID              *string
	DelegateFromUserID  string
	DelegateToUserID    string
	DelegationReason    string
	StartDate           time.Time
	EndDate             *time.Time
	MaxDelegationAmount *decimal.Decimal
	CanFurtherDelegate  bool
	IsActive            bool
	RevokedAt           *time.Time
	RevokedBy           *string
	CreatedAt           time.Time
}

// CoversAt reports whether the delegation applies at now.
func (d *Delegation) CoversAt(now time.Time) bool {
	if !d.IsActive || now.Before(d.StartDate) {
		return false
	}
	return d.EndDate == nil || !now.After(*d.EndDate)
}

// CoversAmount reports whether amount is within the delegation's cap.
func (d *Delegation) CoversAmount(amount *decimal.Decimal) bool {
	if d.MaxDelegationAmount == nil || amount == nil {
		return true
	}
	return amount.LessThanOrEqual(*d.MaxDelegationAmount)
}

// DelegationFilter narrows delegation listings. Empty fields match all.
type DelegationFilter struct {
	ApproverID string
	UserID     string // matches from or to
	ActiveOnly bool
}

// ── Workflow instances ───────────────────────────────────────────────────────

// EntityApprovalWorkflow is one approval cycle of one entity. Matrix fields
// that drive the cycle are copied in at instantiation.
type EntityApprovalWorkflow struct {
	ID                    string
	ModuleName            string
	EntityType            string
	EntityID              string
	ScopeID               *string
	ApprovalMatrixID      *string
	ApprovalType          ApprovalType
	LevelPolicies         map[int]LevelPolicy
	CurrentStatus         WorkflowStatus
	CurrentApprovalLevel  int
	TotalApprovalRequired int
	EntitySnapshot        rules.Attributes
	EntityAmount          *decimal.Decimal
	EntityPercentage      *decimal.Decimal
	InitiatedBy           string
	InitiatedAt           time.Time
	CompletedAt           *time.Time
	CancelledBy           *string
	CancelReason          *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// PolicyFor returns the snapshotted completion policy of a level.
func (w *EntityApprovalWorkflow) PolicyFor(level int) LevelPolicy {
	return policyFor(w.LevelPolicies, w.ApprovalType, level)
}

// IsPending reports whether actions may still be applied.
func (w *EntityApprovalWorkflow) IsPending() bool {
	return w.CurrentStatus == WorkflowPending
}

// ApprovalWorkflowStep is one approver's action slot at one level.
type ApprovalWorkflowStep struct {
	ID                      string
	WorkflowID              string
	ApprovalLevel           int
	MatrixApproverID        *string
	DelegationID            *string
	ApproverUserID          string
	DelegatedToUserID       *string
	IsPrimary               bool
	CanDelegate             bool
	ApprovalLimitAmount     *decimal.Decimal
	ApprovalLimitPercentage *decimal.Decimal
	DeadlineHours           int
	BusinessHoursOnly       bool
	Action                  StepAction
	ActionReason            *string
	ActedBy                 *string
	AssignedAt              *time.Time
	ActionTakenAt           *time.Time
	DeadlineAt              *time.Time
	IsActive                bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// EffectiveActor is the delegate when there is one, else the approver.
func (s *ApprovalWorkflowStep) EffectiveActor() string {
	if s.DelegatedToUserID != nil && *s.DelegatedToUserID != "" {
		return *s.DelegatedToUserID
	}
	return s.ApproverUserID
}

// IsAssignedTo reports whether user is the approver or the delegate.
func (s *ApprovalWorkflowStep) IsAssignedTo(user string) bool {
	if user == "" {
		return false
	}
	return s.ApproverUserID == user || (s.DelegatedToUserID != nil && *s.DelegatedToUserID == user)
}

// IsOpen reports whether the step still awaits an action.
func (s *ApprovalWorkflowStep) IsOpen() bool {
	return s.Action == StepPending && s.IsActive
}

// PendingStep is a step joined with its workflow for inbox queries.
type PendingStep struct {
	Step     ApprovalWorkflowStep
	Workflow EntityApprovalWorkflow
}

// StatsFilter scopes workflow statistics. UserID matches initiators and
// assigned approvers; empty fields match all.
type StatsFilter struct {
	UserID     string
	ScopeID    string
	ModuleName string
	EntityType string
}

// WorkflowStats counts workflows by status.
type WorkflowStats struct {
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// Add counts one workflow with the given status.
func (s *WorkflowStats) Add(status WorkflowStatus, n int) {
	switch status {
	case WorkflowPending:
		s.Pending += n
	case WorkflowApproved:
		s.Approved += n
	case WorkflowRejected:
		s.Rejected += n
	case WorkflowCancelled:
		s.Cancelled += n
	}
	s.Total += n
}

// ── Audit ────────────────────────────────────────────────────────────────────

// ApprovalAuditEntry is one immutable record in the audit log.
type ApprovalAuditEntry struct {
	ID            string
	WorkflowID    string
	StepID        *string
	EntityType    string
	EntityID      string
	Action        AuditAction
	PerformedBy   string
	PerformedAt   time.Time
	StatusBefore  *WorkflowStatus
	StatusAfter   *WorkflowStatus
	ApprovalLevel *int
	Metadata      map[string]any
}

// MatrixFilter narrows matrix listings.
type MatrixFilter struct {
	ModuleName string
	EntityType string
	ActiveOnly bool
}

func policyFor(policies map[int]LevelPolicy, t ApprovalType, level int) LevelPolicy {
	if p, ok := policies[level]; ok && p != "" {
		return p
	}
	if t == ApprovalParallel {
		return PolicyAll
	}
	return PolicyAnyPrimary
}

func withinWindow(from, until *time.Time, now time.Time) bool {
	if from != nil && now.Before(*from) {
		return false
	}
	if until != nil && now.After(*until) {
		return false
	}
	return true
}
