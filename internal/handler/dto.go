package handler

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/deadline"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// MatrixRequest is the JSON form of a matrix, used for both input and output.
type MatrixRequest struct {
	ID               string                  `json:"id,omitempty"`
	ModuleName       string                  `json:"module_name"`
	EntityType       string                  `json:"entity_type"`
	Description      string                  `json:"description,omitempty"`
	ApprovalLevels   int                     `json:"approval_levels"`
	ApprovalType     string                  `json:"approval_type,omitempty"`
	BasisColumn      string                  `json:"basis_column,omitempty"`
	BasisOperator    string                  `json:"basis_operator,omitempty"`
	BasisValue       json.RawMessage         `json:"basis_value,omitempty"`
	MinimumAmount    *decimal.Decimal        `json:"minimum_amount,omitempty"`
	MaximumAmount    *decimal.Decimal        `json:"maximum_amount,omitempty"`
	AmountColumn     string                  `json:"amount_column,omitempty"`
	PercentageColumn string                  `json:"percentage_column,omitempty"`
	GroupLogic       string                  `json:"group_logic,omitempty"`
	LevelPolicies    map[int]string          `json:"level_policies,omitempty"`
	IsActive         *bool                   `json:"is_active,omitempty"`
	EffectiveDate    *time.Time              `json:"effective_date,omitempty"`
	ExpiryDate       *time.Time              `json:"expiry_date,omitempty"`
	Priority         int                     `json:"priority"`
	CreatedBy        string                  `json:"created_by,omitempty"`
	CreatedAt        *time.Time              `json:"created_at,omitempty"`
	UpdatedAt        *time.Time              `json:"updated_at,omitempty"`
	Rules            []MatrixRuleRequest     `json:"rules"`
	Approvers        []MatrixApproverRequest `json:"approvers"`
}

type MatrixRuleRequest struct {
	ID                string          `json:"id,omitempty"`
	ConditionGroup    int             `json:"condition_group"`
	ConditionLogic    string          `json:"condition_logic,omitempty"`
	Sequence          int             `json:"sequence"`
	ConditionColumn   string          `json:"condition_column"`
	ConditionOperator string          `json:"condition_operator"`
	ConditionValue    json.RawMessage `json:"condition_value"`
	IsActive          *bool           `json:"is_active,omitempty"`
}

type MatrixApproverRequest struct {
	ID                      string           `json:"id,omitempty"`
	UserID                  string           `json:"user_id"`
	ApprovalLevel           int              `json:"approval_level"`
	IsPrimary               bool             `json:"is_primary"`
	IsBackup                bool             `json:"is_backup"`
	CanDelegate             bool             `json:"can_delegate"`
	ApprovalLimitAmount     *decimal.Decimal `json:"approval_limit_amount,omitempty"`
	ApprovalLimitPercentage *decimal.Decimal `json:"approval_limit_percentage,omitempty"`
	ApprovalDeadlineHours   int              `json:"approval_deadline_hours"`
	BusinessHoursOnly       bool             `json:"business_hours_only"`
	IsActive                *bool            `json:"is_active,omitempty"`
	EffectiveDate           *time.Time       `json:"effective_date,omitempty"`
	ExpiryDate              *time.Time       `json:"expiry_date,omitempty"`
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// toMatrix validates condition shapes while converting.
func (r *MatrixRequest) toMatrix() (*repository.ApprovalMatrix, error) {
	m := &repository.ApprovalMatrix{
		ID:               r.ID,
		ModuleName:       r.ModuleName,
		EntityType:       r.EntityType,
		Description:      r.Description,
		ApprovalLevels:   r.ApprovalLevels,
		ApprovalType:     repository.ApprovalType(r.ApprovalType),
		MinimumAmount:    r.MinimumAmount,
		MaximumAmount:    r.MaximumAmount,
		AmountColumn:     r.AmountColumn,
		PercentageColumn: r.PercentageColumn,
		GroupLogic:       rules.Logic(r.GroupLogic),
		IsActive:         boolOr(r.IsActive, true),
		EffectiveDate:    r.EffectiveDate,
		ExpiryDate:       r.ExpiryDate,
		Priority:         r.Priority,
	}

	if r.BasisColumn != "" || r.BasisOperator != "" {
		c, err := rules.NewCondition(r.BasisColumn, rules.Operator(r.BasisOperator), r.BasisValue)
		if err != nil {
			return nil, err
		}
		m.Basis = &c
	}

	if len(r.LevelPolicies) > 0 {
		m.LevelPolicies = make(map[int]repository.LevelPolicy, len(r.LevelPolicies))
		for level, p := range r.LevelPolicies {
			m.LevelPolicies[level] = repository.LevelPolicy(p)
		}
	}

	for _, rr := range r.Rules {
		c, err := rules.NewCondition(rr.ConditionColumn, rules.Operator(rr.ConditionOperator), rr.ConditionValue)
		if err != nil {
			return nil, err
		}
		m.Rules = append(m.Rules, repository.ApprovalMatrixRule{
			ID:             rr.ID,
			ConditionGroup: rr.ConditionGroup,
			ConditionLogic: rules.Logic(rr.ConditionLogic),
			Sequence:       rr.Sequence,
			Condition:      c,
			IsActive:       boolOr(rr.IsActive, true),
		})
	}

	for _, a := range r.Approvers {
		m.Approvers = append(m.Approvers, repository.ApprovalMatrixApprover{
			ID:                      a.ID,
			UserID:                  a.UserID,
			ApprovalLevel:           a.ApprovalLevel,
			IsPrimary:               a.IsPrimary,
			IsBackup:                a.IsBackup,
			CanDelegate:             a.CanDelegate,
			ApprovalLimitAmount:     a.ApprovalLimitAmount,
			ApprovalLimitPercentage: a.ApprovalLimitPercentage,
			ApprovalDeadlineHours:   a.ApprovalDeadlineHours,
			BusinessHoursOnly:       a.BusinessHoursOnly,
			IsActive:                boolOr(a.IsActive, true),
			EffectiveDate:           a.EffectiveDate,
			ExpiryDate:              a.ExpiryDate,
		})
	}
	return m, nil
}

func conditionValue(c rules.Condition) json.RawMessage {
	raw, err := json.Marshal(c.Value)
	if err != nil {
		return nil
	}
	return raw
}

func matrixResponse(m *repository.ApprovalMatrix) MatrixRequest {
	active := m.IsActive
	created, updated := m.CreatedAt, m.UpdatedAt
	out := MatrixRequest{
		ID:               m.ID,
		ModuleName:       m.ModuleName,
		EntityType:       m.EntityType,
		Description:      m.Description,
		ApprovalLevels:   m.ApprovalLevels,
		ApprovalType:     string(m.ApprovalType),
		MinimumAmount:    m.MinimumAmount,
		MaximumAmount:    m.MaximumAmount,
		AmountColumn:     m.AmountColumn,
		PercentageColumn: m.PercentageColumn,
		GroupLogic:       string(m.GroupLogic),
		IsActive:         &active,
		EffectiveDate:    m.EffectiveDate,
		ExpiryDate:       m.ExpiryDate,
		Priority:         m.Priority,
		CreatedBy:        m.CreatedBy,
		CreatedAt:        &created,
		UpdatedAt:        &updated,
		Rules:            make([]MatrixRuleRequest, 0, len(m.Rules)),
		Approvers:        make([]MatrixApproverRequest, 0, len(m.Approvers)),
	}
	if m.Basis != nil {
		out.BasisColumn = m.Basis.Column
		out.BasisOperator = string(m.Basis.Operator)
		out.BasisValue = conditionValue(*m.Basis)
	}
	if len(m.LevelPolicies) > 0 {
		out.LevelPolicies = make(map[int]string, len(m.LevelPolicies))
		for level, p := range m.LevelPolicies {
			out.LevelPolicies[level] = string(p)
		}
	}
	for _, r := range m.Rules {
		active := r.IsActive
		out.Rules = append(out.Rules, MatrixRuleRequest{
			ID:                r.ID,
			ConditionGroup:    r.ConditionGroup,
			ConditionLogic:    string(r.ConditionLogic),
			Sequence:          r.Sequence,
			ConditionColumn:   r.Condition.Column,
			ConditionOperator: string(r.Condition.Operator),
			ConditionValue:    conditionValue(r.Condition),
			IsActive:          &active,
		})
	}
	for _, a := range m.Approvers {
		active := a.IsActive
		out.Approvers = append(out.Approvers, MatrixApproverRequest{
			ID:                      a.ID,
			UserID:                  a.UserID,
			ApprovalLevel:           a.ApprovalLevel,
			IsPrimary:               a.IsPrimary,
			IsBackup:                a.IsBackup,
			CanDelegate:             a.CanDelegate,
			ApprovalLimitAmount:     a.ApprovalLimitAmount,
			ApprovalLimitPercentage: a.ApprovalLimitPercentage,
			ApprovalDeadlineHours:   a.ApprovalDeadlineHours,
			BusinessHoursOnly:       a.BusinessHoursOnly,
			IsActive:                &active,
			EffectiveDate:           a.EffectiveDate,
			ExpiryDate:              a.ExpiryDate,
		})
	}
	return out
}

// ResolveRequest asks which matrix governs an entity snapshot.
type ResolveRequest struct {
	ModuleName string           `json:"module_name"`
	EntityType string           `json:"entity_type"`
	Attributes rules.Attributes `json:"attributes"`
}

type ResolveResponse struct {
	ApprovalRequired bool           `json:"approval_required"`
	Reason           string         `json:"reason,omitempty"`
	Candidates       int            `json:"candidates"`
	Matched          int            `json:"matched"`
	Matrix           *MatrixRequest `json:"matrix,omitempty"`
}

func resolveResponse(res *service.Resolution) ResolveResponse {
	out := ResolveResponse{
		ApprovalRequired: res.Required(),
		Reason:           res.Reason,
		Candidates:       res.Candidates,
		Matched:          res.Matched,
	}
	if res.Matrix != nil {
		m := matrixResponse(res.Matrix)
		out.Matrix = &m
	}
	return out
}

// SubmitRequest starts approval for an entity. MatrixID skips resolution.
type SubmitRequest struct {
	ModuleName string           `json:"module_name"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	ScopeID    *string          `json:"scope_id,omitempty"`
	MatrixID   string           `json:"matrix_id,omitempty"`
	Attributes rules.Attributes `json:"attributes,omitempty"`
}

type SubmitResponse struct {
	ApprovalRequired bool          `json:"approval_required"`
	Reason           string        `json:"reason,omitempty"`
	Workflow         *WorkflowJSON `json:"workflow,omitempty"`
}

type WorkflowJSON struct {
	ID                    string           `json:"id"`
	ModuleName            string           `json:"module_name"`
	EntityType            string           `json:"entity_type"`
	EntityID              string           `json:"entity_id"`
	ScopeID               *string          `json:"scope_id,omitempty"`
	ApprovalMatrixID      *string          `json:"approval_matrix_id,omitempty"`
	ApprovalType          string           `json:"approval_type"`
	CurrentStatus         string           `json:"current_status"`
	CurrentApprovalLevel  int              `json:"current_approval_level"`
	TotalApprovalRequired int              `json:"total_approval_required"`
	EntityAmount          *decimal.Decimal `json:"entity_amount,omitempty"`
	EntityPercentage      *decimal.Decimal `json:"entity_percentage,omitempty"`
	EntitySnapshot        rules.Attributes `json:"entity_snapshot,omitempty"`
	InitiatedBy           string           `json:"initiated_by"`
	InitiatedAt           time.Time        `json:"initiated_at"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
	CancelledBy           *string          `json:"cancelled_by,omitempty"`
	CancelReason          *string          `json:"cancel_reason,omitempty"`
	Steps                 []StepJSON       `json:"steps,omitempty"`
}

type StepJSON struct {
	ID                      string           `json:"id"`
	ApprovalLevel           int              `json:"approval_level"`
	ApproverUserID          string           `json:"approver_user_id"`
	DelegatedToUserID       *string          `json:"delegated_to_user_id,omitempty"`
	DelegationID            *string          `json:"delegation_id,omitempty"`
	IsPrimary               bool             `json:"is_primary"`
	CanDelegate             bool             `json:"can_delegate"`
	ApprovalLimitAmount     *decimal.Decimal `json:"approval_limit_amount,omitempty"`
	ApprovalLimitPercentage *decimal.Decimal `json:"approval_limit_percentage,omitempty"`
	Action                  string           `json:"action"`
	ActionReason            *string          `json:"action_reason,omitempty"`
	ActedBy                 *string          `json:"acted_by,omitempty"`
	AssignedAt              *time.Time       `json:"assigned_at,omitempty"`
	ActionTakenAt           *time.Time       `json:"action_taken_at,omitempty"`
	DeadlineAt              *time.Time       `json:"deadline_at,omitempty"`
	IsActive                bool             `json:"is_active"`
	Urgency                 deadline.Urgency `json:"urgency,omitempty"`
}

func workflowJSON(wf *repository.EntityApprovalWorkflow, steps []*repository.ApprovalWorkflowStep) *WorkflowJSON {
	out := &WorkflowJSON{
		ID:                    wf.ID,
		ModuleName:            wf.ModuleName,
		EntityType:            wf.EntityType,
		EntityID:              wf.EntityID,
		ScopeID:               wf.ScopeID,
		ApprovalMatrixID:      wf.ApprovalMatrixID,
		ApprovalType:          string(wf.ApprovalType),
		CurrentStatus:         string(wf.CurrentStatus),
		CurrentApprovalLevel:  wf.CurrentApprovalLevel,
		TotalApprovalRequired: wf.TotalApprovalRequired,
		EntityAmount:          wf.EntityAmount,
		EntityPercentage:      wf.EntityPercentage,
		EntitySnapshot:        wf.EntitySnapshot,
		InitiatedBy:           wf.InitiatedBy,
		InitiatedAt:           wf.InitiatedAt,
		CompletedAt:           wf.CompletedAt,
		CancelledBy:           wf.CancelledBy,
		CancelReason:          wf.CancelReason,
	}
	for _, s := range steps {
		out.Steps = append(out.Steps, stepJSON(s, ""))
	}
	return out
}

func stepJSON(s *repository.ApprovalWorkflowStep, urgency deadline.Urgency) StepJSON {
	return StepJSON{
		ID:                      s.ID,
		ApprovalLevel:           s.ApprovalLevel,
		ApproverUserID:          s.ApproverUserID,
		DelegatedToUserID:       s.DelegatedToUserID,
		DelegationID:            s.DelegationID,
		IsPrimary:               s.IsPrimary,
		CanDelegate:             s.CanDelegate,
		ApprovalLimitAmount:     s.ApprovalLimitAmount,
		ApprovalLimitPercentage: s.ApprovalLimitPercentage,
		Action:                  string(s.Action),
		ActionReason:            s.ActionReason,
		ActedBy:                 s.ActedBy,
		AssignedAt:              s.AssignedAt,
		ActionTakenAt:           s.ActionTakenAt,
		DeadlineAt:              s.DeadlineAt,
		IsActive:                s.IsActive,
		Urgency:                 urgency,
	}
}

// ActionRequest applies approve, reject or delegate.
type ActionRequest struct {
	Action              string           `json:"action"`
	StepID              string           `json:"step_id,omitempty"`
	Reason              string           `json:"reason,omitempty"`
	DelegateTo          string           `json:"delegate_to,omitempty"`
	EndDate             *time.Time       `json:"end_date,omitempty"`
	MaxDelegationAmount *decimal.Decimal `json:"max_delegation_amount,omitempty"`
	CanFurtherDelegate  bool             `json:"can_further_delegate,omitempty"`
}

func (r ActionRequest) payload() service.ActionPayload {
	return service.ActionPayload{
		StepID:              r.StepID,
		Reason:              r.Reason,
		DelegateTo:          r.DelegateTo,
		EndDate:             r.EndDate,
		MaxDelegationAmount: r.MaxDelegationAmount,
		CanFurtherDelegate:  r.CanFurtherDelegate,
	}
}

type ActionResponse struct {
	Workflow      *WorkflowJSON   `json:"workflow"`
	Step          *StepJSON       `json:"step,omitempty"`
	DelegatedStep *StepJSON       `json:"delegated_step,omitempty"`
	Delegation    *DelegationJSON `json:"delegation,omitempty"`
	Message       string          `json:"message"`
}

func actionResponse(res *service.ActionResult) ActionResponse {
	out := ActionResponse{Workflow: workflowJSON(res.Workflow, nil), Message: res.Message}
	if res.Step != nil {
		s := stepJSON(res.Step, "")
		out.Step = &s
	}
	if res.DelegatedStep != nil {
		s := stepJSON(res.DelegatedStep, "")
		out.DelegatedStep = &s
	}
	if res.Delegation != nil {
		d := delegationJSON(res.Delegation)
		out.Delegation = &d
	}
	return out
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type PendingItemJSON struct {
	WorkflowID  string           `json:"workflow_id"`
	ModuleName  string           `json:"module_name"`
	EntityType  string           `json:"entity_type"`
	EntityID    string           `json:"entity_id"`
	InitiatedBy string           `json:"initiated_by"`
	Amount      *decimal.Decimal `json:"entity_amount,omitempty"`
	Step        StepJSON         `json:"step"`
	Urgency     deadline.Urgency `json:"urgency"`
}

func pendingJSON(items []service.PendingItem) []PendingItemJSON {
	out := make([]PendingItemJSON, 0, len(items))
	for _, it := range items {
		step := it.Step
		out = append(out, PendingItemJSON{
			WorkflowID:  it.Workflow.ID,
			ModuleName:  it.Workflow.ModuleName,
			EntityType:  it.Workflow.EntityType,
			EntityID:    it.Workflow.EntityID,
			InitiatedBy: it.Workflow.InitiatedBy,
			Amount:      it.Workflow.EntityAmount,
			Step:        stepJSON(&step, it.Urgency),
			Urgency:     it.Urgency,
		})
	}
	return out
}

// DelegationRequest grants a standing delegation.
type DelegationRequest struct {
	ApproverID          string           `json:"approver_id"`
	DelegateFromUserID  string           `json:"delegate_from_user_id,omitempty"`
	DelegateToUserID    string           `json:"delegate_to_user_id"`
	Reason              string           `json:"delegation_reason,omitempty"`
	StartDate           *time.Time       `json:"start_date,omitempty"`
	EndDate             *time.Time       `json:"end_date,omitempty"`
	MaxDelegationAmount *decimal.Decimal `json:"max_delegation_amount,omitempty"`
	CanFurtherDelegate  bool             `json:"can_further_delegate,omitempty"`
}

type DelegationJSON struct {
	ID                  string           `json:"id"`
	ApproverID          *string          `json:"approver_id,omitempty"`
	WorkflowID          *string          `json:"workflow_id,omitempty"`
	StepID              *string          `json:"step_id,omitempty"`
	DelegateFromUserID  string           `json:"delegate_from_user_id"`
	DelegateToUserID    string           `json:"delegate_to_user_id"`
	DelegationReason    string           `json:"delegation_reason,omitempty"`
	StartDate           time.Time        `json:"start_date"`
	EndDate             *time.Time       `json:"end_date,omitempty"`
	MaxDelegationAmount *decimal.Decimal `json:"max_delegation_amount,omitempty"`
	CanFurtherDelegate  bool             `json:"can_further_delegate"`
	IsActive            bool             `json:"is_active"`
	RevokedAt           *time.Time       `json:"revoked_at,omitempty"`
	RevokedBy           *string          `json:"revoked_by,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}

func delegationJSON(d *repository.Delegation) DelegationJSON {
	return DelegationJSON{
		ID:                  d.ID,
		ApproverID:          d.ApproverID,
		WorkflowID:          d.WorkflowID,
		StepID:              d.StepID,
		DelegateFromUserID:  d.DelegateFromUserID,
		DelegateToUserID:    d.DelegateToUserID,
		DelegationReason:    d.DelegationReason,
		StartDate:           d.StartDate,
		EndDate:             d.EndDate,
		MaxDelegationAmount: d.MaxDelegationAmount,
		CanFurtherDelegate:  d.CanFurtherDelegate,
		IsActive:            d.IsActive,
		RevokedAt:           d.RevokedAt,
		RevokedBy:           d.RevokedBy,
		CreatedAt:           d.CreatedAt,
	}
}

type AuditEntryJSON struct {
	ID            string         `json:"id"`
	StepID        *string        `json:"step_id,omitempty"`
	Action        string         `json:"action"`
	PerformedBy   string         `json:"performed_by"`
	PerformedAt   time.Time      `json:"performed_at"`
	StatusBefore  *string        `json:"status_before,omitempty"`
	StatusAfter   *string        `json:"status_after,omitempty"`
	ApprovalLevel *int           `json:"approval_level,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func auditJSON(entries []*repository.ApprovalAuditEntry) []AuditEntryJSON {
	out := make([]AuditEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryJSON{
			ID:            e.ID,
			StepID:        e.StepID,
			Action:        string(e.Action),
			PerformedBy:   e.PerformedBy,
			PerformedAt:   e.PerformedAt,
			StatusBefore:  statusString(e.StatusBefore),
			StatusAfter:   statusString(e.StatusAfter),
			ApprovalLevel: e.ApprovalLevel,
			Metadata:      e.Metadata,
		})
	}
	return out
}

func statusString(s *repository.WorkflowStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// errorBody is the envelope every failed request returns.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}
