package memory

import (
	"maps"

	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// Rows are copied on the way in and out so callers never share memory with
// the store. Pointer fields to times and decimals are replaced, never mutated,
// by the engine, so a shallow copy of those is enough.

func cloneMatrix(m *repository.ApprovalMatrix) *repository.ApprovalMatrix {
	if m == nil {
		return nil
	}
	c := *m
	c.LevelPolicies = maps.Clone(m.LevelPolicies)
	c.Rules = append([]repository.ApprovalMatrixRule(nil), m.Rules...)
	c.Approvers = append([]repository.ApprovalMatrixApprover(nil), m.Approvers...)
	if m.Basis != nil {
		b := *m.Basis
		c.Basis = &b
	}
	return &c
}

func cloneDelegation(d *repository.Delegation) *repository.Delegation {
	c := *d
	return &c
}

func cloneWorkflow(w *repository.EntityApprovalWorkflow) *repository.EntityApprovalWorkflow {
	c := *w
	c.LevelPolicies = maps.Clone(w.LevelPolicies)
	c.EntitySnapshot = cloneAttributes(w.EntitySnapshot)
	return &c
}

func cloneStep(s *repository.ApprovalWorkflowStep) *repository.ApprovalWorkflowStep {
	c := *s
	return &c
}

func cloneAudit(e *repository.ApprovalAuditEntry) *repository.ApprovalAuditEntry {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

func cloneAttributes(a rules.Attributes) rules.Attributes {
	if a == nil {
		return nil
	}
	out := make(rules.Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case rules.Attributes:
		return cloneAttributes(t)
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	}
	return v
}
