package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
)

// Resolution is the outcome of matrix resolution. A nil Matrix means no
// approval is required and Reason says why.
type Resolution struct {
	Matrix     *repository.ApprovalMatrix
	Reason     string
	Candidates int
	Matched    int
}

// Required reports whether a matrix applies.
func (r *Resolution) Required() bool { return r != nil && r.Matrix != nil }

// MatrixResolver picks the single governing matrix for an entity.
type MatrixResolver struct {
	clock func() time.Time
}

func NewMatrixResolver(clock func() time.Time) *MatrixResolver {
	if clock == nil {
		clock = time.Now
	}
	return &MatrixResolver{clock: clock}
}

// Resolve evaluates every active, in-window matrix for (module, entityType)
// against attrs and returns the winner by priority, then most recent
// creation. Two winners tied on both is a configuration error.
func (r *MatrixResolver) Resolve(ctx context.Context, store repository.Store, module, entityType string, attrs rules.Attributes) (*Resolution, error) {
	if module == "" {
		return nil, errors.InvalidInput("module_name", "module_name is required")
	}
	if entityType == "" {
		return nil, errors.InvalidInput("entity_type", "entity_type is required")
	}

	candidates, err := store.Matrices().FindCandidates(ctx, module, entityType, r.clock())
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Resolution{Reason: fmt.Sprintf("no active approval matrix for %s/%s", module, entityType)}, nil
	}

	var matched []*repository.ApprovalMatrix
	for _, m := range candidates {
		ok, err := Matches(m, attrs)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, m)
		}
	}
	if len(matched) == 0 {
		return &Resolution{
			Reason:     fmt.Sprintf("none of %d approval matrices for %s/%s matched the entity", len(candidates), module, entityType),
			Candidates: len(candidates),
		}, nil
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > 1 {
		a, b := matched[0], matched[1]
		if a.Priority == b.Priority && a.CreatedAt.Equal(b.CreatedAt) {
			return nil, errors.Configuration("approval matrices %s and %s tie on priority %d and creation time", a.ID, b.ID, a.Priority)
		}
	}

	winner := matched[0]
	return &Resolution{
		Matrix:     winner,
		Reason:     fmt.Sprintf("matrix %s selected with priority %d", winner.ID, winner.Priority),
		Candidates: len(candidates),
		Matched:    len(matched),
	}, nil
}

// Matches tests one matrix against an attribute snapshot: the amount
// bracket, the basis condition and the rule groups.
func Matches(m *repository.ApprovalMatrix, attrs rules.Attributes) (bool, error) {
	amount, err := decimalAttribute(attrs, m.AmountPath())
	if err != nil {
		return false, errors.Configuration("matrix %s: %s", m.ID, err.Error())
	}
	if !m.AmountInBracket(amount) {
		return false, nil
	}

	if m.Basis != nil {
		ok, err := m.Basis.Evaluate(attrs)
		if err != nil {
			return false, errors.Wrap(err, errors.ErrCodeConfiguration, "matrix "+m.ID+" basis condition")
		}
		if !ok {
			return false, nil
		}
	}

	ok, err := rules.Evaluate(m.RuleSet(), m.GroupLogic, attrs)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeConfiguration, "matrix "+m.ID+" rules")
	}
	return ok, nil
}

// decimalAttribute reads a numeric attribute. A missing attribute is nil; a
// present one that is not a number is an error.
func decimalAttribute(attrs rules.Attributes, path string) (*decimal.Decimal, error) {
	if path == "" {
		return nil, nil
	}
	v, ok := attrs.Lookup(path)
	if !ok || v == nil {
		return nil, nil
	}
	d, ok := rules.Amount(v)
	if !ok {
		return nil, fmt.Errorf("attribute %q holds %T, expected a number", path, v)
	}
	return &d, nil
}
