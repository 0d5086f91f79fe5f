package rules

import (
	"sort"
	"strings"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
)

// Logic combines boolean results.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// ParseLogic accepts AND/OR in any case; empty means AND.
func ParseLogic(s string) (Logic, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AND":
		return LogicAnd, nil
	case "OR":
		return LogicOr, nil
	}
	return "", errors.Configuration("unknown condition logic %q", s)
}

// Rule is a condition placed in a group. Logic says how the rule joins the
// running result of the rules before it in the same group; the first rule of
// a group has nothing to join, so its Logic is ignored.
type Rule struct {
	Group     int
	Logic     Logic
	Sequence  int
	Condition Condition
}

// Evaluate folds rules group by group and joins the group results with
// groupLogic. An empty rule list matches. Every condition is evaluated so a
// configuration error in any rule surfaces regardless of ordering.
func Evaluate(ruleSet []Rule, groupLogic Logic, attrs Attributes) (bool, error) {
	if len(ruleSet) == 0 {
		return true, nil
	}

	groups := make(map[int][]Rule)
	var order []int
	for _, r := range ruleSet {
		if _, seen := groups[r.Group]; !seen {
			order = append(order, r.Group)
		}
		groups[r.Group] = append(groups[r.Group], r)
	}
	sort.Ints(order)

	var result bool
	for i, g := range order {
		members := groups[g]
		sort.SliceStable(members, func(a, b int) bool { return members[a].Sequence < members[b].Sequence })

		groupResult, err := evaluateGroup(members, attrs)
		if err != nil {
			return false, err
		}
		switch {
		case i == 0:
			result = groupResult
		case groupLogic == LogicOr:
			result = result || groupResult
		default:
			result = result && groupResult
		}
	}
	return result, nil
}

func evaluateGroup(members []Rule, attrs Attributes) (bool, error) {
	var result bool
	for i, r := range members {
		ok, err := r.Condition.Evaluate(attrs)
		if err != nil {
			return false, err
		}
		switch {
		case i == 0:
			result = ok
		case r.Logic == LogicOr:
			result = result || ok
		default:
			result = result && ok
		}
	}
	return result, nil
}
