package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateEmptyRulesMatch(t *testing.T) {
	ok, err := Evaluate(nil, LogicAnd, Attributes{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateWithinGroupFoldsInSequence(t *testing.T) {
	// (store == S1 OR store == S2) AND amount > 100, all in group 1.
	ruleSet := []Rule{
		{Group: 1, Sequence: 3, Logic: LogicAnd, Condition: MustCondition("amount", OpGreaterThan, 100)},
		{Group: 1, Sequence: 1, Condition: MustCondition("store", OpEquals, "S1")},
		{Group: 1, Sequence: 2, Logic: LogicOr, Condition: MustCondition("store", OpEquals, "S2")},
	}

	cases := []struct {
		attrs Attributes
		want  bool
	}{
		{Attributes{"store": "S1", "amount": 150}, true},
		{Attributes{"store": "S2", "amount": 150}, true},
		{Attributes{"store": "S3", "amount": 150}, false},
		{Attributes{"store": "S1", "amount": 50}, false},
	}
	for _, c := range cases {
		got, err := Evaluate(ruleSet, LogicAnd, c.attrs)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%v", c.attrs)
	}
}

func TestEvaluateGroupCombinator(t *testing.T) {
	ruleSet := []Rule{
		{Group: 1, Condition: MustCondition("category", OpEquals, "meat")},
		{Group: 2, Condition: MustCondition("amount", OpGreaterThan, 5000)},
	}
	attrs := Attributes{"category": "meat", "amount": 100}

	and, err := Evaluate(ruleSet, LogicAnd, attrs)
	require.NoError(t, err)
	assert.False(t, and, "AND across groups needs every group")

	or, err := Evaluate(ruleSet, LogicOr, attrs)
	require.NoError(t, err)
	assert.True(t, or, "OR across groups needs any group")
}

func TestEvaluateSurfacesErrorsFromLaterRules(t *testing.T) {
	ruleSet := []Rule{
		{Group: 1, Condition: MustCondition("store", OpEquals, "nope")},
		{Group: 2, Condition: MustCondition("store", OpGreaterThan, 1)},
	}

	_, err := Evaluate(ruleSet, LogicAnd, Attributes{"store": "S1"})
	assert.Error(t, err)
}

func TestParseLogic(t *testing.T) {
	l, err := ParseLogic("or")
	require.NoError(t, err)
	assert.Equal(t, LogicOr, l)

	l, err = ParseLogic("")
	require.NoError(t, err)
	assert.Equal(t, LogicAnd, l)

	_, err = ParseLogic("XOR")
	assert.Error(t, err)
}
