package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
)

func TestConditionOperators(t *testing.T) {
	tests := []struct {
		name    string
		op      Operator
		operand any
		actual  any
		want    bool
	}{
		{"equals string", OpEquals, "PO", "PO", true},
		{"equals string mismatch", OpEquals, "PO", "TO", false},
		{"equals number", OpEquals, 100, float64(100), true},
		{"equals number vs numeric string", OpEquals, 100, "100.00", true},
		{"equals bool", OpEquals, true, true, true},
		{"equals missing", OpEquals, "PO", nil, false},
		{"not_equals match", OpNotEquals, "PO", "TO", true},
		{"not_equals same", OpNotEquals, "PO", "PO", false},
		{"not_equals missing", OpNotEquals, "PO", nil, true},
		{"in hit", OpIn, []any{"A", "B"}, "B", true},
		{"in miss", OpIn, []any{"A", "B"}, "C", false},
		{"in numeric", OpIn, []any{1, 2, 3}, json.Number("2"), true},
		{"in empty set", OpIn, []any{}, "A", false},
		{"not_in hit", OpNotIn, []any{"A", "B"}, "A", false},
		{"not_in miss", OpNotIn, []any{"A", "B"}, "C", true},
		{"not_in empty set", OpNotIn, []any{}, "A", true},
		{"not_in missing", OpNotIn, []any{"A"}, nil, true},
		{"greater_than above", OpGreaterThan, 1000, float64(1000.01), true},
		{"greater_than equal", OpGreaterThan, 1000, 1000, false},
		{"less_than below", OpLessThan, 1000, int64(999), true},
		{"less_than equal", OpLessThan, 1000, 1000, false},
		{"greater_than missing", OpGreaterThan, 1000, nil, false},
		{"between lower bound", OpBetween, []any{100, 200}, 100, true},
		{"between upper bound", OpBetween, []any{100, 200}, 200, true},
		{"between inside", OpBetween, []any{100, 200}, 150.5, true},
		{"between below", OpBetween, []any{100, 200}, 99.99, false},
		{"between above", OpBetween, []any{100, 200}, 200.01, false},
		{"between single point", OpBetween, []any{5, 5}, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := MustCondition("col", tt.op, tt.operand)
			attrs := Attributes{}
			if tt.actual != nil {
				attrs["col"] = tt.actual
			}
			got, err := c.Evaluate(attrs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionTypeMismatchIsConfigurationError(t *testing.T) {
	c := MustCondition("status", OpGreaterThan, 10)

	_, err := c.Evaluate(Attributes{"status": "open"})

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfiguration, errors.CodeOf(err))
}

func TestNewConditionValidatesShape(t *testing.T) {
	tests := []struct {
		name string
		op   Operator
		raw  string
	}{
		{"in needs array", OpIn, `"A"`},
		{"between needs two", OpBetween, `[1]`},
		{"between numeric", OpBetween, `["a", "b"]`},
		{"between ordered", OpBetween, `[10, 1]`},
		{"greater_than numeric", OpGreaterThan, `"abc"`},
		{"equals scalar", OpEquals, `{"a": 1}`},
		{"equals not null", OpEquals, `null`},
		{"empty", OpEquals, ``},
		{"unknown operator", Operator("like"), `"a"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCondition("col", tt.op, json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeConfiguration, errors.CodeOf(err))
		})
	}
}

func TestConditionRawValueRoundTrip(t *testing.T) {
	c := MustCondition("amount", OpBetween, []any{100, 250.5})

	again, err := NewCondition(c.Column, c.Operator, c.RawValue())
	require.NoError(t, err)

	assert.JSONEq(t, `[100, 250.5]`, string(c.RawValue()))
	assert.True(t, again.Value.Min.Equal(c.Value.Min))
	assert.True(t, again.Value.Max.Equal(c.Value.Max))
}

func TestAttributesLookupDottedPath(t *testing.T) {
	attrs := Attributes{
		"supplier": map[string]any{
			"supplier_code": "SUP-01",
			"address":       map[string]any{"city": "Manila"},
		},
		"store.code": "literal",
	}

	v, ok := attrs.Lookup("supplier.supplier_code")
	require.True(t, ok)
	assert.Equal(t, "SUP-01", v)

	v, ok = attrs.Lookup("supplier.address.city")
	require.True(t, ok)
	assert.Equal(t, "Manila", v)

	v, ok = attrs.Lookup("store.code")
	require.True(t, ok)
	assert.Equal(t, "literal", v)

	_, ok = attrs.Lookup("supplier.missing")
	assert.False(t, ok)

	c := MustCondition("supplier.supplier_code", OpIn, []string{"SUP-01", "SUP-02"})
	got, err := c.Evaluate(attrs)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestParseOperator(t *testing.T) {
	op, err := ParseOperator(" Between ")
	require.NoError(t, err)
	assert.Equal(t, OpBetween, op)

	_, err = ParseOperator("contains")
	assert.Error(t, err)
}
