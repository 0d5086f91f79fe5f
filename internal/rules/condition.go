// Package rules evaluates approval matrix conditions against entity attribute
// snapshots.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
)

// Operator is a condition comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
)

// ParseOperator validates an operator name.
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpEquals, OpNotEquals, OpIn, OpNotIn, OpGreaterThan, OpLessThan, OpBetween:
		return op, nil
	}
	return "", errors.Configuration("unknown condition operator %q", s)
}

// ValueKind tags the shape of a condition operand.
type ValueKind int

const (
	KindScalar ValueKind = iota + 1
	KindSet
	KindRange
)

// Value is a condition operand: a scalar, a set, or an inclusive [Min, Max]
// range. Numeric operands are held as decimal.Decimal.
type Value struct {
	Kind   ValueKind
	Scalar any
	Set    []any
	Min    decimal.Decimal
	Max    decimal.Decimal
}

// MarshalJSON writes the operand back in its stored shape.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindScalar:
		return json.Marshal(jsonOperand(v.Scalar))
	case KindSet:
		out := make([]any, 0, len(v.Set))
		for _, item := range v.Set {
			out = append(out, jsonOperand(item))
		}
		return json.Marshal(out)
	case KindRange:
		return json.Marshal([]any{jsonOperand(v.Min), jsonOperand(v.Max)})
	}
	return []byte("null"), nil
}

// jsonOperand writes decimals as JSON numbers rather than quoted strings.
func jsonOperand(v any) any {
	if d, ok := v.(decimal.Decimal); ok {
		return json.Number(d.String())
	}
	return v
}

// Condition is one validated (column, operator, value) test.
type Condition struct {
	Column   string
	Operator Operator
	Value    Value
}

// NewCondition validates the operand shape for op. It is called when a matrix
// is saved, so evaluation never sees a malformed condition.
func NewCondition(column string, op Operator, raw json.RawMessage) (Condition, error) {
	column = strings.TrimSpace(column)
	if column == "" {
		return Condition{}, errors.Configuration("condition column is required")
	}
	if _, err := ParseOperator(string(op)); err != nil {
		return Condition{}, err
	}

	decoded, err := decodeOperand(raw)
	if err != nil {
		return Condition{}, errors.Configuration("condition %s %s: invalid value: %v", column, op, err)
	}

	c := Condition{Column: column, Operator: op}
	switch op {
	case OpEquals, OpNotEquals:
		s, err := scalarOperand(decoded)
		if err != nil {
			return Condition{}, errors.Configuration("condition %s %s: %v", column, op, err)
		}
		c.Value = Value{Kind: KindScalar, Scalar: s}

	case OpIn, OpNotIn:
		items, ok := decoded.([]any)
		if !ok {
			return Condition{}, errors.Configuration("condition %s %s: value must be an array", column, op)
		}
		set := make([]any, 0, len(items))
		for _, item := range items {
			s, err := scalarOperand(item)
			if err != nil {
				return Condition{}, errors.Configuration("condition %s %s: %v", column, op, err)
			}
			set = append(set, s)
		}
		c.Value = Value{Kind: KindSet, Set: set}

	case OpGreaterThan, OpLessThan:
		d, ok := numericOperand(decoded)
		if !ok {
			return Condition{}, errors.Configuration("condition %s %s: value must be numeric", column, op)
		}
		c.Value = Value{Kind: KindScalar, Scalar: d}

	case OpBetween:
		items, ok := decoded.([]any)
		if !ok || len(items) != 2 {
			return Condition{}, errors.Configuration("condition %s between: value must be [min, max]", column)
		}
		lo, okLo := numericOperand(items[0])
		hi, okHi := numericOperand(items[1])
		if !okLo || !okHi {
			return Condition{}, errors.Configuration("condition %s between: bounds must be numeric", column)
		}
		if lo.GreaterThan(hi) {
			return Condition{}, errors.Configuration("condition %s between: min %s exceeds max %s", column, lo, hi)
		}
		c.Value = Value{Kind: KindRange, Min: lo, Max: hi}
	}
	return c, nil
}

// MustCondition is NewCondition for fixed test and seed data.
func MustCondition(column string, op Operator, value any) Condition {
	raw, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	c, err := NewCondition(column, op, raw)
	if err != nil {
		panic(err)
	}
	return c
}

// RawValue returns the operand as stored JSON.
func (c Condition) RawValue() json.RawMessage {
	b, _ := json.Marshal(c.Value)
	return b
}

// Evaluate tests the condition against attrs. A missing attribute is false for
// positive operators and true for not_equals and not_in. A non-numeric
// attribute under a numeric operator is a configuration error.
func (c Condition) Evaluate(attrs Attributes) (bool, error) {
	actual, ok := attrs.Lookup(c.Column)
	missing := !ok || actual == nil

	switch c.Operator {
	case OpEquals:
		return !missing && scalarEqual(actual, c.Value.Scalar), nil
	case OpNotEquals:
		return missing || !scalarEqual(actual, c.Value.Scalar), nil
	case OpIn:
		return !missing && inSet(actual, c.Value.Set), nil
	case OpNotIn:
		return missing || !inSet(actual, c.Value.Set), nil
	case OpGreaterThan, OpLessThan, OpBetween:
		if missing {
			return false, nil
		}
		n, ok := Numeric(actual)
		if !ok {
			return false, errors.Configuration("column %q holds %T, %s needs a number", c.Column, actual, c.Operator)
		}
		switch c.Operator {
		case OpGreaterThan:
			return n.GreaterThan(c.Value.Scalar.(decimal.Decimal)), nil
		case OpLessThan:
			return n.LessThan(c.Value.Scalar.(decimal.Decimal)), nil
		default:
			return n.GreaterThanOrEqual(c.Value.Min) && n.LessThanOrEqual(c.Value.Max), nil
		}
	}
	return false, errors.Configuration("unknown condition operator %q", c.Operator)
}

func inSet(actual any, set []any) bool {
	for _, candidate := range set {
		if scalarEqual(actual, candidate) {
			return true
		}
	}
	return false
}

// scalarEqual compares an attribute with an operand. Numbers compare by value,
// so 100, 100.0 and "100" are equal to a numeric operand of 100.
func scalarEqual(actual, operand any) bool {
	switch op := operand.(type) {
	case decimal.Decimal:
		n, ok := Amount(actual)
		return ok && n.Equal(op)
	case string:
		switch a := actual.(type) {
		case string:
			return a == op
		case bool:
			return strconv.FormatBool(a) == op
		}
		if n, ok := Numeric(actual); ok {
			d, err := decimal.NewFromString(op)
			return err == nil && n.Equal(d)
		}
		return fmt.Sprint(actual) == op
	case bool:
		switch a := actual.(type) {
		case bool:
			return a == op
		case string:
			b, err := strconv.ParseBool(a)
			return err == nil && b == op
		}
		return false
	}
	return false
}

func decodeOperand(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty value")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func scalarOperand(v any) (any, error) {
	switch s := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(s.String())
		if err != nil {
			return nil, err
		}
		return d, nil
	case string, bool:
		return s, nil
	case nil:
		return nil, fmt.Errorf("value must not be null")
	}
	return nil, fmt.Errorf("value must be a scalar, got %T", v)
}

func numericOperand(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	}
	return decimal.Zero, false
}
