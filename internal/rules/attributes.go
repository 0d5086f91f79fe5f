package rules

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Attributes is an entity attribute snapshot: column name to value. Nested
// objects are addressed with dotted paths such as "supplier.supplier_code".
type Attributes map[string]any

// Lookup resolves a column. A literal key wins over a dotted path walk.
func (a Attributes) Lookup(path string) (any, bool) {
	if a == nil || path == "" {
		return nil, false
	}
	if v, ok := a[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}

	var cur any = map[string]any(a)
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case Attributes:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// Numeric converts a value of a numeric Go type to a decimal. Strings are not
// numeric here, so a string attribute compared with greater_than is a
// configuration error rather than a silent parse.
func Numeric(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, false
		}
		return *n, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.RequireFromString(strconv.FormatUint(uint64(n), 10)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.RequireFromString(strconv.FormatUint(n, 10)), true
	}
	return decimal.Zero, false
}

// Amount is Numeric plus numeric strings; entity amounts often arrive as
// formatted strings from the owning module.
func Amount(v any) (decimal.Decimal, bool) {
	if d, ok := Numeric(v); ok {
		return d, true
	}
	if s, ok := v.(string); ok {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		return d, err == nil
	}
	return decimal.Zero, false
}
