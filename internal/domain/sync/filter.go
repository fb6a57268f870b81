package sync

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FilterOperator compares a record field against a configured value
type FilterOperator string

const (
	OpEq         FilterOperator = "eq"
	OpNe         FilterOperator = "ne"
	OpGt         FilterOperator = "gt"
	OpLt         FilterOperator = "lt"
	OpGte        FilterOperator = "gte"
	OpLte        FilterOperator = "lte"
	OpIn         FilterOperator = "in"
	OpContains   FilterOperator = "contains"
	OpStartsWith FilterOperator = "starts_with"
	OpEndsWith   FilterOperator = "ends_with"
)

// FilterLogic composes multiple filters
type FilterLogic string

const (
	LogicAnd FilterLogic = "AND"
	LogicOr  FilterLogic = "OR"
)

// Filter is one field/operator/value predicate over a record
type Filter struct {
	Field    string         `json:"field" validate:"required"`
	Operator FilterOperator `json:"operator" validate:"required"`
	Value    any            `json:"value"`
}

// Matches evaluates the filter against a record. A missing field never
// matches.
func (f Filter) Matches(record Record) bool {
	value, ok := GetPath(record, f.Field)
	if !ok {
		return false
	}

	switch f.Operator {
	case OpEq:
		return compareEqual(value, f.Value)
	case OpNe:
		return !compareEqual(value, f.Value)
	case OpGt, OpLt, OpGte, OpLte:
		return compareOrdered(value, f.Value, f.Operator)
	case OpIn:
		items, ok := f.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if compareEqual(value, item) {
				return true
			}
		}
		return false
	case OpContains:
		return strings.Contains(toString(value), toString(f.Value))
	case OpStartsWith:
		return strings.HasPrefix(toString(value), toString(f.Value))
	case OpEndsWith:
		return strings.HasSuffix(toString(value), toString(f.Value))
	default:
		return false
	}
}

// MatchesAll evaluates a filter list with the given logic. An empty list
// matches everything.
func MatchesAll(filters []Filter, logic FilterLogic, record Record) bool {
	if len(filters) == 0 {
		return true
	}
	if logic == LogicOr {
		for _, f := range filters {
			if f.Matches(record) {
				return true
			}
		}
		return false
	}
	for _, f := range filters {
		if !f.Matches(record) {
			return false
		}
	}
	return true
}

// compareEqual compares numerics numerically and everything else as strings
func compareEqual(a, b any) bool {
	da, aok := toDecimal(a)
	db, bok := toDecimal(b)
	if aok && bok {
		return da.Equal(db)
	}
	return toString(a) == toString(b)
}

// compareOrdered compares two values as decimals; non-numeric values fall
// back to lexicographic comparison.
func compareOrdered(a, b any, op FilterOperator) bool {
	da, aok := toDecimal(a)
	db, bok := toDecimal(b)
	var cmp int
	if aok && bok {
		cmp = da.Cmp(db)
	} else {
		cmp = strings.Compare(toString(a), toString(b))
	}
	switch op {
	case OpGt:
		return cmp > 0
	case OpLt:
		return cmp < 0
	case OpGte:
		return cmp >= 0
	case OpLte:
		return cmp <= 0
	default:
		return false
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case float32:
		return decimal.NewFromFloat(float64(n)), true
	case float64:
		return decimal.NewFromFloat(n), true
	case decimal.Decimal:
		return n, true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
