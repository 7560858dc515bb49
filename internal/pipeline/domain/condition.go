package domain

import (
	"strings"
)

// Operator compares a field against a condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan,
		OpContains, OpNotContains, OpIsEmpty, OpIsNotEmpty:
		return true
	}
	return false
}

// Logic joins a condition to the one after it.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Condition is a single field comparison. Logic applies between this
// condition and the next one.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value,omitempty"`
	Logic    Logic    `json:"logic,omitempty"`
}

// FieldLookup resolves field names to typed values.
type FieldLookup interface {
	Lookup(field string) TypedValue
}

// EvaluateConditions folds the conditions left to right with no operator
// precedence: ((c1 op1 c2) op2 c3) ... An empty list is true.
func EvaluateConditions(conditions []Condition, src FieldLookup) bool {
	if len(conditions) == 0 {
		return true
	}
	result := conditions[0].Evaluate(src)
	for i := 1; i < len(conditions); i++ {
		next := conditions[i].Evaluate(src)
		if conditions[i-1].Logic == LogicOr {
			result = result || next
		} else {
			result = result && next
		}
	}
	return result
}

// Evaluate checks a single condition. It never fails: unparsable numbers and
// unknown operators evaluate to false.
func (c Condition) Evaluate(src FieldLookup) bool {
	v := src.Lookup(c.Field)
	switch c.Operator {
	case OpIsEmpty:
		return v.IsEmpty()
	case OpIsNotEmpty:
		return !v.IsEmpty()
	case OpEquals:
		return equalsValue(v, c.Value)
	case OpNotEquals:
		return !equalsValue(v, c.Value)
	case OpGreaterThan:
		cmp, ok := compareValue(v, c.Value)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := compareValue(v, c.Value)
		return ok && cmp < 0
	case OpContains:
		return containsValue(v, c.Value)
	case OpNotContains:
		return !containsValue(v, c.Value)
	default:
		return false
	}
}

func equalsValue(v TypedValue, want string) bool {
	if v.IsEmpty() {
		return strings.TrimSpace(want) == ""
	}
	switch v.Kind {
	case FieldKindNumber:
		if n, ok := parseNumber(want); ok {
			return v.Number == n
		}
	case FieldKindDate:
		if t, ok := ParseDate(want); ok {
			return v.Time.Equal(t)
		}
	}
	return strings.EqualFold(strings.TrimSpace(v.Text), strings.TrimSpace(want))
}

// compareValue returns -1, 0 or 1 comparing the field to want. ok is false
// when either side is not a number (or, for date fields, not a date).
func compareValue(v TypedValue, want string) (int, bool) {
	if !v.Present {
		return 0, false
	}
	if v.Kind == FieldKindDate {
		t, ok := ParseDate(want)
		if !ok {
			return 0, false
		}
		switch {
		case v.Time.Before(t):
			return -1, true
		case v.Time.After(t):
			return 1, true
		default:
			return 0, true
		}
	}

	left, ok := v.Number, v.Kind == FieldKindNumber
	if !ok {
		left, ok = parseNumber(v.Text)
	}
	right, rok := parseNumber(want)
	if !ok || !rok {
		return 0, false
	}
	switch {
	case left < right:
		return -1, true
	case left > right:
		return 1, true
	default:
		return 0, true
	}
}

func containsValue(v TypedValue, want string) bool {
	if v.IsEmpty() {
		return false
	}
	needle := strings.ToLower(strings.TrimSpace(want))
	if len(v.List) > 0 {
		for _, item := range v.List {
			if strings.EqualFold(strings.TrimSpace(item), needle) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(v.Text), needle)
}
