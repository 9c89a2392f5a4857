// Package rules evaluates approval-policy predicates against arbitrary JSON
// payloads. Evaluation is pure: no I/O, no clock.
package rules

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pitabwire/tessera/model"
)

// Evaluate returns allMatch(set.All) AND anyMatch(set.Any). A nil set and
// empty lists are vacuously true.
func Evaluate(set *model.RuleSet, payload map[string]any) bool {
	if set == nil {
		return true
	}
	for _, c := range set.All {
		if !Match(c, payload) {
			return false
		}
	}
	if len(set.Any) == 0 {
		return true
	}
	for _, c := range set.Any {
		if Match(c, payload) {
			return true
		}
	}
	return false
}

// Match evaluates a single condition. Unknown operators never match.
func Match(c model.Condition, payload map[string]any) bool {
	actual, found := Lookup(payload, c.Field)

	switch c.Operator {
	case model.OpExists:
		present := found && actual != nil
		if want, ok := c.Value.(bool); ok {
			return present == want
		}
		return present
	case model.OpEq:
		return found && equal(actual, c.Value)
	case model.OpNeq:
		return !found || !equal(actual, c.Value)
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		if !found {
			return false
		}
		return compare(c.Operator, actual, c.Value)
	case model.OpIn:
		if !found {
			return false
		}
		return member(c.Value, actual)
	case model.OpContains:
		if !found {
			return false
		}
		if s, ok := actual.(string); ok {
			sub, ok := c.Value.(string)
			return ok && strings.Contains(s, sub)
		}
		return member(actual, c.Value)
	default:
		return false
	}
}

// Lookup resolves a dot path ("invoice.total.amount") through nested maps.
// Missing segments, and traversal through non-objects, report false.
func Lookup(payload map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = payload
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Validate reports malformed conditions.
func Validate(set *model.RuleSet) error {
	if set == nil {
		return nil
	}
	var details []model.FieldError
	check := func(group string, conds []model.Condition) {
		for i, c := range conds {
			field := fmt.Sprintf("rules.%s[%d]", group, i)
			if c.Field == "" {
				details = append(details, model.FieldError{Field: field + ".field", Code: "REQUIRED", Message: "field is required"})
			}
			if !knownOperator(c.Operator) {
				details = append(details, model.FieldError{Field: field + ".operator", Code: "INVALID_OPERATOR", Message: fmt.Sprintf("unknown operator %q", c.Operator)})
			}
			if c.Operator == model.OpIn && !isList(c.Value) {
				details = append(details, model.FieldError{Field: field + ".value", Code: "INVALID_VALUE", Message: "in requires a list value"})
			}
		}
	}
	check("all", set.All)
	check("any", set.Any)
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func knownOperator(op string) bool {
	switch op {
	case model.OpExists, model.OpEq, model.OpNeq, model.OpGt, model.OpGte,
		model.OpLt, model.OpLte, model.OpIn, model.OpContains:
		return true
	}
	return false
}

// compare applies an ordering operator. Both sides must be numbers.
func compare(op string, actual, expected any) bool {
	a, ok := toNumber(actual)
	if !ok {
		return false
	}
	b, ok := toNumber(expected)
	if !ok {
		return false
	}
	switch op {
	case model.OpGt:
		return a > b
	case model.OpGte:
		return a >= b
	case model.OpLt:
		return a < b
	case model.OpLte:
		return a <= b
	}
	return false
}

// equal compares numbers by value regardless of their Go type, everything
// else structurally.
func equal(a, b any) bool {
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// member reports whether list contains v.
func member(list, v any) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), v) {
			return true
		}
	}
	return false
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.ValueOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
