// internal/scoring/compare.go
package scoring

import (
	"fmt"
	"strings"

	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/types"
)

// Match evaluates one compiled condition against a record.
//
// Text comparisons are case-insensitive. A missing or blank field matches
// only IS_NULL; every other operator reports false, including the negated
// ones. A field value that does not coerce to the condition's type never
// matches.
func Match(cc CompiledCondition, record map[string]any) (bool, error) {
	res, err := Resolve(cc.Field, record)
	if err != nil {
		return false, err
	}
	raw := referenceValue(res.Value, cc.DataType)
	null := !res.Found || isBlank(raw)

	switch cc.Operator {
	case rules.OpIsNull:
		return null, nil
	case rules.OpIsNotNull:
		return !null, nil
	}
	if null {
		return false, nil
	}

	switch cc.Operator {
	case rules.OpIncludes, rules.OpExcludes:
		selected := selections(raw)
		hit := false
		for _, want := range cc.Values {
			if selected[want.(string)] {
				hit = true
				break
			}
		}
		if cc.Operator == rules.OpIncludes {
			return hit, nil
		}
		return !hit, nil

	case rules.OpIn:
		s := strings.ToLower(textOf(raw))
		for _, member := range cc.Values {
			if member.(string) == s {
				return true, nil
			}
		}
		return false, nil
	}

	coerced, err := rules.Coerce(raw, cc.DataType)
	if err != nil || coerced.IsNull {
		return false, nil
	}
	v := coerced.Value

	if rules.IsBetween(cc.Operator) {
		lo, ok1 := rules.CompareValues(v, cc.Low)
		hi, ok2 := rules.CompareValues(v, cc.High)
		return ok1 && ok2 && lo >= 0 && hi <= 0, nil
	}

	if s, ok := v.(string); ok {
		return compareText(cc.Operator, strings.ToLower(s), cc.Value.(string)), nil
	}
	if b, ok := v.(bool); ok {
		want, _ := cc.Value.(bool)
		return cc.Operator == rules.OpEquals && b == want, nil
	}

	cmp, ok := rules.CompareValues(v, cc.Value)
	if !ok {
		return false, nil
	}
	switch cc.Operator {
	case rules.OpEquals:
		return cmp == 0, nil
	case rules.OpNotEquals:
		return cmp != 0, nil
	case rules.OpLessThan:
		return cmp < 0, nil
	case rules.OpLessOrEqual:
		return cmp <= 0, nil
	case rules.OpGreaterThan:
		return cmp > 0, nil
	case rules.OpGreaterOrEqual:
		return cmp >= 0, nil
	default:
		return false, nil
	}
}

func compareText(op, field, want string) bool {
	switch op {
	case rules.OpEquals:
		return field == want
	case rules.OpNotEquals:
		return field != want
	case rules.OpContains:
		return strings.Contains(field, want)
	case rules.OpNotContains:
		return !strings.Contains(field, want)
	case rules.OpStartsWith:
		return strings.HasPrefix(field, want)
	case rules.OpEndsWith:
		return strings.HasSuffix(field, want)
	default:
		return false
	}
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	default:
		return false
	}
}

// selections normalizes a multi-select value written either as "a;b" or
// as a JSON array.
func selections(v any) map[string]bool {
	out := make(map[string]bool)
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out[strings.ToLower(s)] = true
		}
	}
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			add(textOf(item))
		}
	default:
		for _, item := range strings.Split(textOf(v), ";") {
			add(item)
		}
	}
	return out
}

func textOf(v any) string {
	res, err := rules.Coerce(v, types.DataTypeString)
	if err != nil || res.IsNull {
		return fmt.Sprint(v)
	}
	return res.Value.(string)
}
