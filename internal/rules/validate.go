// internal/rules/validate.go
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/solatis/crmrules/internal/types"
)

/*
 * Rule set validation.
 *
 * ValidateGroups checks a complete rule set and reports every violation
 * rather than stopping at the first, so the host can show all of them at
 * once. It is pure over the records: it trusts DataType/EnumValues already
 * on each row. The editor calls it on session state; the API calls it after
 * re-resolving types from its own catalog.
 *
 * Row checks follow the condition state machine: a field, then a resolved
 * type, then a catalog operator, then a value whose shape matches the
 * operator (scalar, from/to pair, "low AND high", list, or enum member).
 */

// GroupPath names group i (0-based) in messages.
func GroupPath(i int) string {
	return fmt.Sprintf("Criteria %d", i+1)
}

// ConditionPath names condition j of group i (both 0-based) in messages.
func ConditionPath(i, j int) string {
	return fmt.Sprintf("Criteria %d, Condition %d", i+1, j+1)
}

// ValidateGroups validates an ordered rule set.
func ValidateGroups(groups []*types.RuleGroup) types.ValidationErrors {
	var errs types.ValidationErrors

	if len(groups) > types.MaxGroupsPerObject {
		errs.Add("", "At most %d criteria are allowed", types.MaxGroupsPerObject)
	}

	for i, g := range groups {
		path := GroupPath(i)

		if strings.TrimSpace(g.Name) == "" {
			errs.Add(path, "Criteria Name is required")
		}
		if !g.Score.Valid {
			errs.Add(path, "Score is required")
		}

		switch g.Combinator {
		case types.CombinatorAll, types.CombinatorAny, types.CombinatorCustom:
		default:
			errs.Add(path, "Condition Criteria must be ALL, ANY or CUSTOM")
		}

		if len(g.Conditions) == 0 {
			errs.Add(path, "At least one condition is required")
		}
		if len(g.Conditions) > types.MaxConditionsPerGroup {
			errs.Add(path, "At most %d conditions are allowed", types.MaxConditionsPerGroup)
		}

		// Only CUSTOM groups carry logic; ALL/ANY ignore any stale text
		if g.Combinator == types.CombinatorCustom {
			errs = append(errs, ValidateLogic(path, g.Expression, len(g.Conditions))...)
		}

		for j, c := range g.Conditions {
			errs = append(errs, validateCondition(ConditionPath(i, j), c)...)
		}
	}

	return errs
}

// validateCondition checks one row against its resolved type.
func validateCondition(path string, c *types.ConditionRow) types.ValidationErrors {
	var errs types.ValidationErrors

	if c.Field == "" {
		errs.Add(path, "Field is required")
		return errs
	}

	switch c.Resolve {
	case types.ResolvePending:
		errs.Add(path, "Field type for %s is still loading", c.Field)
		return errs
	case types.ResolveFailed:
		errs.Add(path, "%s for field %s", types.ErrNoOperators, c.Field)
		return errs
	}
	if len(OperatorsFor(c.DataType)) == 0 {
		errs.Add(path, "%s for field %s", types.ErrNoOperators, c.Field)
		return errs
	}

	if c.Operator == "" {
		errs.Add(path, "Operator is required")
		return errs
	}
	if !Allows(c.DataType, c.Operator) {
		errs.Add(path, "Operator %s is not valid for %s fields", c.Operator, c.DataType)
		return errs
	}

	if msg := valueProblem(c); msg != "" {
		errs.Add(path, "%s", msg)
	}
	return errs
}

// valueProblem returns a description of the first value-shape violation,
// or "" when the value fits the operator and type.
func valueProblem(c *types.ConditionRow) string {
	switch {
	case IsNullCheck(c.Operator):
		return ""

	case c.RangeMode:
		if c.From == "" || c.To == "" {
			return "From and To values are required"
		}
		return boundsProblem(c.From, c.To, c.DataType)

	case IsBetween(c.Operator):
		from, to, ok := SplitRange(c.Value)
		if !ok {
			return "Between value must be written as 'low AND high'"
		}
		return boundsProblem(from, to, c.DataType)

	case c.Value == "":
		return "Value is required"

	case c.Operator == OpIn:
		for _, item := range strings.Split(c.Value, ",") {
			if strings.TrimSpace(item) == "" {
				return "In value must be a comma-separated list without blanks"
			}
		}
		return ""

	case c.DataType.IsEnumerable():
		if len(c.EnumValues) == 0 {
			return ""
		}
		for _, item := range enumSelection(c) {
			if !containsEnum(c.EnumValues, item) {
				return fmt.Sprintf("Value %s is not an allowed value for field %s", item, c.Field)
			}
		}
		return ""

	default:
		if _, err := Coerce(c.Value, c.DataType); err != nil {
			return "Value " + coercionDetail(err)
		}
		return ""
	}
}

func boundsProblem(from, to string, dt types.DataType) string {
	lo, err := Coerce(from, dt)
	if err != nil {
		return "From value " + coercionDetail(err)
	}
	hi, err := Coerce(to, dt)
	if err != nil {
		return "To value " + coercionDetail(err)
	}
	if cmp, ok := CompareValues(lo.Value, hi.Value); ok && cmp > 0 {
		return "From value must not be after To value"
	}
	return ""
}

// enumSelection splits a picklist value; MULTIPICKLIST uses ';' separators.
func enumSelection(c *types.ConditionRow) []string {
	if c.DataType != types.DataTypeMultiPicklist {
		return []string{c.Value}
	}
	var out []string
	for _, item := range strings.Split(c.Value, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func containsEnum(values []types.EnumValue, v string) bool {
	for _, ev := range values {
		if ev.Value == v {
			return true
		}
	}
	return false
}

// coercionDetail strips the sentinel prefix from a coercion error.
func coercionDetail(err error) string {
	if errors.Is(err, ErrCoercionFailed) {
		return strings.TrimPrefix(err.Error(), ErrCoercionFailed.Error()+": ")
	}
	return err.Error()
}
