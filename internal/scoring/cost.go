// internal/scoring/cost.go
package scoring

import (
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/types"
)

/*
 * Cost model for condition evaluation.
 *
 * cost = segments * CostLookupPerSegment + operator_cost * type_multiplier
 *
 * ALL and ANY groups evaluate conditions in ascending cost so the cheap
 * checks short-circuit first. CUSTOM groups evaluate through the parsed
 * expression and ignore cost order, since positions are what the logic
 * refers to.
 */

const (
	// Operator base costs
	CostNullCheck = 1
	CostEq        = 5
	CostOrdering  = 7
	CostIn        = 8
	CostAffix     = 10
	CostContains  = 12
	CostMulti     = 14

	// Field lookup cost per path segment
	CostLookupPerSegment = 128

	// Data type multipliers
	MultiplierBool   = 1
	MultiplierNumber = 4
	MultiplierTime   = 6
	MultiplierString = 48
)

// ConditionCost computes the evaluation cost of one condition.
func ConditionCost(field, op string, dt types.DataType) int {
	return len(SplitPath(field))*CostLookupPerSegment + operatorCost(op)*typeMultiplier(dt)
}

func operatorCost(op string) int {
	switch {
	case rules.IsNullCheck(op):
		return CostNullCheck
	case op == rules.OpEquals || op == rules.OpNotEquals:
		return CostEq
	case op == rules.OpIn:
		return CostIn
	case op == rules.OpStartsWith || op == rules.OpEndsWith:
		return CostAffix
	case op == rules.OpContains || op == rules.OpNotContains:
		return CostContains
	case op == rules.OpIncludes || op == rules.OpExcludes:
		return CostMulti
	default:
		// ordering and between
		return CostOrdering
	}
}

func typeMultiplier(dt types.DataType) int {
	switch {
	case dt == types.DataTypeBoolean:
		return MultiplierBool
	case dt.IsNumeric():
		return MultiplierNumber
	case dt.IsTemporal():
		return MultiplierTime
	default:
		return MultiplierString
	}
}
