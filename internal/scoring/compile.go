// internal/scoring/compile.go
package scoring

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/types"
)

/*
 * Rule group compilation.
 *
 * Compiles persisted types.RuleGroup records into CompiledGroup values with
 * condition values pre-coerced to their comparison domain, CUSTOM logic
 * parsed, and an evaluation order computed from the cost model.
 *
 * Compilation rejects what evaluation cannot interpret: unknown operators,
 * values that do not coerce, and logic that does not parse. Editor
 * validation only range-checks custom logic, so a persisted group can still
 * fail here; CompileAll keeps such a group with Err set and evaluation
 * scores it as unmatched without affecting its siblings.
 */

var (
	// ErrPathTooDeep indicates a field path over MaxPathDepth segments.
	ErrPathTooDeep = errors.New("field path too deep")

	// ErrInvalidExpression indicates custom logic that does not parse.
	ErrInvalidExpression = errors.New("invalid condition logic")
)

// CompiledCondition is a pre-processed condition ready for evaluation.
type CompiledCondition struct {
	Position int // 1-based, as referenced by custom logic
	Field    string
	DataType types.DataType
	Operator string
	Value    any   // coerced scalar (nil for null checks)
	Low      any   // between bounds
	High     any   //
	Values   []any // IN, INCLUDES and EXCLUDES members, lower-cased text
	Cost     int
}

// CompiledGroup is a rule group ready for evaluation.
type CompiledGroup struct {
	ID         types.GroupID
	Name       string
	Score      decimal.Decimal
	Combinator types.Combinator
	Logic      *Logic              // CUSTOM only
	Conditions []CompiledCondition // positional order
	order      []int               // evaluation order for ALL/ANY
	Cost       int
	Err        error // set when the group could not be compiled
}

// CompileAll compiles groups in order. A group that fails to compile is
// returned with only its identity, score and Err.
func CompileAll(groups []*types.RuleGroup) []*CompiledGroup {
	out := make([]*CompiledGroup, 0, len(groups))
	for i, g := range groups {
		cg, err := Compile(g)
		if err != nil {
			cg = &CompiledGroup{
				ID:         g.ID,
				Name:       g.Name,
				Score:      g.Score.Decimal,
				Combinator: g.Combinator,
				Err:        fmt.Errorf("%s: %w", rules.GroupPath(i), err),
			}
		}
		out = append(out, cg)
	}
	return out
}

// Failed returns the compile errors of groups, in order.
func Failed(groups []*CompiledGroup) []error {
	var errs []error
	for _, g := range groups {
		if g.Err != nil {
			errs = append(errs, g.Err)
		}
	}
	return errs
}

// Compile validates and pre-processes a rule group.
func Compile(g *types.RuleGroup) (*CompiledGroup, error) {
	cg := &CompiledGroup{
		ID:         g.ID,
		Name:       g.Name,
		Score:      g.Score.Decimal,
		Combinator: g.Combinator,
		Conditions: make([]CompiledCondition, 0, len(g.Conditions)),
	}

	for j, c := range g.Conditions {
		cc, err := compileCondition(j+1, c)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", j+1, err)
		}
		cg.Conditions = append(cg.Conditions, cc)
		cg.Cost += cc.Cost
	}

	switch g.Combinator {
	case types.CombinatorCustom:
		logic, err := ParseLogic(g.Expression, len(cg.Conditions))
		if err != nil {
			return nil, err
		}
		cg.Logic = logic
	case types.CombinatorAll, types.CombinatorAny:
		// Stable sort: equal-cost conditions keep positional order
		cg.order = make([]int, len(cg.Conditions))
		for i := range cg.order {
			cg.order[i] = i
		}
		sort.SliceStable(cg.order, func(a, b int) bool {
			return cg.Conditions[cg.order[a]].Cost < cg.Conditions[cg.order[b]].Cost
		})
	default:
		return nil, fmt.Errorf("unknown combinator %q", g.Combinator)
	}

	return cg, nil
}

// compileCondition coerces a condition's value to its comparison domain.
func compileCondition(pos int, c *types.ConditionRow) (CompiledCondition, error) {
	if len(SplitPath(c.Field)) > MaxPathDepth {
		return CompiledCondition{}, ErrPathTooDeep
	}
	if !rules.Allows(c.DataType, c.Operator) {
		return CompiledCondition{}, fmt.Errorf("%w: %q on %s field %q", types.ErrInvalidOperator, c.Operator, c.DataType, c.Field)
	}

	cc := CompiledCondition{
		Position: pos,
		Field:    c.Field,
		DataType: c.DataType,
		Operator: c.Operator,
		Cost:     ConditionCost(c.Field, c.Operator, c.DataType),
	}

	switch op := c.Operator; {
	case rules.IsNullCheck(op):
		return cc, nil

	case rules.IsBetween(op):
		from, to := c.From, c.To
		if !c.RangeMode {
			var ok bool
			if from, to, ok = rules.SplitRange(c.Value); !ok {
				return CompiledCondition{}, fmt.Errorf("between value %q lacks %q", c.Value, strings.TrimSpace(rules.RangeSeparator))
			}
		}
		lo, err := coerceRequired(from, c.DataType)
		if err != nil {
			return CompiledCondition{}, err
		}
		hi, err := coerceRequired(to, c.DataType)
		if err != nil {
			return CompiledCondition{}, err
		}
		cc.Low, cc.High = lo, hi
		return cc, nil

	case op == rules.OpIn:
		cc.Values = splitMembers(c.Value, ",")
		return cc, nil

	case op == rules.OpIncludes || op == rules.OpExcludes:
		cc.Values = splitMembers(c.Value, ";")
		return cc, nil
	}

	v, err := coerceRequired(c.Value, c.DataType)
	if err != nil {
		return CompiledCondition{}, err
	}
	if s, ok := v.(string); ok {
		v = strings.ToLower(s)
	}
	cc.Value = v
	return cc, nil
}

func coerceRequired(value string, dt types.DataType) (any, error) {
	res, err := rules.Coerce(value, dt)
	if err != nil {
		return nil, err
	}
	if res.IsNull {
		return nil, fmt.Errorf("%w: value is required", rules.ErrCoercionFailed)
	}
	return res.Value, nil
}

func splitMembers(value, sep string) []any {
	var out []any
	for _, item := range strings.Split(value, sep) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.ToLower(item))
		}
	}
	return out
}
