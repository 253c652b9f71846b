// Package scoring evaluates persisted rule groups against CRM records and
// turns the outcome into a score indicator.
package scoring

import (
	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/types"
)

/*
 * Score evaluation.
 *
 * Each group contributes its score to Total; a matching group also
 * contributes to Current. Percentage is Current/Total rounded to the nearest
 * integer (0 when Total is zero) and selects the indicator band.
 *
 * Short-circuit semantics: ALL stops at the first non-match and ANY at the
 * first match, both in cost order. CUSTOM evaluates through the logic tree
 * with per-condition results memoized so each condition runs at most once.
 */

// Band is the indicator colour for a percentage.
type Band string

const (
	BandRed    Band = "red"
	BandOrange Band = "orange"
	BandGreen  Band = "green"
)

// Band thresholds (percent).
const (
	RedBelow    = 40
	OrangeBelow = 70
)

// BandFor maps a percentage onto the indicator band.
func BandFor(pct int64) Band {
	switch {
	case pct < RedBelow:
		return BandRed
	case pct < OrangeBelow:
		return BandOrange
	default:
		return BandGreen
	}
}

// GroupResult is the outcome of one group.
type GroupResult struct {
	ID      types.GroupID   `json:"criteriaId,omitempty"`
	Name    string          `json:"criteriaName"`
	Score   decimal.Decimal `json:"score"`
	Matched bool            `json:"matched"`
	// Error explains why the group could not be evaluated.
	Error   string          `json:"error,omitempty"`
}

// Result is the score indicator for one record.
type Result struct {
	Total      decimal.Decimal `json:"totalScore"`
	Current    decimal.Decimal `json:"currentScore"`
	Percentage int64           `json:"percentage"`
	Band       Band            `json:"band"`
	Groups     []GroupResult   `json:"criteria"`
}

// MatchedNames lists the names of matching groups in order.
func (r Result) MatchedNames() []string {
	var names []string
	for _, g := range r.Groups {
		if g.Matched {
			names = append(names, g.Name)
		}
	}
	return names
}

// Evaluate scores record against every group.
func Evaluate(groups []*CompiledGroup, record map[string]any) (Result, error) {
	res := Result{
		Total:   decimal.Zero,
		Current: decimal.Zero,
		Groups:  make([]GroupResult, 0, len(groups)),
	}

	for _, g := range groups {
		matched, err := EvaluateGroup(g, record)
		if err != nil {
			return Result{}, err
		}
		res.Total = res.Total.Add(g.Score)
		if matched {
			res.Current = res.Current.Add(g.Score)
		}
		gr := GroupResult{
			ID:      g.ID,
			Name:    g.Name,
			Score:   g.Score,
			Matched: matched,
		}
		if g.Err != nil {
			gr.Error = g.Err.Error()
		}
		res.Groups = append(res.Groups, gr)
	}

	if !res.Total.IsZero() {
		res.Percentage = res.Current.Div(res.Total).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	}
	res.Band = BandFor(res.Percentage)
	return res, nil
}

// EvaluateGroup reports whether record satisfies g.
// A group without conditions, or one that failed to compile, never matches.
func EvaluateGroup(g *CompiledGroup, record map[string]any) (bool, error) {
	if g.Err != nil || len(g.Conditions) == 0 {
		return false, nil
	}

	switch g.Combinator {
	case types.CombinatorAll:
		for _, idx := range g.order {
			ok, err := Match(g.Conditions[idx], record)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case types.CombinatorAny:
		for _, idx := range g.order {
			ok, err := Match(g.Conditions[idx], record)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	default:
		if g.Logic == nil {
			return false, nil
		}
		var firstErr error
		memo := make(map[int]bool, len(g.Conditions))
		matched, err := g.Logic.Eval(func(pos int) bool {
			if v, ok := memo[pos]; ok {
				return v
			}
			ok, err := Match(g.Conditions[pos-1], record)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			memo[pos] = ok
			return ok
		})
		if firstErr != nil {
			return false, firstErr
		}
		return matched, err
	}
}
