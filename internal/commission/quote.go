package commission

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/types"
)

// QuoteResult is the commission computed for one sale.
type QuoteResult struct {
	Commission decimal.Decimal `json:"commission"`
	Capped     bool            `json:"capped"`
	// Range is the 1-based bracket used by a range policy, 0 otherwise.
	Range int `json:"range,omitempty"`
}

var hundred = decimal.NewFromInt(100)

// Quote computes the commission policy p pays on a sale of amount.
//
// fixed pays Amount. percentage pays amount*Percent/100, limited to
// UpperCap. range applies the sub-rule of the first active bracket with
// Min <= amount <= Max and fails with types.ErrNoMatchingRange when none
// matches. Results are rounded to cents.
func Quote(p *types.CommissionPolicy, amount decimal.Decimal) (QuoteResult, error) {
	if !p.Active {
		return QuoteResult{}, types.ErrPolicyInactive
	}
	if amount.IsNegative() {
		return QuoteResult{}, &types.ValidationError{Message: "Sale amount must not be negative"}
	}
	if errs := ValidatePolicies([]*types.CommissionPolicy{p}); len(errs) > 0 {
		return QuoteResult{}, errs
	}

	switch p.PolicyType {
	case types.PolicyTypeFixed:
		return QuoteResult{Commission: p.Amount.Decimal.Round(2)}, nil

	case types.PolicyTypePercentage:
		c, capped := percentOf(amount, p.Percent.Decimal, p.UpperCap.Decimal)
		return QuoteResult{Commission: c, Capped: capped}, nil

	case types.PolicyTypeRange:
		for i, r := range p.Ranges {
			if !r.Active || amount.LessThan(r.Min.Decimal) || amount.GreaterThan(r.Max.Decimal) {
				continue
			}
			if r.CommissionType == types.CommissionTypeFixed {
				return QuoteResult{Commission: r.Amount.Decimal.Round(2), Range: i + 1}, nil
			}
			c, capped := percentOf(amount, r.Percent.Decimal, r.UpperCap.Decimal)
			return QuoteResult{Commission: c, Capped: capped, Range: i + 1}, nil
		}
		return QuoteResult{}, fmt.Errorf("%w: %s", types.ErrNoMatchingRange, amount)

	default:
		return QuoteResult{}, errors.New("policy type is not set")
	}
}

func percentOf(amount, percent, upperCap decimal.Decimal) (decimal.Decimal, bool) {
	c := amount.Mul(percent).Div(hundred).Round(2)
	if c.GreaterThan(upperCap) {
		return upperCap.Round(2), true
	}
	return c, false
}
