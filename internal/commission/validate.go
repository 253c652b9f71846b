// Package commission implements the commission policy builder: an edit
// session over a scope's policies, their validation and payload, and quoting
// a sale amount against a policy.
package commission

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/types"
)

/*
 * Policy validation.
 *
 * ValidatePolicies reports every violation in one pass. Checks per policy:
 *
 *   active  -> policy type set, and no earlier active policy of that type.
 *              The first active policy wins; later ones are rejected, never
 *              silently demoted.
 *   fixed   -> amount present and not negative.
 *   percent -> percent in [MinPercent, MaxPercent], upper cap present.
 *   range   -> at least one range; each range complete with Min < Max and
 *              Min above the previous range's Max, and its own sub-rule
 *              fields present.
 */

// Percent bounds, inclusive.
var (
	MinPercent = decimal.RequireFromString("0.1")
	MaxPercent = decimal.NewFromInt(100)
)

// PolicyPath names policy i (0-based) in messages.
func PolicyPath(i int) string {
	return fmt.Sprintf("Policy %d", i+1)
}

// RangePath names range j of policy i (both 0-based) in messages.
func RangePath(i, j int) string {
	return fmt.Sprintf("Policy %d, Range %d", i+1, j+1)
}

// ValidatePolicies validates a scope's ordered policy list.
func ValidatePolicies(policies []*types.CommissionPolicy) types.ValidationErrors {
	var errs types.ValidationErrors

	if len(policies) > types.MaxPoliciesPerScope {
		errs.Add("", "At most %d policies are allowed", types.MaxPoliciesPerScope)
	}

	firstActive := make(map[types.PolicyType]int)
	for i, p := range policies {
		path := PolicyPath(i)

		if p.Active {
			if p.PolicyType == types.PolicyTypeUnset {
				errs.Add(path, "Policy Type is required for an active policy")
			} else if prev, ok := firstActive[p.PolicyType]; ok {
				errs.Add(path, "Only one active %s policy is allowed; %s is already active", p.PolicyType, PolicyPath(prev))
			} else {
				firstActive[p.PolicyType] = i
			}
		}

		switch p.PolicyType {
		case types.PolicyTypeFixed:
			validateAmount(&errs, path, p.Amount)
		case types.PolicyTypePercentage:
			validatePercent(&errs, path, p.Percent, p.UpperCap)
		case types.PolicyTypeRange:
			validateRanges(&errs, i, p.Ranges)
		}
	}

	return errs
}

func validateRanges(errs *types.ValidationErrors, i int, ranges []*types.RangeRule) {
	if len(ranges) == 0 {
		errs.Add(PolicyPath(i), "At least one range is required")
		return
	}
	if len(ranges) > types.MaxRangesPerPolicy {
		errs.Add(PolicyPath(i), "At most %d ranges are allowed", types.MaxRangesPerPolicy)
	}

	for j, r := range ranges {
		path := RangePath(i, j)

		if !r.Complete() {
			errs.Add(path, "Min and Max are required")
		} else {
			if r.Min.Decimal.IsNegative() {
				errs.Add(path, "Min must not be negative")
			}
			if !r.Max.Decimal.GreaterThan(r.Min.Decimal) {
				errs.Add(path, "Max (%s) must be greater than Min (%s)", r.Max.Decimal, r.Min.Decimal)
			}
		}
		if j > 0 {
			prev := ranges[j-1]
			if prev.Max.Valid && r.Min.Valid && !r.Min.Decimal.GreaterThan(prev.Max.Decimal) {
				errs.Add(path, "Min (%s) must be greater than the previous range's Max (%s)", r.Min.Decimal, prev.Max.Decimal)
			}
		}

		switch r.CommissionType {
		case types.CommissionTypeFixed:
			validateAmount(errs, path, r.Amount)
		case types.CommissionTypePercentage:
			validatePercent(errs, path, r.Percent, r.UpperCap)
		default:
			errs.Add(path, "Commission Type is required")
		}
	}
}

func validateAmount(errs *types.ValidationErrors, path string, amount decimal.NullDecimal) {
	switch {
	case !amount.Valid:
		errs.Add(path, "Amount is required")
	case amount.Decimal.IsNegative():
		errs.Add(path, "Amount must not be negative")
	}
}

func validatePercent(errs *types.ValidationErrors, path string, percent, upperCap decimal.NullDecimal) {
	switch {
	case !percent.Valid:
		errs.Add(path, "Percent is required")
	case percent.Decimal.LessThan(MinPercent) || percent.Decimal.GreaterThan(MaxPercent):
		errs.Add(path, "Percent must be between %s and %s", MinPercent, MaxPercent)
	}
	switch {
	case !upperCap.Valid:
		errs.Add(path, "Upper Cap is required")
	case upperCap.Decimal.IsNegative():
		errs.Add(path, "Upper Cap must not be negative")
	}
}
