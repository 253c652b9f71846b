package codec

import (
	"encoding/json"
	"fmt"

	"github.com/solatis/crmrules/internal/types"
)

// EncodeGroup serializes a group's own fields. Conditions are stored as
// separate records and are not part of the blob.
func EncodeGroup(g *types.RuleGroup) ([]byte, error) {
	b := newBody(g.Extra)
	if err := b.putAll(
		"name", g.Name,
		"score", g.Score,
		"combinator", g.Combinator,
		"expression", g.Expression,
	); err != nil {
		return nil, err
	}
	return seal(KindRuleGroup, b)
}

// DecodeGroup parses a rule_group blob. The legacy combinator spelling
// "Custom" is accepted.
func DecodeGroup(data []byte) (*types.RuleGroup, error) {
	env, err := open(data, KindRuleGroup)
	if err != nil {
		return nil, err
	}
	f, err := splitBody(KindRuleGroup, env.Body)
	if err != nil {
		return nil, err
	}

	g := &types.RuleGroup{}
	var combinator string
	f.take("name", &g.Name)
	f.take("score", &g.Score)
	f.take("combinator", &combinator)
	f.take("expression", &g.Expression)
	if f.err != nil {
		return nil, f.err
	}

	c, ok := types.ParseCombinator(combinator)
	if !ok {
		return nil, malformed(KindRuleGroup, "unknown combinator %q", combinator)
	}
	g.Combinator = c
	g.Extra = f.rest()
	return g, nil
}

// EncodeCondition serializes one condition row.
func EncodeCondition(c *types.ConditionRow) ([]byte, error) {
	b := newBody(c.Extra)
	if err := b.putAll(
		"field", c.Field,
		"dataType", c.DataType,
		"operator", c.Operator,
		"value", c.Value,
	); err != nil {
		return nil, err
	}
	if c.RangeMode {
		if err := b.putAll("rangeMode", true, "from", c.From, "to", c.To); err != nil {
			return nil, err
		}
	}
	return seal(KindCondition, b)
}

// DecodeCondition parses a condition blob. Rows with a known data type are
// marked resolved; the editor re-resolves them on load regardless.
func DecodeCondition(data []byte) (*types.ConditionRow, error) {
	env, err := open(data, KindCondition)
	if err != nil {
		return nil, err
	}
	f, err := splitBody(KindCondition, env.Body)
	if err != nil {
		return nil, err
	}

	c := &types.ConditionRow{}
	var dataType string
	f.take("field", &c.Field)
	f.take("dataType", &dataType)
	f.take("operator", &c.Operator)
	f.take("value", &c.Value)
	f.take("rangeMode", &c.RangeMode)
	f.take("from", &c.From)
	f.take("to", &c.To)
	if f.err != nil {
		return nil, f.err
	}

	if dataType != "" {
		dt, ok := types.ParseDataType(dataType)
		if !ok {
			return nil, malformed(KindCondition, "unknown data type %q", dataType)
		}
		c.DataType = dt
		c.Resolve = types.ResolveDone
	}
	c.Extra = f.rest()
	return c, nil
}

// EncodePolicy serializes a commission policy including its ranges.
func EncodePolicy(p *types.CommissionPolicy) ([]byte, error) {
	b := newBody(p.Extra)
	if err := b.putAll(
		"name", p.Name,
		"policyType", p.PolicyType,
		"active", p.Active,
	); err != nil {
		return nil, err
	}
	if err := b.putAll(
		"amount", p.Amount,
		"percent", p.Percent,
		"upperCap", p.UpperCap,
	); err != nil {
		return nil, err
	}
	if p.PolicyType == types.PolicyTypeRange || len(p.Ranges) > 0 {
		ranges := make([]json.RawMessage, 0, len(p.Ranges))
		for _, r := range p.Ranges {
			raw, err := encodeRange(r)
			if err != nil {
				return nil, err
			}
			ranges = append(ranges, raw)
		}
		if err := b.put("ranges", ranges); err != nil {
			return nil, err
		}
	}
	return seal(KindCommissionPolicy, b)
}

func encodeRange(r *types.RangeRule) (json.RawMessage, error) {
	b := newBody(r.Extra)
	if err := b.putAll(
		"min", r.Min,
		"max", r.Max,
		"commissionType", r.CommissionType,
		"active", r.Active,
		"amount", r.Amount,
		"percent", r.Percent,
		"upperCap", r.UpperCap,
	); err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

// DecodePolicy parses a commission_policy blob.
func DecodePolicy(data []byte) (*types.CommissionPolicy, error) {
	env, err := open(data, KindCommissionPolicy)
	if err != nil {
		return nil, err
	}
	f, err := splitBody(KindCommissionPolicy, env.Body)
	if err != nil {
		return nil, err
	}

	p := &types.CommissionPolicy{}
	var policyType string
	var ranges []json.RawMessage
	f.take("name", &p.Name)
	f.take("policyType", &policyType)
	f.take("active", &p.Active)
	f.take("amount", &p.Amount)
	f.take("percent", &p.Percent)
	f.take("upperCap", &p.UpperCap)
	f.take("ranges", &ranges)
	if f.err != nil {
		return nil, f.err
	}

	if policyType != "" {
		pt, ok := types.ParsePolicyType(policyType)
		if !ok {
			return nil, malformed(KindCommissionPolicy, "unknown policy type %q", policyType)
		}
		p.PolicyType = pt
	}

	for i, raw := range ranges {
		r, err := decodeRange(i, raw)
		if err != nil {
			return nil, err
		}
		p.Ranges = append(p.Ranges, r)
	}
	p.Extra = f.rest()
	return p, nil
}

func decodeRange(i int, raw json.RawMessage) (*types.RangeRule, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, malformed(KindCommissionPolicy, "range %d is not an object: %v", i+1, err)
	}
	f := &fields{kind: KindCommissionPolicy, prefix: fmt.Sprintf("range %d ", i+1), m: m}

	r := &types.RangeRule{RowID: types.NewRowID()}
	var commissionType string
	f.take("min", &r.Min)
	f.take("max", &r.Max)
	f.take("commissionType", &commissionType)
	f.take("active", &r.Active)
	f.take("amount", &r.Amount)
	f.take("percent", &r.Percent)
	f.take("upperCap", &r.UpperCap)
	if f.err != nil {
		return nil, f.err
	}

	if commissionType != "" {
		ct, ok := types.ParseCommissionType(commissionType)
		if !ok {
			return nil, malformed(KindCommissionPolicy, "range %d: unknown commission type %q", i+1, commissionType)
		}
		r.CommissionType = ct
	}
	r.Extra = f.rest()
	return r, nil
}
