// internal/types/records.go
package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

/*
 * Editable domain records.
 *
 * RuleGroup/ConditionRow back the scoring criteria builder and
 * CommissionPolicy/RangeRule back the commission policy builder. Both are
 * created blank by an editor or decoded from persisted blobs by
 * internal/codec, mutated in place during an edit session, and flattened
 * into payloads on submit.
 *
 * Extra carries body keys this version does not understand. The codec
 * re-emits them unchanged so parse -> edit -> serialize never drops data.
 */

// ResolveState tracks asynchronous field-type resolution for a row.
type ResolveState int

const (
	ResolveNone ResolveState = iota // no field selected
	ResolvePending
	ResolveDone
	ResolveFailed // row has no operators until the field is reselected
)

// RowState is the condition row's position in the edit state machine.
// Changing a field always returns the row to FieldSet or New.
type RowState int

const (
	RowNew RowState = iota
	RowFieldSet
	RowOperatorSet
	RowValueSet
)

func (s RowState) String() string {
	switch s {
	case RowFieldSet:
		return "FIELD_SET"
	case RowOperatorSet:
		return "OPERATOR_SET"
	case RowValueSet:
		return "VALUE_SET"
	default:
		return "NEW"
	}
}

// ConditionRow is one field/operator/value comparison within a group.
type ConditionRow struct {
	ID       ConditionID
	RowID    RowID
	Serial   int // 1-based position, rewritten on every reindex
	Field    string
	DataType DataType
	Resolve  ResolveState
	Operator string
	Value    string // scalar mode
	From     string // range mode
	To       string // range mode
	// RangeMode is set when Operator is between on a DATE/DATETIME row.
	RangeMode  bool
	EnumValues []EnumValue
	Extra      map[string]json.RawMessage
}

// State derives the row's state machine position.
func (c *ConditionRow) State() RowState {
	switch {
	case c.Field == "":
		return RowNew
	case c.Operator == "":
		return RowFieldSet
	case c.RangeMode && (c.From != "" || c.To != ""):
		return RowValueSet
	case !c.RangeMode && c.Value != "":
		return RowValueSet
	default:
		return RowOperatorSet
	}
}

// Clone returns a deep copy safe to hand outside an editor's lock.
func (c *ConditionRow) Clone() *ConditionRow {
	out := *c
	if c.EnumValues != nil {
		out.EnumValues = append([]EnumValue(nil), c.EnumValues...)
	}
	out.Extra = cloneExtra(c.Extra)
	return &out
}

// RuleGroup is a named, scored bundle of conditions ("criteria").
type RuleGroup struct {
	ID         GroupID
	RowID      RowID
	Serial     int
	Name       string
	Score      decimal.NullDecimal
	Combinator Combinator
	Expression string // only meaningful when Combinator is CUSTOM
	Conditions []*ConditionRow
	Extra      map[string]json.RawMessage
}

// Persisted reports whether the group carries a server identity.
func (g *RuleGroup) Persisted() bool { return g.ID != "" }

// Clone returns a deep copy including conditions.
func (g *RuleGroup) Clone() *RuleGroup {
	out := *g
	out.Conditions = make([]*ConditionRow, len(g.Conditions))
	for i, c := range g.Conditions {
		out.Conditions[i] = c.Clone()
	}
	out.Extra = cloneExtra(g.Extra)
	return &out
}

// RangeRule is one numeric bracket inside a range commission policy.
// Bounds are inclusive: an amount matches when Min <= amount <= Max.
type RangeRule struct {
	RowID          RowID
	Min            decimal.NullDecimal
	Max            decimal.NullDecimal
	CommissionType CommissionType
	Amount         decimal.NullDecimal
	Percent        decimal.NullDecimal
	UpperCap       decimal.NullDecimal
	Active         bool
	Extra          map[string]json.RawMessage
}

// Complete reports whether both bounds are set.
func (r *RangeRule) Complete() bool { return r.Min.Valid && r.Max.Valid }

// Clone returns a deep copy.
func (r *RangeRule) Clone() *RangeRule {
	out := *r
	out.Extra = cloneExtra(r.Extra)
	return &out
}

// CommissionPolicy defines how commission is computed for a scope.
type CommissionPolicy struct {
	ID         PolicyID
	RowID      RowID
	Serial     int
	Name       string
	PolicyType PolicyType
	Active     bool
	Amount     decimal.NullDecimal // fixed
	Percent    decimal.NullDecimal // percentage
	UpperCap   decimal.NullDecimal // percentage
	Ranges     []*RangeRule        // range
	Extra      map[string]json.RawMessage
}

// Persisted reports whether the policy carries a server identity.
func (p *CommissionPolicy) Persisted() bool { return p.ID != "" }

// Clone returns a deep copy including ranges.
func (p *CommissionPolicy) Clone() *CommissionPolicy {
	out := *p
	if p.Ranges != nil {
		out.Ranges = make([]*RangeRule, len(p.Ranges))
		for i, r := range p.Ranges {
			out.Ranges[i] = r.Clone()
		}
	}
	out.Extra = cloneExtra(p.Extra)
	return &out
}

func cloneExtra(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
