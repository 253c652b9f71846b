package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/types"
)

// RulePayload is the serializable result of a rule edit session.
// The backing store has no delete-on-absence semantics, so removed
// persisted rows are listed explicitly.
type RulePayload struct {
	Groups              []GroupPayload      `json:"groups"`
	DeletedGroupIDs     []types.GroupID     `json:"deletedGroupIds"`
	DeletedConditionIDs []types.ConditionID `json:"deletedConditionIds"`
}

// GroupPayload is one rule group with its conditions in display order.
type GroupPayload struct {
	CriteriaID types.GroupID       `json:"criteriaId,omitempty"`
	RowID      types.RowID         `json:"rowId"`
	Serial     int                 `json:"serial"`
	IsExisting bool                `json:"isExisting"`
	Name       string              `json:"criteriaName"`
	Score      decimal.NullDecimal `json:"score"`
	Combinator types.Combinator    `json:"conditionCriteria"`
	// Logic is empty unless Combinator is CUSTOM.
	Logic      string                     `json:"conditionLogic,omitempty"`
	Conditions []ConditionPayload         `json:"conditions"`
	Extra      map[string]json.RawMessage `json:"extra,omitempty"`
}

// ConditionPayload is one condition row. Range rows carry both the from/to
// pair and the scalar "from AND to" form.
type ConditionPayload struct {
	ConditionID types.ConditionID          `json:"conditionId,omitempty"`
	RowID       types.RowID                `json:"rowId"`
	Serial      int                        `json:"serial"`
	Field       string                     `json:"field"`
	DataType    types.DataType             `json:"dataType"`
	Operator    string                     `json:"operator"`
	Value       string                     `json:"value"`
	FromValue   string                     `json:"fromValue,omitempty"`
	ToValue     string                     `json:"toValue,omitempty"`
	Extra       map[string]json.RawMessage `json:"extra,omitempty"`
}

// RuleAck maps the session's row identities to the ids the store assigned.
type RuleAck struct {
	Groups []GroupAck `json:"groups"`
}

// GroupAck is the identity assignment for one group and its conditions.
type GroupAck struct {
	RowID      types.RowID    `json:"rowId"`
	GroupID    types.GroupID  `json:"criteriaId"`
	Conditions []ConditionAck `json:"conditions"`
}

// ConditionAck is the identity assignment for one condition.
type ConditionAck struct {
	RowID       types.RowID       `json:"rowId"`
	ConditionID types.ConditionID `json:"conditionId"`
}

// RuleStore loads and persists the rule set of a scoring object.
// Implemented by store.Repository and client.Client.
type RuleStore interface {
	LoadRules(ctx context.Context, object string) ([]*types.RuleGroup, error)
	PersistRules(ctx context.Context, object string, payload RulePayload) (RuleAck, error)
}

// BuildPayload flattens groups into a payload with 1-based serials.
func BuildPayload(groups []*types.RuleGroup, deletedGroups []types.GroupID, deletedConditions []types.ConditionID) RulePayload {
	p := RulePayload{
		Groups:              make([]GroupPayload, 0, len(groups)),
		DeletedGroupIDs:     append([]types.GroupID{}, deletedGroups...),
		DeletedConditionIDs: append([]types.ConditionID{}, deletedConditions...),
	}

	for i, g := range groups {
		gp := GroupPayload{
			CriteriaID: g.ID,
			RowID:      g.RowID,
			Serial:     i + 1,
			IsExisting: g.Persisted(),
			Name:       g.Name,
			Score:      g.Score,
			Combinator: g.Combinator,
			Conditions: make([]ConditionPayload, 0, len(g.Conditions)),
			Extra:      g.Extra,
		}
		if g.Combinator == types.CombinatorCustom {
			gp.Logic = g.Expression
		}

		for j, c := range g.Conditions {
			cp := ConditionPayload{
				ConditionID: c.ID,
				RowID:       c.RowID,
				Serial:      j + 1,
				Field:       c.Field,
				DataType:    c.DataType,
				Operator:    c.Operator,
				Value:       c.Value,
				Extra:       c.Extra,
			}
			if c.RangeMode {
				cp.FromValue = c.From
				cp.ToValue = c.To
				cp.Value = JoinRange(c.From, c.To)
			}
			gp.Conditions = append(gp.Conditions, cp)
		}
		p.Groups = append(p.Groups, gp)
	}
	return p
}

// GroupsFromPayload rebuilds records from a payload received over the wire.
// Range mode is derived from operator and data type; a range row sent with
// only the scalar form is split.
func GroupsFromPayload(p RulePayload) ([]*types.RuleGroup, error) {
	if len(p.Groups) > types.MaxGroupsPerObject {
		return nil, fmt.Errorf("%w: %d criteria (max %d)", types.ErrTooManyRows, len(p.Groups), types.MaxGroupsPerObject)
	}

	groups := make([]*types.RuleGroup, 0, len(p.Groups))
	for i, gp := range p.Groups {
		if len(gp.Conditions) > types.MaxConditionsPerGroup {
			return nil, fmt.Errorf("%w: %s has %d conditions (max %d)",
				types.ErrTooManyRows, GroupPath(i), len(gp.Conditions), types.MaxConditionsPerGroup)
		}

		g := &types.RuleGroup{
			ID:         gp.CriteriaID,
			RowID:      gp.RowID,
			Serial:     i + 1,
			Name:       gp.Name,
			Score:      gp.Score,
			Combinator: gp.Combinator,
			Expression: gp.Logic,
			Extra:      gp.Extra,
		}
		if c, ok := types.ParseCombinator(string(gp.Combinator)); ok {
			g.Combinator = c
		}
		if g.RowID == "" {
			g.RowID = types.NewRowID()
		}

		for j, cp := range gp.Conditions {
			c := &types.ConditionRow{
				ID:       cp.ConditionID,
				RowID:    cp.RowID,
				Serial:   j + 1,
				Field:    cp.Field,
				DataType: cp.DataType,
				Operator: cp.Operator,
				Value:    cp.Value,
				Extra:    cp.Extra,
			}
			if c.RowID == "" {
				c.RowID = types.NewRowID()
			}
			if c.Field != "" {
				c.Resolve = types.ResolveDone
			}
			applyRangeMode(c, cp.FromValue, cp.ToValue)
			g.Conditions = append(g.Conditions, c)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// applyRangeMode switches a loaded row into range mode when its operator
// and type call for it, taking explicit bounds or splitting the scalar.
func applyRangeMode(c *types.ConditionRow, from, to string) {
	if !IsBetween(c.Operator) || !SupportsRange(c.DataType) {
		return
	}
	if from == "" && to == "" {
		var ok bool
		if from, to, ok = SplitRange(c.Value); !ok {
			from = c.Value
		}
	}
	c.RangeMode = true
	c.From, c.To = from, to
	c.Value = ""
}
