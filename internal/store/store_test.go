package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/commission"
	"github.com/solatis/crmrules/internal/core/db"
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
objects:
  - name: Lead
    label: Lead
    fields:
      - {name: Budget__c, label: Budget, type: CURRENCY}
      - {name: Name, label: Lead Name, type: string}
      - name: Status
        label: Status
        type: PICKLIST
        values:
          - {label: Open, value: open}
          - {label: Qualified, value: qualified}
  - name: Booking
    fields:
      - {name: Visit_Date__c, type: DATE}
`

type fixture struct {
	repo    *Repository
	catalog *FieldCatalog
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	conn, err := db.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "crm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.MigrateUp(ctx, conn))

	queries, err := db.LoadQueries(conn)
	require.NoError(t, err)

	catalog := NewFieldCatalog(conn, queries)
	defs, err := DecodeCatalog(strings.NewReader(catalogYAML))
	require.NoError(t, err)
	require.NoError(t, catalog.Import(ctx, defs))

	return fixture{repo: NewRepository(conn, queries, nil), catalog: catalog}
}

func dec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestFieldCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dt, err := f.catalog.ResolveFieldType(ctx, "Lead", "Name")
	require.NoError(t, err)
	assert.Equal(t, types.DataTypeString, dt, "type names are normalized on import")

	values, err := f.catalog.ResolveEnumValues(ctx, "Lead", "Status")
	require.NoError(t, err)
	assert.Equal(t, []types.EnumValue{{Label: "Open", Value: "open"}, {Label: "Qualified", Value: "qualified"}}, values)

	_, err = f.catalog.ResolveFieldType(ctx, "Lead", "Missing")
	assert.ErrorIs(t, err, types.ErrFieldNotFound)
	_, err = f.catalog.ResolveEnumValues(ctx, "Lead", "Missing")
	assert.ErrorIs(t, err, types.ErrFieldNotFound)

	values, err = f.catalog.ResolveEnumValues(ctx, "Lead", "Budget__c")
	require.NoError(t, err)
	assert.Empty(t, values)

	objects, err := f.catalog.ListObjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ObjectInfo{{Name: "Booking", Label: "Booking"}, {Name: "Lead", Label: "Lead"}}, objects)

	fields, err := f.catalog.ListFields(ctx, "Lead")
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, types.FieldInfo{Name: "Budget__c", Label: "Budget", DataType: types.DataTypeCurrency}, fields[0])
}

func TestFieldCatalog_ImportReplacesValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.catalog.Import(ctx, []ObjectDef{{
		Name: "Lead",
		Fields: []FieldDef{{Name: "Status", Type: "PICKLIST", Values: []types.EnumValue{{Label: "Won", Value: "won"}}}},
	}}))

	values, err := f.catalog.ResolveEnumValues(ctx, "Lead", "Status")
	require.NoError(t, err)
	assert.Equal(t, []types.EnumValue{{Label: "Won", Value: "won"}}, values)

	fields, err := f.catalog.ListFields(ctx, "Lead")
	require.NoError(t, err)
	assert.Len(t, fields, 3, "fields missing from the import are kept")
}

func TestFieldCatalog_ImportRejectsBadDefinitions(t *testing.T) {
	f := newFixture(t)

	err := f.catalog.Import(context.Background(), []ObjectDef{{
		Name: "Lead",
		Fields: []FieldDef{
			{Name: "Score", Type: "NUMBER"},
			{Name: "Budget__c", Type: "CURRENCY", Values: []types.EnumValue{{Label: "x", Value: "x"}}},
		},
	}})
	var verrs types.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, []string{
		`Object 1, Field 1: unknown type "NUMBER"`,
		"Object 1, Field 2: values are only allowed on picklist fields",
	}, verrs.Messages())
}

func TestDecodeCatalog_UnknownKey(t *testing.T) {
	_, err := DecodeCatalog(strings.NewReader("objects:\n  - name: Lead\n    colour: red\n"))
	assert.Error(t, err)
}

func TestRepository_RuleEditorRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := rules.NewRuleSetEditor("Lead", f.catalog)
	require.NoError(t, e.Load(ctx, f.repo))
	require.Len(t, e.Groups(), 1, "empty object seeds a blank group")

	require.NoError(t, e.SetGroupName(0, "Big budget"))
	require.NoError(t, e.SetGroupScore(0, dec("40")))
	require.NoError(t, e.SetConditionField(ctx, 0, 0, "Budget__c"))
	_, err := e.AddCondition(0)
	require.NoError(t, err)
	require.NoError(t, e.SetConditionField(ctx, 0, 1, "Status"))
	e.Wait()
	require.NoError(t, e.SetOperator(0, 0, rules.OpBetweenAmount))
	require.NoError(t, e.SetValue(0, 0, "100000 AND 500000"))
	require.NoError(t, e.SetOperator(0, 1, rules.OpEquals))
	require.NoError(t, e.SetValue(0, 1, "qualified"))

	ack, err := e.Submit(ctx, f.repo)
	require.NoError(t, err)
	require.Len(t, ack.Groups, 1)
	require.Len(t, ack.Groups[0].Conditions, 2)

	reloaded := rules.NewRuleSetEditor("Lead", f.catalog)
	require.NoError(t, reloaded.Load(ctx, f.repo))
	groups := reloaded.Groups()
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, ack.Groups[0].GroupID, g.ID)
	assert.Equal(t, "Big budget", g.Name)
	require.Len(t, g.Conditions, 2)
	assert.Equal(t, "100000 AND 500000", g.Conditions[0].Value)
	assert.Equal(t, types.DataTypePicklist, g.Conditions[1].DataType)
	assert.Len(t, g.Conditions[1].EnumValues, 2)
	assert.Empty(t, reloaded.Validate())

	// Remove the picklist row and the whole group in two submits
	require.NoError(t, reloaded.RemoveCondition(0, 1))
	_, err = reloaded.Submit(ctx, f.repo)
	require.NoError(t, err)
	loaded, err := f.repo.LoadRules(ctx, "Lead")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Len(t, loaded[0].Conditions, 1)

	payload := rules.RulePayload{DeletedGroupIDs: []types.GroupID{g.ID}}
	_, err = f.repo.PersistRules(ctx, "Lead", payload)
	require.NoError(t, err)
	loaded, err = f.repo.LoadRules(ctx, "Lead")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRepository_PersistRulesRejectsForeignIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group := &types.RuleGroup{
		Name: "Dated", Score: dec("10"), Combinator: types.CombinatorAll,
		Conditions: []*types.ConditionRow{{Field: "Visit_Date__c", DataType: types.DataTypeDate, Operator: rules.OpGreaterThan, Value: "2024-01-01"}},
	}
	ack, err := f.repo.PersistRules(ctx, "Booking", rules.BuildPayload([]*types.RuleGroup{group}, nil, nil))
	require.NoError(t, err)

	stolen := group.Clone()
	stolen.ID = ack.Groups[0].GroupID
	stolen.Name = "Hijacked"
	fresh := &types.RuleGroup{Name: "Fresh", Score: dec("5"), Combinator: types.CombinatorAny}

	_, err = f.repo.PersistRules(ctx, "Lead", rules.BuildPayload([]*types.RuleGroup{fresh, stolen}, nil, nil))
	require.ErrorIs(t, err, ErrForeignRecord)

	lead, err := f.repo.LoadRules(ctx, "Lead")
	require.NoError(t, err)
	assert.Empty(t, lead, "failed persist is rolled back")

	booking, err := f.repo.LoadRules(ctx, "Booking")
	require.NoError(t, err)
	require.Len(t, booking, 1)
	assert.Equal(t, "Dated", booking[0].Name)
}

func TestRepository_PersistRulesTooManyGroups(t *testing.T) {
	f := newFixture(t)
	payload := rules.RulePayload{Groups: make([]rules.GroupPayload, types.MaxGroupsPerObject+1)}
	_, err := f.repo.PersistRules(context.Background(), "Lead", payload)
	assert.ErrorIs(t, err, types.ErrTooManyRows)
}

func TestRepository_LoadRulesMalformedBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repo.db.Exec(
		"INSERT INTO rule_groups (group_id, object_name, serial, body, updated_at) VALUES ('g1', 'Lead', 1, '{\"v\":9,\"kind\":\"rule_group\",\"body\":{}}', CURRENT_TIMESTAMP)")
	require.NoError(t, err)

	_, err = f.repo.LoadRules(ctx, "Lead")
	var rerr *types.ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, types.ErrUnsupportedVersion)
}

func TestRepository_PolicyEditorRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := commission.NewPolicyEditor("project-1")
	require.NoError(t, e.Load(ctx, f.repo))
	assert.Empty(t, e.Policies())

	_, err := e.AddPolicy()
	require.NoError(t, err)
	require.NoError(t, e.SetName(0, "Flat"))
	require.NoError(t, e.SetPolicyType(0, types.PolicyTypeFixed))
	require.NoError(t, e.SetAmount(0, dec("500")))
	require.NoError(t, e.SetActive(0, true))

	_, err = e.AddPolicy()
	require.NoError(t, err)
	require.NoError(t, e.SetName(1, "Tiered"))
	require.NoError(t, e.SetPolicyType(1, types.PolicyTypeRange))
	require.NoError(t, e.SetRangeBounds(1, 0, dec("0"), dec("100000")))
	require.NoError(t, e.SetRangeType(1, 0, types.CommissionTypePercentage))
	require.NoError(t, e.SetRangePercent(1, 0, dec("1.5"), dec("1000")))

	ack, err := e.Submit(ctx, f.repo)
	require.NoError(t, err)
	require.Len(t, ack.Policies, 2)

	// Move activation from one fixed policy to another in a single submit
	reloaded := commission.NewPolicyEditor("project-1")
	require.NoError(t, reloaded.Load(ctx, f.repo))
	require.Len(t, reloaded.Policies(), 2)
	require.NoError(t, reloaded.SetActive(0, false))
	_, err = reloaded.AddPolicy()
	require.NoError(t, err)
	require.NoError(t, reloaded.SetPolicyType(2, types.PolicyTypeFixed))
	require.NoError(t, reloaded.SetAmount(2, dec("750")))
	require.NoError(t, reloaded.SetActive(2, true))
	_, err = reloaded.Submit(ctx, f.repo)
	require.NoError(t, err)

	policies, err := f.repo.LoadPolicies(ctx, "project-1")
	require.NoError(t, err)
	require.Len(t, policies, 3)
	assert.False(t, policies[0].Active)
	assert.True(t, policies[2].Active)
	assert.Equal(t, "1.5", policies[1].Ranges[0].Percent.Decimal.String())

	quote, err := commission.Quote(policies[2], decimal.NewFromInt(200000))
	require.NoError(t, err)
	assert.Equal(t, "750", quote.Commission.String())
}

func TestRepository_OneActivePolicyPerType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := &types.CommissionPolicy{PolicyType: types.PolicyTypeFixed, Active: true, Amount: dec("1")}
	second := &types.CommissionPolicy{PolicyType: types.PolicyTypeFixed, Active: true, Amount: dec("2")}
	payload, err := commission.BuildPayload([]*types.CommissionPolicy{first, second}, nil)
	require.NoError(t, err)

	_, err = f.repo.PersistPolicies(ctx, "project-1", payload)
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "unique")

	policies, err := f.repo.LoadPolicies(ctx, "project-1")
	require.NoError(t, err)
	assert.Empty(t, policies)
}

func TestRepository_PolicyScopesAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := &types.CommissionPolicy{PolicyType: types.PolicyTypeFixed, Amount: dec("1")}
	payload, err := commission.BuildPayload([]*types.CommissionPolicy{p}, nil)
	require.NoError(t, err)
	ack, err := f.repo.PersistPolicies(ctx, "project-1", payload)
	require.NoError(t, err)

	p.ID = ack.Policies[0].PolicyID
	payload, err = commission.BuildPayload([]*types.CommissionPolicy{p}, nil)
	require.NoError(t, err)
	_, err = f.repo.PersistPolicies(ctx, "project-2", payload)
	assert.True(t, errors.Is(err, ErrForeignRecord), "err = %v", err)

	_, err = f.repo.PersistPolicies(ctx, "project-2", commission.PolicyPayload{DeletedPolicyIDs: []types.PolicyID{p.ID}})
	assert.ErrorIs(t, err, ErrForeignRecord)
	policies, err := f.repo.LoadPolicies(ctx, "project-1")
	require.NoError(t, err)
	assert.Len(t, policies, 1)

	// An id that no longer exists anywhere is already deleted
	_, err = f.repo.PersistPolicies(ctx, "project-1", commission.PolicyPayload{DeletedPolicyIDs: []types.PolicyID{types.NewPolicyID()}})
	assert.NoError(t, err)
}

func TestRepository_UnsubmittedPoliciesKeepActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fixed := &types.CommissionPolicy{PolicyType: types.PolicyTypeFixed, Active: true, Amount: dec("100")}
	pct := &types.CommissionPolicy{PolicyType: types.PolicyTypePercentage, Active: true, Percent: dec("2"), UpperCap: dec("500")}
	payload, err := commission.BuildPayload([]*types.CommissionPolicy{fixed, pct}, nil)
	require.NoError(t, err)
	ack, err := f.repo.PersistPolicies(ctx, "project-1", payload)
	require.NoError(t, err)

	// Resubmit only the percentage policy
	pct.ID = ack.Policies[1].PolicyID
	pct.Percent = dec("3")
	payload, err = commission.BuildPayload([]*types.CommissionPolicy{pct}, nil)
	require.NoError(t, err)
	_, err = f.repo.PersistPolicies(ctx, "project-1", payload)
	require.NoError(t, err)

	// The untouched fixed policy still holds the one active slot
	another := &types.CommissionPolicy{PolicyType: types.PolicyTypeFixed, Active: true, Amount: dec("200")}
	payload, err = commission.BuildPayload([]*types.CommissionPolicy{another}, nil)
	require.NoError(t, err)
	_, err = f.repo.PersistPolicies(ctx, "project-1", payload)
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "unique")

	policies, err := f.repo.LoadPolicies(ctx, "project-1")
	require.NoError(t, err)
	require.Len(t, policies, 2)
	byType := make(map[types.PolicyType]*types.CommissionPolicy)
	for _, p := range policies {
		byType[p.PolicyType] = p
	}
	assert.True(t, byType[types.PolicyTypeFixed].Active)
	assert.Equal(t, "3", byType[types.PolicyTypePercentage].Percent.Decimal.String())
}

func TestRepository_DeleteRulesOfAnotherObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group := &types.RuleGroup{
		Name: "Dated", Score: dec("10"), Combinator: types.CombinatorAll,
		Conditions: []*types.ConditionRow{{Field: "Visit_Date__c", DataType: types.DataTypeDate, Operator: rules.OpGreaterThan, Value: "2024-01-01"}},
	}
	ack, err := f.repo.PersistRules(ctx, "Booking", rules.BuildPayload([]*types.RuleGroup{group}, nil, nil))
	require.NoError(t, err)
	groupID := ack.Groups[0].GroupID
	conditionID := ack.Groups[0].Conditions[0].ConditionID

	tests := []struct {
		name    string
		payload rules.RulePayload
		wantErr error
	}{
		{"foreign criteria", rules.RulePayload{DeletedGroupIDs: []types.GroupID{groupID}}, ErrForeignRecord},
		{"foreign condition", rules.RulePayload{DeletedConditionIDs: []types.ConditionID{conditionID}}, ErrForeignRecord},
		{"unknown criteria", rules.RulePayload{DeletedGroupIDs: []types.GroupID{types.NewGroupID()}}, nil},
		{"unknown condition", rules.RulePayload{DeletedConditionIDs: []types.ConditionID{types.NewConditionID()}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.repo.PersistRules(ctx, "Lead", tt.payload)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	booking, err := f.repo.LoadRules(ctx, "Booking")
	require.NoError(t, err)
	require.Len(t, booking, 1)
	assert.Len(t, booking[0].Conditions, 1)
}
