package rules

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/solatis/crmrules/internal/types"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeResolver serves a fixed catalog. Fields listed in gates block until
// their channel is closed.
type fakeResolver struct {
	mu     sync.Mutex
	fields map[string]types.DataType
	enums  map[string][]types.EnumValue
	gates  map[string]chan struct{}
	calls  map[string]int
	// enumErr, when set, fails every picklist value lookup
	enumErr error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		fields: map[string]types.DataType{
			"Budget__c":     types.DataTypeCurrency,
			"Stage__c":      types.DataTypePicklist,
			"Visit_Date__c": types.DataTypeDate,
			"Email":         types.DataTypeEmail,
			"Active__c":     types.DataTypeBoolean,
		},
		enums: map[string][]types.EnumValue{
			"Stage__c": {{Label: "Hot", Value: "Hot"}, {Label: "Cold", Value: "Cold"}},
		},
		gates: make(map[string]chan struct{}),
		calls: make(map[string]int),
	}
}

func (f *fakeResolver) gate(field string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[field] = ch
	return ch
}

func (f *fakeResolver) ResolveFieldType(ctx context.Context, object, field string) (types.DataType, error) {
	f.mu.Lock()
	f.calls[field]++
	gate := f.gates[field]
	dt, ok := f.fields[field]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if !ok {
		return "", types.ErrFieldNotFound
	}
	return dt, nil
}

func (f *fakeResolver) ResolveEnumValues(ctx context.Context, object, field string) ([]types.EnumValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enumErr != nil {
		return nil, f.enumErr
	}
	return f.enums[field], nil
}

func newTestEditor(t *testing.T) (*RuleSetEditor, *fakeResolver) {
	t.Helper()
	r := newFakeResolver()
	e := NewRuleSetEditor("Lead", r)
	e.AddGroup()
	t.Cleanup(e.Wait)
	return e, r
}

func setField(t *testing.T, e *RuleSetEditor, g, c int, field string) {
	t.Helper()
	if err := e.SetConditionField(context.Background(), g, c, field); err != nil {
		t.Fatalf("SetConditionField(%q) error = %v", field, err)
	}
	e.Wait()
}

func containsMessage(errs types.ValidationErrors, want string) bool {
	for _, msg := range errs.Messages() {
		if msg == want {
			return true
		}
	}
	return false
}

func TestEditor_AddGroupSeedsCondition(t *testing.T) {
	e, _ := newTestEditor(t)
	second := e.AddGroup()

	groups := e.Groups()
	if len(groups) != 2 {
		t.Fatalf("len(Groups()) = %d, want 2", len(groups))
	}
	for i, g := range groups {
		if g.Serial != i+1 {
			t.Errorf("group %d Serial = %d, want %d", i, g.Serial, i+1)
		}
		if len(g.Conditions) != 1 || g.Conditions[0].State() != types.RowNew {
			t.Errorf("group %d conditions = %+v, want one NEW row", i, g.Conditions)
		}
		if g.Combinator != types.CombinatorAll {
			t.Errorf("group %d Combinator = %s, want ALL", i, g.Combinator)
		}
	}
	if e.LastGroup() != second {
		t.Errorf("LastGroup() = %s, want %s", e.LastGroup(), second)
	}
}

func TestEditor_PicklistOperators(t *testing.T) {
	e, _ := newTestEditor(t)
	setField(t, e, 0, 0, "Stage__c")

	ops, err := e.Operators(0, 0)
	if err != nil {
		t.Fatalf("Operators() error = %v", err)
	}
	var values []string
	for _, op := range ops {
		values = append(values, op.Value)
	}
	if len(values) != 3 || values[0] != OpEquals || values[1] != OpNotEquals || values[2] != OpIsNull {
		t.Errorf("Operators() = %v, want [= != IS_NULL]", values)
	}

	if err := e.SetOperator(0, 0, OpContains); !errors.Is(err, types.ErrInvalidOperator) {
		t.Errorf("SetOperator(LIKE) error = %v, want ErrInvalidOperator", err)
	}
	row, _ := e.Condition(0, 0)
	if row.Operator != "" {
		t.Errorf("Operator = %q after rejected SetOperator, want empty", row.Operator)
	}
	if len(row.EnumValues) != 2 {
		t.Errorf("EnumValues = %v, want 2 values", row.EnumValues)
	}

	if err := e.SetOperator(0, 0, OpEquals); err != nil {
		t.Fatalf("SetOperator(=) error = %v", err)
	}
	if err := e.SetValue(0, 0, "Warm"); !errors.Is(err, types.ErrValueNotAllowed) {
		t.Errorf("SetValue(Warm) error = %v, want ErrValueNotAllowed", err)
	}
	if err := e.SetValue(0, 0, "Hot"); err != nil {
		t.Errorf("SetValue(Hot) error = %v", err)
	}
	row, _ = e.Condition(0, 0)
	if row.State() != types.RowValueSet {
		t.Errorf("State() = %s, want VALUE_SET", row.State())
	}
}

func TestEditor_RangeModeSwitching(t *testing.T) {
	e, _ := newTestEditor(t)
	setField(t, e, 0, 0, "Visit_Date__c")

	if err := e.SetOperator(0, 0, OpGreaterThan); err != nil {
		t.Fatal(err)
	}
	if err := e.SetValue(0, 0, "2024-01-01"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetRange(0, 0, "a", "b"); !errors.Is(err, types.ErrNotRangeMode) {
		t.Errorf("SetRange() outside range mode error = %v, want ErrNotRangeMode", err)
	}

	if err := e.SetOperator(0, 0, OpBetween); err != nil {
		t.Fatal(err)
	}
	row, _ := e.Condition(0, 0)
	if !row.RangeMode || row.Value != "" {
		t.Fatalf("after between: RangeMode = %v, Value = %q; want range mode with cleared value", row.RangeMode, row.Value)
	}
	if err := e.SetValue(0, 0, "2024-01-01"); !errors.Is(err, types.ErrRangeMode) {
		t.Errorf("SetValue() in range mode error = %v, want ErrRangeMode", err)
	}
	if err := e.SetRange(0, 0, "2024-01-01", "2024-03-31"); err != nil {
		t.Fatal(err)
	}

	if err := e.SetOperator(0, 0, OpEquals); err != nil {
		t.Fatal(err)
	}
	row, _ = e.Condition(0, 0)
	if row.RangeMode || row.From != "" || row.To != "" {
		t.Errorf("after =: RangeMode = %v From = %q To = %q; want scalar mode", row.RangeMode, row.From, row.To)
	}
}

func TestEditor_CurrencyBetweenStaysScalar(t *testing.T) {
	e, _ := newTestEditor(t)
	setField(t, e, 0, 0, "Budget__c")

	if err := e.SetOperator(0, 0, OpBetweenAmount); err != nil {
		t.Fatal(err)
	}
	row, _ := e.Condition(0, 0)
	if row.RangeMode {
		t.Error("CURRENCY between switched to range mode")
	}
	if err := e.SetValue(0, 0, "100 AND 200"); err != nil {
		t.Errorf("SetValue() error = %v", err)
	}
}

func TestEditor_FieldChangeResetsRow(t *testing.T) {
	e, _ := newTestEditor(t)
	setField(t, e, 0, 0, "Budget__c")
	_ = e.SetOperator(0, 0, OpGreaterThan)
	_ = e.SetValue(0, 0, "10")

	setField(t, e, 0, 0, "Email")
	row, _ := e.Condition(0, 0)
	if row.Operator != "" || row.Value != "" || row.DataType != types.DataTypeEmail {
		t.Errorf("row after field change = %+v, want cleared operator/value and EMAIL type", row)
	}
	if row.State() != types.RowFieldSet {
		t.Errorf("State() = %s, want FIELD_SET", row.State())
	}
}

func TestEditor_UnknownFieldHasNoOperators(t *testing.T) {
	e, _ := newTestEditor(t)

	var events []ResolutionEvent
	var mu sync.Mutex
	cancel := e.Subscribe(func(ev ResolutionEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer cancel()

	setField(t, e, 0, 0, "Geo__c")

	row, _ := e.Condition(0, 0)
	if row.Resolve != types.ResolveFailed {
		t.Errorf("Resolve = %v, want ResolveFailed", row.Resolve)
	}
	if _, err := e.Operators(0, 0); !errors.Is(err, types.ErrNoOperators) {
		t.Errorf("Operators() error = %v, want ErrNoOperators", err)
	}
	if err := e.SetOperator(0, 0, OpEquals); !errors.Is(err, types.ErrNoOperators) {
		t.Errorf("SetOperator() error = %v, want ErrNoOperators", err)
	}

	mu.Lock()
	got := append([]ResolutionEvent(nil), events...)
	mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	var rerr *types.ResolutionError
	if !errors.As(got[0].Err, &rerr) || !errors.Is(rerr, types.ErrFieldNotFound) {
		t.Errorf("event Err = %v, want ResolutionError wrapping ErrFieldNotFound", got[0].Err)
	}

	// Reselecting a valid field recovers the row
	setField(t, e, 0, 0, "Budget__c")
	if _, err := e.Operators(0, 0); err != nil {
		t.Errorf("Operators() after reselect error = %v", err)
	}
}

func TestEditor_EnumLookupFailureLeavesRowUnresolved(t *testing.T) {
	e, r := newTestEditor(t)
	r.enumErr = errors.New("connection reset")

	var enumErr error
	cancel := e.Subscribe(func(ev ResolutionEvent) {
		if ev.Kind == EventEnumValues {
			enumErr = ev.Err
		}
	})
	defer cancel()

	setField(t, e, 0, 0, "Stage__c")

	row, _ := e.Condition(0, 0)
	if row.Resolve != types.ResolveFailed || row.DataType != types.DataTypeUnknown {
		t.Errorf("row = %v/%s, want ResolveFailed/UNKNOWN", row.Resolve, row.DataType)
	}
	var rerr *types.ResolutionError
	if !errors.As(enumErr, &rerr) || rerr.Field != "Stage__c" {
		t.Errorf("enum event Err = %v, want ResolutionError for Stage__c", enumErr)
	}
	if _, err := e.Operators(0, 0); !errors.Is(err, types.ErrNoOperators) {
		t.Errorf("Operators() error = %v, want ErrNoOperators", err)
	}
	if err := e.SetOperator(0, 0, OpEquals); !errors.Is(err, types.ErrNoOperators) {
		t.Errorf("SetOperator() error = %v, want ErrNoOperators", err)
	}

	want := "Criteria 1, Condition 1: no operators available for field Stage__c"
	if !containsMessage(e.Validate(), want) {
		t.Errorf("Validate() = %v, want %q", e.Validate().Messages(), want)
	}
}

func TestEditor_StaleResolutionDiscarded(t *testing.T) {
	e, r := newTestEditor(t)
	gate := r.gate("Stage__c")

	// Slow lookup for Stage__c is superseded by a fast one for Budget__c
	if err := e.SetConditionField(context.Background(), 0, 0, "Stage__c"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetConditionField(context.Background(), 0, 0, "Budget__c"); err != nil {
		t.Fatal(err)
	}
	close(gate)
	e.Wait()

	row, _ := e.Condition(0, 0)
	if row.Field != "Budget__c" || row.DataType != types.DataTypeCurrency {
		t.Errorf("row = %s/%s, want Budget__c/CURRENCY", row.Field, row.DataType)
	}
	if row.EnumValues != nil {
		t.Errorf("EnumValues = %v, want nil", row.EnumValues)
	}
}

func TestEditor_ResolutionFollowsRowIdentity(t *testing.T) {
	e, r := newTestEditor(t)
	if _, err := e.AddCondition(0); err != nil {
		t.Fatal(err)
	}
	gate := r.gate("Stage__c")

	// Resolve condition 2, then remove condition 1 so indices shift
	if err := e.SetConditionField(context.Background(), 0, 1, "Stage__c"); err != nil {
		t.Fatal(err)
	}
	target, _ := e.Condition(0, 1)
	if err := e.RemoveCondition(0, 0); err != nil {
		t.Fatal(err)
	}
	close(gate)
	e.Wait()

	row, _ := e.Condition(0, 0)
	if row.RowID != target.RowID {
		t.Fatalf("row identity changed: %s vs %s", row.RowID, target.RowID)
	}
	if row.DataType != types.DataTypePicklist || row.Serial != 1 {
		t.Errorf("row = %s serial %d, want PICKLIST serial 1", row.DataType, row.Serial)
	}
}

func TestEditor_ResolutionForDeletedRowDiscarded(t *testing.T) {
	e, r := newTestEditor(t)
	gate := r.gate("Stage__c")

	called := false
	cancel := e.Subscribe(func(ResolutionEvent) { called = true })
	defer cancel()

	if err := e.SetConditionField(context.Background(), 0, 0, "Stage__c"); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveGroup(0); err != nil {
		t.Fatal(err)
	}
	close(gate)
	e.Wait()

	if called {
		t.Error("subscriber notified for a deleted row")
	}
	if len(e.Groups()) != 0 {
		t.Errorf("len(Groups()) = %d, want 0", len(e.Groups()))
	}
}

func TestEditor_RemoveTracksPersistedIDs(t *testing.T) {
	store := newMemoryStore()
	store.seed("Lead", persistedGroup("G1", "C1", "C2"), persistedGroup("G2", "C3"))

	e := NewRuleSetEditor("Lead", newFakeResolver())
	if err := e.Load(context.Background(), store); err != nil {
		t.Fatal(err)
	}

	if err := e.RemoveCondition(0, 1); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveGroup(1); err != nil {
		t.Fatal(err)
	}
	e.AddGroup()
	if err := e.RemoveGroup(1); err != nil {
		t.Fatal(err)
	}

	p := e.BuildPayload()
	if len(p.DeletedGroupIDs) != 1 || p.DeletedGroupIDs[0] != "G2" {
		t.Errorf("DeletedGroupIDs = %v, want [G2]", p.DeletedGroupIDs)
	}
	if len(p.DeletedConditionIDs) != 2 || p.DeletedConditionIDs[0] != "C2" || p.DeletedConditionIDs[1] != "C3" {
		t.Errorf("DeletedConditionIDs = %v, want [C2 C3]", p.DeletedConditionIDs)
	}
}

func TestEditor_IndexErrors(t *testing.T) {
	e, _ := newTestEditor(t)
	if err := e.RemoveGroup(3); !errors.Is(err, types.ErrIndexOutOfRange) {
		t.Errorf("RemoveGroup(3) error = %v", err)
	}
	if _, err := e.AddCondition(-1); !errors.Is(err, types.ErrIndexOutOfRange) {
		t.Errorf("AddCondition(-1) error = %v", err)
	}
	if err := e.SetOperator(0, 4, OpEquals); !errors.Is(err, types.ErrIndexOutOfRange) {
		t.Errorf("SetOperator(0,4) error = %v", err)
	}
}

func TestEditor_SetCombinator(t *testing.T) {
	e, _ := newTestEditor(t)
	if err := e.SetCombinator(0, "custom"); err != nil {
		t.Fatal(err)
	}
	g, _ := e.Group(0)
	if g.Combinator != types.CombinatorCustom {
		t.Errorf("Combinator = %s, want CUSTOM", g.Combinator)
	}
	if err := e.SetCombinator(0, "SOME"); err == nil {
		t.Error("SetCombinator(SOME) error = nil")
	}
}
