package commission

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/types"
)

func dec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// memoryStore persists payloads in memory, decoding them the way the
// repository does.
type memoryStore struct {
	policies map[string][]*types.CommissionPolicy
	calls    int
	err      error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{policies: make(map[string][]*types.CommissionPolicy)}
}

func (s *memoryStore) LoadPolicies(ctx context.Context, scope string) ([]*types.CommissionPolicy, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*types.CommissionPolicy
	for _, p := range s.policies[scope] {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (s *memoryStore) PersistPolicies(ctx context.Context, scope string, payload PolicyPayload) (PolicyAck, error) {
	s.calls++
	if s.err != nil {
		return PolicyAck{}, s.err
	}
	policies, err := PoliciesFromPayload(payload)
	if err != nil {
		return PolicyAck{}, err
	}
	var ack PolicyAck
	for _, p := range policies {
		if p.ID == "" {
			p.ID = types.NewPolicyID()
		}
		ack.Policies = append(ack.Policies, PolicyAckEntry{RowID: p.RowID, PolicyID: p.ID})
	}
	s.policies[scope] = policies
	return ack, nil
}

func TestPolicyEditor_RangeScenario(t *testing.T) {
	e := NewPolicyEditor("project-1")
	_, err := e.AddPolicy()
	mustOK(t, err)
	mustOK(t, e.SetPolicyType(0, types.PolicyTypeRange))

	p, _ := e.Policy(0)
	if len(p.Ranges) != 1 {
		t.Fatalf("range policy seeded %d ranges, want 1", len(p.Ranges))
	}

	mustOK(t, e.SetRangeBounds(0, 0, dec("0"), dec("100")))
	mustOK(t, e.SetRangeType(0, 0, types.CommissionTypeFixed))
	mustOK(t, e.SetRangeAmount(0, 0, dec("500")))

	_, err = e.AddRange(0)
	mustOK(t, err)
	p, _ = e.Policy(0)
	if got := p.Ranges[1].Min; !got.Valid || !got.Decimal.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("second range Min = %v, want 101", got)
	}

	mustOK(t, e.SetRangeBounds(0, 1, p.Ranges[1].Min, dec("50")))
	mustOK(t, e.SetRangeType(0, 1, types.CommissionTypeFixed))
	mustOK(t, e.SetRangeAmount(0, 1, dec("900")))

	errs := e.Validate()
	if len(errs) != 1 || errs[0].Error() != "Policy 1, Range 2: Max (50) must be greater than Min (101)" {
		t.Errorf("Validate() = %q, want a min/max ordering error", errs.Messages())
	}
}

func TestPolicyEditor_AddRangeRejectsIncompletePrevious(t *testing.T) {
	e := NewPolicyEditor("project-1")
	_, err := e.AddPolicy()
	mustOK(t, err)
	mustOK(t, e.SetPolicyType(0, types.PolicyTypeRange))
	mustOK(t, e.SetRangeBounds(0, 0, dec("0"), decimal.NullDecimal{}))

	_, err = e.AddRange(0)
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("AddRange() error = %v, want *types.ValidationError", err)
	}
	if verr.Path != "Policy 1, Range 1" {
		t.Errorf("Path = %q, want Policy 1, Range 1", verr.Path)
	}
	if p, _ := e.Policy(0); len(p.Ranges) != 1 {
		t.Errorf("len(Ranges) = %d after rejected append, want 1", len(p.Ranges))
	}
}

func TestPolicyEditor_SetPolicyTypeResets(t *testing.T) {
	e := NewPolicyEditor("project-1")
	_, err := e.AddPolicy()
	mustOK(t, err)
	mustOK(t, e.SetPolicyType(0, "Fixed"))
	mustOK(t, e.SetAmount(0, dec("500")))

	mustOK(t, e.SetPolicyType(0, types.PolicyTypePercentage))
	p, _ := e.Policy(0)
	if p.PolicyType != types.PolicyTypePercentage || p.Amount.Valid {
		t.Errorf("policy = %+v, want percentage with amount cleared", p)
	}

	if err := e.SetAmount(0, dec("1")); !errors.Is(err, types.ErrPolicyTypeMismatch) {
		t.Errorf("SetAmount on percentage policy error = %v, want ErrPolicyTypeMismatch", err)
	}
	if err := e.SetPolicyType(0, "tiered"); err == nil {
		t.Error("SetPolicyType(tiered) error = nil")
	}
}

func TestPolicyEditor_RemoveTracksPersistedIDs(t *testing.T) {
	store := newMemoryStore()
	store.policies["project-1"] = []*types.CommissionPolicy{
		{ID: "P1", Name: "Flat", PolicyType: types.PolicyTypeFixed, Amount: dec("500")},
		{ID: "P2", Name: "Share", PolicyType: types.PolicyTypePercentage, Percent: dec("2"), UpperCap: dec("1000")},
	}

	e := NewPolicyEditor("project-1")
	mustOK(t, e.Load(context.Background(), store))
	mustOK(t, e.RemovePolicy(0))
	_, err := e.AddPolicy()
	mustOK(t, err)
	mustOK(t, e.RemovePolicy(1))

	p, err := e.BuildPayload()
	mustOK(t, err)
	if len(p.DeletedPolicyIDs) != 1 || p.DeletedPolicyIDs[0] != "P1" {
		t.Errorf("DeletedPolicyIDs = %v, want [P1]", p.DeletedPolicyIDs)
	}
	if len(p.Policies) != 1 || p.Policies[0].PolicyID != "P2" || p.Policies[0].Serial != 1 {
		t.Errorf("Policies = %+v, want P2 at serial 1", p.Policies)
	}
}

func TestPolicyEditor_SubmitRoundTrip(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	e := NewPolicyEditor("project-1")
	_, err := e.AddPolicy()
	mustOK(t, err)
	mustOK(t, e.SetName(0, "Tiered"))
	mustOK(t, e.SetPolicyType(0, types.PolicyTypeRange))
	mustOK(t, e.SetActive(0, true))
	mustOK(t, e.SetRangeBounds(0, 0, dec("0"), dec("1000000")))
	mustOK(t, e.SetRangeType(0, 0, types.CommissionTypePercentage))
	mustOK(t, e.SetRangePercent(0, 0, dec("1.5"), dec("10000")))

	ack, err := e.Submit(ctx, store)
	mustOK(t, err)
	if len(ack.Policies) != 1 || ack.Policies[0].PolicyID == "" {
		t.Fatalf("ack = %+v, want one assigned id", ack)
	}
	if p, _ := e.Policy(0); p.ID != ack.Policies[0].PolicyID {
		t.Errorf("ID = %q, want adopted %q", p.ID, ack.Policies[0].PolicyID)
	}

	reloaded := NewPolicyEditor("project-1")
	mustOK(t, reloaded.Load(ctx, store))
	got, err := reloaded.Policy(0)
	mustOK(t, err)
	if got.Name != "Tiered" || !got.Active || len(got.Ranges) != 1 || !got.Ranges[0].Percent.Decimal.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("reloaded policy = %+v", got)
	}
}

func TestPolicyEditor_SubmitFailures(t *testing.T) {
	store := newMemoryStore()
	e := NewPolicyEditor("project-1")
	_, err := e.AddPolicy()
	mustOK(t, err)
	mustOK(t, e.SetActive(0, true))

	_, err = e.Submit(context.Background(), store)
	var verrs types.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Submit() error = %v, want ValidationErrors", err)
	}
	if store.calls != 0 {
		t.Errorf("store called %d times for an invalid session", store.calls)
	}

	mustOK(t, e.SetPolicyType(0, types.PolicyTypeFixed))
	mustOK(t, e.SetAmount(0, dec("250")))
	store.err = errors.New("duplicate key value violates unique constraint")

	_, err = e.Submit(context.Background(), store)
	var perr *types.PersistenceError
	if !errors.As(err, &perr) || !strings.Contains(perr.Error(), "unique constraint") {
		t.Fatalf("Submit() error = %v, want PersistenceError with store message", err)
	}
	if p, _ := e.Policy(0); p.ID != "" || p.Amount.Decimal.String() != "250" {
		t.Errorf("policy after failed submit = %+v, want unchanged", p)
	}
}

func TestPolicyEditor_IndexErrors(t *testing.T) {
	e := NewPolicyEditor("project-1")
	if err := e.RemovePolicy(0); !errors.Is(err, types.ErrIndexOutOfRange) {
		t.Errorf("RemovePolicy(0) error = %v", err)
	}
	_, err := e.AddPolicy()
	mustOK(t, err)
	if err := e.SetRangeActive(0, 2, false); !errors.Is(err, types.ErrIndexOutOfRange) {
		t.Errorf("SetRangeActive(0,2) error = %v", err)
	}
	if _, err := e.AddRange(0); !errors.Is(err, types.ErrPolicyTypeMismatch) {
		t.Errorf("AddRange on untyped policy error = %v", err)
	}
}
