package commission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/types"
	"go.uber.org/zap"
)

// Observer receives editor measurements. metrics.Collector satisfies it.
type Observer interface {
	ObserveValidation(editor string, violations int)
	ObserveSubmit(editor, outcome string, d time.Duration)
}

// Option configures a PolicyEditor.
type Option func(*PolicyEditor)

// WithLogger sets the editor's logger. Defaults to zap.NewNop.
func WithLogger(l *zap.Logger) Option {
	return func(e *PolicyEditor) { e.logger = l }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(e *PolicyEditor) { e.observer = o }
}

// PolicyEditor holds one edit session over the commission policies of a
// scope (a project). Every operation is synchronous; the mutex only makes
// the session safe to share with the goroutine serving a request.
type PolicyEditor struct {
	scope    string
	logger   *zap.Logger
	observer Observer

	mu       sync.Mutex
	policies []*types.CommissionPolicy
	deleted  []types.PolicyID
}

// NewPolicyEditor creates an empty session for scope.
func NewPolicyEditor(scope string, opts ...Option) *PolicyEditor {
	e := &PolicyEditor{scope: scope, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("scope", scope))
	return e
}

// Scope returns the scope this session edits.
func (e *PolicyEditor) Scope() string { return e.scope }

// AddPolicy appends an inactive policy with no type.
func (e *PolicyEditor) AddPolicy() (types.RowID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.policies) >= types.MaxPoliciesPerScope {
		return "", fmt.Errorf("%w: %d policies", types.ErrTooManyRows, len(e.policies))
	}
	p := &types.CommissionPolicy{RowID: types.NewRowID()}
	e.policies = append(e.policies, p)
	e.reindexLocked()
	return p.RowID, nil
}

// RemovePolicy removes policy i, recording its persisted id for deletion.
func (e *PolicyEditor) RemovePolicy(i int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.policyLocked(i)
	if err != nil {
		return err
	}
	if p.Persisted() {
		e.deleted = append(e.deleted, p.ID)
	}
	e.policies = append(e.policies[:i], e.policies[i+1:]...)
	e.reindexLocked()
	return nil
}

// SetName sets the display name of policy i.
func (e *PolicyEditor) SetName(i int, name string) error {
	return e.withPolicy(i, func(p *types.CommissionPolicy) error {
		p.Name = name
		return nil
	})
}

// SetActive sets the active flag of policy i. Conflicts with another active
// policy of the same type are reported by Validate.
func (e *PolicyEditor) SetActive(i int, active bool) error {
	return e.withPolicy(i, func(p *types.CommissionPolicy) error {
		p.Active = active
		return nil
	})
}

// SetPolicyType changes the type of policy i and clears the fields of the
// previous type. Switching to range with no ranges seeds one empty range.
func (e *PolicyEditor) SetPolicyType(i int, t types.PolicyType) error {
	if t != types.PolicyTypeUnset {
		pt, ok := types.ParsePolicyType(string(t))
		if !ok {
			return fmt.Errorf("unknown policy type %q", t)
		}
		t = pt
	}
	return e.withPolicy(i, func(p *types.CommissionPolicy) error {
		if p.PolicyType == t {
			return nil
		}
		p.PolicyType = t
		p.Amount = decimal.NullDecimal{}
		p.Percent = decimal.NullDecimal{}
		p.UpperCap = decimal.NullDecimal{}
		if t != types.PolicyTypeRange {
			p.Ranges = nil
		} else if len(p.Ranges) == 0 {
			p.Ranges = []*types.RangeRule{newRange()}
		}
		return nil
	})
}

// SetAmount sets the amount of a fixed policy.
func (e *PolicyEditor) SetAmount(i int, amount decimal.NullDecimal) error {
	return e.withPolicy(i, func(p *types.CommissionPolicy) error {
		if p.PolicyType != types.PolicyTypeFixed {
			return fmt.Errorf("%w: amount on %s policy", types.ErrPolicyTypeMismatch, p.PolicyType)
		}
		p.Amount = amount
		return nil
	})
}

// SetPercent sets the percent of a percentage policy.
func (e *PolicyEditor) SetPercent(i int, percent decimal.NullDecimal) error {
	return e.withPolicy(i, func(p *types.CommissionPolicy) error {
		if p.PolicyType != types.PolicyTypePercentage {
			return fmt.Errorf("%w: percent on %s policy", types.ErrPolicyTypeMismatch, p.PolicyType)
		}
		p.Percent = percent
		return nil
	})
}

// SetUpperCap sets the commission cap of a percentage policy.
func (e *PolicyEditor) SetUpperCap(i int, upperCap decimal.NullDecimal) error {
	return e.withPolicy(i, func(p *types.CommissionPolicy) error {
		if p.PolicyType != types.PolicyTypePercentage {
			return fmt.Errorf("%w: upper cap on %s policy", types.ErrPolicyTypeMismatch, p.PolicyType)
		}
		p.UpperCap = upperCap
		return nil
	})
}

func newRange() *types.RangeRule {
	return &types.RangeRule{RowID: types.NewRowID(), Active: true}
}

// AddRange appends a range to range policy p. The new range's Min defaults
// to the previous range's Max + 1. When the previous range's bounds are
// incomplete the append is rejected with a *types.ValidationError and
// nothing changes.
func (e *PolicyEditor) AddRange(p int) (types.RowID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	policy, err := e.policyLocked(p)
	if err != nil {
		return "", err
	}
	if policy.PolicyType != types.PolicyTypeRange {
		return "", fmt.Errorf("%w: ranges on %s policy", types.ErrPolicyTypeMismatch, policy.PolicyType)
	}
	if len(policy.Ranges) >= types.MaxRangesPerPolicy {
		return "", fmt.Errorf("%w: %s already has %d ranges", types.ErrTooManyRows, PolicyPath(p), len(policy.Ranges))
	}

	r := newRange()
	if n := len(policy.Ranges); n > 0 {
		prev := policy.Ranges[n-1]
		if !prev.Complete() {
			return "", &types.ValidationError{
				Path:    RangePath(p, n-1),
				Message: "Enter Min and Max before adding another range",
			}
		}
		r.Min = decimal.NewNullDecimal(prev.Max.Decimal.Add(decimal.NewFromInt(1)))
	}
	policy.Ranges = append(policy.Ranges, r)
	return r.RowID, nil
}

// RemoveRange removes range r of policy p.
func (e *PolicyEditor) RemoveRange(p, r int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	policy, err := e.policyLocked(p)
	if err != nil {
		return err
	}
	if _, err := e.rangeLocked(p, r); err != nil {
		return err
	}
	policy.Ranges = append(policy.Ranges[:r], policy.Ranges[r+1:]...)
	return nil
}

// SetRangeBounds sets both bounds of range r in policy p.
func (e *PolicyEditor) SetRangeBounds(p, r int, minAmount, maxAmount decimal.NullDecimal) error {
	return e.withRange(p, r, func(rr *types.RangeRule) error {
		rr.Min, rr.Max = minAmount, maxAmount
		return nil
	})
}

// SetRangeType sets the sub-rule type of a range and clears its amounts.
func (e *PolicyEditor) SetRangeType(p, r int, t types.CommissionType) error {
	if t != types.CommissionTypeUnset {
		ct, ok := types.ParseCommissionType(string(t))
		if !ok {
			return fmt.Errorf("unknown commission type %q", t)
		}
		t = ct
	}
	return e.withRange(p, r, func(rr *types.RangeRule) error {
		if rr.CommissionType == t {
			return nil
		}
		rr.CommissionType = t
		rr.Amount = decimal.NullDecimal{}
		rr.Percent = decimal.NullDecimal{}
		rr.UpperCap = decimal.NullDecimal{}
		return nil
	})
}

// SetRangeAmount sets the amount of a fixed range.
func (e *PolicyEditor) SetRangeAmount(p, r int, amount decimal.NullDecimal) error {
	return e.withRange(p, r, func(rr *types.RangeRule) error {
		if rr.CommissionType != types.CommissionTypeFixed {
			return fmt.Errorf("%w: amount on %s range", types.ErrPolicyTypeMismatch, rr.CommissionType)
		}
		rr.Amount = amount
		return nil
	})
}

// SetRangePercent sets the percent and cap of a percentage range.
func (e *PolicyEditor) SetRangePercent(p, r int, percent, upperCap decimal.NullDecimal) error {
	return e.withRange(p, r, func(rr *types.RangeRule) error {
		if rr.CommissionType != types.CommissionTypePercentage {
			return fmt.Errorf("%w: percent on %s range", types.ErrPolicyTypeMismatch, rr.CommissionType)
		}
		rr.Percent, rr.UpperCap = percent, upperCap
		return nil
	})
}

// SetRangeActive sets the active flag of a range.
func (e *PolicyEditor) SetRangeActive(p, r int, active bool) error {
	return e.withRange(p, r, func(rr *types.RangeRule) error {
		rr.Active = active
		return nil
	})
}

// Policies returns a deep copy of the session's policies.
func (e *PolicyEditor) Policies() []*types.CommissionPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.CommissionPolicy, len(e.policies))
	for i, p := range e.policies {
		out[i] = p.Clone()
	}
	return out
}

// Policy returns a copy of policy i.
func (e *PolicyEditor) Policy(i int) (*types.CommissionPolicy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.policyLocked(i)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// Validate checks the whole session and returns every violation.
func (e *PolicyEditor) Validate() types.ValidationErrors {
	e.mu.Lock()
	errs := ValidatePolicies(e.policies)
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.ObserveValidation("commission", len(errs))
	}
	return errs
}

// BuildPayload encodes the current policies and pending deletions.
func (e *PolicyEditor) BuildPayload() (PolicyPayload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return BuildPayload(e.policies, e.deleted)
}

// Load replaces the session with the scope's persisted policies.
func (e *PolicyEditor) Load(ctx context.Context, store PolicyStore) error {
	policies, err := store.LoadPolicies(ctx, e.scope)
	if err != nil {
		var rerr *types.ResolutionError
		if errors.As(err, &rerr) {
			return err
		}
		return &types.PersistenceError{Op: "load policies", Err: err}
	}

	e.mu.Lock()
	e.policies = policies
	e.deleted = nil
	for _, p := range e.policies {
		if p.RowID == "" {
			p.RowID = types.NewRowID()
		}
		for _, r := range p.Ranges {
			if r.RowID == "" {
				r.RowID = types.NewRowID()
			}
		}
	}
	e.reindexLocked()
	e.mu.Unlock()

	e.logger.Debug("policies loaded", zap.Int("policies", len(policies)))
	return nil
}

// Submit validates and persists the session. On success the assigned ids
// are adopted and the submitted deletions cleared; on failure the session
// is unchanged.
func (e *PolicyEditor) Submit(ctx context.Context, store PolicyStore) (PolicyAck, error) {
	start := time.Now()
	if errs := e.Validate(); len(errs) > 0 {
		e.observeSubmit("invalid", start)
		return PolicyAck{}, errs
	}

	payload, err := e.BuildPayload()
	if err != nil {
		e.observeSubmit("error", start)
		return PolicyAck{}, err
	}

	ack, err := store.PersistPolicies(ctx, e.scope, payload)
	if err != nil {
		e.observeSubmit("error", start)
		e.logger.Warn("persist policies failed", zap.Error(err))
		var perr *types.PersistenceError
		if errors.As(err, &perr) {
			return PolicyAck{}, perr
		}
		return PolicyAck{}, &types.PersistenceError{Op: "persist policies", Err: err}
	}

	e.mu.Lock()
	for _, a := range ack.Policies {
		for _, p := range e.policies {
			if p.RowID == a.RowID && p.ID == "" {
				p.ID = a.PolicyID
			}
		}
	}
	e.deleted = without(e.deleted, payload.DeletedPolicyIDs)
	e.mu.Unlock()

	e.observeSubmit("ok", start)
	e.logger.Info("policies submitted",
		zap.Int("policies", len(payload.Policies)),
		zap.Int("deleted", len(payload.DeletedPolicyIDs)))
	return ack, nil
}

func without(ids, submitted []types.PolicyID) []types.PolicyID {
	done := make(map[types.PolicyID]bool, len(submitted))
	for _, id := range submitted {
		done[id] = true
	}
	var out []types.PolicyID
	for _, id := range ids {
		if !done[id] {
			out = append(out, id)
		}
	}
	return out
}

func (e *PolicyEditor) withPolicy(i int, fn func(*types.CommissionPolicy) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.policyLocked(i)
	if err != nil {
		return err
	}
	return fn(p)
}

func (e *PolicyEditor) withRange(p, r int, fn func(*types.RangeRule) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rr, err := e.rangeLocked(p, r)
	if err != nil {
		return err
	}
	return fn(rr)
}

func (e *PolicyEditor) policyLocked(i int) (*types.CommissionPolicy, error) {
	if i < 0 || i >= len(e.policies) {
		return nil, fmt.Errorf("%w: policy %d", types.ErrIndexOutOfRange, i)
	}
	return e.policies[i], nil
}

func (e *PolicyEditor) rangeLocked(p, r int) (*types.RangeRule, error) {
	policy, err := e.policyLocked(p)
	if err != nil {
		return nil, err
	}
	if r < 0 || r >= len(policy.Ranges) {
		return nil, fmt.Errorf("%w: policy %d range %d", types.ErrIndexOutOfRange, p, r)
	}
	return policy.Ranges[r], nil
}

func (e *PolicyEditor) reindexLocked() {
	for i, p := range e.policies {
		p.Serial = i + 1
	}
}

func (e *PolicyEditor) observeSubmit(outcome string, start time.Time) {
	if e.observer != nil {
		e.observer.ObserveSubmit("commission", outcome, time.Since(start))
	}
}
