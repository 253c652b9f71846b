package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

/*
 * RuleSetEditor holds one edit session over the rule groups of a scoring
 * object.
 *
 * All mutations are synchronous under e.mu except field resolution, which
 * runs in its own goroutine per request. A resolution result is applied to
 * the row that issued it, located by RowID, and only if the row's generation
 * is unchanged since the request. Reselecting a field bumps the generation,
 * so an older in-flight lookup for the same row is discarded (last write
 * wins per row). Deleted rows are simply not found.
 *
 * Subscribers are called outside e.mu, from the resolving goroutine.
 */

// EventKind distinguishes the two reactive feeds.
type EventKind int

const (
	EventFieldType EventKind = iota
	EventEnumValues
)

func (k EventKind) String() string {
	if k == EventEnumValues {
		return "enum_values"
	}
	return "field_type"
}

// ResolutionEvent reports a resolution result that was applied to a row.
// Err is a *types.ResolutionError when the lookup failed.
type ResolutionEvent struct {
	Kind       EventKind
	RowID      types.RowID
	Field      string
	DataType   types.DataType
	EnumValues []types.EnumValue
	Err        error
}

// EditorObserver receives editor measurements. metrics.Collector satisfies it.
type EditorObserver interface {
	ObserveResolution(outcome string, d time.Duration)
	ObserveValidation(editor string, violations int)
	ObserveSubmit(editor, outcome string, d time.Duration)
}

// Option configures a RuleSetEditor.
type Option func(*RuleSetEditor)

// WithLogger sets the editor's logger. Defaults to zap.NewNop.
func WithLogger(l *zap.Logger) Option {
	return func(e *RuleSetEditor) { e.logger = l }
}

// WithObserver attaches a metrics observer.
func WithObserver(o EditorObserver) Option {
	return func(e *RuleSetEditor) { e.observer = o }
}

// WithLoadConcurrency bounds concurrent field lookups during Load.
func WithLoadConcurrency(n int) Option {
	return func(e *RuleSetEditor) {
		if n > 0 {
			e.loadConcurrency = n
		}
	}
}

// RuleSetEditor is safe for concurrent use.
type RuleSetEditor struct {
	object          string
	resolver        FieldResolver
	logger          *zap.Logger
	observer        EditorObserver
	loadConcurrency int

	mu                sync.Mutex
	groups            []*types.RuleGroup
	lastGroup         types.RowID
	deletedGroups     []types.GroupID
	deletedConditions []types.ConditionID
	generations       map[types.RowID]uint64
	subscribers       map[int]func(ResolutionEvent)
	nextSub           int

	inflight sync.WaitGroup
}

// NewRuleSetEditor creates an empty session for object.
func NewRuleSetEditor(object string, resolver FieldResolver, opts ...Option) *RuleSetEditor {
	e := &RuleSetEditor{
		object:          object,
		resolver:        resolver,
		logger:          zap.NewNop(),
		loadConcurrency: 8,
		generations:     make(map[types.RowID]uint64),
		subscribers:     make(map[int]func(ResolutionEvent)),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("object", object))
	return e
}

// Object returns the scoring object this session edits.
func (e *RuleSetEditor) Object() string { return e.object }

// Subscribe registers fn for resolution events and returns a function that
// removes it.
func (e *RuleSetEditor) Subscribe(fn func(ResolutionEvent)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
}

// Wait blocks until every in-flight resolution has finished.
func (e *RuleSetEditor) Wait() {
	e.inflight.Wait()
}

// AddGroup appends a group (combinator ALL) with one empty condition and
// marks it last.
func (e *RuleSetEditor) AddGroup() types.RowID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addGroupLocked()
}

func (e *RuleSetEditor) addGroupLocked() types.RowID {
	g := &types.RuleGroup{
		RowID:      types.NewRowID(),
		Combinator: types.CombinatorAll,
		Conditions: []*types.ConditionRow{newCondition()},
	}
	e.groups = append(e.groups, g)
	e.lastGroup = g.RowID
	e.reindexLocked()
	return g.RowID
}

func newCondition() *types.ConditionRow {
	return &types.ConditionRow{RowID: types.NewRowID()}
}

// LastGroup returns the RowID of the most recently added group.
func (e *RuleSetEditor) LastGroup() types.RowID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastGroup
}

// RemoveGroup removes group i, recording its persisted id and those of its
// persisted conditions for deletion.
func (e *RuleSetEditor) RemoveGroup(i int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, err := e.groupLocked(i)
	if err != nil {
		return err
	}
	if g.Persisted() {
		e.deletedGroups = append(e.deletedGroups, g.ID)
	}
	for _, c := range g.Conditions {
		if c.ID != "" {
			e.deletedConditions = append(e.deletedConditions, c.ID)
		}
		delete(e.generations, c.RowID)
	}

	e.groups = append(e.groups[:i], e.groups[i+1:]...)
	if e.lastGroup == g.RowID {
		e.lastGroup = ""
		if n := len(e.groups); n > 0 {
			e.lastGroup = e.groups[n-1].RowID
		}
	}
	e.reindexLocked()
	return nil
}

// AddCondition appends an empty condition to group g.
func (e *RuleSetEditor) AddCondition(g int) (types.RowID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	group, err := e.groupLocked(g)
	if err != nil {
		return "", err
	}
	if len(group.Conditions) >= types.MaxConditionsPerGroup {
		return "", fmt.Errorf("%w: %s already has %d conditions", types.ErrTooManyRows, GroupPath(g), len(group.Conditions))
	}
	c := newCondition()
	group.Conditions = append(group.Conditions, c)
	e.reindexLocked()
	return c.RowID, nil
}

// RemoveCondition removes condition c of group g.
func (e *RuleSetEditor) RemoveCondition(g, c int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	group, err := e.groupLocked(g)
	if err != nil {
		return err
	}
	row, err := e.conditionLocked(g, c)
	if err != nil {
		return err
	}
	if row.ID != "" {
		e.deletedConditions = append(e.deletedConditions, row.ID)
	}
	delete(e.generations, row.RowID)
	group.Conditions = append(group.Conditions[:c], group.Conditions[c+1:]...)
	e.reindexLocked()
	return nil
}

// SetGroupName sets the display name of group i.
func (e *RuleSetEditor) SetGroupName(i int, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, err := e.groupLocked(i)
	if err != nil {
		return err
	}
	g.Name = name
	return nil
}

// SetGroupScore sets the score of group i. An invalid NullDecimal clears it.
func (e *RuleSetEditor) SetGroupScore(i int, score decimal.NullDecimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, err := e.groupLocked(i)
	if err != nil {
		return err
	}
	g.Score = score
	return nil
}

// SetCombinator sets the join mode of group i.
func (e *RuleSetEditor) SetCombinator(i int, c types.Combinator) error {
	parsed, ok := types.ParseCombinator(string(c))
	if !ok {
		return fmt.Errorf("unknown combinator %q", c)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	g, err := e.groupLocked(i)
	if err != nil {
		return err
	}
	g.Combinator = parsed
	return nil
}

// SetExpression sets the custom logic of group i. The text is kept for
// non-CUSTOM groups but not emitted in the payload.
func (e *RuleSetEditor) SetExpression(i int, expr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, err := e.groupLocked(i)
	if err != nil {
		return err
	}
	g.Expression = expr
	return nil
}

// SetConditionField selects a field for condition c of group g. Operator,
// value and range state are cleared and the field's type is resolved
// asynchronously; subscribe or Wait to observe the result. An empty field
// returns the row to NEW.
func (e *RuleSetEditor) SetConditionField(ctx context.Context, g, c int, field string) error {
	e.mu.Lock()
	row, err := e.conditionLocked(g, c)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	field = strings.TrimSpace(field)
	row.Field = field
	row.DataType = types.DataTypeUnknown
	row.Operator = ""
	row.Value, row.From, row.To = "", "", ""
	row.RangeMode = false
	row.EnumValues = nil
	row.Resolve = types.ResolveNone

	e.generations[row.RowID]++
	gen := e.generations[row.RowID]
	rowID := row.RowID

	if field == "" {
		e.mu.Unlock()
		return nil
	}
	row.Resolve = types.ResolvePending
	e.mu.Unlock()

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.resolveRow(ctx, rowID, gen, field, false)
	}()
	return nil
}

// resolveRow looks up the field type (and enum values when enumerable) and
// applies each result if the row still exists at generation gen. keep
// preserves a loaded operator and value instead of clearing them.
func (e *RuleSetEditor) resolveRow(ctx context.Context, rowID types.RowID, gen uint64, field string, keep bool) {
	start := time.Now()
	dt, err := e.resolver.ResolveFieldType(ctx, e.object, field)
	if err == nil {
		if _, known := types.ParseDataType(string(dt)); !known {
			err = fmt.Errorf("%w: unsupported data type %q", types.ErrNoOperators, dt)
		}
	}
	if err != nil {
		e.observeResolution("error", start)
		rerr := asResolutionError(e.object, field, err)
		e.logger.Warn("field resolution failed", zap.String("field", field), zap.Error(err))
		e.apply(rowID, gen, func(row *types.ConditionRow) ResolutionEvent {
			row.Resolve = types.ResolveFailed
			row.DataType = types.DataTypeUnknown
			if !keep {
				row.Operator = ""
			}
			return ResolutionEvent{Kind: EventFieldType, RowID: rowID, Field: field, Err: rerr}
		})
		return
	}
	e.observeResolution("ok", start)

	applied := e.apply(rowID, gen, func(row *types.ConditionRow) ResolutionEvent {
		row.DataType = dt
		row.Resolve = types.ResolveDone
		if keep {
			if row.RangeMode && !SupportsRange(dt) {
				row.Value = JoinRange(row.From, row.To)
				row.From, row.To, row.RangeMode = "", "", false
			}
			applyRangeMode(row, row.From, row.To)
		}
		return ResolutionEvent{Kind: EventFieldType, RowID: rowID, Field: field, DataType: dt}
	})
	if !applied || !dt.IsEnumerable() {
		return
	}

	values, err := e.resolver.ResolveEnumValues(ctx, e.object, field)
	if err != nil {
		rerr := asResolutionError(e.object, field, err)
		e.logger.Warn("enum value resolution failed", zap.String("field", field), zap.Error(err))
		// Without its allowed values the row cannot be validated
		e.apply(rowID, gen, func(row *types.ConditionRow) ResolutionEvent {
			row.Resolve = types.ResolveFailed
			row.DataType = types.DataTypeUnknown
			row.EnumValues = nil
			if !keep {
				row.Operator = ""
			}
			return ResolutionEvent{Kind: EventEnumValues, RowID: rowID, Field: field, Err: rerr}
		})
		return
	}
	e.apply(rowID, gen, func(row *types.ConditionRow) ResolutionEvent {
		row.EnumValues = append([]types.EnumValue(nil), values...)
		return ResolutionEvent{Kind: EventEnumValues, RowID: rowID, Field: field, DataType: dt, EnumValues: values}
	})
}

// apply runs mutate on the row if it is still current and publishes the
// resulting event. Returns false when the result was discarded.
func (e *RuleSetEditor) apply(rowID types.RowID, gen uint64, mutate func(*types.ConditionRow) ResolutionEvent) bool {
	e.mu.Lock()
	row := e.findRowLocked(rowID)
	if row == nil || e.generations[rowID] != gen {
		e.mu.Unlock()
		e.logger.Debug("discarding stale resolution", zap.String("row", string(rowID)))
		return false
	}
	ev := mutate(row)
	subs := make([]func(ResolutionEvent), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return true
}

func asResolutionError(object, field string, err error) error {
	var rerr *types.ResolutionError
	if errors.As(err, &rerr) {
		return rerr
	}
	return &types.ResolutionError{Object: object, Field: field, Err: err}
}

// Operators returns the operator options for condition c of group g.
// Returns types.ErrNoOperators when the row's type is unknown or unresolved.
func (e *RuleSetEditor) Operators(g, c int) ([]OperatorOption, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	row, err := e.conditionLocked(g, c)
	if err != nil {
		return nil, err
	}
	ops := OperatorsFor(row.DataType)
	if len(ops) == 0 {
		return ops, fmt.Errorf("%w for field %q", types.ErrNoOperators, row.Field)
	}
	return ops, nil
}

// SetOperator sets the operator of condition c of group g. Operators outside
// the catalog for the row's type are rejected without mutation. The between
// operator on DATE/DATETIME rows switches to range mode and clears the
// scalar value; any other operator clears from/to.
func (e *RuleSetEditor) SetOperator(g, c int, op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	row, err := e.conditionLocked(g, c)
	if err != nil {
		return err
	}
	if len(OperatorsFor(row.DataType)) == 0 {
		return fmt.Errorf("%w for field %q", types.ErrNoOperators, row.Field)
	}
	if !Allows(row.DataType, op) {
		return fmt.Errorf("%w: %q on %s field %q", types.ErrInvalidOperator, op, row.DataType, row.Field)
	}

	row.Operator = op
	if IsBetween(op) && SupportsRange(row.DataType) {
		row.RangeMode = true
		row.Value = ""
	} else {
		row.RangeMode = false
		row.From, row.To = "", ""
	}
	return nil
}

// SetValue sets the scalar value of condition c of group g. Values of
// enumerable rows must come from the resolved set.
func (e *RuleSetEditor) SetValue(g, c int, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	row, err := e.conditionLocked(g, c)
	if err != nil {
		return err
	}
	if row.Operator == "" {
		return types.ErrOperatorNotSet
	}
	if row.RangeMode {
		return types.ErrRangeMode
	}
	if row.DataType.IsEnumerable() && len(row.EnumValues) > 0 && value != "" {
		probe := *row
		probe.Value = value
		for _, item := range enumSelection(&probe) {
			if !containsEnum(row.EnumValues, item) {
				return fmt.Errorf("%w: %q for field %q", types.ErrValueNotAllowed, item, row.Field)
			}
		}
	}
	row.Value = value
	return nil
}

// SetRange sets the from/to pair of a range-mode condition.
func (e *RuleSetEditor) SetRange(g, c int, from, to string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	row, err := e.conditionLocked(g, c)
	if err != nil {
		return err
	}
	if !row.RangeMode {
		return types.ErrNotRangeMode
	}
	row.From, row.To = strings.TrimSpace(from), strings.TrimSpace(to)
	return nil
}

// Groups returns a deep copy of the session's groups.
func (e *RuleSetEditor) Groups() []*types.RuleGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.RuleGroup, len(e.groups))
	for i, g := range e.groups {
		out[i] = g.Clone()
	}
	return out
}

// Group returns a copy of group i.
func (e *RuleSetEditor) Group(i int) (*types.RuleGroup, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, err := e.groupLocked(i)
	if err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

// Condition returns a copy of condition c of group g.
func (e *RuleSetEditor) Condition(g, c int) (*types.ConditionRow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	row, err := e.conditionLocked(g, c)
	if err != nil {
		return nil, err
	}
	return row.Clone(), nil
}

// Validate checks the whole session and returns every violation.
func (e *RuleSetEditor) Validate() types.ValidationErrors {
	e.mu.Lock()
	errs := ValidateGroups(e.groups)
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.ObserveValidation("rules", len(errs))
	}
	return errs
}

// BuildPayload returns the current groups and pending deletions.
func (e *RuleSetEditor) BuildPayload() RulePayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return BuildPayload(e.groups, e.deletedGroups, e.deletedConditions)
}

// Load replaces the session with the object's persisted rules. An object
// without rules starts with one blank group. Loaded fields are resolved
// before Load returns; their operators and values are kept.
func (e *RuleSetEditor) Load(ctx context.Context, store RuleStore) error {
	groups, err := store.LoadRules(ctx, e.object)
	if err != nil {
		var rerr *types.ResolutionError
		if errors.As(err, &rerr) {
			return err
		}
		return &types.PersistenceError{Op: "load rules", Err: err}
	}

	type pending struct {
		rowID types.RowID
		gen   uint64
		field string
	}
	var work []pending

	e.mu.Lock()
	e.groups = groups
	e.deletedGroups = nil
	e.deletedConditions = nil
	e.generations = make(map[types.RowID]uint64)
	e.lastGroup = ""
	if len(e.groups) == 0 {
		e.addGroupLocked()
	} else {
		for _, g := range e.groups {
			if g.RowID == "" {
				g.RowID = types.NewRowID()
			}
			for _, c := range g.Conditions {
				if c.RowID == "" {
					c.RowID = types.NewRowID()
				}
				if c.Field == "" {
					continue
				}
				c.Resolve = types.ResolvePending
				e.generations[c.RowID]++
				work = append(work, pending{c.RowID, e.generations[c.RowID], c.Field})
			}
		}
		e.lastGroup = e.groups[len(e.groups)-1].RowID
		e.reindexLocked()
	}
	e.mu.Unlock()

	e.logger.Debug("rules loaded", zap.Int("groups", len(groups)), zap.Int("fields", len(work)))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.loadConcurrency)
	for _, w := range work {
		e.inflight.Add(1)
		eg.Go(func() error {
			defer e.inflight.Done()
			e.resolveRow(egCtx, w.rowID, w.gen, w.field, true)
			return nil
		})
	}
	_ = eg.Wait()
	return ctx.Err()
}

// Submit validates the session and persists it. On success the assigned ids
// are adopted and the submitted deletions cleared. On failure the session is
// unchanged: validation failures return types.ValidationErrors and store
// failures a *types.PersistenceError.
func (e *RuleSetEditor) Submit(ctx context.Context, store RuleStore) (RuleAck, error) {
	start := time.Now()
	if errs := e.Validate(); len(errs) > 0 {
		e.observeSubmit("invalid", start)
		return RuleAck{}, errs
	}

	payload := e.BuildPayload()
	ack, err := store.PersistRules(ctx, e.object, payload)
	if err != nil {
		e.observeSubmit("error", start)
		e.logger.Warn("persist rules failed", zap.Error(err))
		var perr *types.PersistenceError
		if errors.As(err, &perr) {
			return RuleAck{}, perr
		}
		return RuleAck{}, &types.PersistenceError{Op: "persist rules", Err: err}
	}

	e.mu.Lock()
	for _, ga := range ack.Groups {
		for _, g := range e.groups {
			if g.RowID != ga.RowID {
				continue
			}
			if g.ID == "" {
				g.ID = ga.GroupID
			}
			for _, ca := range ga.Conditions {
				for _, c := range g.Conditions {
					if c.RowID == ca.RowID && c.ID == "" {
						c.ID = ca.ConditionID
					}
				}
			}
		}
	}
	e.deletedGroups = without(e.deletedGroups, payload.DeletedGroupIDs)
	e.deletedConditions = without(e.deletedConditions, payload.DeletedConditionIDs)
	e.mu.Unlock()

	e.observeSubmit("ok", start)
	e.logger.Info("rules submitted",
		zap.Int("groups", len(payload.Groups)),
		zap.Int("deleted_groups", len(payload.DeletedGroupIDs)),
		zap.Int("deleted_conditions", len(payload.DeletedConditionIDs)))
	return ack, nil
}

// without returns ids minus the submitted ones, keeping deletions recorded
// while the submit was in flight.
func without[T comparable](ids, submitted []T) []T {
	done := make(map[T]bool, len(submitted))
	for _, id := range submitted {
		done[id] = true
	}
	var out []T
	for _, id := range ids {
		if !done[id] {
			out = append(out, id)
		}
	}
	return out
}

func (e *RuleSetEditor) groupLocked(i int) (*types.RuleGroup, error) {
	if i < 0 || i >= len(e.groups) {
		return nil, fmt.Errorf("%w: criteria %d", types.ErrIndexOutOfRange, i)
	}
	return e.groups[i], nil
}

func (e *RuleSetEditor) conditionLocked(g, c int) (*types.ConditionRow, error) {
	group, err := e.groupLocked(g)
	if err != nil {
		return nil, err
	}
	if c < 0 || c >= len(group.Conditions) {
		return nil, fmt.Errorf("%w: criteria %d condition %d", types.ErrIndexOutOfRange, g, c)
	}
	return group.Conditions[c], nil
}

func (e *RuleSetEditor) findRowLocked(rowID types.RowID) *types.ConditionRow {
	for _, g := range e.groups {
		for _, c := range g.Conditions {
			if c.RowID == rowID {
				return c
			}
		}
	}
	return nil
}

// reindexLocked rewrites 1-based display serials.
func (e *RuleSetEditor) reindexLocked() {
	for i, g := range e.groups {
		g.Serial = i + 1
		for j, c := range g.Conditions {
			c.Serial = j + 1
		}
	}
}

func (e *RuleSetEditor) observeResolution(outcome string, start time.Time) {
	if e.observer != nil {
		e.observer.ObserveResolution(outcome, time.Since(start))
	}
}

func (e *RuleSetEditor) observeSubmit(outcome string, start time.Time) {
	if e.observer != nil {
		e.observer.ObserveSubmit("rules", outcome, time.Since(start))
	}
}
