package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/solatis/crmrules/internal/types"
	"golang.org/x/sync/errgroup"
)

// Reresolve replaces the data type and enum values of every condition in
// groups with what resolver reports, discarding whatever the sender
// claimed. Unknown fields are marked ResolveFailed so ValidateGroups
// reports them against their row. Any other lookup failure aborts with a
// *types.ResolutionError.
//
// Range mode is re-derived from the resolved type.
func Reresolve(ctx context.Context, resolver FieldResolver, object string, groups []*types.RuleGroup, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(concurrency)
	for _, g := range groups {
		for _, c := range g.Conditions {
			if c.Field == "" {
				continue
			}
			eg.Go(func() error {
				return reresolveRow(egCtx, resolver, object, c)
			})
		}
	}
	return eg.Wait()
}

// reresolveRow owns c for the duration of the call.
func reresolveRow(ctx context.Context, resolver FieldResolver, object string, c *types.ConditionRow) error {
	c.EnumValues = nil

	dt, err := resolver.ResolveFieldType(ctx, object, c.Field)
	if err == nil {
		if _, known := types.ParseDataType(string(dt)); !known {
			err = fmt.Errorf("%w: unsupported data type %q", types.ErrFieldNotFound, dt)
		}
	}
	if errors.Is(err, types.ErrFieldNotFound) {
		c.Resolve = types.ResolveFailed
		c.DataType = types.DataTypeUnknown
		return nil
	}
	if err != nil {
		return asResolutionError(object, c.Field, err)
	}

	if c.RangeMode && !SupportsRange(dt) {
		c.Value = JoinRange(c.From, c.To)
		c.From, c.To, c.RangeMode = "", "", false
	}
	c.DataType = dt
	c.Resolve = types.ResolveDone
	applyRangeMode(c, c.From, c.To)

	if !dt.IsEnumerable() {
		return nil
	}
	values, err := resolver.ResolveEnumValues(ctx, object, c.Field)
	if err != nil {
		return asResolutionError(object, c.Field, err)
	}
	c.EnumValues = values
	return nil
}
