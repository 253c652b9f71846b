package rules

import (
	"context"
	"sync"

	"github.com/solatis/crmrules/internal/types"
	"golang.org/x/sync/singleflight"
)

// FieldResolver looks up field metadata for a scoring object.
// Implemented by store.FieldCatalog (SQL), cache.FieldCache (redis) and
// client.Client (remote). Implementations must be safe for concurrent use.
type FieldResolver interface {
	// ResolveFieldType returns the field's data type.
	// Returns types.ErrFieldNotFound (possibly wrapped) for unknown fields.
	ResolveFieldType(ctx context.Context, object, field string) (types.DataType, error)

	// ResolveEnumValues returns the allowed values of an enumerable field.
	ResolveEnumValues(ctx context.Context, object, field string) ([]types.EnumValue, error)
}

// CacheObserver receives hit/miss notifications from CachingResolver.
// metrics.Collector satisfies it.
type CacheObserver interface {
	ObserveFieldCache(layer string, hit bool)
}

// CachingResolver memoizes successful lookups in process memory.
// Concurrent lookups for the same key share one upstream call.
// Errors are never cached so a failed row can be retried by reselecting.
type CachingResolver struct {
	next     FieldResolver
	observer CacheObserver

	mu        sync.RWMutex
	dataTypes map[fieldKey]types.DataType
	enums     map[fieldKey][]types.EnumValue

	group singleflight.Group
}

type fieldKey struct {
	object string
	field  string
}

// NewCachingResolver wraps next. observer may be nil.
func NewCachingResolver(next FieldResolver, observer CacheObserver) *CachingResolver {
	return &CachingResolver{
		next:      next,
		observer:  observer,
		dataTypes: make(map[fieldKey]types.DataType),
		enums:     make(map[fieldKey][]types.EnumValue),
	}
}

// ResolveFieldType implements FieldResolver.
func (r *CachingResolver) ResolveFieldType(ctx context.Context, object, field string) (types.DataType, error) {
	key := fieldKey{object, field}

	r.mu.RLock()
	dt, ok := r.dataTypes[key]
	r.mu.RUnlock()
	r.observe(ok)
	if ok {
		return dt, nil
	}

	v, err := r.shared(ctx, "type\x00"+object+"\x00"+field, func(ctx context.Context) (any, error) {
		dt, err := r.next.ResolveFieldType(ctx, object, field)
		if err != nil {
			return types.DataTypeUnknown, err
		}
		r.mu.Lock()
		r.dataTypes[key] = dt
		r.mu.Unlock()
		return dt, nil
	})
	if err != nil {
		return types.DataTypeUnknown, err
	}
	return v.(types.DataType), nil
}

// ResolveEnumValues implements FieldResolver. Returned slices are copies.
func (r *CachingResolver) ResolveEnumValues(ctx context.Context, object, field string) ([]types.EnumValue, error) {
	key := fieldKey{object, field}

	r.mu.RLock()
	values, ok := r.enums[key]
	r.mu.RUnlock()
	r.observe(ok)
	if ok {
		return append([]types.EnumValue(nil), values...), nil
	}

	v, err := r.shared(ctx, "enum\x00"+object+"\x00"+field, func(ctx context.Context) (any, error) {
		values, err := r.next.ResolveEnumValues(ctx, object, field)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.enums[key] = values
		r.mu.Unlock()
		return values, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]types.EnumValue(nil), v.([]types.EnumValue)...), nil
}

// shared runs fn once for concurrent callers of key. fn is detached from
// the cancellation of whichever caller started it; every caller still
// stops waiting when its own ctx is done.
func (r *CachingResolver) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := r.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops cached entries for one field, or for the whole object
// when field is empty.
func (r *CachingResolver) Invalidate(object, field string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.dataTypes {
		if key.object == object && (field == "" || key.field == field) {
			delete(r.dataTypes, key)
		}
	}
	for key := range r.enums {
		if key.object == object && (field == "" || key.field == field) {
			delete(r.enums, key)
		}
	}
}

func (r *CachingResolver) observe(hit bool) {
	if r.observer != nil {
		r.observer.ObserveFieldCache("memory", hit)
	}
}
