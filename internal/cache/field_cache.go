// Package cache provides a redis-backed field metadata cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/types"
	"go.uber.org/zap"
)

const (
	fieldTypeKeyPrefix = "crm:field:type:"
	fieldEnumKeyPrefix = "crm:field:enum:"

	// DefaultTTL bounds how long a catalog change can stay invisible.
	DefaultTTL = 10 * time.Minute
)

// FieldCache decorates a FieldResolver with a shared redis cache.
// Successful lookups are stored with a TTL; errors are never cached.
// A redis failure degrades to a direct lookup instead of failing the call.
type FieldCache struct {
	client   redis.UniversalClient
	next     rules.FieldResolver
	ttl      time.Duration
	observer rules.CacheObserver
	logger   *zap.Logger
}

var _ rules.FieldResolver = (*FieldCache)(nil)

// Option configures a FieldCache.
type Option func(*FieldCache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *FieldCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithObserver reports hits and misses under the "redis" layer.
func WithObserver(o rules.CacheObserver) Option {
	return func(c *FieldCache) { c.observer = o }
}

// WithLogger sets the logger used for degraded redis operations.
func WithLogger(l *zap.Logger) Option {
	return func(c *FieldCache) { c.logger = l }
}

// NewFieldCache wraps next.
func NewFieldCache(client redis.UniversalClient, next rules.FieldResolver, opts ...Option) *FieldCache {
	c := &FieldCache{
		client: client,
		next:   next,
		ttl:    DefaultTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func fieldKey(prefix, object, field string) string {
	return prefix + object + ":" + field
}

// ResolveFieldType implements rules.FieldResolver.
func (c *FieldCache) ResolveFieldType(ctx context.Context, object, field string) (types.DataType, error) {
	key := fieldKey(fieldTypeKeyPrefix, object, field)

	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if dt, ok := types.ParseDataType(val); ok {
			c.observe(true)
			return dt, nil
		}
		c.logger.Warn("discarding unparseable cached field type", zap.String("key", key), zap.String("value", val))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("field cache read failed", zap.String("key", key), zap.Error(err))
	}
	c.observe(false)

	dt, err := c.next.ResolveFieldType(ctx, object, field)
	if err != nil {
		return dt, err
	}
	if err := c.client.Set(ctx, key, string(dt), c.ttl).Err(); err != nil {
		c.logger.Warn("field cache write failed", zap.String("key", key), zap.Error(err))
	}
	return dt, nil
}

// ResolveEnumValues implements rules.FieldResolver.
func (c *FieldCache) ResolveEnumValues(ctx context.Context, object, field string) ([]types.EnumValue, error) {
	key := fieldKey(fieldEnumKeyPrefix, object, field)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var values []types.EnumValue
		if jerr := json.Unmarshal(raw, &values); jerr == nil {
			c.observe(true)
			return values, nil
		}
		c.logger.Warn("discarding unparseable cached enum values", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("field cache read failed", zap.String("key", key), zap.Error(err))
	}
	c.observe(false)

	values, err := c.next.ResolveEnumValues(ctx, object, field)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return values, nil
	}
	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		c.logger.Warn("field cache write failed", zap.String("key", key), zap.Error(err))
	}
	return values, nil
}

// Invalidate drops the cached type and values of one field.
func (c *FieldCache) Invalidate(ctx context.Context, object, field string) error {
	return c.client.Del(ctx,
		fieldKey(fieldTypeKeyPrefix, object, field),
		fieldKey(fieldEnumKeyPrefix, object, field),
	).Err()
}

// InvalidateObject drops every cached entry of object. Used after a
// catalog import.
func (c *FieldCache) InvalidateObject(ctx context.Context, object string) error {
	for _, prefix := range []string{fieldTypeKeyPrefix, fieldEnumKeyPrefix} {
		iter := c.client.Scan(ctx, 0, prefix+object+":*", 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) == 0 {
			continue
		}
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (c *FieldCache) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveFieldCache("redis", hit)
	}
}
