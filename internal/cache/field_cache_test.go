package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/solatis/crmrules/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	mu        sync.Mutex
	typeCalls int
	enumCalls int
	types     map[string]types.DataType
	enums     map[string][]types.EnumValue
}

func (s *stubResolver) ResolveFieldType(ctx context.Context, object, field string) (types.DataType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typeCalls++
	dt, ok := s.types[object+"."+field]
	if !ok {
		return types.DataTypeUnknown, types.ErrFieldNotFound
	}
	return dt, nil
}

func (s *stubResolver) ResolveEnumValues(ctx context.Context, object, field string) ([]types.EnumValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enumCalls++
	return s.enums[object+"."+field], nil
}

type hitCounter struct {
	hits, misses int
}

func (h *hitCounter) ObserveFieldCache(layer string, hit bool) {
	if layer != "redis" {
		return
	}
	if hit {
		h.hits++
	} else {
		h.misses++
	}
}

func newTestCache(t *testing.T, opts ...Option) (*FieldCache, *stubResolver, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	stub := &stubResolver{
		types: map[string]types.DataType{
			"Lead.Budget__c": types.DataTypeCurrency,
			"Lead.Status":    types.DataTypePicklist,
		},
		enums: map[string][]types.EnumValue{
			"Lead.Status": {{Label: "Open", Value: "open"}, {Label: "Won", Value: "won"}},
		},
	}
	return NewFieldCache(client, stub, opts...), stub, s
}

func TestFieldCache_ResolveFieldType(t *testing.T) {
	obs := &hitCounter{}
	c, stub, _ := newTestCache(t, WithObserver(obs))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dt, err := c.ResolveFieldType(ctx, "Lead", "Budget__c")
		require.NoError(t, err)
		assert.Equal(t, types.DataTypeCurrency, dt)
	}
	assert.Equal(t, 1, stub.typeCalls)
	assert.Equal(t, 2, obs.hits)
	assert.Equal(t, 1, obs.misses)
}

func TestFieldCache_ErrorsAreNotCached(t *testing.T) {
	c, stub, s := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.ResolveFieldType(ctx, "Lead", "Missing")
		assert.ErrorIs(t, err, types.ErrFieldNotFound)
	}
	assert.Equal(t, 2, stub.typeCalls)
	assert.False(t, s.Exists(fieldTypeKeyPrefix+"Lead:Missing"))
}

func TestFieldCache_EnumValues(t *testing.T) {
	c, stub, _ := newTestCache(t)
	ctx := context.Background()

	want := []types.EnumValue{{Label: "Open", Value: "open"}, {Label: "Won", Value: "won"}}
	for i := 0; i < 2; i++ {
		got, err := c.ResolveEnumValues(ctx, "Lead", "Status")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 1, stub.enumCalls)
}

func TestFieldCache_TTL(t *testing.T) {
	c, stub, s := newTestCache(t, WithTTL(time.Minute))
	ctx := context.Background()

	_, err := c.ResolveFieldType(ctx, "Lead", "Budget__c")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.TTL(fieldTypeKeyPrefix+"Lead:Budget__c"))

	s.FastForward(2 * time.Minute)
	_, err = c.ResolveFieldType(ctx, "Lead", "Budget__c")
	require.NoError(t, err)
	assert.Equal(t, 2, stub.typeCalls)
}

func TestFieldCache_Invalidate(t *testing.T) {
	c, stub, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.ResolveFieldType(ctx, "Lead", "Budget__c")
	require.NoError(t, err)
	_, err = c.ResolveEnumValues(ctx, "Lead", "Status")
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, "Lead", "Budget__c"))
	_, err = c.ResolveFieldType(ctx, "Lead", "Budget__c")
	require.NoError(t, err)
	assert.Equal(t, 2, stub.typeCalls)

	require.NoError(t, c.InvalidateObject(ctx, "Lead"))
	_, err = c.ResolveEnumValues(ctx, "Lead", "Status")
	require.NoError(t, err)
	assert.Equal(t, 2, stub.enumCalls)
}

func TestFieldCache_DegradesWhenRedisIsDown(t *testing.T) {
	c, stub, s := newTestCache(t)
	s.Close()

	dt, err := c.ResolveFieldType(context.Background(), "Lead", "Budget__c")
	require.NoError(t, err)
	assert.Equal(t, types.DataTypeCurrency, dt)
	assert.Equal(t, 1, stub.typeCalls)
}

func TestFieldCache_DiscardsCorruptEntries(t *testing.T) {
	c, stub, s := newTestCache(t)
	require.NoError(t, s.Set(fieldTypeKeyPrefix+"Lead:Budget__c", "MONEY"))
	require.NoError(t, s.Set(fieldEnumKeyPrefix+"Lead:Status", "{not json"))

	dt, err := c.ResolveFieldType(context.Background(), "Lead", "Budget__c")
	require.NoError(t, err)
	assert.Equal(t, types.DataTypeCurrency, dt)

	_, err = c.ResolveEnumValues(context.Background(), "Lead", "Status")
	require.NoError(t, err)
	assert.Equal(t, 1, stub.typeCalls)
	assert.Equal(t, 1, stub.enumCalls)

	got, _ := s.Get(fieldTypeKeyPrefix + "Lead:Budget__c")
	assert.Equal(t, "CURRENCY", got)
}
