package gate

import (
	"context"
	"testing"
	"time"

	"github.com/Makoto0824/machisaga/cache"
	"github.com/Makoto0824/machisaga/config"
	"github.com/Makoto0824/machisaga/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()

	c, err := cache.New(config.CacheConfig{
		Enabled:     true,
		MaxSizeMB:   1,
		TTLSeconds:  60,
		CounterSize: 100,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func setupRules(t *testing.T) (*RuleStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	def := model.AccessRule{IntervalSeconds: 1800, MaxPerDay: 1}
	return NewRuleStore(client, nil, def), s, client
}

func TestRuleStore_GetCreatesDefault(t *testing.T) {
	store, _, client := setupRules(t)
	ctx := context.Background()

	rule, err := store.Get(ctx, "kurofune")
	require.NoError(t, err)
	assert.Equal(t, store.Default(), rule)

	// The default is persisted, and repeated reads return the same shape
	assert.Equal(t, int64(1), client.Exists(ctx, model.RuleKey("kurofune")).Val())

	again, err := store.Get(ctx, "kurofune")
	require.NoError(t, err)
	assert.Equal(t, rule, again)
}

func TestRuleStore_SetOverwrites(t *testing.T) {
	store, _, _ := setupRules(t)
	ctx := context.Background()

	want := model.AccessRule{IntervalSeconds: 7200, MaxPerDay: 2}
	require.NoError(t, store.Set(ctx, "kurofune", want))

	got, err := store.Get(ctx, "kurofune")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRuleStore_SetInvalidatesAccessRecords(t *testing.T) {
	store, s, client := setupRules(t)
	ctx := context.Background()

	// Live cooldown records for the venue, plus one for another venue
	require.NoError(t, s.Set(model.AccessKey("u1", "kurofune"), `{"nextAvailableAt":99,"lastAccessAt":0}`))
	require.NoError(t, s.Set(model.AccessKey("u2", "kurofune"), `{"nextAvailableAt":99,"lastAccessAt":0}`))
	require.NoError(t, s.Set(model.AccessKey("u1", "mobara"), `{"nextAvailableAt":99,"lastAccessAt":0}`))

	require.NoError(t, store.Set(ctx, "kurofune", model.AccessRule{IntervalSeconds: 60}))

	assert.Equal(t, int64(0), client.Exists(ctx, model.AccessKey("u1", "kurofune")).Val())
	assert.Equal(t, int64(0), client.Exists(ctx, model.AccessKey("u2", "kurofune")).Val())
	assert.Equal(t, int64(1), client.Exists(ctx, model.AccessKey("u1", "mobara")).Val(),
		"other venues keep their records")
}

func TestRuleStore_DeleteRevertsToDefault(t *testing.T) {
	store, _, client := setupRules(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "kurofune", model.AccessRule{IntervalSeconds: 7200, MaxPerDay: 5}))
	require.NoError(t, store.Delete(ctx, "kurofune"))

	assert.Equal(t, int64(0), client.Exists(ctx, model.RuleKey("kurofune")).Val())

	rule, err := store.Get(ctx, "kurofune")
	require.NoError(t, err)
	assert.Equal(t, store.Default(), rule)
}

func TestRuleStore_MalformedRuleFallsBack(t *testing.T) {
	store, s, _ := setupRules(t)
	ctx := context.Background()

	require.NoError(t, s.Set(model.RuleKey("kurofune"), "garbage"))

	rule, err := store.Get(ctx, "kurofune")
	require.NoError(t, err)
	assert.Equal(t, store.Default(), rule)

	// The stored value is left alone for an admin to repair
	raw, err := s.Get(model.RuleKey("kurofune"))
	require.NoError(t, err)
	assert.Equal(t, "garbage", raw)
}

func TestRuleStore_List(t *testing.T) {
	store, _, _ := setupRules(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "kurofune", model.AccessRule{IntervalSeconds: 1800, MaxPerDay: 1}))
	require.NoError(t, store.Set(ctx, "mobara", model.AccessRule{IntervalSeconds: 7200, MaxPerDay: 2}))

	rules, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
	assert.Equal(t, model.AccessRule{IntervalSeconds: 1800, MaxPerDay: 1}, rules["kurofune"])
	assert.Equal(t, model.AccessRule{IntervalSeconds: 7200, MaxPerDay: 2}, rules["mobara"])
}

func TestRuleStore_ListSkipsMalformed(t *testing.T) {
	store, s, _ := setupRules(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "kurofune", model.AccessRule{IntervalSeconds: 1800, MaxPerDay: 1}))
	require.NoError(t, s.Set(model.RuleKey("broken"), "not json"))

	rules, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	_, ok := rules["broken"]
	assert.False(t, ok)
}

func TestRuleStore_CachedRead(t *testing.T) {
	// With a cache attached, a repeated Get is served without the store
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	c := newTestCache(t)
	store := NewRuleStore(client, c, model.AccessRule{IntervalSeconds: 1800, MaxPerDay: 1})
	ctx := context.Background()

	want := model.AccessRule{IntervalSeconds: 600, MaxPerDay: 3}
	require.NoError(t, store.Set(ctx, "kurofune", want))

	first, err := store.Get(ctx, "kurofune")
	require.NoError(t, err)
	require.Equal(t, want, first)

	// Wait for the cache's async admission
	time.Sleep(10 * time.Millisecond)

	// Sabotage the stored value; the cached copy still serves
	require.NoError(t, s.Set(model.RuleKey("kurofune"), "garbage"))

	cached, err := store.Get(ctx, "kurofune")
	require.NoError(t, err)
	assert.Equal(t, want, cached)
}
