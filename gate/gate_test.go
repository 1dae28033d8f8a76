package gate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Makoto0824/machisaga/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGate(t *testing.T, def model.AccessRule) (*Gate, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	rules := NewRuleStore(client, nil, def)
	return New(client, rules, time.UTC), s, client
}

func TestCheck_FirstAccess(t *testing.T) {
	g, _, _ := setupGate(t, model.AccessRule{IntervalSeconds: 1800})
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	decision, err := g.Check(context.Background(), "u1", "kurofune")
	require.NoError(t, err)

	assert.Equal(t, StatusOK, decision.Status)
	assert.Equal(t, base.Add(1800*time.Second).Unix(), decision.RetryAt.Unix())
}

func TestCheck_CooldownMonotonicity(t *testing.T) {
	g, _, client := setupGate(t, model.AccessRule{IntervalSeconds: 1800})
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	ctx := context.Background()

	first, err := g.Check(ctx, "u1", "kurofune")
	require.NoError(t, err)
	require.Equal(t, StatusOK, first.Status)

	stored, err := client.Get(ctx, model.AccessKey("u1", "kurofune")).Bytes()
	require.NoError(t, err)

	// Every call inside the window is locked with the same retryAt and
	// must not touch the stored record
	for _, offset := range []time.Duration{1 * time.Second, 900 * time.Second, 1799 * time.Second} {
		g.now = func() time.Time { return base.Add(offset) }

		decision, err := g.Check(ctx, "u1", "kurofune")
		require.NoError(t, err)
		assert.Equal(t, StatusLocked, decision.Status)
		assert.Equal(t, first.RetryAt.Unix(), decision.RetryAt.Unix())

		after, err := client.Get(ctx, model.AccessKey("u1", "kurofune")).Bytes()
		require.NoError(t, err)
		assert.Equal(t, stored, after, "denial must not mutate the record")
	}
}

func TestCheck_TTLExpiryEqualsNeverSeen(t *testing.T) {
	g, s, client := setupGate(t, model.AccessRule{IntervalSeconds: 1800})
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	ctx := context.Background()

	first, err := g.Check(ctx, "u1", "kurofune")
	require.NoError(t, err)
	require.Equal(t, StatusOK, first.Status)

	// Let the record's TTL elapse
	s.FastForward(1801 * time.Second)
	require.Equal(t, int64(0), client.Exists(ctx, model.AccessKey("u1", "kurofune")).Val())

	later := base.Add(1801 * time.Second)
	g.now = func() time.Time { return later }

	decision, err := g.Check(ctx, "u1", "kurofune")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, decision.Status)
	assert.Equal(t, later.Add(1800*time.Second).Unix(), decision.RetryAt.Unix())
}

func TestCheck_WindowRefresh(t *testing.T) {
	// Cooldown elapsed but the record still present (no daily cap):
	// the window refreshes from now
	g, _, _ := setupGate(t, model.AccessRule{IntervalSeconds: 1800})
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	ctx := context.Background()

	_, err := g.Check(ctx, "u1", "kurofune")
	require.NoError(t, err)

	refresh := base.Add(1800 * time.Second)
	g.now = func() time.Time { return refresh }

	decision, err := g.Check(ctx, "u1", "kurofune")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, decision.Status)
	assert.Equal(t, refresh.Add(1800*time.Second).Unix(), decision.RetryAt.Unix())
}

func TestCheck_DailyCap(t *testing.T) {
	// The documented scenario: interval 1800s, one play per day
	g, _, client := setupGate(t, model.AccessRule{IntervalSeconds: 1800, MaxPerDay: 1})
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	ctx := context.Background()

	first, err := g.Check(ctx, "u1", "kurofune")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, first.Status)

	// The first grant counted one play
	count, err := client.Get(ctx, model.DailyKey("u1", "kurofune", "20260115")).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Mid-window: plain lock
	g.now = func() time.Time { return base.Add(900 * time.Second) }
	mid, err := g.Check(ctx, "u1", "kurofune")
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, mid.Status)
	assert.Equal(t, first.RetryAt.Unix(), mid.RetryAt.Unix())

	// Window elapsed but the day's budget is spent: locked until midnight
	g.now = func() time.Time { return base.Add(1800 * time.Second) }
	capped, err := g.Check(ctx, "u1", "kurofune")
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, capped.Status)

	midnight := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, midnight.Unix(), capped.RetryAt.Unix())

	// The stored record carries the midnight horizon
	data, err := client.Get(ctx, model.AccessKey("u1", "kurofune")).Bytes()
	require.NoError(t, err)
	var rec model.AccessRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, midnight.Unix(), rec.NextAvailableAt)
}

func TestCheck_DailyCapDisabled(t *testing.T) {
	g, _, client := setupGate(t, model.AccessRule{IntervalSeconds: 60, MaxPerDay: 0})
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	ctx := context.Background()

	// Many refreshes, never capped, no counter written
	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * time.Minute)
		g.now = func() time.Time { return now }

		decision, err := g.Check(ctx, "u1", "mobara")
		require.NoError(t, err)
		assert.Equal(t, StatusOK, decision.Status)
	}

	keys, err := client.Keys(ctx, model.DailyKeyPrefix+"*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCheck_MalformedRecordFailsOpen(t *testing.T) {
	g, s, _ := setupGate(t, model.AccessRule{IntervalSeconds: 1800})
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	require.NoError(t, s.Set(model.AccessKey("u1", "kurofune"), "{not json"))

	decision, err := g.Check(context.Background(), "u1", "kurofune")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, decision.Status)
	assert.Equal(t, base.Add(1800*time.Second).Unix(), decision.RetryAt.Unix())
}

func TestCheck_UsersIsolated(t *testing.T) {
	g, _, _ := setupGate(t, model.AccessRule{IntervalSeconds: 1800})
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	ctx := context.Background()

	first, err := g.Check(ctx, "u1", "kurofune")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, first.Status)

	// A different visitor is unaffected by u1's cooldown
	other, err := g.Check(ctx, "u2", "kurofune")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, other.Status)
}

func TestCheck_StoreUnavailable(t *testing.T) {
	g, s, _ := setupGate(t, model.AccessRule{IntervalSeconds: 1800})
	s.Close()

	_, err := g.Check(context.Background(), "u1", "kurofune")
	assert.Error(t, err)
}

func TestClear(t *testing.T) {
	g, _, client := setupGate(t, model.AccessRule{IntervalSeconds: 1800})
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	ctx := context.Background()

	_, err := g.Check(ctx, "u1", "kurofune")
	require.NoError(t, err)

	require.NoError(t, g.Clear(ctx, "u1", "kurofune"))
	assert.Equal(t, int64(0), client.Exists(ctx, model.AccessKey("u1", "kurofune")).Val())

	// Cleared record means a fresh grant
	decision, err := g.Check(ctx, "u1", "kurofune")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, decision.Status)
}
