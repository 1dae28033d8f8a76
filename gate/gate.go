package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Makoto0824/machisaga/model"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// Status is the machine-readable outcome of a gate check.
type Status string

const (
	StatusOK     Status = "ok"
	StatusLocked Status = "locked"
)

// Decision is the result of one gate evaluation. RetryAt is when the
// visitor may next be granted: for an "ok" it is the end of the fresh
// cooldown window, for a "locked" it is when the lock lifts.
type Decision struct {
	Status  Status
	RetryAt time.Time
}

// Gate admits or denies an action for a (visitor, venue) pair based on
// the venue's AccessRule and the visitor's stored cooldown record.
//
// The check is read-then-decide with no cross-request locking: two
// requests racing at the cooldown boundary may both be admitted. That is
// the accepted contract; only the daily counter uses an atomic INCR.
type Gate struct {
	redis *redis.Client
	rules *RuleStore
	loc   *time.Location
	now   func() time.Time
}

func New(rdb *redis.Client, rules *RuleStore, loc *time.Location) *Gate {
	if loc == nil {
		loc = time.Local
	}
	return &Gate{
		redis: rdb,
		rules: rules,
		loc:   loc,
		now:   time.Now,
	}
}

// Check evaluates one access attempt.
func (g *Gate) Check(ctx context.Context, userID, resourceID string) (Decision, error) {
	rule, err := g.rules.Get(ctx, resourceID)
	if err != nil {
		return Decision{}, err
	}

	key := model.AccessKey(userID, resourceID)
	now := g.now().In(g.loc)

	data, err := g.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		// First access (or the previous window's TTL elapsed)
		return g.grant(ctx, key, userID, resourceID, rule, now, false)
	} else if err != nil {
		return Decision{}, fmt.Errorf("load access record: %w", err)
	}

	var rec model.AccessRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Fail open: a record we cannot read must never lock a visitor out
		log.Warn().Err(err).Str("key", key).Msg("Malformed access record, treating as first access")
		return g.grant(ctx, key, userID, resourceID, rule, now, false)
	}

	if now.Unix() < rec.NextAvailableAt {
		// Still cooling down; return the stored horizon untouched
		return Decision{
			Status:  StatusLocked,
			RetryAt: time.Unix(rec.NextAvailableAt, 0).In(g.loc),
		}, nil
	}

	// Cooldown elapsed with the record still present: refresh the window.
	// Only this path enforces the daily cap.
	return g.grant(ctx, key, userID, resourceID, rule, now, true)
}

// grant admits the visitor, refreshing the cooldown record. When
// enforceCap is set and the venue caps daily plays, the incremented
// counter may convert the grant into a lock until local midnight.
func (g *Gate) grant(ctx context.Context, key, userID, resourceID string, rule model.AccessRule, now time.Time, enforceCap bool) (Decision, error) {
	rec := model.AccessRecord{
		NextAvailableAt: now.Unix() + int64(rule.IntervalSeconds),
		LastAccessAt:    now.Unix(),
	}

	if rule.MaxPerDay > 0 {
		count, err := g.bumpDailyCounter(ctx, userID, resourceID, now)
		if err != nil {
			return Decision{}, err
		}

		if enforceCap && count > int64(rule.MaxPerDay) {
			midnight := nextMidnight(now, g.loc)
			rec.NextAvailableAt = midnight.Unix()
			if err := g.writeRecord(ctx, key, rec, midnight.Sub(now)); err != nil {
				return Decision{}, err
			}
			log.Info().
				Str("user_id", userID).
				Str("resource_id", resourceID).
				Int64("daily_count", count).
				Int("max_per_day", rule.MaxPerDay).
				Time("retry_at", midnight).
				Msg("Daily cap reached, locked until midnight")
			return Decision{Status: StatusLocked, RetryAt: midnight}, nil
		}
	}

	if err := g.writeRecord(ctx, key, rec, time.Duration(rule.IntervalSeconds)*time.Second); err != nil {
		return Decision{}, err
	}

	return Decision{
		Status:  StatusOK,
		RetryAt: time.Unix(rec.NextAvailableAt, 0).In(g.loc),
	}, nil
}

func (g *Gate) writeRecord(ctx context.Context, key string, rec model.AccessRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal access record: %w", err)
	}
	if err := g.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store access record: %w", err)
	}
	return nil
}

// bumpDailyCounter atomically increments today's counter for the pair,
// setting the 24h rolling TTL when the counter is created.
func (g *Gate) bumpDailyCounter(ctx context.Context, userID, resourceID string, now time.Time) (int64, error) {
	key := model.DailyKey(userID, resourceID, now.Format("20060102"))

	count, err := g.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment daily counter: %w", err)
	}
	if count == 1 {
		if err := g.redis.Expire(ctx, key, 24*time.Hour).Err(); err != nil {
			return 0, fmt.Errorf("expire daily counter: %w", err)
		}
	}
	return count, nil
}

// Clear removes the visitor's cooldown record for a venue. Debug aid.
func (g *Gate) Clear(ctx context.Context, userID, resourceID string) error {
	if err := g.redis.Del(ctx, model.AccessKey(userID, resourceID)).Err(); err != nil {
		return fmt.Errorf("clear access record: %w", err)
	}
	return nil
}

func nextMidnight(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}
