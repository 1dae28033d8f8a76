package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Makoto0824/machisaga/model"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPoolExhausted means no unused record matches the filter. This is
	// a business outcome, not a fault, and callers map it to their own
	// "sold out" response.
	ErrPoolExhausted = errors.New("no unused URL available")

	ErrNotFound = errors.New("URL record not found")
)

// AnonymousUser is recorded as usedBy when no visitor ID accompanies an
// allocation.
const AnonymousUser = "anonymous"

// Pool hands out single-use URL records. Each allocation claims the
// first unused record (sorted key order, so import order by ID) under an
// optimistic transaction on that record's key: the used flag flips at
// most once even when requests race.
type Pool struct {
	redis *redis.Client
	now   func() time.Time
}

func New(rdb *redis.Client) *Pool {
	return &Pool{redis: rdb, now: time.Now}
}

// Allocate returns one not-yet-used record, marked used and persisted
// before it is handed to the caller. An empty category matches every
// record; an empty userID is recorded as anonymous.
func (p *Pool) Allocate(ctx context.Context, userID, category string) (*model.SingleUseURL, error) {
	if userID == "" {
		userID = AnonymousUser
	}

	keys, err := p.keys(ctx)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		rec, claimed, err := p.tryClaim(ctx, key, userID, category)
		if err != nil {
			return nil, err
		}
		if claimed {
			log.Info().
				Str("id", rec.ID).
				Str("event", rec.Event).
				Str("used_by", userID).
				Msg("URL allocated")
			return rec, nil
		}
	}

	log.Info().Str("category", category).Msg("URL pool exhausted")
	return nil, ErrPoolExhausted
}

// tryClaim attempts to flip one record's used flag inside a WATCH
// transaction. Returns claimed=false when the record is used, filtered
// out, or lost to a concurrent claim.
func (p *Pool) tryClaim(ctx context.Context, key, userID, category string) (*model.SingleUseURL, bool, error) {
	var claimed *model.SingleUseURL

	err := p.redis.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil
		} else if err != nil {
			return err
		}

		var rec model.SingleUseURL
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping malformed URL record")
			return nil
		}

		if rec.Used {
			return nil
		}
		if category != "" && rec.Event != category {
			return nil
		}

		usedAt := p.now()
		rec.Used = true
		rec.UsedAt = &usedAt
		rec.UsedBy = userID

		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}

		claimed = &rec
		return nil
	}, key)

	if err == redis.TxFailedErr {
		// Someone else touched the record mid-claim; move on
		log.Debug().Str("key", key).Msg("Lost claim race, trying next record")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", key, err)
	}
	return claimed, claimed != nil, nil
}

// LoadResult reports what a bulk import did.
type LoadResult struct {
	Loaded int `json:"loaded"`
	Merged int `json:"merged"`
}

// Load imports records into the pool. By default it merges by ID,
// preserving used/usedAt/usedBy for IDs that already exist so a
// re-import never resurrects a distributed URL. With replace set the
// whole pool is wiped first.
func (p *Pool) Load(ctx context.Context, records []model.SingleUseURL, replace bool) (LoadResult, error) {
	var result LoadResult

	if replace {
		keys, err := p.keys(ctx)
		if err != nil {
			return result, err
		}
		if len(keys) > 0 {
			if err := p.redis.Del(ctx, keys...).Err(); err != nil {
				return result, fmt.Errorf("wipe pool: %w", err)
			}
		}
		log.Info().Int("wiped", len(keys)).Msg("Pool wiped before import")
	}

	for _, rec := range records {
		key := model.URLKey(rec.ID)

		if !replace {
			data, err := p.redis.Get(ctx, key).Bytes()
			if err != nil && err != redis.Nil {
				return result, fmt.Errorf("load existing record %s: %w", key, err)
			}
			if err == nil {
				var existing model.SingleUseURL
				if jsonErr := json.Unmarshal(data, &existing); jsonErr == nil {
					rec.Used = existing.Used
					rec.UsedAt = existing.UsedAt
					rec.UsedBy = existing.UsedBy
					result.Merged++
				}
			}
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			return result, fmt.Errorf("marshal record %s: %w", rec.ID, err)
		}
		if err := p.redis.Set(ctx, key, payload, 0).Err(); err != nil {
			return result, fmt.Errorf("store record %s: %w", rec.ID, err)
		}
		result.Loaded++
	}

	log.Info().
		Int("loaded", result.Loaded).
		Int("merged", result.Merged).
		Bool("replace", replace).
		Msg("Pool import finished")
	return result, nil
}

// ResetOne clears usage on a single record.
func (p *Pool) ResetOne(ctx context.Context, id string) error {
	key := model.URLKey(id)

	data, err := p.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("load record %s: %w", key, err)
	}

	var rec model.SingleUseURL
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("parse record %s: %w", key, err)
	}

	rec.Used = false
	rec.UsedAt = nil
	rec.UsedBy = ""

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", key, err)
	}
	if err := p.redis.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("store record %s: %w", key, err)
	}

	log.Info().Str("id", id).Msg("URL record reset")
	return nil
}

// ResetAll clears usage on every used record and reports how many were
// touched. This is always mutating; operators who only want the numbers
// use Stats instead.
func (p *Pool) ResetAll(ctx context.Context) (int, error) {
	records, err := p.all(ctx)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, rec := range records {
		if !rec.Used {
			continue
		}
		if err := p.ResetOne(ctx, rec.ID); err != nil {
			return reset, err
		}
		reset++
	}

	log.Info().Int("reset", reset).Msg("Pool usage reset")
	return reset, nil
}

// EventStats aggregates one category of the pool.
type EventStats struct {
	Total     int    `json:"total"`
	Used      int    `json:"used"`
	Available int    `json:"available"`
	UsageRate string `json:"usageRate"`
}

// Stats aggregates the whole pool.
type Stats struct {
	Total     int                   `json:"total"`
	Used      int                   `json:"used"`
	Available int                   `json:"available"`
	UsageRate string                `json:"usageRate"`
	Events    map[string]EventStats `json:"events"`
}

// Stats is a pure aggregation over the pool, no side effects.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	records, err := p.all(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Events: make(map[string]EventStats)}
	for _, rec := range records {
		stats.Total++
		ev := stats.Events[rec.Event]
		ev.Total++
		if rec.Used {
			stats.Used++
			ev.Used++
		} else {
			stats.Available++
			ev.Available++
		}
		stats.Events[rec.Event] = ev
	}

	stats.UsageRate = usageRate(stats.Used, stats.Total)
	for name, ev := range stats.Events {
		ev.UsageRate = usageRate(ev.Used, ev.Total)
		stats.Events[name] = ev
	}
	return stats, nil
}

// RecentUsage returns up to limit used records, most recent first.
func (p *Pool) RecentUsage(ctx context.Context, limit int) ([]model.SingleUseURL, error) {
	if limit <= 0 {
		limit = 10
	}

	records, err := p.all(ctx)
	if err != nil {
		return nil, err
	}

	used := records[:0]
	for _, rec := range records {
		if rec.Used {
			used = append(used, rec)
		}
	}

	sort.Slice(used, func(i, j int) bool {
		ti, tj := used[i].UsedAt, used[j].UsedAt
		if ti == nil || tj == nil {
			return tj == nil && ti != nil
		}
		return ti.After(*tj)
	})

	if len(used) > limit {
		used = used[:limit]
	}
	return used, nil
}

// UsedRecords returns every used record in sorted key order, for the
// export report.
func (p *Pool) UsedRecords(ctx context.Context) ([]model.SingleUseURL, error) {
	records, err := p.all(ctx)
	if err != nil {
		return nil, err
	}

	used := records[:0]
	for _, rec := range records {
		if rec.Used {
			used = append(used, rec)
		}
	}
	return used, nil
}

func (p *Pool) keys(ctx context.Context) ([]string, error) {
	keys, err := p.redis.Keys(ctx, model.URLKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("scan pool: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *Pool) all(ctx context.Context) ([]model.SingleUseURL, error) {
	keys, err := p.keys(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]model.SingleUseURL, 0, len(keys))
	for _, key := range keys {
		data, err := p.redis.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("load record %s: %w", key, err)
		}

		var rec model.SingleUseURL
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping malformed URL record")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func usageRate(used, total int) string {
	if total == 0 {
		return "0.0"
	}
	return fmt.Sprintf("%.1f", float64(used)/float64(total)*100)
}
