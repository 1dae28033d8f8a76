package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Makoto0824/machisaga/cache"
	"github.com/Makoto0824/machisaga/model"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// RuleStore is the CRUD layer over per-venue AccessRules. Reads go
// through a short-TTL in-process cache; admin writes invalidate it.
// A venue with no stored rule gets the configured default persisted on
// first read.
type RuleStore struct {
	redis *redis.Client
	cache *cache.Cache // may be nil when caching is disabled
	def   model.AccessRule
}

func NewRuleStore(rdb *redis.Client, c *cache.Cache, def model.AccessRule) *RuleStore {
	return &RuleStore{redis: rdb, cache: c, def: def}
}

// Default returns the rule applied to unconfigured venues.
func (s *RuleStore) Default() model.AccessRule {
	return s.def
}

// Get returns the venue's rule, lazily creating and persisting the
// default when none is stored yet.
func (s *RuleStore) Get(ctx context.Context, resourceID string) (model.AccessRule, error) {
	key := model.RuleKey(resourceID)

	if cached, found := s.cache.Get(key); found {
		if rule, ok := cached.(model.AccessRule); ok {
			return rule, nil
		}
	}

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		if err := s.persist(ctx, key, s.def); err != nil {
			return model.AccessRule{}, err
		}
		s.cache.Set(key, s.def, 1)
		log.Info().
			Str("resource_id", resourceID).
			Int("interval_seconds", s.def.IntervalSeconds).
			Int("max_per_day", s.def.MaxPerDay).
			Msg("Created default rule")
		return s.def, nil
	} else if err != nil {
		return model.AccessRule{}, fmt.Errorf("load rule: %w", err)
	}

	var rule model.AccessRule
	if err := json.Unmarshal(data, &rule); err != nil {
		// Unreadable rule falls back to the default without rewriting the
		// stored value; an admin update repairs it
		log.Warn().Err(err).Str("key", key).Msg("Malformed rule, using default")
		return s.def, nil
	}

	s.cache.Set(key, rule, 1)
	return rule, nil
}

// Set overwrites the venue's rule and deletes every live access record
// for that venue so the new rule applies immediately, not only to
// visitors whose window has already lapsed.
func (s *RuleStore) Set(ctx context.Context, resourceID string, rule model.AccessRule) error {
	key := model.RuleKey(resourceID)
	if err := s.persist(ctx, key, rule); err != nil {
		return err
	}
	s.cache.Delete(key)

	keys, err := s.redis.Keys(ctx, model.AccessKeyPrefix+"*:"+resourceID).Result()
	if err != nil {
		return fmt.Errorf("scan access records: %w", err)
	}
	if len(keys) > 0 {
		if err := s.redis.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("invalidate access records: %w", err)
		}
	}

	log.Info().
		Str("resource_id", resourceID).
		Int("interval_seconds", rule.IntervalSeconds).
		Int("max_per_day", rule.MaxPerDay).
		Int("records_invalidated", len(keys)).
		Msg("Rule updated")
	return nil
}

// Delete removes the stored rule; the next Get recreates the default.
func (s *RuleStore) Delete(ctx context.Context, resourceID string) error {
	key := model.RuleKey(resourceID)
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	s.cache.Delete(key)
	log.Info().Str("resource_id", resourceID).Msg("Rule deleted")
	return nil
}

// List returns every stored rule keyed by resource ID. Malformed
// entries are skipped with a warning rather than failing the listing.
func (s *RuleStore) List(ctx context.Context) (map[string]model.AccessRule, error) {
	keys, err := s.redis.Keys(ctx, model.RuleKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("scan rules: %w", err)
	}

	rules := make(map[string]model.AccessRule, len(keys))
	for _, key := range keys {
		data, err := s.redis.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("load rule %s: %w", key, err)
		}

		var rule model.AccessRule
		if err := json.Unmarshal(data, &rule); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping malformed rule")
			continue
		}
		rules[strings.TrimPrefix(key, model.RuleKeyPrefix)] = rule
	}
	return rules, nil
}

func (s *RuleStore) persist(ctx context.Context, key string, rule model.AccessRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	if err := s.redis.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("store rule: %w", err)
	}
	return nil
}
