package billing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/patronbox/app/models"
	"github.com/ManuelReschke/patronbox/internal/pkg/metrics"
)

const (
	accessCacheKeyPrefix      = "access:"
	accessGenerationKeyPrefix = "access-gen:"
	accessGenerationTTL       = 24 * time.Hour
)

// setIfGeneration caches ARGV[2] under KEYS[1] only while the generation in
// KEYS[2] still equals ARGV[1], the value seen before the database read.
var setIfGeneration = redis.NewScript(`
local current = redis.call("GET", KEYS[2])
if current == false then
	current = ""
end
if current ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// CachedStore is a Store whose access checks are read through Redis.
// Record mutations bump the generation of the affected (user, creator) pair
// and drop its cached entry, so a read that raced the mutation cannot store
// its stale answer.
type CachedStore struct {
	Store
	rdb     redis.UniversalClient
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewCachedStore wraps inner with a Redis access cache. A zero ttl disables caching.
func NewCachedStore(inner Store, rdb redis.UniversalClient, ttl time.Duration, m *metrics.Metrics) *CachedStore {
	return &CachedStore{Store: inner, rdb: rdb, ttl: ttl, metrics: m}
}

func accessCacheKey(userID, creatorID string) string {
	return fmt.Sprintf("%s%s:%s", accessCacheKeyPrefix, userID, creatorID)
}

func accessGenerationKey(userID, creatorID string) string {
	return fmt.Sprintf("%s%s:%s", accessGenerationKeyPrefix, userID, creatorID)
}

// GetAccess serves cached answers; values are "0", or "1" optionally followed
// by ":<unix expiry>".
func (s *CachedStore) GetAccess(ctx context.Context, userID, creatorID string, at time.Time) (AccessState, error) {
	if s.rdb == nil || s.ttl <= 0 {
		return s.Store.GetAccess(ctx, userID, creatorID, at)
	}

	key := accessCacheKey(userID, creatorID)
	genKey := accessGenerationKey(userID, creatorID)
	vals, err := s.rdb.MGet(ctx, key, genKey).Result()
	if err != nil {
		s.metrics.ObserveAccessCache("error")
		log.Warnf("[Billing] Access cache read failed for %s: %v", key, err)
		return s.Store.GetAccess(ctx, userID, creatorID, at)
	}
	if val, ok := vals[0].(string); ok {
		if state, ok := decodeAccess(val, at); ok {
			s.metrics.ObserveAccessCache("hit")
			return state, nil
		}
	}
	generation, _ := vals[1].(string)

	s.metrics.ObserveAccessCache("miss")
	state, err := s.Store.GetAccess(ctx, userID, creatorID, at)
	if err != nil {
		return state, err
	}

	ttl := s.ttl
	if state.ExpiresAt != nil {
		if remaining := state.ExpiresAt.Sub(at); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl >= time.Millisecond {
		args := []interface{}{generation, encodeAccess(state), ttl.Milliseconds()}
		if err := setIfGeneration.Run(ctx, s.rdb, []string{key, genKey}, args...).Err(); err != nil {
			log.Warnf("[Billing] Access cache write failed for %s: %v", key, err)
		}
	}
	return state, nil
}

func encodeAccess(state AccessState) string {
	if !state.Granted {
		return "0"
	}
	if state.ExpiresAt == nil {
		return "1"
	}
	return "1:" + strconv.FormatInt(state.ExpiresAt.Unix(), 10)
}

func decodeAccess(val string, at time.Time) (AccessState, bool) {
	switch {
	case val == "0":
		return AccessState{}, true
	case val == "1":
		return AccessState{Granted: true}, true
	case len(val) > 2 && val[:2] == "1:":
		unix, err := strconv.ParseInt(val[2:], 10, 64)
		if err != nil {
			return AccessState{}, false
		}
		expires := time.Unix(unix, 0).UTC()
		if !at.Before(expires) {
			return AccessState{}, true
		}
		return AccessState{Granted: true, ExpiresAt: &expires}, true
	default:
		return AccessState{}, false
	}
}

func (s *CachedStore) invalidate(ctx context.Context, rec *models.SubscriptionRecord) {
	if s.rdb == nil || rec == nil {
		return
	}
	key := accessCacheKey(rec.UserID, rec.CreatorID)
	genKey := accessGenerationKey(rec.UserID, rec.CreatorID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, accessGenerationTTL)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		log.Warnf("[Billing] Access cache invalidation failed for %s: %v", key, err)
	}
}

func (s *CachedStore) InsertRecord(ctx context.Context, rec *models.SubscriptionRecord) error {
	err := s.Store.InsertRecord(ctx, rec)
	if err == nil {
		s.invalidate(ctx, rec)
	}
	return err
}

func (s *CachedStore) UpsertRecord(ctx context.Context, rec *models.SubscriptionRecord) error {
	err := s.Store.UpsertRecord(ctx, rec)
	if err == nil {
		s.invalidate(ctx, rec)
	}
	return err
}

func (s *CachedStore) UpdateRecord(ctx context.Context, rec *models.SubscriptionRecord, expectedVersion uint) error {
	err := s.Store.UpdateRecord(ctx, rec, expectedVersion)
	if err == nil {
		s.invalidate(ctx, rec)
	}
	return err
}

func (s *CachedStore) DeleteRecord(ctx context.Context, rec *models.SubscriptionRecord) error {
	err := s.Store.DeleteRecord(ctx, rec)
	if err == nil {
		s.invalidate(ctx, rec)
	}
	return err
}
