package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/datalith/tabular-ingest/internal/logging"
	"github.com/datalith/tabular-ingest/internal/metrics"
)

// sortedSetStore is the narrow slice of a shared store the limiter needs:
// a per-key sorted set of request timestamps in unix milliseconds.
type sortedSetStore interface {
	// Prune removes members with score at or below cutoffMs, matching
	// the in-process keep rule, and returns the remaining count plus
	// the oldest surviving score (0 when empty).
	Prune(ctx context.Context, key string, cutoffMs int64) (count int64, oldestMs int64, err error)

	// Add records one admission at nowMs and refreshes the key TTL.
	Add(ctx context.Context, key string, nowMs int64, member string, ttl time.Duration) error

	// Clear deletes the key.
	Clear(ctx context.Context, key string) error

	Close() error
}

// Shared enforces one combined budget across instances through a shared
// sorted-set store. Store failures never block admission: the affected
// check falls through to an embedded in-process limiter, trading global
// accuracy for availability until the store recovers.
type Shared struct {
	cfg      Config
	store    sortedSetStore
	fallback *Local
	prefix   string
	log      *slog.Logger
	now      func() time.Time
}

// NewShared builds a shared limiter over the given store.
func NewShared(cfg Config, store sortedSetStore, keyPrefix string) *Shared {
	return &Shared{
		cfg:      cfg,
		store:    store,
		fallback: NewLocal(cfg),
		prefix:   keyPrefix,
		log:      logging.Component("ratelimit"),
		now:      time.Now,
	}
}

// Check runs the sliding-window decision against the shared store.
func (s *Shared) Check(ctx context.Context, key string) (Decision, error) {
	now := s.now()
	storeKey := s.prefix + key
	cutoffMs := now.Add(-s.cfg.Window).UnixMilli()

	count, oldestMs, err := s.store.Prune(ctx, storeKey, cutoffMs)
	if err != nil {
		return s.fallbackCheck(ctx, key, err)
	}

	if count >= int64(s.cfg.MaxRequests) {
		d := Decision{
			Allowed:   false,
			Remaining: 0,
			ResetTime: time.UnixMilli(oldestMs).Add(s.cfg.Window),
		}
		s.observe(d)
		return d, nil
	}

	// TTL a bit past the window so an idle key expires on its own even
	// if this instance never prunes it again.
	err = s.store.Add(ctx, storeKey, now.UnixMilli(), uuid.NewString(), s.cfg.Window+time.Second)
	if err != nil {
		return s.fallbackCheck(ctx, key, err)
	}

	oldest := now
	if count > 0 {
		oldest = time.UnixMilli(oldestMs)
	}
	remaining := s.cfg.MaxRequests - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   true,
		Remaining: remaining,
		ResetTime: oldest.Add(s.cfg.Window),
	}
	s.observe(d)
	return d, nil
}

// fallbackCheck degrades a failed shared check to the in-process limiter.
func (s *Shared) fallbackCheck(ctx context.Context, key string, cause error) (Decision, error) {
	s.log.Warn("shared limiter unavailable, using local fallback",
		"key", key, "error", cause)
	if m := metrics.Get(); m != nil {
		m.IncLimiterFallbacks()
	}
	return s.fallback.Check(ctx, key)
}

// Reset clears the key in the shared store and the fallback.
func (s *Shared) Reset(ctx context.Context, key string) error {
	ferr := s.fallback.Reset(ctx, key)
	if err := s.store.Clear(ctx, s.prefix+key); err != nil {
		return err
	}
	return ferr
}

// Close releases the store connection and stops the fallback sweeper.
func (s *Shared) Close() error {
	err := s.store.Close()
	if ferr := s.fallback.Close(); err == nil {
		err = ferr
	}
	return err
}

func (s *Shared) observe(d Decision) {
	m := metrics.Get()
	if m == nil {
		return
	}
	if d.Allowed {
		m.IncAdmissionAllowed("shared")
	} else {
		m.IncAdmissionDenied("shared")
	}
}

// redisStore backs the shared limiter with redis sorted sets.
type redisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client as the limiter's shared store.
func NewRedisStore(client *redis.Client) *redisStore { //nolint:revive
	return &redisStore{client: client}
}

func (r *redisStore) Prune(ctx context.Context, key string, cutoffMs int64) (int64, int64, error) {
	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", formatMs(cutoffMs))
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}

	count := card.Val()
	var oldestMs int64
	if vals := oldest.Val(); len(vals) > 0 {
		oldestMs = int64(vals[0].Score)
	}
	return count, oldestMs, nil
}

func (r *redisStore) Add(ctx context.Context, key string, nowMs int64, member string, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisStore) Clear(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

func formatMs(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
