package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/trip-booking/internal/model"
)

// PromotionSource is the uncached promotion store.
type PromotionSource interface {
	ListActive(ctx context.Context, at time.Time) ([]model.Promotion, error)
	Redeem(ctx context.Context, promotionID uint64) (bool, error)
}

// CachedPromotionRepo is a read-through Redis cache in front of the active
// promotion listing.  Cached usage counts may be stale; redemption always
// goes to the database, so a stale entry can at worst offer a promotion
// that Redeem then refuses.
type CachedPromotionRepo struct {
	inner  PromotionSource
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCachedPromotionRepo wraps inner.  A nil rdb disables caching.
func NewCachedPromotionRepo(inner PromotionSource, rdb *redis.Client, ttl time.Duration, prefix string) *CachedPromotionRepo {
	if prefix == "" {
		prefix = "promo"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedPromotionRepo{inner: inner, rdb: rdb, ttl: ttl, prefix: prefix}
}

// ListActive serves the listing for the day of at from Redis when present
// and fills the cache on a miss.  Redis errors degrade to a direct read.
func (r *CachedPromotionRepo) ListActive(ctx context.Context, at time.Time) ([]model.Promotion, error) {
	if r.rdb == nil {
		return r.inner.ListActive(ctx, at)
	}
	key := r.activeKey(at)
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var promos []model.Promotion
		if jsonErr := json.Unmarshal(raw, &promos); jsonErr == nil {
			return promos, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return r.inner.ListActive(ctx, at)
	}
	promos, err := r.inner.ListActive(ctx, at)
	if err != nil {
		return nil, err
	}
	if body, err := json.Marshal(promos); err == nil {
		_ = r.rdb.Set(ctx, key, body, r.ttl).Err()
	}
	return promos, nil
}

// Redeem always hits the database.
func (r *CachedPromotionRepo) Redeem(ctx context.Context, promotionID uint64) (bool, error) {
	return r.inner.Redeem(ctx, promotionID)
}

func (r *CachedPromotionRepo) activeKey(at time.Time) string {
	return r.prefix + ":active:" + at.UTC().Format("2006-01-02")
}
