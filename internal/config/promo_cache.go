package config

import "time"

// PromotionCacheConfig controls the Redis cache in front of the active
// promotion listing.  When Enabled is false or no Redis client is
// configured, promotions are read from MySQL on every booking.
type PromotionCacheConfig struct {
	Enabled bool
	TTL     time.Duration
	Prefix  string
}

// LoadPromotionCacheConfig reads PROMO_CACHE_* variables.
func LoadPromotionCacheConfig() PromotionCacheConfig {
	return PromotionCacheConfig{
		Enabled: envBool("PROMO_CACHE_ENABLED", true),
		TTL:     envDur("PROMO_CACHE_TTL", 5*time.Minute),
		Prefix:  envStr("PROMO_CACHE_PREFIX", "promo"),
	}
}
