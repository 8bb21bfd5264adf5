package prediction

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"mm-control-plane/internal/cache"
)

// RedisThrottle suppresses duplicate events per (bot, timeframe,
// reason) with a SET NX marker. A Redis outage degrades open so events
// are never silently dropped for infrastructure reasons.
type RedisThrottle struct {
	cache *cache.CacheService
	log   zerolog.Logger
}

func NewRedisThrottle(cacheSvc *cache.CacheService, log zerolog.Logger) *RedisThrottle {
	return &RedisThrottle{
		cache: cacheSvc,
		log:   log.With().Str("component", "event-throttle").Logger(),
	}
}

func (t *RedisThrottle) Acquire(ctx context.Context, botID, timeframe, reasonCode string, ttl time.Duration) bool {
	if t.cache == nil {
		return true
	}
	key := cache.EventThrottleKey(botID, timeframe, reasonCode)
	ok, err := t.cache.SetNX(ctx, key, 1, ttl)
	if err != nil {
		t.log.Debug().Err(err).Str("key", key).Msg("throttle degraded open")
		return true
	}
	return ok
}
