package geo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"formpulse/internal/logx"
	"formpulse/pkg/model"
)

var geoLogger = logx.GetScope("geo")

// Cached memoizes successful lookups in Redis. Redis errors fall through to
// the wrapped Locator; they never fail a lookup.
type Cached struct {
	next   Locator
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCached wraps next. A nil client disables caching.
func NewCached(next Locator, rdb *redis.Client, ttl time.Duration) Locator {
	if rdb == nil {
		return next
	}
	return &Cached{next: next, rdb: rdb, ttl: ttl, prefix: "geo:"}
}

func (c *Cached) Lookup(ctx context.Context, ip string) (*model.GeoInfo, error) {
	if !Public(ip) {
		return nil, nil
	}
	key := c.prefix + ip
	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var g model.GeoInfo
		if err := json.Unmarshal(raw, &g); err == nil {
			return &g, nil
		}
	} else if err != redis.Nil {
		geoLogger.Sugar().Debugf("cache get %s: %v", key, err)
	}

	g, err := c.next.Lookup(ctx, ip)
	if err != nil || g == nil {
		return g, err
	}
	if raw, err := json.Marshal(g); err == nil {
		if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			geoLogger.Sugar().Debugf("cache set %s: %v", key, err)
		}
	}
	return g, nil
}
