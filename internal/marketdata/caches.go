package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ees-trading/ees/internal/config"
)

// quoteCache is the in-process L1: an expirable LRU sized for the whole
// universe. Entries expire on the quote TTL regardless of access.
type quoteCache struct {
	cache *lru.LRU[string, Quote]
}

func newQuoteCache(size int, ttl time.Duration) *quoteCache {
	return &quoteCache{cache: lru.NewLRU[string, Quote](size, nil, ttl)}
}

func (c *quoteCache) get(symbol string) (Quote, bool) {
	return c.cache.Get(symbol)
}

func (c *quoteCache) put(q Quote) {
	c.cache.Add(q.Symbol, q)
}

// barCache keys on (symbol, timeframe, count) so different lookbacks do
// not evict each other. Intraday and daily series carry different TTLs,
// so the cache holds two LRUs.
type barCache struct {
	intraday *lru.LRU[string, []Bar]
	daily    *lru.LRU[string, []Bar]
}

func newBarCache(size int, intradayTTL, dailyTTL time.Duration) *barCache {
	return &barCache{
		intraday: lru.NewLRU[string, []Bar](size, nil, intradayTTL),
		daily:    lru.NewLRU[string, []Bar](size, nil, dailyTTL),
	}
}

func barKey(symbol string, tf Timeframe, count int) string {
	return fmt.Sprintf("%s:%s:%d", symbol, tf, count)
}

func (c *barCache) get(symbol string, tf Timeframe, count int) ([]Bar, bool) {
	if tf == Timeframe1d {
		return c.daily.Get(barKey(symbol, tf, count))
	}
	return c.intraday.Get(barKey(symbol, tf, count))
}

func (c *barCache) put(symbol string, tf Timeframe, count int, bars []Bar) {
	if tf == Timeframe1d {
		c.daily.Add(barKey(symbol, tf, count), bars)
		return
	}
	c.intraday.Add(barKey(symbol, tf, count), bars)
}

// redisQuoteCache is the optional L2: a shared quote tier that survives
// process restarts and lets warm standbys skip cold starts. Misses and
// backend errors are both treated as cache misses.
type redisQuoteCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func newRedisQuoteCache(cfg config.RedisConfig, ttl time.Duration) *redisQuoteCache {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &redisQuoteCache{
		client: client,
		ttl:    ttl,
		logger: config.NewLogger("quote-cache-l2"),
	}
}

func redisQuoteKey(symbol string) string {
	return "ees:quote:" + symbol
}

func (c *redisQuoteCache) get(ctx context.Context, symbol string) (Quote, bool) {
	raw, err := c.client.Get(ctx, redisQuoteKey(symbol)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug().Err(err).Str("symbol", symbol).Msg("redis quote read failed")
		}
		return Quote{}, false
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("corrupt redis quote entry")
		return Quote{}, false
	}
	return q, true
}

func (c *redisQuoteCache) put(ctx context.Context, q Quote) {
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisQuoteKey(q.Symbol), raw, c.ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Str("symbol", q.Symbol).Msg("redis quote write failed")
	}
}

func (c *redisQuoteCache) close() error {
	return c.client.Close()
}
