// Package cache holds read-side snapshots of markets.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"predict-duel/internal/domain"
)

// Config holds configuration for the market cache.
type Config struct {
	NumCounters int64         // keys tracked for admission (10x max items)
	MaxCost     int64         // maximum number of cached markets
	BufferItems int64         // keys per Get buffer
	TTL         time.Duration // snapshot lifetime
	Logger      *zap.Logger
}

// DefaultConfig returns a cache sized for a few thousand markets.
func DefaultConfig() Config {
	return Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
		TTL:         2 * time.Second,
	}
}

// MarketCache is a ristretto-backed cache of market snapshots.
// Values are cloned on the way in and out.
//
// Each key carries a generation that Invalidate bumps. A snapshot read from
// the store is only stored if its key's generation is unchanged since the
// caller took it, so a read that raced a commit never outlives the commit.
type MarketCache struct {
	cache  *ristretto.Cache
	ttl    time.Duration
	logger *zap.Logger

	mu   sync.Mutex
	gens map[domain.MarketKey]uint64
}

// NewMarketCache creates a new MarketCache.
func NewMarketCache(cfg Config) (*MarketCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketCache{
		cache:  c,
		ttl:    cfg.TTL,
		logger: logger,
		gens:   make(map[domain.MarketKey]uint64),
	}, nil
}

// Get returns a copy of the cached market.
func (c *MarketCache) Get(key domain.MarketKey) (*domain.Market, bool) {
	v, found := c.cache.Get(key.String())
	if !found {
		c.logger.Debug("cache-miss", zap.String("market", key.String()))
		return nil, false
	}
	m, ok := v.(*domain.Market)
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Generation returns the current generation of key. Take it before reading
// the store and pass it to Set.
func (c *MarketCache) Generation(key domain.MarketKey) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}

// Set stores a copy of m if m's key is still at generation gen. Cost is one
// per market.
func (c *MarketCache) Set(m *domain.Market, gen uint64) {
	key := m.Key()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] != gen {
		c.logger.Debug("cache-set-stale", zap.String("market", key.String()))
		return
	}
	if ok := c.cache.SetWithTTL(key.String(), m.Clone(), 1, c.ttl); !ok {
		c.logger.Debug("cache-set-dropped", zap.String("market", key.String()))
	}
}

// Invalidate drops the snapshot of key and bumps its generation.
func (c *MarketCache) Invalidate(key domain.MarketKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[key]++
	c.cache.Del(key.String())
}

// Wait blocks until all pending writes have been applied.
func (c *MarketCache) Wait() {
	c.cache.Wait()
}

// HitRatio returns ristretto's hit ratio since creation.
func (c *MarketCache) HitRatio() float64 {
	return c.cache.Metrics.Ratio()
}

// Close releases the cache.
func (c *MarketCache) Close() {
	c.cache.Close()
}
