package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketcache/internal/history"
	"marketcache/internal/model"

	"go.uber.org/zap"
)

// PriceCache is the in-memory latest-snapshot table, one entry per coin.
// The refresh scheduler is the single writer; readers may be unlimited.
// A write also appends one history point for the coin (write-through); a
// failed append is retried once and otherwise skipped so cache freshness is
// never blocked by history persistence.
type PriceCache struct {
	mu        sync.RWMutex
	snapshots map[string]model.CurrencySnapshot

	history history.Store
	logger  *zap.Logger
}

func New(store history.Store, logger *zap.Logger) *PriceCache {
	return &PriceCache{
		snapshots: make(map[string]model.CurrencySnapshot),
		history:   store,
		logger:    logger,
	}
}

// GetAll returns every cached snapshot ordered by descending market cap.
func (c *PriceCache) GetAll() []model.CurrencySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.CurrencySnapshot, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketCap > out[j].MarketCap })
	return out
}

// GetOne returns the cached snapshot for coinID, if any.
func (c *PriceCache) GetOne(coinID string) (model.CurrencySnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.snapshots[coinID]
	return snap, ok
}

// Size returns the number of cached coins.
func (c *PriceCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}

// Bounds returns the oldest and newest last-updated instants across the
// table. Both are zero when the cache is empty.
func (c *PriceCache) Bounds() (oldest, newest time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, snap := range c.snapshots {
		if oldest.IsZero() || snap.LastUpdated.Before(oldest) {
			oldest = snap.LastUpdated
		}
		if snap.LastUpdated.After(newest) {
			newest = snap.LastUpdated
		}
	}
	return oldest, newest
}

// WriteThrough updates the snapshot table and appends one history point for
// the coin. Per coin, LastUpdated never decreases across writes: a snapshot
// carrying a stale or missing provider timestamp is stamped with the local
// write time instead.
func (c *PriceCache) WriteThrough(ctx context.Context, snapshot model.CurrencySnapshot) {
	c.mu.Lock()
	prev, existed := c.snapshots[snapshot.ID]
	if snapshot.LastUpdated.IsZero() || (existed && !snapshot.LastUpdated.After(prev.LastUpdated)) {
		snapshot.LastUpdated = time.Now()
	}
	c.snapshots[snapshot.ID] = snapshot
	c.mu.Unlock()

	point := model.PricePoint{
		CoinID:    snapshot.ID,
		Price:     snapshot.CurrentPrice,
		MarketCap: snapshot.MarketCap,
		Volume:    snapshot.TotalVolume,
		Timestamp: snapshot.LastUpdated,
	}

	if err := c.history.Append(ctx, point); err != nil {
		// One retry; a second failure is logged and the point skipped.
		if err := c.history.Append(ctx, point); err != nil {
			c.logger.Warn("history append failed, point skipped",
				zap.String("coin", snapshot.ID),
				zap.Error(err),
			)
		}
	}
}
