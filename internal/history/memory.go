package history

import (
	"context"
	"sync"
	"time"

	"marketcache/internal/model"
)

// MemoryStore keeps per-coin point series in memory, bounded to maxPerCoin
// points per coin. Used when no database is configured, and as the test
// double for the durable store.
type MemoryStore struct {
	globalMu   sync.RWMutex
	data       map[string]*coinSeries
	maxPerCoin int
}

type coinSeries struct {
	mu     sync.Mutex
	points []model.PricePoint
}

// NewMemoryStore creates a MemoryStore retaining at most maxPerCoin points
// per coin. A non-positive bound falls back to 1000.
func NewMemoryStore(maxPerCoin int) *MemoryStore {
	if maxPerCoin <= 0 {
		maxPerCoin = 1000
	}
	return &MemoryStore{
		data:       make(map[string]*coinSeries),
		maxPerCoin: maxPerCoin,
	}
}

func (s *MemoryStore) Append(_ context.Context, point model.PricePoint) error {
	// Fast path: lock per-coin series only
	s.globalMu.RLock()
	series, ok := s.data[point.CoinID]
	s.globalMu.RUnlock()

	if !ok {
		// Need to initialize a new series (exclusive lock)
		s.globalMu.Lock()
		if series, ok = s.data[point.CoinID]; !ok {
			series = &coinSeries{}
			s.data[point.CoinID] = series
		}
		s.globalMu.Unlock()
	}

	series.mu.Lock()
	series.points = append(series.points, point)
	if len(series.points) > s.maxPerCoin {
		// Drop the oldest points to hold the retention bound.
		over := len(series.points) - s.maxPerCoin
		series.points = append(series.points[:0], series.points[over:]...)
	}
	series.mu.Unlock()
	return nil
}

func (s *MemoryStore) QueryDays(_ context.Context, coinID string, days int) ([]model.PricePoint, error) {
	cutoff := time.Now().AddDate(0, 0, -days)

	points := s.snapshot(coinID)
	out := make([]model.PricePoint, 0, len(points))
	for _, p := range points {
		if p.Timestamp.After(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) QueryLatest(_ context.Context, coinID string, limit int) ([]model.PricePoint, error) {
	points := s.snapshot(coinID)
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) error {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()

	for _, series := range s.data {
		series.mu.Lock()
		kept := series.points[:0]
		for _, p := range series.points {
			if !p.Timestamp.Before(cutoff) {
				kept = append(kept, p)
			}
		}
		series.points = kept
		series.mu.Unlock()
	}
	return nil
}

// CountAll returns the total number of points stored across all coins.
func (s *MemoryStore) CountAll() int {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()

	total := 0
	for _, series := range s.data {
		series.mu.Lock()
		total += len(series.points)
		series.mu.Unlock()
	}
	return total
}

// snapshot copies one coin's series so readers never observe appends in flight.
func (s *MemoryStore) snapshot(coinID string) []model.PricePoint {
	s.globalMu.RLock()
	series, ok := s.data[coinID]
	s.globalMu.RUnlock()
	if !ok {
		return nil
	}

	series.mu.Lock()
	defer series.mu.Unlock()

	cp := make([]model.PricePoint, len(series.points))
	copy(cp, series.points)
	return cp
}
