package scheduler

import (
	"context"
	"sync"
	"time"

	"marketcache/internal/cache"
	"marketcache/internal/history"
	"marketcache/internal/metrics"
	"marketcache/internal/model"
	"marketcache/internal/provider"

	"go.uber.org/zap"
)

// Fetcher is the slice of the provider client the scheduler drives.
type Fetcher interface {
	FetchTop(ctx context.Context, count int, currency string) ([]model.CurrencySnapshot, provider.Status)
}

// SubscriberSource answers which sessions want a coin's updates; only coins
// with at least one subscriber produce fan-out messages.
type SubscriberSource interface {
	SubscribersOf(coinID string) []string
}

// State is the scheduler's cycle phase, exposed for diagnostics.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateApplying State = "applying"
)

// Config holds scheduler configuration.
type Config struct {
	Interval      time.Duration // refresh interval (default: 30s)
	TopCoins      int           // batch size of the top-K fetch (default: 50)
	Currency      string        // quote currency (default: "usd")
	Timeout       time.Duration // per-fetch timeout (default: 10s)
	RetentionDays int           // history retention sweep bound (default: 30)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		TopCoins:      50,
		Currency:      "usd",
		Timeout:       10 * time.Second,
		RetentionDays: 30,
	}
}

// RefreshResult is the outcome of one refresh cycle.
type RefreshResult struct {
	Success bool
	Status  provider.Status
	Count   int
	Prices  []model.CurrencySnapshot
}

type inflightCycle struct {
	done   chan struct{}
	result RefreshResult
}

// Scheduler drives the periodic refresh: fetch the top-K batch through the
// rate-limited provider, write fresh snapshots through the cache, and emit
// one PriceUpdate per subscribed coin for fan-out. Exactly one cycle runs at
// a time; a force-refresh issued while a cycle is in flight is coalesced
// into that cycle's result.
type Scheduler struct {
	cfg    Config
	fetch  Fetcher
	cache  *cache.PriceCache
	store  history.Store
	subs   SubscriberSource
	logger *zap.Logger

	updates chan []model.PriceUpdate

	mu         sync.Mutex
	inflight   *inflightCycle
	state      State
	lastPrices []model.CurrencySnapshot
	lastCycle  time.Time
	lastStatus provider.Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. The updates channel is buffered; if the
// distribution layer falls behind, whole update batches are dropped rather
// than stalling the refresh loop.
func New(cfg Config, fetch Fetcher, priceCache *cache.PriceCache, store history.Store, subs SubscriberSource, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:     cfg,
		fetch:   fetch,
		cache:   priceCache,
		store:   store,
		subs:    subs,
		logger:  logger,
		updates: make(chan []model.PriceUpdate, 64),
		state:   StateIdle,
	}
}

// Updates is the fan-out feed consumed by the distribution layer.
func (s *Scheduler) Updates() <-chan []model.PriceUpdate {
	return s.updates
}

// Start begins the refresh loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("refresh scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("top_coins", s.cfg.TopCoins),
	)
}

// Stop shuts the loop down: no new cycle starts, and an in-flight cycle runs
// to completion first. The cycle itself is bounded by the fetch timeout, not
// by the loop context.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("refresh scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceRefresh runs one cycle now, fetching count coins (the configured
// batch size when count is zero or negative), subject to the same rate
// limiter as scheduled cycles. If a cycle is already in flight the call is
// coalesced: it waits for and returns that cycle's result, including that
// cycle's count.
func (s *Scheduler) ForceRefresh(ctx context.Context, count int) RefreshResult {
	return s.cycle(ctx, count)
}

// LatestPrices returns the last successful fetch result.
func (s *Scheduler) LatestPrices() []model.CurrencySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.CurrencySnapshot, len(s.lastPrices))
	copy(out, s.lastPrices)
	return out
}

// Status reports the cycle phase, last cycle instant, and last outcome.
func (s *Scheduler) Status() (State, time.Time, provider.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.lastCycle, s.lastStatus
}

// run is the main refresh loop.
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	sweep := time.NewTicker(24 * time.Hour)
	defer sweep.Stop()

	// Refresh immediately on start.
	s.cycle(s.ctx, 0)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cycle(s.ctx, 0)
		case <-sweep.C:
			s.sweepRetention()
		}
	}
}

// cycle runs one refresh, or joins the in-flight one. ctx bounds only the
// join wait; the cycle itself always runs to completion.
func (s *Scheduler) cycle(ctx context.Context, count int) RefreshResult {
	s.mu.Lock()
	if s.inflight != nil {
		// Coalesce into the in-flight cycle.
		current := s.inflight
		s.mu.Unlock()

		select {
		case <-current.done:
			return current.result
		case <-ctx.Done():
			return RefreshResult{Success: false, Status: provider.StatusUnavailable}
		}
	}
	current := &inflightCycle{done: make(chan struct{})}
	s.inflight = current
	s.mu.Unlock()

	result := s.doCycle(count)

	s.mu.Lock()
	current.result = result
	s.inflight = nil
	s.state = StateIdle
	s.lastCycle = time.Now()
	s.lastStatus = result.Status
	if result.Success {
		s.lastPrices = result.Prices
	}
	s.mu.Unlock()
	close(current.done)

	return result
}

// doCycle performs the fetch and apply phases of one refresh. The cycle is
// shared by coalesced callers and must survive shutdown, so its contexts
// derive from Background bounded by the fetch timeout, never from the loop
// context or a single caller's request.
func (s *Scheduler) doCycle(count int) RefreshResult {
	if count <= 0 {
		count = s.cfg.TopCoins
	}

	s.setState(StateFetching)

	fetchCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	snapshots, status := s.fetch.FetchTop(fetchCtx, count, s.cfg.Currency)
	cancel()

	metrics.RefreshCycles.WithLabelValues(string(status)).Inc()

	if !status.Fresh() {
		// Rate-limited is expected pacing, not an error; the cache stays as is.
		if status == provider.StatusRateLimited {
			s.logger.Info("refresh skipped, call budget exhausted")
		} else {
			s.logger.Warn("refresh failed, serving cached data", zap.String("status", string(status)))
		}
		return RefreshResult{Success: false, Status: status}
	}

	s.setState(StateApplying)

	applyCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	var fanout []model.PriceUpdate
	for _, snap := range snapshots {
		prev, existed := s.cache.GetOne(snap.ID)
		s.cache.WriteThrough(applyCtx, snap)

		if len(s.subs.SubscribersOf(snap.ID)) == 0 {
			continue
		}

		update := model.PriceUpdate{
			CoinID:        snap.ID,
			Price:         snap.CurrentPrice,
			Currency:      s.cfg.Currency,
			UpdatedAt:     snap.LastUpdated,
			FirstObserved: !existed,
		}
		if existed {
			update.PreviousPrice = prev.CurrentPrice
			update.Change = snap.CurrentPrice - prev.CurrentPrice
			if prev.CurrentPrice != 0 {
				update.ChangePercent = update.Change / prev.CurrentPrice * 100
			}
		}
		fanout = append(fanout, update)
	}

	if len(fanout) > 0 {
		select {
		case s.updates <- fanout:
		default:
			s.logger.Warn("update feed full, dropping batch", zap.Int("updates", len(fanout)))
		}
	}

	metrics.CachedCoins.Set(float64(s.cache.Size()))

	s.logger.Info("refresh cycle complete",
		zap.Int("coins", len(snapshots)),
		zap.Int("fanout", len(fanout)),
	)

	return RefreshResult{
		Success: true,
		Status:  status,
		Count:   len(snapshots),
		Prices:  snapshots,
	}
}

// sweepRetention removes history points older than the retention bound.
func (s *Scheduler) sweepRetention() {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)

	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	if err := s.store.DeleteOlderThan(ctx, cutoff); err != nil {
		s.logger.Warn("retention sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("retention sweep complete", zap.Time("cutoff", cutoff))
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
