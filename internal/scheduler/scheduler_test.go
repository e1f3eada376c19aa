package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketcache/internal/cache"
	"marketcache/internal/history"
	"marketcache/internal/model"
	"marketcache/internal/provider"
	"marketcache/internal/subscription"

	"go.uber.org/zap"
)

// fakeFetcher serves canned snapshots, or a failure status.
type fakeFetcher struct {
	mu        sync.Mutex
	snapshots []model.CurrencySnapshot
	status    provider.Status
	calls     int
	lastCount int
}

func (f *fakeFetcher) FetchTop(_ context.Context, count int, _ string) ([]model.CurrencySnapshot, provider.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCount = count
	if !f.status.Fresh() {
		return nil, f.status
	}
	out := make([]model.CurrencySnapshot, len(f.snapshots))
	copy(out, f.snapshots)
	return out, provider.StatusFresh
}

func (f *fakeFetcher) set(snapshots []model.CurrencySnapshot, status provider.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = snapshots
	f.status = status
}

func btc(price float64) model.CurrencySnapshot {
	return model.CurrencySnapshot{
		ID:           "bitcoin",
		Symbol:       "btc",
		Name:         "Bitcoin",
		CurrentPrice: price,
		MarketCap:    price * 1e6,
		LastUpdated:  time.Now(),
	}
}

func newTestScheduler(fetch Fetcher, subs SubscriberSource) (*Scheduler, *cache.PriceCache, *history.MemoryStore) {
	store := history.NewMemoryStore(100)
	priceCache := cache.New(store, zap.NewNop())

	cfg := DefaultConfig()
	cfg.Interval = time.Hour // ticks never fire; tests drive cycles directly
	return New(cfg, fetch, priceCache, store, subs, zap.NewNop()), priceCache, store
}

// go test -v --run TestCycleUpdatesCacheAndHistory
func TestCycleUpdatesCacheAndHistory(t *testing.T) {
	fetch := &fakeFetcher{status: provider.StatusFresh, snapshots: []model.CurrencySnapshot{btc(50000)}}
	s, priceCache, store := newTestScheduler(fetch, subscription.NewRegistry())

	result := s.ForceRefresh(context.Background(), 0)
	if !result.Success || result.Count != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	got, ok := priceCache.GetOne("bitcoin")
	if !ok || got.CurrentPrice != 50000 {
		t.Errorf("cache not updated: %+v", got)
	}

	points, _ := store.QueryLatest(context.Background(), "bitcoin", 0)
	if len(points) != 1 {
		t.Errorf("expected one history point per cycle, got %d", len(points))
	}
}

// go test -v --run TestFailedCycleLeavesCacheUntouched
func TestFailedCycleLeavesCacheUntouched(t *testing.T) {
	fetch := &fakeFetcher{status: provider.StatusFresh, snapshots: []model.CurrencySnapshot{btc(50000)}}
	s, priceCache, _ := newTestScheduler(fetch, subscription.NewRegistry())

	s.ForceRefresh(context.Background(), 0)
	before, _ := priceCache.GetOne("bitcoin")

	fetch.set(nil, provider.StatusUnavailable)
	result := s.ForceRefresh(context.Background(), 0)
	if result.Success {
		t.Fatal("cycle should have failed")
	}

	after, _ := priceCache.GetOne("bitcoin")
	if after.CurrentPrice != before.CurrentPrice || !after.LastUpdated.Equal(before.LastUpdated) {
		t.Errorf("failed cycle mutated the cache: %+v -> %+v", before, after)
	}

	// Rate-limited behaves identically for the caller.
	fetch.set(nil, provider.StatusRateLimited)
	result = s.ForceRefresh(context.Background(), 0)
	if result.Success || result.Status != provider.StatusRateLimited {
		t.Errorf("unexpected rate-limited result: %+v", result)
	}
}

// go test -v --run TestFanOutOnlyForSubscribedCoins
func TestFanOutOnlyForSubscribedCoins(t *testing.T) {
	eth := model.CurrencySnapshot{ID: "ethereum", Symbol: "eth", CurrentPrice: 3000, LastUpdated: time.Now()}
	fetch := &fakeFetcher{status: provider.StatusFresh, snapshots: []model.CurrencySnapshot{btc(50000), eth}}

	registry := subscription.NewRegistry()
	registry.Subscribe("s1", []string{"bitcoin"})

	s, _, _ := newTestScheduler(fetch, registry)

	s.ForceRefresh(context.Background(), 0)

	select {
	case batch := <-s.Updates():
		if len(batch) != 1 {
			t.Fatalf("expected one update, got %d", len(batch))
		}
		if batch[0].CoinID != "bitcoin" || batch[0].Price != 50000 {
			t.Errorf("unexpected update: %+v", batch[0])
		}
		if !batch[0].FirstObserved {
			t.Error("first cycle should mark the update as first observed")
		}
	default:
		t.Fatal("expected an update batch on the feed")
	}

	// No subscribers at all: cycle emits nothing.
	registry.DropSession("s1")
	s.ForceRefresh(context.Background(), 0)
	select {
	case batch := <-s.Updates():
		t.Fatalf("expected no fan-out, got %d updates", len(batch))
	default:
	}
}

// go test -v --run TestDeltaComputedAgainstPreviousSnapshot
func TestDeltaComputedAgainstPreviousSnapshot(t *testing.T) {
	fetch := &fakeFetcher{status: provider.StatusFresh, snapshots: []model.CurrencySnapshot{btc(50000)}}
	registry := subscription.NewRegistry()
	registry.Subscribe("s1", []string{"bitcoin"})

	s, _, _ := newTestScheduler(fetch, registry)

	s.ForceRefresh(context.Background(), 0)
	<-s.Updates()

	fetch.set([]model.CurrencySnapshot{btc(51000)}, provider.StatusFresh)
	s.ForceRefresh(context.Background(), 0)

	batch := <-s.Updates()
	update := batch[0]
	if update.PreviousPrice != 50000 || update.Change != 1000 {
		t.Errorf("unexpected delta: %+v", update)
	}
	if update.ChangePercent != 2 {
		t.Errorf("expected 2%% change, got %v", update.ChangePercent)
	}
	if update.FirstObserved {
		t.Error("second observation should not be marked first")
	}
}

// go test -v --run TestForceRefreshCoalesced
func TestForceRefreshCoalesced(t *testing.T) {
	block := make(chan struct{})
	fetch := &blockingFetcher{
		release:   block,
		started:   make(chan struct{}),
		snapshots: []model.CurrencySnapshot{btc(50000)},
	}
	s, _, _ := newTestScheduler(fetch, subscription.NewRegistry())

	first := make(chan RefreshResult, 1)
	go func() { first <- s.ForceRefresh(context.Background(), 0) }()

	// Wait for the first cycle to reach the provider.
	<-fetch.started

	second := make(chan RefreshResult, 1)
	go func() { second <- s.ForceRefresh(context.Background(), 0) }()

	// Give the second caller time to reach the in-flight cycle before
	// releasing the provider.
	time.Sleep(50 * time.Millisecond)
	close(block)

	r1, r2 := <-first, <-second
	if !r1.Success || !r2.Success {
		t.Fatalf("both callers should see success: %+v %+v", r1, r2)
	}
	if fetch.calls() != 1 {
		t.Errorf("coalesced force-refresh must not run a second fetch, saw %d", fetch.calls())
	}
}

// go test -v --run TestForceRefreshCountOverride
func TestForceRefreshCountOverride(t *testing.T) {
	fetch := &fakeFetcher{status: provider.StatusFresh, snapshots: []model.CurrencySnapshot{btc(50000)}}
	s, _, _ := newTestScheduler(fetch, subscription.NewRegistry())

	s.ForceRefresh(context.Background(), 5)
	if fetch.lastCount != 5 {
		t.Errorf("forced count not passed to the provider, got %d", fetch.lastCount)
	}

	// Zero falls back to the configured batch size.
	s.ForceRefresh(context.Background(), 0)
	if fetch.lastCount != s.cfg.TopCoins {
		t.Errorf("expected configured batch size %d, got %d", s.cfg.TopCoins, fetch.lastCount)
	}
}

// go test -v --run TestStopWaitsForInflightCycle
func TestStopWaitsForInflightCycle(t *testing.T) {
	block := make(chan struct{})
	fetch := &blockingFetcher{
		release:   block,
		started:   make(chan struct{}),
		snapshots: []model.CurrencySnapshot{btc(50000)},
	}
	s, priceCache, _ := newTestScheduler(fetch, subscription.NewRegistry())

	s.Start(context.Background())
	<-fetch.started // startup cycle is mid-fetch

	stopDone := make(chan error, 1)
	go func() { stopDone <- s.Stop(context.Background()) }()

	// Stop cancels the loop, but the running fetch must not be aborted.
	time.Sleep(50 * time.Millisecond)
	if err := fetch.firstCtx().Err(); err != nil {
		t.Fatalf("in-flight fetch cancelled during shutdown: %v", err)
	}

	close(block)
	if err := <-stopDone; err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if snap, ok := priceCache.GetOne("bitcoin"); !ok || snap.CurrentPrice != 50000 {
		t.Errorf("cycle result discarded on shutdown: %+v", snap)
	}
}

// blockingFetcher parks the first call until released, so a second caller
// can arrive while the cycle is in flight.
type blockingFetcher struct {
	mu        sync.Mutex
	n         int
	release   <-chan struct{}
	started   chan struct{}
	snapshots []model.CurrencySnapshot
	ctx       context.Context
}

func (f *blockingFetcher) FetchTop(ctx context.Context, _ int, _ string) ([]model.CurrencySnapshot, provider.Status) {
	f.mu.Lock()
	f.n++
	n := f.n
	if n == 1 {
		f.ctx = ctx
	}
	f.mu.Unlock()

	if n == 1 {
		close(f.started)
		<-f.release
	}
	return f.snapshots, provider.StatusFresh
}

func (f *blockingFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *blockingFetcher) firstCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx
}
