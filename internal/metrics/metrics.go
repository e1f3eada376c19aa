package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RefreshCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketcache_refresh_cycles_total",
		Help: "Total number of refresh cycles by outcome",
	}, []string{"status"})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketcache_provider_calls_total",
		Help: "Total number of on-demand provider operations by outcome",
	}, []string{"operation", "status"})

	UpdatesFannedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketcache_updates_fanned_out_total",
		Help: "Total number of price updates delivered to session queues",
	})

	UpdatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketcache_updates_dropped_total",
		Help: "Total number of price updates dropped on full session queues",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketcache_active_sessions",
		Help: "Number of live TCP sessions",
	})

	CachedCoins = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketcache_cached_coins",
		Help: "Number of coins in the price cache",
	})
)
