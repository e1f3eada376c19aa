package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"marketcache/internal/cache"
	"marketcache/internal/history"
	"marketcache/internal/model"
	"marketcache/internal/provider"
	"marketcache/internal/ratelimit"
	"marketcache/internal/scheduler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PriceFetcher is the slice of the provider client the HTTP surface drives.
// Every call passes through the shared rate limiter inside the client.
type PriceFetcher interface {
	FetchTop(ctx context.Context, count int, currency string) ([]model.CurrencySnapshot, provider.Status)
	FetchByIDs(ctx context.Context, ids []string, currency string) ([]model.CurrencySnapshot, provider.Status)
	FetchSimplePrices(ctx context.Context, ids []string, currency string) (map[string]float64, provider.Status)
	Search(ctx context.Context, query, currency string) ([]model.CurrencySnapshot, provider.Status)
	FetchHistory(ctx context.Context, coinID, currency string, days int) ([]model.PricePoint, provider.Status)
}

// Refresher is the slice of the scheduler the HTTP surface drives.
type Refresher interface {
	ForceRefresh(ctx context.Context, count int) scheduler.RefreshResult
	LatestPrices() []model.CurrencySnapshot
	Status() (scheduler.State, time.Time, provider.Status)
}

// Config holds HTTP server configuration.
type Config struct {
	Port     int
	Currency string
}

// Server is the on-demand read surface: cache-backed lookups, provider
// passthrough reads, history queries, diagnostics, force-refresh, prometheus
// metrics, and a read-only websocket update stream.
type Server struct {
	cfg      Config
	fetcher  PriceFetcher
	cache    *cache.PriceCache
	store    history.Store
	refresh  Refresher
	limiter  *ratelimit.Limiter
	stream   *Stream
	logger   *zap.Logger
	listener net.Listener
	httpSrv  *http.Server
}

func NewServer(cfg Config, fetcher PriceFetcher, priceCache *cache.PriceCache, store history.Store, refresh Refresher, limiter *ratelimit.Limiter, logger *zap.Logger) *Server {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	s := &Server{
		cfg:     cfg,
		fetcher: fetcher,
		cache:   priceCache,
		store:   store,
		refresh: refresh,
		limiter: limiter,
		stream:  NewStream(logger),
		logger:  logger,
	}
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Stream returns the websocket fan-out sink, wired as the dispatcher's
// broadcast target.
func (s *Server) Stream() *Stream {
	return s.stream
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.stream.Serve)

	r.Route("/api", func(r chi.Router) {
		r.Route("/coins", func(r chi.Router) {
			r.Get("/top", s.handleTop)
			r.Post("/batch", s.handleBatch)
			r.Get("/{id}", s.handleByID)
			r.Get("/{id}/history", s.handleHistory)
			r.Get("/{id}/history/latest", s.handleHistoryLatest)
		})
		r.Route("/prices", func(r chi.Router) {
			r.Get("/simple", s.handleSimplePrices)
			r.Get("/cached", s.handleCached)
			r.Get("/latest", s.handleLatest)
		})
		r.Get("/search", s.handleSearch)
		r.Get("/diagnostics", s.handleDiagnostics)
		r.Post("/refresh", s.handleRefresh)
	})

	return r
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()

	s.logger.Info("http server started", zap.Int("port", s.cfg.Port))
	return nil
}

// Shutdown stops accepting requests and closes the websocket stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stream.Close()
	return s.httpSrv.Shutdown(ctx)
}

// Addr returns the listener address, useful when Port 0 picked a free port.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
