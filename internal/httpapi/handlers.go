package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketcache/internal/model"
	"marketcache/internal/ratelimit"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// SnapshotsResponse wraps snapshot lists with their origin: "provider" for a
// fresh fetch, "cache" when the rate limiter or an outage forced a fallback.
type SnapshotsResponse struct {
	Data   []model.CurrencySnapshot `json:"data"`
	Source string                   `json:"source"`
	Stale  bool                     `json:"stale"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	count := queryInt(r, "count", 50)
	currency := s.currency(r)

	snapshots, status := s.fetcher.FetchTop(r.Context(), count, currency)
	if status.Fresh() {
		WriteJSON(w, http.StatusOK, SnapshotsResponse{Data: snapshots, Source: "provider"})
		return
	}

	cached := s.cache.GetAll()
	if len(cached) == 0 {
		WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no data available"})
		return
	}
	if len(cached) > count {
		cached = cached[:count]
	}
	WriteJSON(w, http.StatusOK, SnapshotsResponse{Data: cached, Source: "cache", Stale: true})
}

func (s *Server) handleByID(w http.ResponseWriter, r *http.Request) {
	coinID := chi.URLParam(r, "id")
	currency := s.currency(r)

	snapshots, status := s.fetcher.FetchByIDs(r.Context(), []string{coinID}, currency)
	if status.Fresh() && len(snapshots) == 1 {
		WriteJSON(w, http.StatusOK, snapshots[0])
		return
	}

	if snap, ok := s.cache.GetOne(coinID); ok {
		WriteJSON(w, http.StatusOK, snap)
		return
	}
	if status.Fresh() {
		// The provider answered and does not know this coin.
		WriteJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown coin: " + coinID})
		return
	}
	WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no data available"})
}

type batchRequest struct {
	CoinIDs  []string `json:"coinIds"`
	Currency string   `json:"currency"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if len(req.CoinIDs) == 0 {
		WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: "coinIds is required"})
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}

	snapshots, status := s.fetcher.FetchByIDs(r.Context(), req.CoinIDs, currency)
	if status.Fresh() {
		WriteJSON(w, http.StatusOK, SnapshotsResponse{Data: snapshots, Source: "provider"})
		return
	}

	cached := make([]model.CurrencySnapshot, 0, len(req.CoinIDs))
	for _, id := range req.CoinIDs {
		if snap, ok := s.cache.GetOne(id); ok {
			cached = append(cached, snap)
		}
	}
	if len(cached) == 0 {
		WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no data available"})
		return
	}
	WriteJSON(w, http.StatusOK, SnapshotsResponse{Data: cached, Source: "cache", Stale: true})
}

func (s *Server) handleSimplePrices(w http.ResponseWriter, r *http.Request) {
	ids := splitList(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: "ids is required"})
		return
	}
	currency := s.currency(r)

	prices, status := s.fetcher.FetchSimplePrices(r.Context(), ids, currency)
	if !status.Fresh() {
		prices = make(map[string]float64, len(ids))
		for _, id := range ids {
			if snap, ok := s.cache.GetOne(id); ok {
				prices[id] = snap.CurrentPrice
			}
		}
		if len(prices) == 0 {
			WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no data available"})
			return
		}
	}
	WriteJSON(w, http.StatusOK, prices)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: "query is required"})
		return
	}

	snapshots, status := s.fetcher.Search(r.Context(), query, s.currency(r))
	if status.Fresh() {
		WriteJSON(w, http.StatusOK, SnapshotsResponse{Data: snapshots, Source: "provider"})
		return
	}

	// Budget exhausted or provider down: substring match over the cache.
	needle := strings.ToLower(query)
	matches := make([]model.CurrencySnapshot, 0)
	for _, snap := range s.cache.GetAll() {
		if strings.Contains(strings.ToLower(snap.ID), needle) ||
			strings.Contains(strings.ToLower(snap.Symbol), needle) ||
			strings.Contains(strings.ToLower(snap.Name), needle) {
			matches = append(matches, snap)
		}
	}
	WriteJSON(w, http.StatusOK, SnapshotsResponse{Data: matches, Source: "cache", Stale: true})
}

func (s *Server) handleCached(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, SnapshotsResponse{Data: s.cache.GetAll(), Source: "cache"})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, SnapshotsResponse{Data: s.refresh.LatestPrices(), Source: "cache"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	coinID := chi.URLParam(r, "id")
	days := queryInt(r, "days", 7)

	points, err := s.store.QueryDays(r.Context(), coinID, days)
	if err != nil {
		s.logger.Error("history query failed", zap.String("coin", coinID), zap.Error(err))
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "history query failed"})
		return
	}
	if len(points) == 0 {
		// Nothing collected locally yet; ask the provider for its chart.
		fetched, status := s.fetcher.FetchHistory(r.Context(), coinID, s.currency(r), days)
		if status.Fresh() {
			points = fetched
		}
	}
	WriteJSON(w, http.StatusOK, points)
}

func (s *Server) handleHistoryLatest(w http.ResponseWriter, r *http.Request) {
	coinID := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 100)

	points, err := s.store.QueryLatest(r.Context(), coinID, limit)
	if err != nil {
		s.logger.Error("history query failed", zap.String("coin", coinID), zap.Error(err))
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "history query failed"})
		return
	}
	WriteJSON(w, http.StatusOK, points)
}

// Diagnostics is the operational snapshot served on /api/diagnostics. It
// reflects true current state even during provider outages.
type Diagnostics struct {
	CachedPricesCount int                      `json:"cached_prices_count"`
	OldestUpdate      time.Time                `json:"oldest_update"`
	NewestUpdate      time.Time                `json:"newest_update"`
	DataAgeMinutes    float64                  `json:"data_age_minutes"`
	RateLimiter       ratelimit.Stats          `json:"rate_limiter"`
	SchedulerState    string                   `json:"scheduler_state"`
	LastCycle         time.Time                `json:"last_cycle"`
	LastCycleStatus   string                   `json:"last_cycle_status"`
	SampleEntries     []model.CurrencySnapshot `json:"sample_entries"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	oldest, newest := s.cache.Bounds()
	state, lastCycle, lastStatus := s.refresh.Status()

	diag := Diagnostics{
		CachedPricesCount: s.cache.Size(),
		OldestUpdate:      oldest,
		NewestUpdate:      newest,
		RateLimiter:       s.limiter.Stats(),
		SchedulerState:    string(state),
		LastCycle:         lastCycle,
		LastCycleStatus:   string(lastStatus),
	}
	if !newest.IsZero() {
		diag.DataAgeMinutes = time.Since(newest).Minutes()
	}
	if sample := s.cache.GetAll(); len(sample) > 0 {
		if len(sample) > 5 {
			sample = sample[:5]
		}
		diag.SampleEntries = sample
	}

	WriteJSON(w, http.StatusOK, diag)
}

// RefreshResponse reports the outcome of a forced refresh cycle.
type RefreshResponse struct {
	Success bool                     `json:"success"`
	Status  string                   `json:"status"`
	Count   int                      `json:"count"`
	Prices  []model.CurrencySnapshot `json:"prices"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	// Batch size from the query, or a JSON body {"count": N}; zero means the
	// scheduler's configured size.
	count := queryInt(r, "count", 0)
	if count == 0 && r.Body != nil {
		var req struct {
			Count int `json:"count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Count > 0 {
			count = req.Count
		}
	}

	result := s.refresh.ForceRefresh(r.Context(), count)

	resp := RefreshResponse{
		Success: result.Success,
		Status:  string(result.Status),
		Count:   result.Count,
		Prices:  result.Prices,
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}

func (s *Server) currency(r *http.Request) string {
	if currency := r.URL.Query().Get("currency"); currency != "" {
		return currency
	}
	return s.cfg.Currency
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
