package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketcache/internal/metrics"
	"marketcache/internal/model"
	"marketcache/internal/ratelimit"

	"go.uber.org/zap"
)

// Client normalizes calls to the external price API. Every operation passes
// through the rate limiter first; on an exhausted budget it returns
// StatusRateLimited without touching the network, and the caller decides
// whether to serve stale cache.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, limiter *ratelimit.Limiter, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger,
	}
}

// observe counts one finished operation on the provider call metric.
func (c *Client) observe(op string, status Status) Status {
	metrics.ProviderCalls.WithLabelValues(op, string(status)).Inc()
	return status
}

// FetchTop fetches the top count coins by market cap in the given currency.
func (c *Client) FetchTop(ctx context.Context, count int, currency string) ([]model.CurrencySnapshot, Status) {
	if !c.limiter.TryAcquire() {
		return nil, c.observe("top", StatusRateLimited)
	}

	endpoint := fmt.Sprintf(
		"%s/coins/markets?vs_currency=%s&order=market_cap_desc&per_page=%d&page=1",
		c.baseURL, url.QueryEscape(currency), count,
	)

	var rows []marketRow
	if err := c.getJSON(ctx, endpoint, &rows); err != nil {
		c.logger.Warn("fetch top coins failed", zap.Int("count", count), zap.Error(err))
		return nil, c.observe("top", StatusUnavailable)
	}

	return toSnapshots(rows), c.observe("top", StatusFresh)
}

// FetchByIDs fetches snapshots for the given coin identifiers.
func (c *Client) FetchByIDs(ctx context.Context, ids []string, currency string) ([]model.CurrencySnapshot, Status) {
	if len(ids) == 0 {
		return nil, StatusFresh
	}
	if !c.limiter.TryAcquire() {
		return nil, c.observe("by_ids", StatusRateLimited)
	}

	endpoint := fmt.Sprintf(
		"%s/coins/markets?vs_currency=%s&ids=%s",
		c.baseURL, url.QueryEscape(currency), url.QueryEscape(strings.Join(ids, ",")),
	)

	var rows []marketRow
	if err := c.getJSON(ctx, endpoint, &rows); err != nil {
		c.logger.Warn("fetch coins by ids failed", zap.Strings("ids", ids), zap.Error(err))
		return nil, c.observe("by_ids", StatusUnavailable)
	}

	return toSnapshots(rows), c.observe("by_ids", StatusFresh)
}

// FetchSimplePrices fetches the bare coin→price mapping for the given ids.
func (c *Client) FetchSimplePrices(ctx context.Context, ids []string, currency string) (map[string]float64, Status) {
	if len(ids) == 0 {
		return map[string]float64{}, StatusFresh
	}
	if !c.limiter.TryAcquire() {
		return nil, c.observe("simple_price", StatusRateLimited)
	}

	endpoint := fmt.Sprintf(
		"%s/simple/price?ids=%s&vs_currencies=%s",
		c.baseURL, url.QueryEscape(strings.Join(ids, ",")), url.QueryEscape(currency),
	)

	// Response shape: {"bitcoin": {"usd": 50000}, ...}
	var raw map[string]map[string]float64
	if err := c.getJSON(ctx, endpoint, &raw); err != nil {
		c.logger.Warn("fetch simple prices failed", zap.Strings("ids", ids), zap.Error(err))
		return nil, c.observe("simple_price", StatusUnavailable)
	}

	prices := make(map[string]float64, len(raw))
	for id, byCurrency := range raw {
		if price, ok := byCurrency[currency]; ok {
			prices[id] = price
		}
	}
	return prices, c.observe("simple_price", StatusFresh)
}

// Search resolves a free-text query to matching coin snapshots. It spends two
// rate-limiter slots: one for the search, one for the follow-up market fetch.
func (c *Client) Search(ctx context.Context, query, currency string) ([]model.CurrencySnapshot, Status) {
	if !c.limiter.TryAcquire() {
		return nil, c.observe("search", StatusRateLimited)
	}

	endpoint := fmt.Sprintf("%s/search?query=%s", c.baseURL, url.QueryEscape(query))

	var resp searchResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		c.logger.Warn("search failed", zap.String("query", query), zap.Error(err))
		return nil, c.observe("search", StatusUnavailable)
	}

	ids := make([]string, 0, len(resp.Coins))
	for _, coin := range resp.Coins {
		ids = append(ids, coin.ID)
	}
	if len(ids) == 0 {
		return nil, c.observe("search", StatusFresh)
	}
	if len(ids) > 10 {
		ids = ids[:10]
	}

	return c.FetchByIDs(ctx, ids, currency)
}

// FetchHistory fetches the price chart for one coin over the trailing days.
func (c *Client) FetchHistory(ctx context.Context, coinID, currency string, days int) ([]model.PricePoint, Status) {
	if !c.limiter.TryAcquire() {
		return nil, c.observe("history", StatusRateLimited)
	}

	endpoint := fmt.Sprintf(
		"%s/coins/%s/market_chart?vs_currency=%s&days=%d",
		c.baseURL, url.PathEscape(coinID), url.QueryEscape(currency), days,
	)

	var chart marketChartResponse
	if err := c.getJSON(ctx, endpoint, &chart); err != nil {
		c.logger.Warn("fetch history failed", zap.String("coin", coinID), zap.Error(err))
		return nil, c.observe("history", StatusUnavailable)
	}

	points := make([]model.PricePoint, 0, len(chart.Prices))
	for i, pair := range chart.Prices {
		if len(pair) != 2 {
			continue
		}
		point := model.PricePoint{
			CoinID:    coinID,
			Price:     pair[1],
			Timestamp: time.UnixMilli(int64(pair[0])),
		}
		if i < len(chart.MarketCaps) && len(chart.MarketCaps[i]) == 2 {
			point.MarketCap = chart.MarketCaps[i][1]
		}
		if i < len(chart.TotalVolumes) && len(chart.TotalVolumes[i]) == 2 {
			point.Volume = chart.TotalVolumes[i][1]
		}
		points = append(points, point)
	}
	return points, c.observe("history", StatusFresh)
}

// getJSON executes a GET request and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	// Execute the HTTP request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	// Check HTTP status code
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider error (%d): %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func toSnapshots(rows []marketRow) []model.CurrencySnapshot {
	snapshots := make([]model.CurrencySnapshot, 0, len(rows))
	for _, row := range rows {
		updated, err := time.Parse(time.RFC3339, row.LastUpdated)
		if err != nil {
			updated = time.Now()
		}
		snapshots = append(snapshots, model.CurrencySnapshot{
			ID:                    row.ID,
			Symbol:                row.Symbol,
			Name:                  row.Name,
			CurrentPrice:          row.CurrentPrice,
			MarketCap:             row.MarketCap,
			TotalVolume:           row.TotalVolume,
			High24h:               row.High24h,
			Low24h:                row.Low24h,
			PriceChange24h:        row.PriceChange24h,
			PriceChangePercent24h: row.PriceChangePercent24h,
			CirculatingSupply:     row.CirculatingSupply,
			TotalSupply:           row.TotalSupply,
			MaxSupply:             row.MaxSupply,
			LastUpdated:           updated,
		})
	}
	return snapshots
}
