package provider

// Status classifies the outcome of one provider operation. Rate-limited and
// unavailable results trigger the same caller fallback (serve cache) but are
// kept distinct for diagnostics.
type Status string

const (
	StatusFresh       Status = "fresh"        // live data returned
	StatusRateLimited Status = "rate_limited" // call budget exhausted, no request made
	StatusUnavailable Status = "unavailable"  // network/timeout/malformed response
)

// Fresh reports whether the operation returned live data.
func (s Status) Fresh() bool { return s == StatusFresh }

// marketRow is one row of the provider's /coins/markets response.
type marketRow struct {
	ID                    string  `json:"id"`
	Symbol                string  `json:"symbol"`
	Name                  string  `json:"name"`
	CurrentPrice          float64 `json:"current_price"`
	MarketCap             float64 `json:"market_cap"`
	TotalVolume           float64 `json:"total_volume"`
	High24h               float64 `json:"high_24h"`
	Low24h                float64 `json:"low_24h"`
	PriceChange24h        float64 `json:"price_change_24h"`
	PriceChangePercent24h float64 `json:"price_change_percentage_24h"`
	CirculatingSupply     float64 `json:"circulating_supply"`
	TotalSupply           float64 `json:"total_supply"`
	MaxSupply             float64 `json:"max_supply"`
	LastUpdated           string  `json:"last_updated"` // RFC3339
}

// searchResponse is the provider's /search response. Only coin identifiers
// are used; prices come from a follow-up markets call.
type searchResponse struct {
	Coins []struct {
		ID     string `json:"id"`
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
	} `json:"coins"`
}

// marketChartResponse is the provider's /coins/{id}/market_chart response.
// Each entry is a [unix-millis, value] pair.
type marketChartResponse struct {
	Prices       [][]float64 `json:"prices"`
	MarketCaps   [][]float64 `json:"market_caps"`
	TotalVolumes [][]float64 `json:"total_volumes"`
}
