package model

import "time"

// CurrencySnapshot is the latest known market-data record for one coin.
// It is owned by the price cache; the refresh scheduler is the only writer.
type CurrencySnapshot struct {
	ID                    string    `json:"id"`     // provider coin identifier, e.g. "bitcoin"
	Symbol                string    `json:"symbol"` // ticker symbol, e.g. "btc"
	Name                  string    `json:"name"`
	CurrentPrice          float64   `json:"current_price"`
	MarketCap             float64   `json:"market_cap"`
	TotalVolume           float64   `json:"total_volume"`
	High24h               float64   `json:"high_24h"`
	Low24h                float64   `json:"low_24h"`
	PriceChange24h        float64   `json:"price_change_24h"`
	PriceChangePercent24h float64   `json:"price_change_percentage_24h"`
	CirculatingSupply     float64   `json:"circulating_supply"`
	TotalSupply           float64   `json:"total_supply"`
	MaxSupply             float64   `json:"max_supply"`
	LastUpdated           time.Time `json:"last_updated"`
}

// PricePoint is one appended history observation for a coin.
// Points are append-only and ordered by timestamp per coin.
type PricePoint struct {
	CoinID    string    `json:"coin_id"`
	Price     float64   `json:"price"`
	MarketCap float64   `json:"market_cap"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceUpdate is the delta computed by one scheduler cycle for one coin,
// fanned out to subscribed sessions over TCP and UDP.
type PriceUpdate struct {
	CoinID         string    `json:"coin_id"`
	Price          float64   `json:"price"`
	PreviousPrice  float64   `json:"previous_price"`
	Change         float64   `json:"change"`
	ChangePercent  float64   `json:"change_percent"`
	Currency       string    `json:"currency"`
	UpdatedAt      time.Time `json:"updated_at"`
	FirstObserved  bool      `json:"first_observed"` // no previous snapshot existed
}
