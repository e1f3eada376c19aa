package postgres

import "time"

// PricePointRecord is one appended market-data observation stored in the database.
type PricePointRecord struct {
	ID uint `gorm:"primaryKey"`

	// unique index: one point per coin per observation instant
	CoinID    string    `gorm:"type:text;not null;index:idx_price_point_coin;index:idx_coin_timestamp,unique"`
	Timestamp time.Time `gorm:"not null;index:idx_coin_timestamp,unique;index:idx_price_point_timestamp"`

	Price     float64 `gorm:"type:numeric;not null"`
	MarketCap float64 `gorm:"type:numeric;not null"`
	Volume    float64 `gorm:"type:numeric;not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
}

// TableName overrides the default table name for GORM.
func (PricePointRecord) TableName() string {
	return "price_point"
}
