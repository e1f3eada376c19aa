package postgres

import (
	"context"
	"time"

	"marketcache/internal/model"

	"gorm.io/gorm/clause"
)

// Append inserts one price point. Duplicate (coin, timestamp) pairs are
// silently skipped so a retried append never fails the write-through.
func (p *PostgresClient) Append(ctx context.Context, point model.PricePoint) error {
	record := toRecord(point)

	tx := p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "coin_id"},
			{Name: "timestamp"},
		},
		DoNothing: true,
	}).Create(record)

	return tx.Error
}

// QueryDays returns points for coinID newer than now minus days, ascending by timestamp.
func (p *PostgresClient) QueryDays(ctx context.Context, coinID string, days int) ([]model.PricePoint, error) {
	cutoff := time.Now().AddDate(0, 0, -days)

	var records []PricePointRecord
	err := p.DB.WithContext(ctx).
		Where("coin_id = ? AND timestamp > ?", coinID, cutoff).
		Order("timestamp ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return toPoints(records), nil
}

// QueryLatest returns the most recent limit points for coinID, ascending by timestamp.
func (p *PostgresClient) QueryLatest(ctx context.Context, coinID string, limit int) ([]model.PricePoint, error) {
	var records []PricePointRecord
	q := p.DB.WithContext(ctx).
		Where("coin_id = ?", coinID).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}

	// Reverse into ascending order
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return toPoints(records), nil
}

// DeleteOlderThan removes points observed before cutoff (retention sweep).
func (p *PostgresClient) DeleteOlderThan(ctx context.Context, cutoff time.Time) error {
	return p.DB.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&PricePointRecord{}).Error
}

func toRecord(point model.PricePoint) *PricePointRecord {
	return &PricePointRecord{
		CoinID:    point.CoinID,
		Price:     point.Price,
		MarketCap: point.MarketCap,
		Volume:    point.Volume,
		Timestamp: point.Timestamp,
	}
}

func toPoints(records []PricePointRecord) []model.PricePoint {
	points := make([]model.PricePoint, 0, len(records))
	for _, r := range records {
		points = append(points, model.PricePoint{
			CoinID:    r.CoinID,
			Price:     r.Price,
			MarketCap: r.MarketCap,
			Volume:    r.Volume,
			Timestamp: r.Timestamp,
		})
	}
	return points
}
