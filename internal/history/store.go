package history

import (
	"context"
	"time"

	"marketcache/internal/model"
)

// Store is an append-only time series of price points, one series per coin.
// Implementations must return query results in ascending timestamp order and
// be safe for unlimited concurrent readers alongside a single appender.
type Store interface {
	Append(ctx context.Context, point model.PricePoint) error

	// QueryDays returns points for coinID newer than now minus days.
	QueryDays(ctx context.Context, coinID string, days int) ([]model.PricePoint, error)

	// QueryLatest returns the most recent limit points for coinID, still in
	// ascending timestamp order.
	QueryLatest(ctx context.Context, coinID string, limit int) ([]model.PricePoint, error)

	// DeleteOlderThan removes points observed before cutoff. Retention only;
	// normal operation never deletes.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) error
}
