// Package ratestore persists metric rate points into a durable keyed
// store with upsert semantics on (metric id, timestamp). Writing the
// same key twice leaves the store in the same state as writing it once,
// so a truncated ingestion run can simply be re-executed.
package ratestore

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("ratestore")

// RatePoint is one observation of a metric: an exact decimal rate at
// UTC midnight of its observation date, in milliseconds since the
// epoch.
type RatePoint struct {
	MetricID    string
	TimestampMS int64
	Value       decimal.Decimal
}

// ValueString renders the value at its parsed scale. Decimal.String
// trims trailing zeros, so a source literal like "4.3300" would come
// out as "4.33"; rendering at the preserved exponent keeps the digits
// the source published.
func (p RatePoint) ValueString() string {
	if p.Value.Exponent() < 0 {
		return p.Value.StringFixed(-p.Value.Exponent())
	}
	return p.Value.String()
}

type Store interface {
	// Put upserts the given points and returns how many writes the
	// backend acknowledged. A partially failed batch still reports the
	// acknowledged count.
	Put(ctx context.Context, points []RatePoint) (int, error)
	// Get returns every point stored for a metric, oldest first.
	Get(ctx context.Context, metricID string) ([]RatePoint, error)
}
