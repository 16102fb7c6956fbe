package oisingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mmois-backend/lib/ratestore"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

var ErrPayloadShape = errors.New("chart payload missing expected series path")

// Normalize flattens a raw chart-data payload into rate points.
//
// Series are matched to metric ids purely by array position, nothing in
// the payload is checked against the ids. An upstream reordering of the
// chart's series would silently relabel the data; known limitation.
// Extra series past the configured ids are dropped with a warning.
//
// window keeps only the trailing N points of each series, 0 keeps the
// full history.
func Normalize(ctx context.Context, payload []byte, chartID string, metricIDs []string, window int) ([]ratestore.RatePoint, error) {
	seriesPath := fmt.Sprintf("data.c:%s.series", chartID)
	series := gjson.GetBytes(payload, seriesPath)
	if !series.Exists() || !series.IsArray() {
		return nil, fmt.Errorf(
			"%w: %s (payload: %s)",
			ErrPayloadShape, seriesPath, truncate(string(payload), 1000),
		)
	}

	all := series.Array()
	if len(all) != len(metricIDs) {
		slog.WarnContext(
			ctx, "series/metric id count mismatch",
			"series", len(all),
			"metric_ids", len(metricIDs),
		)
	}

	var points []ratestore.RatePoint
	for i, rawSeries := range all {
		if i >= len(metricIDs) {
			break
		}
		metricID := metricIDs[i]

		entries := rawSeries.Array()
		total := len(entries)
		if window > 0 && total > window {
			entries = entries[total-window:]
		}

		kept := 0
		for _, entry := range entries {
			point, ok := normalizePoint(ctx, metricID, entry)
			if !ok {
				continue
			}
			points = append(points, point)
			kept++
		}
		slog.DebugContext(
			ctx, "normalized series",
			"metric", metricID,
			"total", total,
			"processed", len(entries),
			"kept", kept,
		)
	}

	return points, nil
}

// normalizePoint converts one [date, value] pair. A malformed pair is
// reported and dropped, it never fails the batch.
func normalizePoint(ctx context.Context, metricID string, entry gjson.Result) (ratestore.RatePoint, bool) {
	pair := entry.Array()
	if len(pair) < 2 {
		slog.WarnContext(
			ctx, "skipping malformed data point",
			"metric", metricID, "entry", entry.Raw,
		)
		return ratestore.RatePoint{}, false
	}
	if pair[1].Type == gjson.Null {
		return ratestore.RatePoint{}, false
	}

	date, err := time.Parse(time.DateOnly, pair[0].String())
	if err != nil {
		slog.WarnContext(
			ctx, "skipping data point with malformed date",
			"metric", metricID, "date", pair[0].String(), "err", err,
		)
		return ratestore.RatePoint{}, false
	}

	// the raw JSON literal goes straight into the decimal so digits
	// like "4.3300" never pass through a float. quoted values show up
	// in some chart payloads, take the unquoted string for those.
	literal := pair[1].Raw
	if pair[1].Type == gjson.String {
		literal = pair[1].Str
	}
	value, err := decimal.NewFromString(literal)
	if err != nil {
		slog.WarnContext(
			ctx, "skipping data point with non-numeric value",
			"metric", metricID, "value", pair[1].Raw, "err", err,
		)
		return ratestore.RatePoint{}, false
	}

	// time.Parse without a zone already anchors the date at UTC
	// midnight
	return ratestore.RatePoint{
		MetricID:    metricID,
		TimestampMS: date.UnixMilli(),
		Value:       value,
	}, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
