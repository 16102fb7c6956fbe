package ratestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	_ "modernc.org/sqlite"
)

// value is TEXT so the decimal digits survive exactly as rendered
const Schema = `
CREATE TABLE IF NOT EXISTS rate_points (
	metric_id TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (metric_id, timestamp_ms)
);
`

// SQLiteStore is the local backend, used for development runs and
// tests where a DynamoDB table is not available.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	_, err := db.Exec(Schema)
	if err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, points []RatePoint) (int, error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.Put")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rate_points (metric_id, timestamp_ms, value)
		VALUES (?, ?, ?)
		ON CONFLICT (metric_id, timestamp_ms) DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	written := 0
	for _, p := range points {
		_, err := stmt.ExecContext(ctx, p.MetricID, p.TimestampMS, p.ValueString())
		if err != nil {
			slog.WarnContext(
				ctx, "failed to upsert rate point",
				"metric", p.MetricID, "timestamp", p.TimestampMS, "err", err,
			)
			continue
		}
		written++
	}

	err = tx.Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return 0, err
	}
	return written, nil
}

func (s *SQLiteStore) Get(ctx context.Context, metricID string) ([]RatePoint, error) {
	ctx, span := tracer.Start(ctx, "SQLiteStore.Get")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT metric_id, timestamp_ms, value FROM rate_points
		WHERE metric_id = ?
		ORDER BY timestamp_ms ASC
	`, metricID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []RatePoint
	for rows.Next() {
		var p RatePoint
		var value string
		err = rows.Scan(&p.MetricID, &p.TimestampMS, &value)
		if err != nil {
			return nil, err
		}
		p.Value, err = decimal.NewFromString(value)
		if err != nil {
			slog.WarnContext(ctx, "skipping row with malformed value", "value", value, "err", err)
			continue
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
