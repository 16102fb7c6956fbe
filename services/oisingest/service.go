// Package oisingest runs the OIS rate ingestion pipeline: harvest
// browser credentials, fetch the chart payload with them, normalize
// the series, write the points.
package oisingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mmois-backend/lib/ratestore"
	"mmois-backend/lib/scrapers/macromicro"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/oisingest")

// Config carries everything one ingestion run needs. It is constructed
// once by the caller and passed in, there is no package level state.
type Config struct {
	ChartPageURL string
	ChartID      string
	UserAgent    string
	// MetricIDs maps series to identifiers by position, first series
	// to first id and so on.
	MetricIDs []string
	// Window limits processing to the trailing N points per series.
	// 0 reprocesses the full history every run.
	Window       int
	NavTimeout   time.Duration
	TokenTimeout time.Duration
	Headful      bool
}

// Harvester produces the credential bundle for a run.
type Harvester func(ctx context.Context, opts macromicro.HarvestOptions) (macromicro.Credentials, error)

// Fetcher retrieves the raw chart payload with harvested credentials.
type Fetcher interface {
	FetchChartData(ctx context.Context, creds macromicro.Credentials, chartID string) ([]byte, error)
}

type Service struct {
	cfg     Config
	harvest Harvester
	fetcher Fetcher
	store   ratestore.Store
}

func NewService(cfg Config, harvest Harvester, fetcher Fetcher, store ratestore.Store) *Service {
	return &Service{
		cfg:     cfg,
		harvest: harvest,
		fetcher: fetcher,
		store:   store,
	}
}

// Run executes one harvest -> fetch -> normalize -> write pass. The
// stages run strictly in sequence; a failure in harvesting or fetching
// aborts the run, per-point problems during normalization do not.
func (s *Service) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	stageFailed := func(stage string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, fmt.Sprintf("%s stage failed", stage))
		return fmt.Errorf("%s stage: %w", stage, err)
	}

	creds, err := s.harvest(ctx, macromicro.HarvestOptions{
		PageURL:      s.cfg.ChartPageURL,
		UserAgent:    s.cfg.UserAgent,
		NavTimeout:   s.cfg.NavTimeout,
		TokenTimeout: s.cfg.TokenTimeout,
		Headful:      s.cfg.Headful,
	})
	if err != nil {
		return stageFailed("harvest", err)
	}
	slog.InfoContext(ctx, "credentials harvested", "cookies", len(creds.Cookies))

	payload, err := s.fetcher.FetchChartData(ctx, creds, s.cfg.ChartID)
	if err != nil {
		return stageFailed("fetch", err)
	}
	slog.InfoContext(ctx, "chart payload fetched", "bytes", len(payload))

	points, err := Normalize(ctx, payload, s.cfg.ChartID, s.cfg.MetricIDs, s.cfg.Window)
	if err != nil {
		return stageFailed("normalize", err)
	}

	written, err := s.store.Put(ctx, points)
	if err != nil {
		return stageFailed(
			"write",
			fmt.Errorf("%w (acknowledged %d of %d points)", err, written, len(points)),
		)
	}

	slog.InfoContext(
		ctx, "rate points stored",
		"normalized", len(points),
		"written", written,
	)
	return nil
}
