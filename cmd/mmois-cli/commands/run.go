package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mmois-backend/lib/ratestore"
	"mmois-backend/lib/scrapers/macromicro"
	"mmois-backend/lib/serviceutil"
	"mmois-backend/services/oisingest"

	"github.com/spf13/cobra"
)

var runWindow *int
var runHeadful *bool
var runBackend *string

func init() {
	runWindow = runCmd.Flags().Int("window", -1, "Trailing points to process per series, 0 for the full history. Overrides the config.")
	runHeadful = runCmd.Flags().Bool("headful", false, "Run the harvesting browser with a visible window.")
	runBackend = runCmd.Flags().String("store", "", "Storage backend to write to (dynamo or sqlite). Overrides the config.")
	rootCmd.AddCommand(runCmd)
}

func openStore(ctx context.Context, cfg StoreConfig) (ratestore.Store, error) {
	switch cfg.Backend {
	case "dynamo":
		return ratestore.OpenDynamoStore(ctx, cfg.Region, cfg.Table)
	case "sqlite":
		return ratestore.OpenSQLiteStore(cfg.File)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs one harvest/fetch/store ingestion pass.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		if *runWindow >= 0 {
			cfg.Window = *runWindow
		}
		if *runBackend != "" {
			cfg.Store.Backend = *runBackend
		}

		ctx := cmd.Context()

		store, err := openStore(ctx, cfg.Store)
		if err != nil {
			serviceutil.Fatal("failed to open store", err)
		}

		client, err := macromicro.NewClient(macromicro.ClientOptions{
			BaseUrl:    cfg.ApiBaseURL,
			RefererUrl: cfg.ChartPageURL,
			UserAgent:  cfg.UserAgent,
		})
		if err != nil {
			serviceutil.Fatal("failed to initialize api client", err)
		}

		svc := oisingest.NewService(
			cfg.ingestConfig(*runHeadful),
			macromicro.HarvestCredentials,
			client,
			store,
		)

		t1 := time.Now()
		err = svc.Run(ctx)
		if err != nil {
			serviceutil.Fatal("ingestion run failed", err)
		}
		slog.Info("ingestion run finished", "seconds", time.Since(t1).Seconds())
	},
}
