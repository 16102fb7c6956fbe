package commands

import (
	"fmt"

	"mmois-backend/lib/scrapers/macromicro"
	"mmois-backend/lib/serviceutil"

	"github.com/spf13/cobra"
)

var harvestHeadful *bool

func init() {
	harvestHeadful = harvestCmd.Flags().Bool("headful", false, "Run the harvesting browser with a visible window.")
	rootCmd.AddCommand(harvestCmd)
}

// handy when diagnosing expired-credential failures: prints the bundle
// the fetch stage would have used so it can be replayed with curl
var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Harvests and prints a credential bundle without fetching data.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}

		ingest := cfg.ingestConfig(*harvestHeadful)
		creds, err := macromicro.HarvestCredentials(cmd.Context(), macromicro.HarvestOptions{
			PageURL:      ingest.ChartPageURL,
			UserAgent:    ingest.UserAgent,
			NavTimeout:   ingest.NavTimeout,
			TokenTimeout: ingest.TokenTimeout,
			Headful:      ingest.Headful,
		})
		if err != nil {
			serviceutil.Fatal("credential harvesting failed", err)
		}

		fmt.Printf("Authorization: Bearer %s\n", creds.Token)
		fmt.Printf("Cookie: %s\n", creds.CookieHeader())
	},
}
