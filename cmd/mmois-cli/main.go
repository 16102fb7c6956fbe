package main

import (
	"context"
	"os"

	"mmois-backend/cmd/mmois-cli/commands"
	"mmois-backend/lib/configutil"
	"mmois-backend/lib/serviceutil"
	"mmois-backend/lib/telemetry"
)

func main() {
	ctx := serviceutil.SignalContext()

	configutil.LoadDotenv()
	telemetry.InitSlog(os.Getenv("DEBUG") != "")
	err := telemetry.SetupFromEnv(ctx, "mmois-cli")
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}
	telemetry.InstrumentPerfStats(ctx)

	err = commands.ExecuteContext(ctx)
	// flush pending spans before the process goes away
	telemetry.Shutdown(context.Background())
	if err != nil {
		os.Exit(1)
	}
}
