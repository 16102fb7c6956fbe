package commands

import (
	"os"
	"testing"

	"mmois-backend/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigWindow(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:commands")
	defer cleanup()

	wd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(wd)

	cases := []struct {
		name   string
		config string
		window int
	}{
		{name: "no config file keeps the default", config: "", window: 500},
		{name: "absent key keeps the default", config: `{}`, window: 500},
		{name: "explicit zero means full history", config: `{ "window": 0 }`, window: 0},
		{name: "explicit value wins", config: `{ "window": 30 }`, window: 30},
	}

	for _, test := range cases {
		t.Run(test.name, func(t *testing.T) {
			require.NoError(t, os.Chdir(t.TempDir()))
			if test.config != "" {
				require.NoError(t, os.WriteFile("config.json5", []byte(test.config), 0644))
			}

			cfg, err := loadConfig()
			require.NoError(t, err)
			require.Equal(t, test.window, cfg.Window)
		})
	}
}

func TestLoadConfigFileOverrides(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:commands")
	defer cleanup()

	wd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(wd)

	t.Setenv("DYNAMODB_TABLE_NAME", "")
	t.Setenv("METRIC_IDS", "")

	require.NoError(t, os.Chdir(t.TempDir()))
	require.NoError(t, os.WriteFile("config.json5", []byte(`{
		"chart_id": "99999",
		"store": { "backend": "sqlite" },
	}`), 0644))

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "99999", cfg.ChartID)
	require.Equal(t, "sqlite", cfg.Store.Backend)
	// untouched fields keep their defaults
	require.Equal(t, "MM_OIS", cfg.Store.Table)
	require.Len(t, cfg.MetricIDs, 7)
}
