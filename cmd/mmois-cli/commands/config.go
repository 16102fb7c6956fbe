package commands

import (
	"os"
	"strings"
	"time"

	"mmois-backend/lib/configutil"
	"mmois-backend/services/oisingest"

	"dario.cat/mergo"
)

type StoreConfig struct {
	// Backend selects "dynamo" or "sqlite".
	Backend string `json:"backend"`
	Table   string `json:"table"`
	Region  string `json:"region"`
	// File is the database path for the sqlite backend.
	File string `json:"file"`
}

type Config struct {
	ChartPageURL    string      `json:"chart_page_url"`
	ApiBaseURL      string      `json:"api_base_url"`
	ChartID         string      `json:"chart_id"`
	UserAgent       string      `json:"user_agent"`
	MetricIDs       []string    `json:"metric_ids"`
	Window          int         `json:"window"`
	NavTimeoutSec   int         `json:"nav_timeout_sec"`
	TokenTimeoutSec int         `json:"token_timeout_sec"`
	Store           StoreConfig `json:"store"`
}

func defaultConfig() Config {
	return Config{
		ChartPageURL: "https://en.macromicro.me/charts/115044/us-overnight-indexed-swaps",
		ApiBaseURL:   "https://en.macromicro.me",
		ChartID:      "115044",
		UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36",
		MetricIDs: []string{
			"MacroMicro_OIS_1M_Rate",
			"MacroMicro_OIS_3M_Rate",
			"MacroMicro_OIS_6M_Rate",
			"MacroMicro_OIS_1Y_Rate",
			"MacroMicro_OIS_2Y_Rate",
			"MacroMicro_OIS_10Y_Rate",
			"MacroMicro_OIS_30Y_Rate",
		},
		Window: 500,
		Store: StoreConfig{
			Backend: "dynamo",
			Table:   "MM_OIS",
			Region:  "eu-north-1",
			File:    "mmois.db",
		},
	}
}

// fileConfig mirrors Config for config.json5 parsing. Window is a
// pointer so an explicit `window: 0` (reprocess the full history) is
// distinguishable from the key being absent; mergo would treat a plain
// 0 as empty and silently keep the default.
type fileConfig struct {
	ChartPageURL    string      `json:"chart_page_url"`
	ApiBaseURL      string      `json:"api_base_url"`
	ChartID         string      `json:"chart_id"`
	UserAgent       string      `json:"user_agent"`
	MetricIDs       []string    `json:"metric_ids"`
	Window          *int        `json:"window"`
	NavTimeoutSec   int         `json:"nav_timeout_sec"`
	TokenTimeoutSec int         `json:"token_timeout_sec"`
	Store           StoreConfig `json:"store"`
}

// loadConfig layers config.json5 over the built-in defaults, then
// applies the environment variable overrides the deployment uses.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	fileCfg, err := configutil.ReadConfig[fileConfig]("config.json5")
	if err != nil && !os.IsNotExist(err) {
		return cfg, err
	}
	if err == nil {
		err = mergo.Merge(&cfg, Config{
			ChartPageURL:    fileCfg.ChartPageURL,
			ApiBaseURL:      fileCfg.ApiBaseURL,
			ChartID:         fileCfg.ChartID,
			UserAgent:       fileCfg.UserAgent,
			MetricIDs:       fileCfg.MetricIDs,
			NavTimeoutSec:   fileCfg.NavTimeoutSec,
			TokenTimeoutSec: fileCfg.TokenTimeoutSec,
			Store:           fileCfg.Store,
		}, mergo.WithOverride)
		if err != nil {
			return cfg, err
		}
		if fileCfg.Window != nil {
			cfg.Window = *fileCfg.Window
		}
	}

	if v := os.Getenv("DYNAMODB_TABLE_NAME"); v != "" {
		cfg.Store.Table = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Store.Region = v
	}
	if v := os.Getenv("METRIC_IDS"); v != "" {
		cfg.MetricIDs = strings.Split(v, ",")
	}

	return cfg, nil
}

func (c Config) ingestConfig(headful bool) oisingest.Config {
	return oisingest.Config{
		ChartPageURL: c.ChartPageURL,
		ChartID:      c.ChartID,
		UserAgent:    c.UserAgent,
		MetricIDs:    c.MetricIDs,
		Window:       c.Window,
		NavTimeout:   time.Duration(c.NavTimeoutSec) * time.Second,
		TokenTimeout: time.Duration(c.TokenTimeoutSec) * time.Second,
		Headful:      headful,
	}
}
