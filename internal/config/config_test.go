package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"stockbot/internal/engine"
)

func validConfig() Config {
	return Config{
		Mode:                ModeDryRun,
		BuyMode:             "open",
		Algorithm:           "moved",
		MovedDays:           3,
		MaxPositions:        5,
		SharesPerPosition:   5,
		MinPrice:            1,
		MaxPrice:            100,
		GainThresholdPct:    3,
		StartingEquity:      5000,
		BuyConfirmSamples:   5,
		SellReversalSamples: 15,
		PollInterval:        2 * time.Minute,
		FetchConcurrency:    4,
		RequestsPerMinute:   180,
		Watchlist:           []string{"AAPL", "MSFT"},
		Timezone:            "UTC",
		BuyDays:             []string{"mon", "fri"},
		OrderType:           "market",
		TimeInForce:         "day",
		DataFeed:            "iex",
		LogFormat:           "json",
		APIKey:              "key",
		APISecret:           "secret",
	}
}

func TestValidateConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]func(*Config){
		"mode":           func(c *Config) { c.Mode = "stream" },
		"api key":        func(c *Config) { c.APIKey = "" },
		"api secret":     func(c *Config) { c.APISecret = "" },
		"no feed":        func(c *Config) { c.Watchlist = nil },
		"buy mode":       func(c *Config) { c.BuyMode = "noon" },
		"algo":           func(c *Config) { c.Algorithm = "random" },
		"shares":         func(c *Config) { c.SharesPerPosition = 0 },
		"price band":     func(c *Config) { c.MaxPrice = 0.5 },
		"sell gain":      func(c *Config) { c.GainThresholdPct = 0 },
		"equity":         func(c *Config) { c.StartingEquity = -1 },
		"poll":           func(c *Config) { c.PollInterval = 0 },
		"timezone":       func(c *Config) { c.Timezone = "Mars/Olympus" },
		"buy days":       func(c *Config) { c.BuyDays = []string{"someday"} },
		"no buy days":    func(c *Config) { c.BuyDays = nil },
		"order type":     func(c *Config) { c.OrderType = "stop" },
		"extended hours": func(c *Config) { c.ExtendedHours = true },
		"data feed":      func(c *Config) { c.DataFeed = "otc" },
		"log format":     func(c *Config) { c.LogFormat = "xml" },
		"select at":      func(c *Config) { c.SelectAt = "9am" },
		"window order":   func(c *Config) { c.Sell1Start = "09:00" },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestValidateConfigAcceptsValidConfig(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("expected config to be valid, got %v", err)
	}

	cfg := validConfig()
	cfg.Mode = ModePaper
	cfg.MaxPrice = 0
	if err := validate(cfg); err != nil {
		t.Fatalf("expected paper config with open price band to be valid, got %v", err)
	}
}

func TestPhaseTableDefaultsAndOverrides(t *testing.T) {
	cfg := validConfig()
	table, err := cfg.PhaseTable()
	if err != nil {
		t.Fatalf("phase table: %v", err)
	}
	want := engine.PhaseTable{
		Select: engine.ClockTime{Hour: 9, Minute: 15},
		Buy:    engine.ClockTime{Hour: 9, Minute: 30},
		Sell1:  engine.ClockTime{Hour: 11},
		Sell2:  engine.ClockTime{Hour: 13},
		Cutoff: engine.ClockTime{Hour: 15, Minute: 30},
	}
	if table != want {
		t.Fatalf("expected open defaults %+v, got %+v", want, table)
	}

	cfg.BuyMode = "close"
	cfg.Sell2Start = "15:40"
	cfg.SellCutoff = " 15:50 "
	table, err = cfg.PhaseTable()
	if err != nil {
		t.Fatalf("phase table: %v", err)
	}
	if table.Select != (engine.ClockTime{Hour: 14, Minute: 45}) || table.Sell1 != (engine.ClockTime{Hour: 15, Minute: 30}) {
		t.Fatalf("expected close defaults to remain, got %+v", table)
	}
	if table.Sell2 != (engine.ClockTime{Hour: 15, Minute: 40}) || table.Cutoff != (engine.ClockTime{Hour: 15, Minute: 50}) {
		t.Fatalf("expected overridden sell times, got %+v", table)
	}
}

func TestWeekdays(t *testing.T) {
	cfg := validConfig()
	cfg.BuyDays = []string{"Monday", "wed", "FRI"}
	days, err := cfg.Weekdays()
	if err != nil {
		t.Fatalf("weekdays: %v", err)
	}
	want := []time.Weekday{time.Monday, time.Wednesday, time.Friday}
	if len(days) != len(want) {
		t.Fatalf("expected %v, got %v", want, days)
	}
	for i := range want {
		if days[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, days)
		}
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	configContents := `mode: dry-run
algo: rating-score
shares: 7
max-positions: 9
sell-gain: 4
exchanges: [NYSE]
`
	if err := os.WriteFile(configPath, []byte(configContents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("STOCKBOT_MAX_POSITIONS", "8")
	t.Setenv("STOCKBOT_SELL_GAIN", "2.5")
	t.Setenv("STOCKBOT_BUY_DAYS", "mon,tue")
	t.Setenv("STOCKBOT_WATCHLIST", "AAPL, MSFT")
	t.Setenv("STOCKBOT_SELL_CUTOFF", "15:15")
	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("APCA_API_SECRET_KEY", "env-secret")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--config", configPath, "--max-positions", "2", "--algo", "low-to-high"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Algorithm != "low-to-high" {
		t.Fatalf("expected algo from CLI, got %q", cfg.Algorithm)
	}
	if cfg.MaxPositions != 2 {
		t.Fatalf("expected max positions from CLI, got %d", cfg.MaxPositions)
	}
	if cfg.GainThresholdPct != 2.5 {
		t.Fatalf("expected sell gain from env, got %v", cfg.GainThresholdPct)
	}
	if cfg.SharesPerPosition != 7 {
		t.Fatalf("expected shares from file, got %d", cfg.SharesPerPosition)
	}
	if len(cfg.Exchanges) != 1 || cfg.Exchanges[0] != "NYSE" {
		t.Fatalf("expected exchanges from file, got %v", cfg.Exchanges)
	}
	if len(cfg.BuyDays) != 2 || cfg.BuyDays[1] != "tue" {
		t.Fatalf("expected buy days from env, got %v", cfg.BuyDays)
	}
	if len(cfg.Watchlist) != 2 || cfg.Watchlist[1] != "MSFT" {
		t.Fatalf("expected watchlist split from env, got %v", cfg.Watchlist)
	}
	if cfg.PollInterval != 120*time.Second {
		t.Fatalf("expected default poll interval, got %v", cfg.PollInterval)
	}
	if cfg.SellCutoff != "15:15" {
		t.Fatalf("expected sell cutoff from env, got %q", cfg.SellCutoff)
	}
	if cfg.APIKey != "env-key" {
		t.Fatalf("expected API key from env, got %q", cfg.APIKey)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "key")
	t.Setenv("APCA_API_SECRET_KEY", "secret")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "--mode", "dry-run"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := Load(fs); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
