package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"stockbot/internal/engine"
	"stockbot/internal/screener"
)

type Mode string

const (
	ModePaper  Mode = "paper"
	ModeDryRun Mode = "dry-run"
)

type Config struct {
	Mode                Mode
	BuyMode             string
	Algorithm           string
	MovedDays           int
	MaxPositions        int
	SharesPerPosition   int64
	MinPrice            float64
	MaxPrice            float64
	GainThresholdPct    float64
	StartingEquity      float64
	BuyConfirmSamples   int
	SellReversalSamples int
	PollInterval        time.Duration
	FetchConcurrency    int
	RequestsPerMinute   int
	Exchanges           []string
	Watchlist           []string
	FeedPath            string
	Timezone            string
	BuyDays             []string
	SelectAt            string
	BuyStart            string
	Sell1Start          string
	Sell2Start          string
	SellCutoff          string
	KillSwitch          bool
	MaxNotional         float64
	ExtendedHours       bool
	OrderType           string
	TimeInForce         string
	DataFeed            string
	DecisionsPath       string
	ReportDir           string
	StatusAddr          string
	LogLevel            string
	LogFormat           string
	PaperBaseURL        string
	APIKey              string
	APISecret           string
}

// RegisterFlags declares every setting on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "optional YAML config file")
	fs.String("mode", string(ModePaper), "run mode: paper or dry-run")
	fs.String("buy-mode", "open", "when to buy: open or close")
	fs.String("algo", "moved", "ranking algorithm: moved, rating-score, low-to-market, low-to-high")
	fs.Int("moved-days", 3, "daily bars the moved algorithm averages over")
	fs.Int("max-positions", 5, "number of picks to trade per day")
	fs.Int64("shares", 5, "shares bought per position")
	fs.Float64("min-price", 1, "lowest stock price considered")
	fs.Float64("max-price", 100, "highest stock price considered, 0 for no limit")
	fs.Float64("sell-gain", 3, "percent gain that sells in the first sell phase")
	fs.Float64("starting-equity", 5000, "simulated equity the day starts with")
	fs.Int("buy-samples", 5, "samples needed to confirm an up trend before buying")
	fs.Int("sell-samples", 15, "samples needed to confirm a down trend in the second sell phase")
	fs.Duration("poll-interval", 120*time.Second, "time between price checks")
	fs.Int("fetch-concurrency", 4, "concurrent quote requests")
	fs.Int("requests-per-minute", 180, "market data request budget")
	fs.StringSlice("exchanges", []string{"NYSE", "NASDAQ"}, "exchanges picks may be listed on")
	fs.StringSlice("watchlist", nil, "symbols to screen when no feed file is given")
	fs.String("feed-path", "", "YAML screening feed")
	fs.String("timezone", "America/New_York", "exchange timezone")
	fs.StringSlice("buy-days", []string{"mon", "tue", "wed", "thu", "fri"}, "weekdays to trade")
	fs.String("select-at", "", "selection time HH:MM, empty for the buy mode default")
	fs.String("buy-start", "", "buy window start HH:MM, empty for the buy mode default")
	fs.String("sell1-start", "", "first sell tier start and buy window end HH:MM, empty for the buy mode default")
	fs.String("sell2-start", "", "second sell tier start HH:MM, empty for the buy mode default")
	fs.String("sell-cutoff", "", "time open positions are force sold HH:MM, empty for the buy mode default")
	fs.Bool("kill-switch", false, "if true, never place orders")
	fs.Float64("max-notional", 0, "max notional per order, 0 for no limit")
	fs.Bool("extended-hours", false, "allow extended hours (limit+day only)")
	fs.String("order-type", "market", "order type: market or limit")
	fs.String("time-in-force", "day", "time in force: day")
	fs.String("data-feed", "iex", "market data feed: iex or sip")
	fs.String("decisions-path", "decisions.ndjson", "path to decisions log")
	fs.String("report-dir", ".", "directory for daily settlement reports")
	fs.String("status-addr", ":8080", "status API listen address, empty to disable")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("log-format", "console", "log format: console or json")
	fs.String("paper-base-url", "https://paper-api.alpaca.markets", "paper trading base URL")
}

// Load resolves settings with precedence flag > environment > config file >
// default. Environment keys are STOCKBOT_<FLAG_NAME>; Alpaca credentials use
// their standard APCA_* names.
func Load(flags *pflag.FlagSet) (Config, error) {
	if err := loadDotEnv(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("STOCKBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}
	_ = v.BindEnv("api-key", "APCA_API_KEY_ID")
	_ = v.BindEnv("api-secret", "APCA_API_SECRET_KEY")
	_ = v.BindEnv("paper-base-url", "STOCKBOT_PAPER_BASE_URL", "APCA_API_BASE_URL")

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		Mode:                Mode(strings.ToLower(v.GetString("mode"))),
		BuyMode:             v.GetString("buy-mode"),
		Algorithm:           strings.ToLower(v.GetString("algo")),
		MovedDays:           v.GetInt("moved-days"),
		MaxPositions:        v.GetInt("max-positions"),
		SharesPerPosition:   v.GetInt64("shares"),
		MinPrice:            v.GetFloat64("min-price"),
		MaxPrice:            v.GetFloat64("max-price"),
		GainThresholdPct:    v.GetFloat64("sell-gain"),
		StartingEquity:      v.GetFloat64("starting-equity"),
		BuyConfirmSamples:   v.GetInt("buy-samples"),
		SellReversalSamples: v.GetInt("sell-samples"),
		PollInterval:        v.GetDuration("poll-interval"),
		FetchConcurrency:    v.GetInt("fetch-concurrency"),
		RequestsPerMinute:   v.GetInt("requests-per-minute"),
		Exchanges:           splitList(v.GetStringSlice("exchanges")),
		Watchlist:           splitList(v.GetStringSlice("watchlist")),
		FeedPath:            v.GetString("feed-path"),
		Timezone:            v.GetString("timezone"),
		BuyDays:             splitList(v.GetStringSlice("buy-days")),
		SelectAt:            v.GetString("select-at"),
		BuyStart:            v.GetString("buy-start"),
		Sell1Start:          v.GetString("sell1-start"),
		Sell2Start:          v.GetString("sell2-start"),
		SellCutoff:          v.GetString("sell-cutoff"),
		KillSwitch:          v.GetBool("kill-switch"),
		MaxNotional:         v.GetFloat64("max-notional"),
		ExtendedHours:       v.GetBool("extended-hours"),
		OrderType:           strings.ToLower(v.GetString("order-type")),
		TimeInForce:         strings.ToLower(v.GetString("time-in-force")),
		DataFeed:            strings.ToLower(v.GetString("data-feed")),
		DecisionsPath:       v.GetString("decisions-path"),
		ReportDir:           v.GetString("report-dir"),
		StatusAddr:          v.GetString("status-addr"),
		LogLevel:            v.GetString("log-level"),
		LogFormat:           v.GetString("log-format"),
		PaperBaseURL:        v.GetString("paper-base-url"),
		APIKey:              v.GetString("api-key"),
		APISecret:           v.GetString("api-secret"),
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv sets variables from path without overriding ones already set.
func loadDotEnv(path string) error {
	return godotenv.Load(path)
}

func validate(cfg Config) error {
	if cfg.Mode != ModePaper && cfg.Mode != ModeDryRun {
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	// Market data needs credentials in dry-run too.
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")
	}
	if _, err := cfg.PhaseTable(); err != nil {
		return err
	}
	if _, err := screener.ParseAlgorithm(cfg.Algorithm, cfg.MovedDays); err != nil {
		return err
	}
	if cfg.FeedPath == "" && len(cfg.Watchlist) == 0 {
		return fmt.Errorf("feed-path or watchlist is required")
	}
	if cfg.MovedDays <= 0 {
		return fmt.Errorf("moved-days must be > 0")
	}
	if cfg.MaxPositions <= 0 {
		return fmt.Errorf("max-positions must be > 0")
	}
	if cfg.SharesPerPosition <= 0 {
		return fmt.Errorf("shares must be > 0")
	}
	if cfg.MinPrice < 0 {
		return fmt.Errorf("min-price must be >= 0")
	}
	if cfg.MaxPrice != 0 && cfg.MaxPrice < cfg.MinPrice {
		return fmt.Errorf("max-price must be >= min-price")
	}
	if cfg.GainThresholdPct <= 0 {
		return fmt.Errorf("sell-gain must be > 0")
	}
	if cfg.StartingEquity <= 0 {
		return fmt.Errorf("starting-equity must be > 0")
	}
	if cfg.BuyConfirmSamples <= 0 || cfg.SellReversalSamples <= 0 {
		return fmt.Errorf("buy-samples and sell-samples must be > 0")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if cfg.FetchConcurrency <= 0 {
		return fmt.Errorf("fetch-concurrency must be > 0")
	}
	if cfg.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests-per-minute must be > 0")
	}
	if cfg.MaxNotional < 0 {
		return fmt.Errorf("max-notional must be >= 0")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	if _, err := cfg.Weekdays(); err != nil {
		return err
	}
	switch cfg.OrderType {
	case "market", "limit":
	default:
		return fmt.Errorf("unsupported order type: %s", cfg.OrderType)
	}
	if cfg.TimeInForce != "day" {
		return fmt.Errorf("unsupported time in force: %s", cfg.TimeInForce)
	}
	if cfg.ExtendedHours && cfg.OrderType != "limit" {
		return fmt.Errorf("extended-hours requires order-type limit")
	}
	switch cfg.DataFeed {
	case "iex", "sip":
	default:
		return fmt.Errorf("unsupported data feed: %s", cfg.DataFeed)
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unsupported log format: %s", cfg.LogFormat)
	}
	return nil
}

// PhaseTable is the buy mode's default phase table with any configured
// times applied over it.
func (c Config) PhaseTable() (engine.PhaseTable, error) {
	mode, err := engine.ParseBuyMode(c.BuyMode)
	if err != nil {
		return engine.PhaseTable{}, err
	}
	table, err := engine.DefaultPhaseTable(mode)
	if err != nil {
		return engine.PhaseTable{}, err
	}
	overrides := []struct {
		key   string
		value string
		at    *engine.ClockTime
	}{
		{"select-at", c.SelectAt, &table.Select},
		{"buy-start", c.BuyStart, &table.Buy},
		{"sell1-start", c.Sell1Start, &table.Sell1},
		{"sell2-start", c.Sell2Start, &table.Sell2},
		{"sell-cutoff", c.SellCutoff, &table.Cutoff},
	}
	for _, o := range overrides {
		if strings.TrimSpace(o.value) == "" {
			continue
		}
		at, err := engine.ParseClockTime(o.value)
		if err != nil {
			return engine.PhaseTable{}, fmt.Errorf("%s: %w", o.key, err)
		}
		*o.at = at
	}
	if err := table.Validate(); err != nil {
		return engine.PhaseTable{}, err
	}
	return table, nil
}

func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// Weekdays parses BuyDays. Names match on their first three letters.
func (c Config) Weekdays() ([]time.Weekday, error) {
	if len(c.BuyDays) == 0 {
		return nil, fmt.Errorf("buy-days must not be empty")
	}
	out := make([]time.Weekday, 0, len(c.BuyDays))
	for _, name := range c.BuyDays {
		key := strings.ToLower(name)
		if len(key) > 3 {
			key = key[:3]
		}
		day, ok := weekdays[key]
		if !ok {
			return nil, fmt.Errorf("invalid buy day: %s", name)
		}
		out = append(out, day)
	}
	return out, nil
}

// splitList flattens comma separated entries, as env values arrive that way.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
