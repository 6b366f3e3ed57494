package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"stockbot/internal/api"
	"stockbot/internal/broker"
	"stockbot/internal/clock"
	"stockbot/internal/config"
	"stockbot/internal/engine"
	"stockbot/internal/logging"
	"stockbot/internal/md"
	"stockbot/internal/report"
	"stockbot/internal/retry"
	"stockbot/internal/scheduler"
	"stockbot/internal/screener"
)

type gateway interface {
	engine.Broker
	engine.AccountReporter
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:          "stockbot",
		Short:        "Intraday momentum trader for an Alpaca paper account",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, once, log)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().BoolVar(&once, "once", false, "run a single trading day now instead of scheduling")
	return cmd
}

func run(parent context.Context, cfg config.Config, once bool, log zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	days, err := cfg.Weekdays()
	if err != nil {
		return err
	}
	buyMode, err := engine.ParseBuyMode(cfg.BuyMode)
	if err != nil {
		return err
	}
	times, err := cfg.PhaseTable()
	if err != nil {
		return err
	}
	algo, err := screener.ParseAlgorithm(cfg.Algorithm, cfg.MovedDays)
	if err != nil {
		return err
	}

	quotes := md.NewAlpacaSource(md.AlpacaOpts{
		APIKey:            cfg.APIKey,
		APISecret:         cfg.APISecret,
		TradingBaseURL:    cfg.PaperBaseURL,
		Feed:              cfg.DataFeed,
		RequestsPerSecond: float64(cfg.RequestsPerMinute) / 60,
	}, log)

	var gw gateway
	if cfg.Mode == config.ModeDryRun {
		gw = broker.NewSimulated(clock.Real{}, log)
	} else {
		gw = broker.New(cfg.APIKey, cfg.APISecret, cfg.PaperBaseURL, log)
	}

	selectRetry := retry.Default()
	selectRetry.MaxAttempts = screener.DefaultAttempts

	var feed screener.Feed = screener.Watchlist(cfg.Watchlist)
	if cfg.FeedPath != "" {
		feed = screener.FileFeed{Path: cfg.FeedPath}
	}
	selector := screener.New(feed, quotes, screener.Config{
		Algorithm:    algo,
		MaxPositions: cfg.MaxPositions,
		MinPrice:     cfg.MinPrice,
		MaxPrice:     cfg.MaxPrice,
		Exchanges:    cfg.Exchanges,
		Concurrency:  cfg.FetchConcurrency,
		Retry:        selectRetry,
	}, log)

	decisions, err := engine.NewDecisionLogger(cfg.DecisionsPath, log)
	if err != nil {
		return fmt.Errorf("decision logger error: %w", err)
	}
	defer func() {
		if err := decisions.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close decision logger")
		}
	}()

	if err := engine.LogAccount(ctx, gw, log); err != nil {
		return fmt.Errorf("account check: %w", err)
	}

	engineCfg := engine.Config{
		Mode:                buyMode,
		Algorithm:           algo.Name(),
		Location:            loc,
		StartingEquity:      decimal.NewFromFloat(cfg.StartingEquity),
		SharesPerPosition:   cfg.SharesPerPosition,
		GainThresholdPct:    decimal.NewFromFloat(cfg.GainThresholdPct),
		BuyConfirmSamples:   cfg.BuyConfirmSamples,
		SellReversalSamples: cfg.SellReversalSamples,
		PollInterval:        cfg.PollInterval,
		FetchConcurrency:    cfg.FetchConcurrency,
		KillSwitch:          cfg.KillSwitch,
		MaxNotional:         decimal.NewFromFloat(cfg.MaxNotional),
		OrderType:           alpaca.OrderType(cfg.OrderType),
		TimeInForce:         alpaca.TimeInForce(cfg.TimeInForce),
		ExtendedHours:       cfg.ExtendedHours,
		Times:               times,
		Retry:               retry.Default(),
	}
	reporter := report.CSV{Dir: cfg.ReportDir, Log: log}
	factory := func(cash decimal.Decimal) (scheduler.Day, error) {
		c := engineCfg
		c.Cash = cash
		e, err := engine.New(c, engine.Deps{
			Clock:     clock.Real{},
			Selector:  selector,
			Quotes:    quotes,
			Broker:    gw,
			Reporter:  reporter,
			Decisions: decisions,
			Log:       log,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	}

	sched, err := scheduler.New(scheduler.Config{
		Mode:     buyMode,
		Times:    times,
		Location: loc,
		Days:     days,
		Cash:     engineCfg.StartingEquity,
	}, factory, log)
	if err != nil {
		return err
	}

	log.Info().
		Str("mode", string(cfg.Mode)).
		Str("buy_mode", string(buyMode)).
		Str("algo", algo.Name()).
		Bool("once", once).
		Msg("starting bot")

	g, gctx := errgroup.WithContext(ctx)
	if cfg.StatusAddr != "" {
		srv := api.NewServer(cfg.StatusAddr, api.NewRouter(sched, log), log)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		defer stop()
		if once {
			_, err := sched.RunDay(gctx)
			return err
		}
		if err := sched.Start(gctx); err != nil {
			return err
		}
		defer sched.Stop()
		log.Info().Time("next", sched.Next()).Msg("waiting for next trading day")
		select {
		case <-gctx.Done():
			return nil
		case err := <-sched.Fatal():
			return err
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		log.Error().Err(err).Msg("bot stopped")
		return err
	}
	log.Info().Msg("bot shutdown complete")
	return nil
}
