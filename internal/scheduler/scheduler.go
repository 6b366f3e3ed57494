// Package scheduler starts one engine per trading day on a cron trigger and
// carries the settled equity from day to day.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stockbot/internal/engine"
)

// DefaultLead is how long before selection the day's engine is started.
const DefaultLead = 5 * time.Minute

// Day is one trading day's engine.
type Day interface {
	Run(ctx context.Context) (engine.Settlement, error)
	Status() engine.Status
}

// Factory builds the engine for a new day starting with cash.
type Factory func(cash decimal.Decimal) (Day, error)

type Config struct {
	Mode engine.BuyMode
	// Times overrides the mode's default phase table when set. It must match
	// the table the factory's engines run with.
	Times    engine.PhaseTable
	Location *time.Location
	Days     []time.Weekday
	Lead     time.Duration
	// Cash is the equity the first day starts with.
	Cash decimal.Decimal
}

type Scheduler struct {
	cfg     Config
	factory Factory
	log     zerolog.Logger
	cron    *cron.Cron
	spec    string
	fatal   chan error

	mu      sync.RWMutex
	ctx     context.Context
	cash    decimal.Decimal
	current Day
	last    *engine.Settlement
}

func New(cfg Config, factory Factory, log zerolog.Logger) (*Scheduler, error) {
	if factory == nil {
		return nil, errors.New("scheduler: factory is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Lead == 0 {
		cfg.Lead = DefaultLead
	}
	if cfg.Times.IsZero() {
		table, err := engine.DefaultPhaseTable(cfg.Mode)
		if err != nil {
			return nil, err
		}
		cfg.Times = table
	}
	spec, err := Spec(cfg.Times, cfg.Days, cfg.Lead)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:     cfg,
		factory: factory,
		log:     log.With().Str("component", "scheduler").Logger(),
		spec:    spec,
		fatal:   make(chan error, 1),
		cash:    cfg.Cash,
	}
	s.cron = cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(cronLogger{s.log}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	return s, nil
}

// Spec returns the standard five field cron expression that fires lead
// before the table's selection time on each of days.
func Spec(times engine.PhaseTable, days []time.Weekday, lead time.Duration) (string, error) {
	if err := times.Validate(); err != nil {
		return "", err
	}
	if len(days) == 0 {
		return "", errors.New("no trading days configured")
	}
	at := time.Duration(times.Select.Hour)*time.Hour + time.Duration(times.Select.Minute)*time.Minute - lead
	if lead < 0 || at < 0 {
		return "", fmt.Errorf("invalid lead time %s", lead)
	}

	seen := make(map[time.Weekday]bool, len(days))
	nums := make([]int, 0, len(days))
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			nums = append(nums, int(d))
		}
	}
	sort.Ints(nums)
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}

	spec := fmt.Sprintf("%d %d * * %s", int(at/time.Minute)%60, int(at/time.Hour), strings.Join(parts, ","))
	if _, err := cron.ParseStandard(spec); err != nil {
		return "", fmt.Errorf("build cron spec: %w", err)
	}
	return spec, nil
}

// Start registers the daily job and starts the cron loop. Days run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.spec, s.runScheduled); err != nil {
		return fmt.Errorf("schedule trading day: %w", err)
	}
	s.cron.Start()
	s.log.Info().Str("schedule", s.spec).Str("location", s.cfg.Location.String()).Msg("scheduler started")
	return nil
}

// Stop waits for a running day to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// Fatal delivers errors that must end the process.
func (s *Scheduler) Fatal() <-chan error {
	return s.fatal
}

// Next is the next trigger time, zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) runScheduled() {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := s.RunDay(ctx)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, engine.ErrTradingBlocked):
		select {
		case s.fatal <- err:
		default:
		}
	default:
		s.log.Error().Err(err).Msg("trading day failed")
	}
}

// RunDay builds a fresh engine with the carried equity and runs it to
// settlement. The settled next-day equity is carried only on success.
func (s *Scheduler) RunDay(ctx context.Context) (engine.Settlement, error) {
	s.mu.RLock()
	cash := s.cash
	s.mu.RUnlock()

	day, err := s.factory(cash)
	if err != nil {
		return engine.Settlement{}, fmt.Errorf("build engine: %w", err)
	}
	s.mu.Lock()
	s.current = day
	s.mu.Unlock()

	s.log.Info().Str("cash", cash.StringFixed(2)).Msg("trading day starting")
	st, err := day.Run(ctx)
	if err != nil {
		return st, err
	}

	s.mu.Lock()
	s.cash = st.NextEquity
	s.last = &st
	s.mu.Unlock()
	s.log.Info().Str("next_equity", st.NextEquity.StringFixed(2)).Msg("trading day settled")
	return st, nil
}

// Cash is the equity the next day will start with.
func (s *Scheduler) Cash() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cash
}

// Status reports the current or most recent day. ok is false before the
// first day has started.
func (s *Scheduler) Status() (engine.Status, bool) {
	s.mu.RLock()
	day := s.current
	s.mu.RUnlock()
	if day == nil {
		return engine.Status{}, false
	}
	return day.Status(), true
}

// Last is the most recent settlement.
func (s *Scheduler) Last() (engine.Settlement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return engine.Settlement{}, false
	}
	return *s.last, true
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
