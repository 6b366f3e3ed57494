// Package engine runs one trading day: select, buy, two sell tiers and
// settlement, each inside its window of the day's schedule.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"stockbot/internal/broker"
	"stockbot/internal/clock"
	"stockbot/internal/ledger"
	"stockbot/internal/md"
	"stockbot/internal/momentum"
	"stockbot/internal/retry"
	"stockbot/internal/risk"
	"stockbot/internal/screener"
	"stockbot/internal/strategy"
)

var (
	ErrTradingBlocked = errors.New("account is restricted from trading")
	errWindowClosed   = errors.New("phase window closed")
)

type State string

const (
	StateIdle      State = "IDLE"
	StateSelecting State = "SELECTING"
	StateBuying    State = "BUYING"
	StateSelling1  State = "SELLING_PHASE1"
	StateSelling2  State = "SELLING_PHASE2"
	StateSettled   State = "SETTLED"
)

type Selector interface {
	Select(ctx context.Context) ([]screener.Candidate, error)
}

type Broker interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error)
	Account(ctx context.Context) (broker.Account, error)
	ClosedOrders(ctx context.Context, since time.Time) ([]broker.Fill, error)
}

type Reporter interface {
	Report(ctx context.Context, s Settlement) error
}

type Config struct {
	Mode      BuyMode
	Algorithm string
	Location  *time.Location

	StartingEquity decimal.Decimal
	// Cash is the equity carried into the day. Zero means StartingEquity.
	Cash decimal.Decimal

	SharesPerPosition   int64
	GainThresholdPct    decimal.Decimal
	BuyConfirmSamples   int
	SellReversalSamples int
	PollInterval        time.Duration
	FetchConcurrency    int

	KillSwitch    bool
	MaxNotional   decimal.Decimal
	OrderType     alpaca.OrderType
	TimeInForce   alpaca.TimeInForce
	ExtendedHours bool

	// Times overrides the mode's default phase table when set.
	Times PhaseTable

	Retry retry.Policy
}

type Deps struct {
	Clock     clock.Clock
	Selector  Selector
	Quotes    md.Source
	Broker    Broker
	Reporter  Reporter
	Decisions *DecisionLogger
	Log       zerolog.Logger
}

// Settlement is the day's outcome as handed to the Reporter.
type Settlement struct {
	RunID        string
	Date         time.Time
	Mode         BuyMode
	Algorithm    string
	Starting     decimal.Decimal
	Cash         decimal.Decimal
	DayReturnPct decimal.Decimal
	NextEquity   decimal.Decimal
	Positions    []ledger.Position
	Summary      Summary
}

// Engine owns all mutable state of one trading day. Build a new one per day.
type Engine struct {
	cfg       Config
	clock     clock.Clock
	selector  Selector
	quotes    md.Source
	broker    Broker
	reporter  Reporter
	decisions *DecisionLogger
	gate      risk.Gate
	log       zerolog.Logger

	runID  string
	ledger *ledger.Ledger

	mu       sync.RWMutex
	state    State
	schedule Schedule
	picks    []screener.Candidate
	skipped  map[string]bool
	rejected map[string]int

	// lastPrice is only touched by the Run goroutine.
	lastPrice map[string]float64
}

func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Clock == nil:
		return nil, errors.New("engine: clock is required")
	case deps.Selector == nil:
		return nil, errors.New("engine: selector is required")
	case deps.Quotes == nil:
		return nil, errors.New("engine: quote source is required")
	case deps.Broker == nil:
		return nil, errors.New("engine: broker is required")
	}
	if _, ok := phaseTables[cfg.Mode]; !ok {
		return nil, fmt.Errorf("engine: unsupported buy mode: %q", cfg.Mode)
	}
	if cfg.Times.IsZero() {
		cfg.Times = phaseTables[cfg.Mode]
	}
	if err := cfg.Times.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.SharesPerPosition <= 0 {
		return nil, errors.New("engine: shares per position must be > 0")
	}
	if !cfg.StartingEquity.IsPositive() {
		return nil, errors.New("engine: starting equity must be > 0")
	}
	if cfg.Cash.IsZero() {
		cfg.Cash = cfg.StartingEquity
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 120 * time.Second
	}
	if cfg.BuyConfirmSamples <= 0 {
		cfg.BuyConfirmSamples = 5
	}
	if cfg.SellReversalSamples <= 0 {
		cfg.SellReversalSamples = 15
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 4
	}
	if cfg.OrderType == "" {
		cfg.OrderType = alpaca.Market
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = alpaca.Day
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = deps.Clock
	}

	runID := uuid.NewString()
	log := deps.Log.With().Str("run_id", runID).Str("mode", string(cfg.Mode)).Logger()
	return &Engine{
		cfg:       cfg,
		clock:     deps.Clock,
		selector:  deps.Selector,
		quotes:    deps.Quotes,
		broker:    deps.Broker,
		reporter:  deps.Reporter,
		decisions: deps.Decisions,
		gate:      risk.Gate{Log: log},
		log:       log,
		runID:     runID,
		ledger:    ledger.New(cfg.Cash, cfg.StartingEquity),
		state:     StateIdle,
		skipped:   make(map[string]bool),
		rejected:  make(map[string]int),
		lastPrice: make(map[string]float64),
	}, nil
}

func (e *Engine) RunID() string {
	return e.runID
}

func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Run drives the day to settlement. It returns early only on context
// cancellation, a trading block or a ledger invariant violation.
func (e *Engine) Run(ctx context.Context) (Settlement, error) {
	sched := e.cfg.Times.Resolve(e.clock.Now(), e.cfg.Location)
	e.mu.Lock()
	e.schedule = sched
	e.mu.Unlock()
	e.log = e.log.With().Str("date", sched.Day.Format(time.DateOnly)).Logger()
	e.log.Info().Time("select", sched.Select).Time("settle", sched.Settle).Msg("trading day scheduled")

	if err := clock.SleepUntil(ctx, e.clock, sched.Select); err != nil {
		return Settlement{}, err
	}
	e.setState(StateSelecting)
	picks, err := e.selector.Select(ctx)
	if err != nil {
		return Settlement{}, fmt.Errorf("select: %w", err)
	}
	e.mu.Lock()
	e.picks = picks
	e.mu.Unlock()

	if len(picks) == 0 {
		e.log.Warn().Msg("no picks today")
	} else {
		if err := e.ensureTradable(ctx, sched.Buy.End); err != nil {
			return Settlement{}, err
		}
		if err := e.buyPhase(ctx, sched.Buy); err != nil {
			return Settlement{}, err
		}
	}

	if len(e.ledger.OpenPositions()) == 0 {
		e.log.Info().Msg("no positions held, skipping sell phases")
	} else {
		if err := e.ensureTradable(ctx, sched.Sell1.End); err != nil {
			return Settlement{}, err
		}
		if err := e.sellForGain(ctx, sched.Sell1); err != nil {
			return Settlement{}, err
		}
		if len(e.ledger.OpenPositions()) == 0 {
			e.log.Info().Msg("all positions sold, skipping second sell phase")
		} else {
			if err := e.sellOnReversal(ctx, sched.Sell2); err != nil {
				return Settlement{}, err
			}
			if err := e.sellRemaining(ctx, sched); err != nil {
				return Settlement{}, err
			}
		}
	}

	return e.settle(ctx, sched)
}

func (e *Engine) ensureTradable(ctx context.Context, deadline time.Time) error {
	var acct broker.Account
	err := retry.Do(ctx, e.cfg.Retry, e.notify("account"), func() error {
		if !e.clock.Now().Before(deadline) {
			return retry.Permanent(errWindowClosed)
		}
		var err error
		acct, err = e.broker.Account(ctx)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warn().Err(err).Msg("account status unavailable, continuing")
		return nil
	}
	if acct.TradingBlocked {
		e.log.Error().Msg("account is currently restricted from trading")
		return ErrTradingBlocked
	}
	return nil
}

// pollLoop is one phase's sampling loop. symbols lists what is still in play,
// in pick order; stop may end the phase early with a reason.
type pollLoop struct {
	phase  Phase
	window Window
	// deadline bounds retries; it defaults to the window end.
	deadline time.Time
	symbols  func() []string
	stop     func() string
	decide   func(ctx context.Context, q md.Quote, now time.Time) error
}

func (e *Engine) runLoop(ctx context.Context, l pollLoop) error {
	log := e.log.With().Str("phase", string(l.phase)).Logger()
	if err := clock.SleepUntil(ctx, e.clock, l.window.Start); err != nil {
		return err
	}
	if l.deadline.IsZero() {
		l.deadline = l.window.End
	}
	log.Info().Time("until", l.window.End).Msg("phase started")

	for iteration := 1; ; iteration++ {
		symbols, reason := e.loopState(l)
		if reason != "" {
			log.Info().Str("reason", reason).Int("iterations", iteration-1).Msg("phase complete")
			return nil
		}
		// A symbol that will not quote gives up at the next tick so it
		// cannot stall the others.
		fetchBy := e.clock.Now().Add(e.cfg.PollInterval)
		if l.deadline.Before(fetchBy) {
			fetchBy = l.deadline
		}
		quotes := e.fetchQuotes(ctx, symbols, fetchBy)
		if err := ctx.Err(); err != nil {
			return err
		}
		now := e.clock.Now()
		for _, sym := range symbols {
			q, ok := quotes[sym]
			if !ok {
				continue
			}
			e.lastPrice[sym] = q.Price
			if err := l.decide(ctx, q, now); err != nil {
				return err
			}
		}
		if _, reason := e.loopState(l); reason != "" {
			continue
		}
		if err := e.clock.Sleep(ctx, e.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (e *Engine) loopState(l pollLoop) ([]string, string) {
	symbols := l.symbols()
	if len(symbols) == 0 {
		return nil, "nothing_pending"
	}
	if l.stop != nil {
		if reason := l.stop(); reason != "" {
			return nil, reason
		}
	}
	if !e.clock.Now().Before(l.window.End) {
		return nil, "window_closed"
	}
	return symbols, ""
}

func (e *Engine) buyPhase(ctx context.Context, w Window) error {
	e.setState(StateBuying)
	sampler := momentum.NewSampler()
	rule := strategy.TrendEntry{Threshold: e.cfg.BuyConfirmSamples, ForceUp: e.cfg.Mode == BuyAtClose}
	companies := make(map[string]string)
	for _, c := range e.picksCopy() {
		companies[c.Symbol] = c.CompanyName
	}

	return e.runLoop(ctx, pollLoop{
		phase:   PhaseBuy,
		window:  w,
		symbols: e.pendingBuys,
		stop: func() string {
			if !e.ledger.Cash().IsPositive() {
				return "cash_exhausted"
			}
			return ""
		},
		decide: func(ctx context.Context, q md.Quote, now time.Time) error {
			trend := sampler.Observe(q.Symbol, q.Price, now)
			intent := rule.Decide(strategy.MarketSnapshot{
				Timestamp: now,
				Symbol:    q.Symbol,
				Price:     decimal.NewFromFloat(q.Price),
				Trend:     trend,
				Shares:    e.cfg.SharesPerPosition,
			})
			return e.apply(ctx, PhaseBuy, intent, companies[q.Symbol], q, trend, w.End)
		},
	})
}

func (e *Engine) sellForGain(ctx context.Context, w Window) error {
	e.setState(StateSelling1)
	rule := strategy.GainExit{ThresholdPct: e.cfg.GainThresholdPct}
	return e.runLoop(ctx, pollLoop{
		phase:   PhaseSell1,
		window:  w,
		symbols: e.openSymbols,
		decide: func(ctx context.Context, q md.Quote, now time.Time) error {
			return e.decideSell(ctx, PhaseSell1, rule, q, momentum.Trend{Symbol: q.Symbol}, now, w.End)
		},
	})
}

func (e *Engine) sellOnReversal(ctx context.Context, w Window) error {
	e.setState(StateSelling2)
	sampler := momentum.NewSampler()
	rule := strategy.ReversalExit{Threshold: e.cfg.SellReversalSamples, Cutoff: w.End}
	return e.runLoop(ctx, pollLoop{
		phase:   PhaseSell2,
		window:  w,
		symbols: e.openSymbols,
		decide: func(ctx context.Context, q md.Quote, now time.Time) error {
			trend := sampler.Observe(q.Symbol, q.Price, now)
			return e.decideSell(ctx, PhaseSell2, rule, q, trend, now, w.End)
		},
	})
}

// sellRemaining closes whatever is still open once the second tier's cutoff
// has passed, at a fresh quote when one can be had before settlement.
func (e *Engine) sellRemaining(ctx context.Context, sched Schedule) error {
	open := e.ledger.OpenPositions()
	if len(open) == 0 {
		return nil
	}
	log := e.log.With().Str("phase", string(PhaseSell2)).Logger()
	log.Warn().Int("positions", len(open)).Msg("cutoff reached, selling remaining positions")

	symbols := make([]string, 0, len(open))
	for _, p := range open {
		symbols = append(symbols, p.Symbol)
	}
	quotes := e.fetchQuotes(ctx, symbols, sched.Settle)
	if err := ctx.Err(); err != nil {
		return err
	}
	rule := strategy.ReversalExit{Threshold: e.cfg.SellReversalSamples, Cutoff: sched.Sell2.End}
	now := e.clock.Now()
	for _, p := range open {
		q, ok := quotes[p.Symbol]
		if !ok {
			price, seen := e.lastPrice[p.Symbol]
			if !seen {
				price = p.EntryPrice.InexactFloat64()
			}
			log.Warn().Str("symbol", p.Symbol).Float64("price", price).Msg("no fresh quote, selling at last observed price")
			q = md.Quote{Symbol: p.Symbol, Price: price, At: now}
		}
		if err := e.decideSell(ctx, PhaseSell2, rule, q, momentum.Trend{Symbol: p.Symbol}, now, sched.Settle); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) decideSell(ctx context.Context, phase Phase, rule strategy.Strategy, q md.Quote, trend momentum.Trend, now, deadline time.Time) error {
	pos, ok := e.ledger.Position(q.Symbol)
	if !ok {
		return fmt.Errorf("sell %s: %w", q.Symbol, ledger.ErrNoEntry)
	}
	if pos.Closed {
		return nil
	}
	intent := rule.Decide(strategy.MarketSnapshot{
		Timestamp:  now,
		Symbol:     q.Symbol,
		Price:      decimal.NewFromFloat(q.Price),
		Trend:      trend,
		EntryPrice: pos.EntryPrice,
		Shares:     pos.Shares,
	})
	return e.apply(ctx, phase, intent, pos.CompanyName, q, trend, deadline)
}

// apply runs intent through the risk gate and, when approved, the broker
// and the ledger. Only ledger invariant violations and cancellation are
// returned; everything else is journaled and the phase continues.
func (e *Engine) apply(ctx context.Context, phase Phase, intent strategy.TradeIntent, company string, q md.Quote, trend momentum.Trend, deadline time.Time) error {
	price := decimal.NewFromFloat(q.Price)
	log := e.log.With().Str("phase", string(phase)).Str("symbol", q.Symbol).Logger()
	d := Decision{
		RunID:     e.runID,
		Timestamp: e.clock.Now(),
		Phase:     phase,
		Symbol:    q.Symbol,
		Price:     price.String(),
		Samples:   trend.Samples,
		Up:        trend.Up,
		Down:      trend.Down,
		Intent:    intent.Action,
		IntentQty: intent.Qty,
		Reason:    intent.Reason,
	}

	approved, err := e.gate.Evaluate(intent, risk.RiskContext{
		Price:       price,
		Cash:        e.ledger.Cash(),
		HasOpen:     e.ledger.IsOpen(q.Symbol),
		KillSwitch:  e.cfg.KillSwitch,
		MaxNotional: e.cfg.MaxNotional,
	})
	if err != nil {
		d.RejectReason = err.Error()
		if errors.Is(err, risk.ErrInvariant) {
			d.Result = "invariant_violation"
			e.decisions.Append(d)
			return err
		}
		d.Result = "rejected"
		e.decisions.Append(d)
		return nil
	}
	if intent.Action == strategy.Hold {
		d.Result = "hold"
		e.decisions.Append(d)
		log.Debug().Float64("price", q.Price).Int("samples", trend.Samples).Int("up", trend.Up).Int("down", trend.Down).Str("reason", intent.Reason).Msg("hold")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	req := e.buildOrder(approved.Intent, price)
	ref, err := e.submit(ctx, req, deadline)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.Result = "order_failed"
		d.RejectReason = err.Error()
		d.ClientOrderID = req.ClientOrderID
		e.decisions.Append(d)
		if errors.Is(err, broker.ErrRejected) {
			e.markRejected(req.Side, q.Symbol)
			if intent.Action == strategy.Buy {
				e.skip(q.Symbol)
			}
		}
		log.Error().Err(err).Str("intent", string(intent.Action)).Msg("order not placed")
		return nil
	}

	d.Result = "order_submitted"
	d.ApprovalReason = approved.Reason
	d.OrderID = ref.ID
	d.ClientOrderID = ref.ClientOrderID
	now := e.clock.Now()

	switch intent.Action {
	case strategy.Buy:
		pos, err := e.ledger.Open(q.Symbol, company, intent.Qty, price, now, q.Volume)
		if err != nil {
			return err
		}
		e.decisions.Append(d)
		log.Info().Str("company", company).Str("price", price.String()).Int64("shares", pos.Shares).
			Uint64("volume", q.Volume).Str("cash", e.ledger.Cash().String()).Msg("placed buy order")
	case strategy.Sell:
		pos, err := e.ledger.Close(q.Symbol, price, now, q.Volume)
		if err != nil {
			return err
		}
		e.decisions.Append(d)
		log.Info().Str("company", company).Str("price", price.String()).
			Str("diff", pos.ProfitPerShare().StringFixed(2)).Str("percent", pos.ChangePercent(price).StringFixed(2)).
			Uint64("volume", q.Volume).Str("reason", intent.Reason).Msg("placed sell order")
	}
	return nil
}

func (e *Engine) submit(ctx context.Context, req broker.OrderRequest, deadline time.Time) (broker.OrderRef, error) {
	var ref broker.OrderRef
	err := retry.Do(ctx, e.cfg.Retry, e.notify(req.Symbol), func() error {
		if err := ctx.Err(); err != nil {
			return retry.Permanent(err)
		}
		if !e.clock.Now().Before(deadline) {
			return retry.Permanent(errWindowClosed)
		}
		var err error
		ref, err = e.broker.PlaceOrder(ctx, req)
		if errors.Is(err, broker.ErrRejected) {
			return retry.Permanent(err)
		}
		return err
	})
	return ref, err
}

func (e *Engine) buildOrder(intent strategy.TradeIntent, price decimal.Decimal) broker.OrderRequest {
	side := alpaca.Buy
	if intent.Action == strategy.Sell {
		side = alpaca.Sell
	}
	req := broker.OrderRequest{
		Symbol:        intent.Symbol,
		Qty:           intent.Qty,
		Side:          side,
		Type:          e.cfg.OrderType,
		TimeInForce:   e.cfg.TimeInForce,
		ClientOrderID: e.clientOrderID(side, intent.Symbol),
		ExtendedHours: e.cfg.ExtendedHours,
		RefPrice:      price,
	}
	if req.Type == alpaca.Limit {
		limit := price
		req.LimitPrice = &limit
	}
	return req
}

// clientOrderID is stable across retries of one intent. A fresh intent after
// a broker rejection gets a new suffix.
func (e *Engine) clientOrderID(side alpaca.Side, symbol string) string {
	e.mu.RLock()
	n := e.rejected[string(side)+":"+symbol]
	e.mu.RUnlock()
	id := fmt.Sprintf("%s-%s-%s", e.runID, side, symbol)
	if n > 0 {
		id = fmt.Sprintf("%s-%d", id, n)
	}
	return id
}

func (e *Engine) markRejected(side alpaca.Side, symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejected[string(side)+":"+symbol]++
}

// fetchQuotes fetches all symbols concurrently. Symbols that could not be
// quoted before deadline are absent from the result.
func (e *Engine) fetchQuotes(ctx context.Context, symbols []string, deadline time.Time) map[string]md.Quote {
	results := make([]*md.Quote, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FetchConcurrency)
	for i, sym := range symbols {
		g.Go(func() error {
			q, err := e.quote(gctx, sym, deadline)
			if err == nil {
				results[i] = &q
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]md.Quote, len(symbols))
	for i, q := range results {
		if q != nil {
			out[symbols[i]] = *q
		}
	}
	return out
}

func (e *Engine) quote(ctx context.Context, symbol string, deadline time.Time) (md.Quote, error) {
	var q md.Quote
	err := retry.Do(ctx, e.cfg.Retry, e.notify(symbol), func() error {
		if !e.clock.Now().Before(deadline) {
			return retry.Permanent(errWindowClosed)
		}
		var err error
		q, err = e.quotes.Quote(ctx, symbol)
		if errors.Is(err, md.ErrNotFound) {
			return retry.Permanent(err)
		}
		if err == nil && q.Price <= 0 {
			return fmt.Errorf("quote %s: no price", symbol)
		}
		return err
	})
	if errors.Is(err, md.ErrNotFound) {
		e.log.Warn().Str("symbol", symbol).Msg("stock symbol not found, skipping for the day")
		e.skip(symbol)
	}
	return q, err
}

func (e *Engine) notify(target string) retry.Notify {
	return func(err error, wait time.Duration) {
		e.log.Warn().Err(err).Str("target", target).Dur("backoff", wait).Msg("connection error, retrying")
	}
}

func (e *Engine) settle(ctx context.Context, sched Schedule) (Settlement, error) {
	if err := clock.SleepUntil(ctx, e.clock, sched.Settle); err != nil {
		return Settlement{}, err
	}
	e.setState(StateSettled)
	log := e.log.With().Str("phase", string(PhaseSettle)).Logger()

	snap := e.ledger.Snapshot()
	st := Settlement{
		RunID:        e.runID,
		Date:         sched.Day,
		Mode:         e.cfg.Mode,
		Algorithm:    e.cfg.Algorithm,
		Starting:     snap.Starting,
		Cash:         snap.Cash,
		DayReturnPct: e.ledger.DayReturnPercent().Round(2),
		NextEquity:   e.ledger.NextDayEquity(),
		Positions:    snap.Positions,
	}
	log.Info().Str("percent", st.DayReturnPct.StringFixed(2)).Str("equity", st.Cash.StringFixed(2)).Msg("day complete")

	var fills []broker.Fill
	err := retry.Do(ctx, e.cfg.Retry, e.notify("closed orders"), func() error {
		if !e.clock.Now().Before(sched.Settle.Add(settleDelay)) {
			return retry.Permanent(errWindowClosed)
		}
		var err error
		fills, err = e.broker.ClosedOrders(ctx, sched.Day)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		log.Warn().Err(err).Msg("broker orders unavailable, summarizing from ledger")
		st.Summary = summarize(ledgerResults(snap.Positions), false)
	} else {
		st.Summary = summarize(Reconcile(fills), true)
	}
	for _, r := range st.Summary.Rows {
		log.Info().Str("symbol", r.Symbol).Str("buy", r.Buy.StringFixed(2)).Str("sell", r.Sell.StringFixed(2)).Str("change", r.ChangePct.StringFixed(2)).Msg("profit/loss")
	}
	log.Info().
		Str("sum", st.Summary.SumPct.StringFixed(2)).
		Str("avg", st.Summary.AvgPct.StringFixed(2)).
		Str("buy", st.Summary.Buy.StringFixed(2)).
		Str("sell", st.Summary.Sell.StringFixed(2)).
		Str("profit", st.Summary.Profit.StringFixed(2)).
		Bool("from_broker", st.Summary.FromBroker).
		Str("next_equity", st.NextEquity.StringFixed(2)).
		Msg("settlement")

	if e.reporter != nil {
		if err := e.reporter.Report(ctx, st); err != nil {
			return st, fmt.Errorf("report settlement: %w", err)
		}
	}
	return st, nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	e.log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("state change")
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) skip(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.skipped[symbol] = true
}

func (e *Engine) picksCopy() []screener.Candidate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]screener.Candidate, len(e.picks))
	copy(out, e.picks)
	return out
}

// pendingBuys lists picks neither bought nor skipped, in pick order.
func (e *Engine) pendingBuys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.picks))
	for _, c := range e.picks {
		if e.skipped[c.Symbol] {
			continue
		}
		if _, held := e.ledger.Position(c.Symbol); held {
			continue
		}
		out = append(out, c.Symbol)
	}
	return out
}

func (e *Engine) openSymbols() []string {
	open := e.ledger.OpenPositions()
	out := make([]string, 0, len(open))
	for _, p := range open {
		out = append(out, p.Symbol)
	}
	return out
}
