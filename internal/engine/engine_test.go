package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stockbot/internal/broker"
	"stockbot/internal/clock"
	"stockbot/internal/ledger"
	"stockbot/internal/md"
	"stockbot/internal/md/mdtest"
	"stockbot/internal/momentum"
	"stockbot/internal/retry"
	"stockbot/internal/screener"
	"stockbot/internal/strategy"
)

var newYork = mustLocation("America/New_York")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// monday is 2024-03-04 at the given exchange time.
func monday(hour, min int) time.Time {
	return time.Date(2024, 3, 4, hour, min, 0, 0, newYork)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

type staticPicks []screener.Candidate

func (p staticPicks) Select(context.Context) ([]screener.Candidate, error) { return p, nil }

func picksOf(symbols ...string) staticPicks {
	out := make(staticPicks, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, screener.Candidate{Symbol: s, CompanyName: s + " Corp"})
	}
	return out
}

type recordingReporter struct {
	reports []Settlement
}

func (r *recordingReporter) Report(_ context.Context, s Settlement) error {
	r.reports = append(r.reports, s)
	return nil
}

func testConfig(mode BuyMode) Config {
	return Config{
		Mode:              mode,
		Algorithm:         "low-to-market",
		Location:          newYork,
		StartingEquity:    dec("5000"),
		SharesPerPosition: 5,
		GainThresholdPct:  dec("3"),
		PollInterval:      2 * time.Minute,
		Retry:             retry.Policy{MinDelay: time.Second, MaxDelay: 5 * time.Second},
	}
}

type harness struct {
	clock    *clock.Fake
	quotes   *mdtest.Scripted
	broker   *broker.Simulated
	reporter *recordingReporter
	journal  *bytes.Buffer
}

func newHarness(start time.Time) *harness {
	fake := clock.NewFake(start)
	return &harness{
		clock:    fake,
		quotes:   mdtest.New(),
		broker:   broker.NewSimulated(fake, zerolog.Nop()),
		reporter: &recordingReporter{},
		journal:  &bytes.Buffer{},
	}
}

func (h *harness) engine(t *testing.T, cfg Config, sel Selector) *Engine {
	t.Helper()
	e, err := New(cfg, Deps{
		Clock:     h.clock,
		Selector:  sel,
		Quotes:    h.quotes,
		Broker:    h.broker,
		Reporter:  h.reporter,
		Decisions: NewDecisionWriter(h.journal, zerolog.Nop()),
		Log:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return e
}

func (h *harness) decisions(t *testing.T) []Decision {
	t.Helper()
	var out []Decision
	sc := bufio.NewScanner(bytes.NewReader(h.journal.Bytes()))
	for sc.Scan() {
		var d Decision
		require.NoError(t, json.Unmarshal(sc.Bytes(), &d))
		out = append(out, d)
	}
	return out
}

func TestScenarioTwoPicksBothSoldInFirstTier(t *testing.T) {
	h := newHarness(monday(8, 0))
	h.quotes.SetPrices("AAA", 48, 49, 49.5, 49.8, 49.9, 50, 52.5)
	h.quotes.SetPrices("BBB", 96, 97, 98, 99, 99.5, 100, 103)

	var cashAtSell1 decimal.Decimal
	e := h.engine(t, testConfig(BuyAtOpen), picksOf("AAA", "BBB"))
	h.clock.OnSleep(func(now time.Time) {
		if now.Equal(monday(11, 0)) {
			cashAtSell1 = e.Ledger().Cash()
		}
	})

	st, err := e.Run(context.Background())
	require.NoError(t, err)

	assertDecimal(t, "4250", cashAtSell1)
	assertDecimal(t, "5027.5", st.Cash)
	assertDecimal(t, "0.55", st.DayReturnPct)
	assertDecimal(t, "5000", st.NextEquity)

	require.Len(t, st.Positions, 2)
	aaa, bbb := st.Positions[0], st.Positions[1]
	assert.Equal(t, "AAA", aaa.Symbol)
	assertDecimal(t, "50", aaa.EntryPrice)
	assertDecimal(t, "52.5", aaa.ExitPrice)
	assert.True(t, aaa.EntryTime.Equal(monday(9, 40)), "entry at %s", aaa.EntryTime)
	assert.True(t, aaa.ExitTime.Equal(monday(11, 0)))
	assertDecimal(t, "100", bbb.EntryPrice)
	assertDecimal(t, "103", bbb.ExitPrice)

	require.True(t, st.Summary.FromBroker)
	require.Len(t, st.Summary.Rows, 2)
	assertDecimal(t, "5", st.Summary.Rows[0].ChangePct)
	assertDecimal(t, "3", st.Summary.Rows[1].ChangePct)
	assertDecimal(t, "8", st.Summary.SumPct)
	assertDecimal(t, "4", st.Summary.AvgPct)
	assertDecimal(t, "750", st.Summary.Buy)
	assertDecimal(t, "777.5", st.Summary.Sell)
	assertDecimal(t, "27.5", st.Summary.Profit)

	assert.Equal(t, StateSettled, e.State())
	assert.True(t, h.clock.Now().Equal(monday(15, 35)), "settled at %s", h.clock.Now())
	require.Len(t, h.reporter.reports, 1)
	assert.Equal(t, e.RunID(), h.reporter.reports[0].RunID)

	var submitted []string
	for _, d := range h.decisions(t) {
		if d.Result == "order_submitted" {
			submitted = append(submitted, fmt.Sprintf("%s %s %s", d.Phase, d.Intent, d.Symbol))
			assert.Equal(t, fmt.Sprintf("%s-%s-%s", e.RunID(), sideOf(d), d.Symbol), d.ClientOrderID)
		}
	}
	assert.Equal(t, []string{"buy BUY AAA", "buy BUY BBB", "sell1 SELL AAA", "sell1 SELL BBB"}, submitted)
}

func sideOf(d Decision) string {
	if d.Intent == "SELL" {
		return string(alpaca.Sell)
	}
	return string(alpaca.Buy)
}

func TestBuyAtCloseBuysFirstQuoteAndSellsSameAfternoon(t *testing.T) {
	h := newHarness(monday(14, 0))
	h.quotes.SetPrices("AAA", 20)

	e := h.engine(t, testConfig(BuyAtClose), picksOf("AAA"))
	st, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, st.Positions, 1)
	pos := st.Positions[0]
	assert.True(t, pos.EntryTime.Equal(monday(15, 0)), "entry at %s", pos.EntryTime)
	assert.True(t, pos.Closed)
	assert.False(t, pos.ExitTime.Before(monday(15, 55)), "exit at %s", pos.ExitTime)
	assertDecimal(t, "5000", st.Cash)
	assertDecimal(t, "0", st.DayReturnPct)
	assert.True(t, h.clock.Now().Equal(monday(16, 0)))
}

func TestFailedQuotesDoNotAdvanceSamples(t *testing.T) {
	h := newHarness(monday(9, 0))
	h.quotes.SetPrices("AAA", 46, 47, 48, 49, 49.5, 50, 50.5)
	h.quotes.FailNext("AAA", 2)

	cfg := testConfig(BuyAtOpen)
	cfg.Retry.MaxAttempts = 1
	e := h.engine(t, cfg, picksOf("AAA"))
	st, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, st.Positions, 1)
	assert.True(t, st.Positions[0].EntryTime.Equal(monday(9, 44)), "entry at %s", st.Positions[0].EntryTime)
	assertDecimal(t, "50", st.Positions[0].EntryPrice)
}

func TestUnreachableSymbolDoesNotBlockOthers(t *testing.T) {
	h := newHarness(monday(9, 0))
	h.quotes.SetPrices("DEAD", 10)
	h.quotes.FailNext("DEAD", 1_000_000)
	h.quotes.SetPrices("LIVE", 46, 47, 48, 49, 49.5, 50, 60)

	e := h.engine(t, testConfig(BuyAtOpen), picksOf("DEAD", "LIVE"))
	st, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, st.Positions, 1)
	assert.Equal(t, "LIVE", st.Positions[0].Symbol)
	assert.True(t, st.Positions[0].EntryTime.Before(monday(11, 0)))
	assert.True(t, st.Positions[0].Closed)
	assert.NotContains(t, e.Status().Skipped, "DEAD")
}

func TestMissingSymbolIsSkippedForTheDay(t *testing.T) {
	h := newHarness(monday(9, 0))
	h.quotes.Missing("GONE")
	h.quotes.SetPrices("AAA", 46, 47, 48, 49, 49.5, 50, 60)

	e := h.engine(t, testConfig(BuyAtOpen), picksOf("GONE", "AAA"))
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.quotes.Calls("GONE"))
	assert.Equal(t, []string{"GONE"}, e.Status().Skipped)
}

func TestNoBuysSkipsBothSellPhases(t *testing.T) {
	h := newHarness(monday(9, 0))
	h.quotes.SetPrices("AAA", 50, 49, 48, 47, 46, 45)

	e := h.engine(t, testConfig(BuyAtOpen), picksOf("AAA"))
	st, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, st.Positions)
	assertDecimal(t, "5000", st.Cash)
	for _, d := range h.decisions(t) {
		assert.Equal(t, PhaseBuy, d.Phase)
	}
	require.Len(t, h.reporter.reports, 1)
	assert.Empty(t, h.reporter.reports[0].Summary.Rows)
}

func TestNoPicksStillSettles(t *testing.T) {
	h := newHarness(monday(9, 0))
	e := h.engine(t, testConfig(BuyAtOpen), staticPicks(nil))

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assertDecimal(t, "5000", st.Cash)
	assert.Equal(t, StateSettled, e.State())
	assert.Len(t, h.reporter.reports, 1)
}

func TestSecondTierSellsOnReversal(t *testing.T) {
	h := newHarness(monday(9, 0))
	h.quotes.SetPrices("AAA", 46, 47, 48, 49, 50)
	falling := make([]float64, 0, 16)
	for i := 0; i < 16; i++ {
		falling = append(falling, 49.9-float64(i)/10)
	}
	switched := false
	h.clock.OnSleep(func(now time.Time) {
		if !switched && !now.Before(monday(13, 0)) {
			switched = true
			h.quotes.SetPrices("AAA", falling...)
		}
	})

	e := h.engine(t, testConfig(BuyAtOpen), picksOf("AAA"))
	st, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, st.Positions, 1)
	pos := st.Positions[0]
	assert.True(t, pos.ExitTime.Equal(monday(13, 30)), "exit at %s", pos.ExitTime)
	assert.Equal(t, falling[15], pos.ExitPrice.InexactFloat64())

	var reasons []string
	for _, d := range h.decisions(t) {
		if d.Intent == "SELL" {
			reasons = append(reasons, d.Reason)
		}
	}
	assert.Equal(t, []string{"trend_reversal"}, reasons)
}

func TestCutoffForceSellsRemainingPositions(t *testing.T) {
	h := newHarness(monday(9, 0))
	h.quotes.SetPrices("AAA", 46, 47, 48, 49, 49.5, 50, 50.5)

	e := h.engine(t, testConfig(BuyAtOpen), picksOf("AAA"))
	st, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, st.Positions, 1)
	pos := st.Positions[0]
	assert.True(t, pos.Closed)
	assertDecimal(t, "50.5", pos.ExitPrice)
	assert.False(t, pos.ExitTime.Before(monday(15, 30)))
	assertDecimal(t, "5002.5", st.Cash)
	assertDecimal(t, "5000", st.NextEquity)

	last := h.decisions(t)[len(h.decisions(t))-1]
	assert.Equal(t, "end_of_day", last.Reason)
	assert.Equal(t, "order_submitted", last.Result)
}

func TestLossCarriesIntoNextDayEquity(t *testing.T) {
	h := newHarness(monday(9, 0))
	h.quotes.SetPrices("AAA", 46, 47, 48, 49, 49.5, 50, 45)

	e := h.engine(t, testConfig(BuyAtOpen), picksOf("AAA"))
	st, err := e.Run(context.Background())
	require.NoError(t, err)

	assertDecimal(t, "4975", st.Cash)
	assertDecimal(t, "4975", st.NextEquity)
	assertDecimal(t, "-0.5", st.DayReturnPct)
}

func TestTradingBlockedIsFatal(t *testing.T) {
	h := newHarness(monday(9, 0))
	h.quotes.SetPrices("AAA", 46, 47, 48, 49, 50)
	h.broker.SetTradingBlocked(true)

	e := h.engine(t, testConfig(BuyAtOpen), picksOf("AAA"))
	_, err := e.Run(context.Background())

	require.ErrorIs(t, err, ErrTradingBlocked)
	fills, err := h.broker.ClosedOrders(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, fills)
	assert.Empty(t, h.reporter.reports)
}

func TestKillSwitchRejectsEveryIntent(t *testing.T) {
	h := newHarness(monday(9, 0))
	h.quotes.SetPrices("AAA", 46, 47, 48, 49, 50)

	cfg := testConfig(BuyAtOpen)
	cfg.KillSwitch = true
	e := h.engine(t, cfg, picksOf("AAA"))
	st, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, st.Positions)
	rejected := 0
	for _, d := range h.decisions(t) {
		assert.NotEqual(t, "order_submitted", d.Result)
		if d.Result == "rejected" {
			rejected++
			assert.Equal(t, "kill_switch_enabled", d.RejectReason)
		}
	}
	assert.Positive(t, rejected)
}

func TestBuyPhaseEndsWhenCashIsExhausted(t *testing.T) {
	h := newHarness(monday(9, 0))
	h.quotes.SetPrices("AAA", 45, 46, 47, 48, 49, 50)
	h.quotes.SetPrices("BBB", 45, 46, 47, 48, 49, 50)

	var logs bytes.Buffer
	cfg := testConfig(BuyAtOpen)
	cfg.StartingEquity = dec("250")
	e, err := New(cfg, Deps{
		Clock:     h.clock,
		Selector:  picksOf("AAA", "BBB"),
		Quotes:    h.quotes,
		Broker:    h.broker,
		Reporter:  h.reporter,
		Decisions: NewDecisionWriter(h.journal, zerolog.Nop()),
		Log:       zerolog.New(&logs),
	})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, st.Positions, 1)
	assert.Equal(t, "AAA", st.Positions[0].Symbol)
	assert.True(t, st.Positions[0].EntryTime.Equal(monday(9, 40)), "entry at %s", st.Positions[0].EntryTime)

	var aaa, bbb []string
	for _, d := range h.decisions(t) {
		if d.Phase != PhaseBuy || d.Intent != "BUY" {
			continue
		}
		switch d.Symbol {
		case "AAA":
			aaa = append(aaa, d.Result)
		case "BBB":
			bbb = append(bbb, d.Result)
			assert.Equal(t, "insufficient_cash", d.RejectReason)
		}
	}
	assert.Equal(t, []string{"order_submitted"}, aaa)
	assert.Equal(t, []string{"rejected"}, bbb)

	fills, err := h.broker.ClosedOrders(context.Background(), time.Time{})
	require.NoError(t, err)
	for _, f := range fills {
		assert.NotEqual(t, "BBB", f.Symbol, "BBB was bought")
	}

	var ended string
	sc := bufio.NewScanner(&logs)
	for sc.Scan() {
		var line struct {
			Phase   string `json:"phase"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		if line.Phase == "buy" && line.Message == "phase complete" {
			ended = line.Reason
		}
	}
	assert.Equal(t, "cash_exhausted", ended)
}

func TestSellWithoutEntryIsAnError(t *testing.T) {
	h := newHarness(monday(11, 0))
	e := h.engine(t, testConfig(BuyAtOpen), staticPicks(nil))
	rule := strategy.GainExit{ThresholdPct: dec("3")}
	now := h.clock.Now()

	err := e.decideSell(context.Background(), PhaseSell1, rule, md.Quote{Symbol: "AAA", Price: 60}, momentum.Trend{Symbol: "AAA"}, now, monday(13, 0))
	require.ErrorIs(t, err, ledger.ErrNoEntry)

	_, err = e.Ledger().Open("AAA", "AAA Corp", 5, dec("50"), now, 0)
	require.NoError(t, err)
	_, err = e.Ledger().Close("AAA", dec("51"), now, 0)
	require.NoError(t, err)
	err = e.decideSell(context.Background(), PhaseSell1, rule, md.Quote{Symbol: "AAA", Price: 60}, momentum.Trend{Symbol: "AAA"}, now, monday(13, 0))
	assert.NoError(t, err, "a closed position is not sold again")
	assert.Empty(t, h.decisions(t))
}

func TestCancelStopsBeforeNextOrder(t *testing.T) {
	h := newHarness(monday(9, 0))
	h.quotes.SetPrices("AAA", 46, 47, 48, 49, 50)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.OnSleep(func(now time.Time) {
		if !now.Before(monday(9, 34)) {
			cancel()
		}
	})

	e := h.engine(t, testConfig(BuyAtOpen), picksOf("AAA"))
	_, err := e.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	fills, _ := h.broker.ClosedOrders(context.Background(), time.Time{})
	assert.Empty(t, fills)
	assert.Equal(t, StateBuying, e.State())
}

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderRef, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(broker.OrderRef), args.Error(1)
}

func (m *mockBroker) Account(ctx context.Context) (broker.Account, error) {
	args := m.Called(ctx)
	return args.Get(0).(broker.Account), args.Error(1)
}

func (m *mockBroker) ClosedOrders(ctx context.Context, since time.Time) ([]broker.Fill, error) {
	args := m.Called(ctx, since)
	return args.Get(0).([]broker.Fill), args.Error(1)
}

func order(symbol string, side alpaca.Side) interface{} {
	return mock.MatchedBy(func(req broker.OrderRequest) bool {
		return req.Symbol == symbol && req.Side == side
	})
}

func TestRejectedBuySkipsSymbolAndRetriesReuseClientOrderID(t *testing.T) {
	fake := clock.NewFake(monday(9, 0))
	quotes := mdtest.New()
	quotes.SetPrices("BAD", 46, 47, 48, 49, 50)
	quotes.SetPrices("GOOD", 46, 47, 48, 49, 50)

	gw := &mockBroker{}
	gw.On("Account", mock.Anything).Return(broker.Account{}, nil)
	gw.On("PlaceOrder", mock.Anything, order("BAD", alpaca.Buy)).
		Return(broker.OrderRef{}, fmt.Errorf("%w: asset not active", broker.ErrRejected)).Once()
	gw.On("PlaceOrder", mock.Anything, order("GOOD", alpaca.Buy)).
		Return(broker.OrderRef{}, errors.New("connection reset")).Once()
	gw.On("PlaceOrder", mock.Anything, order("GOOD", alpaca.Buy)).
		Return(broker.OrderRef{ID: "o-1", Status: "accepted"}, nil).Once()
	gw.On("PlaceOrder", mock.Anything, order("GOOD", alpaca.Sell)).
		Return(broker.OrderRef{ID: "o-2", Status: "accepted"}, nil).Once()
	gw.On("ClosedOrders", mock.Anything, mock.MatchedBy(func(since time.Time) bool { return since.Equal(monday(0, 0)) })).
		Return([]broker.Fill(nil), errors.New("503 service unavailable"))

	e, err := New(testConfig(BuyAtOpen), Deps{
		Clock:    fake,
		Selector: picksOf("BAD", "GOOD"),
		Quotes:   quotes,
		Broker:   gw,
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	gw.AssertExpectations(t)

	var buyIDs []string
	for _, call := range gw.Calls {
		if call.Method != "PlaceOrder" {
			continue
		}
		req := call.Arguments.Get(1).(broker.OrderRequest)
		if req.Symbol == "GOOD" && req.Side == alpaca.Buy {
			buyIDs = append(buyIDs, req.ClientOrderID)
		}
	}
	assert.Equal(t, []string{e.RunID() + "-buy-GOOD", e.RunID() + "-buy-GOOD"}, buyIDs)

	assert.Equal(t, []string{"BAD"}, e.Status().Skipped)
	require.Len(t, st.Positions, 1)
	assert.Equal(t, "GOOD", st.Positions[0].Symbol)

	assert.False(t, st.Summary.FromBroker)
	require.Len(t, st.Summary.Rows, 1)
	assertDecimal(t, "250", st.Summary.Buy)
}

func TestNewValidates(t *testing.T) {
	fake := clock.NewFake(monday(9, 0))
	deps := Deps{Clock: fake, Selector: staticPicks(nil), Quotes: mdtest.New(), Broker: broker.NewSimulated(fake, zerolog.Nop())}

	_, err := New(Config{Mode: "sideways", StartingEquity: dec("1"), SharesPerPosition: 1}, deps)
	assert.Error(t, err)
	_, err = New(Config{Mode: BuyAtOpen, StartingEquity: dec("1")}, deps)
	assert.Error(t, err)
	_, err = New(Config{Mode: BuyAtOpen, SharesPerPosition: 1}, deps)
	assert.Error(t, err)
	_, err = New(Config{Mode: BuyAtOpen, StartingEquity: dec("1"), SharesPerPosition: 1}, Deps{})
	assert.Error(t, err)

	e, err := New(Config{Mode: BuyAtOpen, StartingEquity: dec("1000"), SharesPerPosition: 1}, deps)
	require.NoError(t, err)
	assertDecimal(t, "1000", e.Ledger().Cash())
	st := e.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, "1000.00", st.Cash)
}
