package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrendEntry buys once the sampler confirms an up trend. With ForceUp set
// the trend is ignored and the first sample buys, which is how buying into
// the close works.
type TrendEntry struct {
	Threshold int
	ForceUp   bool
}

func (e TrendEntry) Decide(s MarketSnapshot) TradeIntent {
	if e.ForceUp {
		return TradeIntent{Action: Buy, Symbol: s.Symbol, Qty: s.Shares, Reason: "buy_at_close"}
	}
	if s.Trend.ConfirmedUp(e.Threshold) {
		return TradeIntent{Action: Buy, Symbol: s.Symbol, Qty: s.Shares, Reason: "trend_confirmed_up"}
	}
	if s.Trend.Prior < e.Threshold {
		return hold(s.Symbol, "awaiting_samples")
	}
	return hold(s.Symbol, "trend_not_up")
}

// GainExit sells once the price is at least ThresholdPct above entry.
type GainExit struct {
	ThresholdPct decimal.Decimal
}

func (g GainExit) Decide(s MarketSnapshot) TradeIntent {
	if s.EntryPrice.IsZero() {
		return hold(s.Symbol, "no_entry")
	}
	// The threshold is compared against the change rounded to cents of a percent.
	change := s.Price.Sub(s.EntryPrice).Div(s.EntryPrice).Mul(decimal.NewFromInt(100)).Round(2)
	if change.GreaterThanOrEqual(g.ThresholdPct) {
		return TradeIntent{Action: Sell, Symbol: s.Symbol, Qty: s.Shares, Reason: "gain_target_reached"}
	}
	return hold(s.Symbol, "gain_below_target")
}

// ReversalExit sells on a confirmed down trend, or unconditionally once the
// absolute cutoff has passed.
type ReversalExit struct {
	Threshold int
	Cutoff    time.Time
}

func (r ReversalExit) Decide(s MarketSnapshot) TradeIntent {
	if !r.Cutoff.IsZero() && !s.Timestamp.Before(r.Cutoff) {
		return TradeIntent{Action: Sell, Symbol: s.Symbol, Qty: s.Shares, Reason: "end_of_day"}
	}
	if s.Trend.ConfirmedDown(r.Threshold) {
		return TradeIntent{Action: Sell, Symbol: s.Symbol, Qty: s.Shares, Reason: "trend_reversal"}
	}
	return hold(s.Symbol, "no_reversal")
}
