package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"stockbot/internal/momentum"
)

type Action string

const (
	Hold Action = "HOLD"
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

type TradeIntent struct {
	Action Action
	Symbol string
	Qty    int64
	Reason string
}

func hold(symbol, reason string) TradeIntent {
	return TradeIntent{Action: Hold, Symbol: symbol, Reason: reason}
}

// MarketSnapshot is what a rule sees for one symbol on one iteration.
type MarketSnapshot struct {
	Timestamp  time.Time
	Symbol     string
	Price      decimal.Decimal
	Trend      momentum.Trend
	EntryPrice decimal.Decimal
	Shares     int64
}

type Strategy interface {
	Decide(snapshot MarketSnapshot) TradeIntent
}
