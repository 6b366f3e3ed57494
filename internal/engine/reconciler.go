package engine

import (
	"context"
	"sort"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stockbot/internal/broker"
	"stockbot/internal/ledger"
)

var hundred = decimal.NewFromInt(100)

// SymbolResult is one symbol's buy and sell notional for the day.
type SymbolResult struct {
	Symbol    string
	Buy       decimal.Decimal
	Sell      decimal.Decimal
	ChangePct decimal.Decimal
}

// Summary aggregates the per-symbol results. FromBroker is false when the
// broker could not be reached and the rows come from the ledger instead.
type Summary struct {
	Rows       []SymbolResult
	SumPct     decimal.Decimal
	AvgPct     decimal.Decimal
	Buy        decimal.Decimal
	Sell       decimal.Decimal
	Profit     decimal.Decimal
	FromBroker bool
}

// Reconcile totals filled notional per symbol. Rows follow the order each
// symbol was first filled.
func Reconcile(fills []broker.Fill) []SymbolResult {
	sorted := make([]broker.Fill, len(fills))
	copy(sorted, fills)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FilledAt.Before(sorted[j].FilledAt)
	})

	bySymbol := make(map[string]*SymbolResult)
	var order []string
	for _, f := range sorted {
		row, ok := bySymbol[f.Symbol]
		if !ok {
			row = &SymbolResult{Symbol: f.Symbol}
			bySymbol[f.Symbol] = row
			order = append(order, f.Symbol)
		}
		notional := f.FilledQty.Mul(f.FilledAvgPrice)
		switch f.Side {
		case alpaca.Buy:
			row.Buy = row.Buy.Add(notional)
		case alpaca.Sell:
			row.Sell = row.Sell.Add(notional)
		}
	}

	rows := make([]SymbolResult, 0, len(order))
	for _, sym := range order {
		rows = append(rows, finish(*bySymbol[sym]))
	}
	return rows
}

// ledgerResults builds the same rows from the ledger's own positions.
func ledgerResults(positions []ledger.Position) []SymbolResult {
	rows := make([]SymbolResult, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, finish(SymbolResult{
			Symbol: p.Symbol,
			Buy:    p.EntryNotional(),
			Sell:   p.ExitNotional(),
		}))
	}
	return rows
}

func finish(row SymbolResult) SymbolResult {
	if row.Buy.IsPositive() {
		row.ChangePct = row.Sell.Sub(row.Buy).Div(row.Buy).Mul(hundred).Round(2)
	}
	row.Buy = row.Buy.Round(2)
	row.Sell = row.Sell.Round(2)
	return row
}

func summarize(rows []SymbolResult, fromBroker bool) Summary {
	s := Summary{Rows: rows, FromBroker: fromBroker}
	for _, r := range rows {
		s.SumPct = s.SumPct.Add(r.ChangePct)
		s.Buy = s.Buy.Add(r.Buy)
		s.Sell = s.Sell.Add(r.Sell)
	}
	if len(rows) > 0 {
		s.AvgPct = s.SumPct.Div(decimal.NewFromInt(int64(len(rows)))).Round(2)
	}
	s.SumPct = s.SumPct.Round(2)
	s.Profit = s.Sell.Sub(s.Buy).Round(2)
	return s
}

// AccountReporter is the part of a gateway the startup check needs.
type AccountReporter interface {
	Account(ctx context.Context) (broker.Account, error)
	Positions(ctx context.Context) ([]broker.Position, error)
}

// LogAccount logs the account state and any positions already open. It
// returns ErrTradingBlocked when the account may not trade.
func LogAccount(ctx context.Context, gw AccountReporter, log zerolog.Logger) error {
	acct, err := gw.Account(ctx)
	if err != nil {
		return err
	}
	if acct.TradingBlocked {
		log.Error().Msg("account is currently restricted from trading")
		return ErrTradingBlocked
	}
	log.Info().Str("equity", acct.Equity.String()).Str("buying_power", acct.BuyingPower.String()).Msg("account ready")

	positions, err := gw.Positions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("list positions failed")
		return nil
	}
	for _, p := range positions {
		log.Info().Str("symbol", p.Symbol).Str("qty", p.Qty.String()).Str("avg_entry", p.AvgEntry.String()).Msg("open position")
	}
	if len(positions) == 0 {
		log.Info().Msg("no open positions")
	}
	return nil
}
