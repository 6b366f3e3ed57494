package risk

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stockbot/internal/strategy"
)

// ErrInvariant marks an intent that contradicts the ledger: buying a symbol
// that is already open or selling one that was never bought. These are
// programming errors and abort the run.
var ErrInvariant = errors.New("ledger invariant violated")

type RiskContext struct {
	Price       decimal.Decimal
	Cash        decimal.Decimal
	HasOpen     bool
	KillSwitch  bool
	MaxNotional decimal.Decimal
}

type ApprovedIntent struct {
	Intent   strategy.TradeIntent
	Notional decimal.Decimal
	Reason   string
}

type Gate struct {
	Log zerolog.Logger
}

func (g Gate) Evaluate(intent strategy.TradeIntent, ctx RiskContext) (ApprovedIntent, error) {
	if intent.Action == strategy.Hold {
		return ApprovedIntent{Intent: intent, Reason: "hold"}, nil
	}

	notional := ctx.Price.Mul(decimal.NewFromInt(intent.Qty))
	log := g.Log.With().Str("symbol", intent.Symbol).Str("intent", string(intent.Action)).Logger()
	log.Debug().Int64("qty", intent.Qty).Str("price", ctx.Price.String()).Str("notional", notional.String()).Str("cash", ctx.Cash.String()).Msg("risk evaluation")

	switch {
	case intent.Action == strategy.Buy && ctx.HasOpen:
		log.Error().Msg("risk rejected: position already open")
		return ApprovedIntent{}, fmt.Errorf("buy %s: %w", intent.Symbol, ErrInvariant)
	case intent.Action == strategy.Sell && !ctx.HasOpen:
		log.Error().Msg("risk rejected: no position to sell")
		return ApprovedIntent{}, fmt.Errorf("sell %s: %w", intent.Symbol, ErrInvariant)
	}

	if ctx.KillSwitch {
		log.Info().Str("reason", "kill_switch_enabled").Msg("risk rejected")
		return ApprovedIntent{}, fmt.Errorf("kill_switch_enabled")
	}
	if intent.Qty <= 0 {
		log.Info().Str("reason", "invalid_quantity").Int64("qty", intent.Qty).Msg("risk rejected")
		return ApprovedIntent{}, fmt.Errorf("invalid_quantity")
	}
	if intent.Action == strategy.Buy {
		if ctx.Cash.LessThan(notional) {
			log.Info().Str("reason", "insufficient_cash").Msg("risk rejected")
			return ApprovedIntent{}, fmt.Errorf("insufficient_cash")
		}
		if ctx.MaxNotional.IsPositive() && notional.GreaterThan(ctx.MaxNotional) {
			log.Info().Str("reason", "max_notional_exceeded").Str("max", ctx.MaxNotional.String()).Msg("risk rejected")
			return ApprovedIntent{}, fmt.Errorf("max_notional_exceeded")
		}
	}

	log.Info().Int64("qty", intent.Qty).Str("reason", intent.Reason).Msg("risk approved")
	return ApprovedIntent{Intent: intent, Notional: notional, Reason: "approved"}, nil
}
