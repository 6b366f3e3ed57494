package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stockbot/internal/clock"
)

// Simulated fills every order at its reference price. It backs dry-run mode
// and reports its own fills for end-of-day reconciliation.
type Simulated struct {
	clock clock.Clock
	log   zerolog.Logger

	mu      sync.Mutex
	seq     int
	blocked bool
	byID    map[string]OrderRef
	fills   []Fill
}

func NewSimulated(c clock.Clock, log zerolog.Logger) *Simulated {
	return &Simulated{
		clock: c,
		log:   log.With().Str("component", "broker").Str("mode", "dry-run").Logger(),
		byID:  make(map[string]OrderRef),
	}
}

// SetTradingBlocked flips the account restriction reported by Account.
func (s *Simulated) SetTradingBlocked(blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = blocked
}

func (s *Simulated) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return OrderRef{}, err
	}
	if req.Qty <= 0 {
		return OrderRef{}, fmt.Errorf("%w: qty must be > 0", ErrRejected)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.byID[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return ref, nil
	}
	s.seq++
	ref := OrderRef{
		ID:            fmt.Sprintf("sim-%d", s.seq),
		ClientOrderID: req.ClientOrderID,
		Status:        "filled",
	}
	s.byID[req.ClientOrderID] = ref
	s.fills = append(s.fills, Fill{
		Symbol:         req.Symbol,
		Side:           req.Side,
		FilledQty:      decimal.NewFromInt(req.Qty),
		FilledAvgPrice: req.RefPrice,
		FilledAt:       s.clock.Now(),
	})
	s.log.Info().Str("order_id", ref.ID).Str("side", string(req.Side)).Str("symbol", req.Symbol).Int64("qty", req.Qty).Str("price", req.RefPrice.String()).Msg("simulated fill")
	return ref, nil
}

func (s *Simulated) Account(ctx context.Context) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Account{TradingBlocked: s.blocked}, nil
}

func (s *Simulated) ClosedOrders(ctx context.Context, since time.Time) ([]Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Fill, 0, len(s.fills))
	for _, f := range s.fills {
		if !f.FilledAt.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Simulated) Positions(ctx context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	net := make(map[string]decimal.Decimal)
	var order []string
	for _, f := range s.fills {
		if _, ok := net[f.Symbol]; !ok {
			order = append(order, f.Symbol)
		}
		qty := f.FilledQty
		if f.Side == alpaca.Sell {
			qty = qty.Neg()
		}
		net[f.Symbol] = net[f.Symbol].Add(qty)
	}
	out := make([]Position, 0, len(order))
	for _, sym := range order {
		if net[sym].IsZero() {
			continue
		}
		out = append(out, Position{Symbol: sym, Qty: net[sym]})
	}
	return out, nil
}
