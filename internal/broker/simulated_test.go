package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbot/internal/clock"
)

func TestSimulatedFillsAtReferencePrice(t *testing.T) {
	start := time.Date(2024, 3, 4, 9, 40, 0, 0, time.UTC)
	sim := NewSimulated(clock.NewFake(start), zerolog.Nop())
	ctx := context.Background()

	_, err := sim.PlaceOrder(ctx, OrderRequest{Symbol: "AAPL", Qty: 5, Side: alpaca.Buy, ClientOrderID: "run-buy-AAPL", RefPrice: decimal.NewFromInt(50)})
	require.NoError(t, err)
	_, err = sim.PlaceOrder(ctx, OrderRequest{Symbol: "AAPL", Qty: 5, Side: alpaca.Sell, ClientOrderID: "run-sell-AAPL", RefPrice: decimal.RequireFromString("52.5")})
	require.NoError(t, err)

	fills, err := sim.ClosedOrders(ctx, start.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, alpaca.Buy, fills[0].Side)
	assert.True(t, fills[1].FilledAvgPrice.Equal(decimal.RequireFromString("52.5")))

	positions, err := sim.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSimulatedIsIdempotentOnClientOrderID(t *testing.T) {
	sim := NewSimulated(clock.NewFake(time.Now()), zerolog.Nop())
	ctx := context.Background()
	req := OrderRequest{Symbol: "MSFT", Qty: 1, Side: alpaca.Buy, ClientOrderID: "run-buy-MSFT", RefPrice: decimal.NewFromInt(10)}

	first, err := sim.PlaceOrder(ctx, req)
	require.NoError(t, err)
	second, err := sim.PlaceOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	fills, err := sim.ClosedOrders(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestSimulatedTradingBlocked(t *testing.T) {
	sim := NewSimulated(clock.NewFake(time.Now()), zerolog.Nop())
	sim.SetTradingBlocked(true)

	acct, err := sim.Account(context.Background())
	require.NoError(t, err)
	assert.True(t, acct.TradingBlocked)
}

func TestSimulatedRejectsZeroQty(t *testing.T) {
	sim := NewSimulated(clock.NewFake(time.Now()), zerolog.Nop())
	_, err := sim.PlaceOrder(context.Background(), OrderRequest{Symbol: "X", Qty: 0})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestIsDuplicateClientOrderID(t *testing.T) {
	assert.True(t, isDuplicateClientOrderID(&alpaca.APIError{StatusCode: 422, Message: "client_order_id must be unique"}))
	assert.False(t, isDuplicateClientOrderID(&alpaca.APIError{StatusCode: 422, Message: "qty must be > 0"}))
	assert.False(t, isDuplicateClientOrderID(&alpaca.APIError{StatusCode: 500, Message: "client_order_id must be unique"}))
}
