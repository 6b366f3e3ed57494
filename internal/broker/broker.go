package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrRejected is a permanent refusal by the broker. Retrying the same
// request will not help.
var ErrRejected = errors.New("order rejected")

type OrderRequest struct {
	Symbol        string
	Qty           int64
	Side          alpaca.Side
	Type          alpaca.OrderType
	TimeInForce   alpaca.TimeInForce
	ClientOrderID string
	ExtendedHours bool
	LimitPrice    *decimal.Decimal
	// RefPrice is the quote the decision was made on. The simulated
	// gateway fills at it; Alpaca ignores it.
	RefPrice decimal.Decimal
}

type OrderRef struct {
	ID            string
	ClientOrderID string
	Status        string
}

type Position struct {
	Symbol   string
	Qty      decimal.Decimal
	AvgEntry decimal.Decimal
}

type Account struct {
	Equity         decimal.Decimal
	BuyingPower    decimal.Decimal
	TradingBlocked bool
}

// Fill is one closed order as reported by the broker.
type Fill struct {
	Symbol         string
	Side           alpaca.Side
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	FilledAt       time.Time
}

type Client struct {
	client *alpaca.Client
	log    zerolog.Logger
}

func New(apiKey, apiSecret, baseURL string, log zerolog.Logger) *Client {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}
	return &Client{
		client: alpaca.NewClient(opts),
		log:    log.With().Str("component", "broker").Logger(),
	}
}

// PlaceOrder submits req. A retry of an order Alpaca already accepted is
// detected by its client order id and resolves to the existing order.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	qty := decimal.NewFromInt(req.Qty)
	orderReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
		ExtendedHours: req.ExtendedHours,
		LimitPrice:    req.LimitPrice,
	}

	order, err := c.client.PlaceOrder(orderReq)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) {
			if isDuplicateClientOrderID(apiErr) {
				existing, lookupErr := c.client.GetOrderByClientOrderID(req.ClientOrderID)
				if lookupErr == nil {
					switch existing.Status {
					case "rejected", "canceled", "expired":
						return OrderRef{}, fmt.Errorf("%w: order %s is %s", ErrRejected, req.ClientOrderID, existing.Status)
					}
					c.log.Warn().Str("client_order_id", req.ClientOrderID).Str("order_id", existing.ID).Msg("order already accepted")
					return refOf(existing), nil
				}
				return OrderRef{}, fmt.Errorf("lookup %s: %w", req.ClientOrderID, lookupErr)
			}
			if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
				c.log.Error().Str("side", string(req.Side)).Str("symbol", req.Symbol).Int("status", apiErr.StatusCode).Msg(apiErr.Message)
				return OrderRef{}, fmt.Errorf("%w: %s", ErrRejected, apiErr.Message)
			}
		}
		c.log.Error().Err(err).Str("side", string(req.Side)).Str("symbol", req.Symbol).Int64("qty", req.Qty).Msg("place order failed")
		return OrderRef{}, err
	}

	c.log.Info().Str("order_id", order.ID).Str("side", string(req.Side)).Str("symbol", req.Symbol).Int64("qty", req.Qty).Str("status", string(order.Status)).Msg("place order success")
	return refOf(order), nil
}

func (c *Client) Account(ctx context.Context) (Account, error) {
	acct, err := c.client.GetAccount()
	if err != nil {
		c.log.Error().Err(err).Msg("fetch account failed")
		return Account{}, err
	}
	c.log.Info().Str("equity", acct.Equity.String()).Str("buying_power", acct.BuyingPower.String()).Bool("trading_blocked", acct.TradingBlocked).Msg("account fetched")
	return Account{
		Equity:         acct.Equity,
		BuyingPower:    acct.BuyingPower,
		TradingBlocked: acct.TradingBlocked,
	}, nil
}

// ClosedOrders lists orders closed after since, filled quantity only.
func (c *Client) ClosedOrders(ctx context.Context, since time.Time) ([]Fill, error) {
	orders, err := c.client.GetOrders(alpaca.GetOrdersRequest{
		Status: "closed",
		Limit:  500,
		After:  since,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("fetch closed orders failed")
		return nil, err
	}
	fills := make([]Fill, 0, len(orders))
	for _, order := range orders {
		if order.FilledQty.IsZero() || order.FilledAvgPrice == nil {
			continue
		}
		fill := Fill{
			Symbol:         order.Symbol,
			Side:           order.Side,
			FilledQty:      order.FilledQty,
			FilledAvgPrice: *order.FilledAvgPrice,
		}
		if order.FilledAt != nil {
			fill.FilledAt = *order.FilledAt
		}
		fills = append(fills, fill)
	}
	c.log.Info().Int("orders", len(orders)).Int("fills", len(fills)).Msg("closed orders fetched")
	return fills, nil
}

func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	positions, err := c.client.GetPositions()
	if err != nil {
		c.log.Error().Err(err).Msg("fetch positions failed")
		return nil, err
	}
	out := make([]Position, 0, len(positions))
	for _, pos := range positions {
		out = append(out, Position{
			Symbol:   pos.Symbol,
			Qty:      pos.Qty,
			AvgEntry: pos.AvgEntryPrice,
		})
	}
	return out, nil
}

func refOf(order *alpaca.Order) OrderRef {
	return OrderRef{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Status:        string(order.Status),
	}
}

func isDuplicateClientOrderID(apiErr *alpaca.APIError) bool {
	return apiErr.StatusCode == 422 && strings.Contains(strings.ToLower(apiErr.Message), "client_order_id must be unique")
}
