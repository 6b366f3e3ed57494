package md

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type AlpacaOpts struct {
	APIKey            string
	APISecret         string
	TradingBaseURL    string
	Feed              string
	RequestsPerSecond float64
}

type assetInfo struct {
	name     string
	exchange string
}

// AlpacaSource serves quotes from Alpaca snapshots. Asset metadata (exchange,
// tradability) is looked up once per symbol and cached for the process.
type AlpacaSource struct {
	data    *marketdata.Client
	trading *alpaca.Client
	feed    marketdata.Feed
	limiter *rate.Limiter
	log     zerolog.Logger

	mu     sync.Mutex
	assets map[string]assetInfo
}

func NewAlpacaSource(opts AlpacaOpts, log zerolog.Logger) *AlpacaSource {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 3
	}
	return &AlpacaSource{
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
		}),
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.TradingBaseURL,
		}),
		feed:    parseFeed(opts.Feed),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		log:     log.With().Str("component", "md").Logger(),
		assets:  make(map[string]assetInfo),
	}
}

func (s *AlpacaSource) Quote(ctx context.Context, symbol string) (Quote, error) {
	asset, err := s.asset(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return Quote{}, err
	}
	snap, err := s.data.GetSnapshot(symbol, marketdata.GetSnapshotRequest{Feed: s.feed})
	if err != nil {
		return Quote{}, fmt.Errorf("snapshot %s: %w", symbol, err)
	}
	if snap == nil || snap.LatestTrade == nil {
		return Quote{}, fmt.Errorf("snapshot %s: %w", symbol, ErrNotFound)
	}

	q := Quote{
		Symbol:   symbol,
		Name:     asset.name,
		Exchange: asset.exchange,
		Price:    snap.LatestTrade.Price,
		At:       snap.LatestTrade.Timestamp,
	}
	if bar := snap.DailyBar; bar != nil {
		q.Open = bar.Open
		q.DayHigh = bar.High
		q.DayLow = bar.Low
		q.Volume = bar.Volume
	}
	if bar := snap.PrevDailyBar; bar != nil {
		q.PrevClose = bar.Close
		q.PrevVolume = bar.Volume
	}
	s.log.Debug().Str("symbol", symbol).Float64("price", q.Price).Uint64("volume", q.Volume).Msg("quote fetched")
	return q, nil
}

// DailyBars returns up to n of the most recent daily bars, oldest first.
func (s *AlpacaSource) DailyBars(ctx context.Context, symbol string, n int) ([]Bar, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	// Weekends and holidays pad the calendar window.
	start := time.Now().AddDate(0, 0, -(n*2 + 7))
	bars, err := s.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		Feed:      s.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("daily bars %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("daily bars %s: %w", symbol, ErrNotFound)
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		out = append(out, Bar{
			Symbol:    symbol,
			Timestamp: b.Timestamp.Unix(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	return out, nil
}

func (s *AlpacaSource) asset(ctx context.Context, symbol string) (assetInfo, error) {
	s.mu.Lock()
	info, ok := s.assets[symbol]
	s.mu.Unlock()
	if ok {
		return info, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return assetInfo{}, err
	}
	asset, err := s.trading.GetAsset(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return assetInfo{}, fmt.Errorf("asset %s: %w", symbol, ErrNotFound)
		}
		return assetInfo{}, fmt.Errorf("asset %s: %w", symbol, err)
	}
	if !asset.Tradable {
		return assetInfo{}, fmt.Errorf("asset %s not tradable: %w", symbol, ErrNotFound)
	}

	info = assetInfo{name: asset.Name, exchange: string(asset.Exchange)}
	s.mu.Lock()
	s.assets[symbol] = info
	s.mu.Unlock()
	return info, nil
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "iex":
		return marketdata.IEX
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}
