package screener

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"stockbot/internal/md"
	"stockbot/internal/retry"
)

// DefaultAttempts bounds each selection lookup when the policy sets no
// limit. Selection has no window end to stop an endless retry.
const DefaultAttempts = 3

type Config struct {
	Algorithm    Algorithm
	MaxPositions int
	MinPrice     float64
	MaxPrice     float64
	Exchanges    []string
	Concurrency  int
	Retry        retry.Policy
}

// Screener turns the feed into the day's ranked picks.
type Screener struct {
	feed   Feed
	quotes md.Source
	cfg    Config
	log    zerolog.Logger
}

func New(feed Feed, quotes md.Source, cfg Config, log zerolog.Logger) *Screener {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultAttempts
	}
	return &Screener{
		feed:   feed,
		quotes: quotes,
		cfg:    cfg,
		log:    log.With().Str("component", "screener").Str("algo", cfg.Algorithm.Name()).Logger(),
	}
}

type lookup struct {
	quote md.Quote
	bars  []md.Bar
	err   error
}

// Select fetches and ranks the day's candidates. A feed that cannot be read
// yields no picks rather than an error; only context cancellation fails.
func (s *Screener) Select(ctx context.Context) ([]Candidate, error) {
	var entries []FeedEntry
	err := retry.Do(ctx, s.cfg.Retry, s.notify("feed"), func() error {
		var err error
		entries, err = s.feed.Fetch(ctx)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Error().Err(err).Msg("screening feed unavailable, no picks today")
		return nil, nil
	}
	if len(entries) == 0 {
		s.log.Warn().Msg("screening feed returned no candidates")
		return nil, nil
	}

	results := s.lookupAll(ctx, entries)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(entries))
	for i, entry := range entries {
		res := results[i]
		log := s.log.With().Str("symbol", entry.Symbol).Logger()
		if res.err != nil {
			if errors.Is(res.err, md.ErrNotFound) {
				log.Warn().Msg("stock symbol not found")
			} else {
				log.Error().Err(res.err).Msg("stock lookup failed, skipping")
			}
			continue
		}
		q := res.quote
		if !s.exchangeAllowed(q.Exchange) {
			log.Info().Str("exchange", q.Exchange).Msg("stock listed on excluded exchange")
			continue
		}
		if !InBand(q.Price, s.cfg.MinPrice, s.cfg.MaxPrice) {
			log.Debug().Float64("price", q.Price).Msg("stock outside price band")
			continue
		}
		candidates = append(candidates, buildCandidate(entry, q, res.bars))
	}

	picks := Rank(candidates, s.cfg.Algorithm, s.cfg.MaxPositions)
	for i, p := range picks {
		s.log.Info().Int("rank", i+1).Str("symbol", p.Symbol).Float64("score", p.Score).Float64("price", p.Price).Msg("pick")
	}
	s.log.Info().Int("feed", len(entries)).Int("eligible", len(candidates)).Int("picks", len(picks)).Msg("selection complete")
	return picks, nil
}

func (s *Screener) lookupAll(ctx context.Context, entries []FeedEntry) []lookup {
	results := make([]lookup, len(entries))
	bars := 0
	if w, ok := s.cfg.Algorithm.(barWindow); ok {
		bars = w.Bars()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			results[i] = s.lookup(gctx, entry.Symbol, bars)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Screener) lookup(ctx context.Context, symbol string, n int) lookup {
	var res lookup
	res.err = retry.Do(ctx, s.cfg.Retry, s.notify(symbol), func() error {
		q, err := s.quotes.Quote(ctx, symbol)
		if errors.Is(err, md.ErrNotFound) {
			return retry.Permanent(err)
		}
		res.quote = q
		return err
	})
	if res.err != nil || n <= 0 {
		return res
	}
	res.err = retry.Do(ctx, s.cfg.Retry, s.notify(symbol), func() error {
		bars, err := s.quotes.DailyBars(ctx, symbol, n)
		if errors.Is(err, md.ErrNotFound) {
			return retry.Permanent(err)
		}
		res.bars = bars
		return err
	})
	if res.err != nil && !errors.Is(res.err, md.ErrNotFound) {
		if _, isMoved := s.cfg.Algorithm.(Moved); !isMoved {
			// Bars only feed one rating indicator; its failure scores 0.
			s.log.Warn().Err(res.err).Str("symbol", symbol).Msg("daily bars unavailable")
			res.err = nil
		}
	}
	return res
}

func (s *Screener) notify(what string) retry.Notify {
	return func(err error, wait time.Duration) {
		s.log.Warn().Err(err).Str("target", what).Dur("backoff", wait).Msg("connection error, retrying")
	}
}

func (s *Screener) exchangeAllowed(exchange string) bool {
	if len(s.cfg.Exchanges) == 0 {
		return true
	}
	for _, ex := range s.cfg.Exchanges {
		if strings.EqualFold(ex, exchange) {
			return true
		}
	}
	return false
}

func buildCandidate(entry FeedEntry, q md.Quote, bars []md.Bar) Candidate {
	name := entry.CompanyName
	if name == "" {
		name = q.Name
	}
	signals := make(map[string]bool, len(Checklist))
	for k, v := range entry.Signals {
		signals[k] = v
	}
	if q.PrevClose > 0 && q.Price > q.PrevClose {
		signals[SignalAbovePrevClose] = true
	}
	if q.Open > 0 && q.Price > q.Open {
		signals[SignalAboveOpen] = true
	}
	if q.PrevVolume > 0 && q.Volume > q.PrevVolume {
		signals[SignalVolumeAbovePrev] = true
	}
	if mean := meanClose(bars); mean > 0 && q.Price > mean {
		signals[SignalAboveMeanClose] = true
	}
	return Candidate{
		Symbol:      entry.Symbol,
		CompanyName: name,
		Exchange:    q.Exchange,
		Price:       q.Price,
		DayLow:      q.DayLow,
		DayHigh:     q.DayHigh,
		Volume:      q.Volume,
		Moved:       MovedPercent(bars),
		Signals:     signals,
	}
}
