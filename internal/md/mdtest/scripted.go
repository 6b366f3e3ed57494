// Package mdtest provides a scripted quote source for tests.
package mdtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"stockbot/internal/md"
)

var ErrTransient = errors.New("connection reset by peer")

// Scripted replays a fixed sequence of quotes per symbol. Once a sequence is
// exhausted the last quote repeats.
type Scripted struct {
	mu       sync.Mutex
	quotes   map[string][]md.Quote
	bars     map[string][]md.Bar
	next     map[string]int
	calls    map[string]int
	failures map[string]int
	missing  map[string]bool
}

func New() *Scripted {
	return &Scripted{
		quotes:   make(map[string][]md.Quote),
		bars:     make(map[string][]md.Bar),
		next:     make(map[string]int),
		calls:    make(map[string]int),
		failures: make(map[string]int),
		missing:  make(map[string]bool),
	}
}

// SetPrices scripts plain price quotes on the NYSE.
func (s *Scripted) SetPrices(symbol string, prices ...float64) *Scripted {
	quotes := make([]md.Quote, 0, len(prices))
	for _, p := range prices {
		quotes = append(quotes, md.Quote{Symbol: symbol, Price: p, Exchange: "NYSE"})
	}
	return s.SetQuotes(symbol, quotes...)
}

func (s *Scripted) SetQuotes(symbol string, quotes ...md.Quote) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range quotes {
		quotes[i].Symbol = symbol
		if quotes[i].Exchange == "" {
			quotes[i].Exchange = "NYSE"
		}
	}
	s.quotes[symbol] = quotes
	s.next[symbol] = 0
	return s
}

func (s *Scripted) SetBars(symbol string, bars ...md.Bar) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars[symbol] = bars
	return s
}

// FailNext makes the next n Quote calls for symbol return ErrTransient.
func (s *Scripted) FailNext(symbol string, n int) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[symbol] = n
	return s
}

// Missing makes every call for symbol return md.ErrNotFound.
func (s *Scripted) Missing(symbol string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing[symbol] = true
	return s
}

// Calls reports how many Quote calls were made for symbol, failures included.
func (s *Scripted) Calls(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[symbol]
}

func (s *Scripted) Quote(ctx context.Context, symbol string) (md.Quote, error) {
	if err := ctx.Err(); err != nil {
		return md.Quote{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[symbol]++
	if s.missing[symbol] {
		return md.Quote{}, fmt.Errorf("quote %s: %w", symbol, md.ErrNotFound)
	}
	if s.failures[symbol] > 0 {
		s.failures[symbol]--
		return md.Quote{}, fmt.Errorf("quote %s: %w", symbol, ErrTransient)
	}
	seq := s.quotes[symbol]
	if len(seq) == 0 {
		return md.Quote{}, fmt.Errorf("quote %s: %w", symbol, md.ErrNotFound)
	}
	i := s.next[symbol]
	if i >= len(seq) {
		i = len(seq) - 1
	} else {
		s.next[symbol]++
	}
	return seq[i], nil
}

func (s *Scripted) DailyBars(ctx context.Context, symbol string, n int) ([]md.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing[symbol] {
		return nil, fmt.Errorf("daily bars %s: %w", symbol, md.ErrNotFound)
	}
	bars := s.bars[symbol]
	if len(bars) == 0 {
		return nil, fmt.Errorf("daily bars %s: %w", symbol, md.ErrNotFound)
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	out := make([]md.Bar, len(bars))
	copy(out, bars)
	return out, nil
}
