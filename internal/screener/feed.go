package screener

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"stockbot/internal/retry"
)

// FeedEntry is one row of the screening source.
type FeedEntry struct {
	Symbol      string          `yaml:"symbol"`
	CompanyName string          `yaml:"name"`
	Signals     map[string]bool `yaml:"signals"`
}

type Feed interface {
	Fetch(ctx context.Context) ([]FeedEntry, error)
}

// Watchlist is a fixed list of symbols with no feed signals.
type Watchlist []string

func (w Watchlist) Fetch(ctx context.Context) ([]FeedEntry, error) {
	entries := make([]FeedEntry, 0, len(w))
	for _, sym := range w {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		entries = append(entries, FeedEntry{Symbol: sym})
	}
	return entries, nil
}

// FileFeed reads screening rows from a YAML document:
//
//	candidates:
//	  - symbol: AAPL
//	    name: Apple Inc.
//	    signals: {strongBuy: true}
type FileFeed struct {
	Path string
}

type feedFile struct {
	Candidates []FeedEntry `yaml:"candidates"`
}

// Fetch fails permanently on an unreadable or malformed file; retrying
// cannot fix either.
func (f FileFeed) Fetch(ctx context.Context) ([]FeedEntry, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("read feed %s: %w", f.Path, err))
	}
	var doc feedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse feed %s: %w", f.Path, err))
	}
	entries := doc.Candidates[:0]
	for _, e := range doc.Candidates {
		e.Symbol = strings.ToUpper(strings.TrimSpace(e.Symbol))
		if e.Symbol == "" {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
