package md

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the quote source has no tradable result for a
// symbol. Callers skip the symbol for the rest of the day instead of retrying.
var ErrNotFound = errors.New("symbol not found")

type Quote struct {
	Symbol     string
	Name       string
	Exchange   string
	Price      float64
	Open       float64
	DayHigh    float64
	DayLow     float64
	Volume     uint64
	PrevClose  float64
	PrevVolume uint64
	At         time.Time
}

type Bar struct {
	Symbol    string
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    uint64
}

// Source fetches current prices. Any error other than ErrNotFound is treated
// as transient by the engine.
type Source interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
	DailyBars(ctx context.Context, symbol string, n int) ([]Bar, error)
}
