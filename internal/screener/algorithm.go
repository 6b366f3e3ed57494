package screener

import (
	"fmt"
	"math"
	"strings"

	"stockbot/internal/md"
)

// Algorithm scores one candidate; higher ranks first.
type Algorithm interface {
	Name() string
	Score(c Candidate) float64
}

// barWindow is implemented by algorithms that need daily bars.
type barWindow interface {
	Bars() int
}

// Checklist is the fixed set of bullish indicators RatingScore counts.
var Checklist = []string{
	SignalStrongBuy,
	SignalBuy,
	SignalAbovePrevClose,
	SignalAboveOpen,
	SignalVolumeAbovePrev,
	SignalAboveMeanClose,
}

const (
	SignalStrongBuy       = "strongBuy"
	SignalBuy             = "buy"
	SignalAbovePrevClose  = "abovePrevClose"
	SignalAboveOpen       = "aboveOpen"
	SignalVolumeAbovePrev = "volumeAbovePrev"
	SignalAboveMeanClose  = "aboveMeanClose"
)

// Moved ranks by percent change over the last Lookback daily bars.
type Moved struct {
	Lookback int
}

func (Moved) Name() string { return "moved" }

func (m Moved) Score(c Candidate) float64 { return c.Moved }

func (m Moved) Bars() int { return max(m.Lookback, 1) }

// RatingScore counts the checklist signals that are true.
type RatingScore struct {
	MeanWindow int
}

func (RatingScore) Name() string { return "rating-score" }

func (RatingScore) Score(c Candidate) float64 {
	n := 0
	for _, key := range Checklist {
		if c.Signals[key] {
			n++
		}
	}
	return float64(n)
}

func (r RatingScore) Bars() int { return r.MeanWindow }

// LowToMarket ranks by how far the price has recovered from the day's low.
type LowToMarket struct{}

func (LowToMarket) Name() string { return "low-to-market" }

func (LowToMarket) Score(c Candidate) float64 { return round(c.Price-c.DayLow, 3) }

// LowToHigh ranks by the day's trading range.
type LowToHigh struct{}

func (LowToHigh) Name() string { return "low-to-high" }

func (LowToHigh) Score(c Candidate) float64 { return round(c.DayHigh-c.DayLow, 3) }

func ParseAlgorithm(name string, lookback int) (Algorithm, error) {
	switch strings.ToLower(name) {
	case "moved":
		return Moved{Lookback: lookback}, nil
	case "rating-score", "ratingscore":
		return RatingScore{MeanWindow: lookback}, nil
	case "low-to-market", "lowtomarket":
		return LowToMarket{}, nil
	case "low-to-high", "lowtohigh":
		return LowToHigh{}, nil
	default:
		return nil, fmt.Errorf("unknown ranking algorithm: %s", name)
	}
}

// MovedPercent is the single-day open to close change for one bar, or the
// mean of the per-day changes for several. The mean is deliberate: it ranks
// differently from the window's net change.
func MovedPercent(bars []md.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bars {
		sum += dayChange(b)
	}
	if len(bars) == 1 {
		return sum
	}
	return round(sum/float64(len(bars)), 3)
}

func dayChange(b md.Bar) float64 {
	if b.Open == 0 {
		return 0
	}
	return round((b.Close-b.Open)/b.Open*100, 3)
}

func meanClose(bars []md.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	sum := 0.0
	for _, b := range bars {
		sum += b.Close
	}
	return sum / float64(len(bars))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
