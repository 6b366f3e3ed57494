package engine

import (
	"fmt"
	"strings"
	"time"
)

type BuyMode string

const (
	BuyAtOpen  BuyMode = "buy-at-open"
	BuyAtClose BuyMode = "buy-at-close"
)

func ParseBuyMode(value string) (BuyMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "open", string(BuyAtOpen):
		return BuyAtOpen, nil
	case "close", string(BuyAtClose):
		return BuyAtClose, nil
	default:
		return "", fmt.Errorf("unsupported buy mode: %s", value)
	}
}

type Phase string

const (
	PhaseSelect Phase = "select"
	PhaseBuy    Phase = "buy"
	PhaseSell1  Phase = "sell1"
	PhaseSell2  Phase = "sell2"
	PhaseSettle Phase = "settle"
)

// Window is a half-open interval [Start, End) on one trading day.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Schedule is the day's phase table resolved to absolute times.
type Schedule struct {
	Day    time.Time // midnight of the trading day, exchange time
	Select time.Time
	Buy    Window
	Sell1  Window
	Sell2  Window
	Settle time.Time
}

// ClockTime is a wall clock time of day in the exchange location.
type ClockTime struct {
	Hour, Minute int
}

// ParseClockTime reads a 24 hour "15:04" time of day.
func ParseClockTime(value string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time of day %q: want HH:MM", value)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) offset() time.Duration {
	return time.Duration(c.Hour)*time.Hour + time.Duration(c.Minute)*time.Minute
}

// PhaseTable is a mode's phase boundaries. The buy window runs from Buy to
// Sell1, the first sell tier from Sell1 to Sell2 and the second from Sell2
// to Cutoff.
type PhaseTable struct {
	Select ClockTime
	Buy    ClockTime
	Sell1  ClockTime
	Sell2  ClockTime
	Cutoff ClockTime
}

func (t PhaseTable) IsZero() bool {
	return t == PhaseTable{}
}

// Validate requires selection no later than buying and strictly increasing
// windows that settle before midnight.
func (t PhaseTable) Validate() error {
	if t.Select.offset() > t.Buy.offset() {
		return fmt.Errorf("select time %s is after buy start %s", t.Select, t.Buy)
	}
	bounds := []struct {
		name string
		at   ClockTime
	}{{"buy start", t.Buy}, {"sell1 start", t.Sell1}, {"sell2 start", t.Sell2}, {"sell cutoff", t.Cutoff}}
	for i := 1; i < len(bounds); i++ {
		if bounds[i].at.offset() <= bounds[i-1].at.offset() {
			return fmt.Errorf("%s %s must be after %s %s", bounds[i].name, bounds[i].at, bounds[i-1].name, bounds[i-1].at)
		}
	}
	if t.Cutoff.offset()+settleDelay >= 24*time.Hour {
		return fmt.Errorf("sell cutoff %s leaves no time to settle", t.Cutoff)
	}
	return nil
}

// Resolve places the table on the calendar day of day in loc.
func (t PhaseTable) Resolve(day time.Time, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	local := day.In(loc)
	at := func(c ClockTime) time.Time {
		return time.Date(local.Year(), local.Month(), local.Day(), c.Hour, c.Minute, 0, 0, loc)
	}
	s := Schedule{
		Day:    at(ClockTime{}),
		Select: at(t.Select),
		Buy:    Window{Start: at(t.Buy), End: at(t.Sell1)},
		Sell1:  Window{Start: at(t.Sell1), End: at(t.Sell2)},
		Sell2:  Window{Start: at(t.Sell2), End: at(t.Cutoff)},
	}
	s.Settle = s.Sell2.End.Add(settleDelay)
	return s
}

// settleDelay leaves the broker time to report the last fills.
const settleDelay = 5 * time.Minute

var phaseTables = map[BuyMode]PhaseTable{
	BuyAtOpen: {
		Select: ClockTime{9, 15},
		Buy:    ClockTime{9, 30},
		Sell1:  ClockTime{11, 0},
		Sell2:  ClockTime{13, 0},
		Cutoff: ClockTime{15, 30},
	},
	BuyAtClose: {
		Select: ClockTime{14, 45},
		Buy:    ClockTime{15, 0},
		Sell1:  ClockTime{15, 30},
		Sell2:  ClockTime{15, 45},
		Cutoff: ClockTime{15, 55},
	},
}

// DefaultPhaseTable returns the built-in table for mode.
func DefaultPhaseTable(mode BuyMode) (PhaseTable, error) {
	table, ok := phaseTables[mode]
	if !ok {
		return PhaseTable{}, fmt.Errorf("unsupported buy mode: %s", mode)
	}
	return table, nil
}

// ScheduleFor resolves the mode's default table on the calendar day of day in loc.
func ScheduleFor(mode BuyMode, day time.Time, loc *time.Location) (Schedule, error) {
	table, err := DefaultPhaseTable(mode)
	if err != nil {
		return Schedule{}, err
	}
	return table.Resolve(day, loc), nil
}
