// Package momentum classifies a symbol's short-term trend from successive
// price samples taken during one trading phase.
package momentum

import "time"

type Observation struct {
	Symbol     string
	Price      float64
	ObservedAt time.Time
}

// Trend is the sampler's view of one symbol after the latest observation.
// Up and Down count moves against the immediately preceding sample only.
// Samples includes the latest observation; Prior counts those stored before
// it, which is what confirmation thresholds are compared against.
type Trend struct {
	Symbol  string
	Samples int
	Prior   int
	Up      int
	Down    int
	Last    float64
}

func (t Trend) ConfirmedUp(threshold int) bool {
	return t.Prior >= threshold && t.Up > t.Down
}

func (t Trend) ConfirmedDown(threshold int) bool {
	return t.Prior >= threshold && t.Down > t.Up
}

type series struct {
	observations []Observation
	up           int
	down         int
}

// Sampler keeps the ordered observation history of a single phase. It is
// not safe for concurrent writers; the engine feeds it from one goroutine.
type Sampler struct {
	series map[string]*series
}

func NewSampler() *Sampler {
	return &Sampler{series: make(map[string]*series)}
}

// Observe appends a sample and returns the updated trend. Equal consecutive
// prices count as neither up nor down.
func (s *Sampler) Observe(symbol string, price float64, at time.Time) Trend {
	ser, ok := s.series[symbol]
	if !ok {
		ser = &series{}
		s.series[symbol] = ser
	}
	if n := len(ser.observations); n > 0 {
		prev := ser.observations[n-1].Price
		switch {
		case price > prev:
			ser.up++
		case price < prev:
			ser.down++
		}
	}
	ser.observations = append(ser.observations, Observation{Symbol: symbol, Price: price, ObservedAt: at})
	return ser.trend(symbol)
}

// Trend reports the current state for symbol without adding a sample.
func (s *Sampler) Trend(symbol string) Trend {
	ser, ok := s.series[symbol]
	if !ok {
		return Trend{Symbol: symbol}
	}
	return ser.trend(symbol)
}

// History returns a copy of the observations recorded for symbol.
func (s *Sampler) History(symbol string) []Observation {
	ser, ok := s.series[symbol]
	if !ok {
		return nil
	}
	out := make([]Observation, len(ser.observations))
	copy(out, ser.observations)
	return out
}

func (ser *series) trend(symbol string) Trend {
	t := Trend{
		Symbol:  symbol,
		Samples: len(ser.observations),
		Up:      ser.up,
		Down:    ser.down,
	}
	if t.Samples > 0 {
		t.Prior = t.Samples - 1
		t.Last = ser.observations[t.Samples-1].Price
	}
	return t
}
