package engine

import (
	"sort"
	"time"
)

type PositionStatus struct {
	Symbol     string     `json:"symbol"`
	Company    string     `json:"company,omitempty"`
	Shares     int64      `json:"shares"`
	EntryPrice string     `json:"entry_price"`
	EntryTime  time.Time  `json:"entry_time"`
	ExitPrice  string     `json:"exit_price,omitempty"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
	Open       bool       `json:"open"`
}

// Status is a read-only view of a running day.
type Status struct {
	RunID     string           `json:"run_id"`
	State     State            `json:"state"`
	Mode      BuyMode          `json:"mode"`
	Algorithm string           `json:"algorithm,omitempty"`
	Date      string           `json:"date,omitempty"`
	Picks     []string         `json:"picks"`
	Skipped   []string         `json:"skipped"`
	Starting  string           `json:"starting_equity"`
	Cash      string           `json:"cash"`
	Positions []PositionStatus `json:"positions"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	st := Status{
		RunID:     e.runID,
		State:     e.state,
		Mode:      e.cfg.Mode,
		Algorithm: e.cfg.Algorithm,
		Picks:     make([]string, 0, len(e.picks)),
		Skipped:   make([]string, 0, len(e.skipped)),
	}
	if !e.schedule.Day.IsZero() {
		st.Date = e.schedule.Day.Format(time.DateOnly)
	}
	for _, c := range e.picks {
		st.Picks = append(st.Picks, c.Symbol)
	}
	for sym := range e.skipped {
		st.Skipped = append(st.Skipped, sym)
	}
	e.mu.RUnlock()
	sort.Strings(st.Skipped)

	snap := e.ledger.Snapshot()
	st.Starting = snap.Starting.StringFixed(2)
	st.Cash = snap.Cash.StringFixed(2)
	st.Positions = make([]PositionStatus, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		ps := PositionStatus{
			Symbol:     p.Symbol,
			Company:    p.CompanyName,
			Shares:     p.Shares,
			EntryPrice: p.EntryPrice.String(),
			EntryTime:  p.EntryTime,
			Open:       !p.Closed,
		}
		if p.Closed {
			exit := p.ExitTime
			ps.ExitPrice = p.ExitPrice.String()
			ps.ExitTime = &exit
		}
		st.Positions = append(st.Positions, ps)
	}
	return st
}
