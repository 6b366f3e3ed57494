package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPositionOpen = errors.New("position already open")
	ErrNoEntry      = errors.New("no open position")
)

var hundred = decimal.NewFromInt(100)

type Position struct {
	Symbol        string
	CompanyName   string
	Shares        int64
	EntryPrice    decimal.Decimal
	EntryTime     time.Time
	ExitPrice     decimal.Decimal
	ExitTime      time.Time
	VolumeAtEntry uint64
	VolumeAtExit  uint64
	Closed        bool
}

func (p Position) EntryNotional() decimal.Decimal {
	return p.EntryPrice.Mul(decimal.NewFromInt(p.Shares))
}

func (p Position) ExitNotional() decimal.Decimal {
	if !p.Closed {
		return decimal.Zero
	}
	return p.ExitPrice.Mul(decimal.NewFromInt(p.Shares))
}

// ProfitPerShare is exit minus entry price, zero while the position is open.
func (p Position) ProfitPerShare() decimal.Decimal {
	if !p.Closed {
		return decimal.Zero
	}
	return p.ExitPrice.Sub(p.EntryPrice)
}

// ChangePercent is the move from entry to price in percent.
func (p Position) ChangePercent(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(hundred)
}

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	Cash         decimal.Decimal
	Starting     decimal.Decimal
	BuyNotional  decimal.Decimal
	SellNotional decimal.Decimal
	Positions    []Position
}

// Ledger holds the day's positions and the simulated equity account. All
// methods are safe for concurrent use; writes are serialized.
type Ledger struct {
	mu           sync.RWMutex
	cash         decimal.Decimal
	starting     decimal.Decimal
	buyNotional  decimal.Decimal
	sellNotional decimal.Decimal
	positions    map[string]*Position
	order        []string
}

// New opens the day with cash available and the configured starting equity
// that day returns are measured against.
func New(cash, starting decimal.Decimal) *Ledger {
	return &Ledger{
		cash:      cash,
		starting:  starting,
		positions: make(map[string]*Position),
	}
}

// Open records an accepted buy and debits the account.
func (l *Ledger) Open(symbol, company string, shares int64, price decimal.Decimal, at time.Time, volume uint64) (Position, error) {
	if shares <= 0 {
		return Position{}, fmt.Errorf("open %s: share count must be > 0", symbol)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[symbol]; ok && !pos.Closed {
		return Position{}, fmt.Errorf("open %s: %w", symbol, ErrPositionOpen)
	}
	pos := &Position{
		Symbol:        symbol,
		CompanyName:   company,
		Shares:        shares,
		EntryPrice:    price,
		EntryTime:     at,
		VolumeAtEntry: volume,
	}
	if _, seen := l.positions[symbol]; !seen {
		l.order = append(l.order, symbol)
	}
	l.positions[symbol] = pos
	notional := pos.EntryNotional()
	l.cash = l.cash.Sub(notional)
	l.buyNotional = l.buyNotional.Add(notional)
	return *pos, nil
}

// Close records an accepted sell and credits the account.
func (l *Ledger) Close(symbol string, price decimal.Decimal, at time.Time, volume uint64) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	if !ok || pos.Closed {
		return Position{}, fmt.Errorf("close %s: %w", symbol, ErrNoEntry)
	}
	pos.ExitPrice = price
	pos.ExitTime = at
	pos.VolumeAtExit = volume
	pos.Closed = true
	notional := pos.ExitNotional()
	l.cash = l.cash.Add(notional)
	l.sellNotional = l.sellNotional.Add(notional)
	return *pos, nil
}

func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

func (l *Ledger) IsOpen(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	return ok && !pos.Closed
}

// OpenPositions lists open positions in entry order.
func (l *Ledger) OpenPositions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.order))
	for _, sym := range l.order {
		if pos := l.positions[sym]; !pos.Closed {
			out = append(out, *pos)
		}
	}
	return out
}

func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

func (l *Ledger) CanAfford(notional decimal.Decimal) bool {
	return l.Cash().GreaterThanOrEqual(notional)
}

// DayReturnPercent is (cash - starting) / starting * 100.
func (l *Ledger) DayReturnPercent() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.starting.IsZero() {
		return decimal.Zero
	}
	return l.cash.Sub(l.starting).Div(l.starting).Mul(hundred)
}

// NextDayEquity caps the carried cash at the starting equity so realized
// gains are not reinvested while losses carry forward.
func (l *Ledger) NextDayEquity() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return decimal.Min(l.cash, l.starting)
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := Snapshot{
		Cash:         l.cash,
		Starting:     l.starting,
		BuyNotional:  l.buyNotional,
		SellNotional: l.sellNotional,
		Positions:    make([]Position, 0, len(l.order)),
	}
	for _, sym := range l.order {
		snap.Positions = append(snap.Positions, *l.positions[sym])
	}
	return snap
}
