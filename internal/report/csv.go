// Package report writes the end-of-day settlement record.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stockbot/internal/engine"
)

var header = []string{"symbol", "company", "buy", "buy time", "sell", "sell time", "profit", "percent", "vol sod", "vol sell"}

// CSV writes one stocks_<algo>_<date>.csv per trading day into Dir.
type CSV struct {
	Dir string
	Log zerolog.Logger
}

func FileName(algo string, day time.Time) string {
	return fmt.Sprintf("stocks_%s_%s.csv", algo, day.Format(time.DateOnly))
}

func (c CSV) Report(ctx context.Context, s engine.Settlement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := c.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, FileName(s.Algorithm, s.Date))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := Write(f, s); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report %s: %w", path, err)
	}
	c.Log.Info().Str("path", path).Int("positions", len(s.Positions)).Msg("settlement report written")
	return nil
}

// Write renders s as CSV: the position table, the broker reconciliation,
// then the PERCENT/EQUITY, SUM/AVG and BUY/SELL/PROFIT trailers.
func Write(w io.Writer, s engine.Settlement) error {
	cw := csv.NewWriter(w)
	rows := [][]string{header}
	for _, p := range s.Positions {
		row := []string{
			p.Symbol,
			p.CompanyName,
			p.EntryPrice.String(),
			p.EntryTime.Format(time.RFC3339),
			"", "", "", "",
			strconv.FormatUint(p.VolumeAtEntry, 10),
			"",
		}
		if p.Closed {
			row[4] = p.ExitPrice.String()
			row[5] = p.ExitTime.Format(time.RFC3339)
			row[6] = p.ProfitPerShare().Round(2).String()
			row[7] = p.ChangePercent(p.ExitPrice).Round(2).String()
			row[9] = strconv.FormatUint(p.VolumeAtExit, 10)
		}
		rows = append(rows, row)
	}

	rows = append(rows, []string{}, []string{"symbol", "buy", "sell", "change"})
	for _, r := range s.Summary.Rows {
		rows = append(rows, []string{r.Symbol, r.Buy.String(), r.Sell.String(), r.ChangePct.String()})
	}

	rows = append(rows,
		[]string{},
		[]string{"PERCENT", s.DayReturnPct.Round(2).String()},
		[]string{"EQUITY", s.Cash.Round(2).String()},
		[]string{},
		[]string{"SUM", signedPercent(s.Summary.SumPct)},
		[]string{"AVG", signedPercent(s.Summary.AvgPct)},
		[]string{},
		[]string{"BUY", dollars(s.Summary.Buy)},
		[]string{"SELL", dollars(s.Summary.Sell)},
		[]string{"PROFIT", dollars(s.Summary.Profit)},
	)
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

func signedPercent(d decimal.Decimal) string {
	sign := ""
	if d.IsPositive() {
		sign = "+"
	}
	return sign + d.Round(2).String() + "%"
}

func dollars(d decimal.Decimal) string {
	return "$" + d.Round(2).String()
}
