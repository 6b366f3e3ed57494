package engine

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stockbot/internal/strategy"
)

// Decision is one journal line: an intent and what became of it.
type Decision struct {
	RunID          string          `json:"run_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Phase          Phase           `json:"phase"`
	Symbol         string          `json:"symbol"`
	Price          string          `json:"price"`
	Samples        int             `json:"samples"`
	Up             int             `json:"up"`
	Down           int             `json:"down"`
	Intent         strategy.Action `json:"intent"`
	IntentQty      int64           `json:"intent_qty"`
	Reason         string          `json:"reason"`
	Result         string          `json:"result"`
	ApprovalReason string          `json:"approval_reason,omitempty"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	OrderID        string          `json:"order_id,omitempty"`
	ClientOrderID  string          `json:"client_order_id,omitempty"`
}

// DecisionLogger appends decisions as newline-delimited JSON. A nil
// *DecisionLogger discards everything.
type DecisionLogger struct {
	closer io.Closer
	writer *bufio.Writer
	log    zerolog.Logger
	mu     sync.Mutex
}

func NewDecisionLogger(path string, log zerolog.Logger) (*DecisionLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	d := NewDecisionWriter(file, log)
	d.closer = file
	return d, nil
}

// NewDecisionWriter journals to w. Close flushes but does not close w.
func NewDecisionWriter(w io.Writer, log zerolog.Logger) *DecisionLogger {
	return &DecisionLogger{
		writer: bufio.NewWriter(w),
		log:    log.With().Str("component", "decisions").Logger(),
	}
}

func (d *DecisionLogger) Append(decision Decision) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	payload, err := json.Marshal(decision)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to marshal decision")
		return
	}
	if _, err := d.writer.Write(append(payload, '\n')); err != nil {
		d.log.Error().Err(err).Msg("failed to write decision")
		return
	}
	if err := d.writer.Flush(); err != nil {
		d.log.Error().Err(err).Msg("failed to flush decision log")
	}
}

func (d *DecisionLogger) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.writer.Flush()
	if d.closer != nil {
		if cerr := d.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
