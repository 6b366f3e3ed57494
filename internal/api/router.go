// Package api serves a read-only view of the running trading day.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"stockbot/internal/engine"
)

type StatusProvider interface {
	Status() (engine.Status, bool)
	Last() (engine.Settlement, bool)
}

type rowView struct {
	Symbol    string `json:"symbol"`
	Buy       string `json:"buy"`
	Sell      string `json:"sell"`
	ChangePct string `json:"change_pct"`
}

type settlementView struct {
	RunID        string    `json:"run_id"`
	Date         string    `json:"date"`
	Mode         string    `json:"mode"`
	Algorithm    string    `json:"algorithm"`
	Starting     string    `json:"starting_equity"`
	Cash         string    `json:"cash"`
	DayReturnPct string    `json:"day_return_pct"`
	NextEquity   string    `json:"next_equity"`
	Rows         []rowView `json:"rows"`
	SumPct       string    `json:"sum_pct"`
	AvgPct       string    `json:"avg_pct"`
	Profit       string    `json:"profit"`
	FromBroker   bool      `json:"from_broker"`
}

func NewRouter(p StatusProvider, log zerolog.Logger) http.Handler {
	r := mux.NewRouter()
	// Kept off a subrouter so a method mismatch answers 405, not 404.
	r.HandleFunc("/health", healthCheckHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/status", statusHandler(p)).Methods(http.MethodGet)
	r.HandleFunc("/api/settlement", settlementHandler(p)).Methods(http.MethodGet)

	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))
	return r
}

func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "stockbot"})
}

func statusHandler(p StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st, ok := p.Status()
		if !ok {
			writeJSON(w, http.StatusOK, engine.Status{State: engine.StateIdle, Picks: []string{}, Skipped: []string{}, Positions: []engine.PositionStatus{}})
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func settlementHandler(p StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st, ok := p.Last()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no settled day yet"})
			return
		}
		view := settlementView{
			RunID:        st.RunID,
			Date:         st.Date.Format(time.DateOnly),
			Mode:         string(st.Mode),
			Algorithm:    st.Algorithm,
			Starting:     st.Starting.StringFixed(2),
			Cash:         st.Cash.StringFixed(2),
			DayReturnPct: st.DayReturnPct.StringFixed(2),
			NextEquity:   st.NextEquity.StringFixed(2),
			Rows:         make([]rowView, 0, len(st.Summary.Rows)),
			SumPct:       st.Summary.SumPct.StringFixed(2),
			AvgPct:       st.Summary.AvgPct.StringFixed(2),
			Profit:       st.Summary.Profit.StringFixed(2),
			FromBroker:   st.Summary.FromBroker,
		}
		for _, r := range st.Summary.Rows {
			view.Rows = append(view.Rows, rowView{
				Symbol:    r.Symbol,
				Buy:       r.Buy.StringFixed(2),
				Sell:      r.Sell.StringFixed(2),
				ChangePct: r.ChangePct.StringFixed(2),
			})
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func loggingMiddleware(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("duration", time.Since(start)).Msg("http request")
		})
	}
}

func recoveryMiddleware(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error().Interface("error", err).Str("path", r.URL.Path).Msg("panic recovered")
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
