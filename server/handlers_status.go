package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/visit-tracker/db"
	"github.com/onnwee/visit-tracker/scrape"
	"github.com/onnwee/visit-tracker/telemetry"
)

// HandleScrapeStatus serves the scheduler's status snapshot.
func (h *Handlers) HandleScrapeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.scraper.Status())
}

type serviceStatus struct {
	Scrape             scrape.Status `json:"scrape"`
	LastCommittedCycle *time.Time    `json:"lastCommittedCycle"`
}

// HandleStatus serves the scheduler status together with the last committed cycle time
// recorded in the database, which survives restarts.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	out := serviceStatus{Scrape: h.scraper.Status()}
	if h.db != nil {
		at, ok, err := db.LastScrape(r.Context(), h.db)
		if err != nil {
			telemetry.LoggerWithCorr(r.Context()).Warn("read last scrape", slog.Any("err", err), slog.String("component", "http"))
		} else if ok {
			out.LastCommittedCycle = &at
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleAdminScrapeRun starts a cycle in the background. It answers 409 while a cycle is
// running.
func (h *Handlers) HandleAdminScrapeRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "admin"))
	if err := h.scraper.TriggerAsync(h.ctx); err != nil {
		if errors.Is(err, scrape.ErrCycleRunning) {
			writeJSON(w, http.StatusConflict, map[string]string{"status": "running"})
			return
		}
		logger.Error("manual scrape trigger failed", slog.Any("err", err))
		http.Error(w, "failed to start cycle", http.StatusInternalServerError)
		return
	}
	logger.Info("manual scrape cycle started")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}
