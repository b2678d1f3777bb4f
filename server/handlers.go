// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/onnwee/visit-tracker/scrape"
)

// Scraper is the part of the scheduler the HTTP layer needs.
type Scraper interface {
	Status() scrape.Status
	TriggerAsync(ctx context.Context) error
}

// ChannelChecker reports whether the channel list can be read.
type ChannelChecker interface {
	Check(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db       *sql.DB
	ctx      context.Context
	scraper  Scraper
	channels ChannelChecker
}

// NewHandlers creates a new Handlers instance. ctx outlives requests and is handed to
// cycles started from the admin endpoint.
func NewHandlers(ctx context.Context, db *sql.DB, scraper Scraper, channels ChannelChecker) *Handlers {
	return &Handlers{db: db, ctx: ctx, scraper: scraper, channels: channels}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", slog.Any("err", err), slog.String("component", "http"))
	}
}
