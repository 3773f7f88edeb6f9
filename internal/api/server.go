// Package api is the operational control plane: a small HTTP server for
// health checks, the kill switch, and position inspection. It is not a
// public surface and carries no auth; bind it to localhost.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/store"
	"kalshi-arb/pkg/types"
)

// Controller is the slice of the risk governor the server drives.
type Controller interface {
	KillSwitchActive() (bool, string)
	EngageKillSwitch(reason string)
	DisengageKillSwitch()
	Positions() []types.Position
	RequestFlatten(ticker string)
	DailyRealized() int
	OpenExecutions() int
}

// OpportunityReader serves the recent-opportunity report.
type OpportunityReader interface {
	RecentOpportunities(ctx context.Context, limit int) ([]store.OpportunitySummary, error)
}

// Server is the control-plane HTTP server.
type Server struct {
	controller Controller
	opps       OpportunityReader
	dryRun     bool
	startedAt  time.Time
	server     *http.Server
	logger     *slog.Logger
}

func NewServer(cfg config.ControlConfig, dryRun bool, controller Controller, opps OpportunityReader, logger *slog.Logger) *Server {
	s := &Server{
		controller: controller,
		opps:       opps,
		dryRun:     dryRun,
		startedAt:  time.Now(),
		logger:     logger.With("component", "control"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /kill", s.handleEngageKill)
	mux.HandleFunc("DELETE /kill", s.handleDisengageKill)
	mux.HandleFunc("GET /opportunities", s.handleOpportunities)
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("POST /flat", s.handleFlatten)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("control server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	killed, reason := s.controller.KillSwitchActive()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"dry_run":              s.dryRun,
		"kill_switch":          killed,
		"kill_reason":          reason,
		"daily_realized_cents": s.controller.DailyRealized(),
		"open_executions":      s.controller.OpenExecutions(),
		"uptime_seconds":       int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleEngageKill(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual"
	}
	s.controller.EngageKillSwitch("operator: " + reason)
	s.logger.Warn("kill switch engaged via control plane", "reason", reason)
	writeJSON(w, http.StatusOK, map[string]any{"kill_switch": true, "reason": reason})
}

func (s *Server) handleDisengageKill(w http.ResponseWriter, r *http.Request) {
	s.controller.DisengageKillSwitch()
	s.logger.Warn("kill switch disengaged via control plane")
	writeJSON(w, http.StatusOK, map[string]any{"kill_switch": false})
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	if s.opps == nil {
		writeJSON(w, http.StatusOK, []store.OpportunitySummary{})
		return
	}
	rows, err := s.opps.RecentOpportunities(r.Context(), 50)
	if err != nil {
		s.logger.Error("opportunity report failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "report unavailable"})
		return
	}
	if rows == nil {
		rows = []store.OpportunitySummary{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.controller.Positions()
	if positions == nil {
		positions = []types.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	ticker := r.URL.Query().Get("ticker")
	if ticker == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ticker query parameter required"})
		return
	}
	s.controller.RequestFlatten(ticker)
	s.logger.Info("flatten requested via control plane", "ticker", ticker)
	writeJSON(w, http.StatusAccepted, map[string]string{"ticker": ticker, "status": "queued"})
}
