// Package api is the bot's local control surface: a small HTTP server
// exposing status, snapshot dumps, fund-recalc pause/resume, forced
// resync, and the audit-log tail.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"gridmaker/internal/audit"
	"gridmaker/internal/config"
	"gridmaker/internal/engine"
	"gridmaker/internal/grid"
)

// Bot is the engine surface the server needs.
type Bot interface {
	GetSnapshot() engine.Snapshot
	PauseFundRecalc()
	ResumeFundRecalc()
	ForceResync()
	AuditTail(n int) []audit.Event
	GridAuditTail(n int) []grid.AuditEntry
}

// Server runs the control HTTP API.
type Server struct {
	bot    Bot
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a control server.
func NewServer(cfg config.ControlConfig, bot Bot, logger *slog.Logger) *Server {
	s := &Server{
		bot:    bot,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/pause", s.handlePause)
	mux.HandleFunc("/api/resume", s.handleResume)
	mux.HandleFunc("/api/resync", s.handleResync)
	mux.HandleFunc("/api/audit", s.handleAudit)
	mux.HandleFunc("/api/grid-audit", s.handleGridAudit)

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

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.bot.GetSnapshot())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.bot.PauseFundRecalc()
	writeJSON(w, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.bot.ResumeFundRecalc()
	writeJSON(w, map[string]string{"status": "resumed"})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	s.bot.ForceResync()
	writeJSON(w, map[string]string{"status": "resync scheduled"})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.bot.AuditTail(tailParam(r)))
}

func (s *Server) handleGridAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.bot.GridAuditTail(tailParam(r)))
}

func tailParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	return n
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
