// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package adminapi serves the relay's moderation and monitoring endpoints:
// the ban list, cache statistics, Prometheus metrics and a health check.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aiku/intergalactic-relay/pkg/relay"
)

// maxBodySize is the maximum allowed request body (1 MB).
const maxBodySize = 1 << 20

// banOrigin is recorded on bans created through the API.
const banOrigin = "admin-api"

// HealthFunc reports whether the relay is able to work. A nil error is healthy.
type HealthFunc func() error

// Server exposes the admin endpoints.
type Server struct {
	bans     *relay.BanList
	cache    *relay.CorrelationCache
	gatherer prometheus.Gatherer
	health   HealthFunc
	log      zerolog.Logger
}

// New creates an admin API server. health may be nil.
func New(bans *relay.BanList, cache *relay.CorrelationCache, gatherer prometheus.Gatherer, health HealthFunc, log zerolog.Logger) *Server {
	return &Server{
		bans:     bans,
		cache:    cache,
		gatherer: gatherer,
		health:   health,
		log:      log.With().Str("component", "admin_api").Logger(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/bans", s.HandleListBans)
	mux.HandleFunc("POST /api/bans", s.HandleBan)
	mux.HandleFunc("DELETE /api/bans/{id}", s.HandleUnban)
	mux.HandleFunc("GET /api/cache/stats", s.HandleCacheStats)
	mux.HandleFunc("GET /healthz", s.HandleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run listens on addr until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Starting admin API")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin API failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin API: %w", err)
	}
	s.log.Info().Msg("Admin API stopped")
	return nil
}

// BanRequest is the body of POST /api/bans.
type BanRequest struct {
	UserID     string `json:"user_id"`
	Reason     string `json:"reason"`
	ExecutorID string `json:"executor"`
}

// CacheStats is the body of GET /api/cache/stats.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Evictions int64 `json:"evictions"`
}

// HandleListBans is an HTTP handler for GET /api/bans.
func (s *Server) HandleListBans(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.bans.List())
}

// HandleBan is an HTTP handler for POST /api/bans. It answers 409 when the
// user is already banned.
func (s *Server) HandleBan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var req BanRequest
	if err = json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}

	entry, err := s.bans.Ban(req.UserID, req.Reason, req.ExecutorID, banOrigin)
	if errors.Is(err, relay.ErrAlreadyBanned) {
		s.writeJSON(w, http.StatusConflict, relay.BannedUser{UserID: req.UserID, BanEntry: entry})
		return
	}
	s.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("user_id", req.UserID).
		Str("executor", req.ExecutorID).
		Msg("User banned from the network")
	s.writeJSON(w, http.StatusCreated, relay.BannedUser{UserID: req.UserID, BanEntry: entry})
}

// HandleUnban is an HTTP handler for DELETE /api/bans/{id}.
func (s *Server) HandleUnban(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if err := s.bans.Unban(userID); errors.Is(err, relay.ErrNotBanned) {
		http.Error(w, "user is not banned", http.StatusNotFound)
		return
	}
	s.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("user_id", userID).
		Msg("User unbanned from the network")
	w.WriteHeader(http.StatusNoContent)
}

// HandleCacheStats is an HTTP handler for GET /api/cache/stats.
func (s *Server) HandleCacheStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, CacheStats{
		Entries:   s.cache.Len(),
		Capacity:  s.cache.Capacity(),
		Evictions: s.cache.Evictions(),
	})
}

// HandleHealth is an HTTP handler for GET /healthz.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write response")
	}
}
