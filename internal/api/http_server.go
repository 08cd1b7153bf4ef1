// Package api exposes the engine's UI-facing contract over a local
// HTTP server: enqueue an update, read the badge status, list failed
// updates, and trigger a manual retry. Authentication is handled by
// the surrounding application, not here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/queue"
	"fieldsync/internal/status"
	"fieldsync/internal/syncer"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type HTTPServer struct {
	cfg    config.APIConfig
	store  *queue.Store
	orch   *syncer.Orchestrator
	logger *zerolog.Logger
	server *http.Server
}

func NewHTTPServer(cfg config.APIConfig, store *queue.Store, orch *syncer.Orchestrator, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{cfg: cfg, store: store, orch: orch, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/updates", srv.handleUpdates)
	mux.HandleFunc("/api/v1/status", srv.handleStatus)
	mux.HandleFunc("/api/v1/failed", srv.handleFailed)
	mux.HandleFunc("/api/v1/sync/retry", srv.handleRetry)
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the configured handler for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var upd queue.NewUpdate
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	stored, err := s.store.Enqueue(r.Context(), upd)
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusConflict, "offline queue is full; sync or retry before queueing more updates")
		return
	case errors.Is(err, queue.ErrStorageQuota):
		writeError(w, http.StatusInsufficientStorage, "local storage rejected the write")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, stored)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := s.store.Snapshot()
	st := status.Derive(snap)
	resp := map[string]any{
		"state":             st.State,
		"badge":             st.Badge(),
		"pending_count":     st.PendingCount,
		"failed_count":      st.FailedCount,
		"last_sync_attempt": snap.LastSyncAttempt,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"failed_updates": snap.FailedUpdates})
}

func (s *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.orch.Retry(); err != nil {
		if errors.Is(err, syncer.ErrSyncInFlight) {
			writeError(w, http.StatusConflict, "a sync pass is already running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"started": true})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
