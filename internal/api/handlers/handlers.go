// Package handlers implements the HTTP endpoints for the SyndiHub API:
// listing ingest, partner administration, catalog operations and the
// public hosted-feed endpoint.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/audit"
	"github.com/syndihub/syndihub/hub/internal/catalog"
	"github.com/syndihub/syndihub/hub/internal/config"
	"github.com/syndihub/syndihub/hub/internal/feed"
	"github.com/syndihub/syndihub/hub/internal/ingest"
	"github.com/syndihub/syndihub/hub/internal/objstore"
	"github.com/syndihub/syndihub/hub/internal/projection"
	"github.com/syndihub/syndihub/hub/internal/ratelimit"
	"github.com/syndihub/syndihub/hub/internal/secrets"
	"github.com/syndihub/syndihub/hub/internal/store"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Store       store.Store
	Ingest      *ingest.Service
	Catalog     *catalog.Service
	Feeds       *feed.Engine
	Plugins     *feed.Registry
	Projections *projection.Registry
	Objects     objstore.Store
	Limiter     ratelimit.Limiter
	Audit       *audit.Recorder
	Box         *secrets.Box
	Config      *config.Config
	Log         zerolog.Logger
}

// New creates handlers with the given dependencies.
func New(h Handlers) *Handlers {
	h.Log = h.Log.With().Str("component", "api").Logger()
	return &h
}

// Health reports liveness plus store reachability.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{"status": status})
}

// Version reports the running build version.
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Config.Version,
		"service": "syndihub",
	})
}

// ── Response helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondStoreError maps store errors onto HTTP statuses.
func (h *Handlers) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case store.IsConflict(err), errors.Is(err, catalog.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	default:
		h.Log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return fallback
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
