package handlers

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/syndihub/syndihub/hub/internal/api/middleware"
)

// feedURL builds the public URL for a hosted feed. Empty when the
// destination has no feed plugin.
func (h *Handlers) feedURL(partnerID, destination, token string) string {
	plugin, ok := h.Plugins.Get(destination)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s/v1/feeds/%s/%s.%s?token=%s",
		strings.TrimRight(h.Config.Feeds.PublicBaseURL, "/"),
		partnerID, destination, plugin.Format(), url.QueryEscape(token))
}

// FeedStatus reports the latest snapshot and public URL for one
// destination of the caller's partner.
func (h *Handlers) FeedStatus(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	destination := chi.URLParam(r, "destination")

	setting, err := h.Store.GetDestinationSetting(r.Context(), actor.TenantID, actor.PartnerID, destination)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	out := map[string]any{
		"destination": destination,
		"is_enabled":  setting.IsEnabled,
	}
	if token := setting.FeedToken(); token != "" {
		if u := h.feedURL(actor.PartnerID, destination, token); u != "" {
			out["feed_url"] = u
		}
	}
	snap, err := h.Store.LatestFeedSnapshot(r.Context(), actor.TenantID, actor.PartnerID, destination)
	if err == nil {
		out["latest_snapshot"] = snap
	}
	respondJSON(w, http.StatusOK, out)
}

// RebuildFeed triggers an immediate feed build for one destination
// instead of waiting for the next sweep. Unchanged content is a no-op.
func (h *Handlers) RebuildFeed(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	destination := chi.URLParam(r, "destination")

	setting, err := h.Store.GetDestinationSetting(r.Context(), actor.TenantID, actor.PartnerID, destination)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if !setting.IsEnabled {
		respondError(w, http.StatusConflict, "destination is not enabled")
		return
	}

	snap, built, err := h.Feeds.BuildIfChanged(r.Context(), *setting)
	if err != nil {
		h.Log.Error().Err(err).Str("destination", destination).Msg("Feed rebuild failed")
		respondError(w, http.StatusInternalServerError, "feed build failed")
		return
	}
	out := map[string]any{"destination": destination, "built": built}
	if snap != nil {
		out["snapshot"] = snap
	}
	respondJSON(w, http.StatusOK, out)
}

// PublicFeed serves the latest hosted-feed snapshot. Authentication is
// the per-destination feed token; rate limiting is per token, and ETag
// revalidation lets well-behaved pollers skip unchanged bodies.
func (h *Handlers) PublicFeed(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "partnerID")
	destination := chi.URLParam(r, "destination")
	ext := chi.URLParam(r, "ext")
	token := r.URL.Query().Get("token")

	// The extension is part of the contract: casafeed.xml exists,
	// casafeed.csv does not.
	plugin, ok := h.Plugins.Get(destination)
	if !ok || plugin.Format() != ext {
		respondError(w, http.StatusNotFound, "feed not found")
		return
	}

	setting, err := h.Store.GetDestinationSettingByPartner(r.Context(), partnerID, destination)
	if err != nil || !setting.IsEnabled {
		respondError(w, http.StatusNotFound, "feed not found")
		return
	}
	want := setting.FeedToken()
	if want == "" || subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		respondError(w, http.StatusForbidden, "invalid feed token")
		return
	}

	// The limiter key is the token's hash, so the raw token never
	// reaches Redis.
	tokenSum := sha256.Sum256([]byte(want))
	limit := h.Config.Feeds.RateLimitPerMinute
	if limit > 0 && h.Limiter != nil {
		res, err := h.Limiter.Allow(r.Context(), "feed:"+hex.EncodeToString(tokenSum[:]), limit, time.Minute)
		if err != nil {
			// Limiter outage must not take the feed down.
			h.Log.Warn().Err(err).Msg("Rate limiter unavailable")
		} else {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(res.ResetSeconds))
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(res.ResetSeconds))
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
	}

	snap, err := h.Store.LatestFeedSnapshotByPartner(r.Context(), partnerID, destination)
	if err != nil || snap.Format != ext {
		respondError(w, http.StatusNotFound, "feed not built yet")
		return
	}

	etag := `"` + snap.ContentHash + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", snap.CreatedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Header().Set("Vary", "Accept-Encoding")
	if etagMatch(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	contentType := "application/octet-stream"
	switch snap.Format {
	case "xml":
		contentType = "application/xml; charset=utf-8"
	case "csv":
		contentType = "text/csv; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)

	// Serve the pre-compressed artifact when the client accepts gzip.
	if snap.GzipStorageURI != "" && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		data, err := h.Objects.Get(snap.GzipStorageURI)
		if err == nil {
			w.Header().Set("Content-Encoding", "gzip")
			writeFeedBody(w, r, data)
			return
		}
		h.Log.Error().Err(err).Str("uri", snap.GzipStorageURI).Msg("Gzip artifact read failed")
	}

	data, err := h.Objects.Get(snap.StorageURI)
	if err != nil {
		h.Log.Error().Err(err).Str("uri", snap.StorageURI).Msg("Feed artifact read failed")
		respondError(w, http.StatusInternalServerError, "feed artifact unavailable")
		return
	}
	writeFeedBody(w, r, data)
}

// etagMatch implements If-None-Match: `*`, weak validators and
// comma-separated lists all revalidate against the strong ETag.
func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	if strings.TrimSpace(header) == "*" {
		return true
	}
	for _, v := range strings.Split(header, ",") {
		v = strings.TrimSpace(v)
		v = strings.TrimPrefix(v, "W/")
		if v == etag {
			return true
		}
	}
	return false
}

func writeFeedBody(w http.ResponseWriter, r *http.Request, data []byte) {
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(data)
}
