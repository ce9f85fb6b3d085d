package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/syndihub/syndihub/hub/internal/api/middleware"
	"github.com/syndihub/syndihub/hub/internal/ingest"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

type ingestRequest struct {
	Payload        map[string]any `json:"payload"`
	AgentID        string         `json:"agent_id,omitempty"`
	AdapterVersion string         `json:"adapter_version,omitempty"`
}

// IngestListing accepts one listing submission from an agent. The
// partner key and source listing id come from the URL; the
// Idempotency-Key header is mandatory.
func (h *Handlers) IngestListing(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	partnerKey := chi.URLParam(r, "partnerKey")
	sourceListingID := chi.URLParam(r, "sourceListingID")

	idemKey := r.Header.Get(middleware.HeaderIdempotencyKey)
	if idemKey == "" {
		respondError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Payload == nil {
		respondError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if req.AgentID != "" && req.AgentID != actor.AgentID {
		respondError(w, http.StatusForbidden, "agent_id does not match the authenticated agent")
		return
	}

	res, err := h.Ingest.Ingest(r.Context(), ingest.Request{
		TenantID:             actor.TenantID,
		PartnerID:            actor.PartnerID,
		AgentID:              actor.AgentID,
		PartnerKey:           partnerKey,
		SourceListingID:      sourceListingID,
		IdempotencyKey:       idemKey,
		AdapterVersion:       req.AdapterVersion,
		Payload:              req.Payload,
		AllowAdapterOverride: actor.Role == middleware.RolePartnerAdmin,
	})
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	status := http.StatusOK
	if res.Status == models.IngestRunStatusFailed {
		status = http.StatusUnprocessableEntity
		if len(res.Errors) > 0 && res.Errors[0].Type == "forbidden" {
			status = http.StatusForbidden
		}
	}
	respondJSON(w, status, res)
}

// GetIngestRun returns one ingest run, scoped to the caller's partner.
func (h *Handlers) GetIngestRun(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	run, err := h.Store.GetIngestRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if run.TenantID != actor.TenantID || run.PartnerID != actor.PartnerID {
		respondError(w, http.StatusNotFound, "ingest run not found")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// ListIngestRuns returns recent ingest runs for the caller's partner.
func (h *Handlers) ListIngestRuns(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	runs, err := h.Store.ListIngestRuns(r.Context(), actor.TenantID, actor.PartnerID, queryLimit(r, 50))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}
