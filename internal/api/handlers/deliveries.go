package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/syndihub/syndihub/hub/internal/api/middleware"
)

// ListDeliveries returns recent deliveries for the caller's tenant.
func (h *Handlers) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	deliveries, err := h.Store.ListDeliveries(r.Context(), actor.TenantID, queryLimit(r, 50))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	// Partner admins only see their own partner's deliveries.
	filtered := deliveries[:0]
	for _, d := range deliveries {
		if d.PartnerID == actor.PartnerID {
			filtered = append(filtered, d)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"deliveries": filtered, "count": len(filtered)})
}

// GetDelivery returns one delivery with its attempt history.
func (h *Handlers) GetDelivery(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	d, err := h.Store.GetDelivery(r.Context(), chi.URLParam(r, "deliveryID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if d.TenantID != actor.TenantID || d.PartnerID != actor.PartnerID {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}
	attempts, err := h.Store.ListDeliveryAttempts(r.Context(), d.ID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"delivery": d, "attempts": attempts})
}

// ListAudit returns recent audit entries for the caller's tenant.
func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	entries, err := h.Store.ListAudit(r.Context(), actor.TenantID, queryLimit(r, 100))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}
