package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/syndihub/syndihub/hub/internal/api/middleware"
	"github.com/syndihub/syndihub/hub/internal/projection"
)

// DestinationReadiness preflights a destination's catalog: it collects
// every enum and geo key the partner's listings would need projected and
// reports the unmapped ones, so gaps surface before deliveries fail.
func (h *Handlers) DestinationReadiness(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	destination := chi.URLParam(r, "destination")

	checker, ok := h.Projections.For(destination).(projection.MappingChecker)
	if !ok {
		// Passthrough destinations perform no catalog lookups.
		respondJSON(w, http.StatusOK, map[string]any{"destination": destination, "ok": true})
		return
	}

	listings, err := h.Store.ListCanonicalListings(r.Context(), actor.TenantID, actor.PartnerID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	keys := projection.NewMappingKeys()
	for _, l := range listings {
		keys.Merge(checker.RequiredMappingKeys(l.Payload))
	}
	report := checker.CheckMappings(r.Context(), h.Store, keys)

	respondJSON(w, http.StatusOK, map[string]any{
		"destination": destination,
		"ok":          report.OK,
		"missing":     report.Missing,
		"warnings":    report.Warnings,
	})
}
