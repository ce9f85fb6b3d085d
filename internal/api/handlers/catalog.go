package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/syndihub/syndihub/hub/internal/api/middleware"
	"github.com/syndihub/syndihub/hub/internal/catalog"
)

// ── Catalog imports (internal admin) ─────────────────────────

type importRequest struct {
	Destination string              `json:"destination"`
	Kind        string              `json:"kind"`
	Namespace   string              `json:"namespace,omitempty"`
	CountryCode string              `json:"country_code,omitempty"`
	Source      string              `json:"source,omitempty"`
	Rows        []catalog.ImportRow `json:"rows"`
	Apply       bool                `json:"apply"`
}

// ImportCatalog previews or applies a bulk mapping import.
func (h *Handlers) ImportCatalog(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	var req importRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Destination == "" || (req.Kind != "enum" && req.Kind != "geo") {
		respondError(w, http.StatusBadRequest, "destination and kind (enum|geo) are required")
		return
	}
	if req.Kind == "enum" && req.Namespace == "" {
		respondError(w, http.StatusBadRequest, "namespace is required for enum imports")
		return
	}
	if req.Kind == "geo" && req.CountryCode == "" {
		respondError(w, http.StatusBadRequest, "country_code is required for geo imports")
		return
	}

	run, err := h.Catalog.Import(r.Context(), catalog.ImportRequest{
		Destination: req.Destination,
		Kind:        req.Kind,
		Namespace:   req.Namespace,
		CountryCode: req.CountryCode,
		Source:      req.Source,
		Rows:        req.Rows,
		Apply:       req.Apply,
		Actor:       actor.KeyID,
	})
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	h.Audit.Record(r.Context(), "", "", actor.KeyID, "catalog.import", "catalog_import_run", run.ID,
		map[string]any{"destination": req.Destination, "kind": req.Kind, "apply": req.Apply, "rows": len(req.Rows)})
	respondJSON(w, http.StatusCreated, run)
}

// GetImportRun returns one import run.
func (h *Handlers) GetImportRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Store.GetImportRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// ListImportItems returns an import run's row-level diff, optionally
// filtered by ?action=insert,update,noop,invalid.
func (h *Handlers) ListImportItems(w http.ResponseWriter, r *http.Request) {
	var actions []string
	if v := r.URL.Query()["action"]; len(v) > 0 {
		actions = v
	}
	items, err := h.Store.ListImportItems(r.Context(), chi.URLParam(r, "runID"), actions...)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// ── Catalog sets (internal admin) ────────────────────────────

type createSetRequest struct {
	Destination string            `json:"destination"`
	CountryCode string            `json:"country_code"`
	Name        string            `json:"name"`
	ChangeNote  string            `json:"change_note,omitempty"`
	Items       []catalog.SetItem `json:"items"`
}

// CreateCatalogSet creates a draft versioned mapping set.
func (h *Handlers) CreateCatalogSet(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	var req createSetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Destination == "" || req.CountryCode == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "destination, country_code and name are required")
		return
	}

	cs, err := h.Catalog.CreateSet(r.Context(), req.Destination, req.CountryCode, req.Name,
		req.ChangeNote, actor.KeyID, req.Items)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cs)
}

// ListCatalogSets lists sets for a destination.
func (h *Handlers) ListCatalogSets(w http.ResponseWriter, r *http.Request) {
	sets, err := h.Store.ListCatalogSets(r.Context(), r.URL.Query().Get("destination"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sets": sets, "count": len(sets)})
}

// GetCatalogSet returns one set with its items.
func (h *Handlers) GetCatalogSet(w http.ResponseWriter, r *http.Request) {
	setID := chi.URLParam(r, "setID")
	cs, err := h.Store.GetCatalogSet(r.Context(), setID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	items, err := h.Store.ListCatalogSetItems(r.Context(), setID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"set": cs, "items": items})
}

// SubmitCatalogSet moves a draft set to pending review.
func (h *Handlers) SubmitCatalogSet(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Catalog.Submit(r.Context(), chi.URLParam(r, "setID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cs)
}

type rejectSetRequest struct {
	Note string `json:"note,omitempty"`
}

// RejectCatalogSet rejects a pending set.
func (h *Handlers) RejectCatalogSet(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	var req rejectSetRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	cs, err := h.Catalog.Reject(r.Context(), chi.URLParam(r, "setID"), actor.KeyID, req.Note)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cs)
}

// ActivateCatalogSet applies a pending (or previously archived) set and
// makes it the active one for its destination and country.
func (h *Handlers) ActivateCatalogSet(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	cs, err := h.Catalog.Activate(r.Context(), chi.URLParam(r, "setID"), actor.KeyID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.Audit.Record(r.Context(), "", "", actor.KeyID, "catalog_set.activated", "catalog_set", cs.ID,
		map[string]any{"destination": cs.Destination, "country_code": cs.CountryCode})
	respondJSON(w, http.StatusOK, cs)
}

// ── Geo catalog (internal admin) ─────────────────────────────

type ensureGeoRequest struct {
	CountryCode string `json:"country_code"`
	CountryName string `json:"country_name"`
	CitySlug    string `json:"city_slug"`
	CityName    string `json:"city_name"`
	AreaSlug    string `json:"area_slug"`
	AreaName    string `json:"area_name"`
}

// EnsureGeoArea creates the country/city/area chain if missing.
func (h *Handlers) EnsureGeoArea(w http.ResponseWriter, r *http.Request) {
	var req ensureGeoRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.CountryCode == "" || req.CitySlug == "" || req.AreaSlug == "" {
		respondError(w, http.StatusBadRequest, "country_code, city_slug and area_slug are required")
		return
	}

	area, err := h.Catalog.EnsureGeoArea(r.Context(), req.CountryCode, req.CountryName,
		req.CitySlug, req.CityName, req.AreaSlug, req.AreaName)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, area)
}
