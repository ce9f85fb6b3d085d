package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/syndihub/syndihub/hub/internal/api/middleware"
	"github.com/syndihub/syndihub/hub/internal/ids"
	"github.com/syndihub/syndihub/hub/internal/redact"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

// ── Bootstrap (internal admin) ───────────────────────────────

type bootstrapRequest struct {
	TenantName  string `json:"tenant_name"`
	PartnerName string `json:"partner_name"`
}

// Bootstrap creates a tenant with its first partner and returns the
// partner-admin API key. The key is shown exactly once; only its hash
// is stored.
func (h *Handlers) Bootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.TenantName == "" || req.PartnerName == "" {
		respondError(w, http.StatusBadRequest, "tenant_name and partner_name are required")
		return
	}

	now := time.Now().UTC()
	tenant := &models.Tenant{ID: ids.New("tnt"), Name: req.TenantName, CreatedAt: now}
	if err := h.Store.CreateTenant(r.Context(), tenant); err != nil {
		h.respondStoreError(w, err)
		return
	}

	adminKey := ids.New("pak")
	partner := &models.Partner{
		ID:           ids.New("prt"),
		TenantID:     tenant.ID,
		Name:         req.PartnerName,
		AdminKeyHash: middleware.HashKey(adminKey, h.Config.Security.APIKeyPepper),
		CreatedAt:    now,
	}
	if err := h.Store.CreatePartner(r.Context(), partner); err != nil {
		h.respondStoreError(w, err)
		return
	}

	actor := middleware.GetActor(r.Context())
	h.Audit.Record(r.Context(), tenant.ID, partner.ID, actor.KeyID,
		"partner.bootstrap", "partner", partner.ID, map[string]any{"name": partner.Name})

	respondJSON(w, http.StatusCreated, map[string]any{
		"tenant":        tenant,
		"partner":       partner,
		"admin_api_key": adminKey,
	})
}

// RotatePartnerAdminKey issues a fresh partner-admin key, invalidating
// the previous one.
func (h *Handlers) RotatePartnerAdminKey(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "partnerID")
	partner, err := h.Store.GetPartner(r.Context(), partnerID)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	adminKey := ids.New("pak")
	if err := h.Store.UpdatePartnerAdminKeyHash(r.Context(), partner.ID,
		middleware.HashKey(adminKey, h.Config.Security.APIKeyPepper)); err != nil {
		h.respondStoreError(w, err)
		return
	}

	actor := middleware.GetActor(r.Context())
	h.Audit.Record(r.Context(), partner.TenantID, partner.ID, actor.KeyID,
		"partner.admin_key_rotated", "partner", partner.ID, nil)

	respondJSON(w, http.StatusOK, map[string]any{"partner_id": partner.ID, "admin_api_key": adminKey})
}

// ── Agents (partner admin) ───────────────────────────────────

type createAgentRequest struct {
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name"`
	Rules       models.AgentRules `json:"rules"`
}

// CreateAgent registers an agent under the caller's partner and returns
// its API key once.
func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())

	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}

	apiKey := ids.New("agk")
	now := time.Now().UTC()
	agent := &models.Agent{
		ID:          ids.New("agt"),
		TenantID:    actor.TenantID,
		PartnerID:   actor.PartnerID,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Rules:       req.Rules,
		APIKeyHash:  middleware.HashKey(apiKey, h.Config.Security.APIKeyPepper),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.Store.CreateAgent(r.Context(), agent); err != nil {
		h.respondStoreError(w, err)
		return
	}

	h.Audit.Record(r.Context(), actor.TenantID, actor.PartnerID, actor.KeyID,
		"agent.created", "agent", agent.ID, map[string]any{"email": agent.Email})

	respondJSON(w, http.StatusCreated, map[string]any{"agent": agent, "api_key": apiKey})
}

// getPartnerAgent loads an agent and enforces partner scope.
func (h *Handlers) getPartnerAgent(r *http.Request, agentID string) (*models.Agent, error) {
	actor := middleware.GetActor(r.Context())
	agent, err := h.Store.GetAgent(r.Context(), actor.TenantID, agentID)
	if err != nil {
		return nil, err
	}
	if agent.PartnerID != actor.PartnerID {
		return nil, &store.ErrNotFound{Entity: "agent", Key: agentID}
	}
	return agent, nil
}

// GetAgent returns one agent.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.getPartnerAgent(r, chi.URLParam(r, "agentID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

type updateAgentRequest struct {
	DisplayName *string            `json:"display_name,omitempty"`
	Rules       *models.AgentRules `json:"rules,omitempty"`
	IsActive    *bool              `json:"is_active,omitempty"`
}

// UpdateAgent patches agent metadata, fan-out rules or active state.
func (h *Handlers) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.getPartnerAgent(r, chi.URLParam(r, "agentID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	var req updateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.DisplayName != nil {
		agent.DisplayName = *req.DisplayName
	}
	if req.Rules != nil {
		agent.Rules = *req.Rules
	}
	if req.IsActive != nil {
		agent.IsActive = *req.IsActive
	}
	agent.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateAgent(r.Context(), agent); err != nil {
		h.respondStoreError(w, err)
		return
	}

	actor := middleware.GetActor(r.Context())
	h.Audit.Record(r.Context(), actor.TenantID, actor.PartnerID, actor.KeyID,
		"agent.updated", "agent", agent.ID, nil)
	respondJSON(w, http.StatusOK, agent)
}

// RotateAgentKey issues a fresh agent API key, invalidating the old one.
func (h *Handlers) RotateAgentKey(w http.ResponseWriter, r *http.Request) {
	agent, err := h.getPartnerAgent(r, chi.URLParam(r, "agentID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	apiKey := ids.New("agk")
	agent.APIKeyHash = middleware.HashKey(apiKey, h.Config.Security.APIKeyPepper)
	agent.UpdatedAt = time.Now().UTC()
	if err := h.Store.UpdateAgent(r.Context(), agent); err != nil {
		h.respondStoreError(w, err)
		return
	}

	actor := middleware.GetActor(r.Context())
	h.Audit.Record(r.Context(), actor.TenantID, actor.PartnerID, actor.KeyID,
		"agent.key_rotated", "agent", agent.ID, nil)
	respondJSON(w, http.StatusOK, map[string]any{"agent_id": agent.ID, "api_key": apiKey})
}

// ── Agent credentials & identities (partner admin) ───────────

type putCredentialRequest struct {
	Secret map[string]any `json:"secret"`
}

// PutAgentCredential stores destination credentials for an agent. The
// secret is encrypted at rest and never returned.
func (h *Handlers) PutAgentCredential(w http.ResponseWriter, r *http.Request) {
	agent, err := h.getPartnerAgent(r, chi.URLParam(r, "agentID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	destination := chi.URLParam(r, "destination")

	var req putCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Secret) == 0 {
		respondError(w, http.StatusBadRequest, "secret is required")
		return
	}

	ciphertext, err := h.Box.EncryptJSON(req.Secret)
	if err != nil {
		h.Log.Error().Err(err).Msg("Credential encryption failed")
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := time.Now().UTC()
	cred := &models.AgentCredential{
		ID:               ids.New("crd"),
		TenantID:         agent.TenantID,
		PartnerID:        agent.PartnerID,
		AgentID:          agent.ID,
		Destination:      destination,
		SecretCiphertext: ciphertext,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := h.Store.UpsertCredential(r.Context(), cred); err != nil {
		h.respondStoreError(w, err)
		return
	}

	actor := middleware.GetActor(r.Context())
	h.Audit.Record(r.Context(), agent.TenantID, agent.PartnerID, actor.KeyID,
		"credential.upserted", "agent_credential", cred.ID,
		map[string]any{"agent_id": agent.ID, "destination": destination})
	respondJSON(w, http.StatusOK, cred)
}

type putIdentityRequest struct {
	ExternalAgentID string `json:"external_agent_id"`
}

// PutAgentIdentity records the destination-side agent id.
func (h *Handlers) PutAgentIdentity(w http.ResponseWriter, r *http.Request) {
	agent, err := h.getPartnerAgent(r, chi.URLParam(r, "agentID"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	destination := chi.URLParam(r, "destination")

	var req putIdentityRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.ExternalAgentID == "" {
		respondError(w, http.StatusBadRequest, "external_agent_id is required")
		return
	}

	identity := &models.AgentExternalIdentity{
		ID:              ids.New("aei"),
		TenantID:        agent.TenantID,
		PartnerID:       agent.PartnerID,
		AgentID:         agent.ID,
		Destination:     destination,
		ExternalAgentID: req.ExternalAgentID,
		IsActive:        true,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.Store.UpsertAgentExternalIdentity(r.Context(), identity); err != nil {
		h.respondStoreError(w, err)
		return
	}

	actor := middleware.GetActor(r.Context())
	h.Audit.Record(r.Context(), agent.TenantID, agent.PartnerID, actor.KeyID,
		"identity.upserted", "agent_external_identity", identity.ID,
		map[string]any{"agent_id": agent.ID, "destination": destination})
	respondJSON(w, http.StatusOK, identity)
}

// ── Destination settings (partner admin) ─────────────────────

type putSettingRequest struct {
	IsEnabled *bool          `json:"is_enabled,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
}

// PutDestinationSetting enables or configures a destination for the
// caller's partner. An existing feed_token survives config replacement
// unless the new config carries one, so rotating other settings never
// silently rotates the public feed URL.
func (h *Handlers) PutDestinationSetting(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	destination := chi.URLParam(r, "destination")

	var req putSettingRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	setting, err := h.Store.GetDestinationSetting(r.Context(), actor.TenantID, actor.PartnerID, destination)
	if store.IsNotFound(err) {
		setting = &models.PartnerDestinationSetting{
			TenantID:    actor.TenantID,
			PartnerID:   actor.PartnerID,
			Destination: destination,
		}
		err = nil
	}
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	if req.Config != nil {
		prevToken := setting.FeedToken()
		setting.Config = req.Config
		if setting.FeedToken() == "" && prevToken != "" {
			setting.Config["feed_token"] = prevToken
		}
	}
	if setting.Config == nil {
		setting.Config = map[string]any{}
	}
	if req.IsEnabled != nil {
		setting.IsEnabled = *req.IsEnabled
	}
	setting.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpsertDestinationSetting(r.Context(), setting); err != nil {
		h.respondStoreError(w, err)
		return
	}

	h.Audit.Record(r.Context(), actor.TenantID, actor.PartnerID, actor.KeyID,
		"destination_setting.upserted", "partner_destination_setting", destination,
		map[string]any{"is_enabled": setting.IsEnabled, "config": setting.Config})
	respondJSON(w, http.StatusOK, redactedSetting(setting))
}

// GetDestinationSetting returns one setting with secrets redacted.
func (h *Handlers) GetDestinationSetting(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	setting, err := h.Store.GetDestinationSetting(r.Context(), actor.TenantID, actor.PartnerID,
		chi.URLParam(r, "destination"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, redactedSetting(setting))
}

// RotateFeedToken issues a fresh hosted-feed token for one destination.
// The new feed URL is returned; the previous token stops working on the
// next request.
func (h *Handlers) RotateFeedToken(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r.Context())
	destination := chi.URLParam(r, "destination")

	setting, err := h.Store.GetDestinationSetting(r.Context(), actor.TenantID, actor.PartnerID, destination)
	if err != nil {
		h.respondStoreError(w, err)
		return
	}
	if setting.Config == nil {
		setting.Config = map[string]any{}
	}
	token := ids.New("ft")
	setting.Config["feed_token"] = token
	setting.UpdatedAt = time.Now().UTC()
	if err := h.Store.UpsertDestinationSetting(r.Context(), setting); err != nil {
		h.respondStoreError(w, err)
		return
	}

	h.Audit.Record(r.Context(), actor.TenantID, actor.PartnerID, actor.KeyID,
		"feed_token.rotated", "partner_destination_setting", destination, nil)
	respondJSON(w, http.StatusOK, map[string]any{
		"destination": destination,
		"feed_url":    h.feedURL(actor.PartnerID, destination, token),
	})
}

// redactedSetting hides secret-bearing config keys in responses.
func redactedSetting(s *models.PartnerDestinationSetting) map[string]any {
	return map[string]any{
		"tenant_id":   s.TenantID,
		"partner_id":  s.PartnerID,
		"destination": s.Destination,
		"is_enabled":  s.IsEnabled,
		"config":      redact.Map(s.Config, "feed_token"),
		"created_at":  s.CreatedAt,
		"updated_at":  s.UpdatedAt,
	}
}
