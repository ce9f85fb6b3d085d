// Package ingest implements the inbound pipeline: adapter transform,
// canonical validation, identity resolution, material-change detection
// and outbox emission, all recorded on an ingest run.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/adapters"
	"github.com/syndihub/syndihub/hub/internal/canonical"
	"github.com/syndihub/syndihub/hub/internal/ids"
	"github.com/syndihub/syndihub/hub/internal/redact"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

// EventListingUpserted is emitted on every material listing change.
const EventListingUpserted = "listing.upserted"

// Request is one inbound listing submission, already authenticated and
// scoped to an agent.
type Request struct {
	TenantID        string
	PartnerID       string
	AgentID         string
	PartnerKey      string
	SourceListingID string
	IdempotencyKey  string
	AdapterVersion  string
	Payload         map[string]any

	// AllowAdapterOverride permits pinning a non-default adapter
	// version. Only partner-admin callers get it.
	AllowAdapterOverride bool
}

// Result is the ingest outcome. Replayed marks results served from a
// previous run with the same idempotency key.
type Result struct {
	RunID           string               `json:"ingest_run_id"`
	ListingID       string               `json:"listing_id,omitempty"`
	SourceListingID string               `json:"source_listing_id,omitempty"`
	Schema          string               `json:"schema,omitempty"`
	SchemaVersion   string               `json:"schema_version,omitempty"`
	ContentHash     string               `json:"content_hash,omitempty"`
	MaterialChange  bool                 `json:"material_change"`
	Status          string               `json:"status"`
	Replayed        bool                 `json:"replayed,omitempty"`
	Errors          []models.IngestError `json:"errors,omitempty"`
}

// Service runs the ingest pipeline.
type Service struct {
	store    store.Store
	adapters *adapters.Registry
	log      zerolog.Logger
}

func NewService(st store.Store, reg *adapters.Registry, logger zerolog.Logger) *Service {
	return &Service{store: st, adapters: reg, log: logger.With().Str("component", "ingest").Logger()}
}

// Ingest processes one submission. The run row is created first so every
// attempt, including validation failures, leaves an audit trail; a
// duplicate idempotency key replays the original run's outcome.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	now := time.Now().UTC()
	run := &models.IngestRun{
		ID:              ids.New("ing"),
		TenantID:        req.TenantID,
		PartnerID:       req.PartnerID,
		AgentID:         req.AgentID,
		PartnerKey:      req.PartnerKey,
		SourceListingID: req.SourceListingID,
		IdempotencyKey:  req.IdempotencyKey,
		AdapterVersion:  req.AdapterVersion,
		RawPayload:      redact.Map(req.Payload),
		Status:          models.IngestRunStatusFailed,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreateIngestRun(ctx, run); err != nil {
		if store.IsConflict(err) {
			return s.replay(ctx, req)
		}
		return nil, err
	}

	res := s.process(ctx, req, run)

	run.ListingID = res.ListingID
	run.ContentHash = res.ContentHash
	run.MaterialChange = res.MaterialChange
	run.Status = res.Status
	run.Errors = res.Errors
	run.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateIngestRun(ctx, run); err != nil {
		return nil, err
	}
	res.RunID = run.ID
	res.SourceListingID = req.SourceListingID
	if res.Status == models.IngestRunStatusSuccess {
		res.Schema = canonical.SchemaListing
		res.SchemaVersion = canonical.SchemaVersion1
	}
	return res, nil
}

// replay serves the stored outcome of the run that owns this
// idempotency key.
func (s *Service) replay(ctx context.Context, req Request) (*Result, error) {
	prev, err := s.store.GetIngestRunByIdemKey(ctx, req.TenantID, req.PartnerID,
		req.PartnerKey, req.SourceListingID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("run_id", prev.ID).Str("idempotency_key", req.IdempotencyKey).
		Msg("Replaying ingest run")
	res := &Result{
		RunID:           prev.ID,
		ListingID:       prev.ListingID,
		SourceListingID: prev.SourceListingID,
		ContentHash:     prev.ContentHash,
		MaterialChange:  prev.MaterialChange,
		Status:          prev.Status,
		Replayed:        true,
		Errors:          prev.Errors,
	}
	if res.Status == models.IngestRunStatusSuccess {
		res.Schema = canonical.SchemaListing
		res.SchemaVersion = canonical.SchemaVersion1
	}
	return res, nil
}

func (s *Service) process(ctx context.Context, req Request, run *models.IngestRun) *Result {
	// Pinning a non-default adapter version is a partner-admin power;
	// an agent attempting it leaves a failed run behind.
	if req.AdapterVersion != "" && !req.AllowAdapterOverride {
		if def, ok := s.adapters.DefaultVersion(req.PartnerKey); !ok || req.AdapterVersion != def {
			return &Result{Status: models.IngestRunStatusFailed, Errors: []models.IngestError{{
				Type:    "forbidden",
				Message: fmt.Sprintf("adapter version %q override requires partner admin authority", req.AdapterVersion),
			}}}
		}
	}

	adapter, err := s.adapters.Resolve(req.PartnerKey, req.AdapterVersion)
	if err != nil {
		return &Result{Status: models.IngestRunStatusFailed, Errors: []models.IngestError{{
			Type: "adapter_not_found", Message: err.Error(),
		}}}
	}

	canonicalPayload, terrs := adapter.Transform(req.Payload)
	if len(terrs) > 0 {
		return &Result{Status: models.IngestRunStatusFailed, Errors: terrs}
	}

	listingID, err := s.resolveListingID(ctx, req)
	if err != nil {
		return &Result{Status: models.IngestRunStatusFailed, Errors: []models.IngestError{{
			Type: "identity_error", Message: err.Error(),
		}}}
	}

	// The hub identity is stamped before validation so every canonical
	// document carries it, whatever the adapter produced.
	doc := make(map[string]any, len(canonicalPayload)+4)
	for k, v := range canonicalPayload {
		doc[k] = v
	}
	doc["canonical_id"] = listingID
	doc["source_listing_id"] = req.SourceListingID
	doc["schema"] = canonical.SchemaListing
	doc["schema_version"] = canonical.SchemaVersion1

	vr := canonical.ValidateAndNormalize(canonical.SchemaListing, canonical.SchemaVersion1, doc)
	if !vr.OK {
		errs := make([]models.IngestError, 0, len(vr.Errors))
		for _, e := range vr.Errors {
			errs = append(errs, models.IngestError{Type: e.Type, Field: e.Field, Message: e.Message})
		}
		return &Result{Status: models.IngestRunStatusFailed, Errors: errs}
	}
	run.CanonicalPayload = vr.Normalized

	material := true
	if existing, err := s.store.GetListing(ctx, req.TenantID, listingID); err == nil {
		material = existing.ContentHash != vr.ContentHash
	}

	if !material {
		return &Result{
			ListingID:   listingID,
			ContentHash: vr.ContentHash,
			Status:      models.IngestRunStatusSuccess,
		}
	}

	now := time.Now().UTC()
	listing := &models.Listing{
		ID:            listingID,
		TenantID:      req.TenantID,
		PartnerID:     req.PartnerID,
		AgentID:       req.AgentID,
		Schema:        canonical.SchemaListing,
		SchemaVersion: canonical.SchemaVersion1,
		Payload:       vr.Normalized,
		ContentHash:   vr.ContentHash,
		Status:        vr.Listing.Status,
		IsActive:      vr.Listing.Status == models.ListingStatusActive,
		CreatedBy:     req.AgentID,
		UpdatedBy:     req.AgentID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.PutListing(ctx, listing); err != nil {
		return &Result{Status: models.IngestRunStatusFailed, Errors: []models.IngestError{{
			Type: "storage_error", Message: err.Error(),
		}}}
	}

	event := &models.OutboxEvent{
		ID:            ids.New("evt"),
		TenantID:      req.TenantID,
		PartnerID:     req.PartnerID,
		AggregateType: "listing",
		AggregateID:   listingID,
		EventType:     EventListingUpserted,
		Payload: map[string]any{
			"listing_id":   listingID,
			"content_hash": vr.ContentHash,
			"partner_id":   req.PartnerID,
			"agent_id":     req.AgentID,
		},
		Status:    models.OutboxStatusPending,
		CreatedAt: now,
	}
	if err := s.store.AppendOutboxEvent(ctx, event); err != nil {
		return &Result{Status: models.IngestRunStatusFailed, Errors: []models.IngestError{{
			Type: "storage_error", Message: err.Error(),
		}}}
	}

	s.log.Info().Str("listing_id", listingID).Str("content_hash", vr.ContentHash).
		Str("event_id", event.ID).Msg("Listing upserted")
	return &Result{
		ListingID:      listingID,
		ContentHash:    vr.ContentHash,
		MaterialChange: true,
		Status:         models.IngestRunStatusSuccess,
	}
}

// resolveListingID maps (partner_key, source_listing_id) to a stable hub
// listing id, minting one on first sight. A concurrent first-sight race
// falls back to re-reading the winner's mapping.
func (s *Service) resolveListingID(ctx context.Context, req Request) (string, error) {
	sm, err := s.store.GetSourceMapping(ctx, req.TenantID, req.PartnerID, req.PartnerKey, req.SourceListingID)
	if err == nil {
		return sm.ListingID, nil
	}
	if !store.IsNotFound(err) {
		return "", err
	}

	listingID := ids.New("lst")
	createErr := s.store.CreateSourceMapping(ctx, &models.SourceListingMapping{
		TenantID:        req.TenantID,
		PartnerID:       req.PartnerID,
		AgentID:         req.AgentID,
		PartnerKey:      req.PartnerKey,
		SourceListingID: req.SourceListingID,
		ListingID:       listingID,
		CreatedAt:       time.Now().UTC(),
	})
	if createErr == nil {
		return listingID, nil
	}
	if store.IsConflict(createErr) {
		sm, err := s.store.GetSourceMapping(ctx, req.TenantID, req.PartnerID, req.PartnerKey, req.SourceListingID)
		if err != nil {
			return "", err
		}
		return sm.ListingID, nil
	}
	return "", createErr
}
