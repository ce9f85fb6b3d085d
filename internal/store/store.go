// Package store provides the storage interface and implementations for
// the SyndiHub listing hub. The in-memory store backs tests and local
// development; the PostgreSQL store backs production and is the only
// implementation offering true cross-process claim semantics.
package store

import (
	"context"
	"time"

	"github.com/syndihub/syndihub/hub/pkg/models"
)

// Store is the primary storage interface. Handlers and engines depend
// on this interface, making it easy to swap between in-memory (tests)
// and PostgreSQL (production) implementations.
type Store interface {
	IdentityStore
	ListingStore
	IngestRunStore
	OutboxStore
	DeliveryStore
	CredentialStore
	SettingStore
	FeedSnapshotStore
	CatalogStore
	IdempotencyStore
	AuditStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Identity Store ───────────────────────────────────────────

type IdentityStore interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)

	CreatePartner(ctx context.Context, p *models.Partner) error
	GetPartner(ctx context.Context, id string) (*models.Partner, error)
	// GetPartnerByAdminKeyHash resolves a partner-admin API key hash.
	GetPartnerByAdminKeyHash(ctx context.Context, hash string) (*models.Partner, error)
	UpdatePartnerAdminKeyHash(ctx context.Context, partnerID, hash string) error

	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, tenantID, agentID string) (*models.Agent, error)
	GetAgentByKeyHash(ctx context.Context, hash string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, a *models.Agent) error
}

// ── Listing Store ────────────────────────────────────────────

type ListingStore interface {
	GetListing(ctx context.Context, tenantID, listingID string) (*models.Listing, error)
	// PutListing inserts or fully replaces a listing row.
	PutListing(ctx context.Context, l *models.Listing) error
	// ListCanonicalListings returns a partner's canonical listings
	// ordered by id asc (stable order for feed fingerprints).
	ListCanonicalListings(ctx context.Context, tenantID, partnerID string) ([]models.Listing, error)

	GetSourceMapping(ctx context.Context, tenantID, partnerID, partnerKey, sourceListingID string) (*models.SourceListingMapping, error)
	CreateSourceMapping(ctx context.Context, m *models.SourceListingMapping) error
}

// ── Ingest Run Store ─────────────────────────────────────────

type IngestRunStore interface {
	// CreateIngestRun persists a new run. Returns *ErrConflict when the
	// idempotency unique key (tenant, partner, partner_key,
	// source_listing_id, idempotency_key) already exists.
	CreateIngestRun(ctx context.Context, r *models.IngestRun) error
	GetIngestRun(ctx context.Context, id string) (*models.IngestRun, error)
	GetIngestRunByIdemKey(ctx context.Context, tenantID, partnerID, partnerKey, sourceListingID, idemKey string) (*models.IngestRun, error)
	UpdateIngestRun(ctx context.Context, r *models.IngestRun) error
	ListIngestRuns(ctx context.Context, tenantID, partnerID string, limit int) ([]models.IngestRun, error)
}

// ── Outbox Store ─────────────────────────────────────────────

type OutboxStore interface {
	AppendOutboxEvent(ctx context.Context, e *models.OutboxEvent) error
	GetOutboxEvent(ctx context.Context, id string) (*models.OutboxEvent, error)
	ListOutboxEvents(ctx context.Context, aggregateID string) ([]models.OutboxEvent, error)

	// RequeueExpiredOutboxLeases moves processing events whose lease
	// expired before now back to pending, clearing lease fields.
	RequeueExpiredOutboxLeases(ctx context.Context, now time.Time) (int, error)

	// ClaimPendingOutbox claims up to batch pending events (oldest
	// first, skip-locked) under the given lease, marking them
	// processing and incrementing attempts.
	ClaimPendingOutbox(ctx context.Context, batch int, leaseID string, leaseExpiresAt time.Time) ([]models.OutboxEvent, error)

	// ReleaseOutboxEvent reverts a claimed event to pending, but only
	// while leaseID still matches.
	ReleaseOutboxEvent(ctx context.Context, eventID, leaseID, lastError string) error

	// MarkOutboxDone conditionally completes an event
	// (UPDATE … WHERE id=? AND lease_id=?). Returns false when the
	// lease no longer matches.
	MarkOutboxDone(ctx context.Context, eventID, leaseID string, processedAt time.Time) (bool, error)
}

// ── Delivery Store ───────────────────────────────────────────

type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *models.Delivery) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	GetDeliveryByKey(ctx context.Context, tenantID, destination, listingID string) (*models.Delivery, error)
	UpdateDelivery(ctx context.Context, d *models.Delivery) error
	ListDeliveries(ctx context.Context, tenantID string, limit int) ([]models.Delivery, error)

	// ClaimDueDeliveries claims eligible deliveries (not dead-lettered,
	// pending or failed, retry due), oldest first, marking them
	// publishing and stamping last_attempt_at.
	ClaimDueDeliveries(ctx context.Context, now time.Time, batch int) ([]models.Delivery, error)

	AppendDeliveryAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	ListDeliveryAttempts(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error)
}

// ── Credential & external identity Store ─────────────────────

type CredentialStore interface {
	UpsertCredential(ctx context.Context, c *models.AgentCredential) error
	// GetActiveCredential returns the active credential for the scope
	// or *ErrNotFound.
	GetActiveCredential(ctx context.Context, tenantID, partnerID, agentID, destination string) (*models.AgentCredential, error)

	UpsertAgentExternalIdentity(ctx context.Context, id *models.AgentExternalIdentity) error
	GetActiveAgentIdentity(ctx context.Context, tenantID, partnerID, agentID, destination string) (*models.AgentExternalIdentity, error)

	GetListingExternalMapping(ctx context.Context, tenantID, destination, listingID string) (*models.ListingExternalMapping, error)
	PutListingExternalMapping(ctx context.Context, m *models.ListingExternalMapping) error
}

// ── Partner destination setting Store ────────────────────────

type SettingStore interface {
	UpsertDestinationSetting(ctx context.Context, s *models.PartnerDestinationSetting) error
	GetDestinationSetting(ctx context.Context, tenantID, partnerID, destination string) (*models.PartnerDestinationSetting, error)
	// GetDestinationSettingByPartner is the public-feed lookup: no
	// tenant in the URL, partner ids are globally unique.
	GetDestinationSettingByPartner(ctx context.Context, partnerID, destination string) (*models.PartnerDestinationSetting, error)
	// ListEnabledDestinations returns destination names enabled for a
	// partner.
	ListEnabledDestinations(ctx context.Context, tenantID, partnerID string) ([]string, error)
	// ListEnabledSettings returns every enabled setting across tenants
	// (feed dispatcher scan).
	ListEnabledSettings(ctx context.Context) ([]models.PartnerDestinationSetting, error)
}

// ── Feed snapshot Store ──────────────────────────────────────

type FeedSnapshotStore interface {
	CreateFeedSnapshot(ctx context.Context, s *models.FeedSnapshot) error
	LatestFeedSnapshot(ctx context.Context, tenantID, partnerID, destination string) (*models.FeedSnapshot, error)
	LatestFeedSnapshotByPartner(ctx context.Context, partnerID, destination string) (*models.FeedSnapshot, error)
}

// ── Catalog Store ────────────────────────────────────────────

type CatalogStore interface {
	UpsertEnumMapping(ctx context.Context, m *models.DestinationEnumMapping) error
	GetEnumValue(ctx context.Context, destination, namespace, sourceKey string) (string, error)
	ListEnumMappings(ctx context.Context, destination, namespace string) ([]models.DestinationEnumMapping, error)

	CreateGeoCountry(ctx context.Context, c *models.GeoCountry) error
	GetGeoCountryByCode(ctx context.Context, code string) (*models.GeoCountry, error)
	CreateGeoCity(ctx context.Context, c *models.GeoCity) error
	GetGeoCity(ctx context.Context, countryID, slug string) (*models.GeoCity, error)
	CreateGeoArea(ctx context.Context, a *models.GeoArea) error
	GetGeoArea(ctx context.Context, cityID, slug string) (*models.GeoArea, error)

	UpsertGeoMapping(ctx context.Context, m *models.DestinationGeoMapping) error
	GetGeoAreaValue(ctx context.Context, destination, geoAreaID string) (string, error)

	CreateImportRun(ctx context.Context, r *models.CatalogImportRun) error
	GetImportRun(ctx context.Context, id string) (*models.CatalogImportRun, error)
	UpdateImportRun(ctx context.Context, r *models.CatalogImportRun) error
	AppendImportItem(ctx context.Context, it *models.CatalogImportItem) error
	ListImportItems(ctx context.Context, runID string, actions ...string) ([]models.CatalogImportItem, error)

	CreateCatalogSet(ctx context.Context, cs *models.CatalogSet) error
	GetCatalogSet(ctx context.Context, id string) (*models.CatalogSet, error)
	UpdateCatalogSet(ctx context.Context, cs *models.CatalogSet) error
	ListCatalogSets(ctx context.Context, destination string) ([]models.CatalogSet, error)
	AppendCatalogSetItem(ctx context.Context, it *models.CatalogSetItem) error
	ListCatalogSetItems(ctx context.Context, catalogSetID string) ([]models.CatalogSetItem, error)

	GetActiveCatalogSet(ctx context.Context, destination, countryCode string) (*models.CatalogSetActive, error)
	SetActiveCatalogSet(ctx context.Context, a *models.CatalogSetActive) error

	// WithCatalogActivationLock serializes catalog-set activation per
	// (destination, country_code). PostgreSQL takes an advisory lock;
	// memory uses a per-pair mutex.
	WithCatalogActivationLock(ctx context.Context, destination, countryCode string, fn func(ctx context.Context) error) error
}

// ── Idempotency Store ────────────────────────────────────────

type IdempotencyStore interface {
	// ReserveIdempotency inserts the row if absent and returns
	// (nil, nil); when a row already exists for (tenant, key) it is
	// returned untouched for the caller to inspect.
	ReserveIdempotency(ctx context.Context, k *models.IdempotencyKey) (*models.IdempotencyKey, error)
	StoreIdempotencyResponse(ctx context.Context, tenantID, key string, response map[string]any) error
	// ReleaseIdempotency drops a reservation whose request will not be
	// memoized, so the client can retry with the same key.
	ReleaseIdempotency(ctx context.Context, tenantID, key string) error
}

// ── Audit Store ──────────────────────────────────────────────

type AuditStore interface {
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
	ListAudit(ctx context.Context, tenantID string, limit int) ([]models.AuditEntry, error)
}

// ── Errors ───────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned on unique-constraint violations (idempotency
// replays, duplicate mappings).
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " conflict: " + e.Key
}

// IsNotFound reports whether err is a store not-found error.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// IsConflict reports whether err is a store conflict error.
func IsConflict(err error) bool {
	_, ok := err.(*ErrConflict)
	return ok
}
