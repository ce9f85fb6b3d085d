// Package models defines the core data model for the SyndiHub listing
// syndication hub: the tenant/partner/agent scoping hierarchy, canonical
// listings, the transactional outbox, per-destination deliveries, hosted
// feed snapshots and the catalog mapping substrate.
package models

import "time"

// ══════════════════════════════════════════════════════════════
// ── Scoping hierarchy ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Tenant is the top-level isolation boundary. Every row in the system
// carries a tenant id; cross-tenant access is never permitted.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Partner is a listing source (an integrator pushing listings into the
// hub). AdminKeyHash is the peppered hash of the partner-admin API key.
type Partner struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	AdminKeyHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// AgentRules controls fan-out behavior for an agent's listings.
type AgentRules struct {
	// AllowedDestinations limits which destinations deliveries are
	// created for. Empty means "all partner-enabled destinations".
	AllowedDestinations []string `json:"allowed_destinations,omitempty"`
}

// Agent is the listing owner inside a partner. Agents authenticate with
// rotatable API keys; only the peppered hash is stored.
type Agent struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	PartnerID   string     `json:"partner_id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Rules       AgentRules `json:"rules"`
	APIKeyHash  string     `json:"-"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ── Listings ─────────────────────────────────────────────────

// Listing statuses mirror the canonical schema's status enum.
const (
	ListingStatusDraft     = "draft"
	ListingStatusActive    = "active"
	ListingStatusPending   = "pending"
	ListingStatusSold      = "sold"
	ListingStatusWithdrawn = "withdrawn"
)

// Listing is the canonical record. Payload is the normalized canonical
// document; ContentHash is a pure function of Payload and is the
// authoritative change signal — upserts that preserve the hash are no-ops.
type Listing struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	PartnerID     string         `json:"partner_id"`
	AgentID       string         `json:"agent_id"`
	Schema        string         `json:"schema"`
	SchemaVersion string         `json:"schema_version"`
	Payload       map[string]any `json:"payload"`
	ContentHash   string         `json:"content_hash"`
	Status        string         `json:"status"`
	IsActive      bool           `json:"is_active"`
	CreatedBy     string         `json:"created_by"`
	UpdatedBy     string         `json:"updated_by"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SourceListingMapping pins a partner-native listing id to a hub listing
// id. Identity is stable across adapter versions.
/// Unique: (tenant_id, partner_id, partner_key, source_listing_id).
type SourceListingMapping struct {
	TenantID        string    `json:"tenant_id"`
	PartnerID       string    `json:"partner_id"`
	AgentID         string    `json:"agent_id"`
	PartnerKey      string    `json:"partner_key"`
	SourceListingID string    `json:"source_listing_id"`
	ListingID       string    `json:"listing_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// ── Ingest runs ──────────────────────────────────────────────

const (
	IngestRunStatusSuccess = "success"
	IngestRunStatusFailed  = "failed"
)

// IngestError is a structured canonicalization or mapping error.
type IngestError struct {
	Type    string `json:"type"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// IngestRun records one ingest attempt, successful or not. The unique
// key (tenant, partner, partner_key, source_listing_id, idempotency_key)
// is the ingest idempotency boundary: a second call with the same key
// returns this run's outcome verbatim.
type IngestRun struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	PartnerID        string         `json:"partner_id"`
	AgentID          string         `json:"agent_id"`
	PartnerKey       string         `json:"partner_key"`
	SourceListingID  string         `json:"source_listing_id"`
	IdempotencyKey   string         `json:"idempotency_key"`
	AdapterVersion   string         `json:"adapter_version"`
	RawPayload       map[string]any `json:"raw_payload"` // redacted before persistence
	CanonicalPayload map[string]any `json:"canonical_payload,omitempty"`
	ListingID        string         `json:"listing_id,omitempty"`
	ContentHash      string         `json:"content_hash,omitempty"`
	MaterialChange   bool           `json:"material_change"`
	Status           string         `json:"status"`
	Errors           []IngestError  `json:"errors,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ── Outbox ───────────────────────────────────────────────────

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessing = "processing"
	OutboxStatusDone       = "done"
)

// OutboxEvent is the write-ahead event log row coupling DB changes to
// delivery work. Lifecycle: pending → processing → done, with expired
// leases reclaimed back to pending.
type OutboxEvent struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenant_id"`
	PartnerID           string         `json:"partner_id"`
	AggregateType       string         `json:"aggregate_type"`
	AggregateID         string         `json:"aggregate_id"`
	EventType           string         `json:"event_type"`
	Payload             map[string]any `json:"payload"`
	Status              string         `json:"status"`
	Attempts            int            `json:"attempts"`
	LeaseID             string         `json:"lease_id,omitempty"`
	LeaseExpiresAt      *time.Time     `json:"lease_expires_at,omitempty"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	ProcessedAt         *time.Time     `json:"processed_at,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// ── Deliveries ───────────────────────────────────────────────

const (
	DeliveryStatusPending      = "pending"
	DeliveryStatusPublishing   = "publishing"
	DeliveryStatusSuccess      = "success"
	DeliveryStatusFailed       = "failed"
	DeliveryStatusDeadLettered = "dead_lettered"
)

// Delivery is a commitment to publish one listing to one destination.
// Unique per (tenant_id, destination, listing_id).
type Delivery struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	PartnerID     string     `json:"partner_id"`
	AgentID       string     `json:"agent_id"`
	ListingID     string     `json:"listing_id"`
	Destination   string     `json:"destination"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	StatusDetail  string     `json:"status_detail,omitempty"`
	Retryable     bool       `json:"retryable"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	DeadLetterAt  *time.Time `json:"dead_lettered_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DeliveryAttempt is the append-only publication log for a delivery.
// Request snapshots never contain secrets.
type DeliveryAttempt struct {
	ID           string         `json:"id"`
	DeliveryID   string         `json:"delivery_id"`
	Status       string         `json:"status"` // success | failed
	Request      map[string]any `json:"request"`
	Response     map[string]any `json:"response"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ── Credentials & external identities ────────────────────────

// AgentCredential holds encrypted destination secrets for one agent.
// Plaintext exists only on the stack of a delivery worker during a
// single publish.
type AgentCredential struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	PartnerID        string    `json:"partner_id"`
	AgentID          string    `json:"agent_id"`
	Destination      string    `json:"destination"`
	SecretCiphertext string    `json:"-"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AgentExternalIdentity records the destination-side id of an agent.
type AgentExternalIdentity struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	PartnerID       string    `json:"partner_id"`
	AgentID         string    `json:"agent_id"`
	Destination     string    `json:"destination"`
	ExternalAgentID string    `json:"external_agent_id"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
}

// ListingExternalMapping records the destination-side listing id and the
// last content hash successfully synced there. The delivery engine uses
// LastSyncedHash for idempotent re-publication of unchanged content.
type ListingExternalMapping struct {
	TenantID          string         `json:"tenant_id"`
	PartnerID         string         `json:"partner_id"`
	AgentID           string         `json:"agent_id"`
	ListingID         string         `json:"listing_id"`
	Destination       string         `json:"destination"`
	ExternalListingID string         `json:"external_listing_id,omitempty"`
	LastSyncedHash    string         `json:"last_synced_hash,omitempty"`
	Meta              map[string]any `json:"meta,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// ── Partner destination settings ─────────────────────────────

// PartnerDestinationSetting enables a destination for a partner and
// carries destination-specific config. For hosted feeds the config holds
// a rotatable feed_token; omitting feed_token on upsert preserves the
// existing one, and the token is redacted out of admin responses.
type PartnerDestinationSetting struct {
	TenantID    string         `json:"tenant_id"`
	PartnerID   string         `json:"partner_id"`
	Destination string         `json:"destination"`
	IsEnabled   bool           `json:"is_enabled"`
	Config      map[string]any `json:"config"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// FeedToken returns the hosted-feed token from the setting config.
func (s *PartnerDestinationSetting) FeedToken() string {
	if s == nil || s.Config == nil {
		return ""
	}
	t, _ := s.Config["feed_token"].(string)
	return t
}

// ── Feed snapshots ───────────────────────────────────────────

// FeedSnapshot is an immutable record of a built hosted-feed artifact.
// Meta carries the build fingerprint, warning/skip summaries and the
// post-build parse-validation outcome. Earlier snapshots are never
// mutated.
type FeedSnapshot struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	PartnerID      string         `json:"partner_id"`
	Destination    string         `json:"destination"`
	StorageURI     string         `json:"storage_uri"`
	GzipStorageURI string         `json:"gzip_storage_uri,omitempty"`
	GzipSizeBytes  int            `json:"gzip_size_bytes,omitempty"`
	Format         string         `json:"format"`
	ContentHash    string         `json:"content_hash"`
	ListingCount   int            `json:"listing_count"`
	Meta           map[string]any `json:"meta"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Fingerprint returns the build fingerprint recorded in Meta.
func (s *FeedSnapshot) Fingerprint() string {
	if s == nil || s.Meta == nil {
		return ""
	}
	fp, _ := s.Meta["fingerprint"].(string)
	return fp
}

// ══════════════════════════════════════════════════════════════
// ── Catalog substrate ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GeoCountry / GeoCity / GeoArea form the shared slug-keyed geo catalog.
type GeoCountry struct {
	ID   string `json:"id"`
	Code string `json:"code"` // e.g. "NCY"
	Name string `json:"name"`
}

type GeoCity struct {
	ID        string `json:"id"`
	CountryID string `json:"country_id"`
	Slug      string `json:"slug"`
	Name      string `json:"name"`
}

type GeoArea struct {
	ID     string `json:"id"`
	CityID string `json:"city_id"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
}

// DestinationEnumMapping maps a canonical source key to a destination
// value. Unique per (destination, namespace, source_key).
type DestinationEnumMapping struct {
	Destination      string    `json:"destination"`
	Namespace        string    `json:"namespace"`
	SourceKey        string    `json:"source_key"`
	DestinationValue string    `json:"destination_value"`
	UpdatedBy        string    `json:"updated_by"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DestinationGeoMapping maps a hub geo area to a destination area id.
type DestinationGeoMapping struct {
	Destination       string    `json:"destination"`
	GeoCountryID      string    `json:"geo_country_id"`
	GeoCityID         string    `json:"geo_city_id"`
	GeoAreaID         string    `json:"geo_area_id"`
	DestinationAreaID string    `json:"destination_area_id"`
	UpdatedBy         string    `json:"updated_by"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ── Catalog import runs ──────────────────────────────────────

const (
	ImportRunStatusPreviewed = "previewed"
	ImportRunStatusApplied   = "applied"

	ImportActionInsert  = "insert"
	ImportActionUpdate  = "update"
	ImportActionNoop    = "noop"
	ImportActionInvalid = "invalid"
)

// CatalogImportRun is the preview/apply diff log for a bulk catalog import.
type CatalogImportRun struct {
	ID          string         `json:"id"`
	Destination string         `json:"destination"`
	Kind        string         `json:"kind"` // enum | geo
	Namespace   string         `json:"namespace,omitempty"`
	CountryCode string         `json:"country_code,omitempty"`
	Source      string         `json:"source,omitempty"`
	Status      string         `json:"status"`
	Summary     map[string]int `json:"summary"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CatalogImportItem classifies one import row against the current
// mapping tables.
type CatalogImportItem struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	Key           string         `json:"key"`
	Value         string         `json:"value,omitempty"`
	ExistingValue string         `json:"existing_value,omitempty"`
	Action        string         `json:"action"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// ── Catalog sets ─────────────────────────────────────────────

const (
	CatalogSetStatusDraft    = "draft"
	CatalogSetStatusPending  = "pending"
	CatalogSetStatusActive   = "active"
	CatalogSetStatusRejected = "rejected"
	CatalogSetStatusArchived = "archived"
)

// CatalogSet is a versioned release bundling enum and geo items with a
// draft → pending → active approval lifecycle. At most one set is
// active per (destination, country_code).
type CatalogSet struct {
	ID          string     `json:"id"`
	Destination string     `json:"destination"`
	CountryCode string     `json:"country_code,omitempty"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	ChangeNote  string     `json:"change_note,omitempty"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CatalogSetItem is one enum or geo mapping inside a set. Enum items use
// Namespace/SourceKey/DestinationValue; geo items use GeoKey
// ("city-slug:area-slug") and DestinationAreaID.
type CatalogSetItem struct {
	ID               string `json:"id"`
	CatalogSetID     string `json:"catalog_set_id"`
	Kind             string `json:"kind"` // enum | geo
	Namespace        string `json:"namespace,omitempty"`
	SourceKey        string `json:"source_key,omitempty"`
	DestinationValue string `json:"destination_value,omitempty"`
	GeoKey           string `json:"geo_key,omitempty"`
	DestinationArea  string `json:"destination_area_id,omitempty"`
}

// CatalogSetActive records the currently-applied set per
// (destination, country_code).
type CatalogSetActive struct {
	Destination        string    `json:"destination"`
	CountryCode        string    `json:"country_code"`
	ActiveCatalogSetID string    `json:"active_catalog_set_id"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ── Idempotency & audit ──────────────────────────────────────

// IdempotencyKey caches one response per (tenant, key). RequestHash
// detects key reuse with a different request body.
type IdempotencyKey struct {
	TenantID    string         `json:"tenant_id"`
	PartnerID   string         `json:"partner_id"`
	Key         string         `json:"key"`
	RequestHash string         `json:"request_hash"`
	Response    map[string]any `json:"response"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AuditEntry is one append-only operator action record.
type AuditEntry struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id,omitempty"`
	PartnerID  string         `json:"partner_id,omitempty"`
	ActorKeyID string         `json:"actor_key_id,omitempty"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
