package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/syndihub/syndihub/hub/pkg/models"
)

// PostgresStore implements Store on PostgreSQL via pgx. Claim operations
// use FOR UPDATE SKIP LOCKED so concurrent dispatchers never double-claim
// a row; lease-conditioned updates guard against expired claimers.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and applies the schema.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mustJSON marshals v for a JSONB column; nil maps to SQL NULL.
func mustJSON(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

func fromJSON[T any](b []byte) T {
	var v T
	if len(b) > 0 {
		_ = json.Unmarshal(b, &v)
	}
	return v
}

type scanner interface {
	Scan(dest ...any) error
}

// ── Identity ─────────────────────────────────────────────────

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)`,
		t.ID, t.Name, t.CreatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "tenant", Key: t.ID}
	}
	return err
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreatePartner(ctx context.Context, p *models.Partner) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO partners (id, tenant_id, name, admin_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.TenantID, p.Name, p.AdminKeyHash, p.CreatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "partner", Key: p.ID}
	}
	return err
}

func scanPartner(row scanner) (*models.Partner, error) {
	var p models.Partner
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.AdminKeyHash, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPartner(ctx context.Context, id string) (*models.Partner, error) {
	p, err := scanPartner(s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, admin_key_hash, created_at FROM partners WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "partner", Key: id}
	}
	return p, err
}

func (s *PostgresStore) GetPartnerByAdminKeyHash(ctx context.Context, hash string) (*models.Partner, error) {
	if hash == "" {
		return nil, &ErrNotFound{Entity: "partner", Key: "by-admin-key"}
	}
	p, err := scanPartner(s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, admin_key_hash, created_at FROM partners WHERE admin_key_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "partner", Key: "by-admin-key"}
	}
	return p, err
}

func (s *PostgresStore) UpdatePartnerAdminKeyHash(ctx context.Context, partnerID, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE partners SET admin_key_hash = $2 WHERE id = $1`, partnerID, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "partner", Key: partnerID}
	}
	return nil
}

const agentCols = `id, tenant_id, partner_id, email, display_name, rules, api_key_hash, is_active, created_at, updated_at`

func scanAgent(row scanner) (*models.Agent, error) {
	var a models.Agent
	var rules []byte
	err := row.Scan(&a.ID, &a.TenantID, &a.PartnerID, &a.Email, &a.DisplayName,
		&rules, &a.APIKeyHash, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Rules = fromJSON[models.AgentRules](rules)
	return &a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (`+agentCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.TenantID, a.PartnerID, a.Email, a.DisplayName,
		mustJSON(a.Rules), a.APIKeyHash, a.IsActive, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "agent", Key: a.ID}
	}
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, tenantID, agentID string) (*models.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentCols+` FROM agents WHERE tenant_id = $1 AND id = $2`, tenantID, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: agentID}
	}
	return a, err
}

func (s *PostgresStore) GetAgentByKeyHash(ctx context.Context, hash string) (*models.Agent, error) {
	if hash == "" {
		return nil, &ErrNotFound{Entity: "agent", Key: "by-api-key"}
	}
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentCols+` FROM agents WHERE api_key_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: "by-api-key"}
	}
	return a, err
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, a *models.Agent) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET email = $3, display_name = $4, rules = $5, api_key_hash = $6,
		        is_active = $7, updated_at = $8
		 WHERE tenant_id = $1 AND id = $2`,
		a.TenantID, a.ID, a.Email, a.DisplayName, mustJSON(a.Rules),
		a.APIKeyHash, a.IsActive, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: a.ID}
	}
	return nil
}

// ── Listings ─────────────────────────────────────────────────

const listingCols = `id, tenant_id, partner_id, agent_id, schema, schema_version, payload,
	content_hash, status, is_active, created_by, updated_by, created_at, updated_at`

func scanListing(row scanner) (*models.Listing, error) {
	var l models.Listing
	err := row.Scan(&l.ID, &l.TenantID, &l.PartnerID, &l.AgentID, &l.Schema, &l.SchemaVersion,
		&l.Payload, &l.ContentHash, &l.Status, &l.IsActive, &l.CreatedBy, &l.UpdatedBy,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, tenantID, listingID string) (*models.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingCols+` FROM listings WHERE tenant_id = $1 AND id = $2`, tenantID, listingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "listing", Key: listingID}
	}
	return l, err
}

func (s *PostgresStore) PutListing(ctx context.Context, l *models.Listing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (`+listingCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET
		   payload = EXCLUDED.payload, content_hash = EXCLUDED.content_hash,
		   status = EXCLUDED.status, is_active = EXCLUDED.is_active,
		   schema = EXCLUDED.schema, schema_version = EXCLUDED.schema_version,
		   updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		l.ID, l.TenantID, l.PartnerID, l.AgentID, l.Schema, l.SchemaVersion, l.Payload,
		l.ContentHash, l.Status, l.IsActive, l.CreatedBy, l.UpdatedBy, l.CreatedAt, l.UpdatedAt)
	return err
}

func (s *PostgresStore) ListCanonicalListings(ctx context.Context, tenantID, partnerID string) ([]models.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingCols+` FROM listings
		 WHERE tenant_id = $1 AND partner_id = $2 ORDER BY id`, tenantID, partnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSourceMapping(ctx context.Context, tenantID, partnerID, partnerKey, sourceListingID string) (*models.SourceListingMapping, error) {
	var m models.SourceListingMapping
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, partner_id, agent_id, partner_key, source_listing_id, listing_id, created_at
		 FROM source_listing_mappings
		 WHERE tenant_id = $1 AND partner_id = $2 AND partner_key = $3 AND source_listing_id = $4`,
		tenantID, partnerID, partnerKey, sourceListingID).
		Scan(&m.TenantID, &m.PartnerID, &m.AgentID, &m.PartnerKey, &m.SourceListingID, &m.ListingID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "source_mapping", Key: sourceListingID}
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateSourceMapping(ctx context.Context, m *models.SourceListingMapping) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_listing_mappings
		 (tenant_id, partner_id, agent_id, partner_key, source_listing_id, listing_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.TenantID, m.PartnerID, m.AgentID, m.PartnerKey, m.SourceListingID, m.ListingID, m.CreatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "source_mapping", Key: m.SourceListingID}
	}
	return err
}

// ── Ingest runs ──────────────────────────────────────────────

const ingestRunCols = `id, tenant_id, partner_id, agent_id, partner_key, source_listing_id,
	idempotency_key, adapter_version, raw_payload, canonical_payload, listing_id, content_hash,
	material_change, status, errors, created_at, updated_at`

func scanIngestRun(row scanner) (*models.IngestRun, error) {
	var r models.IngestRun
	var errs []byte
	err := row.Scan(&r.ID, &r.TenantID, &r.PartnerID, &r.AgentID, &r.PartnerKey, &r.SourceListingID,
		&r.IdempotencyKey, &r.AdapterVersion, &r.RawPayload, &r.CanonicalPayload, &r.ListingID,
		&r.ContentHash, &r.MaterialChange, &r.Status, &errs, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Errors = fromJSON[[]models.IngestError](errs)
	return &r, nil
}

func (s *PostgresStore) CreateIngestRun(ctx context.Context, r *models.IngestRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingest_runs (`+ingestRunCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.TenantID, r.PartnerID, r.AgentID, r.PartnerKey, r.SourceListingID,
		r.IdempotencyKey, r.AdapterVersion, r.RawPayload, r.CanonicalPayload, r.ListingID,
		r.ContentHash, r.MaterialChange, r.Status, mustJSON(r.Errors), r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "ingest_run", Key: r.IdempotencyKey}
	}
	return err
}

func (s *PostgresStore) GetIngestRun(ctx context.Context, id string) (*models.IngestRun, error) {
	r, err := scanIngestRun(s.pool.QueryRow(ctx,
		`SELECT `+ingestRunCols+` FROM ingest_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "ingest_run", Key: id}
	}
	return r, err
}

func (s *PostgresStore) GetIngestRunByIdemKey(ctx context.Context, tenantID, partnerID, partnerKey, sourceListingID, idemKey string) (*models.IngestRun, error) {
	r, err := scanIngestRun(s.pool.QueryRow(ctx,
		`SELECT `+ingestRunCols+` FROM ingest_runs
		 WHERE tenant_id = $1 AND partner_id = $2 AND partner_key = $3
		   AND source_listing_id = $4 AND idempotency_key = $5`,
		tenantID, partnerID, partnerKey, sourceListingID, idemKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "ingest_run", Key: idemKey}
	}
	return r, err
}

func (s *PostgresStore) UpdateIngestRun(ctx context.Context, r *models.IngestRun) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_runs SET canonical_payload = $2, listing_id = $3, content_hash = $4,
		        material_change = $5, status = $6, errors = $7, updated_at = $8
		 WHERE id = $1`,
		r.ID, r.CanonicalPayload, r.ListingID, r.ContentHash,
		r.MaterialChange, r.Status, mustJSON(r.Errors), r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "ingest_run", Key: r.ID}
	}
	return nil
}

func (s *PostgresStore) ListIngestRuns(ctx context.Context, tenantID, partnerID string, limit int) ([]models.IngestRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+ingestRunCols+` FROM ingest_runs
		 WHERE tenant_id = $1 AND ($2 = '' OR partner_id = $2)
		 ORDER BY created_at DESC LIMIT $3`, tenantID, partnerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.IngestRun
	for rows.Next() {
		r, err := scanIngestRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ── Outbox ───────────────────────────────────────────────────

const outboxCols = `id, tenant_id, partner_id, aggregate_type, aggregate_id, event_type, payload,
	status, attempts, lease_id, lease_expires_at, processing_started_at, processed_at, last_error, created_at`

func scanOutbox(row scanner) (*models.OutboxEvent, error) {
	var e models.OutboxEvent
	err := row.Scan(&e.ID, &e.TenantID, &e.PartnerID, &e.AggregateType, &e.AggregateID,
		&e.EventType, &e.Payload, &e.Status, &e.Attempts, &e.LeaseID, &e.LeaseExpiresAt,
		&e.ProcessingStartedAt, &e.ProcessedAt, &e.LastError, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) AppendOutboxEvent(ctx context.Context, e *models.OutboxEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO outbox_events
		 (id, tenant_id, partner_id, aggregate_type, aggregate_id, event_type, payload, status, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TenantID, e.PartnerID, e.AggregateType, e.AggregateID,
		e.EventType, e.Payload, e.Status, e.Attempts, e.CreatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "outbox_event", Key: e.ID}
	}
	return err
}

func (s *PostgresStore) GetOutboxEvent(ctx context.Context, id string) (*models.OutboxEvent, error) {
	e, err := scanOutbox(s.pool.QueryRow(ctx,
		`SELECT `+outboxCols+` FROM outbox_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "outbox_event", Key: id}
	}
	return e, err
}

func (s *PostgresStore) ListOutboxEvents(ctx context.Context, aggregateID string) ([]models.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboxCols+` FROM outbox_events
		 WHERE $1 = '' OR aggregate_id = $1 ORDER BY created_at`, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OutboxEvent
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RequeueExpiredOutboxLeases(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'pending', lease_id = '', lease_expires_at = NULL,
		     processing_started_at = NULL, last_error = 'requeued: lease expired'
		 WHERE status = 'processing' AND lease_expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ClaimPendingOutbox(ctx context.Context, batch int, leaseID string, leaseExpiresAt time.Time) ([]models.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx,
		`WITH picked AS (
		   SELECT id FROM outbox_events
		   WHERE status = 'pending'
		   ORDER BY created_at, id
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE outbox_events o
		 SET status = 'processing', attempts = o.attempts + 1,
		     lease_id = $2, lease_expires_at = $3, processing_started_at = NOW()
		 FROM picked WHERE o.id = picked.id
		 RETURNING o.id, o.tenant_id, o.partner_id, o.aggregate_type, o.aggregate_id,
		   o.event_type, o.payload, o.status, o.attempts, o.lease_id, o.lease_expires_at,
		   o.processing_started_at, o.processed_at, o.last_error, o.created_at`,
		batch, leaseID, leaseExpiresAt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OutboxEvent
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReleaseOutboxEvent(ctx context.Context, eventID, leaseID, lastError string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'pending', lease_id = '', lease_expires_at = NULL,
		     processing_started_at = NULL, last_error = $3
		 WHERE id = $1 AND lease_id = $2`, eventID, leaseID, lastError)
	return err
}

func (s *PostgresStore) MarkOutboxDone(ctx context.Context, eventID, leaseID string, processedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status = 'done', processed_at = $3, lease_id = '', lease_expires_at = NULL
		 WHERE id = $1 AND lease_id = $2 AND status = 'processing'`,
		eventID, leaseID, processedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ── Deliveries ───────────────────────────────────────────────

const deliveryCols = `id, tenant_id, partner_id, agent_id, listing_id, destination, status,
	attempts, last_error, status_detail, retryable, next_retry_at, last_attempt_at,
	last_success_at, dead_lettered_at, created_at, updated_at`

func scanDelivery(row scanner) (*models.Delivery, error) {
	var d models.Delivery
	err := row.Scan(&d.ID, &d.TenantID, &d.PartnerID, &d.AgentID, &d.ListingID, &d.Destination,
		&d.Status, &d.Attempts, &d.LastError, &d.StatusDetail, &d.Retryable, &d.NextRetryAt,
		&d.LastAttemptAt, &d.LastSuccessAt, &d.DeadLetterAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries (`+deliveryCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.ID, d.TenantID, d.PartnerID, d.AgentID, d.ListingID, d.Destination, d.Status,
		d.Attempts, d.LastError, d.StatusDetail, d.Retryable, d.NextRetryAt, d.LastAttemptAt,
		d.LastSuccessAt, d.DeadLetterAt, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "delivery", Key: d.ListingID + "@" + d.Destination}
	}
	return err
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "delivery", Key: id}
	}
	return d, err
}

func (s *PostgresStore) GetDeliveryByKey(ctx context.Context, tenantID, destination, listingID string) (*models.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryCols+` FROM deliveries
		 WHERE tenant_id = $1 AND destination = $2 AND listing_id = $3`,
		tenantID, destination, listingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "delivery", Key: listingID + "@" + destination}
	}
	return d, err
}

func (s *PostgresStore) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deliveries
		 SET status = $2, attempts = $3, last_error = $4, status_detail = $5, retryable = $6,
		     next_retry_at = $7, last_attempt_at = $8, last_success_at = $9,
		     dead_lettered_at = $10, updated_at = $11
		 WHERE id = $1`,
		d.ID, d.Status, d.Attempts, d.LastError, d.StatusDetail, d.Retryable,
		d.NextRetryAt, d.LastAttemptAt, d.LastSuccessAt, d.DeadLetterAt, d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "delivery", Key: d.ID}
	}
	return nil
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, tenantID string, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryCols+` FROM deliveries
		 WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimDueDeliveries(ctx context.Context, now time.Time, batch int) ([]models.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`WITH picked AS (
		   SELECT id FROM deliveries
		   WHERE status IN ('pending', 'failed')
		     AND (next_retry_at IS NULL OR next_retry_at <= $1)
		   ORDER BY created_at, id
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE deliveries d
		 SET status = 'publishing', last_attempt_at = $1, updated_at = $1
		 FROM picked WHERE d.id = picked.id
		 RETURNING d.id, d.tenant_id, d.partner_id, d.agent_id, d.listing_id, d.destination,
		   d.status, d.attempts, d.last_error, d.status_detail, d.retryable, d.next_retry_at,
		   d.last_attempt_at, d.last_success_at, d.dead_lettered_at, d.created_at, d.updated_at`,
		now, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendDeliveryAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO delivery_attempts
		 (id, delivery_id, status, request, response, error_code, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.DeliveryID, a.Status, a.Request, a.Response, a.ErrorCode, a.ErrorMessage, a.CreatedAt)
	return err
}

func (s *PostgresStore) ListDeliveryAttempts(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, delivery_id, status, request, response, error_code, error_message, created_at
		 FROM delivery_attempts WHERE delivery_id = $1 ORDER BY created_at`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.Status, &a.Request, &a.Response,
			&a.ErrorCode, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ── Credentials & identities ─────────────────────────────────

func (s *PostgresStore) UpsertCredential(ctx context.Context, c *models.AgentCredential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_credentials
		 (id, tenant_id, partner_id, agent_id, destination, secret_ciphertext, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (tenant_id, partner_id, agent_id, destination) DO UPDATE SET
		   secret_ciphertext = EXCLUDED.secret_ciphertext,
		   is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at`,
		c.ID, c.TenantID, c.PartnerID, c.AgentID, c.Destination,
		c.SecretCiphertext, c.IsActive, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *PostgresStore) GetActiveCredential(ctx context.Context, tenantID, partnerID, agentID, destination string) (*models.AgentCredential, error) {
	var c models.AgentCredential
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, partner_id, agent_id, destination, secret_ciphertext, is_active, created_at, updated_at
		 FROM agent_credentials
		 WHERE tenant_id = $1 AND partner_id = $2 AND agent_id = $3 AND destination = $4 AND is_active`,
		tenantID, partnerID, agentID, destination).
		Scan(&c.ID, &c.TenantID, &c.PartnerID, &c.AgentID, &c.Destination,
			&c.SecretCiphertext, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "credential", Key: agentID + "@" + destination}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) UpsertAgentExternalIdentity(ctx context.Context, id *models.AgentExternalIdentity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_external_identities
		 (id, tenant_id, partner_id, agent_id, destination, external_agent_id, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, partner_id, agent_id, destination) DO UPDATE SET
		   external_agent_id = EXCLUDED.external_agent_id, is_active = EXCLUDED.is_active`,
		id.ID, id.TenantID, id.PartnerID, id.AgentID, id.Destination,
		id.ExternalAgentID, id.IsActive, id.CreatedAt)
	return err
}

func (s *PostgresStore) GetActiveAgentIdentity(ctx context.Context, tenantID, partnerID, agentID, destination string) (*models.AgentExternalIdentity, error) {
	var id models.AgentExternalIdentity
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, partner_id, agent_id, destination, external_agent_id, is_active, created_at
		 FROM agent_external_identities
		 WHERE tenant_id = $1 AND partner_id = $2 AND agent_id = $3 AND destination = $4 AND is_active`,
		tenantID, partnerID, agentID, destination).
		Scan(&id.ID, &id.TenantID, &id.PartnerID, &id.AgentID, &id.Destination,
			&id.ExternalAgentID, &id.IsActive, &id.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent_identity", Key: agentID + "@" + destination}
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *PostgresStore) GetListingExternalMapping(ctx context.Context, tenantID, destination, listingID string) (*models.ListingExternalMapping, error) {
	var m models.ListingExternalMapping
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, partner_id, agent_id, listing_id, destination, external_listing_id,
		        last_synced_hash, meta, updated_at
		 FROM listing_external_mappings
		 WHERE tenant_id = $1 AND destination = $2 AND listing_id = $3`,
		tenantID, destination, listingID).
		Scan(&m.TenantID, &m.PartnerID, &m.AgentID, &m.ListingID, &m.Destination,
			&m.ExternalListingID, &m.LastSyncedHash, &m.Meta, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "listing_external_mapping", Key: listingID + "@" + destination}
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) PutListingExternalMapping(ctx context.Context, m *models.ListingExternalMapping) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listing_external_mappings
		 (tenant_id, partner_id, agent_id, listing_id, destination, external_listing_id,
		  last_synced_hash, meta, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (tenant_id, destination, listing_id) DO UPDATE SET
		   external_listing_id = EXCLUDED.external_listing_id,
		   last_synced_hash = EXCLUDED.last_synced_hash,
		   meta = EXCLUDED.meta, updated_at = EXCLUDED.updated_at`,
		m.TenantID, m.PartnerID, m.AgentID, m.ListingID, m.Destination,
		m.ExternalListingID, m.LastSyncedHash, m.Meta, m.UpdatedAt)
	return err
}

// ── Partner destination settings ─────────────────────────────

const settingCols = `tenant_id, partner_id, destination, is_enabled, config, created_at, updated_at`

func scanSetting(row scanner) (*models.PartnerDestinationSetting, error) {
	var st models.PartnerDestinationSetting
	err := row.Scan(&st.TenantID, &st.PartnerID, &st.Destination, &st.IsEnabled,
		&st.Config, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) UpsertDestinationSetting(ctx context.Context, st *models.PartnerDestinationSetting) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO partner_destination_settings (`+settingCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, partner_id, destination) DO UPDATE SET
		   is_enabled = EXCLUDED.is_enabled, config = EXCLUDED.config,
		   updated_at = EXCLUDED.updated_at`,
		st.TenantID, st.PartnerID, st.Destination, st.IsEnabled, st.Config, st.CreatedAt, st.UpdatedAt)
	return err
}

func (s *PostgresStore) GetDestinationSetting(ctx context.Context, tenantID, partnerID, destination string) (*models.PartnerDestinationSetting, error) {
	st, err := scanSetting(s.pool.QueryRow(ctx,
		`SELECT `+settingCols+` FROM partner_destination_settings
		 WHERE tenant_id = $1 AND partner_id = $2 AND destination = $3`,
		tenantID, partnerID, destination))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "destination_setting", Key: partnerID + "@" + destination}
	}
	return st, err
}

func (s *PostgresStore) GetDestinationSettingByPartner(ctx context.Context, partnerID, destination string) (*models.PartnerDestinationSetting, error) {
	st, err := scanSetting(s.pool.QueryRow(ctx,
		`SELECT `+settingCols+` FROM partner_destination_settings
		 WHERE partner_id = $1 AND destination = $2`, partnerID, destination))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "destination_setting", Key: partnerID + "@" + destination}
	}
	return st, err
}

func (s *PostgresStore) ListEnabledDestinations(ctx context.Context, tenantID, partnerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT destination FROM partner_destination_settings
		 WHERE tenant_id = $1 AND partner_id = $2 AND is_enabled ORDER BY destination`,
		tenantID, partnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEnabledSettings(ctx context.Context) ([]models.PartnerDestinationSetting, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settingCols+` FROM partner_destination_settings
		 WHERE is_enabled ORDER BY tenant_id, partner_id, destination`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PartnerDestinationSetting
	for rows.Next() {
		st, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// ── Feed snapshots ───────────────────────────────────────────

const snapshotCols = `id, tenant_id, partner_id, destination, storage_uri, gzip_storage_uri,
	gzip_size_bytes, format, content_hash, listing_count, meta, created_at`

func scanSnapshot(row scanner) (*models.FeedSnapshot, error) {
	var fs models.FeedSnapshot
	err := row.Scan(&fs.ID, &fs.TenantID, &fs.PartnerID, &fs.Destination, &fs.StorageURI,
		&fs.GzipStorageURI, &fs.GzipSizeBytes, &fs.Format, &fs.ContentHash,
		&fs.ListingCount, &fs.Meta, &fs.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &fs, nil
}

func (s *PostgresStore) CreateFeedSnapshot(ctx context.Context, fs *models.FeedSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feed_snapshots (`+snapshotCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		fs.ID, fs.TenantID, fs.PartnerID, fs.Destination, fs.StorageURI, fs.GzipStorageURI,
		fs.GzipSizeBytes, fs.Format, fs.ContentHash, fs.ListingCount, fs.Meta, fs.CreatedAt)
	return err
}

func (s *PostgresStore) LatestFeedSnapshot(ctx context.Context, tenantID, partnerID, destination string) (*models.FeedSnapshot, error) {
	fs, err := scanSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+snapshotCols+` FROM feed_snapshots
		 WHERE tenant_id = $1 AND partner_id = $2 AND destination = $3
		 ORDER BY created_at DESC LIMIT 1`, tenantID, partnerID, destination))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "feed_snapshot", Key: partnerID + "@" + destination}
	}
	return fs, err
}

func (s *PostgresStore) LatestFeedSnapshotByPartner(ctx context.Context, partnerID, destination string) (*models.FeedSnapshot, error) {
	fs, err := scanSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+snapshotCols+` FROM feed_snapshots
		 WHERE partner_id = $1 AND destination = $2
		 ORDER BY created_at DESC LIMIT 1`, partnerID, destination))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "feed_snapshot", Key: partnerID + "@" + destination}
	}
	return fs, err
}

// ── Catalog: enum & geo mappings ─────────────────────────────

func (s *PostgresStore) UpsertEnumMapping(ctx context.Context, m *models.DestinationEnumMapping) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO destination_enum_mappings
		 (destination, namespace, source_key, destination_value, updated_by, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (destination, namespace, source_key) DO UPDATE SET
		   destination_value = EXCLUDED.destination_value,
		   updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		m.Destination, m.Namespace, m.SourceKey, m.DestinationValue, m.UpdatedBy, m.UpdatedAt)
	return err
}

func (s *PostgresStore) GetEnumValue(ctx context.Context, destination, namespace, sourceKey string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT destination_value FROM destination_enum_mappings
		 WHERE destination = $1 AND namespace = $2 AND source_key = $3`,
		destination, namespace, sourceKey).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &ErrNotFound{Entity: "enum_mapping", Key: namespace + "/" + sourceKey}
	}
	return v, err
}

func (s *PostgresStore) ListEnumMappings(ctx context.Context, destination, namespace string) ([]models.DestinationEnumMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT destination, namespace, source_key, destination_value, updated_by, updated_at
		 FROM destination_enum_mappings
		 WHERE destination = $1 AND ($2 = '' OR namespace = $2)
		 ORDER BY namespace, source_key`, destination, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DestinationEnumMapping
	for rows.Next() {
		var m models.DestinationEnumMapping
		if err := rows.Scan(&m.Destination, &m.Namespace, &m.SourceKey,
			&m.DestinationValue, &m.UpdatedBy, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateGeoCountry(ctx context.Context, c *models.GeoCountry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO geo_countries (id, code, name) VALUES ($1, $2, $3)`, c.ID, c.Code, c.Name)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "geo_country", Key: c.Code}
	}
	return err
}

func (s *PostgresStore) GetGeoCountryByCode(ctx context.Context, code string) (*models.GeoCountry, error) {
	var c models.GeoCountry
	err := s.pool.QueryRow(ctx,
		`SELECT id, code, name FROM geo_countries WHERE code = $1`, code).
		Scan(&c.ID, &c.Code, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "geo_country", Key: code}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateGeoCity(ctx context.Context, c *models.GeoCity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO geo_cities (id, country_id, slug, name) VALUES ($1, $2, $3, $4)`,
		c.ID, c.CountryID, c.Slug, c.Name)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "geo_city", Key: c.Slug}
	}
	return err
}

func (s *PostgresStore) GetGeoCity(ctx context.Context, countryID, slug string) (*models.GeoCity, error) {
	var c models.GeoCity
	err := s.pool.QueryRow(ctx,
		`SELECT id, country_id, slug, name FROM geo_cities WHERE country_id = $1 AND slug = $2`,
		countryID, slug).Scan(&c.ID, &c.CountryID, &c.Slug, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "geo_city", Key: slug}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateGeoArea(ctx context.Context, a *models.GeoArea) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO geo_areas (id, city_id, slug, name) VALUES ($1, $2, $3, $4)`,
		a.ID, a.CityID, a.Slug, a.Name)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "geo_area", Key: a.Slug}
	}
	return err
}

func (s *PostgresStore) GetGeoArea(ctx context.Context, cityID, slug string) (*models.GeoArea, error) {
	var a models.GeoArea
	err := s.pool.QueryRow(ctx,
		`SELECT id, city_id, slug, name FROM geo_areas WHERE city_id = $1 AND slug = $2`,
		cityID, slug).Scan(&a.ID, &a.CityID, &a.Slug, &a.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "geo_area", Key: slug}
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) UpsertGeoMapping(ctx context.Context, m *models.DestinationGeoMapping) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO destination_geo_mappings
		 (destination, geo_country_id, geo_city_id, geo_area_id, destination_area_id, updated_by, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (destination, geo_area_id) DO UPDATE SET
		   destination_area_id = EXCLUDED.destination_area_id,
		   updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
		m.Destination, m.GeoCountryID, m.GeoCityID, m.GeoAreaID,
		m.DestinationAreaID, m.UpdatedBy, m.UpdatedAt)
	return err
}

func (s *PostgresStore) GetGeoAreaValue(ctx context.Context, destination, geoAreaID string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT destination_area_id FROM destination_geo_mappings
		 WHERE destination = $1 AND geo_area_id = $2`, destination, geoAreaID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &ErrNotFound{Entity: "geo_mapping", Key: geoAreaID}
	}
	return v, err
}

// ── Catalog: import runs ─────────────────────────────────────

const importRunCols = `id, destination, kind, namespace, country_code, source, status, summary,
	created_by, created_at, updated_at`

func scanImportRun(row scanner) (*models.CatalogImportRun, error) {
	var r models.CatalogImportRun
	var summary []byte
	err := row.Scan(&r.ID, &r.Destination, &r.Kind, &r.Namespace, &r.CountryCode, &r.Source,
		&r.Status, &summary, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Summary = fromJSON[map[string]int](summary)
	return &r, nil
}

func (s *PostgresStore) CreateImportRun(ctx context.Context, r *models.CatalogImportRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO catalog_import_runs (`+importRunCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.Destination, r.Kind, r.Namespace, r.CountryCode, r.Source, r.Status,
		mustJSON(r.Summary), r.CreatedBy, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "import_run", Key: r.ID}
	}
	return err
}

func (s *PostgresStore) GetImportRun(ctx context.Context, id string) (*models.CatalogImportRun, error) {
	r, err := scanImportRun(s.pool.QueryRow(ctx,
		`SELECT `+importRunCols+` FROM catalog_import_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "import_run", Key: id}
	}
	return r, err
}

func (s *PostgresStore) UpdateImportRun(ctx context.Context, r *models.CatalogImportRun) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE catalog_import_runs SET status = $2, summary = $3, updated_at = $4 WHERE id = $1`,
		r.ID, r.Status, mustJSON(r.Summary), r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "import_run", Key: r.ID}
	}
	return nil
}

func (s *PostgresStore) AppendImportItem(ctx context.Context, it *models.CatalogImportItem) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO catalog_import_items (id, run_id, key, value, existing_value, action, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		it.ID, it.RunID, it.Key, it.Value, it.ExistingValue, it.Action, it.Detail)
	return err
}

func (s *PostgresStore) ListImportItems(ctx context.Context, runID string, actions ...string) ([]models.CatalogImportItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, key, value, existing_value, action, detail
		 FROM catalog_import_items
		 WHERE run_id = $1 AND (cardinality($2::text[]) = 0 OR action = ANY($2))
		 ORDER BY key`, runID, actions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CatalogImportItem
	for rows.Next() {
		var it models.CatalogImportItem
		if err := rows.Scan(&it.ID, &it.RunID, &it.Key, &it.Value,
			&it.ExistingValue, &it.Action, &it.Detail); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ── Catalog: sets ────────────────────────────────────────────

const catalogSetCols = `id, destination, country_code, name, status, change_note, approved_by,
	approved_at, created_by, created_at, updated_at`

func scanCatalogSet(row scanner) (*models.CatalogSet, error) {
	var cs models.CatalogSet
	err := row.Scan(&cs.ID, &cs.Destination, &cs.CountryCode, &cs.Name, &cs.Status,
		&cs.ChangeNote, &cs.ApprovedBy, &cs.ApprovedAt, &cs.CreatedBy, &cs.CreatedAt, &cs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

func (s *PostgresStore) CreateCatalogSet(ctx context.Context, cs *models.CatalogSet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO catalog_sets (`+catalogSetCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cs.ID, cs.Destination, cs.CountryCode, cs.Name, cs.Status, cs.ChangeNote,
		cs.ApprovedBy, cs.ApprovedAt, cs.CreatedBy, cs.CreatedAt, cs.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "catalog_set", Key: cs.ID}
	}
	return err
}

func (s *PostgresStore) GetCatalogSet(ctx context.Context, id string) (*models.CatalogSet, error) {
	cs, err := scanCatalogSet(s.pool.QueryRow(ctx,
		`SELECT `+catalogSetCols+` FROM catalog_sets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "catalog_set", Key: id}
	}
	return cs, err
}

func (s *PostgresStore) UpdateCatalogSet(ctx context.Context, cs *models.CatalogSet) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE catalog_sets
		 SET status = $2, change_note = $3, approved_by = $4, approved_at = $5, updated_at = $6
		 WHERE id = $1`,
		cs.ID, cs.Status, cs.ChangeNote, cs.ApprovedBy, cs.ApprovedAt, cs.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "catalog_set", Key: cs.ID}
	}
	return nil
}

func (s *PostgresStore) ListCatalogSets(ctx context.Context, destination string) ([]models.CatalogSet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+catalogSetCols+` FROM catalog_sets
		 WHERE $1 = '' OR destination = $1 ORDER BY created_at DESC`, destination)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CatalogSet
	for rows.Next() {
		cs, err := scanCatalogSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cs)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendCatalogSetItem(ctx context.Context, it *models.CatalogSetItem) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO catalog_set_items
		 (id, catalog_set_id, kind, namespace, source_key, destination_value, geo_key, destination_area_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		it.ID, it.CatalogSetID, it.Kind, it.Namespace, it.SourceKey,
		it.DestinationValue, it.GeoKey, it.DestinationArea)
	return err
}

func (s *PostgresStore) ListCatalogSetItems(ctx context.Context, catalogSetID string) ([]models.CatalogSetItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, catalog_set_id, kind, namespace, source_key, destination_value, geo_key, destination_area_id
		 FROM catalog_set_items WHERE catalog_set_id = $1 ORDER BY id`, catalogSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CatalogSetItem
	for rows.Next() {
		var it models.CatalogSetItem
		if err := rows.Scan(&it.ID, &it.CatalogSetID, &it.Kind, &it.Namespace,
			&it.SourceKey, &it.DestinationValue, &it.GeoKey, &it.DestinationArea); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetActiveCatalogSet(ctx context.Context, destination, countryCode string) (*models.CatalogSetActive, error) {
	var a models.CatalogSetActive
	err := s.pool.QueryRow(ctx,
		`SELECT destination, country_code, active_catalog_set_id, updated_at
		 FROM catalog_set_active WHERE destination = $1 AND country_code = $2`,
		destination, countryCode).
		Scan(&a.Destination, &a.CountryCode, &a.ActiveCatalogSetID, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "catalog_set_active", Key: destination + "/" + countryCode}
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) SetActiveCatalogSet(ctx context.Context, a *models.CatalogSetActive) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO catalog_set_active (destination, country_code, active_catalog_set_id, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (destination, country_code) DO UPDATE SET
		   active_catalog_set_id = EXCLUDED.active_catalog_set_id,
		   updated_at = EXCLUDED.updated_at`,
		a.Destination, a.CountryCode, a.ActiveCatalogSetID, a.UpdatedAt)
	return err
}

func (s *PostgresStore) WithCatalogActivationLock(ctx context.Context, destination, countryCode string, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// The advisory lock serializes activations for one
	// (destination, country_code) pair across processes. The callback's
	// statements run on the pool; the lock is the only coordination needed.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, destination+"/"+countryCode); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ── Idempotency ──────────────────────────────────────────────

func (s *PostgresStore) ReserveIdempotency(ctx context.Context, k *models.IdempotencyKey) (*models.IdempotencyKey, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (tenant_id, partner_id, key, request_hash, response, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		k.TenantID, k.PartnerID, k.Key, k.RequestHash, k.Response, k.CreatedAt)
	if err == nil {
		return nil, nil
	}
	if !isUniqueViolation(err) {
		return nil, err
	}
	var existing models.IdempotencyKey
	err = s.pool.QueryRow(ctx,
		`SELECT tenant_id, partner_id, key, request_hash, response, created_at
		 FROM idempotency_keys WHERE tenant_id = $1 AND key = $2`, k.TenantID, k.Key).
		Scan(&existing.TenantID, &existing.PartnerID, &existing.Key,
			&existing.RequestHash, &existing.Response, &existing.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *PostgresStore) StoreIdempotencyResponse(ctx context.Context, tenantID, key string, response map[string]any) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE idempotency_keys SET response = $3 WHERE tenant_id = $1 AND key = $2`,
		tenantID, key, response)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "idempotency_key", Key: key}
	}
	return nil
}

func (s *PostgresStore) ReleaseIdempotency(ctx context.Context, tenantID, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE tenant_id = $1 AND key = $2`, tenantID, key)
	return err
}

// ── Audit ────────────────────────────────────────────────────

func (s *PostgresStore) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log
		 (id, tenant_id, partner_id, actor_key_id, action, target_type, target_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TenantID, e.PartnerID, e.ActorKeyID, e.Action, e.TargetType, e.TargetID,
		e.Detail, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, tenantID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, partner_id, actor_key_id, action, target_type, target_id, detail, created_at
		 FROM audit_log WHERE $1 = '' OR tenant_id = $1
		 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.PartnerID, &e.ActorKeyID, &e.Action,
			&e.TargetType, &e.TargetID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
