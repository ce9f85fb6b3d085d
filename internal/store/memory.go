package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndihub/syndihub/hub/pkg/models"
)

// MemoryStore is an in-memory implementation of Store backed by maps and
// a single mutex. Claim operations are linearized by the mutex, which
// gives the same at-most-one-claimer guarantee the SQL store gets from
// row locks.
type MemoryStore struct {
	mu sync.Mutex

	tenants  map[string]*models.Tenant
	partners map[string]*models.Partner
	agents   map[string]*models.Agent // key: tenant|agent

	listings       map[string]*models.Listing              // key: tenant|listing
	sourceMappings map[string]*models.SourceListingMapping // key: tenant|partner|partnerKey|sourceID

	ingestRuns       map[string]*models.IngestRun
	ingestRunsByIdem map[string]string // idem composite → run id

	outbox map[string]*models.OutboxEvent

	deliveries       map[string]*models.Delivery
	deliveriesByKey  map[string]string // tenant|destination|listing → delivery id
	deliveryAttempts map[string][]models.DeliveryAttempt

	credentials      map[string]*models.AgentCredential       // key: tenant|partner|agent|destination
	identities       map[string]*models.AgentExternalIdentity // same key
	externalMappings map[string]*models.ListingExternalMapping

	settings  map[string]*models.PartnerDestinationSetting // key: tenant|partner|destination
	snapshots []*models.FeedSnapshot

	enumMappings map[string]*models.DestinationEnumMapping // key: destination|ns|sourceKey
	geoCountries map[string]*models.GeoCountry
	geoCities    map[string]*models.GeoCity
	geoAreas     map[string]*models.GeoArea
	geoMappings  map[string]*models.DestinationGeoMapping // key: destination|areaID

	importRuns  map[string]*models.CatalogImportRun
	importItems map[string][]models.CatalogImportItem

	catalogSets     map[string]*models.CatalogSet
	catalogSetItems map[string][]models.CatalogSetItem
	activeSets      map[string]*models.CatalogSetActive // key: destination|countryCode
	activationLocks map[string]*sync.Mutex

	idempotency map[string]*models.IdempotencyKey // key: tenant|key
	audit       []models.AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:          make(map[string]*models.Tenant),
		partners:         make(map[string]*models.Partner),
		agents:           make(map[string]*models.Agent),
		listings:         make(map[string]*models.Listing),
		sourceMappings:   make(map[string]*models.SourceListingMapping),
		ingestRuns:       make(map[string]*models.IngestRun),
		ingestRunsByIdem: make(map[string]string),
		outbox:           make(map[string]*models.OutboxEvent),
		deliveries:       make(map[string]*models.Delivery),
		deliveriesByKey:  make(map[string]string),
		deliveryAttempts: make(map[string][]models.DeliveryAttempt),
		credentials:      make(map[string]*models.AgentCredential),
		identities:       make(map[string]*models.AgentExternalIdentity),
		externalMappings: make(map[string]*models.ListingExternalMapping),
		settings:         make(map[string]*models.PartnerDestinationSetting),
		enumMappings:     make(map[string]*models.DestinationEnumMapping),
		geoCountries:     make(map[string]*models.GeoCountry),
		geoCities:        make(map[string]*models.GeoCity),
		geoAreas:         make(map[string]*models.GeoArea),
		geoMappings:      make(map[string]*models.DestinationGeoMapping),
		importRuns:       make(map[string]*models.CatalogImportRun),
		importItems:      make(map[string][]models.CatalogImportItem),
		catalogSets:      make(map[string]*models.CatalogSet),
		catalogSetItems:  make(map[string][]models.CatalogSetItem),
		activeSets:       make(map[string]*models.CatalogSetActive),
		activationLocks:  make(map[string]*sync.Mutex),
		idempotency:      make(map[string]*models.IdempotencyKey),
	}
}

func key(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

// ── Identity ─────────────────────────────────────────────────

func (m *MemoryStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return &ErrConflict{Entity: "tenant", Key: t.ID}
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreatePartner(_ context.Context, p *models.Partner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.partners[p.ID]; ok {
		return &ErrConflict{Entity: "partner", Key: p.ID}
	}
	cp := *p
	m.partners[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPartner(_ context.Context, id string) (*models.Partner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partners[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "partner", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPartnerByAdminKeyHash(_ context.Context, hash string) (*models.Partner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.partners {
		if p.AdminKeyHash != "" && p.AdminKeyHash == hash {
			cp := *p
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "partner", Key: "by-admin-key"}
}

func (m *MemoryStore) UpdatePartnerAdminKeyHash(_ context.Context, partnerID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partners[partnerID]
	if !ok {
		return &ErrNotFound{Entity: "partner", Key: partnerID}
	}
	p.AdminKeyHash = hash
	return nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(a.TenantID, a.ID)
	if _, ok := m.agents[k]; ok {
		return &ErrConflict{Entity: "agent", Key: a.ID}
	}
	cp := *a
	m.agents[k] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, tenantID, agentID string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[key(tenantID, agentID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: agentID}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAgentByKeyHash(_ context.Context, hash string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.APIKeyHash != "" && a.APIKeyHash == hash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "agent", Key: "by-api-key"}
}

func (m *MemoryStore) UpdateAgent(_ context.Context, a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(a.TenantID, a.ID)
	if _, ok := m.agents[k]; !ok {
		return &ErrNotFound{Entity: "agent", Key: a.ID}
	}
	cp := *a
	m.agents[k] = &cp
	return nil
}

// ── Listings ─────────────────────────────────────────────────

func (m *MemoryStore) GetListing(_ context.Context, tenantID, listingID string) (*models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[key(tenantID, listingID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "listing", Key: listingID}
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) PutListing(_ context.Context, l *models.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.listings[key(l.TenantID, l.ID)] = &cp
	return nil
}

func (m *MemoryStore) ListCanonicalListings(_ context.Context, tenantID, partnerID string) ([]models.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Listing
	for _, l := range m.listings {
		if l.TenantID == tenantID && l.PartnerID == partnerID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetSourceMapping(_ context.Context, tenantID, partnerID, partnerKey, sourceListingID string) (*models.SourceListingMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.sourceMappings[key(tenantID, partnerID, partnerKey, sourceListingID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "source_mapping", Key: sourceListingID}
	}
	cp := *sm
	return &cp, nil
}

func (m *MemoryStore) CreateSourceMapping(_ context.Context, sm *models.SourceListingMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(sm.TenantID, sm.PartnerID, sm.PartnerKey, sm.SourceListingID)
	if _, ok := m.sourceMappings[k]; ok {
		return &ErrConflict{Entity: "source_mapping", Key: sm.SourceListingID}
	}
	cp := *sm
	m.sourceMappings[k] = &cp
	return nil
}

// ── Ingest runs ──────────────────────────────────────────────

func idemRunKey(r *models.IngestRun) string {
	return key(r.TenantID, r.PartnerID, r.PartnerKey, r.SourceListingID, r.IdempotencyKey)
}

func (m *MemoryStore) CreateIngestRun(_ context.Context, r *models.IngestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.IdempotencyKey != "" {
		if _, ok := m.ingestRunsByIdem[idemRunKey(r)]; ok {
			return &ErrConflict{Entity: "ingest_run", Key: r.IdempotencyKey}
		}
	}
	cp := *r
	m.ingestRuns[r.ID] = &cp
	if r.IdempotencyKey != "" {
		m.ingestRunsByIdem[idemRunKey(r)] = r.ID
	}
	return nil
}

func (m *MemoryStore) GetIngestRun(_ context.Context, id string) (*models.IngestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.ingestRuns[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "ingest_run", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetIngestRunByIdemKey(_ context.Context, tenantID, partnerID, partnerKey, sourceListingID, idemKey string) (*models.IngestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ingestRunsByIdem[key(tenantID, partnerID, partnerKey, sourceListingID, idemKey)]
	if !ok {
		return nil, &ErrNotFound{Entity: "ingest_run", Key: idemKey}
	}
	cp := *m.ingestRuns[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateIngestRun(_ context.Context, r *models.IngestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ingestRuns[r.ID]; !ok {
		return &ErrNotFound{Entity: "ingest_run", Key: r.ID}
	}
	cp := *r
	m.ingestRuns[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListIngestRuns(_ context.Context, tenantID, partnerID string, limit int) ([]models.IngestRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.IngestRun
	for _, r := range m.ingestRuns {
		if r.TenantID == tenantID && (partnerID == "" || r.PartnerID == partnerID) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Outbox ───────────────────────────────────────────────────

func (m *MemoryStore) AppendOutboxEvent(_ context.Context, e *models.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.outbox[e.ID]; ok {
		return &ErrConflict{Entity: "outbox_event", Key: e.ID}
	}
	cp := *e
	m.outbox[e.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOutboxEvent(_ context.Context, id string) (*models.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "outbox_event", Key: id}
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListOutboxEvents(_ context.Context, aggregateID string) ([]models.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OutboxEvent
	for _, e := range m.outbox {
		if aggregateID == "" || e.AggregateID == aggregateID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) RequeueExpiredOutboxLeases(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.outbox {
		if e.Status == models.OutboxStatusProcessing && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.Before(now) {
			e.Status = models.OutboxStatusPending
			e.LeaseID = ""
			e.LeaseExpiresAt = nil
			e.ProcessingStartedAt = nil
			e.LastError = "requeued: lease expired"
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ClaimPendingOutbox(_ context.Context, batch int, leaseID string, leaseExpiresAt time.Time) ([]models.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*models.OutboxEvent
	for _, e := range m.outbox {
		if e.Status == models.OutboxStatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if batch > 0 && len(pending) > batch {
		pending = pending[:batch]
	}
	now := time.Now().UTC()
	exp := leaseExpiresAt
	out := make([]models.OutboxEvent, 0, len(pending))
	for _, e := range pending {
		e.Status = models.OutboxStatusProcessing
		e.Attempts++
		e.LeaseID = leaseID
		e.LeaseExpiresAt = &exp
		e.ProcessingStartedAt = &now
		out = append(out, *e)
	}
	return out, nil
}

func (m *MemoryStore) ReleaseOutboxEvent(_ context.Context, eventID, leaseID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[eventID]
	if !ok {
		return &ErrNotFound{Entity: "outbox_event", Key: eventID}
	}
	if e.LeaseID != leaseID {
		return nil // lease lost, someone else owns it now
	}
	e.Status = models.OutboxStatusPending
	e.LeaseID = ""
	e.LeaseExpiresAt = nil
	e.ProcessingStartedAt = nil
	e.LastError = lastError
	return nil
}

func (m *MemoryStore) MarkOutboxDone(_ context.Context, eventID, leaseID string, processedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[eventID]
	if !ok {
		return false, &ErrNotFound{Entity: "outbox_event", Key: eventID}
	}
	if e.Status != models.OutboxStatusProcessing || e.LeaseID != leaseID {
		return false, nil
	}
	e.Status = models.OutboxStatusDone
	pa := processedAt
	e.ProcessedAt = &pa
	e.LeaseID = ""
	e.LeaseExpiresAt = nil
	return true, nil
}

// ── Deliveries ───────────────────────────────────────────────

func (m *MemoryStore) CreateDelivery(_ context.Context, d *models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(d.TenantID, d.Destination, d.ListingID)
	if _, ok := m.deliveriesByKey[k]; ok {
		return &ErrConflict{Entity: "delivery", Key: k}
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	m.deliveriesByKey[k] = d.ID
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "delivery", Key: id}
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetDeliveryByKey(_ context.Context, tenantID, destination, listingID string) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.deliveriesByKey[key(tenantID, destination, listingID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "delivery", Key: listingID + "@" + destination}
	}
	cp := *m.deliveries[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateDelivery(_ context.Context, d *models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[d.ID]; !ok {
		return &ErrNotFound{Entity: "delivery", Key: d.ID}
	}
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, tenantID string, limit int) ([]models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Delivery
	for _, d := range m.deliveries {
		if d.TenantID == tenantID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimDueDeliveries(_ context.Context, now time.Time, batch int) ([]models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*models.Delivery
	for _, d := range m.deliveries {
		if d.Status != models.DeliveryStatusPending && d.Status != models.DeliveryStatusFailed {
			continue
		}
		if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if batch > 0 && len(due) > batch {
		due = due[:batch]
	}
	ts := now
	out := make([]models.Delivery, 0, len(due))
	for _, d := range due {
		d.Status = models.DeliveryStatusPublishing
		d.LastAttemptAt = &ts
		d.UpdatedAt = now
		out = append(out, *d)
	}
	return out, nil
}

func (m *MemoryStore) AppendDeliveryAttempt(_ context.Context, a *models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveryAttempts[a.DeliveryID] = append(m.deliveryAttempts[a.DeliveryID], *a)
	return nil
}

func (m *MemoryStore) ListDeliveryAttempts(_ context.Context, deliveryID string) ([]models.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DeliveryAttempt, len(m.deliveryAttempts[deliveryID]))
	copy(out, m.deliveryAttempts[deliveryID])
	return out, nil
}

// ── Credentials & identities ─────────────────────────────────

func credKey(tenantID, partnerID, agentID, destination string) string {
	return key(tenantID, partnerID, agentID, destination)
}

func (m *MemoryStore) UpsertCredential(_ context.Context, c *models.AgentCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.credentials[credKey(c.TenantID, c.PartnerID, c.AgentID, c.Destination)] = &cp
	return nil
}

func (m *MemoryStore) GetActiveCredential(_ context.Context, tenantID, partnerID, agentID, destination string) (*models.AgentCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[credKey(tenantID, partnerID, agentID, destination)]
	if !ok || !c.IsActive {
		return nil, &ErrNotFound{Entity: "credential", Key: agentID + "@" + destination}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpsertAgentExternalIdentity(_ context.Context, id *models.AgentExternalIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *id
	m.identities[credKey(id.TenantID, id.PartnerID, id.AgentID, id.Destination)] = &cp
	return nil
}

func (m *MemoryStore) GetActiveAgentIdentity(_ context.Context, tenantID, partnerID, agentID, destination string) (*models.AgentExternalIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[credKey(tenantID, partnerID, agentID, destination)]
	if !ok || !id.IsActive {
		return nil, &ErrNotFound{Entity: "agent_identity", Key: agentID + "@" + destination}
	}
	cp := *id
	return &cp, nil
}

func (m *MemoryStore) GetListingExternalMapping(_ context.Context, tenantID, destination, listingID string) (*models.ListingExternalMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	em, ok := m.externalMappings[key(tenantID, destination, listingID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "listing_external_mapping", Key: listingID + "@" + destination}
	}
	cp := *em
	return &cp, nil
}

func (m *MemoryStore) PutListingExternalMapping(_ context.Context, em *models.ListingExternalMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *em
	m.externalMappings[key(em.TenantID, em.Destination, em.ListingID)] = &cp
	return nil
}

// ── Partner destination settings ─────────────────────────────

func (m *MemoryStore) UpsertDestinationSetting(_ context.Context, s *models.PartnerDestinationSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(s.TenantID, s.PartnerID, s.Destination)
	if prev, ok := m.settings[k]; ok {
		s.CreatedAt = prev.CreatedAt
	}
	cp := *s
	m.settings[k] = &cp
	return nil
}

func (m *MemoryStore) GetDestinationSetting(_ context.Context, tenantID, partnerID, destination string) (*models.PartnerDestinationSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[key(tenantID, partnerID, destination)]
	if !ok {
		return nil, &ErrNotFound{Entity: "destination_setting", Key: partnerID + "@" + destination}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetDestinationSettingByPartner(_ context.Context, partnerID, destination string) (*models.PartnerDestinationSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.settings {
		if s.PartnerID == partnerID && s.Destination == destination {
			cp := *s
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "destination_setting", Key: partnerID + "@" + destination}
}

func (m *MemoryStore) ListEnabledDestinations(_ context.Context, tenantID, partnerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.settings {
		if s.TenantID == tenantID && s.PartnerID == partnerID && s.IsEnabled {
			out = append(out, s.Destination)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ListEnabledSettings(_ context.Context) ([]models.PartnerDestinationSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PartnerDestinationSetting
	for _, s := range m.settings {
		if s.IsEnabled {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].TenantID, out[i].PartnerID, out[i].Destination) < key(out[j].TenantID, out[j].PartnerID, out[j].Destination)
	})
	return out, nil
}

// ── Feed snapshots ───────────────────────────────────────────

func (m *MemoryStore) CreateFeedSnapshot(_ context.Context, s *models.FeedSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.snapshots = append(m.snapshots, &cp)
	return nil
}

func (m *MemoryStore) LatestFeedSnapshot(_ context.Context, tenantID, partnerID, destination string) (*models.FeedSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		s := m.snapshots[i]
		if s.TenantID == tenantID && s.PartnerID == partnerID && s.Destination == destination {
			cp := *s
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "feed_snapshot", Key: partnerID + "@" + destination}
}

func (m *MemoryStore) LatestFeedSnapshotByPartner(_ context.Context, partnerID, destination string) (*models.FeedSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		s := m.snapshots[i]
		if s.PartnerID == partnerID && s.Destination == destination {
			cp := *s
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "feed_snapshot", Key: partnerID + "@" + destination}
}

// ── Catalog: enum & geo mappings ─────────────────────────────

func (m *MemoryStore) UpsertEnumMapping(_ context.Context, em *models.DestinationEnumMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *em
	m.enumMappings[key(em.Destination, em.Namespace, em.SourceKey)] = &cp
	return nil
}

func (m *MemoryStore) GetEnumValue(_ context.Context, destination, namespace, sourceKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	em, ok := m.enumMappings[key(destination, namespace, sourceKey)]
	if !ok {
		return "", &ErrNotFound{Entity: "enum_mapping", Key: namespace + "/" + sourceKey}
	}
	return em.DestinationValue, nil
}

func (m *MemoryStore) ListEnumMappings(_ context.Context, destination, namespace string) ([]models.DestinationEnumMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DestinationEnumMapping
	for _, em := range m.enumMappings {
		if em.Destination == destination && (namespace == "" || em.Namespace == namespace) {
			out = append(out, *em)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].Namespace, out[i].SourceKey) < key(out[j].Namespace, out[j].SourceKey)
	})
	return out, nil
}

func (m *MemoryStore) CreateGeoCountry(_ context.Context, c *models.GeoCountry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, gc := range m.geoCountries {
		if gc.Code == c.Code {
			return &ErrConflict{Entity: "geo_country", Key: c.Code}
		}
	}
	cp := *c
	m.geoCountries[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGeoCountryByCode(_ context.Context, code string) (*models.GeoCountry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.geoCountries {
		if c.Code == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "geo_country", Key: code}
}

func (m *MemoryStore) CreateGeoCity(_ context.Context, c *models.GeoCity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, gc := range m.geoCities {
		if gc.CountryID == c.CountryID && gc.Slug == c.Slug {
			return &ErrConflict{Entity: "geo_city", Key: c.Slug}
		}
	}
	cp := *c
	m.geoCities[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGeoCity(_ context.Context, countryID, slug string) (*models.GeoCity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.geoCities {
		if c.CountryID == countryID && c.Slug == slug {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "geo_city", Key: slug}
}

func (m *MemoryStore) CreateGeoArea(_ context.Context, a *models.GeoArea) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ga := range m.geoAreas {
		if ga.CityID == a.CityID && ga.Slug == a.Slug {
			return &ErrConflict{Entity: "geo_area", Key: a.Slug}
		}
	}
	cp := *a
	m.geoAreas[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGeoArea(_ context.Context, cityID, slug string) (*models.GeoArea, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.geoAreas {
		if a.CityID == cityID && a.Slug == slug {
			cp := *a
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "geo_area", Key: slug}
}

func (m *MemoryStore) UpsertGeoMapping(_ context.Context, gm *models.DestinationGeoMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *gm
	m.geoMappings[key(gm.Destination, gm.GeoAreaID)] = &cp
	return nil
}

func (m *MemoryStore) GetGeoAreaValue(_ context.Context, destination, geoAreaID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gm, ok := m.geoMappings[key(destination, geoAreaID)]
	if !ok {
		return "", &ErrNotFound{Entity: "geo_mapping", Key: geoAreaID}
	}
	return gm.DestinationAreaID, nil
}

// ── Catalog: import runs ─────────────────────────────────────

func (m *MemoryStore) CreateImportRun(_ context.Context, r *models.CatalogImportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.importRuns[r.ID]; ok {
		return &ErrConflict{Entity: "import_run", Key: r.ID}
	}
	cp := *r
	m.importRuns[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetImportRun(_ context.Context, id string) (*models.CatalogImportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.importRuns[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "import_run", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateImportRun(_ context.Context, r *models.CatalogImportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.importRuns[r.ID]; !ok {
		return &ErrNotFound{Entity: "import_run", Key: r.ID}
	}
	cp := *r
	m.importRuns[r.ID] = &cp
	return nil
}

func (m *MemoryStore) AppendImportItem(_ context.Context, it *models.CatalogImportItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importItems[it.RunID] = append(m.importItems[it.RunID], *it)
	return nil
}

func (m *MemoryStore) ListImportItems(_ context.Context, runID string, actions ...string) ([]models.CatalogImportItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CatalogImportItem
	for _, it := range m.importItems[runID] {
		if len(actions) == 0 {
			out = append(out, it)
			continue
		}
		for _, a := range actions {
			if it.Action == a {
				out = append(out, it)
				break
			}
		}
	}
	return out, nil
}

// ── Catalog: sets ────────────────────────────────────────────

func (m *MemoryStore) CreateCatalogSet(_ context.Context, cs *models.CatalogSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.catalogSets[cs.ID]; ok {
		return &ErrConflict{Entity: "catalog_set", Key: cs.ID}
	}
	cp := *cs
	m.catalogSets[cs.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCatalogSet(_ context.Context, id string) (*models.CatalogSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.catalogSets[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "catalog_set", Key: id}
	}
	cp := *cs
	return &cp, nil
}

func (m *MemoryStore) UpdateCatalogSet(_ context.Context, cs *models.CatalogSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.catalogSets[cs.ID]; !ok {
		return &ErrNotFound{Entity: "catalog_set", Key: cs.ID}
	}
	cp := *cs
	m.catalogSets[cs.ID] = &cp
	return nil
}

func (m *MemoryStore) ListCatalogSets(_ context.Context, destination string) ([]models.CatalogSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CatalogSet
	for _, cs := range m.catalogSets {
		if destination == "" || cs.Destination == destination {
			out = append(out, *cs)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AppendCatalogSetItem(_ context.Context, it *models.CatalogSetItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalogSetItems[it.CatalogSetID] = append(m.catalogSetItems[it.CatalogSetID], *it)
	return nil
}

func (m *MemoryStore) ListCatalogSetItems(_ context.Context, catalogSetID string) ([]models.CatalogSetItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CatalogSetItem, len(m.catalogSetItems[catalogSetID]))
	copy(out, m.catalogSetItems[catalogSetID])
	return out, nil
}

func (m *MemoryStore) GetActiveCatalogSet(_ context.Context, destination, countryCode string) (*models.CatalogSetActive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activeSets[key(destination, countryCode)]
	if !ok {
		return nil, &ErrNotFound{Entity: "catalog_set_active", Key: destination + "/" + countryCode}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) SetActiveCatalogSet(_ context.Context, a *models.CatalogSetActive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.activeSets[key(a.Destination, a.CountryCode)] = &cp
	return nil
}

func (m *MemoryStore) WithCatalogActivationLock(ctx context.Context, destination, countryCode string, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	k := key(destination, countryCode)
	lock, ok := m.activationLocks[k]
	if !ok {
		lock = &sync.Mutex{}
		m.activationLocks[k] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

// ── Idempotency ──────────────────────────────────────────────

func (m *MemoryStore) ReserveIdempotency(_ context.Context, k *models.IdempotencyKey) (*models.IdempotencyKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk := key(k.TenantID, k.Key)
	if existing, ok := m.idempotency[mk]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *k
	m.idempotency[mk] = &cp
	return nil, nil
}

func (m *MemoryStore) StoreIdempotencyResponse(_ context.Context, tenantID, ikey string, response map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.idempotency[key(tenantID, ikey)]
	if !ok {
		return &ErrNotFound{Entity: "idempotency_key", Key: ikey}
	}
	k.Response = response
	return nil
}

func (m *MemoryStore) ReleaseIdempotency(_ context.Context, tenantID, ikey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotency, key(tenantID, ikey))
	return nil
}

// ── Audit ────────────────────────────────────────────────────

func (m *MemoryStore) AppendAudit(_ context.Context, e *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *e)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, tenantID string, limit int) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		if tenantID == "" || m.audit[i].TenantID == tenantID {
			out = append(out, m.audit[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// ── Lifecycle ────────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
