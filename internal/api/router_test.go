package api_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/adapters"
	"github.com/syndihub/syndihub/hub/internal/api"
	"github.com/syndihub/syndihub/hub/internal/api/handlers"
	"github.com/syndihub/syndihub/hub/internal/audit"
	"github.com/syndihub/syndihub/hub/internal/catalog"
	"github.com/syndihub/syndihub/hub/internal/config"
	"github.com/syndihub/syndihub/hub/internal/feed"
	"github.com/syndihub/syndihub/hub/internal/ingest"
	"github.com/syndihub/syndihub/hub/internal/objstore"
	"github.com/syndihub/syndihub/hub/internal/projection"
	"github.com/syndihub/syndihub/hub/internal/ratelimit"
	"github.com/syndihub/syndihub/hub/internal/secrets"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

const internalKey = "test-internal-key"

type fixture struct {
	router http.Handler
	store  *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemoryStore()
	log := zerolog.Nop()

	reg := adapters.NewRegistry()
	reg.Register(adapters.NewPassthrough("canonical"))

	objects, err := objstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	plugins := feed.NewRegistry()
	plugins.Register("casafeed", feed.NewXMLPlugin("casafeed"))
	engine := feed.NewEngine(m, objects, plugins, log)

	projectors := projection.NewRegistry()
	projectors.Register("portalon", &projection.Portal{
		Destination: "portalon",
		Required:    []string{"status"},
	})

	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	box, err := secrets.NewBox(key)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Version: "test",
		Security: config.SecurityConfig{
			APIKeyPepper:     "test-pepper",
			InternalAdminKey: internalKey,
		},
		Feeds: config.FeedConfig{
			PublicBaseURL:      "http://hub.test",
			RateLimitPerMinute: 2,
		},
	}

	h := handlers.New(handlers.Handlers{
		Store:       m,
		Ingest:      ingest.NewService(m, reg, log),
		Catalog:     catalog.NewService(m, log),
		Feeds:       engine,
		Plugins:     plugins,
		Projections: projectors,
		Objects:     objects,
		Limiter:     ratelimit.NewLocalLimiter(),
		Audit:       audit.NewRecorder(m, log),
		Box:         box,
		Config:      cfg,
		Log:         log,
	})

	router := api.NewRouter(api.RouterConfig{
		Handlers:         h,
		Store:            m,
		APIKeyPepper:     cfg.Security.APIKeyPepper,
		InternalAdminKey: cfg.Security.InternalAdminKey,
		Log:              log,
	})
	return &fixture{router: router, store: m}
}

// ingest posts body to the ingest endpoint for srcID. An empty idemKey
// leaves the Idempotency-Key header off.
func (f *fixture) ingest(t *testing.T, agentKey, srcID, idemKey string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, "/v1/ingest/canonical/listings/"+srcID, bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-API-Key", agentKey)
	if idemKey != "" {
		r.Header.Set("Idempotency-Key", idemKey)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func (f *fixture) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, rd)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		r.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Bad JSON response %q: %v", w.Body.String(), err)
	}
	return out
}

func listingPayload(title string) map[string]any {
	return map[string]any{
		"title":        title,
		"status":       "active",
		"purpose":      "sale",
		"list_price":   map[string]any{"currency": "EUR", "amount": 250000},
		"address":      map[string]any{"city": "Kyrenia", "country": "CY"},
		"property":     map[string]any{"category": "apartment", "bedrooms": 2},
	}
}

// bootstrap provisions a tenant, partner and agent through the API and
// returns (partner admin key, agent key, partner id, tenant id).
func (f *fixture) bootstrap(t *testing.T) (adminKey, agentKey, partnerID, tenantID string) {
	t.Helper()

	w := f.do(t, http.MethodPost, "/api/v1/admin/bootstrap", internalKey,
		map[string]string{"tenant_name": "Acme Group", "partner_name": "Acme Estates"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Bootstrap status = %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	adminKey = body["admin_api_key"].(string)
	partnerID = body["partner"].(map[string]any)["id"].(string)
	tenantID = body["tenant"].(map[string]any)["id"].(string)

	w = f.do(t, http.MethodPost, "/api/v1/agents", adminKey,
		map[string]any{"email": "agent@acme.test"})
	if w.Code != http.StatusCreated {
		t.Fatalf("CreateAgent status = %d: %s", w.Code, w.Body.String())
	}
	agentKey = decode(t, w)["api_key"].(string)
	return adminKey, agentKey, partnerID, tenantID
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d", w.Code)
	}
}

func TestRouter_AuthBoundaries(t *testing.T) {
	f := newFixture(t)
	adminKey, agentKey, _, _ := f.bootstrap(t)

	cases := []struct {
		name   string
		method string
		path   string
		key    string
		status int
	}{
		{"ingest without key", http.MethodPost, "/v1/ingest/canonical/listings/src-1", "", http.StatusUnauthorized},
		{"ingest with admin key", http.MethodPost, "/v1/ingest/canonical/listings/src-1", adminKey, http.StatusUnauthorized},
		{"admin route with agent key", http.MethodPost, "/api/v1/admin/bootstrap", agentKey, http.StatusUnauthorized},
		{"partner route with agent key", http.MethodGet, "/api/v1/ingest-runs", agentKey, http.StatusUnauthorized},
		{"unknown route", http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := f.do(t, c.method, c.path, c.key, map[string]any{})
			if w.Code != c.status {
				t.Errorf("Status = %d, want %d", w.Code, c.status)
			}
		})
	}
}

func TestRouter_IngestFlow(t *testing.T) {
	f := newFixture(t)
	_, agentKey, partnerID, tenantID := f.bootstrap(t)

	w := f.ingest(t, agentKey, "src-1", "idem-1",
		map[string]any{"payload": listingPayload("Sea View Apartment")})
	if w.Code != http.StatusOK {
		t.Fatalf("Ingest status = %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["status"] != "success" {
		t.Errorf("Ingest status field = %v", body["status"])
	}
	if body["listing_id"] == nil {
		t.Error("Expected a listing_id")
	}
	if body["source_listing_id"] != "src-1" {
		t.Errorf("source_listing_id = %v", body["source_listing_id"])
	}
	if body["ingest_run_id"] == nil {
		t.Error("Expected an ingest_run_id")
	}

	listings, err := f.store.ListCanonicalListings(context.Background(), tenantID, partnerID)
	if err != nil {
		t.Fatal(err)
	}
	if len(listings) != 1 {
		t.Fatalf("Stored %d listings, want 1", len(listings))
	}

	// The Idempotency-Key header is mandatory on ingest.
	w = f.ingest(t, agentKey, "src-1", "",
		map[string]any{"payload": listingPayload("Sea View Apartment")})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Missing Idempotency-Key status = %d, want 400: %s", w.Code, w.Body.String())
	}

	// Invalid payloads surface field errors as 422.
	w = f.ingest(t, agentKey, "src-2", "idem-2",
		map[string]any{"payload": map[string]any{"title": ""}})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Invalid ingest status = %d, want 422: %s", w.Code, w.Body.String())
	}

	// Agents may not pin a non-default adapter version.
	w = f.ingest(t, agentKey, "src-3", "idem-3", map[string]any{
		"payload":         listingPayload("Sea View Apartment"),
		"adapter_version": "9",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("Adapter override status = %d, want 403: %s", w.Code, w.Body.String())
	}
}

func TestRouter_PublicFeed(t *testing.T) {
	f := newFixture(t)
	adminKey, agentKey, partnerID, _ := f.bootstrap(t)

	w := f.do(t, http.MethodPut, "/api/v1/destinations/casafeed", adminKey, map[string]any{
		"is_enabled": true,
		"config":     map[string]any{"feed_token": "ft_secret"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("PutDestinationSetting status = %d: %s", w.Code, w.Body.String())
	}
	// Secrets never echo back.
	cfg := decode(t, w)["config"].(map[string]any)
	if cfg["feed_token"] == "ft_secret" {
		t.Error("feed_token returned in cleartext")
	}

	w = f.ingest(t, agentKey, "src-1", "idem-1",
		map[string]any{"payload": listingPayload("Sea View Apartment")})
	if w.Code != http.StatusOK {
		t.Fatalf("Ingest status = %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/api/v1/destinations/casafeed/feed/rebuild", adminKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Rebuild status = %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["built"] != true {
		t.Fatal("Expected a fresh build")
	}

	feedPath := fmt.Sprintf("/v1/feeds/%s/casafeed.xml?token=ft_secret", partnerID)

	// The extension is part of the URL contract; a mismatch is a 404
	// before any token or quota accounting.
	w = f.do(t, http.MethodGet, fmt.Sprintf("/v1/feeds/%s/casafeed.csv?token=ft_secret", partnerID), "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Wrong extension status = %d, want 404", w.Code)
	}

	w = f.do(t, http.MethodGet, feedPath, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Feed status = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/xml; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("Missing X-RateLimit-Reset")
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("Missing ETag")
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("Sea View Apartment")) {
		t.Error("Feed body missing the listing")
	}

	// Conditional revalidation.
	r := httptest.NewRequest(http.MethodGet, feedPath, nil)
	r.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	if rec.Code != http.StatusNotModified {
		t.Errorf("Revalidation status = %d, want 304", rec.Code)
	}

	// Third request in the window exceeds the limit of two.
	w = f.do(t, http.MethodGet, feedPath, "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Missing Retry-After")
	}

	// Wrong token is rejected before the rate limiter.
	w = f.do(t, http.MethodGet, fmt.Sprintf("/v1/feeds/%s/casafeed.xml?token=wrong", partnerID), "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Wrong token status = %d, want 403", w.Code)
	}
}

// setupFeed provisions a hosted feed with one listing and a fresh build,
// returning the authorized feed path.
func setupFeed(t *testing.T, f *fixture) string {
	t.Helper()
	adminKey, agentKey, partnerID, _ := f.bootstrap(t)

	w := f.do(t, http.MethodPut, "/api/v1/destinations/casafeed", adminKey, map[string]any{
		"is_enabled": true,
		"config":     map[string]any{"feed_token": "ft_secret"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("PutDestinationSetting status = %d: %s", w.Code, w.Body.String())
	}
	w = f.ingest(t, agentKey, "src-1", "idem-1",
		map[string]any{"payload": listingPayload("Sea View Apartment")})
	if w.Code != http.StatusOK {
		t.Fatalf("Ingest status = %d: %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodPost, "/api/v1/destinations/casafeed/feed/rebuild", adminKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Rebuild status = %d: %s", w.Code, w.Body.String())
	}
	return fmt.Sprintf("/v1/feeds/%s/casafeed.xml?token=ft_secret", partnerID)
}

func TestRouter_PublicFeedGzip(t *testing.T) {
	f := newFixture(t)
	feedPath := setupFeed(t, f)

	plain := f.do(t, http.MethodGet, feedPath, "", nil)
	if plain.Code != http.StatusOK {
		t.Fatalf("Feed status = %d: %s", plain.Code, plain.Body.String())
	}

	r := httptest.NewRequest(http.MethodGet, feedPath, nil)
	r.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("Gzip feed status = %d: %s", rec.Code, rec.Body.String())
	}
	if enc := rec.Header().Get("Content-Encoding"); enc != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", enc)
	}

	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	decoded, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, plain.Body.Bytes()) {
		t.Error("Gzip body does not decompress to the plain feed")
	}
}

func TestRouter_PublicFeedHead(t *testing.T) {
	f := newFixture(t)
	feedPath := setupFeed(t, f)

	w := f.do(t, http.MethodHead, feedPath, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("HEAD status = %d", w.Code)
	}
	if w.Header().Get("ETag") == "" {
		t.Error("Missing ETag on HEAD")
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/xml; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Body.Len() != 0 {
		t.Errorf("HEAD body = %d bytes, want none", w.Body.Len())
	}
}

func TestRouter_DestinationReadiness(t *testing.T) {
	f := newFixture(t)
	adminKey, agentKey, _, _ := f.bootstrap(t)

	w := f.ingest(t, agentKey, "src-1", "idem-1",
		map[string]any{"payload": listingPayload("Sea View Apartment")})
	if w.Code != http.StatusOK {
		t.Fatalf("Ingest status = %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/api/v1/destinations/portalon/readiness", adminKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Readiness status = %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["ok"] != false {
		t.Errorf("ok = %v, want false before mappings exist", body["ok"])
	}
	found := false
	if ms, ok := body["missing"].([]any); ok {
		for _, m := range ms {
			if m == "status/active" {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("missing = %v, want status/active", body["missing"])
	}

	if err := f.store.UpsertEnumMapping(context.Background(), &models.DestinationEnumMapping{
		Destination: "portalon", Namespace: "status",
		SourceKey: "active", DestinationValue: "LIVE",
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	w = f.do(t, http.MethodGet, "/api/v1/destinations/portalon/readiness", adminKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Readiness status = %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["ok"] != true {
		t.Errorf("ok = %v, want true once mapped", decode(t, w)["ok"])
	}

	// Feed destinations have no mapping requirements.
	w = f.do(t, http.MethodGet, "/api/v1/destinations/casafeed/readiness", adminKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Readiness status = %d: %s", w.Code, w.Body.String())
	}
	if decode(t, w)["ok"] != true {
		t.Errorf("ok = %v, want true for a passthrough destination", decode(t, w)["ok"])
	}
}

func TestRouter_RotateFeedToken(t *testing.T) {
	f := newFixture(t)
	adminKey, _, partnerID, _ := f.bootstrap(t)

	w := f.do(t, http.MethodPut, "/api/v1/destinations/casafeed", adminKey, map[string]any{
		"is_enabled": true,
		"config":     map[string]any{"feed_token": "ft_old"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/v1/destinations/casafeed/rotate-feed-token", adminKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Rotate status = %d: %s", w.Code, w.Body.String())
	}
	feedURL := decode(t, w)["feed_url"].(string)
	if feedURL == "" {
		t.Fatal("Missing feed_url")
	}

	// The old token stops working immediately.
	w = f.do(t, http.MethodGet, fmt.Sprintf("/v1/feeds/%s/casafeed.xml?token=ft_old", partnerID), "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Old token status = %d, want 403", w.Code)
	}
}
