package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/syndihub/syndihub/hub/internal/api/middleware"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/pkg/models"
)

const pepper = "test-pepper"

func newAuth(t *testing.T) (*middleware.Auth, *store.MemoryStore) {
	t.Helper()
	m := store.NewMemoryStore()
	return &middleware.Auth{Store: m, Pepper: pepper, InternalAdminKey: "root-key"}, m
}

func seedAgent(t *testing.T, m *store.MemoryStore, key string, active bool) {
	t.Helper()
	now := time.Now().UTC()
	if err := m.CreateAgent(context.Background(), &models.Agent{
		ID: "agt_1", TenantID: "tnt_1", PartnerID: "prt_1",
		Email: "agent@example.com", APIKeyHash: middleware.HashKey(key, pepper),
		IsActive: active, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
}

func actorEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := middleware.GetActor(r.Context())
		json.NewEncoder(w).Encode(a)
	})
}

// ── Auth ─────────────────────────────────────────────────────

func TestRequireAgent(t *testing.T) {
	auth, m := newAuth(t)
	seedAgent(t, m, "agk_valid", true)
	h := auth.RequireAgent(actorEcho())

	cases := []struct {
		name   string
		header func(r *http.Request)
		status int
	}{
		{"x-api-key header", func(r *http.Request) { r.Header.Set("X-API-Key", "agk_valid") }, http.StatusOK},
		{"bearer token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer agk_valid") }, http.StatusOK},
		{"missing key", func(r *http.Request) {}, http.StatusUnauthorized},
		{"wrong key", func(r *http.Request) { r.Header.Set("X-API-Key", "agk_other") }, http.StatusUnauthorized},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			c.header(r)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != c.status {
				t.Errorf("Status = %d, want %d", w.Code, c.status)
			}
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Key", "agk_valid")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	var actor middleware.Actor
	if err := json.Unmarshal(w.Body.Bytes(), &actor); err != nil {
		t.Fatal(err)
	}
	if actor.Role != middleware.RoleAgent || actor.TenantID != "tnt_1" || actor.AgentID != "agt_1" {
		t.Errorf("Actor = %+v", actor)
	}
}

func TestRequireAgent_InactiveAgentRejected(t *testing.T) {
	auth, m := newAuth(t)
	seedAgent(t, m, "agk_valid", false)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Key", "agk_valid")
	w := httptest.NewRecorder()
	auth.RequireAgent(actorEcho()).ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401 for deactivated agent", w.Code)
	}
}

func TestRequirePartnerAdmin(t *testing.T) {
	auth, m := newAuth(t)
	now := time.Now().UTC()
	if err := m.CreatePartner(context.Background(), &models.Partner{
		ID: "prt_1", TenantID: "tnt_1", Name: "Acme Estates",
		AdminKeyHash: middleware.HashKey("pak_valid", pepper),
		CreatedAt:    now,
	}); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Key", "pak_valid")
	w := httptest.NewRecorder()
	auth.RequirePartnerAdmin(actorEcho()).ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var actor middleware.Actor
	json.Unmarshal(w.Body.Bytes(), &actor)
	if actor.Role != middleware.RolePartnerAdmin || actor.PartnerID != "prt_1" {
		t.Errorf("Actor = %+v", actor)
	}
}

func TestRequireInternalAdmin(t *testing.T) {
	auth, _ := newAuth(t)
	h := auth.RequireInternalAdmin(actorEcho())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Key", "root-key")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Key", "not-the-key")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", w.Code)
	}

	// An empty configured key disables the internal surface entirely.
	disabled := &middleware.Auth{Store: store.NewMemoryStore(), Pepper: pepper}
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Key", "")
	w = httptest.NewRecorder()
	disabled.RequireInternalAdmin(actorEcho()).ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401 when no internal key is configured", w.Code)
	}
}

// ── Idempotency ──────────────────────────────────────────────

func idemStack(t *testing.T) (http.Handler, *int) {
	t.Helper()
	auth, m := newAuth(t)
	seedAgent(t, m, "agk_valid", true)

	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"run": calls})
	})
	return auth.RequireAgent(middleware.Idempotency(m)(inner)), &calls
}

func post(h http.Handler, idemKey, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/v1/ingest/acme/listings/src-1", strings.NewReader(body))
	r.Header.Set("X-API-Key", "agk_valid")
	if idemKey != "" {
		r.Header.Set(middleware.HeaderIdempotencyKey, idemKey)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	h, calls := idemStack(t)

	first := post(h, "idem-1", `{"title":"Villa"}`)
	if first.Code != http.StatusCreated {
		t.Fatalf("First status = %d", first.Code)
	}

	second := post(h, "idem-1", `{"title":"Villa"}`)
	if second.Code != http.StatusCreated {
		t.Errorf("Replay status = %d, want original 201", second.Code)
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("Replay header missing")
	}
	if *calls != 1 {
		t.Errorf("Handler ran %d times, want 1", *calls)
	}
	var body map[string]any
	json.Unmarshal(second.Body.Bytes(), &body)
	if body["run"] != float64(1) {
		t.Errorf("Replay body = %v, want the first response", body)
	}
}

func TestIdempotency_EquivalentBodyFormattingReplays(t *testing.T) {
	h, calls := idemStack(t)
	post(h, "idem-1", `{"a":1,"title":"Villa"}`)

	// Key order and whitespace differ; the request identity is the
	// sorted-key JSON of path and body, so this is the same request.
	w := post(h, "idem-1", `{ "title": "Villa", "a": 1 }`)
	if w.Code != http.StatusCreated {
		t.Errorf("Status = %d, want replayed 201", w.Code)
	}
	if w.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("Replay header missing")
	}
	if *calls != 1 {
		t.Errorf("Handler ran %d times, want 1", *calls)
	}
}

func TestIdempotency_KeyReuseWithDifferentBodyConflicts(t *testing.T) {
	h, calls := idemStack(t)
	post(h, "idem-1", `{"title":"Villa"}`)

	w := post(h, "idem-1", `{"title":"Apartment"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Status = %d, want 409", w.Code)
	}
	if *calls != 1 {
		t.Errorf("Handler ran %d times, want 1", *calls)
	}
}

func TestIdempotency_NoKeyPassesThrough(t *testing.T) {
	h, calls := idemStack(t)
	post(h, "", `{"title":"Villa"}`)
	post(h, "", `{"title":"Villa"}`)
	if *calls != 2 {
		t.Errorf("Handler ran %d times, want 2 without a key", *calls)
	}
}

func TestIdempotency_ServerErrorsNotMemoized(t *testing.T) {
	auth, m := newAuth(t)
	seedAgent(t, m, "agk_valid", true)

	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "transient"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"ok": "true"})
	})
	h := auth.RequireAgent(middleware.Idempotency(m)(inner))

	if w := post(h, "idem-1", `{}`); w.Code != http.StatusInternalServerError {
		t.Fatalf("First status = %d", w.Code)
	}
	if w := post(h, "idem-1", `{}`); w.Code != http.StatusOK {
		t.Errorf("Retry status = %d, want handler re-run after 5xx", w.Code)
	}
	if calls != 2 {
		t.Errorf("Handler ran %d times, want 2", calls)
	}
}
