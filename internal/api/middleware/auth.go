// Package middleware provides the HTTP middleware stack: request
// logging, API key authentication and idempotent POST replay.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/syndihub/syndihub/hub/internal/store"
)

// Actor roles.
const (
	RoleAgent        = "agent"
	RolePartnerAdmin = "partner_admin"
	RoleInternal     = "internal_admin"
)

type contextKey string

const actorKey contextKey = "actor"

// Actor is the authenticated caller placed on the request context.
type Actor struct {
	Role      string
	TenantID  string
	PartnerID string
	AgentID   string
	KeyID     string
}

// GetActor returns the request actor, or nil for unauthenticated routes.
func GetActor(ctx context.Context) *Actor {
	a, _ := ctx.Value(actorKey).(*Actor)
	return a
}

func withActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// HashKey derives the stored lookup hash for an API key. The pepper
// keeps a leaked table from being a usable credential list.
func HashKey(key, pepper string) string {
	sum := sha256.Sum256([]byte(pepper + key))
	return hex.EncodeToString(sum[:])
}

func extractKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// Auth resolves API keys against the store.
type Auth struct {
	Store            store.Store
	Pepper           string
	InternalAdminKey string
}

// RequireAgent admits active agent keys only.
func (a *Auth) RequireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractKey(r)
		if key == "" {
			unauthorized(w, "missing API key")
			return
		}
		agent, err := a.Store.GetAgentByKeyHash(r.Context(), HashKey(key, a.Pepper))
		if err != nil || !agent.IsActive {
			unauthorized(w, "invalid API key")
			return
		}
		actor := &Actor{
			Role:      RoleAgent,
			TenantID:  agent.TenantID,
			PartnerID: agent.PartnerID,
			AgentID:   agent.ID,
			KeyID:     agent.ID,
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

// RequirePartnerAdmin admits partner admin keys.
func (a *Auth) RequirePartnerAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractKey(r)
		if key == "" {
			unauthorized(w, "missing API key")
			return
		}
		partner, err := a.Store.GetPartnerByAdminKeyHash(r.Context(), HashKey(key, a.Pepper))
		if err != nil {
			unauthorized(w, "invalid API key")
			return
		}
		actor := &Actor{
			Role:      RolePartnerAdmin,
			TenantID:  partner.TenantID,
			PartnerID: partner.ID,
			KeyID:     partner.ID,
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

// RequireInternalAdmin admits the operator key configured at deploy time.
func (a *Auth) RequireInternalAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractKey(r)
		if a.InternalAdminKey == "" ||
			subtle.ConstantTimeCompare([]byte(key), []byte(a.InternalAdminKey)) != 1 {
			unauthorized(w, "invalid API key")
			return
		}
		actor := &Actor{Role: RoleInternal, KeyID: "internal"}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
