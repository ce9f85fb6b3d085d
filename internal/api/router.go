// Package api wires the HTTP router: middleware stack, authenticated
// API routes and the public hosted-feed endpoint.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/syndihub/syndihub/hub/internal/api/handlers"
	"github.com/syndihub/syndihub/hub/internal/api/middleware"
	"github.com/syndihub/syndihub/hub/internal/store"
)

// RouterConfig bundles router dependencies.
type RouterConfig struct {
	Handlers         *handlers.Handlers
	Store            store.Store
	APIKeyPepper     string
	InternalAdminKey string
	Log              zerolog.Logger
}

// NewRouter builds the chi router with the full middleware stack.
func NewRouter(rc RouterConfig) *chi.Mux {
	h := rc.Handlers
	auth := &middleware.Auth{
		Store:            rc.Store,
		Pepper:           rc.APIKeyPepper,
		InternalAdminKey: rc.InternalAdminKey,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(rc.Log))
	r.Use(middleware.Telemetry)
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "Idempotency-Key"},
		ExposedHeaders:   []string{"ETag", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-Idempotent-Replay"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Public, unauthenticated.
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)

	// Hosted feeds authenticate with the feed token in the query string.
	// No response compression here: pre-gzipped artifacts are served as-is.
	r.Get("/v1/feeds/{partnerID}/{destination}.{ext}", h.PublicFeed)
	r.Head("/v1/feeds/{partnerID}/{destination}.{ext}", h.PublicFeed)

	// Agent-facing ingest. The handler rejects requests without an
	// Idempotency-Key header.
	r.Route("/v1/ingest", func(r chi.Router) {
		r.Use(auth.RequireAgent)
		r.Use(middleware.Idempotency(rc.Store))
		r.Post("/{partnerKey}/listings/{sourceListingID}", h.IngestListing)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Compress(5))

		// Partner administration.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequirePartnerAdmin)
			r.Use(middleware.Idempotency(rc.Store))

			r.Get("/ingest-runs", h.ListIngestRuns)
			r.Get("/ingest-runs/{runID}", h.GetIngestRun)

			r.Get("/deliveries", h.ListDeliveries)
			r.Get("/deliveries/{deliveryID}", h.GetDelivery)

			r.Post("/agents", h.CreateAgent)
			r.Get("/agents/{agentID}", h.GetAgent)
			r.Patch("/agents/{agentID}", h.UpdateAgent)
			r.Post("/agents/{agentID}/rotate-key", h.RotateAgentKey)
			r.Put("/agents/{agentID}/credentials/{destination}", h.PutAgentCredential)
			r.Put("/agents/{agentID}/identities/{destination}", h.PutAgentIdentity)

			r.Get("/destinations/{destination}", h.GetDestinationSetting)
			r.Put("/destinations/{destination}", h.PutDestinationSetting)
			r.Post("/destinations/{destination}/rotate-feed-token", h.RotateFeedToken)
			r.Get("/destinations/{destination}/feed", h.FeedStatus)
			r.Post("/destinations/{destination}/feed/rebuild", h.RebuildFeed)
			r.Get("/destinations/{destination}/readiness", h.DestinationReadiness)

			r.Get("/audit", h.ListAudit)
		})

		// Internal operator routes.
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireInternalAdmin)
			r.Use(middleware.Idempotency(rc.Store))

			r.Post("/bootstrap", h.Bootstrap)
			r.Post("/partners/{partnerID}/rotate-admin-key", h.RotatePartnerAdminKey)

			r.Post("/catalog/imports", h.ImportCatalog)
			r.Get("/catalog/imports/{runID}", h.GetImportRun)
			r.Get("/catalog/imports/{runID}/items", h.ListImportItems)

			r.Post("/catalog/sets", h.CreateCatalogSet)
			r.Get("/catalog/sets", h.ListCatalogSets)
			r.Get("/catalog/sets/{setID}", h.GetCatalogSet)
			r.Post("/catalog/sets/{setID}/submit", h.SubmitCatalogSet)
			r.Post("/catalog/sets/{setID}/reject", h.RejectCatalogSet)
			r.Post("/catalog/sets/{setID}/activate", h.ActivateCatalogSet)

			r.Post("/geo/areas", h.EnsureGeoArea)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	})

	return r
}
