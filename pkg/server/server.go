// Package server is the public composition root for the SyndiHub
// listing hub. It wires the store, broker, registries and HTTP router
// into a ready Server so the cmd binaries stay thin.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/syndihub/syndihub/hub/internal/adapters"
	"github.com/syndihub/syndihub/hub/internal/api"
	"github.com/syndihub/syndihub/hub/internal/api/handlers"
	"github.com/syndihub/syndihub/hub/internal/audit"
	"github.com/syndihub/syndihub/hub/internal/catalog"
	"github.com/syndihub/syndihub/hub/internal/config"
	"github.com/syndihub/syndihub/hub/internal/delivery"
	"github.com/syndihub/syndihub/hub/internal/destinations"
	"github.com/syndihub/syndihub/hub/internal/feed"
	"github.com/syndihub/syndihub/hub/internal/ingest"
	"github.com/syndihub/syndihub/hub/internal/objstore"
	"github.com/syndihub/syndihub/hub/internal/outbox"
	"github.com/syndihub/syndihub/hub/internal/projection"
	"github.com/syndihub/syndihub/hub/internal/queue"
	"github.com/syndihub/syndihub/hub/internal/ratelimit"
	"github.com/syndihub/syndihub/hub/internal/secrets"
	"github.com/syndihub/syndihub/hub/internal/store"
	"github.com/syndihub/syndihub/hub/internal/telemetry"
)

// Built-in destination names. Additional destinations register their
// connector, projector and (for hosted feeds) plugin at startup.
const (
	DestPortalon = "portalon"  // push API portal
	DestCasafeed = "casafeed"  // hosted XML feed
	DestCSVFeed  = "exportcsv" // pull-only CSV feed
)

// Server holds the fully wired hub.
type Server struct {
	Handler http.Handler
	Store   store.Store
	Config  *config.Config

	Broker      queue.Broker
	Connectors  *destinations.Registry
	Projectors  *projection.Registry
	FeedPlugins *feed.Registry
	FeedEngine  *feed.Engine
	Adapters    *adapters.Registry

	OutboxDispatcher   *outbox.Dispatcher
	OutboxWorker       *outbox.Worker
	DeliveryDispatcher *delivery.Dispatcher
	DeliveryWorker     *delivery.Worker
	FeedDispatcher     *feed.Dispatcher

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New wires the hub from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig wires the hub with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var st store.Store
	if cfg.Database.URL != "" {
		st, err = store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	} else {
		st = store.NewMemoryStore()
		log.Info().Msg("In-memory store initialized")
	}

	var broker queue.Broker
	if cfg.Broker.URL != "" {
		broker, err = queue.DialAMQP(cfg.Broker.URL)
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", err)
		}
		log.Info().Msg("RabbitMQ broker connected")
	} else {
		broker = queue.NewMemory()
		log.Info().Msg("In-process queue initialized")
	}

	var limiter ratelimit.Limiter
	if cfg.Redis.URL != "" {
		limiter, err = ratelimit.NewRedisLimiterURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("init rate limiter: %w", err)
		}
		log.Info().Msg("Redis rate limiter initialized")
	} else {
		limiter = ratelimit.NewLocalLimiter()
	}

	objects, err := objstore.NewLocal(cfg.Feeds.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("init object store: %w", err)
	}

	boxKey := cfg.Security.CredentialsEncryptionKey
	if boxKey == "" {
		// Ephemeral key: credentials stored in this process cannot be
		// decrypted after a restart. Fine for dev, never for prod.
		boxKey, err = secrets.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate credentials key: %w", err)
		}
		log.Warn().Msg("CREDENTIALS_ENCRYPTION_KEY unset, using ephemeral key")
	}
	box, err := secrets.NewBox(boxKey)
	if err != nil {
		return nil, fmt.Errorf("init credentials box: %w", err)
	}

	logger := log.Logger

	adapterReg := adapters.NewRegistry()
	adapterReg.Register(adapters.NewPassthrough("canonical"))

	connectors := destinations.NewRegistry()
	httpClient := destinations.NewHTTPClient()
	connectors.Register(destinations.NewPushAPIConnector(DestPortalon, httpClient))
	connectors.Register(destinations.NewHostedFeedConnector(DestCasafeed))
	connectors.Register(destinations.NewPullOnlyConnector(DestCSVFeed).
		WithInclusion(destinations.InclusionIncludeWithStatus))

	projectors := projection.NewRegistry()
	projectors.Register(DestPortalon, &projection.Portal{
		Destination: DestPortalon,
		Required:    []string{"status"},
	})

	plugins := feed.NewRegistry()
	plugins.Register(DestCasafeed, feed.NewXMLPlugin(DestCasafeed))
	plugins.Register(DestCSVFeed, feed.NewCSVPlugin(DestCSVFeed).
		WithInclusion(destinations.InclusionIncludeWithStatus))

	ingestSvc := ingest.NewService(st, adapterReg, logger)
	catalogSvc := catalog.NewService(st, logger)
	feedEngine := feed.NewEngine(st, objects, plugins, logger)
	auditRec := audit.NewRecorder(st, logger)

	h := handlers.New(handlers.Handlers{
		Store:       st,
		Ingest:      ingestSvc,
		Catalog:     catalogSvc,
		Feeds:       feedEngine,
		Plugins:     plugins,
		Projections: projectors,
		Objects:     objects,
		Limiter:     limiter,
		Audit:       auditRec,
		Box:         box,
		Config:      cfg,
		Log:         logger,
	})
	router := api.NewRouter(api.RouterConfig{
		Handlers:         h,
		Store:            st,
		APIKeyPepper:     cfg.Security.APIKeyPepper,
		InternalAdminKey: cfg.Security.InternalAdminKey,
		Log:              logger,
	})

	return &Server{
		Handler:     router,
		Store:       st,
		Config:      cfg,
		Broker:      broker,
		Connectors:  connectors,
		Projectors:  projectors,
		FeedPlugins: plugins,
		FeedEngine:  feedEngine,
		Adapters:    adapterReg,

		OutboxDispatcher: outbox.NewDispatcher(st, broker,
			cfg.Dispatch.OutboxInterval, cfg.Dispatch.OutboxBatchSize, cfg.Dispatch.LeaseDuration, logger),
		OutboxWorker: outbox.NewWorker(st, logger),
		DeliveryDispatcher: delivery.NewDispatcher(st, broker,
			cfg.Dispatch.DeliveryInterval, cfg.Dispatch.DeliveryBatchSize, logger),
		DeliveryWorker: delivery.NewWorker(st, connectors, projectors, box, logger),
		FeedDispatcher: feed.NewDispatcher(st, feedEngine, cfg.Dispatch.FeedInterval, logger),

		ShutdownFunc: shutdown,
	}, nil
}

// RunPipelines starts the dispatchers and queue consumers. It blocks
// until the context is canceled. The API server and the pipelines can
// run in one process (dev) or split across binaries (prod).
func (s *Server) RunPipelines(ctx context.Context) {
	go s.OutboxDispatcher.Run(ctx)
	go s.DeliveryDispatcher.Run(ctx)
	go s.FeedDispatcher.Run(ctx)

	go func() {
		if err := s.Broker.Consume(ctx, queue.QueueOutbox, s.OutboxWorker.Handle); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Outbox consumer stopped")
		}
	}()
	go func() {
		if err := s.Broker.Consume(ctx, queue.QueuePublish, s.DeliveryWorker.Handle); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Publish consumer stopped")
		}
	}()

	<-ctx.Done()
}
