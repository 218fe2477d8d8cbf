// Package app builds the service graph shared by the HTTP server and crmctl.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/boddenberg/crm-bfa-go/internal/config"
	"github.com/boddenberg/crm-bfa-go/internal/handler"
	"github.com/boddenberg/crm-bfa-go/internal/infra/broker"
	"github.com/boddenberg/crm-bfa-go/internal/infra/cache"
	"github.com/boddenberg/crm-bfa-go/internal/infra/idempotency"
	"github.com/boddenberg/crm-bfa-go/internal/infra/livestore"
	"github.com/boddenberg/crm-bfa-go/internal/infra/memstore"
	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"
	"github.com/boddenberg/crm-bfa-go/internal/infra/postgres"
	"github.com/boddenberg/crm-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/crm-bfa-go/internal/infra/supabase"
	"github.com/boddenberg/crm-bfa-go/internal/port"
	"github.com/boddenberg/crm-bfa-go/internal/service"
	"github.com/boddenberg/crm-bfa-go/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds the wired services and the resources to release on shutdown.
type App struct {
	Config   *config.Config
	Metrics  *observability.Metrics
	Docs     *livestore.Store
	Services handler.Services

	closers []func() error
	logger  *zap.Logger
}

// New opens the configured backends and wires every service on top of them.
// On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Metrics: metrics, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	changes, err := a.openBroker()
	if err != nil {
		return nil, err
	}
	docs, err := livestore.New(backend, changes, cfg.StoreBackend, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	a.Docs = docs
	a.closers = append(a.closers, docs.Close)

	companies := store.NewCompanyRepository(docs)
	locations := store.NewLocationRepository(docs)
	users := store.NewTenantUserRepository(docs)
	dir := store.NewDirectoryReader(companies, locations, users)
	resolver := service.NewDirectoryResolver(dir)
	scope := service.NewScopeCalculator(dir, cfg.MaxConcurrency, metrics, logger)

	a.Services = handler.Services{
		Tokens:         TokenVerifier(cfg),
		Profiles:       service.NewProfileService(resolver, cfg.MissPolicy(), metrics, logger),
		Scope:          scope,
		Admin:          service.NewAdminService(companies, locations, users, resolver, scope, logger),
		Lifecycle:      service.NewLifecycleManager(store.NewSalesRecordRepository(docs, logger), companies, metrics, logger),
		Docs:           docs,
		Idempotency:    a.openIdempotency(),
		IdempotencyTTL: cfg.IdempotencyTTL,
		SSEHeartbeat:   cfg.SSEHeartbeat,
	}
	return a, nil
}

// TokenVerifier builds the access-token verifier from cfg.
func TokenVerifier(cfg *config.Config) *service.TokenVerifier {
	return service.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
}

// Handler returns the HTTP router over the wired services.
func (a *App) Handler() http.Handler {
	return handler.NewRouter(a.Services, a.Metrics, a.logger)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ============================================================
// Backends
// ============================================================

func (a *App) openBackend(ctx context.Context) (port.DocumentBackend, error) {
	cfg := a.Config
	switch cfg.StoreBackend {
	case config.StoreSupabase:
		a.logger.Info("using Supabase as document store", zap.String("supabase_url", cfg.SupabaseURL))
		client := supabase.NewClient(
			&http.Client{Timeout: cfg.HTTPTimeout},
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase"),
			resilience.Config{
				MaxRetries:     cfg.MaxRetries,
				InitialBackoff: cfg.InitialBackoff,
				MaxConcurrency: cfg.MaxConcurrency,
			},
			a.logger,
		)
		return supabase.NewDocuments(client), nil
	case config.StorePostgres:
		a.logger.Info("using PostgreSQL as document store")
		docs, err := postgres.Open(ctx, cfg.DatabaseURL, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { docs.Close(); return nil })
		return docs, nil
	default:
		a.logger.Warn("using in-memory document store, data is lost on restart")
		return memstore.New(), nil
	}
}

func (a *App) openBroker() (port.ChangeBroker, error) {
	cfg := a.Config
	var b port.ChangeBroker
	if cfg.Broker == config.BrokerNATS {
		nb, err := broker.ConnectNATS(cfg.NATSURL, cfg.NATSSubjectPrefix, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.logger.Info("change feed on NATS", zap.String("nats_url", cfg.NATSURL))
		b = nb
	} else {
		b = broker.NewMemory()
	}
	a.closers = append(a.closers, b.Close)
	return b, nil
}

func (a *App) openIdempotency() port.IdempotencyStore {
	cfg := a.Config
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, client.Close)
		a.logger.Info("idempotency keys in Redis", zap.String("redis_addr", cfg.RedisAddr))
		return idempotency.NewRedis(client, "crm:idem:")
	}
	c := cache.New[string](cfg.IdempotencyTTL)
	a.closers = append(a.closers, func() error { c.Close(); return nil })
	return idempotency.NewMemory(c)
}
