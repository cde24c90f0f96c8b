package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/payoffsolar/api/internal/handlers"
	"github.com/payoffsolar/api/internal/platform/auth"
	"github.com/payoffsolar/api/internal/platform/config"
	"github.com/payoffsolar/api/internal/platform/events"
	"github.com/payoffsolar/api/internal/platform/idempotency"
	"github.com/payoffsolar/api/internal/platform/locks"
	"github.com/payoffsolar/api/internal/platform/observability"
	pgplatform "github.com/payoffsolar/api/internal/platform/postgres"
	"github.com/payoffsolar/api/internal/platform/requestctx"
	"github.com/payoffsolar/api/internal/repositories"
	"github.com/payoffsolar/api/internal/repositories/memory"
	pgrepo "github.com/payoffsolar/api/internal/repositories/postgres"
	"github.com/payoffsolar/api/internal/services"
)

const (
	instrumentationName = "github.com/payoffsolar/api"
	localActorID        = "local-dev"
)

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config        config.Config
	Logger        *zap.Logger
	Repositories  repositories.Registry
	Orders        services.OrderUpdateService
	Authenticator *auth.Authenticator
	Idempotency   idempotency.Store

	closers []func(context.Context) error
}

// NewContainer constructs the runtime dependencies described by cfg. Anything
// opened before a failure is closed again.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *Container, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	var checks []repositories.DependencyCheck

	provider, err := c.openDatabase(ctx)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{Name: "postgres", Check: provider.Ping})
	}

	locker, lockCheck, err := c.buildLocker()
	if err != nil {
		return nil, err
	}
	if lockCheck != nil {
		checks = append(checks, *lockCheck)
	}

	publisher, pubCheck, err := c.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if pubCheck != nil {
		checks = append(checks, *pubCheck)
	}

	store, storeCheck, err := c.buildIdempotencyStore(ctx)
	if err != nil {
		return nil, err
	}
	c.Idempotency = store
	if storeCheck != nil {
		checks = append(checks, *storeCheck)
	}

	if provider == nil {
		checks = append(checks, repositories.DependencyCheck{Name: "memory", Check: func(context.Context) error { return nil }})
	}
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, fmt.Errorf("build health repository: %w", err)
	}

	if provider != nil {
		registry, err := pgrepo.NewRegistry(provider, health)
		if err != nil {
			return nil, fmt.Errorf("build postgres registry: %w", err)
		}
		c.Repositories = registry
	} else {
		registry := memory.NewRegistry()
		registry.SetHealth(health)
		c.Repositories = registry
	}

	if err := c.buildAuthenticator(ctx); err != nil {
		return nil, err
	}

	precision := int32(cfg.Currency.Precision)
	orders, err := services.NewOrderUpdateService(services.OrderUpdateServiceDeps{
		Products:       c.Repositories.Products(),
		CostCategories: c.Repositories.CostCategories(),
		Orders:         c.Repositories.Orders(),
		OrderItems:     c.Repositories.OrderItems(),
		CostItems:      c.Repositories.CostItems(),
		Inventory:      c.Repositories.Inventory(),
		UnitOfWork:     c.Repositories,
		Locker:         locker,
		Events:         publisher,
		Tracer:         otel.Tracer(instrumentationName),
		Meter:          otel.Meter(instrumentationName),
		Precision:      &precision,
		Clock:          time.Now,
		Logger:         observability.EventLogger(logger.Named("orders")),
	})
	if err != nil {
		return nil, fmt.Errorf("build order update service: %w", err)
	}
	c.Orders = orders
	return c, nil
}

func (c *Container) openDatabase(ctx context.Context) (*pgplatform.Provider, error) {
	if c.Config.Database.Driver != config.DatabaseDriverPostgres {
		c.Logger.Warn("using in-memory repositories; data is lost on restart")
		return nil, nil
	}
	provider, err := pgplatform.Open(ctx, c.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	c.closers = append(c.closers, provider.Close)
	if c.Config.Database.AutoMigrate {
		if err := pgrepo.EnsureSchema(ctx, provider); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return provider, nil
}

func (c *Container) buildLocker() (services.OrderLocker, *repositories.DependencyCheck, error) {
	cfg := c.Config.Locks
	if cfg.RedisAddr == "" {
		return locks.NewLocalLocker(cfg.Wait), nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	c.closers = append(c.closers, func(context.Context) error { return client.Close() })
	locker, err := locks.NewRedisLocker(client, cfg.TTL, cfg.Wait, observability.EventLogger(c.Logger.Named("locks")))
	if err != nil {
		return nil, nil, fmt.Errorf("build redis locker: %w", err)
	}
	check := &repositories.DependencyCheck{
		Name:  "redis",
		Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}
	return locker, check, nil
}

func (c *Container) buildPublisher(ctx context.Context) (services.OrderEventPublisher, *repositories.DependencyCheck, error) {
	cfg := c.Config.PubSub
	if cfg.ProjectID == "" {
		return events.NewLogOrderPublisher(c.Logger.Named("events")), nil, nil
	}
	client, err := events.OpenPubSub(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	topic := client.Topic(cfg.OrderEventTopic)
	c.closers = append(c.closers, func(context.Context) error {
		topic.Stop()
		return client.Close()
	})
	publisher, err := events.NewPubSubOrderPublisher(topic)
	if err != nil {
		return nil, nil, err
	}
	return publisher, &repositories.DependencyCheck{Name: "pubsub", Check: topicExists(topic)}, nil
}

func topicExists(topic *pubsub.Topic) func(context.Context) error {
	return func(ctx context.Context) error {
		ok, err := topic.Exists(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("topic %s does not exist", topic.ID())
		}
		return nil
	}
}

func (c *Container) buildIdempotencyStore(ctx context.Context) (idempotency.Store, *repositories.DependencyCheck, error) {
	if c.Config.Idempotency.Store != config.IdempotencyStoreFirestore {
		return idempotency.NewMemoryStore(), nil, nil
	}
	client, err := idempotency.OpenFirestore(ctx, c.Config.Firestore)
	if err != nil {
		return nil, nil, err
	}
	c.closers = append(c.closers, func(context.Context) error { return client.Close() })
	store := idempotency.NewFirestoreStore(client)
	return store, &repositories.DependencyCheck{Name: "firestore", Check: store.Ping}, nil
}

func (c *Container) buildAuthenticator(ctx context.Context) error {
	if c.Config.Firebase.ProjectID == "" {
		if !c.Config.IsLocal() {
			return errors.New("firebase project id is required outside local environments")
		}
		c.Logger.Warn("firebase not configured; admin routes accept unauthenticated local requests", zap.String("actor", localActorID))
		return nil
	}
	client, err := auth.NewFirebaseVerifier(ctx, c.Config.Firebase)
	if err != nil {
		return fmt.Errorf("build firebase verifier: %w", err)
	}
	c.Authenticator = auth.NewAuthenticator(client)
	return nil
}

// Router assembles the HTTP handler: shared middleware, probes, and the staff order routes.
func (c *Container) Router(build handlers.BuildInfo) http.Handler {
	projectID := c.Config.Firebase.ProjectID
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(c.Logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(),
		observability.RequestLoggerMiddleware(projectID, otel.Meter(instrumentationName)),
	}

	adminAuth := localActorMiddleware
	if c.Authenticator != nil {
		adminAuth = c.Authenticator.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin)
	}

	orderHandlers := handlers.NewAdminOrderHandlers(c.Orders,
		handlers.WithOrderIdempotency(idempotency.Middleware(c.Idempotency,
			idempotency.WithHeader(c.Config.Idempotency.Header),
			idempotency.WithTTL(c.Config.Idempotency.TTL),
		)),
		handlers.WithOrderWriteRateLimit(c.Config.Server.OrderWriteLimit, c.Config.Server.OrderWriteWindow, time.Now),
	)

	var health repositories.HealthRepository
	if c.Repositories != nil {
		health = c.Repositories.Health()
	}

	return handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(build),
			handlers.WithHealthRepository(health),
		)),
		handlers.WithAdminMiddlewares(adminAuth),
		handlers.WithAdminRoutes(orderHandlers.Routes),
	)
}

// StartBackground launches maintenance loops; they stop when ctx is cancelled.
func (c *Container) StartBackground(ctx context.Context) {
	cfg := c.Config.Idempotency
	go idempotency.RunCleanup(ctx, c.Idempotency, cfg.CleanupInterval, cfg.CleanupBatchSize, c.Logger.Named("idempotency"))
}

// Close releases clients in reverse order of creation.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func localActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(requestctx.WithActor(r.Context(), localActorID)))
	})
}
