package container

import (
	"context"
	"fmt"

	"github.com/amiosamu/inventory-ledger/internal/config"
	"github.com/amiosamu/inventory-ledger/internal/lock"
	"github.com/amiosamu/inventory-ledger/internal/messaging"
	kafkapub "github.com/amiosamu/inventory-ledger/internal/messaging/kafka"
	"github.com/amiosamu/inventory-ledger/internal/messaging/local"
	"github.com/amiosamu/inventory-ledger/internal/messaging/outbox"
	rabbitpub "github.com/amiosamu/inventory-ledger/internal/messaging/rabbitmq"
	"github.com/amiosamu/inventory-ledger/internal/repository/interfaces"
	"github.com/amiosamu/inventory-ledger/internal/repository/memory"
	mongorepo "github.com/amiosamu/inventory-ledger/internal/repository/mongodb"
	pgrepo "github.com/amiosamu/inventory-ledger/internal/repository/postgres"
	"github.com/amiosamu/inventory-ledger/internal/repository/postgres/migrations"
	redisrepo "github.com/amiosamu/inventory-ledger/internal/repository/redis"
	"github.com/amiosamu/inventory-ledger/internal/service"
	grpctransport "github.com/amiosamu/inventory-ledger/internal/transport/grpc"
	httptransport "github.com/amiosamu/inventory-ledger/internal/transport/http"
	"github.com/amiosamu/inventory-ledger/internal/transport/http/handlers"
	"github.com/amiosamu/inventory-ledger/shared/platform/database/mongodb"
	"github.com/amiosamu/inventory-ledger/shared/platform/database/postgres"
	"github.com/amiosamu/inventory-ledger/shared/platform/database/redis"
	platformkafka "github.com/amiosamu/inventory-ledger/shared/platform/messaging/kafka"
	"github.com/amiosamu/inventory-ledger/shared/platform/messaging/rabbitmq"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/metrics"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/tracing"
)

// Container holds every dependency of the inventory service, built from
// configuration in dependency order.
type Container struct {
	config  *config.Config
	logger  logging.Logger
	metrics metrics.Metrics
	tracer  tracing.Tracer

	postgres *postgres.Connection
	mongo    *mongodb.Connection
	redis    *redis.Connection

	store     interfaces.InventoryStore
	producer  *platformkafka.Producer
	rabbit    *rabbitmq.Publisher
	publisher messaging.Publisher

	inventoryService *service.InventoryService
	relay            *outbox.Relay
	healthServer     *httptransport.HealthServer
	httpServer       *httptransport.Server
	grpcServer       *grpctransport.Server

	closers []func() error
}

// New connects to every configured backend. On error, whatever was already
// opened is closed.
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	c := &Container{config: cfg}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"observability", c.initObservability},
		{"redis", c.initRedis},
		{"storage", c.initStorage},
		{"publisher", c.initPublisher},
		{"service", c.initService},
		{"transport", c.initTransport},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	c.logger.Info(ctx, "Container initialized", map[string]interface{}{
		"storage_driver": cfg.Inventory.StorageDriver,
		"publish_mode":   cfg.Inventory.PublishMode,
		"event_broker":   cfg.Inventory.EventBroker,
		"lock_backend":   cfg.Inventory.LockBackend,
	})
	return c, nil
}

func (c *Container) initObservability(context.Context) error {
	obs := c.config.Observability
	logger, err := logging.NewServiceLogger(c.config.Service.Name, c.config.Service.Version, obs.LogLevel, obs.LogFormat)
	if err != nil {
		return err
	}
	c.logger = logger

	if obs.MetricsEnabled {
		c.metrics = metrics.NewInMemoryMetrics(c.config.Service.Name)
	} else {
		c.metrics = metrics.NewNoOpMetrics()
	}

	tracer, err := tracing.NewTracerWithConfig(tracing.TracerConfig{
		ServiceName:    c.config.Service.Name,
		ServiceVersion: c.config.Service.Version,
		Environment:    c.config.Service.Environment,
		OTELEndpoint:   obs.OTELEndpoint,
		SamplingRatio:  obs.SamplingRatio,
		Enabled:        obs.TracingEnabled,
	})
	if err != nil {
		return err
	}
	c.tracer = tracer
	c.closers = append(c.closers, tracer.Close)
	return nil
}

func (c *Container) initRedis(ctx context.Context) error {
	if !c.config.NeedsRedis() {
		return nil
	}
	conn, err := redis.NewConnection(ctx, c.config.Database.Redis, c.logger)
	if err != nil {
		return err
	}
	c.redis = conn
	c.closers = append(c.closers, conn.Close)
	return nil
}

// locker builds the per-product lock for stores that do not lock in the
// database themselves.
func (c *Container) locker() lock.Locker {
	inv := c.config.Inventory
	var l lock.Locker = lock.NewKeyedMutex()
	if inv.LockBackend == config.LockRedis {
		l = lock.NewRedisLocker(c.redis, inv.LockTTL, c.logger)
	}
	return lock.WithTimeout(l, inv.LockTimeout)
}

func (c *Container) initStorage(ctx context.Context) error {
	inv := c.config.Inventory
	switch inv.StorageDriver {
	case config.StoragePostgres:
		conn, err := postgres.NewConnection(ctx, c.config.Database.PostgreSQL, c.logger)
		if err != nil {
			return err
		}
		c.postgres = conn
		c.closers = append(c.closers, conn.Close)

		if c.config.Database.PostgreSQL.RunMigrations {
			if err := postgres.NewMigrator(conn.DB, migrations.Files, c.logger).RunMigrations(ctx); err != nil {
				return err
			}
		}
		c.store = pgrepo.NewInventoryRepository(conn.DB, inv.LockTimeout, c.logger)

	case config.StorageMongoDB:
		conn, err := mongodb.NewConnection(ctx, c.config.Database.MongoDB, c.logger)
		if err != nil {
			return err
		}
		c.mongo = conn
		c.closers = append(c.closers, conn.Close)

		repo := mongorepo.NewInventoryRepository(conn, c.locker(), c.logger)
		if err := repo.EnsureIndexes(ctx); err != nil {
			return err
		}
		c.store = repo

	default:
		c.store = memory.NewInventoryStore(c.locker())
		c.logger.Warn(ctx, "Using in-memory storage; state is lost on restart")
	}
	return nil
}

func (c *Container) initPublisher(ctx context.Context) error {
	inv := c.config.Inventory
	switch inv.EventBroker {
	case config.BrokerKafka:
		producer, err := platformkafka.NewProducer(c.config.Kafka, c.logger, c.metrics)
		if err != nil {
			return err
		}
		c.producer = producer
		c.closers = append(c.closers, producer.Close)
		c.publisher = kafkapub.NewPublisher(producer, inv.EventsTopic, c.logger)

	case config.BrokerRabbitMQ:
		pub, err := rabbitmq.Dial(ctx, c.config.RabbitMQ, c.logger, c.metrics)
		if err != nil {
			return err
		}
		c.rabbit = pub
		c.closers = append(c.closers, pub.Close)
		c.publisher = rabbitpub.NewPublisher(pub)

	default:
		c.publisher = local.NewPublisher(0, c.logger)
	}
	return nil
}

func (c *Container) initService(context.Context) error {
	inv := c.config.Inventory

	var cache service.ReservationCache
	if inv.IdempotencyCacheEnabled {
		cache = redisrepo.NewReservationCache(c.redis, inv.IdempotencyCacheTTL, c.logger)
	}

	c.inventoryService = service.NewInventoryService(c.store, c.publisher, cache, service.Options{
		PublishMode: inv.PublishMode,
		AutoCreate:  inv.AutoCreate,
		PageLimit:   inv.LowStockPageLimit,
	}, c.logger, c.metrics)

	if inv.PublishMode == config.PublishOutbox {
		c.relay = outbox.NewRelay(c.store, c.publisher, inv.OutboxPollInterval, inv.OutboxBatchSize, c.logger, c.metrics)
	}
	return nil
}

func (c *Container) initTransport(context.Context) error {
	c.healthServer = httptransport.NewHealthServer(c.config.Service.Name, c.config.Service.Version,
		c.healthChecks(), c.metrics, c.logger)

	c.httpServer = httptransport.NewServer(
		c.config.Server,
		c.config.Inventory.CORSAllowedOrigins,
		handlers.NewInventoryHandler(c.inventoryService, c.logger),
		c.healthServer,
		c.logger,
		c.metrics,
	)

	if c.config.GRPC.Enabled {
		c.grpcServer = grpctransport.NewServer(c.config.GRPC, c.healthServer.Ready, c.logger, c.metrics)
	}
	return nil
}

// healthChecks lists the dependencies probed by /health and /ready. The
// store is critical; the broker is critical only when publishing is
// synchronous, since the outbox tolerates broker outages.
func (c *Container) healthChecks() []httptransport.HealthCheck {
	syncPublish := c.config.Inventory.PublishMode == config.PublishSync
	checks := []httptransport.HealthCheck{
		{Name: "storage", Critical: true, Check: c.store.HealthCheck},
	}
	if c.redis != nil {
		checks = append(checks, httptransport.HealthCheck{
			Name:     "redis",
			Critical: c.config.Inventory.LockBackend == config.LockRedis,
			Check:    c.redis.HealthCheck,
		})
	}
	if c.producer != nil {
		kafkaCfg := c.config.Kafka
		checks = append(checks, httptransport.HealthCheck{
			Name:     "kafka",
			Critical: syncPublish,
			Check:    func(context.Context) error { return platformkafka.HealthCheck(kafkaCfg) },
		})
	}
	if c.rabbit != nil {
		checks = append(checks, httptransport.HealthCheck{
			Name:     "rabbitmq",
			Critical: syncPublish,
			Check:    c.rabbit.HealthCheck,
		})
	}
	return checks
}

func (c *Container) Config() *config.Config { return c.config }
func (c *Container) Logger() logging.Logger { return c.logger }
func (c *Container) Metrics() metrics.Metrics { return c.metrics }
func (c *Container) InventoryService() *service.InventoryService { return c.inventoryService }
func (c *Container) HTTPServer() *httptransport.Server { return c.httpServer }
func (c *Container) HealthServer() *httptransport.HealthServer { return c.healthServer }

// GRPCServer is nil when gRPC is disabled.
func (c *Container) GRPCServer() *grpctransport.Server { return c.grpcServer }

// Relay is nil unless the publish mode is outbox.
func (c *Container) Relay() *outbox.Relay { return c.relay }

// Close releases resources in reverse order of creation.
func (c *Container) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}
