package config

import (
	"strings"
	"time"

	"github.com/amiosamu/inventory-ledger/shared/platform/config"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMongoDB  = "mongodb"
	StorageMemory   = "memory"
)

// Publish modes.
const (
	PublishSync   = "sync"
	PublishOutbox = "outbox"
)

// Event brokers.
const (
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
	BrokerLocal    = "local"
)

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config is the full configuration of the inventory service.
type Config struct {
	*config.BaseConfig
	Kafka     config.KafkaConfig    `json:"kafka"`
	RabbitMQ  config.RabbitMQConfig `json:"rabbitmq"`
	GRPC      config.GRPCConfig     `json:"grpc"`
	Inventory InventoryConfig       `json:"inventory"`
}

// InventoryConfig holds the service-specific settings.
type InventoryConfig struct {
	StorageDriver string        `json:"storage_driver"`
	PublishMode   string        `json:"publish_mode"`
	EventBroker   string        `json:"event_broker"`
	EventsTopic   string        `json:"events_topic"`
	LockTimeout   time.Duration `json:"lock_timeout"`
	AutoCreate    bool          `json:"auto_create"`

	LockBackend string        `json:"lock_backend"`
	LockTTL     time.Duration `json:"lock_ttl"`

	IdempotencyCacheEnabled bool          `json:"idempotency_cache_enabled"`
	IdempotencyCacheTTL     time.Duration `json:"idempotency_cache_ttl"`

	OutboxPollInterval time.Duration `json:"outbox_poll_interval"`
	OutboxBatchSize    int           `json:"outbox_batch_size"`

	LowStockPageLimit  int      `json:"low_stock_page_limit"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(config.NewLoader(""))
}

func LoadFrom(l *config.Loader) (*Config, error) {
	base, err := l.LoadBase("inventory-service")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BaseConfig: base,
		Kafka:      l.LoadKafka(),
		RabbitMQ:   l.LoadRabbitMQ(),
		GRPC:       l.LoadGRPC(),
		Inventory: InventoryConfig{
			StorageDriver: strings.ToLower(l.String("STORAGE_DRIVER", StoragePostgres)),
			PublishMode:   strings.ToLower(l.String("PUBLISH_MODE", PublishSync)),
			EventBroker:   strings.ToLower(l.String("EVENT_BROKER", BrokerKafka)),
			EventsTopic:   l.String("INVENTORY_EVENTS_TOPIC", "inventory-events"),
			LockTimeout:   l.Duration("INVENTORY_LOCK_TIMEOUT", 5*time.Second),
			AutoCreate:    l.Bool("INVENTORY_AUTO_CREATE", true),

			LockBackend: strings.ToLower(l.String("LOCK_BACKEND", LockLocal)),
			LockTTL:     l.Duration("LOCK_TTL", 30*time.Second),

			IdempotencyCacheEnabled: l.Bool("IDEMPOTENCY_CACHE_ENABLED", false),
			IdempotencyCacheTTL:     l.Duration("IDEMPOTENCY_CACHE_TTL", 24*time.Hour),

			OutboxPollInterval: l.Duration("OUTBOX_POLL_INTERVAL", time.Second),
			OutboxBatchSize:    l.Int("OUTBOX_BATCH_SIZE", 100),

			LowStockPageLimit:  l.Int("LOW_STOCK_PAGE_LIMIT", 100),
			CORSAllowedOrigins: l.Slice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the enum settings and the bounds the service relies on.
func (c *Config) Validate() error {
	inv := c.Inventory
	if err := config.OneOf("STORAGE_DRIVER", inv.StorageDriver, StoragePostgres, StorageMongoDB, StorageMemory); err != nil {
		return err
	}
	if err := config.OneOf("PUBLISH_MODE", inv.PublishMode, PublishSync, PublishOutbox); err != nil {
		return err
	}
	if err := config.OneOf("EVENT_BROKER", inv.EventBroker, BrokerKafka, BrokerRabbitMQ, BrokerLocal); err != nil {
		return err
	}
	if err := config.OneOf("LOCK_BACKEND", inv.LockBackend, LockLocal, LockRedis); err != nil {
		return err
	}
	if inv.LockTimeout <= 0 {
		return errors.NewValidation("INVENTORY_LOCK_TIMEOUT must be positive").WithCode("InvalidConfig")
	}
	if inv.LockBackend == LockRedis && inv.LockTTL <= inv.LockTimeout {
		return errors.NewValidation("LOCK_TTL must be longer than INVENTORY_LOCK_TIMEOUT").WithCode("InvalidConfig")
	}
	if inv.PublishMode == PublishOutbox && (inv.OutboxPollInterval <= 0 || inv.OutboxBatchSize <= 0) {
		return errors.NewValidation("outbox poll interval and batch size must be positive").WithCode("InvalidConfig")
	}
	if inv.LowStockPageLimit <= 0 {
		return errors.NewValidation("LOW_STOCK_PAGE_LIMIT must be positive").WithCode("InvalidConfig")
	}
	if inv.EventBroker == BrokerKafka && len(c.Kafka.Brokers) == 0 {
		return errors.NewValidation("KAFKA_BROKERS is required for the kafka broker").WithCode("InvalidConfig")
	}
	return nil
}

// NeedsRedis reports whether any enabled component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Inventory.LockBackend == LockRedis || c.Inventory.IdempotencyCacheEnabled
}
