package config

import (
	"testing"
	"time"

	"github.com/amiosamu/inventory-ledger/shared/platform/config"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(config.NewLoaderFromMap("", nil))
	if err != nil {
		t.Fatal(err)
	}
	inv := cfg.Inventory
	if inv.StorageDriver != StoragePostgres || inv.PublishMode != PublishSync || inv.EventBroker != BrokerKafka {
		t.Errorf("defaults = %+v", inv)
	}
	if !inv.AutoCreate || inv.LockTimeout != 5*time.Second {
		t.Errorf("defaults = %+v", inv)
	}
	if cfg.NeedsRedis() {
		t.Error("redis should not be needed by default")
	}
	if cfg.Service.Name != "inventory-service" {
		t.Errorf("service name = %s", cfg.Service.Name)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(config.NewLoaderFromMap("", map[string]string{
		"STORAGE_DRIVER":            "MongoDB",
		"PUBLISH_MODE":              "outbox",
		"EVENT_BROKER":              "rabbitmq",
		"LOCK_BACKEND":              "redis",
		"LOCK_TTL":                  "20s",
		"INVENTORY_AUTO_CREATE":     "false",
		"IDEMPOTENCY_CACHE_ENABLED": "true",
		"CORS_ALLOWED_ORIGINS":      "https://a.example, https://b.example",
	}))
	if err != nil {
		t.Fatal(err)
	}
	inv := cfg.Inventory
	if inv.StorageDriver != StorageMongoDB || inv.PublishMode != PublishOutbox || inv.EventBroker != BrokerRabbitMQ {
		t.Errorf("inventory = %+v", inv)
	}
	if inv.AutoCreate || !cfg.NeedsRedis() || len(inv.CORSAllowedOrigins) != 2 {
		t.Errorf("inventory = %+v", inv)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"storage", map[string]string{"STORAGE_DRIVER": "sqlite"}},
		{"publish mode", map[string]string{"PUBLISH_MODE": "eventually"}},
		{"broker", map[string]string{"EVENT_BROKER": "nats"}},
		{"lock backend", map[string]string{"LOCK_BACKEND": "etcd"}},
		{"lock ttl", map[string]string{"LOCK_BACKEND": "redis", "LOCK_TTL": "1s", "INVENTORY_LOCK_TIMEOUT": "2s"}},
		{"page limit", map[string]string{"LOW_STOCK_PAGE_LIMIT": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(config.NewLoaderFromMap("", tt.env))
			if !errors.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
