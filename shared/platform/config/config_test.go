package config

import (
	"testing"
	"time"

	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
)

func TestLoadBaseDefaults(t *testing.T) {
	cfg, err := NewLoaderFromMap("", nil).LoadBase("inventory-service")
	if err != nil {
		t.Fatalf("LoadBase: %v", err)
	}
	if cfg.Service.Name != "inventory-service" {
		t.Errorf("service name = %q", cfg.Service.Name)
	}
	if cfg.Server.Address() != "0.0.0.0:8080" {
		t.Errorf("address = %q", cfg.Server.Address())
	}
	if cfg.Database.Redis.Address() != "localhost:6379" {
		t.Errorf("redis address = %q", cfg.Database.Redis.Address())
	}
}

func TestLoaderPrefixAndParsing(t *testing.T) {
	l := NewLoaderFromMap("INV", map[string]string{
		"INV_SERVER_PORT":   "9000",
		"INV_KAFKA_BROKERS": "k1:9092, k2:9092,,",
		"INV_LOCK_TIMEOUT":  "250ms",
		"INV_AUTO_CREATE":   "false",
		"INV_BAD_INT":       "x",
		"SERVER_PORT":       "1",
	})

	if got := l.Int("SERVER_PORT", 8080); got != 9000 {
		t.Errorf("port = %d", got)
	}
	if got := l.Slice("KAFKA_BROKERS", nil); len(got) != 2 || got[1] != "k2:9092" {
		t.Errorf("brokers = %v", got)
	}
	if got := l.Duration("LOCK_TIMEOUT", time.Second); got != 250*time.Millisecond {
		t.Errorf("duration = %v", got)
	}
	if l.Bool("AUTO_CREATE", true) {
		t.Error("bool not parsed")
	}
	if got := l.Int("BAD_INT", 7); got != 7 {
		t.Errorf("bad int should fall back, got %d", got)
	}
}

func TestLoadBaseValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port out of range", map[string]string{"SERVER_PORT": "70000"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"bad ratio", map[string]string{"TRACING_SAMPLING_RATIO": "1.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoaderFromMap("", tt.env).LoadBase("svc")
			if !errors.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
