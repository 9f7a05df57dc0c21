package container

import (
	"context"
	"testing"
	"time"

	"github.com/amiosamu/inventory-ledger/internal/config"
	"github.com/amiosamu/inventory-ledger/internal/domain"
	platformconfig "github.com/amiosamu/inventory-ledger/shared/platform/config"
)

func loadConfig(t *testing.T, values map[string]string) *config.Config {
	t.Helper()
	base := map[string]string{
		"STORAGE_DRIVER": "memory",
		"EVENT_BROKER":   "local",
		"LOG_LEVEL":      "error",
	}
	for k, v := range values {
		base[k] = v
	}
	cfg, err := config.LoadFrom(platformconfig.NewLoaderFromMap("", base))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestNewWiresInMemoryStack(t *testing.T) {
	tests := []struct {
		name      string
		values    map[string]string
		wantRelay bool
		wantGRPC  bool
	}{
		{"sync", nil, false, true},
		{"outbox without grpc", map[string]string{"PUBLISH_MODE": "outbox", "GRPC_ENABLED": "false"}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c, err := New(ctx, loadConfig(t, tt.values))
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			if (c.Relay() != nil) != tt.wantRelay {
				t.Errorf("relay = %v", c.Relay())
			}
			if (c.GRPCServer() != nil) != tt.wantGRPC {
				t.Errorf("grpc = %v", c.GRPCServer())
			}
			if c.HTTPServer() == nil || c.HealthServer() == nil {
				t.Fatal("transport not wired")
			}
			if !c.HealthServer().Ready(ctx) {
				t.Error("in-memory stack should be ready")
			}

			svc := c.InventoryService()
			if _, err := svc.CreateInventory(ctx, domain.CreateInventory{
				ProductID: "PROD-1", InitialQuantity: 10, MinimumStockLevel: 2, Timestamp: time.Now(),
			}); err != nil {
				t.Fatal(err)
			}
			if tt.wantRelay {
				n, err := c.Relay().RelayOnce(ctx)
				if err != nil || n != 1 {
					t.Errorf("RelayOnce = %d, %v", n, err)
				}
			}
		})
	}
}

func TestNewRejectsNilConfig(t *testing.T) {
	if _, err := New(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestCloseRunsInReverseOrder(t *testing.T) {
	var order []int
	c := &Container{}
	for i := 0; i < 3; i++ {
		i := i
		c.closers = append(c.closers, func() error { order = append(order, i); return nil })
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 || order[0] != 2 || order[2] != 0 {
		t.Errorf("close order = %v", order)
	}
}
