package grpc

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/amiosamu/inventory-ledger/shared/platform/config"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/metrics"
)

func TestHealthFollowsReadiness(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)

	m := metrics.NewInMemoryMetrics("test")
	srv := NewServer(config.GRPCConfig{HealthInterval: time.Hour},
		func(context.Context) bool { return ready.Load() }, logging.NewNoOpLogger(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.Refresh(ctx)
	ln := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(ctx, ln) }()
	defer srv.Stop(context.Background())

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return ln.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	check := func() grpc_health_v1.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatal(err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v", got)
	}

	ready.Store(false)
	srv.Refresh(ctx)
	if got := check(); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after failed check = %v", got)
	}

	if got := m.CounterValue("grpc_requests_total", map[string]string{"method": "/grpc.health.v1.Health/Check", "code": "OK"}); got != 2 {
		t.Errorf("grpc_requests_total = %d", got)
	}
}
