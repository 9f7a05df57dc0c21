package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amiosamu/inventory-ledger/internal/config"
	"github.com/amiosamu/inventory-ledger/internal/container"
)

const defaultShutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("inventory-service: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	c, err := container.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	logger := c.Logger()
	logger.Info(ctx, "Starting inventory service", map[string]interface{}{
		"version":     cfg.Service.Version,
		"environment": cfg.Service.Environment,
		"http":        cfg.Server.Address(),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.HTTPServer().Start(gctx) })
	if grpcServer := c.GRPCServer(); grpcServer != nil {
		g.Go(func() error { return grpcServer.Start(gctx) })
	}
	if relay := c.Relay(); relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}

	// Shutdown starts on a signal or when any component fails.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "Shutting down inventory service")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if grpcServer := c.GRPCServer(); grpcServer != nil {
			grpcServer.Stop(shutdownCtx)
		}
		return c.HTTPServer().Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error(context.Background(), "Inventory service stopped with error", err)
		return err
	}
	logger.Info(context.Background(), "Inventory service stopped")
	return nil
}
