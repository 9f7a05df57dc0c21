// Package outbox delivers audit records that were committed without being
// published.
package outbox

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	"github.com/amiosamu/inventory-ledger/internal/messaging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/metrics"
)

// Store is the outbox side of the inventory store.
type Store interface {
	PendingEvents(ctx context.Context, limit int) ([]domain.Record, error)
	MarkEventsPublished(ctx context.Context, ids []string, at time.Time) error
}

// Relay polls the store for pending records and publishes them. Records of
// one product are published in sequence order; a failure stops that product
// for the current tick so later records never overtake earlier ones.
type Relay struct {
	store     Store
	publisher messaging.Publisher
	interval  time.Duration
	batchSize int
	// parallel bounds how many products are published at once.
	parallel int

	logger  logging.Logger
	metrics metrics.Metrics
	now     func() time.Time
}

func NewRelay(store Store, publisher messaging.Publisher, interval time.Duration, batchSize int, logger logging.Logger, m metrics.Metrics) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		parallel:  8,
		logger:    logger,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info(ctx, "Outbox relay started", map[string]interface{}{
		"interval":   r.interval.String(),
		"batch_size": r.batchSize,
	})

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(context.Background(), "Outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error(ctx, "Outbox relay tick failed", err)
			}
		}
	}
}

// RelayOnce publishes one batch of pending records and returns how many were
// marked published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	pending, err := r.store.PendingEvents(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var (
		mu        sync.Mutex
		published []string
	)
	g := new(errgroup.Group)
	g.SetLimit(r.parallel)
	for _, batch := range byProduct(pending) {
		batch := batch
		g.Go(func() error {
			if err := r.publisher.Publish(ctx, batch); err != nil {
				r.metrics.IncrementCounter("outbox_publish_errors_total", nil)
				r.logger.Warn(ctx, "Outbox publish failed, will retry", map[string]interface{}{
					"product_id": batch[0].ProductID,
					"count":      len(batch),
					"error":      err.Error(),
				})
				return nil
			}
			mu.Lock()
			for _, rec := range batch {
				published = append(published, rec.ID)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(published) == 0 {
		return 0, nil
	}
	if err := r.store.MarkEventsPublished(ctx, published, r.now()); err != nil {
		// The records stay pending and are delivered again on the next tick.
		return 0, err
	}
	r.metrics.AddCounter("outbox_published_total", int64(len(published)), nil)
	r.logger.Debug(ctx, "Outbox records published", map[string]interface{}{"count": len(published)})
	return len(published), nil
}

// byProduct splits records into per-product batches, keeping their order.
func byProduct(records []domain.Record) [][]domain.Record {
	index := make(map[string]int)
	var out [][]domain.Record
	for _, rec := range records {
		i, ok := index[rec.ProductID]
		if !ok {
			i = len(out)
			index[rec.ProductID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], rec)
	}
	return out
}
