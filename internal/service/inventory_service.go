package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	"github.com/amiosamu/inventory-ledger/internal/messaging"
	"github.com/amiosamu/inventory-ledger/internal/repository/interfaces"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/metrics"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/tracing"
)

// Publish modes.
const (
	// PublishSync publishes inside the unit of work; a failed publish rolls
	// the command back.
	PublishSync = "sync"
	// PublishOutbox leaves events pending in the audit log for the relay.
	PublishOutbox = "outbox"
)

// CodePublishFailed marks commands rolled back because the bus refused them.
const CodePublishFailed = "PublishFailed"

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
	defaultReadTimeout = 5 * time.Second
)

// ReservationCache is an optional fast path for duplicate reserves.
type ReservationCache interface {
	Seen(ctx context.Context, key domain.ReservationKey) bool
	Remember(ctx context.Context, key domain.ReservationKey)
}

type Options struct {
	PublishMode string
	AutoCreate  bool
	// PageLimit is the default and the maximum page size of ListBelowMinimum.
	PageLimit int
	// ReadTimeout bounds a store lookup shared by concurrent GetCurrentState
	// callers.
	ReadTimeout time.Duration

	Now   func() time.Time
	NewID func() string
}

// Result is the outcome of a successful command.
type Result struct {
	Inventory domain.Inventory
	Events    []domain.Event
	// Duplicate is set when a reserve was already applied earlier; nothing
	// changed and no events were emitted.
	Duplicate bool
}

// LowStockPage is one page of ListBelowMinimum. NextCursor is empty on the
// last page.
type LowStockPage struct {
	Items      []domain.Inventory
	NextCursor string
}

// InventoryService runs inventory commands: lock the product, load it, apply
// the aggregate method, then persist state and events (and publish them in
// sync mode) as one unit.
type InventoryService struct {
	store     interfaces.InventoryStore
	publisher messaging.Publisher
	cache     ReservationCache
	opts      Options

	logger  logging.Logger
	metrics metrics.Metrics
	tracer  trace.Tracer
	reads   singleflight.Group
}

func NewInventoryService(
	store interfaces.InventoryStore,
	publisher messaging.Publisher,
	cache ReservationCache,
	opts Options,
	logger logging.Logger,
	m metrics.Metrics,
) *InventoryService {
	if opts.PublishMode == "" {
		opts.PublishMode = PublishSync
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 100
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &InventoryService{
		store:     store,
		publisher: publisher,
		cache:     cache,
		opts:      opts,
		logger:    logger,
		metrics:   m,
		tracer:    otel.Tracer("inventory-service"),
	}
}

// change is what a command decided inside the unit of work.
type change struct {
	state     domain.Inventory
	events    []domain.Event
	duplicate bool
}

type mutation func(ctx context.Context, uow interfaces.UnitOfWork, current domain.Inventory, exists bool) (change, error)

func (s *InventoryService) CreateInventory(ctx context.Context, cmd domain.CreateInventory) (Result, error) {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = s.opts.Now()
	}
	return s.run(ctx, "create", cmd.ProductID, func(_ context.Context, _ interfaces.UnitOfWork, _ domain.Inventory, exists bool) (change, error) {
		if exists {
			return change{}, domain.NewAlreadyExistsError(cmd.ProductID)
		}
		state, events, err := domain.Create(cmd)
		return change{state: state, events: events}, err
	})
}

func (s *InventoryService) ReserveInventory(ctx context.Context, cmd domain.ReserveInventory) (Result, error) {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = s.opts.Now()
	}
	key := cmd.Key()

	if s.cache != nil && cmd.OrderID != "" && s.cache.Seen(ctx, key) {
		if inv, err := s.store.Get(ctx, cmd.ProductID); err == nil {
			s.recordDuplicate(ctx, cmd)
			return Result{Inventory: inv, Duplicate: true}, nil
		}
	}

	res, err := s.run(ctx, "reserve", cmd.ProductID,
		func(ctx context.Context, uow interfaces.UnitOfWork, current domain.Inventory, exists bool) (change, error) {
			if exists && cmd.OrderID != "" {
				dup, err := uow.ReservationExists(ctx, key)
				if err != nil {
					return change{}, err
				}
				if dup {
					return change{state: current, duplicate: true}, nil
				}
			}

			var created []domain.Event
			if !exists {
				var err error
				if current, created, err = s.autoCreate(cmd.ProductID, cmd.Timestamp); err != nil {
					return change{}, err
				}
			}

			state, events, err := current.Reserve(cmd)
			if err != nil {
				return change{}, err
			}
			if err := uow.RecordReservation(ctx, key, cmd.Timestamp); err != nil {
				return change{}, err
			}
			return change{state: state, events: append(created, events...)}, nil
		}, tracing.OrderIDKey.String(cmd.OrderID), tracing.QuantityKey.Int64(cmd.Quantity))
	if err != nil {
		return res, err
	}

	if res.Duplicate {
		s.recordDuplicate(ctx, cmd)
	}
	if s.cache != nil {
		s.cache.Remember(ctx, key)
	}
	return res, nil
}

func (s *InventoryService) ReleaseInventory(ctx context.Context, cmd domain.ReleaseInventory) (Result, error) {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = s.opts.Now()
	}
	return s.run(ctx, "release", cmd.ProductID,
		func(_ context.Context, _ interfaces.UnitOfWork, current domain.Inventory, exists bool) (change, error) {
			if !exists {
				return change{}, domain.NewNotFoundError(cmd.ProductID)
			}
			state, events, err := current.Release(cmd)
			return change{state: state, events: events}, err
		}, tracing.OrderIDKey.String(cmd.OrderID), tracing.QuantityKey.Int64(cmd.Quantity))
}

func (s *InventoryService) AdjustInventory(ctx context.Context, cmd domain.AdjustInventory) (Result, error) {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = s.opts.Now()
	}
	return s.run(ctx, "adjust", cmd.ProductID,
		func(_ context.Context, _ interfaces.UnitOfWork, current domain.Inventory, exists bool) (change, error) {
			var created []domain.Event
			if !exists {
				var err error
				if current, created, err = s.autoCreate(cmd.ProductID, cmd.Timestamp); err != nil {
					return change{}, err
				}
			}
			state, events, err := current.Adjust(cmd)
			if err != nil {
				return change{}, err
			}
			return change{state: state, events: append(created, events...)}, nil
		}, tracing.QuantityKey.Int64(cmd.NewQuantity))
}

// autoCreate builds a zero-stock record for an unknown product through the
// same path as an explicit create.
func (s *InventoryService) autoCreate(productID string, at time.Time) (domain.Inventory, []domain.Event, error) {
	if !s.opts.AutoCreate {
		return domain.Inventory{}, nil, domain.NewNotFoundError(productID)
	}
	return domain.Create(domain.CreateInventory{ProductID: productID, Timestamp: at})
}

func (s *InventoryService) run(ctx context.Context, command, productID string, m mutation, extra ...attribute.KeyValue) (res Result, err error) {
	attrs := append([]attribute.KeyValue{
		tracing.CommandKey.String(command),
		tracing.ProductIDKey.String(productID),
	}, extra...)
	ctx, span := s.tracer.Start(ctx, "InventoryService."+command, trace.WithAttributes(attrs...))
	defer span.End()

	timer := metrics.StartTimer(s.metrics, "inventory_command_duration_seconds", map[string]string{"command": command})
	defer func() {
		outcome := "success"
		switch {
		case err != nil:
			outcome = errors.GetErrorType(err)
		case res.Duplicate:
			outcome = "duplicate"
		}
		timer.Stop(map[string]string{"outcome": outcome})
		s.metrics.IncrementCounter("inventory_commands_total", map[string]string{"command": command, "outcome": outcome})
	}()

	if err := domain.ValidateProductID(productID); err != nil {
		return Result{}, s.fail(ctx, command, productID, err)
	}

	var records []domain.Record
	err = s.store.WithinTransaction(ctx, func(ctx context.Context, uow interfaces.UnitOfWork) error {
		current, err := uow.LoadForUpdate(ctx, productID)
		exists := err == nil
		if err != nil && !errors.IsNotFound(err) {
			return err
		}

		ch, err := m(ctx, uow, current, exists)
		if err != nil {
			return err
		}
		res = Result{Inventory: ch.state, Events: ch.events, Duplicate: ch.duplicate}
		if ch.duplicate {
			return nil
		}

		records, err = s.toRecords(ch.events)
		if err != nil {
			return err
		}
		if err := uow.Save(ctx, ch.state, records); err != nil {
			return err
		}
		if s.opts.PublishMode == PublishSync {
			return s.publishInUnit(ctx, uow, records)
		}
		return nil
	})
	if err != nil {
		return Result{}, s.fail(ctx, command, productID, err)
	}

	span.SetAttributes(tracing.EventCountKey.Int(len(res.Events)))
	s.countLowStock(ctx, res.Events)
	s.logger.Info(ctx, "Inventory command applied", map[string]interface{}{
		"command":            command,
		"product_id":         productID,
		"available_quantity": res.Inventory.AvailableQuantity(),
		"version":            res.Inventory.Version(),
		"events":             domain.EventTypes(res.Events),
		"duplicate":          res.Duplicate,
	})
	return res, nil
}

func (s *InventoryService) publishInUnit(ctx context.Context, uow interfaces.UnitOfWork, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.publisher.Publish(ctx, records); err != nil {
		if errors.GetCode(err) == CodePublishFailed {
			return err
		}
		return errors.NewExternal("failed to publish inventory events").WithCode(CodePublishFailed).WithCause(err)
	}

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return uow.MarkPublished(ctx, ids, s.opts.Now())
}

func (s *InventoryService) toRecords(events []domain.Event) ([]domain.Record, error) {
	records := make([]domain.Record, 0, len(events))
	for _, e := range events {
		rec, err := domain.NewRecord(s.opts.NewID(), e)
		if err != nil {
			return nil, errors.NewInternal("failed to encode inventory event").WithCode("PersistenceFailed").WithCause(err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *InventoryService) fail(ctx context.Context, command, productID string, err error) error {
	tracing.RecordError(ctx, err)
	fields := map[string]interface{}{
		"command":    command,
		"product_id": productID,
		"error_type": errors.GetErrorType(err),
		"error_code": errors.GetCode(err),
	}
	if errors.IsRetryable(err) {
		s.logger.Error(ctx, "Inventory command failed", err, fields)
	} else {
		fields["error"] = err.Error()
		s.logger.Warn(ctx, "Inventory command rejected", fields)
	}
	return err
}

func (s *InventoryService) countLowStock(ctx context.Context, events []domain.Event) {
	for _, e := range events {
		low, ok := e.(domain.LowStockDetected)
		if !ok {
			continue
		}
		s.metrics.IncrementCounter("inventory_low_stock_events_total", nil)
		tracing.AddSpanEvent(ctx, "inventory.low_stock",
			attribute.Int64("inventory.available_quantity", low.AvailableQuantity),
			attribute.Int64("inventory.minimum_stock_level", low.MinimumStockLevel))
	}
}

func (s *InventoryService) recordDuplicate(ctx context.Context, cmd domain.ReserveInventory) {
	s.metrics.IncrementCounter("inventory_idempotent_hits_total", nil)
	tracing.AddSpanEvent(ctx, "inventory.duplicate_reservation",
		tracing.OrderIDKey.String(cmd.OrderID), tracing.QuantityKey.Int64(cmd.Quantity))
	s.logger.Info(ctx, "Duplicate reservation ignored", map[string]interface{}{
		"product_id": cmd.ProductID,
		"order_id":   cmd.OrderID,
		"quantity":   cmd.Quantity,
	})
}

// GetCurrentState returns the committed state of a product. Concurrent reads
// of the same product share one store lookup.
func (s *InventoryService) GetCurrentState(ctx context.Context, productID string) (domain.Inventory, error) {
	ctx, span := s.tracer.Start(ctx, "InventoryService.GetCurrentState",
		trace.WithAttributes(tracing.ProductIDKey.String(productID)))
	defer span.End()

	if err := domain.ValidateProductID(productID); err != nil {
		return domain.Inventory{}, err
	}

	// The shared lookup must not inherit one caller's cancellation; each
	// caller stops waiting on its own context instead.
	lookup := s.reads.DoChan(productID, func() (interface{}, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ReadTimeout)
		defer cancel()
		return s.store.Get(readCtx, productID)
	})

	select {
	case <-ctx.Done():
		err := errors.NewUnavailable("inventory read cancelled").WithCode("ReadCancelled").WithCause(ctx.Err())
		tracing.RecordError(ctx, err)
		return domain.Inventory{}, err
	case r := <-lookup:
		span.SetAttributes(attribute.Bool("singleflight.shared", r.Shared))
		if r.Err != nil {
			tracing.RecordError(ctx, r.Err)
			return domain.Inventory{}, r.Err
		}
		return r.Val.(domain.Inventory), nil
	}
}

// ListBelowMinimum pages through products whose available stock is strictly
// below their minimum, ordered by product id. Pass the previous NextCursor
// as after to continue.
func (s *InventoryService) ListBelowMinimum(ctx context.Context, after string, limit int) (LowStockPage, error) {
	ctx, span := s.tracer.Start(ctx, "InventoryService.ListBelowMinimum")
	defer span.End()

	if limit <= 0 || limit > s.opts.PageLimit {
		limit = s.opts.PageLimit
	}

	items, err := s.store.ListBelowMinimum(ctx, after, limit+1)
	if err != nil {
		tracing.RecordError(ctx, err)
		return LowStockPage{}, err
	}

	page := LowStockPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = page.Items[limit-1].ProductID()
	}
	return page, nil
}

// ListEvents returns the most recent audit records of a product, oldest
// first.
func (s *InventoryService) ListEvents(ctx context.Context, productID string, limit int) ([]domain.Record, error) {
	ctx, span := s.tracer.Start(ctx, "InventoryService.ListEvents",
		trace.WithAttributes(tracing.ProductIDKey.String(productID)))
	defer span.End()

	if err := domain.ValidateProductID(productID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultEventsLimit
	case limit > maxEventsLimit:
		limit = maxEventsLimit
	}

	if _, err := s.store.Get(ctx, productID); err != nil {
		return nil, err
	}
	records, err := s.store.ListEvents(ctx, productID, limit)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, errors.Wrap(err, fmt.Sprintf("failed to list events for %s", productID))
	}
	return records, nil
}
