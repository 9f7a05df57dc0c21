// Package memory is an in-process InventoryStore for tests and single-node
// deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	"github.com/amiosamu/inventory-ledger/internal/lock"
	"github.com/amiosamu/inventory-ledger/internal/repository/interfaces"
)

// InventoryStore keeps committed state in maps guarded by an RWMutex. Units
// of work buffer their writes and apply them in one critical section on
// commit; per-product exclusion comes from the Locker.
type InventoryStore struct {
	mu           sync.RWMutex
	items        map[string]domain.Inventory
	events       []domain.Record
	reservations map[domain.ReservationKey]time.Time
	sequence     int64

	locker lock.Locker
}

func NewInventoryStore(locker lock.Locker) *InventoryStore {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &InventoryStore{
		items:        make(map[string]domain.Inventory),
		reservations: make(map[domain.ReservationKey]time.Time),
		locker:       locker,
	}
}

var _ interfaces.InventoryStore = (*InventoryStore)(nil)

func (s *InventoryStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, uow interfaces.UnitOfWork) error) error {
	uow := &unitOfWork{
		store:        s,
		held:         make(map[string]func()),
		items:        make(map[string]domain.Inventory),
		reservations: make(map[domain.ReservationKey]time.Time),
		published:    make(map[string]time.Time),
	}
	defer uow.releaseAll()

	if err := fn(ctx, uow); err != nil {
		return err
	}
	s.commit(uow)
	return nil
}

func (s *InventoryStore) commit(u *unitOfWork) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, inv := range u.items {
		s.items[id] = inv
	}
	for _, rec := range u.records {
		s.sequence++
		rec.Sequence = s.sequence
		if at, ok := u.published[rec.ID]; ok {
			at := at
			rec.PublishedAt = &at
		}
		s.events = append(s.events, rec)
	}
	for k, at := range u.reservations {
		s.reservations[k] = at
	}
}

func (s *InventoryStore) Get(_ context.Context, productID string) (domain.Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.items[productID]
	if !ok {
		return domain.Inventory{}, domain.NewNotFoundError(productID)
	}
	return inv, nil
}

func (s *InventoryStore) ListBelowMinimum(_ context.Context, after string, limit int) ([]domain.Inventory, error) {
	s.mu.RLock()
	var out []domain.Inventory
	for id, inv := range s.items {
		if id > after && inv.IsBelowMinimum() {
			out = append(out, inv)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProductID() < out[j].ProductID() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InventoryStore) ListEvents(_ context.Context, productID string, limit int) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Record
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.events[i].ProductID == productID {
			out = append(out, s.events[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *InventoryStore) PendingEvents(_ context.Context, limit int) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Record
	for _, rec := range s.events {
		if rec.PublishedAt == nil {
			out = append(out, rec)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InventoryStore) MarkEventsPublished(_ context.Context, ids []string, at time.Time) error {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if _, ok := want[s.events[i].ID]; ok && s.events[i].PublishedAt == nil {
			at := at
			s.events[i].PublishedAt = &at
		}
	}
	return nil
}

func (s *InventoryStore) HealthCheck(context.Context) error { return nil }

type unitOfWork struct {
	store *InventoryStore
	held  map[string]func()

	items        map[string]domain.Inventory
	records      []domain.Record
	reservations map[domain.ReservationKey]time.Time
	published    map[string]time.Time
}

func (u *unitOfWork) LoadForUpdate(ctx context.Context, productID string) (domain.Inventory, error) {
	if _, ok := u.held[productID]; !ok {
		release, err := u.store.locker.Acquire(ctx, productID)
		if err != nil {
			return domain.Inventory{}, err
		}
		u.held[productID] = release
	}

	if inv, ok := u.items[productID]; ok {
		return inv, nil
	}
	return u.store.Get(ctx, productID)
}

func (u *unitOfWork) Save(_ context.Context, inv domain.Inventory, records []domain.Record) error {
	u.items[inv.ProductID()] = inv
	u.records = append(u.records, records...)
	return nil
}

func (u *unitOfWork) ReservationExists(_ context.Context, key domain.ReservationKey) (bool, error) {
	if _, ok := u.reservations[key]; ok {
		return true, nil
	}
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	_, ok := u.store.reservations[key]
	return ok, nil
}

func (u *unitOfWork) RecordReservation(_ context.Context, key domain.ReservationKey, at time.Time) error {
	u.reservations[key] = at
	return nil
}

func (u *unitOfWork) MarkPublished(_ context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		u.published[id] = at
	}
	return nil
}

func (u *unitOfWork) releaseAll() {
	for _, release := range u.held {
		release()
	}
}
