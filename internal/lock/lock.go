// Package lock provides per-product mutual exclusion for the inventory
// service, either inside one process or across replicas through Redis.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	platformredis "github.com/amiosamu/inventory-ledger/shared/platform/database/redis"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
)

// CodeLockTimeout is set on errors returned when a lock wait expires.
const CodeLockTimeout = "LockTimeout"

// Locker hands out exclusive per-key locks. Acquire blocks until the lock is
// held or ctx is done; the returned release func must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

func timeoutError(key string, cause error) error {
	return errors.NewUnavailable("timed out waiting for lock on " + key).
		WithCode(CodeLockTimeout).
		WithDetails(map[string]interface{}{"product_id": key}).
		WithCause(cause)
}

// KeyedMutex is an in-process Locker. Each key gets a one-slot channel that
// is dropped once nobody holds or waits for it.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, s)
		return nil, timeoutError(key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.unref(key, s)
		})
	}, nil
}

func (m *KeyedMutex) unref(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// Len reports how many keys are currently tracked.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// RedisLocker is a Locker shared by every replica pointed at the same Redis.
// A lock is a SET NX key with a TTL owned by a random token, so a crashed
// holder frees it after the TTL.
type RedisLocker struct {
	conn      *platformredis.Connection
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
	logger    logging.Logger
	newToken  func() string
}

func NewRedisLocker(conn *platformredis.Connection, ttl time.Duration, logger logging.Logger) *RedisLocker {
	return &RedisLocker{
		conn:      conn,
		prefix:    "inventory:lock:",
		ttl:       ttl,
		retryWait: 20 * time.Millisecond,
		logger:    logger,
		newToken:  uuid.NewString,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := l.newToken()

	for {
		ok, err := l.conn.Lock(ctx, redisKey, token, l.ttl)
		if err != nil {
			if ctx.Err() != nil {
				return nil, timeoutError(key, ctx.Err())
			}
			return nil, err
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, timeoutError(key, ctx.Err())
		case <-time.After(l.retryWait):
		}
	}

	return func() {
		// The caller's ctx may already be cancelled; unlocking must still run.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		owned, err := l.conn.Unlock(rctx, redisKey, token)
		if err != nil {
			l.logger.Error(rctx, "Failed to release inventory lock", err, map[string]interface{}{
				"product_id": key,
			})
			return
		}
		if !owned {
			l.logger.Warn(rctx, "Inventory lock expired before release", map[string]interface{}{
				"product_id": key,
				"ttl":        l.ttl.String(),
			})
		}
	}, nil
}

type boundedLocker struct {
	Locker
	wait time.Duration
}

// WithTimeout bounds how long Acquire may wait. The bound applies to the
// wait only, not to how long the lock is then held.
func WithTimeout(l Locker, wait time.Duration) Locker {
	if wait <= 0 {
		return l
	}
	return boundedLocker{Locker: l, wait: wait}
}

func (b boundedLocker) Acquire(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.wait)
	defer cancel()
	return b.Locker.Acquire(waitCtx, key)
}

// IsTimeout reports whether err came from an expired lock wait.
func IsTimeout(err error) bool {
	return errors.IsUnavailable(err) && errors.GetCode(err) == CodeLockTimeout
}
