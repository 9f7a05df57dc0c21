package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	platformredis "github.com/amiosamu/inventory-ledger/shared/platform/database/redis"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
)

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), "PROD-1")
			if err != nil {
				t.Error(err)
				return
			}
			defer release()
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("max concurrent holders = %d", maxInside)
	}
	if m.Len() != 0 {
		t.Errorf("slots leaked: %d", m.Len())
	}
}

func TestKeyedMutexDifferentKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()
	release, err := m.Acquire(context.Background(), "PROD-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	other, err := m.Acquire(ctx, "PROD-2")
	if err != nil {
		t.Fatalf("PROD-2 blocked by PROD-1: %v", err)
	}
	other()
}

func TestKeyedMutexTimeout(t *testing.T) {
	m := NewKeyedMutex()
	release, _ := m.Acquire(context.Background(), "PROD-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, "PROD-1")
	if !IsTimeout(err) {
		t.Fatalf("expected lock timeout, got %v", err)
	}

	release()
	release() // second call is a no-op
	if m.Len() != 0 {
		t.Errorf("slots leaked: %d", m.Len())
	}
}

func TestRedisLockerRetriesUntilFree(t *testing.T) {
	client, mock := redismock.NewClientMock()
	conn := platformredis.NewConnectionFromClient(client, logging.NewNoOpLogger())
	l := NewRedisLocker(conn, 5*time.Second, logging.NewNoOpLogger())
	l.retryWait = time.Millisecond
	l.newToken = func() string { return "tok" }

	mock.ExpectSetNX("inventory:lock:PROD-1", "tok", 5*time.Second).SetVal(false)
	mock.ExpectSetNX("inventory:lock:PROD-1", "tok", 5*time.Second).SetVal(true)

	if _, err := l.Acquire(context.Background(), "PROD-1"); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisLockerTimesOut(t *testing.T) {
	client, mock := redismock.NewClientMock()
	conn := platformredis.NewConnectionFromClient(client, logging.NewNoOpLogger())
	l := NewRedisLocker(conn, time.Second, logging.NewNoOpLogger())
	l.retryWait = 50 * time.Millisecond
	l.newToken = func() string { return "tok" }

	mock.ExpectSetNX("inventory:lock:PROD-1", "tok", time.Second).SetVal(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "PROD-1"); !IsTimeout(err) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
}

func TestWithTimeoutBoundsOnlyTheWait(t *testing.T) {
	l := WithTimeout(NewKeyedMutex(), 20*time.Millisecond)

	release, err := l.Acquire(context.Background(), "PROD-1")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond) // held past the wait bound

	if _, err := l.Acquire(context.Background(), "PROD-1"); !IsTimeout(err) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	release()

	again, err := l.Acquire(context.Background(), "PROD-1")
	if err != nil {
		t.Fatalf("lock not free after release: %v", err)
	}
	again()
}
