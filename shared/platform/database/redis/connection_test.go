package redis

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
)

func TestGetMissingKeyIsNotFound(t *testing.T) {
	db, mock := redismock.NewClientMock()
	conn := NewConnectionFromClient(db, logging.NewNoOpLogger())

	mock.ExpectGet("missing").RedisNil()

	_, err := conn.Get(context.Background(), "missing")
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLockUnlockRoundTrip(t *testing.T) {
	db, mock := redismock.NewClientMock()
	conn := NewConnectionFromClient(db, logging.NewNoOpLogger())
	ctx := context.Background()

	mock.ExpectSetNX("lock:PROD-1", "tok", 5*time.Second).SetVal(true)
	mock.ExpectSetNX("lock:PROD-1", "other", 5*time.Second).SetVal(false)
	mock.ExpectEval(unlockScript, []string{"lock:PROD-1"}, "tok").SetVal(int64(1))
	mock.ExpectEval(extendScript, []string{"lock:PROD-1"}, "tok", int64(5000)).SetVal(int64(0))

	if ok, err := conn.Lock(ctx, "lock:PROD-1", "tok", 5*time.Second); err != nil || !ok {
		t.Fatalf("first lock = %v, %v", ok, err)
	}
	if ok, _ := conn.Lock(ctx, "lock:PROD-1", "other", 5*time.Second); ok {
		t.Fatal("second lock should fail")
	}
	if ok, err := conn.Unlock(ctx, "lock:PROD-1", "tok"); err != nil || !ok {
		t.Fatalf("unlock = %v, %v", ok, err)
	}
	if ok, _ := conn.Extend(ctx, "lock:PROD-1", "tok", 5*time.Second); ok {
		t.Error("extend after unlock should report not owned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSetErrorIsUnavailable(t *testing.T) {
	db, mock := redismock.NewClientMock()
	conn := NewConnectionFromClient(db, logging.NewNoOpLogger())

	mock.ExpectSet("k", "v", time.Minute).SetErr(stderrors.New("connection refused"))

	err := conn.Set(context.Background(), "k", "v", time.Minute)
	if !errors.IsUnavailable(err) || !errors.IsRetryable(err) {
		t.Fatalf("expected retryable unavailable error, got %v", err)
	}
}
