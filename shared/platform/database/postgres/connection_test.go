package postgres

import (
	"context"
	stderrors "errors"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType string
		wantCode string
	}{
		{"unique", &pq.Error{Code: CodeUniqueViolation}, errors.ErrorTypeConflict, "AlreadyExists"},
		{"lock timeout", &pq.Error{Code: CodeLockNotAvailable}, errors.ErrorTypeUnavailable, "LockTimeout"},
		{"deadlock", &pq.Error{Code: CodeDeadlockDetected}, errors.ErrorTypeUnavailable, "ConcurrentUpdate"},
		{"deadline", context.DeadlineExceeded, errors.ErrorTypeUnavailable, "Cancelled"},
		{"other", stderrors.New("syntax"), errors.ErrorTypeInternal, "PersistenceFailed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyError(tt.err, "op")
			if got := errors.GetErrorType(err); got != tt.wantType {
				t.Errorf("type = %s, want %s", got, tt.wantType)
			}
			if got := errors.GetCode(err); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}

	already := errors.NewNotFound("missing")
	if ClassifyError(already, "op") != error(already) {
		t.Error("AppError should pass through")
	}
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE inventory").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	boom := stderrors.New("boom")
	err := RunInTx(context.Background(), db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec("UPDATE inventory SET total_quantity = 1"); err != nil {
			return err
		}
		return boom
	})
	if !stderrors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestWithTransactionRetryRetriesSerializationFailures(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := WithTransactionRetry(context.Background(), db, 2, logging.NewNoOpLogger(), func(tx *sqlx.Tx) error {
		calls++
		if calls == 1 {
			return ClassifyError(&pq.Error{Code: CodeSerializationFailure}, "update")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d", calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMigratorAppliesPendingFilesInOrder(t *testing.T) {
	db, mock := newMock(t)
	files := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("CREATE TABLE b (id INT)")},
		"0001_a.up.sql":   {Data: []byte("CREATE TABLE a (id INT)")},
		"0001_a.down.sql": {Data: []byte("DROP TABLE a")},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT migration FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"migration"}).AddRow("0001_a"))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("0002_b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := NewMigrator(db, files, logging.NewNoOpLogger()).RunMigrations(context.Background()); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
