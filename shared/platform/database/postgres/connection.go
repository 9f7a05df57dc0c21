package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/amiosamu/inventory-ledger/shared/platform/config"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
)

// PostgreSQL SQLSTATE codes the repositories react to.
const (
	CodeUniqueViolation      = "23505"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
	CodeQueryCanceled        = "57014"
)

// Connection owns the sqlx pool.
type Connection struct {
	DB     *sqlx.DB
	config config.PostgreSQLConfig
	logger logging.Logger
}

func NewConnection(ctx context.Context, cfg config.PostgreSQLConfig, logger logging.Logger) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, errors.NewUnavailable("failed to connect to PostgreSQL").WithCause(err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info(ctx, "PostgreSQL connection established", map[string]interface{}{
		"host":           cfg.Host,
		"port":           cfg.Port,
		"database":       cfg.DBName,
		"max_open_conns": cfg.MaxOpenConns,
	})

	return &Connection{DB: db, config: cfg, logger: logger}, nil
}

func (c *Connection) Close() error {
	if c.DB == nil {
		return nil
	}
	if err := c.DB.Close(); err != nil {
		c.logger.Error(context.Background(), "Failed to close PostgreSQL connection", err)
		return err
	}
	c.logger.Info(context.Background(), "PostgreSQL connection closed")
	return nil
}

func (c *Connection) HealthCheck(ctx context.Context) error {
	var one int
	if err := c.DB.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return errors.NewUnavailable("postgres health check failed").WithCause(err)
	}
	return nil
}

// Stats reports pool usage for the readiness endpoint.
func (c *Connection) Stats() map[string]interface{} {
	s := c.DB.Stats()
	return map[string]interface{}{
		"open_conns":    s.OpenConnections,
		"in_use":        s.InUse,
		"idle":          s.Idle,
		"wait_count":    s.WaitCount,
		"wait_duration": s.WaitDuration.String(),
	}
}

// RunInTx runs fn inside a transaction and commits when fn returns nil.
// Rollback on any error, including a cancelled context.
func RunInTx(ctx context.Context, db *sqlx.DB, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return ClassifyError(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return ClassifyError(err, "failed to commit transaction")
	}
	return nil
}

// WithTransactionRetry retries fn on serialization failures and deadlocks
// with a linear backoff.
func WithTransactionRetry(ctx context.Context, db *sqlx.DB, maxRetries int, logger logging.Logger, fn func(tx *sqlx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = RunInTx(ctx, db, nil, fn)
		if lastErr == nil || !isSerializationError(lastErr) {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}

		backoff := time.Duration(attempt+1) * 50 * time.Millisecond
		logger.Warn(ctx, "Transaction conflict, retrying", map[string]interface{}{
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		})
		select {
		case <-ctx.Done():
			return errors.NewUnavailable("transaction retry aborted").WithCause(ctx.Err())
		case <-time.After(backoff):
		}
	}
	return errors.Wrap(lastErr, fmt.Sprintf("transaction failed after %d attempts", maxRetries+1))
}

func isSerializationError(err error) bool {
	code := SQLState(err)
	return code == CodeSerializationFailure || code == CodeDeadlockDetected
}

// SQLState returns the PostgreSQL error code in err's chain, if any.
func SQLState(err error) string {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// ClassifyError maps driver errors onto the application taxonomy. Errors that
// already are AppErrors pass through untouched.
func ClassifyError(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}

	switch SQLState(err) {
	case CodeUniqueViolation:
		return errors.NewConflict(message).WithCode("AlreadyExists").WithCause(err)
	case CodeLockNotAvailable, CodeQueryCanceled:
		return errors.NewUnavailable(message).WithCode("LockTimeout").WithCause(err)
	case CodeSerializationFailure, CodeDeadlockDetected:
		return errors.NewUnavailable(message).WithCode("ConcurrentUpdate").WithCause(err)
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return errors.NewUnavailable(message).WithCode("Cancelled").WithCause(err)
	}
	if stderrors.Is(err, sql.ErrConnDone) || stderrors.Is(err, sql.ErrTxDone) {
		return errors.NewUnavailable(message).WithCode("PersistenceFailed").WithCause(err)
	}
	return errors.NewInternal(message).WithCode("PersistenceFailed").WithCause(err)
}

// Migrator applies *.up.sql files from an fs.FS in lexical order, each in its
// own transaction, recording them in schema_migrations.
type Migrator struct {
	db         *sqlx.DB
	logger     logging.Logger
	migrations fs.FS
}

func NewMigrator(db *sqlx.DB, migrations fs.FS, logger logging.Logger) *Migrator {
	return &Migrator{db: db, logger: logger, migrations: migrations}
}

func (m *Migrator) RunMigrations(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			migration  VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return errors.Wrap(err, "failed to create migrations table")
	}

	files, err := m.upFiles()
	if err != nil {
		return errors.Wrap(err, "failed to list migration files")
	}

	var done []string
	if err := m.db.SelectContext(ctx, &done, "SELECT migration FROM schema_migrations"); err != nil {
		return errors.Wrap(err, "failed to read applied migrations")
	}
	applied := make(map[string]bool, len(done))
	for _, name := range done {
		applied[name] = true
	}

	count := 0
	for _, file := range files {
		name := strings.TrimSuffix(file, ".up.sql")
		if applied[name] {
			continue
		}
		if err := m.apply(ctx, file, name); err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to apply migration %s", name))
		}
		count++
	}

	m.logger.Info(ctx, "Migrations complete", map[string]interface{}{
		"applied": count,
		"total":   len(files),
	})
	return nil
}

func (m *Migrator) upFiles() ([]string, error) {
	entries, err := fs.ReadDir(m.migrations, ".")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func (m *Migrator) apply(ctx context.Context, file, name string) error {
	body, err := fs.ReadFile(m.migrations, file)
	if err != nil {
		return err
	}
	return RunInTx(ctx, m.db, nil, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (migration) VALUES ($1)", name)
		return err
	})
}
