package mongodb

import (
	"context"
	stderrors "errors"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/amiosamu/inventory-ledger/shared/platform/config"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
)

// Connection owns the mongo client and the service database handle.
// Multi-document transactions need a replica set or sharded cluster.
type Connection struct {
	Client   *mongo.Client
	Database *mongo.Database
	config   config.MongoDBConfig
	logger   logging.Logger
}

func NewConnection(ctx context.Context, cfg config.MongoDBConfig, logger logging.Logger) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxConnIdleTime(cfg.MaxIdleTime).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.NewUnavailable("failed to connect to MongoDB").WithCause(err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.NewUnavailable("failed to ping MongoDB").WithCause(err)
	}

	logger.Info(ctx, "MongoDB connection established", map[string]interface{}{
		"database":      cfg.Database,
		"max_pool_size": cfg.MaxPoolSize,
	})

	return &Connection{
		Client:   client,
		Database: client.Database(cfg.Database),
		config:   cfg,
		logger:   logger,
	}, nil
}

func (c *Connection) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Client.Disconnect(ctx); err != nil {
		c.logger.Error(ctx, "Failed to close MongoDB connection", err)
		return err
	}
	c.logger.Info(ctx, "MongoDB connection closed")
	return nil
}

func (c *Connection) HealthCheck(ctx context.Context) error {
	if err := c.Client.Ping(ctx, readpref.Primary()); err != nil {
		return errors.NewUnavailable("mongodb ping failed").WithCause(err)
	}
	return nil
}

func (c *Connection) Collection(name string) *mongo.Collection {
	return c.Database.Collection(name)
}

// QueryTimeout bounds single reads outside a transaction.
func (c *Connection) QueryTimeout() time.Duration {
	return c.config.QueryTimeout
}

// WithTransaction runs fn in a majority read/write transaction. The driver
// retries fn on transient transaction errors, so fn must be re-runnable.
func (c *Connection) WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) error) error {
	session, err := c.Client.StartSession()
	if err != nil {
		return errors.NewUnavailable("failed to start MongoDB session").WithCause(err)
	}
	defer session.EndSession(context.Background())

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	}, txnOpts)
	if err != nil {
		return ClassifyError(err, "MongoDB transaction failed")
	}
	return nil
}

// ClassifyError maps driver errors onto the application taxonomy.
func ClassifyError(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	switch {
	case mongo.IsDuplicateKeyError(err):
		return errors.NewConflict(message).WithCode("AlreadyExists").WithCause(err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err):
		return errors.NewUnavailable(message).WithCode("PersistenceFailed").WithCause(err)
	}
	var cmdErr mongo.CommandError
	if stderrors.As(err, &cmdErr) && cmdErr.HasErrorLabel("TransientTransactionError") {
		return errors.NewUnavailable(message).WithCode("ConcurrentUpdate").WithCause(err)
	}
	return errors.NewInternal(message).WithCode("PersistenceFailed").WithCause(err)
}
