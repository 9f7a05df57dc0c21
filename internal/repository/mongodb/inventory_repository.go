package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	"github.com/amiosamu/inventory-ledger/internal/lock"
	"github.com/amiosamu/inventory-ledger/internal/repository/interfaces"
	platformmongo "github.com/amiosamu/inventory-ledger/shared/platform/database/mongodb"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
)

const (
	inventoryCollection   = "inventory"
	eventsCollection      = "inventory_events"
	reservationCollection = "reservation_keys"
	countersCollection    = "counters"

	eventSequenceCounter = "inventory_events"

	productEventsIndex = "product_sequence_index"
	pendingEventsIndex = "pending_sequence_index"
)

// InventoryRepository implements interfaces.InventoryStore on MongoDB. Each
// unit of work is a multi-document transaction; per-product exclusion is
// taken from the Locker before the product document is read.
type InventoryRepository struct {
	conn   *platformmongo.Connection
	locker lock.Locker
	logger logging.Logger
}

func NewInventoryRepository(conn *platformmongo.Connection, locker lock.Locker, logger logging.Logger) *InventoryRepository {
	return &InventoryRepository{conn: conn, locker: locker, logger: logger}
}

var _ interfaces.InventoryStore = (*InventoryRepository)(nil)

// inventoryDoc is keyed by product id.
type inventoryDoc struct {
	ProductID         string    `bson:"_id"`
	TotalQuantity     int64     `bson:"total_quantity"`
	ReservedQuantity  int64     `bson:"reserved_quantity"`
	MinimumStockLevel int64     `bson:"minimum_stock_level"`
	Version           int64     `bson:"version"`
	CreatedAt         time.Time `bson:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at"`
}

type eventDoc struct {
	ID          string     `bson:"_id"`
	Sequence    int64      `bson:"sequence"`
	Type        string     `bson:"event_type"`
	ProductID   string     `bson:"product_id"`
	OccurredAt  time.Time  `bson:"occurred_at"`
	Payload     string     `bson:"payload"`
	PublishedAt *time.Time `bson:"published_at"`
}

type reservationDoc struct {
	ID         bson.D    `bson:"_id"`
	OrderID    string    `bson:"order_id"`
	ProductID  string    `bson:"product_id"`
	Quantity   int64     `bson:"quantity"`
	ReservedAt time.Time `bson:"reserved_at"`
}

func documentFromDomain(inv domain.Inventory) inventoryDoc {
	return inventoryDoc{
		ProductID:         inv.ProductID(),
		TotalQuantity:     inv.TotalQuantity(),
		ReservedQuantity:  inv.ReservedQuantity(),
		MinimumStockLevel: inv.MinimumStockLevel(),
		Version:           inv.Version(),
		CreatedAt:         inv.CreatedAt(),
		UpdatedAt:         inv.UpdatedAt(),
	}
}

func (d inventoryDoc) toDomain() (domain.Inventory, error) {
	return domain.Reconstruct(d.ProductID, d.TotalQuantity, d.ReservedQuantity, d.MinimumStockLevel,
		d.CreatedAt.UTC(), d.UpdatedAt.UTC(), d.Version)
}

func (d eventDoc) toDomain() domain.Record {
	return domain.Record{
		ID:          d.ID,
		Sequence:    d.Sequence,
		Type:        d.Type,
		ProductID:   d.ProductID,
		OccurredAt:  d.OccurredAt.UTC(),
		Payload:     []byte(d.Payload),
		PublishedAt: d.PublishedAt,
	}
}

// reservationID makes the (order, product, quantity) tuple the document key,
// so a duplicate insert fails on _id.
func reservationID(key domain.ReservationKey) bson.D {
	return bson.D{
		{Key: "order_id", Value: key.OrderID},
		{Key: "product_id", Value: key.ProductID},
		{Key: "quantity", Value: key.Quantity},
	}
}

func belowMinimumFilter(after string) bson.M {
	return bson.M{
		"_id": bson.M{"$gt": after},
		"$expr": bson.M{
			"$lt": bson.A{
				bson.M{"$subtract": bson.A{"$total_quantity", "$reserved_quantity"}},
				"$minimum_stock_level",
			},
		},
	}
}

// EnsureIndexes creates the indexes the queries rely on.
func (r *InventoryRepository) EnsureIndexes(ctx context.Context) error {
	events := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "product_id", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetName(productEventsIndex),
		},
		{
			Keys:    bson.D{{Key: "published_at", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetName(pendingEventsIndex),
		},
	}
	names, err := r.conn.Collection(eventsCollection).Indexes().CreateMany(ctx, events)
	if err != nil {
		return platformmongo.ClassifyError(err, "failed to create event indexes")
	}

	r.logger.Info(ctx, "Created MongoDB indexes", map[string]interface{}{"indexes": names})
	return nil
}

func (r *InventoryRepository) WithinTransaction(ctx context.Context, fn func(ctx context.Context, uow interfaces.UnitOfWork) error) error {
	uow := &unitOfWork{repo: r, held: make(map[string]func())}
	defer uow.releaseAll()

	// The driver may re-run the callback on transient errors; held locks
	// carry over between attempts.
	return r.conn.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		return fn(sessCtx, uow)
	})
}

func (r *InventoryRepository) Get(ctx context.Context, productID string) (domain.Inventory, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	return r.findInventory(ctx, productID)
}

func (r *InventoryRepository) findInventory(ctx context.Context, productID string) (domain.Inventory, error) {
	var doc inventoryDoc
	err := r.conn.Collection(inventoryCollection).FindOne(ctx, bson.M{"_id": productID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return domain.Inventory{}, domain.NewNotFoundError(productID)
	}
	if err != nil {
		return domain.Inventory{}, platformmongo.ClassifyError(err, "failed to find inventory")
	}
	return doc.toDomain()
}

func (r *InventoryRepository) ListBelowMinimum(ctx context.Context, after string, limit int) ([]domain.Inventory, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
	cursor, err := r.conn.Collection(inventoryCollection).Find(ctx, belowMinimumFilter(after), opts)
	if err != nil {
		return nil, platformmongo.ClassifyError(err, "failed to find low stock inventory")
	}
	defer cursor.Close(ctx)

	var docs []inventoryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, platformmongo.ClassifyError(err, "failed to decode low stock inventory")
	}

	out := make([]domain.Inventory, 0, len(docs))
	for _, doc := range docs {
		inv, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

func (r *InventoryRepository) ListEvents(ctx context.Context, productID string, limit int) ([]domain.Record, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: -1}}).SetLimit(int64(limit))
	records, err := r.findEvents(ctx, bson.M{"product_id": productID}, opts)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func (r *InventoryRepository) PendingEvents(ctx context.Context, limit int) ([]domain.Record, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}).SetLimit(int64(limit))
	return r.findEvents(ctx, bson.M{"published_at": nil}, opts)
}

func (r *InventoryRepository) findEvents(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]domain.Record, error) {
	cursor, err := r.conn.Collection(eventsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, platformmongo.ClassifyError(err, "failed to find inventory events")
	}
	defer cursor.Close(ctx)

	var docs []eventDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, platformmongo.ClassifyError(err, "failed to decode inventory events")
	}
	out := make([]domain.Record, len(docs))
	for i, d := range docs {
		out[i] = d.toDomain()
	}
	return out, nil
}

func (r *InventoryRepository) MarkEventsPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.conn.Collection(eventsCollection).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "published_at": nil},
		bson.M{"$set": bson.M{"published_at": at}})
	if err != nil {
		return platformmongo.ClassifyError(err, "failed to mark events published")
	}
	return nil
}

func (r *InventoryRepository) HealthCheck(ctx context.Context) error {
	return r.conn.HealthCheck(ctx)
}

func (r *InventoryRepository) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := r.conn.QueryTimeout(); t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

type unitOfWork struct {
	repo *InventoryRepository
	held map[string]func()
}

func (u *unitOfWork) LoadForUpdate(ctx context.Context, productID string) (domain.Inventory, error) {
	if _, ok := u.held[productID]; !ok {
		release, err := u.repo.locker.Acquire(ctx, productID)
		if err != nil {
			return domain.Inventory{}, err
		}
		u.held[productID] = release
	}
	return u.repo.findInventory(ctx, productID)
}

func (u *unitOfWork) Save(ctx context.Context, inv domain.Inventory, records []domain.Record) error {
	doc := documentFromDomain(inv)
	_, err := u.repo.conn.Collection(inventoryCollection).ReplaceOne(ctx,
		bson.M{"_id": doc.ProductID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return platformmongo.ClassifyError(err, "failed to save inventory")
	}

	if len(records) == 0 {
		return nil
	}
	last, err := u.reserveSequence(ctx, int64(len(records)))
	if err != nil {
		return err
	}

	docs := make([]interface{}, len(records))
	first := last - int64(len(records)) + 1
	for i, rec := range records {
		docs[i] = eventDoc{
			ID:         rec.ID,
			Sequence:   first + int64(i),
			Type:       rec.Type,
			ProductID:  rec.ProductID,
			OccurredAt: rec.OccurredAt,
			Payload:    string(rec.Payload),
		}
	}
	if _, err := u.repo.conn.Collection(eventsCollection).InsertMany(ctx, docs); err != nil {
		return platformmongo.ClassifyError(err, "failed to append inventory events")
	}
	return nil
}

// reserveSequence bumps the shared event counter by n and returns its new
// value. Concurrent writers conflict on the counter and are retried by the
// driver.
func (u *unitOfWork) reserveSequence(ctx context.Context, n int64) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := u.repo.conn.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": eventSequenceCounter},
		bson.M{"$inc": bson.M{"seq": n}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, platformmongo.ClassifyError(err, "failed to allocate event sequence")
	}
	return counter.Seq, nil
}

func (u *unitOfWork) ReservationExists(ctx context.Context, key domain.ReservationKey) (bool, error) {
	n, err := u.repo.conn.Collection(reservationCollection).CountDocuments(ctx,
		bson.M{"_id": reservationID(key)}, options.Count().SetLimit(1))
	if err != nil {
		return false, platformmongo.ClassifyError(err, "failed to check reservation key")
	}
	return n > 0, nil
}

func (u *unitOfWork) RecordReservation(ctx context.Context, key domain.ReservationKey, at time.Time) error {
	doc := reservationDoc{
		ID:         reservationID(key),
		OrderID:    key.OrderID,
		ProductID:  key.ProductID,
		Quantity:   key.Quantity,
		ReservedAt: at,
	}
	// A duplicate key aborts the whole transaction, so callers check
	// ReservationExists first while holding the product lock.
	if _, err := u.repo.conn.Collection(reservationCollection).InsertOne(ctx, doc); err != nil {
		return platformmongo.ClassifyError(err, "failed to record reservation key")
	}
	return nil
}

func (u *unitOfWork) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	return u.repo.MarkEventsPublished(ctx, ids, at)
}

func (u *unitOfWork) releaseAll() {
	for _, release := range u.held {
		release()
	}
}
