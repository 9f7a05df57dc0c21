package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type names as written to the audit log and the message bus.
const (
	EventInventoryCreated  = "InventoryCreated"
	EventInventoryReserved = "InventoryReserved"
	EventInventoryReleased = "InventoryReleased"
	EventInventoryAdjusted = "InventoryAdjusted"
	EventLowStockDetected  = "LowStockDetected"
)

// Event is an immutable fact produced by an aggregate method.
type Event interface {
	EventType() string
	AggregateID() string
	OccurredAt() time.Time
}

type InventoryCreated struct {
	ProductID         string    `json:"product_id"`
	InitialQuantity   int64     `json:"initial_quantity"`
	MinimumStockLevel int64     `json:"minimum_stock_level"`
	Timestamp         time.Time `json:"timestamp"`
}

type InventoryReserved struct {
	ProductID string    `json:"product_id"`
	Quantity  int64     `json:"quantity"`
	OrderID   string    `json:"order_id"`
	Timestamp time.Time `json:"timestamp"`
}

type InventoryReleased struct {
	ProductID string    `json:"product_id"`
	Quantity  int64     `json:"quantity"`
	OrderID   string    `json:"order_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type InventoryAdjusted struct {
	ProductID   string    `json:"product_id"`
	OldQuantity int64     `json:"old_quantity"`
	NewQuantity int64     `json:"new_quantity"`
	Reason      string    `json:"reason,omitempty"`
	AdjustedBy  string    `json:"adjusted_by,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// LowStockDetected records that available stock fell strictly below the
// minimum at the moment of a mutation. It is a point-in-time fact.
type LowStockDetected struct {
	ProductID         string    `json:"product_id"`
	AvailableQuantity int64     `json:"available_quantity"`
	MinimumStockLevel int64     `json:"minimum_stock_level"`
	Timestamp         time.Time `json:"timestamp"`
}

func (e InventoryCreated) EventType() string     { return EventInventoryCreated }
func (e InventoryCreated) AggregateID() string   { return e.ProductID }
func (e InventoryCreated) OccurredAt() time.Time { return e.Timestamp }

func (e InventoryReserved) EventType() string     { return EventInventoryReserved }
func (e InventoryReserved) AggregateID() string   { return e.ProductID }
func (e InventoryReserved) OccurredAt() time.Time { return e.Timestamp }

func (e InventoryReleased) EventType() string     { return EventInventoryReleased }
func (e InventoryReleased) AggregateID() string   { return e.ProductID }
func (e InventoryReleased) OccurredAt() time.Time { return e.Timestamp }

func (e InventoryAdjusted) EventType() string     { return EventInventoryAdjusted }
func (e InventoryAdjusted) AggregateID() string   { return e.ProductID }
func (e InventoryAdjusted) OccurredAt() time.Time { return e.Timestamp }

func (e LowStockDetected) EventType() string     { return EventLowStockDetected }
func (e LowStockDetected) AggregateID() string   { return e.ProductID }
func (e LowStockDetected) OccurredAt() time.Time { return e.Timestamp }

// Record is the persisted form of an event: one row of the audit log, which
// doubles as the outbox while PublishedAt is nil.
type Record struct {
	ID          string          `json:"id" db:"id"`
	Sequence    int64           `json:"sequence" db:"sequence"`
	Type        string          `json:"event_type" db:"event_type"`
	ProductID   string          `json:"product_id" db:"product_id"`
	OccurredAt  time.Time       `json:"timestamp" db:"occurred_at"`
	Payload     json.RawMessage `json:"event_data" db:"payload"`
	PublishedAt *time.Time      `json:"published_at,omitempty" db:"published_at"`
}

// NewRecord serialises e under the given id.
func NewRecord(id string, e Event) (Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s: %w", e.EventType(), err)
	}
	return Record{
		ID:         id,
		Type:       e.EventType(),
		ProductID:  e.AggregateID(),
		OccurredAt: e.OccurredAt().UTC(),
		Payload:    payload,
	}, nil
}

// Decode turns a record back into its typed event.
func (r Record) Decode() (Event, error) {
	var e Event
	switch r.Type {
	case EventInventoryCreated:
		e = &InventoryCreated{}
	case EventInventoryReserved:
		e = &InventoryReserved{}
	case EventInventoryReleased:
		e = &InventoryReleased{}
	case EventInventoryAdjusted:
		e = &InventoryAdjusted{}
	case EventLowStockDetected:
		e = &LowStockDetected{}
	default:
		return nil, fmt.Errorf("unknown event type %q", r.Type)
	}
	if err := json.Unmarshal(r.Payload, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", r.Type, err)
	}
	return e, nil
}

// EventTypes lists the types of events in order.
func EventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventType()
	}
	return out
}
