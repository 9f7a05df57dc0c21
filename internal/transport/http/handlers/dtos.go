package handlers

import (
	"encoding/json"
	"time"

	"github.com/amiosamu/inventory-ledger/internal/domain"
)

type CreateInventoryRequest struct {
	ProductID         string `json:"product_id"`
	InitialQuantity   int64  `json:"initial_quantity"`
	MinimumStockLevel int64  `json:"minimum_stock_level"`
}

type ReserveRequest struct {
	Quantity int64  `json:"quantity"`
	OrderID  string `json:"order_id"`
}

type ReleaseRequest struct {
	Quantity int64  `json:"quantity"`
	OrderID  string `json:"order_id"`
	Reason   string `json:"reason,omitempty"`
}

type AdjustRequest struct {
	NewQuantity int64  `json:"new_quantity"`
	Reason      string `json:"reason,omitempty"`
	AdjustedBy  string `json:"adjusted_by,omitempty"`
}

// InventoryResponse is the snapshot returned by every inventory endpoint.
type InventoryResponse struct {
	ProductID         string    `json:"product_id"`
	TotalQuantity     int64     `json:"total_quantity"`
	ReservedQuantity  int64     `json:"reserved_quantity"`
	AvailableQuantity int64     `json:"available_quantity"`
	MinimumStockLevel int64     `json:"minimum_stock_level"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type CommandResponse struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	Inventory InventoryResponse `json:"inventory"`
	Events    []string          `json:"events"`
	Duplicate bool              `json:"duplicate,omitempty"`
}

type LowStockItem struct {
	ProductID         string `json:"product_id"`
	AvailableQuantity int64  `json:"available_quantity"`
	MinimumStockLevel int64  `json:"minimum_stock_level"`
	Shortfall         int64  `json:"shortfall"`
}

type LowStockResponse struct {
	Items      []LowStockItem `json:"items"`
	Count      int            `json:"count"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID          string          `json:"id"`
	Sequence    int64           `json:"sequence"`
	EventType   string          `json:"event_type"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"event_data"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}

type EventsResponse struct {
	ProductID string          `json:"product_id"`
	Events    []EventResponse `json:"events"`
	Count     int             `json:"count"`
}

// ErrorResponse is the body of every non-2xx response. Code is the HTTP
// status; ErrorCode is the stable machine-readable code.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      int                    `json:"code"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func toInventoryResponse(inv domain.Inventory) InventoryResponse {
	return InventoryResponse{
		ProductID:         inv.ProductID(),
		TotalQuantity:     inv.TotalQuantity(),
		ReservedQuantity:  inv.ReservedQuantity(),
		AvailableQuantity: inv.AvailableQuantity(),
		MinimumStockLevel: inv.MinimumStockLevel(),
		Version:           inv.Version(),
		UpdatedAt:         inv.UpdatedAt(),
	}
}

func toEventResponse(r domain.Record) EventResponse {
	return EventResponse{
		ID:          r.ID,
		Sequence:    r.Sequence,
		EventType:   r.Type,
		Timestamp:   r.OccurredAt,
		Data:        r.Payload,
		PublishedAt: r.PublishedAt,
	}
}
