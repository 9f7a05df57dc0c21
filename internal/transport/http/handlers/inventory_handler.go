package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/amiosamu/inventory-ledger/internal/domain"
	"github.com/amiosamu/inventory-ledger/internal/service"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/logging"
	"github.com/amiosamu/inventory-ledger/shared/platform/observability/tracing"
)

const maxBodyBytes = 1 << 20

// InventoryHandler handles HTTP requests for inventory.
type InventoryHandler struct {
	inventoryService *service.InventoryService
	logger           logging.Logger
}

func NewInventoryHandler(inventoryService *service.InventoryService, logger logging.Logger) *InventoryHandler {
	return &InventoryHandler{inventoryService: inventoryService, logger: logger}
}

// CreateInventory handles POST /inventory
func (h *InventoryHandler) CreateInventory(w http.ResponseWriter, r *http.Request) {
	var req CreateInventoryRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.inventoryService.CreateInventory(r.Context(), domain.CreateInventory{
		ProductID:         req.ProductID,
		InitialQuantity:   req.InitialQuantity,
		MinimumStockLevel: req.MinimumStockLevel,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondCommand(w, http.StatusCreated, "Inventory created", res)
}

// GetInventory handles GET /inventory/{productID}
func (h *InventoryHandler) GetInventory(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	tracing.AddSpanAttributes(r.Context(), tracing.ProductIDKey.String(productID))

	inv, err := h.inventoryService.GetCurrentState(r.Context(), productID)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, toInventoryResponse(inv))
}

// ReserveInventory handles POST /inventory/{productID}/reserve
func (h *InventoryHandler) ReserveInventory(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.inventoryService.ReserveInventory(r.Context(), domain.ReserveInventory{
		ProductID: chi.URLParam(r, "productID"),
		Quantity:  req.Quantity,
		OrderID:   req.OrderID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	msg := "Inventory reserved"
	if res.Duplicate {
		msg = "Reservation already applied"
	}
	h.respondCommand(w, http.StatusOK, msg, res)
}

// ReleaseInventory handles POST /inventory/{productID}/release
func (h *InventoryHandler) ReleaseInventory(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.inventoryService.ReleaseInventory(r.Context(), domain.ReleaseInventory{
		ProductID: chi.URLParam(r, "productID"),
		Quantity:  req.Quantity,
		OrderID:   req.OrderID,
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondCommand(w, http.StatusOK, "Inventory released", res)
}

// AdjustInventory handles POST /inventory/{productID}/adjust
func (h *InventoryHandler) AdjustInventory(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.inventoryService.AdjustInventory(r.Context(), domain.AdjustInventory{
		ProductID:   chi.URLParam(r, "productID"),
		NewQuantity: req.NewQuantity,
		Reason:      req.Reason,
		AdjustedBy:  req.AdjustedBy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.respondCommand(w, http.StatusOK, "Inventory adjusted", res)
}

// ListLowStock handles GET /inventory/low-stock
func (h *InventoryHandler) ListLowStock(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}

	page, err := h.inventoryService.ListBelowMinimum(r.Context(), r.URL.Query().Get("after"), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := LowStockResponse{
		Items:      make([]LowStockItem, len(page.Items)),
		Count:      len(page.Items),
		NextCursor: page.NextCursor,
	}
	for i, inv := range page.Items {
		resp.Items[i] = LowStockItem{
			ProductID:         inv.ProductID(),
			AvailableQuantity: inv.AvailableQuantity(),
			MinimumStockLevel: inv.MinimumStockLevel(),
			Shortfall:         inv.Shortfall(),
		}
	}
	_ = WriteJSON(w, http.StatusOK, resp)
}

// ListEvents handles GET /inventory/{productID}/events
func (h *InventoryHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}
	productID := chi.URLParam(r, "productID")

	records, err := h.inventoryService.ListEvents(r.Context(), productID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := EventsResponse{
		ProductID: productID,
		Events:    make([]EventResponse, len(records)),
		Count:     len(records),
	}
	for i, rec := range records {
		resp.Events[i] = toEventResponse(rec)
	}
	_ = WriteJSON(w, http.StatusOK, resp)
}

func (h *InventoryHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.logger.Warn(r.Context(), "Invalid request body", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		writeBadRequest(w, "Invalid JSON payload", err)
		return false
	}
	return true
}

func (h *InventoryHandler) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeBadRequest(w, "limit must be a non-negative integer", err)
		return 0, false
	}
	return limit, true
}

func (h *InventoryHandler) respondCommand(w http.ResponseWriter, status int, message string, res service.Result) {
	_ = WriteJSON(w, status, CommandResponse{
		Success:   true,
		Message:   message,
		Inventory: toInventoryResponse(res.Inventory),
		Events:    domain.EventTypes(res.Events),
		Duplicate: res.Duplicate,
	})
}
