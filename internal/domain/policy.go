package domain

// IsBelowMinimum is strict: available == minimum is not low stock.
func IsBelowMinimum(available, minimum int64) bool {
	return available < minimum
}

// StockLevelMonitor decides whether a mutation left the product below its
// minimum stock level.
type StockLevelMonitor struct{}

// Apply returns a LowStockDetected event when trigger is a create, reserve or
// adjust and state is below minimum. Releases only ever raise availability
// and never trigger.
func (StockLevelMonitor) Apply(trigger Event, state Inventory) []Event {
	switch trigger.EventType() {
	case EventInventoryCreated, EventInventoryReserved, EventInventoryAdjusted:
	default:
		return nil
	}

	if !IsBelowMinimum(state.AvailableQuantity(), state.MinimumStockLevel()) {
		return nil
	}
	return []Event{LowStockDetected{
		ProductID:         state.ProductID(),
		AvailableQuantity: state.AvailableQuantity(),
		MinimumStockLevel: state.MinimumStockLevel(),
		Timestamp:         trigger.OccurredAt(),
	}}
}
