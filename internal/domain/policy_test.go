package domain

import (
	"errors"
	"testing"
)

func TestIsBelowMinimumIsStrict(t *testing.T) {
	tests := []struct {
		available, minimum int64
		want               bool
	}{
		{10, 10, false},
		{9, 10, true},
		{0, 0, false},
		{0, 1, true},
		{11, 10, false},
	}
	for _, tt := range tests {
		if got := IsBelowMinimum(tt.available, tt.minimum); got != tt.want {
			t.Errorf("IsBelowMinimum(%d, %d) = %v", tt.available, tt.minimum, got)
		}
	}
}

func TestMonitorIgnoresRelease(t *testing.T) {
	state, err := Reconstruct("PROD-1", 10, 8, 5, t0, t0, 1)
	if err != nil {
		t.Fatal(err)
	}
	var m StockLevelMonitor

	if got := m.Apply(InventoryReleased{ProductID: "PROD-1"}, state); got != nil {
		t.Errorf("release triggered %v", got)
	}
	if got := m.Apply(InventoryReserved{ProductID: "PROD-1", Timestamp: t0}, state); len(got) != 1 {
		t.Errorf("reserve triggered %d events", len(got))
	}
}

func TestCheckQuantities(t *testing.T) {
	tests := []struct {
		name                     string
		total, reserved, minimum int64
		want                     error
	}{
		{"valid", 10, 10, 0, nil},
		{"negative total", -1, 0, 0, ErrNegativeQuantity},
		{"negative reserved", 1, -1, 0, ErrNegativeQuantity},
		{"reserved over total", 1, 2, 0, ErrReservedExceedsTotal},
		{"negative minimum", 1, 0, -1, ErrNegativeMinimumLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQuantities(tt.total, tt.reserved, tt.minimum)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) || !errors.Is(err, ErrInvalidQuantity) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var v *InvariantViolation
			if !errors.As(err, &v) || v.Total != tt.total || v.Reserved != tt.reserved {
				t.Errorf("violation = %+v", v)
			}
		})
	}

	var v *InvariantViolation
	if !errors.As(CheckQuantities(5, 7, 0), &v) || v.Error() != "Reserved quantity (7) cannot exceed total quantity (5)" {
		t.Errorf("message = %q", v.Error())
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec, err := NewRecord("evt-1", LowStockDetected{ProductID: "PROD-1", AvailableQuantity: 5, MinimumStockLevel: 10, Timestamp: t0})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Type != EventLowStockDetected || rec.ProductID != "PROD-1" {
		t.Fatalf("record = %+v", rec)
	}
	e, err := rec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if got := e.(*LowStockDetected); got.AvailableQuantity != 5 || !got.Timestamp.Equal(t0) {
		t.Errorf("decoded = %+v", got)
	}
}
