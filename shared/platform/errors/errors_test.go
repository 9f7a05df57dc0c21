package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

var errSentinel = stderrors.New("sentinel")

func TestWrapKeepsTypeAndCode(t *testing.T) {
	base := NewConflict("not enough stock").WithCode("InsufficientStock").WithCause(errSentinel)
	wrapped := Wrap(base, "reserve failed")

	if !IsConflict(wrapped) {
		t.Fatalf("expected conflict, got %s", GetErrorType(wrapped))
	}
	if got := GetCode(wrapped); got != "InsufficientStock" {
		t.Errorf("code = %q", got)
	}
	if !stderrors.Is(wrapped, errSentinel) {
		t.Error("sentinel lost through Wrap")
	}
}

func TestWrapUnknownBecomesInternal(t *testing.T) {
	err := Wrap(fmt.Errorf("boom"), "query")
	if !IsInternal(err) {
		t.Fatalf("expected internal, got %s", err.Type)
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestIsMatchesTypeAndCode(t *testing.T) {
	err := fmt.Errorf("ctx: %w", NewValidation("bad").WithCode("InvalidQuantity"))

	tests := []struct {
		name   string
		target error
		want   bool
	}{
		{"same type no code", &AppError{Type: ErrorTypeValidation}, true},
		{"same type same code", &AppError{Type: ErrorTypeValidation, Code: "InvalidQuantity"}, true},
		{"same type other code", &AppError{Type: ErrorTypeValidation, Code: "NotFound"}, false},
		{"other type", &AppError{Type: ErrorTypeConflict}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stderrors.Is(err, tt.target); got != tt.want {
				t.Errorf("Is = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewValidation("v"), false},
		{NewConflict("c"), false},
		{NewNotFound("n"), false},
		{NewInternal("i"), true},
		{NewExternal("e"), true},
		{NewUnavailable("u"), true},
		{stderrors.New("plain"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWithDetailsMerges(t *testing.T) {
	err := NewValidation("x").WithDetails(map[string]interface{}{"a": 1})
	err.WithDetails(map[string]interface{}{"b": 2})
	d := GetDetails(fmt.Errorf("wrap: %w", err))
	if d["a"] != 1 || d["b"] != 2 {
		t.Errorf("details = %v", d)
	}
}
