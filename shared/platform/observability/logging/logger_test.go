package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestSlogLoggerWritesContextAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerWithWriter(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("NewLoggerWithWriter: %v", err)
	}

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithTraceID(ctx, "trace-1")

	logger.With(map[string]interface{}{"product_id": "PROD-1"}).
		Error(ctx, "reserve failed", errors.New("boom"), map[string]interface{}{"quantity": 3})

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}

	want := map[string]interface{}{
		"msg":        "reserve failed",
		"product_id": "PROD-1",
		"error":      "boom",
		"request_id": "req-1",
		"trace_id":   "trace-1",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("%s = %v, want %v", k, line[k], v)
		}
	}
	if line["quantity"] != float64(3) {
		t.Errorf("quantity = %v", line["quantity"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLoggerWithWriter(&buf, "warn", "text")

	logger.Info(context.Background(), "hidden")
	logger.Warn(context.Background(), "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestUnsupportedFormat(t *testing.T) {
	if _, err := NewLoggerWithWriter(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatal("expected error for xml format")
	}
}

func TestWithDoesNotMutateParent(t *testing.T) {
	parent := &SlogLogger{fields: map[string]interface{}{"a": 1}}
	child := parent.With(map[string]interface{}{"b": 2}).(*SlogLogger)

	if _, ok := parent.fields["b"]; ok {
		t.Error("parent mutated")
	}
	if child.fields["a"] != 1 || child.fields["b"] != 2 {
		t.Errorf("child fields = %v", child.fields)
	}
}
