package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sunway24/dealbridge/internal/auth"
	"github.com/sunway24/dealbridge/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithStaff(ctx, 785219206)

	if err := LogEvent(ctx, "console.invoice_uploaded", map[string]any{"deal_id": "42", "err": errors.New("boom")}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "console.invoice_uploaded" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["staff_id"] != float64(785219206) {
		t.Fatalf("unexpected staff id: %v", entry["staff_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["deal_id"] != "42" || fields["err"] != "boom" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventCaller(t *testing.T) {
	buf := captureLog(t)

	ctx := auth.ContextWithCaller(context.Background(), "bitrix")
	if err := LogEvent(ctx, "webhook.deal_update", nil); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["caller"] != "bitrix" {
		t.Fatalf("unexpected caller: %v", entry["caller"])
	}
	if _, ok := entry["staff_id"]; ok {
		t.Fatalf("staff id must be absent")
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}
