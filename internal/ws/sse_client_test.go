package ws

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSSEClientWireFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, discardLogger())

	if err := client.Send([]byte(`{"source":"stdout","data":"line one"}`)); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if err := client.SendTerminal("end", []byte(`{"operation_id":"op-1"}`)); err != nil {
		t.Fatalf("SendTerminal returned error: %v", err)
	}

	got := rec.Body.String()
	want := "data: {\"source\":\"stdout\",\"data\":\"line one\"}\n\n" +
		"event: end\ndata: {\"operation_id\":\"op-1\"}\n\n"
	if got != want {
		t.Fatalf("unexpected wire output:\n%q\nwant:\n%q", got, want)
	}
}

func TestSSEClientErrorTerminalFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, discardLogger())

	if err := client.SendTerminal("error", []byte(`{"error":"terraform exited with code 1"}`)); err != nil {
		t.Fatalf("SendTerminal returned error: %v", err)
	}
	if !strings.HasPrefix(rec.Body.String(), "event: error\n") {
		t.Fatalf("expected error event name on the wire, got %q", rec.Body.String())
	}
}

func TestSSEClientHeartbeatIsComment(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, discardLogger())

	if err := client.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat returned error: %v", err)
	}
	if got := rec.Body.String(); got != ": ping\n\n" {
		t.Fatalf("unexpected heartbeat frame: %q", got)
	}
}

func TestSSEClientRefusesWritesAfterClose(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, discardLogger())
	client.Close()

	if err := client.Send([]byte("late")); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
	if err := client.SendTerminal("end", []byte("{}")); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
	if err := client.Heartbeat(); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected nothing written after close, got %q", rec.Body.String())
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
