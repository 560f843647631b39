package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCorrelationID_GeneratesWhenAbsent(t *testing.T) {
	var seen string
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen == "" {
		t.Fatal("expected a generated correlation ID in the request context")
	}
	if got := rec.Header().Get(CorrelationIDHeader); got != seen {
		t.Errorf("response header %s = %q, want %q", CorrelationIDHeader, got, seen)
	}
}

func TestCorrelationID_ReusesIncomingHeader(t *testing.T) {
	var seen string
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "incoming-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "incoming-id" {
		t.Errorf("correlation ID = %q, want incoming-id", seen)
	}
}

func TestTracingLogger_CapturesStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := TracingLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}

func TestGetCorrelationID_EmptyWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := GetCorrelationID(req.Context()); got != "" {
		t.Errorf("GetCorrelationID on bare context = %q, want empty", got)
	}
}
