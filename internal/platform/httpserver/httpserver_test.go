package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthzReturnsOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	Healthz("enginehandler")(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["service"] != "enginehandler" || body["status"] != "ok" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestReadyzWithChecksReportsOKWhenAllPass(t *testing.T) {
	handler := ReadyzWithChecks("enginehandler",
		ReadinessCheck{Name: "cache", Check: func(ctx context.Context) error { return nil }},
	)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestReadyzWithChecksReportsFailure(t *testing.T) {
	handler := ReadyzWithChecks("enginehandler",
		ReadinessCheck{Name: "cache", Check: func(ctx context.Context) error { return nil }},
		ReadinessCheck{Name: "engine", Check: func(ctx context.Context) error { return errors.New("unreachable") }},
	)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["status"] != "not_ready" {
		t.Fatalf("status field = %v, want %q", body["status"], "not_ready")
	}
}

func TestRequestIDMiddlewareGeneratesAndPropagatesID(t *testing.T) {
	var sawID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := RequestIDFromContext(r.Context())
		if !ok {
			t.Fatal("expected a request id in context")
		}
		sawID = id
	})

	wrapped := requestIDMiddleware("svc", inner)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	if sawID == "" {
		t.Fatal("expected a non-empty generated request id")
	}
	if w.Header().Get("X-Request-Id") != sawID {
		t.Fatalf("response header X-Request-Id = %q, want %q", w.Header().Get("X-Request-Id"), sawID)
	}
}

func TestRequestIDMiddlewarePreservesIncomingID(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	wrapped := requestIDMiddleware("svc", inner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "caller-supplied-id")
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	if w.Header().Get("X-Request-Id") != "caller-supplied-id" {
		t.Fatalf("X-Request-Id = %q, want %q", w.Header().Get("X-Request-Id"), "caller-supplied-id")
	}
}

func TestRecoverMiddlewareTurnsPanicIntoServerError(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	wrapped := Wrap(discardLogger(), "svc", panicky)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}
