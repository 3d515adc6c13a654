package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) probeResult {
	t.Helper()
	var body probeResult
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body.Status != "ok" {
		t.Errorf("body status = %q, want ok", body.Status)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyzAllPass(t *testing.T) {
	h := New(
		Checker{Name: "database", Check: func(context.Context) error { return nil }},
		Checker{Name: "orchestrator", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body.Status != "ok" {
		t.Errorf("body status = %q, want ok", body.Status)
	}
	if body.Checks["database"] != "ok" || body.Checks["orchestrator"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyzFailingCheckerReturns503(t *testing.T) {
	h := New(
		Checker{Name: "database", Check: func(context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "orchestrator", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	body := decodeBody(t, rec)
	if body.Status != "fail" {
		t.Errorf("body status = %q, want fail", body.Status)
	}
	if !strings.HasPrefix(body.Checks["database"], "fail:") {
		t.Errorf("database check = %q, want fail prefix", body.Checks["database"])
	}
	if body.Checks["orchestrator"] != "ok" {
		t.Errorf("orchestrator check = %q, want ok (one failure must not taint others)", body.Checks["orchestrator"])
	}
}

func TestReadyzNoCheckers(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with no checkers", rec.Code)
	}
}

func TestReadyzChecksRunConcurrently(t *testing.T) {
	// Two checks that each sleep 50ms should finish well under 100ms when
	// run concurrently.
	slow := func(ctx context.Context) error {
		select {
		case <-time.After(50 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(
		Checker{Name: "a", Check: slow},
		Checker{Name: "b", Check: slow},
	)

	start := time.Now()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if elapsed := time.Since(start); elapsed > 90*time.Millisecond {
		t.Errorf("Readyz took %s, checks appear to run sequentially", elapsed)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCheckerTimeoutSurfacesAsFailure(t *testing.T) {
	h := New(Checker{Name: "hung", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)

	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 for hung checker", rec.Code)
	}
}

func TestRegisterRoutes(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}
