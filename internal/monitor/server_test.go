package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerProbes(t *testing.T) {
	var readyErr error
	h := NewHandler(func(ctx context.Context) error { return readyErr })

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	if w := get("/healthz"); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}
	if w := get("/readyz"); w.Code != http.StatusOK {
		t.Errorf("readyz: expected 200, got %d", w.Code)
	}

	readyErr = errors.New("docker unreachable")
	if w := get("/readyz"); w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "docker unreachable") {
		t.Errorf("readyz: expected 503 with reason, got %d %q", w.Code, w.Body.String())
	}
	// 存活探针不受依赖影响
	if w := get("/healthz"); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200 while not ready, got %d", w.Code)
	}
}

func TestHandlerExposesPoolMetrics(t *testing.T) {
	PoolIdleCount.WithLabelValues("metrics-test").Set(3)

	w := httptest.NewRecorder()
	NewHandler(nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `tenant="metrics-test"`) {
		t.Error("Expected tenant-labelled idle gauge in metrics output")
	}
}
