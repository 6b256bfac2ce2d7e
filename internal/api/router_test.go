package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentfleet/internal/config"
	"agentfleet/internal/eventbus"
	"agentfleet/internal/orchestrator"
	"agentfleet/internal/poolstore"
	"agentfleet/internal/sandbox/sandboxtest"
	"agentfleet/internal/service"
	"agentfleet/internal/tenant"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testAPI struct {
	router  http.Handler
	svc     *service.Service
	rt      *sandboxtest.Runtime
	tenants *tenant.StaticRepository
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := sandboxtest.New()
	store := poolstore.NewMemoryStore()
	deployer := orchestrator.NewDeployer(rt, store, orchestrator.DeployConfig{
		Image:        "agent-worker:test",
		Attempts:     1,
		StartTimeout: time.Second,
		PollInterval: 10 * time.Millisecond,
	}, logger)
	mgr := orchestrator.NewManager(store, rt, deployer, orchestrator.PoolConfig{}, logger)

	tenants := tenant.NewStaticRepository()
	svc := service.NewService(mgr, tenants, nil, nil, config.RealtimeConfig{
		URL:       "wss://platform",
		APIKey:    "key",
		APISecret: "secret",
	}, logger)

	return &testAPI{
		router:  NewRouter(svc, logger),
		svc:     svc,
		rt:      rt,
		tenants: tenants,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated request id")
	}
}

func TestDeployReturnAndStatus(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/tenants/t1/sessions", DeployRequest{AgentID: "a1", SessionID: "s1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var lease orchestrator.Lease
	if err := json.Unmarshal(w.Body.Bytes(), &lease); err != nil {
		t.Fatalf("decode lease: %v", err)
	}
	if lease.Container == "" || lease.Reused {
		t.Errorf("Unexpected lease: %+v", lease)
	}

	// 同一 session 再次申请
	w = a.do(t, http.MethodPost, "/api/v1/tenants/t1/sessions", DeployRequest{AgentID: "a1", SessionID: "s1"})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for a second lease, got %d", w.Code)
	}

	w = a.do(t, http.MethodDelete, "/api/v1/tenants/t1/sessions/s1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on return, got %d: %s", w.Code, w.Body.String())
	}
	w = a.do(t, http.MethodDelete, "/api/v1/tenants/t1/sessions/s1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second return, got %d", w.Code)
	}

	w = a.do(t, http.MethodGet, "/api/v1/tenants/t1/pool", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var status orchestrator.PoolStatus
	json.Unmarshal(w.Body.Bytes(), &status)
	if status.IdleCount != 1 || status.BusyCount != 0 {
		t.Errorf("Expected 1 idle 0 busy, got %+v", status)
	}

	w = a.do(t, http.MethodPost, "/api/v1/tenants/t1/pool/cleanup", nil)
	var cleanup CleanupResponse
	json.Unmarshal(w.Body.Bytes(), &cleanup)
	if w.Code != http.StatusOK || cleanup.Evicted != 1 {
		t.Errorf("Expected 1 evicted, got %d %+v", w.Code, cleanup)
	}
	if a.rt.Count() != 0 {
		t.Errorf("Expected no containers left, got %d", a.rt.Count())
	}
}

func TestDeployErrorMapping(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	a.tenants.SaveTenant(ctx, &tenant.Tenant{ID: "gold", Tier: "platinum"})

	tests := []struct {
		name   string
		tenant string
		body   any
		setup  func()
		want   int
	}{
		{"missing agent", "t1", map[string]string{}, nil, http.StatusBadRequest},
		{"unknown tier", "gold", DeployRequest{AgentID: "a1"}, nil, http.StatusUnprocessableEntity},
		{
			"missing credentials", "t2", DeployRequest{AgentID: "a1"},
			func() { a.svc.Realtime = config.RealtimeConfig{} },
			http.StatusUnprocessableEntity,
		},
		{
			"deploy failure", "t3", DeployRequest{AgentID: "a1"},
			func() {
				a.svc.Realtime = config.RealtimeConfig{URL: "u", APIKey: "k", APISecret: "s"}
				a.rt.CreateFailures = 5
			},
			http.StatusServiceUnavailable,
		},
		{"async without queue", "t4", DeployRequest{AgentID: "a1"}, nil, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			path := "/api/v1/tenants/" + tt.tenant + "/sessions"
			if tt.tenant == "t4" {
				path += "?async=true"
			}
			w := a.do(t, http.MethodPost, path, tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestRegisterWorker(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/tenants/t1/sessions", DeployRequest{AgentID: "a1", SessionID: "s1"})
	var lease orchestrator.Lease
	json.Unmarshal(w.Body.Bytes(), &lease)

	w = a.do(t, http.MethodPut, "/api/v1/containers/"+lease.Container+"/worker", RegisterWorkerRequest{WorkerID: "w-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodGet, "/api/v1/tenants/t1/pool", nil)
	var status orchestrator.PoolStatus
	json.Unmarshal(w.Body.Bytes(), &status)
	if len(status.Containers) != 1 || !status.Containers[0].Ready || status.Containers[0].WorkerID != "w-1" {
		t.Errorf("Expected registered worker, got %+v", status.Containers)
	}

	w = a.do(t, http.MethodPut, "/api/v1/containers/nope/worker", RegisterWorkerRequest{WorkerID: "w-2"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown container, got %d", w.Code)
	}
}

func TestStreamEvents(t *testing.T) {
	a := newTestAPI(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := eventbus.NewRedisBus(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.svc.Bus = bus

	srv := httptest.NewServer(a.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 订阅建立前发布的事件会丢失，持续发布直到读到为止
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bus.Publish(ctx, "t1", eventbus.Event{Type: eventbus.EventContainerLeased, Container: "c1"})
			}
		}
	}()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/tenants/t1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Expected event stream, got %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok || strings.TrimSpace(data) == "" {
			continue
		}
		var ev SSEEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		if ev.Type != string(eventbus.EventContainerLeased) || ev.Container != "c1" || ev.TenantID != "t1" {
			t.Errorf("Unexpected event: %+v", ev)
		}
		return
	}
	t.Fatalf("Stream ended without an event: %v", scanner.Err())
}

func TestStreamEventsWithoutBus(t *testing.T) {
	a := newTestAPI(t)
	w := a.do(t, http.MethodGet, "/api/v1/tenants/t1/events", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}
