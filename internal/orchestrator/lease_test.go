package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"agentfleet/internal/eventbus"
	"agentfleet/internal/poolstore"
	"agentfleet/internal/sandbox"
	"agentfleet/internal/sandbox/sandboxtest"
)

const testTenant = "t1"

type fixture struct {
	t        *testing.T
	rt       *sandboxtest.Runtime
	store    *poolstore.MemoryStore
	deployer *Deployer
	mgr      *Manager
	logger   *slog.Logger
}

func newFixture(t *testing.T, cfg PoolConfig) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := sandboxtest.New()
	store := poolstore.NewMemoryStore()
	deployer := NewDeployer(rt, store, DeployConfig{
		Image:        "agent-worker:test",
		Attempts:     3,
		StartTimeout: time.Second,
		PollInterval: 10 * time.Millisecond,
	}, logger)

	return &fixture{
		t:        t,
		rt:       rt,
		store:    store,
		deployer: deployer,
		mgr:      NewManager(store, rt, deployer, cfg, logger),
		logger:   logger,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) Publish(ctx context.Context, tenantID string, ev eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.TenantID = tenantID
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(typ eventbus.EventType) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// reasons lists the reason of every container.destroyed event in order.
func (r *recorder) reasons() []string {
	var out []string
	for _, ev := range r.ofType(eventbus.EventContainerDestroyed) {
		if p, ok := ev.Payload.(map[string]string); ok {
			out = append(out, p["reason"])
		}
	}
	return out
}

func validWorker() WorkerConfig {
	return WorkerConfig{
		RealtimeURL:       "wss://realtime.example.com",
		RealtimeAPIKey:    "key",
		RealtimeAPISecret: "secret",
	}
}

func (f *fixture) acquire(session string) *Lease {
	f.t.Helper()
	lease, err := f.mgr.Acquire(context.Background(), LeaseRequest{
		TenantID:  testTenant,
		AgentID:   "agent",
		SessionID: session,
		RoomName:  "room-" + session,
		Worker:    validWorker(),
	})
	if err != nil {
		f.t.Fatalf("Acquire(%s): %v", session, err)
	}
	return lease
}

func (f *fixture) release(session string) {
	f.t.Helper()
	if !f.mgr.Release(context.Background(), testTenant, session) {
		f.t.Fatalf("Release(%s) returned false", session)
	}
}

// seedIdle registers a running container and puts it into the tenant's idle
// set, as a previous lease cycle would have left it.
func (f *fixture) seedIdle(name string, idleSince time.Time, reuse int) {
	f.t.Helper()
	ctx := context.Background()
	f.rt.AddRunning(name, []string{EnvTenantID + "=" + testTenant}, map[string]string{
		sandbox.LabelManagedBy: sandbox.ManagedByValue,
		sandbox.LabelTenantID:  testTenant,
	}, sandbox.HealthNone)
	err := f.store.PutRecord(ctx, &poolstore.Record{
		Name:       name,
		TenantID:   testTenant,
		Status:     poolstore.StatusIdle,
		ReuseCount: reuse,
		IdleSince:  idleSince,
	})
	if err != nil {
		f.t.Fatalf("PutRecord: %v", err)
	}
	if err := f.store.AddIdle(ctx, testTenant, name); err != nil {
		f.t.Fatalf("AddIdle: %v", err)
	}
}

func (f *fixture) idle() []string {
	f.t.Helper()
	names, err := f.store.ListIdle(context.Background(), testTenant)
	if err != nil {
		f.t.Fatalf("ListIdle: %v", err)
	}
	return names
}

func (f *fixture) busy() []string {
	f.t.Helper()
	names, err := f.store.ListBusy(context.Background(), testTenant)
	if err != nil {
		f.t.Fatalf("ListBusy: %v", err)
	}
	return names
}

func TestReleaseRespectsPoolCap(t *testing.T) {
	f := newFixture(t, PoolConfig{MaxPoolSize: 2, MaxReuseCount: 10})

	var third string
	for _, s := range []string{"s1", "s2", "s3"} {
		lease := f.acquire(s)
		if lease.Reused {
			t.Fatalf("Expected fresh deployment for %s", s)
		}
		third = lease.Container
	}
	if n := f.rt.Count(); n != 3 {
		t.Fatalf("Expected 3 containers, got %d", n)
	}

	for _, s := range []string{"s1", "s2", "s3"} {
		f.release(s)
	}

	if idle := f.idle(); len(idle) != 2 {
		t.Errorf("Expected 2 idle containers, got %v", idle)
	}
	if busy := f.busy(); len(busy) != 0 {
		t.Errorf("Expected no busy containers, got %v", busy)
	}
	if n := f.rt.Count(); n != 2 {
		t.Errorf("Expected the third container to be destroyed, %d remain", n)
	}
	if f.rt.Exists(third) {
		t.Errorf("Expected %s to be destroyed", third)
	}
	if _, err := f.store.GetRecord(context.Background(), third); !errors.Is(err, poolstore.ErrRecordNotFound) {
		t.Errorf("Expected record of %s to be deleted, got %v", third, err)
	}
}

// TestReuseCeiling checks that a container is never leased more than
// MaxReuseCount times. The first lease after deployment already counts, so
// with a ceiling of 2 the container goes away on its second release instead
// of being handed out a third time.
func TestReuseCeiling(t *testing.T) {
	f := newFixture(t, PoolConfig{MaxPoolSize: 5, MaxReuseCount: 2})

	first := f.acquire("s1")
	if first.ReuseCount != 1 {
		t.Errorf("Expected reuse_count=1 on first lease, got %d", first.ReuseCount)
	}
	f.release("s1")
	if idle := f.idle(); len(idle) != 1 {
		t.Fatalf("Expected container back in idle, got %v", idle)
	}

	second := f.acquire("s2")
	if !second.Reused || second.Container != first.Container {
		t.Fatalf("Expected %s to be reused, got %+v", first.Container, second)
	}
	if second.ReuseCount != 2 {
		t.Errorf("Expected reuse_count=2, got %d", second.ReuseCount)
	}
	f.release("s2")

	if f.rt.Exists(first.Container) {
		t.Error("Container at the reuse ceiling should be destroyed on release")
	}
	if idle := f.idle(); len(idle) != 0 {
		t.Errorf("Expected empty idle set, got %v", idle)
	}

	// 第三次租用必须是新容器
	third := f.acquire("s3")
	if third.Reused {
		t.Errorf("Container leased beyond max_reuse_count: %+v", third)
	}
}

func TestMaxReuseOneDisablesReuse(t *testing.T) {
	f := newFixture(t, PoolConfig{MaxPoolSize: 5, MaxReuseCount: 1})

	lease := f.acquire("s1")
	f.release("s1")

	if f.rt.Exists(lease.Container) {
		t.Error("Expected container to be destroyed when reuse is disabled")
	}
	if idle := f.idle(); len(idle) != 0 {
		t.Errorf("Expected empty idle set, got %v", idle)
	}
}

func TestReuseLimitTakesPrecedenceOverPoolFull(t *testing.T) {
	f := newFixture(t, PoolConfig{MaxPoolSize: 1, MaxReuseCount: 2})
	rec := &recorder{}
	WithEvents(rec)(f.mgr)

	f.seedIdle("worn", time.Now(), 1)
	lease := f.acquire("s1") // reuse_count -> 2
	if lease.Container != "worn" {
		t.Fatalf("Expected worn container, got %s", lease.Container)
	}
	// idle 集合重新被占满
	f.seedIdle("fresh", time.Now(), 0)

	f.release("s1")

	if f.rt.Exists("worn") {
		t.Error("Expected worn to be destroyed")
	}
	if got := rec.reasons(); len(got) != 1 || got[0] != "reuse_limit" {
		t.Errorf("Expected destroy reason reuse_limit, got %v", got)
	}
	if idle := f.idle(); len(idle) != 1 || idle[0] != "fresh" {
		t.Errorf("Expected only fresh in idle, got %v", idle)
	}
}

func TestConcurrentAcquireSingleIdle(t *testing.T) {
	f := newFixture(t, PoolConfig{MaxPoolSize: 5, MaxReuseCount: 10})
	f.seedIdle("warm", time.Now(), 1)

	var (
		wg     sync.WaitGroup
		leases = make([]*Lease, 2)
		errs   = make([]error, 2)
	)
	for i, s := range []string{"sessionA", "sessionB"} {
		wg.Go(func() {
			leases[i], errs[i] = f.mgr.Acquire(context.Background(), LeaseRequest{
				TenantID:  testTenant,
				AgentID:   "agent",
				SessionID: s,
				Worker:    validWorker(),
			})
		})
	}
	wg.Wait()

	reused, deployed := 0, 0
	for i := range leases {
		if errs[i] != nil {
			t.Fatalf("Acquire: %v", errs[i])
		}
		if leases[i].Reused {
			reused++
			if leases[i].Container != "warm" {
				t.Errorf("Reused lease got %s", leases[i].Container)
			}
		} else {
			deployed++
		}
	}
	if reused != 1 || deployed != 1 {
		t.Errorf("Expected one reuse and one deployment, got reused=%d deployed=%d", reused, deployed)
	}
	if leases[0].Container == leases[1].Container {
		t.Errorf("Both sessions got %s", leases[0].Container)
	}
	if f.rt.CreateCalls != 1 {
		t.Errorf("Expected exactly one deployment, got %d creates", f.rt.CreateCalls)
	}
}

func TestConcurrentAcquireReleaseKeepsMembershipExclusive(t *testing.T) {
	f := newFixture(t, PoolConfig{MaxPoolSize: 3, MaxReuseCount: 100})
	for i := range 3 {
		f.seedIdle(fmt.Sprintf("warm-%d", i), time.Now(), 1)
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Go(func() {
			for j := range 5 {
				s := fmt.Sprintf("s-%d-%d", i, j)
				if _, err := f.mgr.Acquire(context.Background(), LeaseRequest{
					TenantID: testTenant, AgentID: "agent", SessionID: s, Worker: validWorker(),
				}); err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				f.mgr.Release(context.Background(), testTenant, s)
			}
		})
	}
	wg.Wait()

	idle, busy := f.idle(), f.busy()
	if len(busy) != 0 {
		t.Errorf("Expected no busy containers after all releases, got %v", busy)
	}
	if len(idle) > 3 {
		t.Errorf("Idle set exceeds cap: %v", idle)
	}
	seen := make(map[string]bool)
	for _, n := range idle {
		if seen[n] {
			t.Errorf("Duplicate idle member %s", n)
		}
		seen[n] = true
	}
}

func TestAcquireSameSessionTwice(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	f.acquire("s1")

	_, err := f.mgr.Acquire(context.Background(), LeaseRequest{
		TenantID: testTenant, AgentID: "agent", SessionID: "s1", Worker: validWorker(),
	})
	if !errors.Is(err, ErrLeaseExists) {
		t.Errorf("Expected ErrLeaseExists, got %v", err)
	}
	if f.rt.CreateCalls != 1 {
		t.Errorf("Second acquire must not deploy, got %d creates", f.rt.CreateCalls)
	}
}

func TestDoubleRelease(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	f.acquire("s1")

	if !f.mgr.Release(context.Background(), testTenant, "s1") {
		t.Fatal("First release should succeed")
	}
	if f.mgr.Release(context.Background(), testTenant, "s1") {
		t.Error("Second release should report false")
	}
	if f.mgr.Release(context.Background(), testTenant, "never-leased") {
		t.Error("Release of unknown session should report false")
	}
}

func TestAcquireDiscardsDeadIdleContainer(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	f.seedIdle("dead", time.Now(), 1)
	f.rt.SetState("dead", "exited")

	lease := f.acquire("s1")
	if lease.Reused {
		t.Fatalf("Dead container must not be leased: %+v", lease)
	}
	if _, err := f.store.GetRecord(context.Background(), "dead"); !errors.Is(err, poolstore.ErrRecordNotFound) {
		t.Errorf("Expected dead record deleted, got %v", err)
	}
	if f.rt.Exists("dead") {
		t.Error("Expected dead container removed")
	}
	if f.rt.Stopped("dead") {
		t.Error("Stop should not be called on an exited container")
	}
}

func TestAcquireDiscardsVanishedIdleContainer(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	f.seedIdle("gone", time.Now(), 1)
	f.rt.Vanish("gone")

	lease := f.acquire("s1")
	if lease.Reused {
		t.Fatalf("Vanished container must not be leased: %+v", lease)
	}
	if _, err := f.store.GetRecord(context.Background(), "gone"); !errors.Is(err, poolstore.ErrRecordNotFound) {
		t.Errorf("Expected stale record deleted, got %v", err)
	}
}

func TestAcquireVerifyTimeout(t *testing.T) {
	f := newFixture(t, PoolConfig{VerifyTimeout: 20 * time.Millisecond, IdleProbeAttempts: 1})
	f.seedIdle("slow", time.Now(), 1)
	f.rt.InspectDelay = 100 * time.Millisecond

	lease := f.acquire("s1")
	if lease.Reused {
		t.Fatalf("Unverifiable idle container must not be leased: %+v", lease)
	}
	if !f.rt.Exists("slow") {
		t.Error("A container that could not be checked must not be destroyed")
	}
	if idle := f.idle(); len(idle) != 1 || idle[0] != "slow" {
		t.Errorf("Expected slow back in idle, got %v", idle)
	}
}

func TestCancelledAcquireKeepsIdleContainers(t *testing.T) {
	for _, tt := range []struct {
		name string
		ctx  func() (context.Context, context.CancelFunc)
	}{
		{"cancelled before", func() (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx, cancel
		}},
		{"deadline during verify", func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 20*time.Millisecond)
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, PoolConfig{MaxPoolSize: 5})
			for i := range 3 {
				f.seedIdle(fmt.Sprintf("warm-%d", i), time.Now(), 1)
			}
			f.rt.InspectDelay = 50 * time.Millisecond

			ctx, cancel := tt.ctx()
			defer cancel()
			_, err := f.mgr.Acquire(ctx, LeaseRequest{
				TenantID: testTenant, AgentID: "agent", SessionID: "s1", Worker: validWorker(),
			})
			if err == nil {
				t.Fatal("Expected acquire with a dead context to fail")
			}

			if idle := f.idle(); len(idle) != 3 {
				t.Errorf("Expected all 3 idle containers kept, got %v", idle)
			}
			if n := f.rt.Count(); n != 3 {
				t.Errorf("Expected 3 containers, got %d", n)
			}
			if f.rt.CreateCalls != 0 {
				t.Errorf("Expected no deployment, got %d creates", f.rt.CreateCalls)
			}
			if _, ok := f.mgr.LeasedContainer(testTenant, "s1"); ok {
				t.Error("Failed acquire left a lease behind")
			}
		})
	}
}

func TestReacquireSessionAfterReuse(t *testing.T) {
	f := newFixture(t, PoolConfig{MaxPoolSize: 5, MaxReuseCount: 10})

	first := f.acquire("s1")
	f.release("s1")
	second := f.acquire("s2")
	if !second.Reused || second.Container != first.Container {
		t.Fatalf("Expected s2 to reuse %s, got %+v", first.Container, second)
	}

	// s1 再次获取时只能拿到新容器，不能动 s2 正在用的那个
	third := f.acquire("s1")
	if third.Reused || third.Container == second.Container {
		t.Fatalf("s1 was given s2's container: %+v", third)
	}
	if !f.rt.Exists(second.Container) || slices.Contains(f.rt.RemoveCalls, second.Container) {
		t.Errorf("Container leased to s2 was removed")
	}
	if busy := f.busy(); len(busy) != 2 {
		t.Errorf("Expected two busy containers, got %v", busy)
	}
	rec, err := f.store.GetRecord(context.Background(), second.Container)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.SessionID != "s2" {
		t.Errorf("Expected record to stay with s2, got session %s", rec.SessionID)
	}
	if name, _ := f.mgr.LeasedContainer(testTenant, "s2"); name != second.Container {
		t.Errorf("s2 lease points at %s", name)
	}
}

func TestAcquireRebindsReusedContainer(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	f.seedIdle("warm", time.Now(), 1)

	lease := f.acquire("s42")
	if lease.Container != "warm" {
		t.Fatalf("Expected warm, got %s", lease.Container)
	}

	execs := f.rt.Execs("warm")
	if len(execs) != 1 {
		t.Fatalf("Expected one rebind exec, got %v", execs)
	}
	cmd := execs[0]
	var binding SessionBinding
	if err := json.Unmarshal([]byte(cmd[len(cmd)-1]), &binding); err != nil {
		t.Fatalf("Rebind payload is not JSON: %v", err)
	}
	if binding.SessionID != "s42" || binding.RoomName != "room-s42" || binding.TenantID != testTenant {
		t.Errorf("Unexpected binding: %+v", binding)
	}

	rec, err := f.store.GetRecord(context.Background(), "warm")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != poolstore.StatusBusy || rec.SessionID != "s42" || rec.ReuseCount != 2 || rec.AcquiredAt.IsZero() {
		t.Errorf("Unexpected record after lease: %+v", rec)
	}
}

func TestAcquireRebindFailureFallsThrough(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	f.seedIdle("warm", time.Now(), 1)
	f.rt.ExecErr = errors.New("exec refused")

	lease := f.acquire("s1")
	if lease.Reused {
		t.Fatalf("Expected fresh deployment after rebind failure, got %+v", lease)
	}
	if f.rt.Exists("warm") {
		t.Error("Container that could not be rebound should be destroyed")
	}
}

func TestReleaseOfStoppedContainer(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	lease := f.acquire("s1")
	f.rt.SetState(lease.Container, "exited")

	f.release("s1")

	if _, err := f.store.GetRecord(context.Background(), lease.Container); !errors.Is(err, poolstore.ErrRecordNotFound) {
		t.Errorf("Expected record deleted, got %v", err)
	}
	if len(f.idle())+len(f.busy()) != 0 {
		t.Errorf("Expected empty pool, idle=%v busy=%v", f.idle(), f.busy())
	}
	if f.rt.Stopped(lease.Container) {
		t.Error("Stop should not be called on a stopped container")
	}
}

func TestReleaseOfVanishedContainer(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	lease := f.acquire("s1")
	f.rt.Vanish(lease.Container)

	f.release("s1")

	if len(f.idle())+len(f.busy()) != 0 {
		t.Errorf("Expected empty pool, idle=%v busy=%v", f.idle(), f.busy())
	}
}

func TestReleaseStampsIdleSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, PoolConfig{})
	f.mgr.now = func() time.Time { return now }

	lease := f.acquire("s1")
	f.release("s1")

	rec, err := f.store.GetRecord(context.Background(), lease.Container)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Status != poolstore.StatusIdle || !rec.IdleSince.Equal(now) || rec.SessionID != "" {
		t.Errorf("Unexpected record after release: %+v", rec)
	}
}

func TestCleanupTenantPool(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	f.seedIdle("a", time.Now(), 1)
	f.seedIdle("b", time.Now(), 1)
	leased := f.acquire("s1") // takes one of a/b

	n, err := f.mgr.CleanupTenantPool(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("CleanupTenantPool: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 evicted, got %d", n)
	}
	if !f.rt.Exists(leased.Container) {
		t.Error("Leased container must survive cleanup")
	}
	if idle := f.idle(); len(idle) != 0 {
		t.Errorf("Expected empty idle set, got %v", idle)
	}
}

func TestPoolStatus(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	f.seedIdle("warm", time.Now(), 3)
	lease := f.acquire("s1") // reuses warm
	f.seedIdle("spare", time.Now(), 0)

	if err := f.mgr.RegisterWorker(context.Background(), lease.Container, "worker-7"); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	status, err := f.mgr.PoolStatus(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("PoolStatus: %v", err)
	}
	if status.IdleCount != 1 || status.BusyCount != 1 {
		t.Errorf("Expected 1 idle / 1 busy, got %d / %d", status.IdleCount, status.BusyCount)
	}
	if len(status.Containers) != 2 {
		t.Fatalf("Expected 2 containers, got %+v", status.Containers)
	}
	for _, c := range status.Containers {
		switch c.Name {
		case "warm":
			if c.Status != poolstore.StatusBusy || c.ReuseCount != 4 || !c.Ready || c.WorkerID != "worker-7" {
				t.Errorf("Unexpected stat for warm: %+v", c)
			}
		case "spare":
			if c.Status != poolstore.StatusIdle || c.Ready {
				t.Errorf("Unexpected stat for spare: %+v", c)
			}
		default:
			t.Errorf("Unexpected container %s", c.Name)
		}
	}
}

func TestRegisterWorkerUnknownContainer(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	err := f.mgr.RegisterWorker(context.Background(), "nope", "w")
	if !errors.Is(err, poolstore.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestAcquireInvalidRequest(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	_, err := f.mgr.Acquire(context.Background(), LeaseRequest{TenantID: testTenant, Worker: validWorker()})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
}

func TestFailedAcquireDoesNotHoldLease(t *testing.T) {
	f := newFixture(t, PoolConfig{})

	_, err := f.mgr.Acquire(context.Background(), LeaseRequest{
		TenantID: testTenant, AgentID: "agent", SessionID: "s1",
	})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("Expected ErrMissingCredentials, got %v", err)
	}
	if _, ok := f.mgr.LeasedContainer(testTenant, "s1"); ok {
		t.Error("Failed acquire left a lease behind")
	}

	// 修正配置后同一 session 可以重新获取
	f.acquire("s1")
	if f.mgr.ActiveLeases() != 1 {
		t.Errorf("Expected 1 active lease, got %d", f.mgr.ActiveLeases())
	}
}
