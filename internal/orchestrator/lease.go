package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"agentfleet/internal/eventbus"
	"agentfleet/internal/monitor"
	"agentfleet/internal/poolstore"
	"agentfleet/internal/sandbox"
)

var _ LeaseManager = (*Manager)(nil)

type leaseKey struct {
	tenantID  string
	sessionID string
}

// Manager hands out worker containers to sessions. Idle containers of the
// tenant are reused first, otherwise a new one is deployed.
type Manager struct {
	store    poolstore.Store
	runtime  sandbox.Runtime
	deployer *Deployer
	rebinder Rebinder
	reaper   *reaper
	config   PoolConfig
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
	// "" 表示 Acquire 进行中的占位
	leases map[leaseKey]string
}

type ManagerOption func(*Manager)

func WithRebinder(r Rebinder) ManagerOption {
	return func(m *Manager) { m.rebinder = r }
}

func WithEvents(p EventPublisher) ManagerOption {
	return func(m *Manager) { m.reaper.events = p }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(store poolstore.Store, runtime sandbox.Runtime, deployer *Deployer, cfg PoolConfig, logger *slog.Logger, opts ...ManagerOption) *Manager {
	cfg = cfg.withDefaults()
	logger = logger.With("component", "lease-manager")

	m := &Manager{
		store:    store,
		runtime:  runtime,
		deployer: deployer,
		rebinder: NewExecRebinder(runtime),
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		leases:   make(map[leaseKey]string),
		reaper: &reaper{
			runtime:     runtime,
			store:       store,
			stopTimeout: cfg.StopTimeout,
			logger:      logger,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire binds a container to (tenant, session). A session may hold at most
// one lease at a time.
func (m *Manager) Acquire(ctx context.Context, req LeaseRequest) (*Lease, error) {
	if req.TenantID == "" || req.SessionID == "" {
		return nil, fmt.Errorf("%w: tenant and session are required", ErrInvalidRequest)
	}

	key := leaseKey{req.TenantID, req.SessionID}
	m.mu.Lock()
	if _, exists := m.leases[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrLeaseExists, req.TenantID, req.SessionID)
	}
	m.leases[key] = ""
	m.mu.Unlock()

	start := time.Now()
	lease, err := m.acquire(ctx, req)

	m.mu.Lock()
	if err != nil {
		delete(m.leases, key)
	} else {
		m.leases[key] = lease.Container
	}
	m.mu.Unlock()

	monitor.PoolAcquisitionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		monitor.PoolAcquisitionsTotal.WithLabelValues("failed").Inc()
		m.reaper.publish(ctx, req.TenantID, eventbus.Event{
			Type:      eventbus.EventLeaseFailed,
			SessionID: req.SessionID,
			Payload:   map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	result := "deployed"
	if lease.Reused {
		result = "reused"
	}
	monitor.PoolAcquisitionsTotal.WithLabelValues(result).Inc()
	m.reaper.publish(ctx, req.TenantID, eventbus.Event{
		Type:      eventbus.EventContainerLeased,
		SessionID: req.SessionID,
		Container: lease.Container,
		Payload:   lease,
	})
	m.observe(ctx, req.TenantID)
	return lease, nil
}

func (m *Manager) acquire(ctx context.Context, req LeaseRequest) (*Lease, error) {
	l := m.logger.With("tenant_id", req.TenantID, "session_id", req.SessionID)

	lease, err := m.acquireIdle(ctx, l, req)
	if err != nil {
		return nil, err
	}
	if lease != nil {
		return lease, nil
	}

	l.Info("No usable idle container, deploying")
	name, err := m.deployer.Deploy(ctx, req)
	if err != nil {
		return nil, err
	}
	m.reaper.publish(ctx, req.TenantID, eventbus.Event{
		Type:      eventbus.EventContainerDeployed,
		SessionID: req.SessionID,
		Container: name,
	})

	reuse, err := m.stampLease(ctx, name, req)
	if err != nil {
		m.reaper.destroy(ctx, req.TenantID, name, "store_error")
		return nil, err
	}

	l.Info("Leased new container", "container", name)
	return m.newLease(req, name, false, reuse), nil
}

// acquireIdle returns nil, nil when the idle set has nothing usable.
// Containers the runtime reports gone, stopped or unhealthy are destroyed.
// Containers that could not be checked go back to the idle set.
func (m *Manager) acquireIdle(ctx context.Context, l *slog.Logger, req LeaseRequest) (*Lease, error) {
	var unchecked []string
	defer func() {
		for _, name := range unchecked {
			m.reaper.restore(ctx, req.TenantID, name, m.config.MaxPoolSize)
		}
	}()

	for range m.config.IdleProbeAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, ok, err := m.store.TakeIdle(ctx, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("take idle container: %w", err)
		}
		if !ok {
			return nil, nil
		}

		// name 已从 idle 集合弹出，此时只有当前调用持有它
		reason, err := m.verify(ctx, name)
		switch {
		case reason != "":
			l.Warn("Idle container failed verification, discarding", "container", name, "reason", reason, "error", err)
			m.reaper.destroy(ctx, req.TenantID, name, reason)
			continue
		case err != nil:
			l.Warn("Could not verify idle container, keeping it idle", "container", name, "error", err)
			unchecked = append(unchecked, name)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		if err := m.store.MarkBusy(ctx, req.TenantID, name); err != nil {
			if ctx.Err() != nil {
				unchecked = append(unchecked, name)
				return nil, ctx.Err()
			}
			m.reaper.destroy(ctx, req.TenantID, name, "store_error")
			return nil, fmt.Errorf("mark busy: %w", err)
		}
		reuse, err := m.stampLease(ctx, name, req)
		if err != nil {
			m.reaper.destroy(ctx, req.TenantID, name, "store_error")
			return nil, err
		}

		binding := SessionBinding{
			TenantID:  req.TenantID,
			AgentID:   req.AgentID,
			SessionID: req.SessionID,
			RoomName:  req.RoomName,
			LeasedAt:  m.now().UTC(),
		}
		if err := m.rebinder.Rebind(ctx, name, binding); err != nil {
			l.Warn("Failed to rebind idle container, discarding", "container", name, "error", err)
			m.reaper.destroy(ctx, req.TenantID, name, "rebind_failed")
			continue
		}

		l.Info("Reused idle container", "container", name, "reuse_count", reuse)
		return m.newLease(req, name, true, reuse), nil
	}
	return nil, nil
}

// verify checks with the runtime that name is running and not unhealthy,
// bounded by VerifyTimeout. A non-empty reason means the runtime ruled the
// container out. An error with an empty reason means its state is unknown.
func (m *Manager) verify(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.VerifyTimeout)
	defer cancel()

	st, err := m.runtime.Inspect(ctx, name)
	switch {
	case errors.Is(err, sandbox.ErrContainerNotFound):
		return "not_running", err
	case err != nil:
		return "", err
	case !st.Running:
		return "not_running", fmt.Errorf("container is %s", st.State)
	case !st.Healthy():
		return "unhealthy", fmt.Errorf("container health is %s", st.Health)
	}
	return "", nil
}

// stampLease bumps the reuse count and records the session on the container.
func (m *Manager) stampLease(ctx context.Context, name string, req LeaseRequest) (int, error) {
	reuse, err := m.store.IncrReuse(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("increment reuse count: %w", err)
	}

	now := poolstore.FormatTime(m.now())
	fields := [][2]string{
		{poolstore.FieldStatus, string(poolstore.StatusBusy)},
		{poolstore.FieldTenantID, req.TenantID},
		{poolstore.FieldAgentID, req.AgentID},
		{poolstore.FieldSessionID, req.SessionID},
		{poolstore.FieldRoomName, req.RoomName},
		{poolstore.FieldAcquiredAt, now},
		{poolstore.FieldLastUsed, now},
		{poolstore.FieldIdleSince, ""},
	}
	for _, f := range fields {
		if err := m.store.SetField(ctx, name, f[0], f[1]); err != nil {
			return 0, fmt.Errorf("update record: %w", err)
		}
	}
	return reuse, nil
}

func (m *Manager) newLease(req LeaseRequest, name string, reused bool, reuse int) *Lease {
	return &Lease{
		TenantID:   req.TenantID,
		AgentID:    req.AgentID,
		SessionID:  req.SessionID,
		RoomName:   req.RoomName,
		Container:  name,
		Reused:     reused,
		ReuseCount: reuse,
		AcquiredAt: m.now(),
	}
}

// Release ends the session's lease. It reports false when the session holds
// no lease, e.g. on a retried release.
func (m *Manager) Release(ctx context.Context, tenantID, sessionID string) bool {
	key := leaseKey{tenantID, sessionID}
	m.mu.Lock()
	name, ok := m.leases[key]
	if !ok || name == "" {
		m.mu.Unlock()
		return false
	}
	delete(m.leases, key)
	m.mu.Unlock()

	defer m.observe(ctx, tenantID)
	l := m.logger.With("tenant_id", tenantID, "session_id", sessionID, "container", name)

	verifyCtx, cancel := context.WithTimeout(ctx, m.config.VerifyTimeout)
	st, err := m.runtime.Inspect(verifyCtx, name)
	cancel()
	switch {
	case errors.Is(err, sandbox.ErrContainerNotFound):
		l.Info("Released container no longer exists, dropping record")
		m.reaper.forget(ctx, l, tenantID, name)
		return true
	case err != nil:
		l.Warn("Cannot verify released container, destroying", "error", err)
		m.reaper.destroy(ctx, tenantID, name, "not_running")
		return true
	case !st.Running:
		l.Info("Released container is not running", "state", st.State)
		m.reaper.removeStopped(ctx, tenantID, name, "not_running")
		return true
	}

	rec, err := m.store.GetRecord(ctx, name)
	if err != nil {
		l.Warn("Released container has no record, destroying", "error", err)
		m.reaper.destroy(ctx, tenantID, name, "store_error")
		return true
	}

	// 复用上限优先于池满判断
	if rec.ReuseCount >= m.config.MaxReuseCount {
		l.Info("Reuse limit reached", "reuse_count", rec.ReuseCount, "max_reuse", m.config.MaxReuseCount)
		m.reaper.destroy(ctx, tenantID, name, "reuse_limit")
		return true
	}

	now := poolstore.FormatTime(m.now())
	for _, f := range [][2]string{
		{poolstore.FieldStatus, string(poolstore.StatusIdle)},
		{poolstore.FieldIdleSince, now},
		{poolstore.FieldLastUsed, now},
		{poolstore.FieldSessionID, ""},
		{poolstore.FieldRoomName, ""},
	} {
		if err := m.store.SetField(ctx, name, f[0], f[1]); err != nil {
			l.Error("Failed to update record on release, destroying", "error", err)
			m.reaper.destroy(ctx, tenantID, name, "store_error")
			return true
		}
	}

	moved, err := m.store.ReleaseToIdle(ctx, tenantID, name, m.config.MaxPoolSize)
	if err != nil {
		l.Error("Failed to return container to idle, destroying", "error", err)
		m.reaper.destroy(ctx, tenantID, name, "store_error")
		return true
	}
	if !moved {
		l.Info("Idle pool full", "max_pool_size", m.config.MaxPoolSize)
		m.reaper.destroy(ctx, tenantID, name, "pool_full")
		return true
	}

	m.reaper.publish(ctx, tenantID, eventbus.Event{
		Type:      eventbus.EventContainerReturned,
		SessionID: sessionID,
		Container: name,
	})
	l.Info("Container returned to idle pool", "reuse_count", rec.ReuseCount)
	return true
}

// CleanupTenantPool destroys every idle container of the tenant. Leased
// containers are left alone.
func (m *Manager) CleanupTenantPool(ctx context.Context, tenantID string) (int, error) {
	names, err := m.store.ListIdle(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list idle: %w", err)
	}

	evicted := 0
	for _, name := range names {
		claimed, err := m.store.RemoveIdle(ctx, tenantID, name)
		if err != nil {
			m.logger.Error("Failed to claim idle container", "tenant_id", tenantID, "container", name, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		m.reaper.destroy(ctx, tenantID, name, "cleanup")
		evicted++
	}

	m.observe(ctx, tenantID)
	m.logger.Info("Tenant pool cleaned up", "tenant_id", tenantID, "evicted", evicted)
	return evicted, nil
}

func (m *Manager) PoolStatus(ctx context.Context, tenantID string) (*PoolStatus, error) {
	idle, err := m.store.ListIdle(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list idle: %w", err)
	}
	busy, err := m.store.ListBusy(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list busy: %w", err)
	}

	status := &PoolStatus{
		TenantID:   tenantID,
		IdleCount:  len(idle),
		BusyCount:  len(busy),
		Containers: make([]ContainerStat, 0, len(idle)+len(busy)),
	}
	add := func(names []string, fallback poolstore.Status) {
		for _, name := range names {
			stat := ContainerStat{Name: name, Status: fallback}
			if rec, err := m.store.GetRecord(ctx, name); err == nil {
				stat.SessionID = rec.SessionID
				stat.ReuseCount = rec.ReuseCount
				stat.IdleSince = rec.IdleSince
				stat.AcquiredAt = rec.AcquiredAt
				stat.WorkerID = rec.WorkerID
				stat.Ready = rec.WorkerID != ""
			} else {
				stat.Status = poolstore.StatusUnknown
			}
			status.Containers = append(status.Containers, stat)
		}
	}
	add(idle, poolstore.StatusIdle)
	add(busy, poolstore.StatusBusy)

	slices.SortFunc(status.Containers, func(a, b ContainerStat) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return status, nil
}

// RegisterWorker records the id the in-container process reports once it
// has registered with the realtime backend.
func (m *Manager) RegisterWorker(ctx context.Context, name, workerID string) error {
	if _, err := m.store.GetRecord(ctx, name); err != nil {
		return err
	}
	if err := m.store.SetField(ctx, name, poolstore.FieldWorkerID, workerID); err != nil {
		return fmt.Errorf("set worker id: %w", err)
	}
	m.logger.Info("Worker registered", "container", name, "worker_id", workerID)
	return nil
}

// LeasedContainer returns the container currently leased to the session.
func (m *Manager) LeasedContainer(tenantID, sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.leases[leaseKey{tenantID, sessionID}]
	return name, ok && name != ""
}

func (m *Manager) ActiveLeases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, name := range m.leases {
		if name != "" {
			n++
		}
	}
	return n
}

func (m *Manager) observe(ctx context.Context, tenantID string) {
	ctx = context.WithoutCancel(ctx)
	if n, err := m.store.IdleCount(ctx, tenantID); err == nil {
		monitor.PoolIdleCount.WithLabelValues(tenantID).Set(float64(n))
	}
	if busy, err := m.store.ListBusy(ctx, tenantID); err == nil {
		monitor.PoolBusyCount.WithLabelValues(tenantID).Set(float64(len(busy)))
	}
}
