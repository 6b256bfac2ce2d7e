package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"agentfleet/internal/monitor"
	"agentfleet/internal/poolstore"
	"agentfleet/internal/sandbox"
)

// HealthSweeper prunes idle containers the runtime reports as stopped or
// unhealthy. Busy containers are never touched.
type HealthSweeper struct {
	store   poolstore.Store
	runtime sandbox.Runtime
	prober  Prober
	reaper  *reaper
	config  PoolConfig
	logger  *slog.Logger
}

func NewHealthSweeper(store poolstore.Store, runtime sandbox.Runtime, cfg PoolConfig, logger *slog.Logger, events EventPublisher, prober Prober) *HealthSweeper {
	cfg = cfg.withDefaults()
	logger = logger.With("component", "health-sweeper")
	return &HealthSweeper{
		store:   store,
		runtime: runtime,
		prober:  prober,
		config:  cfg,
		logger:  logger,
		reaper: &reaper{
			runtime:     runtime,
			store:       store,
			events:      events,
			stopTimeout: cfg.StopTimeout,
			logger:      logger,
		},
	}
}

// Run sweeps every HealthInterval until ctx is cancelled.
func (h *HealthSweeper) Run(ctx context.Context) {
	runEvery(ctx, h.config.HealthInterval, h.logger, "health", func(ctx context.Context) {
		report := h.Sweep(ctx)
		if report.Checked > 0 {
			h.logger.Info("Health sweep finished",
				"checked", report.Checked,
				"healthy", report.Healthy,
				"unhealthy", report.Unhealthy,
				"removed", report.Removed)
		}
	})
}

func (h *HealthSweeper) Sweep(ctx context.Context) HealthReport {
	report := HealthReport{Removed: []string{}}

	tenants, err := h.store.TenantsWithIdle(ctx)
	if err != nil {
		h.logger.Error("Failed to list tenants", "error", err)
		return report
	}

	for _, tenantID := range tenants {
		names, err := h.store.ListIdle(ctx, tenantID)
		if err != nil {
			h.logger.Error("Failed to list idle containers", "tenant_id", tenantID, "error", err)
			continue
		}
		for _, name := range names {
			if ctx.Err() != nil {
				return report
			}
			h.check(ctx, tenantID, name, &report)
		}
	}
	return report
}

func (h *HealthSweeper) check(ctx context.Context, tenantID, name string, report *HealthReport) {
	l := h.logger.With("tenant_id", tenantID, "container", name)

	// 先从 idle 集合中摘出，避免与并发的 Acquire 争抢同一个容器
	claimed, err := h.store.RemoveIdle(ctx, tenantID, name)
	if err != nil {
		l.Error("Failed to claim idle container", "error", err)
		return
	}
	if !claimed {
		return
	}
	report.Checked++

	inspectCtx, cancel := context.WithTimeout(ctx, h.config.VerifyTimeout)
	st, err := h.runtime.Inspect(inspectCtx, name)
	cancel()

	switch {
	case errors.Is(err, sandbox.ErrContainerNotFound):
		l.Warn("Idle container no longer exists")
		h.reaper.forget(ctx, l, tenantID, name)
		monitor.PoolEvictionsTotal.WithLabelValues("not_running").Inc()
	case err != nil:
		// 无法判断状态时放回，下一轮再查
		l.Warn("Failed to inspect idle container", "error", err)
		h.putBack(ctx, tenantID, name)
		return
	case !st.Running:
		l.Warn("Idle container is not running", "state", st.State)
		h.reaper.removeStopped(ctx, tenantID, name, "not_running")
	case !st.Healthy():
		l.Warn("Idle container is unhealthy", "health", st.Health)
		h.reaper.destroy(ctx, tenantID, name, "unhealthy")
	default:
		if h.prober != nil {
			if err := h.prober.Probe(ctx, st); err != nil {
				l.Warn("Idle container failed probe", "error", err)
				h.reaper.destroy(ctx, tenantID, name, "unhealthy")
				report.Unhealthy++
				report.Removed = append(report.Removed, name)
				return
			}
		}
		report.Healthy++
		h.putBack(ctx, tenantID, name)
		return
	}

	report.Unhealthy++
	report.Removed = append(report.Removed, name)
}

// putBack 受 max_pool_size 约束，检查期间并发的 release 可能已占满 idle
func (h *HealthSweeper) putBack(ctx context.Context, tenantID, name string) {
	h.reaper.restore(ctx, tenantID, name, h.config.MaxPoolSize)
}

// runEvery calls fn on every tick. A panicking sweep is logged and the loop
// keeps going.
func runEvery(ctx context.Context, interval time.Duration, logger *slog.Logger, name string, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("Sweep panicked", "sweeper", name, "panic", r)
					}
				}()
				start := time.Now()
				fn(ctx)
				monitor.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			}()
		}
	}
}
