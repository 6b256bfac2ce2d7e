package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agentfleet/internal/poolstore"
	"agentfleet/internal/sandbox"
)

// Reconciler rebuilds pool bookkeeping from the runtime after a restart, so
// workers that kept running are adopted instead of orphaned. It assumes it is
// the only pool manager on this runtime host.
type Reconciler struct {
	store   poolstore.Store
	runtime sandbox.Runtime
	reaper  *reaper
	logger  *slog.Logger
	now     func() time.Time
}

func NewReconciler(store poolstore.Store, runtime sandbox.Runtime, logger *slog.Logger) *Reconciler {
	logger = logger.With("component", "reconciler")
	return &Reconciler{
		store:   store,
		runtime: runtime,
		reaper: &reaper{
			runtime:     runtime,
			store:       store,
			stopTimeout: PoolConfig{}.withDefaults().StopTimeout,
			logger:      logger,
		},
		logger: logger,
		now:    time.Now,
	}
}

// Reconcile puts every running, healthy worker into its tenant's idle set and
// drops bookkeeping for workers the runtime no longer runs. Workers that are
// unhealthy or still starting are destroyed. Per-container failures are
// logged and skipped.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	running, err := r.runtime.List(ctx, sandbox.ListFilter{
		Labels:      map[string]string{sandbox.LabelManagedBy: sandbox.ManagedByValue},
		RunningOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list worker containers: %w", err)
	}

	report := &ReconcileReport{Found: len(running), Adopted: []string{}, Removed: []string{}, Pruned: []string{}}
	live := make(map[string]bool, len(running))
	tenants := make(map[string]bool)

	for i := range running {
		st := &running[i]
		live[st.Name] = true

		tenantID := cmp.Or(st.EnvValue(EnvTenantID), st.Labels[sandbox.LabelTenantID])
		l := r.logger.With("container", st.Name, "tenant_id", tenantID)
		if tenantID == "" {
			l.Warn("Worker container has no tenant, skipping")
			report.Skipped++
			continue
		}
		tenants[tenantID] = true

		// 未配置 healthcheck 的容器视为健康
		if st.Health != sandbox.HealthNone && st.Health != sandbox.HealthHealthy {
			l.Info("Worker container not healthy, destroying", "health", st.Health)
			r.reaper.destroy(ctx, tenantID, st.Name, "unhealthy")
			report.Removed = append(report.Removed, st.Name)
			continue
		}

		if err := r.adopt(ctx, tenantID, st); err != nil {
			l.Error("Failed to adopt worker container", "error", err)
			report.Skipped++
			continue
		}
		report.Adopted = append(report.Adopted, st.Name)
	}

	known, err := r.store.TenantsWithIdle(ctx)
	if err != nil {
		r.logger.Error("Failed to list tenants with idle containers", "error", err)
	}
	for _, t := range known {
		tenants[t] = true
	}
	for tenantID := range tenants {
		report.Pruned = append(report.Pruned, r.prune(ctx, tenantID, live)...)
	}

	r.logger.Info("Reconciliation finished",
		"found", report.Found,
		"adopted", len(report.Adopted),
		"skipped", report.Skipped,
		"removed", len(report.Removed),
		"pruned", len(report.Pruned))
	return report, nil
}

func (r *Reconciler) adopt(ctx context.Context, tenantID string, st *sandbox.Status) error {
	now := r.now()
	rec, err := r.store.GetRecord(ctx, st.Name)
	switch {
	case errors.Is(err, poolstore.ErrRecordNotFound):
		rec = &poolstore.Record{
			Name:      st.Name,
			TenantID:  tenantID,
			AgentID:   cmp.Or(st.EnvValue(EnvAgentID), st.Labels[sandbox.LabelAgentID]),
			CreatedAt: st.CreatedAt,
		}
	case err != nil:
		return err
	}

	// reuse_count 保留，worker_id 已注册的也保留
	rec.TenantID = tenantID
	rec.Status = poolstore.StatusIdle
	rec.SessionID = ""
	rec.RoomName = ""
	rec.IdleSince = now
	rec.LastUsed = now
	if err := r.store.PutRecord(ctx, rec); err != nil {
		return err
	}
	return r.store.AddIdle(ctx, tenantID, st.Name)
}

// prune removes idle and busy entries whose container is not running.
func (r *Reconciler) prune(ctx context.Context, tenantID string, live map[string]bool) []string {
	var pruned []string
	for _, list := range []func(context.Context, string) ([]string, error){r.store.ListIdle, r.store.ListBusy} {
		names, err := list(ctx, tenantID)
		if err != nil {
			r.logger.Error("Failed to list pool members", "tenant_id", tenantID, "error", err)
			continue
		}
		for _, name := range names {
			if live[name] {
				continue
			}
			if err := r.runtime.Remove(ctx, name, true); err != nil && !errors.Is(err, sandbox.ErrContainerNotFound) {
				r.logger.Warn("Failed to remove stale container", "container", name, "error", err)
			}
			if err := r.store.Delete(ctx, tenantID, name); err != nil {
				r.logger.Error("Failed to delete stale record", "container", name, "error", err)
				continue
			}
			pruned = append(pruned, name)
		}
	}
	return pruned
}
