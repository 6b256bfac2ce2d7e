package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"agentfleet/internal/eventbus"
	"agentfleet/internal/monitor"
	"agentfleet/internal/poolstore"
	"agentfleet/internal/sandbox"
)

// reaper tears down containers on behalf of the lease manager and both
// sweepers, so every removal path shares the same semantics.
type reaper struct {
	runtime     sandbox.Runtime
	store       poolstore.Store
	events      EventPublisher
	stopTimeout time.Duration
	logger      *slog.Logger
}

// restore puts a claimed container back into the idle set, even when ctx is
// already cancelled. If the set already holds maxIdle members the container is
// destroyed instead.
func (r *reaper) restore(ctx context.Context, tenantID, name string, maxIdle int) {
	ctx = context.WithoutCancel(ctx)
	l := r.logger.With("tenant_id", tenantID, "container", name)

	moved, err := r.store.ReleaseToIdle(ctx, tenantID, name, maxIdle)
	if err != nil {
		l.Error("Failed to return container to idle set", "error", err)
		return
	}
	if !moved {
		l.Info("Idle pool full, not returning container", "max_pool_size", maxIdle)
		r.destroy(ctx, tenantID, name, "pool_full")
	}
}

// destroy stops the container if it is still running, removes it and then
// deletes its record. The record is deleted even when stop/remove fail so no
// phantom idle entry survives.
func (r *reaper) destroy(ctx context.Context, tenantID, name, reason string) {
	// 调用方的 ctx 可能已经取消，清理仍要完成
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout+10*time.Second)
	defer cancel()

	l := r.logger.With("tenant_id", tenantID, "container", name, "reason", reason)

	st, err := r.runtime.Inspect(ctx, name)
	switch {
	case errors.Is(err, sandbox.ErrContainerNotFound):
		// 已经不存在
	case err != nil:
		l.Warn("Inspect before destroy failed, forcing removal", "error", err)
		r.remove(ctx, l, name)
	default:
		if st.Running {
			if err := r.runtime.Stop(ctx, name, r.stopTimeout); err != nil && !errors.Is(err, sandbox.ErrContainerNotFound) {
				l.Warn("Failed to stop container", "error", err)
			}
		}
		r.remove(ctx, l, name)
	}

	r.forget(ctx, l, tenantID, name)
	monitor.PoolEvictionsTotal.WithLabelValues(reason).Inc()
	r.publish(ctx, tenantID, eventbus.Event{
		Type:      eventbus.EventContainerDestroyed,
		Container: name,
		Payload:   map[string]string{"reason": reason},
	})
	l.Info("Container destroyed")
}

// removeStopped removes a container that is known not to be running; no stop
// is attempted.
func (r *reaper) removeStopped(ctx context.Context, tenantID, name, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	l := r.logger.With("tenant_id", tenantID, "container", name, "reason", reason)
	r.remove(ctx, l, name)
	r.forget(ctx, l, tenantID, name)
	monitor.PoolEvictionsTotal.WithLabelValues(reason).Inc()
	r.publish(ctx, tenantID, eventbus.Event{
		Type:      eventbus.EventContainerDestroyed,
		Container: name,
		Payload:   map[string]string{"reason": reason},
	})
	l.Info("Stopped container removed")
}

func (r *reaper) remove(ctx context.Context, l *slog.Logger, name string) {
	if err := r.runtime.Remove(ctx, name, true); err != nil && !errors.Is(err, sandbox.ErrContainerNotFound) {
		l.Warn("Failed to remove container", "error", err)
	}
}

func (r *reaper) forget(ctx context.Context, l *slog.Logger, tenantID, name string) {
	if err := r.store.Delete(ctx, tenantID, name); err != nil {
		l.Error("Failed to delete container record", "error", err)
	}
}

func (r *reaper) publish(ctx context.Context, tenantID string, ev eventbus.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, tenantID, ev); err != nil {
		r.logger.Debug("Failed to publish pool event", "type", ev.Type, "error", err)
	}
}
