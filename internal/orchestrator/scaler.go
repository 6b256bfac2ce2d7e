package orchestrator

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"agentfleet/internal/eventbus"
	"agentfleet/internal/poolstore"
	"agentfleet/internal/sandbox"
)

// Scaler evicts containers that have sat idle longer than IdleTimeout, never
// taking a tenant's idle set below MinPoolSize.
type Scaler struct {
	store  poolstore.Store
	reaper *reaper
	config PoolConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewScaler(store poolstore.Store, runtime sandbox.Runtime, cfg PoolConfig, logger *slog.Logger, events EventPublisher) *Scaler {
	cfg = cfg.withDefaults()
	logger = logger.With("component", "scaler")
	return &Scaler{
		store:  store,
		config: cfg,
		logger: logger,
		now:    time.Now,
		reaper: &reaper{
			runtime:     runtime,
			store:       store,
			events:      events,
			stopTimeout: cfg.StopTimeout,
			logger:      logger,
		},
	}
}

func (s *Scaler) Run(ctx context.Context) {
	runEvery(ctx, s.config.ScaleInterval, s.logger, "scale", func(ctx context.Context) {
		if n := s.Sweep(ctx); n > 0 {
			s.logger.Info("Scale-down sweep finished", "scaled_down", n)
		}
	})
}

type idleCandidate struct {
	name      string
	idleSince time.Time
}

// Sweep returns how many containers it evicted across all tenants.
func (s *Scaler) Sweep(ctx context.Context) int {
	tenants, err := s.store.TenantsWithIdle(ctx)
	if err != nil {
		s.logger.Error("Failed to list tenants", "error", err)
		return 0
	}

	total := 0
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}
		total += s.sweepTenant(ctx, tenantID)
	}
	return total
}

func (s *Scaler) sweepTenant(ctx context.Context, tenantID string) int {
	l := s.logger.With("tenant_id", tenantID)

	names, err := s.store.ListIdle(ctx, tenantID)
	if err != nil {
		l.Error("Failed to list idle containers", "error", err)
		return 0
	}
	excess := len(names) - s.config.MinPoolSize
	if excess <= 0 {
		return 0
	}

	now := s.now()
	var candidates []idleCandidate
	for _, name := range names {
		var since time.Time
		if rec, err := s.store.GetRecord(ctx, name); err == nil {
			since = rec.IdleSince
		}
		// 缺少 idle_since 的记录视为已过期
		if since.IsZero() || now.Sub(since) > s.config.IdleTimeout {
			candidates = append(candidates, idleCandidate{name: name, idleSince: since})
		}
	}

	// 最久未用的先回收
	slices.SortFunc(candidates, func(a, b idleCandidate) int {
		return a.idleSince.Compare(b.idleSince)
	})

	evicted := 0
	for _, c := range candidates {
		if evicted >= excess {
			break
		}
		claimed, err := s.store.RemoveIdle(ctx, tenantID, c.name)
		if err != nil {
			l.Error("Failed to claim idle container", "container", c.name, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		l.Info("Evicting idle container", "container", c.name, "idle_for", now.Sub(c.idleSince).Round(time.Second))
		s.reaper.destroy(ctx, tenantID, c.name, "idle_timeout")
		s.reaper.publish(ctx, tenantID, eventbus.Event{
			Type:      eventbus.EventContainerEvicted,
			Container: c.name,
		})
		evicted++
	}
	return evicted
}
