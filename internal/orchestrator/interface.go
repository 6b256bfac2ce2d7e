package orchestrator

import (
	"context"

	"agentfleet/internal/eventbus"
	"agentfleet/internal/sandbox"
)

// Rebinder pushes a new session context into an already running worker so
// that it can serve the next session without a restart.
type Rebinder interface {
	Rebind(ctx context.Context, name string, binding SessionBinding) error
}

// Prober is an extra liveness check for idle workers on top of the runtime's
// own healthcheck.
type Prober interface {
	Probe(ctx context.Context, st *sandbox.Status) error
}

type EventPublisher interface {
	Publish(ctx context.Context, tenantID string, event eventbus.Event) error
}

type LeaseManager interface {
	Acquire(ctx context.Context, req LeaseRequest) (*Lease, error)
	Release(ctx context.Context, tenantID, sessionID string) bool
	CleanupTenantPool(ctx context.Context, tenantID string) (int, error)
	PoolStatus(ctx context.Context, tenantID string) (*PoolStatus, error)
	RegisterWorker(ctx context.Context, name, workerID string) error
}
