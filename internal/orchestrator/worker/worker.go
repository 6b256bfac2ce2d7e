package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"agentfleet/internal/orchestrator"

	"github.com/hibiken/asynq"
)

type Acquirer interface {
	Acquire(ctx context.Context, req orchestrator.LeaseRequest) (*orchestrator.Lease, error)
}

// LeaseTaskWorker performs queued acquisitions. The lease manager publishes
// container.leased / lease.failed itself, so the worker only decides whether
// asynq should retry.
type LeaseTaskWorker struct {
	manager Acquirer
	logger  *slog.Logger
}

func NewLeaseTaskWorker(manager Acquirer, logger *slog.Logger) *LeaseTaskWorker {
	return &LeaseTaskWorker{
		manager: manager,
		logger:  logger.With("component", "lease-worker"),
	}
}

func (w *LeaseTaskWorker) HandleLeaseAcquire(ctx context.Context, task *asynq.Task) error {
	var payload LeaseAcquirePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.logger.Error("Failed to unmarshal payload", "error", err)
		return fmt.Errorf("json unmarshal error: %v: %w", err, asynq.SkipRetry)
	}

	l := w.logger.With("tenant_id", payload.TenantID, "session_id", payload.SessionID)
	l.Info("Processing lease acquire task")

	lease, err := w.manager.Acquire(ctx, payload.Request())
	if err != nil {
		l.Error("Failed to acquire container", "error", err)
		// 配置错误和重复租约重试也不会成功
		if errors.Is(err, orchestrator.ErrMissingCredentials) ||
			errors.Is(err, orchestrator.ErrUnknownTier) ||
			errors.Is(err, orchestrator.ErrLeaseExists) ||
			errors.Is(err, orchestrator.ErrInvalidRequest) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	l.Info("Lease acquire task completed", "container", lease.Container, "reused", lease.Reused)
	return nil
}
