package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agentfleet/internal/config"
	"agentfleet/internal/eventbus"
	"agentfleet/internal/orchestrator"
	"agentfleet/internal/orchestrator/worker"
	"agentfleet/internal/tenant"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Enqueuer is the part of *asynq.Client the service needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Service coordinates between the lease manager, tenant configuration, the
// task queue and pool event streaming.
type Service struct {
	Leases   orchestrator.LeaseManager
	Tenants  tenant.Repository
	Bus      eventbus.EventBus // 可为 nil
	Queue    Enqueuer          // 可为 nil
	Realtime config.RealtimeConfig
	Logger   *slog.Logger
}

func NewService(
	leases orchestrator.LeaseManager,
	tenants tenant.Repository,
	bus eventbus.EventBus,
	queue Enqueuer,
	realtime config.RealtimeConfig,
	logger *slog.Logger,
) *Service {
	return &Service{
		Leases:   leases,
		Tenants:  tenants,
		Bus:      bus,
		Queue:    queue,
		Realtime: realtime,
		Logger:   logger,
	}
}

// DeployOrReuse hands a worker to the session, reusing an idle one of the
// tenant when possible.
func (s *Service) DeployOrReuse(ctx context.Context, params DeployParams) (*orchestrator.Lease, error) {
	req, err := s.resolve(ctx, params)
	if err != nil {
		return nil, err
	}
	return s.Leases.Acquire(ctx, req)
}

// EnqueueDeploy resolves the request now and leaves the acquisition to a
// queue worker.
func (s *Service) EnqueueDeploy(ctx context.Context, params DeployParams) (*DeployTicket, error) {
	if s.Queue == nil {
		return nil, ErrQueueUnavailable
	}
	req, err := s.resolve(ctx, params)
	if err != nil {
		return nil, err
	}

	task, err := worker.NewLeaseAcquireTask(worker.LeaseAcquirePayload{
		TenantID:  req.TenantID,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		RoomName:  req.RoomName,
		Worker:    req.Worker,
	})
	if err != nil {
		return nil, err
	}

	info, err := s.Queue.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil, fmt.Errorf("%w: %s", orchestrator.ErrLeaseExists, req.SessionID)
		}
		return nil, fmt.Errorf("failed to enqueue lease task: %w", err)
	}

	s.Logger.Info("Lease task enqueued", "tenant_id", req.TenantID, "session_id", req.SessionID, "task_id", info.ID)
	return &DeployTicket{
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		RoomName:  req.RoomName,
		TaskID:    info.ID,
		Queue:     info.Queue,
	}, nil
}

// ReturnContainer ends the session's lease. Unknown sessions yield ErrNoLease.
func (s *Service) ReturnContainer(ctx context.Context, tenantID, sessionID string) error {
	if !s.Leases.Release(ctx, tenantID, sessionID) {
		return fmt.Errorf("%w: %s", orchestrator.ErrNoLease, sessionID)
	}
	return nil
}

func (s *Service) CleanupTenantPool(ctx context.Context, tenantID string) (int, error) {
	return s.Leases.CleanupTenantPool(ctx, tenantID)
}

func (s *Service) PoolStatus(ctx context.Context, tenantID string) (*orchestrator.PoolStatus, error) {
	return s.Leases.PoolStatus(ctx, tenantID)
}

func (s *Service) RegisterWorker(ctx context.Context, name, workerID string) error {
	if name == "" || workerID == "" {
		return fmt.Errorf("%w: container name and worker id are required", orchestrator.ErrInvalidRequest)
	}
	return s.Leases.RegisterWorker(ctx, name, workerID)
}

// StreamEvents subscribes to a tenant's pool events until ctx is done.
func (s *Service) StreamEvents(ctx context.Context, tenantID string) (<-chan eventbus.Event, error) {
	if s.Bus == nil {
		return nil, ErrEventsUnavailable
	}
	return s.Bus.Subscribe(ctx, tenantID)
}

// resolve builds the lease request from the tenant and agent configuration.
// Realtime credentials the tenant leaves empty fall back to the platform
// ones; an unknown agent runs on the default image.
func (s *Service) resolve(ctx context.Context, params DeployParams) (orchestrator.LeaseRequest, error) {
	if params.TenantID == "" || params.AgentID == "" {
		return orchestrator.LeaseRequest{}, fmt.Errorf("%w: tenant and agent are required", orchestrator.ErrInvalidRequest)
	}

	t, err := s.Tenants.GetTenant(ctx, params.TenantID)
	if err != nil {
		return orchestrator.LeaseRequest{}, err
	}

	a, err := s.Tenants.GetAgent(ctx, params.TenantID, params.AgentID)
	switch {
	case errors.Is(err, tenant.ErrAgentNotFound):
		s.Logger.Debug("Agent has no stored configuration, using defaults", "tenant_id", params.TenantID, "agent_id", params.AgentID)
		a = &tenant.Agent{ID: params.AgentID, TenantID: params.TenantID}
	case err != nil:
		return orchestrator.LeaseRequest{}, err
	}

	sessionID := cmp.Or(params.SessionID, uuid.NewString())
	return orchestrator.LeaseRequest{
		TenantID:  params.TenantID,
		AgentID:   params.AgentID,
		SessionID: sessionID,
		RoomName:  cmp.Or(params.RoomName, params.TenantID+"-"+sessionID),
		Worker: orchestrator.WorkerConfig{
			RealtimeURL:       cmp.Or(t.RealtimeURL, s.Realtime.URL),
			RealtimeAPIKey:    cmp.Or(t.RealtimeAPIKey, s.Realtime.APIKey),
			RealtimeAPISecret: cmp.Or(t.RealtimeAPISecret, s.Realtime.APISecret),
			Tier:              t.Tier,
			Image:             a.Image,
			Env:               a.Env,
		},
	}, nil
}
