package worker

import (
	"encoding/json"
	"fmt"

	"agentfleet/internal/orchestrator"

	"github.com/hibiken/asynq"
)

const LeaseAcquireTask = "lease:acquire"

type LeaseAcquirePayload struct {
	TenantID  string                    `json:"tenant_id"`
	AgentID   string                    `json:"agent_id"`
	SessionID string                    `json:"session_id"`
	RoomName  string                    `json:"room_name"`
	Worker    orchestrator.WorkerConfig `json:"worker"`
}

func (p LeaseAcquirePayload) Request() orchestrator.LeaseRequest {
	return orchestrator.LeaseRequest{
		TenantID:  p.TenantID,
		AgentID:   p.AgentID,
		SessionID: p.SessionID,
		RoomName:  p.RoomName,
		Worker:    p.Worker,
	}
}

// NewLeaseAcquireTask builds the task; its id is tied to the session so a
// retried enqueue does not create a second lease.
func NewLeaseAcquireTask(p LeaseAcquirePayload, opts ...asynq.Option) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	opts = append([]asynq.Option{
		asynq.TaskID(fmt.Sprintf("lease:%s:%s", p.TenantID, p.SessionID)),
		asynq.MaxRetry(2),
	}, opts...)
	return asynq.NewTask(LeaseAcquireTask, data, opts...), nil
}
