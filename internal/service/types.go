package service

import "errors"

var (
	ErrQueueUnavailable  = errors.New("task queue is not configured")
	ErrEventsUnavailable = errors.New("event bus is not configured")
)

// DeployParams identifies the session a worker is requested for. SessionID
// and RoomName are generated when empty.
type DeployParams struct {
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	RoomName  string `json:"room_name"`
}

// DeployTicket is returned for queued acquisitions; the outcome arrives as a
// container.leased or lease.failed event.
type DeployTicket struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	RoomName  string `json:"room_name"`
	TaskID    string `json:"task_id"`
	Queue     string `json:"queue"`
}
