package api

import (
	"time"
)

type DeployRequest struct {
	AgentID   string `json:"agent_id" binding:"required"`
	SessionID string `json:"session_id"`
	RoomName  string `json:"room_name"`
}

type RegisterWorkerRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

type ReturnResponse struct {
	Status    string `json:"status"`
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
}

type CleanupResponse struct {
	TenantID string `json:"tenant_id"`
	Evicted  int    `json:"evicted"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// SSEEvent 是服务器发送事件的结构体
type SSEEvent struct {
	Type      string `json:"type"`
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id,omitempty"`
	Container string `json:"container,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
