package eventbus

import "time"

type EventType string

const (
	EventContainerDeployed  EventType = "container.deployed"
	EventContainerLeased    EventType = "container.leased"
	EventContainerReturned  EventType = "container.returned"
	EventContainerDestroyed EventType = "container.destroyed"
	EventContainerEvicted   EventType = "container.evicted"
	EventLeaseFailed        EventType = "lease.failed"
)

type Event struct {
	Type      EventType `json:"type"`
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id,omitempty"`
	Container string    `json:"container,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func PoolChannelKey(tenantID string) string {
	return "pool:" + tenantID + ":events"
}
