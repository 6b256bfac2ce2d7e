package tenant

import (
	"errors"
	"time"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrAgentNotFound  = errors.New("agent not found")
)

// Tenant carries only what the pool manager reads when deploying workers.
// Empty realtime fields fall back to the platform credentials.
type Tenant struct {
	ID                string    `json:"id"`
	Tier              string    `json:"tier"`
	RealtimeURL       string    `json:"realtime_url"`
	RealtimeAPIKey    string    `json:"realtime_api_key"`
	RealtimeAPISecret string    `json:"realtime_api_secret"`
	CreatedAt         time.Time `json:"created_at"`
}

type Agent struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Image     string            `json:"image"`
	Env       map[string]string `json:"env"`
	CreatedAt time.Time         `json:"created_at"`
}
