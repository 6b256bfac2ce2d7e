package tenant

import "context"

type Repository interface {
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	GetAgent(ctx context.Context, tenantID, agentID string) (*Agent, error)
	SaveTenant(ctx context.Context, t *Tenant) error
	SaveAgent(ctx context.Context, a *Agent) error
}
