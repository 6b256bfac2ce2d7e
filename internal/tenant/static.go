package tenant

import (
	"context"
	"sync"
	"time"
)

var _ Repository = (*StaticRepository)(nil)

// StaticRepository serves tenants from memory. Unknown tenants and agents
// resolve to empty records, so every worker runs with platform defaults.
// Used when no Postgres is configured.
type StaticRepository struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	agents  map[string]*Agent
}

func NewStaticRepository() *StaticRepository {
	return &StaticRepository{
		tenants: make(map[string]*Tenant),
		agents:  make(map[string]*Agent),
	}
}

func (r *StaticRepository) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tenants[id]; ok {
		cp := *t
		return &cp, nil
	}
	return &Tenant{ID: id}, nil
}

func (r *StaticRepository) GetAgent(ctx context.Context, tenantID, agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[tenantID+"/"+agentID]; ok {
		cp := *a
		return &cp, nil
	}
	return &Agent{ID: agentID, TenantID: tenantID}, nil
}

func (r *StaticRepository) SaveTenant(ctx context.Context, t *Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.tenants[t.ID] = &cp
	return nil
}

func (r *StaticRepository) SaveAgent(ctx context.Context, a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.agents[a.TenantID+"/"+a.ID] = &cp
	return nil
}
