package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"agentfleet/internal/tenant"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/redis/go-redis/v9"
)

var _ tenant.Repository = (*Repository)(nil)

// Repository reads tenant and agent configuration from Postgres with a
// read-through Redis cache. redis may be nil.
type Repository struct {
	db    *pg.DB
	redis redis.Cmdable
}

func NewRepository(db *pg.DB, redis redis.Cmdable) *Repository {
	return &Repository{
		db:    db,
		redis: redis,
	}
}

// Migrate creates the tables if they do not exist yet.
func Migrate(db *pg.DB) error {
	for _, model := range Models() {
		if err := db.Model(model).CreateTable(&orm.CreateTableOptions{
			IfNotExists: true,
		}); err != nil {
			return fmt.Errorf("create table %T: %w", model, err)
		}
	}
	return nil
}

func (r *Repository) GetTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	var cached tenant.Tenant
	if r.cacheGet(ctx, tenantCacheKey(id), &cached) {
		return &cached, nil
	}

	model := &TenantModel{ID: id}
	if err := r.db.ModelContext(ctx, model).WherePK().Select(); err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, id)
		}
		return nil, err
	}

	t := &tenant.Tenant{
		ID:                model.ID,
		Tier:              model.Tier,
		RealtimeURL:       model.RealtimeURL,
		RealtimeAPIKey:    model.RealtimeAPIKey,
		RealtimeAPISecret: model.RealtimeAPISecret,
		CreatedAt:         model.CreatedAt,
	}
	r.cacheSet(ctx, tenantCacheKey(id), t)
	return t, nil
}

func (r *Repository) GetAgent(ctx context.Context, tenantID, agentID string) (*tenant.Agent, error) {
	var cached tenant.Agent
	if r.cacheGet(ctx, agentCacheKey(tenantID, agentID), &cached) {
		return &cached, nil
	}

	model := &AgentModel{ID: agentID, TenantID: tenantID}
	if err := r.db.ModelContext(ctx, model).WherePK().Select(); err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", tenant.ErrAgentNotFound, tenantID, agentID)
		}
		return nil, err
	}

	a := &tenant.Agent{
		ID:        model.ID,
		TenantID:  model.TenantID,
		Image:     model.Image,
		Env:       model.Env,
		CreatedAt: model.CreatedAt,
	}
	r.cacheSet(ctx, agentCacheKey(tenantID, agentID), a)
	return a, nil
}

func (r *Repository) SaveTenant(ctx context.Context, t *tenant.Tenant) error {
	model := &TenantModel{
		ID:                t.ID,
		Tier:              t.Tier,
		RealtimeURL:       t.RealtimeURL,
		RealtimeAPIKey:    t.RealtimeAPIKey,
		RealtimeAPISecret: t.RealtimeAPISecret,
		CreatedAt:         t.CreatedAt,
	}
	_, err := r.db.ModelContext(ctx, model).
		OnConflict("(id) DO UPDATE").
		Set("tier = EXCLUDED.tier").
		Set("realtime_url = EXCLUDED.realtime_url").
		Set("realtime_api_key = EXCLUDED.realtime_api_key").
		Set("realtime_api_secret = EXCLUDED.realtime_api_secret").
		Insert()
	if err != nil {
		return err
	}

	// 缓存失效
	r.cacheDel(ctx, tenantCacheKey(t.ID))
	return nil
}

func (r *Repository) SaveAgent(ctx context.Context, a *tenant.Agent) error {
	model := &AgentModel{
		ID:        a.ID,
		TenantID:  a.TenantID,
		Image:     a.Image,
		Env:       a.Env,
		CreatedAt: a.CreatedAt,
	}
	_, err := r.db.ModelContext(ctx, model).
		OnConflict("(id, tenant_id) DO UPDATE").
		Set("image = EXCLUDED.image").
		Set("env = EXCLUDED.env").
		Insert()
	if err != nil {
		return err
	}

	r.cacheDel(ctx, agentCacheKey(a.TenantID, a.ID))
	return nil
}

func (r *Repository) cacheGet(ctx context.Context, key string, dst any) bool {
	if r.redis == nil {
		return false
	}
	val, err := r.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(val), dst) == nil
}

func (r *Repository) cacheSet(ctx context.Context, key string, v any) {
	if r.redis == nil {
		return
	}
	if b, err := json.Marshal(v); err == nil {
		_ = r.redis.Set(ctx, key, b, tenantCacheTTL).Err()
	}
}

func (r *Repository) cacheDel(ctx context.Context, key string) {
	if r.redis == nil {
		return
	}
	_ = r.redis.Del(ctx, key).Err()
}
