package repo

import (
	"time"
)

const tenantCacheTTL = time.Minute * 5

type TenantModel struct {
	tableName struct{} `pg:"tenants"`

	ID                string    `json:"id" pg:"id,pk"`
	Tier              string    `json:"tier" pg:"tier,notnull"`
	RealtimeURL       string    `json:"realtime_url" pg:"realtime_url"`
	RealtimeAPIKey    string    `json:"realtime_api_key" pg:"realtime_api_key"`
	RealtimeAPISecret string    `json:"realtime_api_secret" pg:"realtime_api_secret"`
	CreatedAt         time.Time `json:"created_at" pg:"created_at,notnull,default:now()"`
}

type AgentModel struct {
	tableName struct{} `pg:"agents"`

	ID        string            `json:"id" pg:"id,pk"`
	TenantID  string            `json:"tenant_id" pg:"tenant_id,pk"`
	Image     string            `json:"image" pg:"image"`
	Env       map[string]string `json:"env" pg:"env,type:jsonb"`
	CreatedAt time.Time         `json:"created_at" pg:"created_at,notnull,default:now()"`
}

// Models lists every table the repository needs, in creation order.
func Models() []any {
	return []any{(*TenantModel)(nil), (*AgentModel)(nil)}
}

func tenantCacheKey(tenantID string) string {
	return "tenant:" + tenantID + ":config"
}

func agentCacheKey(tenantID, agentID string) string {
	return "tenant:" + tenantID + ":agent:" + agentID
}
