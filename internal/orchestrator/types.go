package orchestrator

import (
	"time"

	"agentfleet/internal/config"
	"agentfleet/internal/poolstore"
)

type PoolConfig struct {
	MaxPoolSize       int // 每个租户 idle 上限
	MaxReuseCount     int // 1 表示不复用
	MinPoolSize       int
	IdleTimeout       time.Duration
	HealthInterval    time.Duration
	ScaleInterval     time.Duration
	IdleProbeAttempts int // Acquire 时最多检查几个 idle 容器
	VerifyTimeout     time.Duration
	StopTimeout       time.Duration
}

func NewPoolConfig(cfg config.PoolConfig) PoolConfig {
	return PoolConfig{
		MaxPoolSize:    cfg.MaxPoolSize,
		MaxReuseCount:  cfg.MaxReuseCount,
		MinPoolSize:    cfg.MinPoolSize,
		IdleTimeout:    cfg.IdleTimeout,
		HealthInterval: cfg.HealthInterval,
		ScaleInterval:  cfg.ScaleInterval,
	}.withDefaults()
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 5
	}
	if c.MaxReuseCount <= 0 {
		c.MaxReuseCount = 10
	}
	if c.MinPoolSize < 0 {
		c.MinPoolSize = 0
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = 5 * time.Minute
	}
	if c.IdleProbeAttempts <= 0 {
		c.IdleProbeAttempts = 3
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 5 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

type DeployConfig struct {
	Image        string
	NetworkName  string
	Attempts     int
	RetryDelay   time.Duration
	StartTimeout time.Duration
	PollInterval time.Duration
	DefaultTier  string
	Tiers        map[string]config.Tier
}

func NewDeployConfig(cfg config.PoolConfig) DeployConfig {
	return DeployConfig{
		Image:        cfg.WorkerImage,
		NetworkName:  cfg.NetworkName,
		Attempts:     cfg.DeployAttempts,
		RetryDelay:   cfg.DeployRetryDelay,
		StartTimeout: cfg.StartTimeout,
		DefaultTier:  cfg.DefaultTier,
		Tiers:        cfg.Tiers,
	}.withDefaults()
}

func (c DeployConfig) withDefaults() DeployConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.DefaultTier == "" {
		c.DefaultTier = "basic"
	}
	if len(c.Tiers) == 0 {
		c.Tiers = config.DefaultTiers()
	}
	return c
}

// WorkerConfig is everything a worker container needs that depends on the
// tenant and agent rather than on the session.
type WorkerConfig struct {
	RealtimeURL       string
	RealtimeAPIKey    string
	RealtimeAPISecret string
	Tier              string
	Image             string // 为空时使用默认镜像
	Env               map[string]string
}

type LeaseRequest struct {
	TenantID  string
	AgentID   string
	SessionID string
	RoomName  string
	Worker    WorkerConfig
}

type Lease struct {
	TenantID   string    `json:"tenant_id"`
	AgentID    string    `json:"agent_id"`
	SessionID  string    `json:"session_id"`
	RoomName   string    `json:"room_name"`
	Container  string    `json:"container"`
	Reused     bool      `json:"reused"`
	ReuseCount int       `json:"reuse_count"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type ContainerStat struct {
	Name       string           `json:"name"`
	Status     poolstore.Status `json:"status"`
	SessionID  string           `json:"session_id,omitempty"`
	ReuseCount int              `json:"reuse_count"`
	IdleSince  time.Time        `json:"idle_since,omitzero"`
	AcquiredAt time.Time        `json:"acquired_at,omitzero"`
	WorkerID   string           `json:"worker_id,omitempty"`
	Ready      bool             `json:"ready"`
}

type PoolStatus struct {
	TenantID   string          `json:"tenant_id"`
	IdleCount  int             `json:"idle_count"`
	BusyCount  int             `json:"busy_count"`
	Containers []ContainerStat `json:"containers"`
}

type HealthReport struct {
	Checked   int      `json:"checked"`
	Healthy   int      `json:"healthy"`
	Unhealthy int      `json:"unhealthy"`
	Removed   []string `json:"removed"`
}

type ReconcileReport struct {
	Found   int      `json:"found"`
	Adopted []string `json:"adopted"`
	Skipped int      `json:"skipped"`
	Removed []string `json:"removed"` // 不健康或仍在启动，已销毁
	Pruned  []string `json:"pruned"`
}
