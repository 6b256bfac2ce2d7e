package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Pool     PoolConfig
	Realtime RealtimeConfig
	Worker   WorkerConfig
	Metrics  MetricsConfig
	Log      LogConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PostgresConfig 为空 Addr 时不连接数据库，租户配置全部使用平台默认值
type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

type PoolConfig struct {
	MaxPoolSize      int // 每个租户 idle 集合上限
	MaxReuseCount    int // 达到后强制回收
	MinPoolSize      int // scale-to-zero 下限，可为 0
	IdleTimeout      time.Duration
	HealthInterval   time.Duration
	ScaleInterval    time.Duration
	DeployAttempts   int
	DeployRetryDelay time.Duration
	StartTimeout     time.Duration
	WorkerImage      string
	NetworkName      string
	HealthGRPCPort   int // 0 表示不做 gRPC 探测
	DefaultTier      string
	Tiers            map[string]Tier
}

// Tier is the resource ceiling applied to every worker of a tenant on that tier.
type Tier struct {
	MemoryLimit int64   // bytes
	CPUQuota    float64 // cores
}

// RealtimeConfig holds platform-wide realtime backend credentials used when a
// tenant has not configured its own.
type RealtimeConfig struct {
	URL       string
	APIKey    string
	APISecret string
}

type WorkerConfig struct {
	Concurrency int
}

type MetricsConfig struct {
	Addr string
}

type LogConfig struct {
	Level slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Addr:     getEnv("POSTGRES_ADDR", ""),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "agent_fleet"),
		},
		Pool: PoolConfig{
			MaxPoolSize:      getIntEnv("POOL_MAX_SIZE", 5),
			MaxReuseCount:    getIntEnv("POOL_MAX_REUSE", 10),
			MinPoolSize:      getIntEnv("POOL_MIN_SIZE", 0),
			IdleTimeout:      getDurationEnv("POOL_IDLE_TIMEOUT", 30*time.Minute),
			HealthInterval:   getDurationEnv("POOL_HEALTH_INTERVAL", 30*time.Second),
			ScaleInterval:    getDurationEnv("POOL_SCALE_INTERVAL", 5*time.Minute),
			DeployAttempts:   getIntEnv("POOL_DEPLOY_ATTEMPTS", 3),
			DeployRetryDelay: getDurationEnv("POOL_DEPLOY_RETRY_DELAY", 2*time.Second),
			StartTimeout:     getDurationEnv("POOL_START_TIMEOUT", 30*time.Second),
			WorkerImage:      getEnv("POOL_WORKER_IMAGE", "agent-worker:latest"),
			NetworkName:      getEnv("POOL_NETWORK_NAME", "agent-fleet-net"),
			HealthGRPCPort:   getIntEnv("POOL_HEALTH_GRPC_PORT", 0),
			DefaultTier:      getEnv("POOL_DEFAULT_TIER", "basic"),
			Tiers:            getTiersEnv("POOL_TIERS", DefaultTiers()),
		},
		Realtime: RealtimeConfig{
			URL:       getEnv("REALTIME_URL", ""),
			APIKey:    getEnv("REALTIME_API_KEY", ""),
			APISecret: getEnv("REALTIME_API_SECRET", ""),
		},
		Worker: WorkerConfig{
			Concurrency: getIntEnv("WORKER_CONCURRENCY", 5),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
		Log: LogConfig{
			Level: getLevelEnv("LOG_LEVEL", slog.LevelInfo),
		},
	}
}

func DefaultTiers() map[string]Tier {
	return map[string]Tier{
		"basic":      {MemoryLimit: 512 << 20, CPUQuota: 0.5},
		"pro":        {MemoryLimit: 1024 << 20, CPUQuota: 1},
		"enterprise": {MemoryLimit: 2048 << 20, CPUQuota: 2},
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getLevelEnv(key string, defaultVal slog.Level) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv(key))); err != nil {
		return defaultVal
	}
	return level
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getTiersEnv 解析 "basic=512:0.5,pro=1024:1" 格式，内存单位为 MB。
// 无法解析的条目会被跳过。
func getTiersEnv(key string, defaultVal map[string]Tier) map[string]Tier {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	tiers := make(map[string]Tier)
	for _, entry := range strings.Split(val, ",") {
		name, spec, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || name == "" {
			continue
		}
		memStr, cpuStr, ok := strings.Cut(spec, ":")
		if !ok {
			continue
		}
		mem, err := strconv.ParseInt(memStr, 10, 64)
		if err != nil {
			continue
		}
		cpu, err := strconv.ParseFloat(cpuStr, 64)
		if err != nil {
			continue
		}
		tiers[name] = Tier{MemoryLimit: mem << 20, CPUQuota: cpu}
	}

	if len(tiers) == 0 {
		return defaultVal
	}
	return tiers
}
