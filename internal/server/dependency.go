package server

import (
	"context"
	"fmt"
	"log/slog"

	"agentfleet/internal/config"
	"agentfleet/internal/poolstore"
	"agentfleet/internal/tenant/repo"

	"github.com/docker/docker/client"
	"github.com/go-pg/pg/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Dependency 管理所有基础设施。Redis 不可用时 Redis、AsynqClient 为 nil，
// 池状态退化为进程内存储；未配置 Postgres 时 PG 为 nil。
type Dependency struct {
	Docker      *client.Client
	Redis       *redis.Client
	PG          *pg.DB
	Store       poolstore.Store
	AsynqClient *asynq.Client
	AsynqRedis  asynq.RedisClientOpt
	Logger      *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := dockerClient.Ping(ctx); err != nil {
		dockerClient.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	d := &Dependency{
		Docker: dockerClient,
		Logger: logger,
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store, durable := poolstore.Open(ctx, redisClient, logger)
	d.Store = store
	if durable {
		d.Redis = redisClient
		d.AsynqRedis = asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		d.AsynqClient = asynq.NewClient(d.AsynqRedis)
	} else {
		redisClient.Close()
		logger.Warn("Async acquisition and pool events are disabled without Redis")
	}

	if cfg.Postgres.Addr == "" {
		logger.Info("Postgres not configured, tenants use platform defaults")
		return d, nil
	}

	pgDB := pg.Connect(&pg.Options{
		Addr:     cfg.Postgres.Addr,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
	})
	if _, err := pgDB.ExecContext(ctx, "SELECT 1"); err != nil {
		pgDB.Close()
		d.Close()
		return nil, fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err)
	}

	// 迁移数据库 schema
	if err := repo.Migrate(pgDB); err != nil {
		pgDB.Close()
		d.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	d.PG = pgDB

	return d, nil
}

func (d *Dependency) Close() {
	if d.AsynqClient != nil {
		d.AsynqClient.Close()
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.Docker != nil {
		d.Docker.Close()
	}
}
