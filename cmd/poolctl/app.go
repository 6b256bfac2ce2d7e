package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"agentfleet/internal/config"
	"agentfleet/internal/eventbus"
	"agentfleet/internal/orchestrator"
	"agentfleet/internal/sandbox"
	"agentfleet/internal/server"
	"agentfleet/internal/tenant"
	"agentfleet/internal/tenant/repo"
)

type app struct {
	manager    *orchestrator.Manager
	health     *orchestrator.HealthSweeper
	scaler     *orchestrator.Scaler
	reconciler *orchestrator.Reconciler
	tenants    tenant.Repository // 未配置 Postgres 时为 nil
	close      func()
}

type appLoader func(ctx context.Context, verbose bool) (*app, error)

func loadApp(ctx context.Context, verbose bool) (*app, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Load()
	deps, err := server.InitDeps(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	// 内存存储只属于当前进程，对 CLI 没有意义
	if deps.Redis == nil {
		deps.Close()
		return nil, errors.New("redis is unreachable; poolctl needs the shared pool state")
	}

	runtime := sandbox.NewDocker(deps.Docker, logger)
	bus := eventbus.NewRedisBus(deps.Redis, logger)
	poolCfg := orchestrator.NewPoolConfig(cfg.Pool)
	deployer := orchestrator.NewDeployer(runtime, deps.Store, orchestrator.NewDeployConfig(cfg.Pool), logger)

	var prober orchestrator.Prober
	if cfg.Pool.HealthGRPCPort > 0 {
		prober = orchestrator.NewGRPCProber(cfg.Pool.HealthGRPCPort, 0)
	}

	a := &app{
		manager:    orchestrator.NewManager(deps.Store, runtime, deployer, poolCfg, logger, orchestrator.WithEvents(bus)),
		health:     orchestrator.NewHealthSweeper(deps.Store, runtime, poolCfg, logger, bus, prober),
		scaler:     orchestrator.NewScaler(deps.Store, runtime, poolCfg, logger, bus),
		reconciler: orchestrator.NewReconciler(deps.Store, runtime, logger),
		close:      deps.Close,
	}
	if deps.PG != nil {
		a.tenants = repo.NewRepository(deps.PG, deps.Redis)
	}
	return a, nil
}
