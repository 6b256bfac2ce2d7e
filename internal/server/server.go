package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"agentfleet/internal/api"
	"agentfleet/internal/config"
	"agentfleet/internal/eventbus"
	"agentfleet/internal/monitor"
	"agentfleet/internal/orchestrator"
	"agentfleet/internal/orchestrator/worker"
	"agentfleet/internal/sandbox"
	"agentfleet/internal/service"
	"agentfleet/internal/tenant"
	"agentfleet/internal/tenant/repo"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	httpServer  *http.Server
	asynqServer *asynq.Server // Redis 不可用时为 nil
	asynqMux    *asynq.ServeMux
	reconciler  *orchestrator.Reconciler
	health      *orchestrator.HealthSweeper
	scaler      *orchestrator.Scaler
	sweepers    sync.WaitGroup
	logger      *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) *Server {
	logger := deps.Logger

	runtime := sandbox.NewDocker(deps.Docker, logger)
	poolCfg := orchestrator.NewPoolConfig(cfg.Pool)
	deployer := orchestrator.NewDeployer(runtime, deps.Store, orchestrator.NewDeployConfig(cfg.Pool), logger)

	var (
		bus    eventbus.EventBus
		events orchestrator.EventPublisher
		queue  service.Enqueuer
		cache  redis.Cmdable
	)
	if deps.Redis != nil {
		b := eventbus.NewRedisBus(deps.Redis, logger)
		bus, events, cache = b, b, deps.Redis
	}
	if deps.AsynqClient != nil {
		queue = deps.AsynqClient
	}

	var prober orchestrator.Prober
	if cfg.Pool.HealthGRPCPort > 0 {
		prober = orchestrator.NewGRPCProber(cfg.Pool.HealthGRPCPort, 2*time.Second)
	}

	var tenants tenant.Repository = tenant.NewStaticRepository()
	if deps.PG != nil {
		tenants = repo.NewRepository(deps.PG, cache)
	}

	manager := orchestrator.NewManager(deps.Store, runtime, deployer, poolCfg, logger,
		orchestrator.WithEvents(events))
	svc := service.NewService(manager, tenants, bus, queue, cfg.Realtime, logger)

	s := &Server{
		cfg:        cfg,
		deps:       deps,
		reconciler: orchestrator.NewReconciler(deps.Store, runtime, logger),
		health:     orchestrator.NewHealthSweeper(deps.Store, runtime, poolCfg, logger, events, prober),
		scaler:     orchestrator.NewScaler(deps.Store, runtime, poolCfg, logger, events),
		logger:     logger,
	}

	if deps.AsynqClient != nil {
		s.asynqServer = asynq.NewServer(deps.AsynqRedis, asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Logger:      newAsynqLogger(logger),
		})
		leaseWorker := worker.NewLeaseTaskWorker(manager, logger)
		s.asynqMux = asynq.NewServeMux()
		s.asynqMux.HandleFunc(worker.LeaseAcquireTask, leaseWorker.HandleLeaseAcquire)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(svc, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *Server) Start(ctx context.Context) error {
	// 先接管上次运行留下的容器，再开始服务
	if report, err := s.reconciler.Reconcile(ctx); err != nil {
		s.logger.Error("Startup reconciliation failed", "error", err)
	} else {
		s.logger.Info("Startup reconciliation finished",
			"found", report.Found, "adopted", len(report.Adopted), "removed", len(report.Removed), "pruned", len(report.Pruned))
	}

	s.sweepers.Go(func() { s.health.Run(ctx) })
	s.sweepers.Go(func() { s.scaler.Run(ctx) })

	if s.asynqServer != nil {
		go func() {
			s.logger.Info("Starting Asynq worker", "concurrency", s.cfg.Worker.Concurrency)
			if err := s.asynqServer.Start(s.asynqMux); err != nil {
				s.logger.Error("Asynq worker failed", "error", err)
			}
		}()
	}

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.ready, s.logger); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

// ready reports whether Docker answers; leases cannot be served without it.
func (s *Server) ready(ctx context.Context) error {
	if _, err := s.deps.Docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker: %w", err)
	}
	return nil
}

// Shutdown stops accepting work. Idle containers keep running so that the
// next start can adopt them.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.asynqServer != nil {
		s.asynqServer.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.sweepers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("Sweepers did not stop in time")
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", args) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", args) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", args) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", args) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", args) }
