package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentfleet/internal/monitor"
	"agentfleet/internal/poolstore"
	"agentfleet/internal/sandbox"
)

// Environment variables every worker is launched with. Agent-supplied env
// may not override them.
const (
	EnvTenantID          = "TENANT_ID"
	EnvAgentID           = "AGENT_ID"
	EnvSessionID         = "SESSION_ID"
	EnvRoomName          = "ROOM_NAME"
	EnvRealtimeURL       = "REALTIME_URL"
	EnvRealtimeAPIKey    = "REALTIME_API_KEY"
	EnvRealtimeAPISecret = "REALTIME_API_SECRET"
	EnvWorkerTier        = "WORKER_TIER"
	EnvContainerName     = "CONTAINER_NAME"
)

var reservedEnv = []string{
	EnvTenantID, EnvAgentID, EnvSessionID, EnvRoomName,
	EnvRealtimeURL, EnvRealtimeAPIKey, EnvRealtimeAPISecret,
	EnvWorkerTier, EnvContainerName,
}

// 日志中出现这些片段通常意味着 worker 无法正常工作
var fatalLogPatterns = []string{
	"Traceback (most recent call last)",
	"ModuleNotFoundError",
	"panic:",
	"FATAL",
	"Segmentation fault",
	"address already in use",
	"Invalid API key",
}

var (
	errExited       = errors.New("container exited during startup")
	errStartTimeout = errors.New("timed out waiting for container to run")
)

type Deployer struct {
	runtime sandbox.Runtime
	store   poolstore.Store
	config  DeployConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewDeployer(runtime sandbox.Runtime, store poolstore.Store, cfg DeployConfig, logger *slog.Logger) *Deployer {
	return &Deployer{
		runtime: runtime,
		store:   store,
		config:  cfg.withDefaults(),
		logger:  logger.With("component", "deployer"),
		now:     time.Now,
	}
}

// BuildSpec validates the worker configuration and assembles the container
// spec. It fails with ErrMissingCredentials or ErrUnknownTier; neither is
// worth retrying.
func (d *Deployer) BuildSpec(req LeaseRequest) (sandbox.CreateSpec, error) {
	w := req.Worker

	var missing []string
	if w.RealtimeURL == "" {
		missing = append(missing, "url")
	}
	if w.RealtimeAPIKey == "" {
		missing = append(missing, "api key")
	}
	if w.RealtimeAPISecret == "" {
		missing = append(missing, "api secret")
	}
	if len(missing) > 0 {
		return sandbox.CreateSpec{}, fmt.Errorf("%w: tenant %s has no realtime %s configured",
			ErrMissingCredentials, req.TenantID, strings.Join(missing, ", "))
	}

	tierName := cmp.Or(w.Tier, d.config.DefaultTier)
	tier, ok := d.config.Tiers[tierName]
	if !ok {
		return sandbox.CreateSpec{}, fmt.Errorf("%w: %q", ErrUnknownTier, tierName)
	}

	// 复用后的容器仍带着首个 session 的名字，追加部署 ID 避免同名
	name := sandbox.ContainerName(req.TenantID, req.AgentID, req.SessionID) + "-" + uuid.NewString()[:8]

	env := []string{
		EnvTenantID + "=" + req.TenantID,
		EnvAgentID + "=" + req.AgentID,
		EnvSessionID + "=" + req.SessionID,
		EnvRoomName + "=" + req.RoomName,
		EnvRealtimeURL + "=" + w.RealtimeURL,
		EnvRealtimeAPIKey + "=" + w.RealtimeAPIKey,
		EnvRealtimeAPISecret + "=" + w.RealtimeAPISecret,
		EnvWorkerTier + "=" + tierName,
		EnvContainerName + "=" + name,
	}
	for _, k := range slices.Sorted(maps.Keys(w.Env)) {
		if slices.Contains(reservedEnv, k) {
			d.logger.Warn("Ignoring agent env that overrides a reserved variable", "tenant_id", req.TenantID, "key", k)
			continue
		}
		env = append(env, k+"="+w.Env[k])
	}

	return sandbox.CreateSpec{
		Name:  name,
		Image: cmp.Or(w.Image, d.config.Image),
		Env:   env,
		Labels: map[string]string{
			sandbox.LabelManagedBy: sandbox.ManagedByValue,
			sandbox.LabelTenantID:  req.TenantID,
			sandbox.LabelAgentID:   req.AgentID,
			sandbox.LabelSessionID: req.SessionID,
			sandbox.LabelTier:      tierName,
		},
		MemoryLimit: tier.MemoryLimit,
		CPUQuota:    tier.CPUQuota,
		NetworkName: d.config.NetworkName,
	}, nil
}

// Deploy creates a worker for req and records it as busy with a reuse count
// of zero.
func (d *Deployer) Deploy(ctx context.Context, req LeaseRequest) (string, error) {
	spec, err := d.BuildSpec(req)
	if err != nil {
		monitor.DeploymentsTotal.WithLabelValues("rejected").Inc()
		return "", err
	}

	l := d.logger.With("tenant_id", req.TenantID, "container", spec.Name)
	start := time.Now()
	defer func() {
		monitor.DeploymentLatency.Observe(time.Since(start).Seconds())
	}()

	var (
		lastErr  error
		logs     string
		attempts int
	)
	for attempts < d.config.Attempts {
		if attempts > 0 {
			select {
			case <-time.After(d.config.RetryDelay):
			case <-ctx.Done():
			}
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		attempts++
		out, err := d.attempt(ctx, req.TenantID, spec)
		if out != "" {
			logs = out
		}
		lastErr = err
		if err == nil || errors.Is(err, ErrNameInUse) {
			break
		}
		l.Warn("Deployment attempt failed", "attempt", attempts, "max_attempts", d.config.Attempts, "error", err)
	}

	if lastErr != nil {
		monitor.DeploymentsTotal.WithLabelValues("failed").Inc()
		l.Error("Deployment failed", "attempts", attempts, "error", lastErr)
		return "", &DeployError{
			Container: spec.Name,
			Attempts:  attempts,
			Logs:      logs,
			Err:       lastErr,
		}
	}

	if err := d.record(ctx, req, spec.Name); err != nil {
		d.discard(spec.Name)
		monitor.DeploymentsTotal.WithLabelValues("failed").Inc()
		return "", err
	}
	monitor.DeploymentsTotal.WithLabelValues("success").Inc()
	l.Info("Container deployed", "attempts", attempts, "duration", time.Since(start))

	if findings := d.postStartCheck(ctx, spec.Name); len(findings) > 0 {
		l.Warn("Post-start check found problems", "findings", findings)
	}
	return spec.Name, nil
}

// attempt runs one create-and-wait cycle. On failure the container is removed
// and whatever it printed is returned alongside the error.
func (d *Deployer) attempt(ctx context.Context, tenantID string, spec sandbox.CreateSpec) (string, error) {
	if err := d.clearLeftover(ctx, tenantID, spec.Name); err != nil {
		return "", err
	}

	if _, err := d.runtime.Create(ctx, spec); err != nil {
		return "", err
	}

	if err := d.waitRunning(ctx, spec.Name); err != nil {
		logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		logs, logErr := d.runtime.Logs(logCtx, spec.Name, 50, time.Time{})
		cancel()
		if logErr != nil {
			d.logger.Debug("Failed to capture logs of failed container", "container", spec.Name, "error", logErr)
		}
		d.discard(spec.Name)
		return logs, err
	}
	return "", nil
}

// clearLeftover removes a container that still holds name from a crashed
// earlier attempt. A name the pool still tracks is never touched.
func (d *Deployer) clearLeftover(ctx context.Context, tenantID, name string) error {
	_, err := d.store.GetRecord(ctx, name)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrNameInUse, name)
	case !errors.Is(err, poolstore.ErrRecordNotFound):
		return fmt.Errorf("check record of %s: %w", name, err)
	}
	busy, err := d.store.ListBusy(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list busy containers: %w", err)
	}
	if slices.Contains(busy, name) {
		return fmt.Errorf("%w: %s", ErrNameInUse, name)
	}

	if _, err := d.runtime.Inspect(ctx, name); err == nil {
		d.logger.Info("Removing leftover container with the same name", "container", name)
		d.discard(name)
	}
	return nil
}

func (d *Deployer) waitRunning(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		st, err := d.runtime.Inspect(ctx, name)
		switch {
		case err == nil && st.Running:
			return nil
		case err == nil && (st.State == "exited" || st.State == "dead"):
			return fmt.Errorf("%w: state %s", errExited, st.State)
		case errors.Is(err, sandbox.ErrContainerNotFound):
			// 容器退出后被自动删除
			return fmt.Errorf("%w: container disappeared", errExited)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %v", errStartTimeout, d.config.StartTimeout)
		case <-ticker.C:
		}
	}
}

func (d *Deployer) record(ctx context.Context, req LeaseRequest, name string) error {
	now := d.now()
	rec := &poolstore.Record{
		Name:      name,
		TenantID:  req.TenantID,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		RoomName:  req.RoomName,
		Status:    poolstore.StatusBusy,
		CreatedAt: now,
		LastUsed:  now,
	}
	if err := d.store.PutRecord(ctx, rec); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	if err := d.store.MarkBusy(ctx, req.TenantID, name); err != nil {
		_ = d.store.Delete(ctx, req.TenantID, name)
		return fmt.Errorf("mark busy: %w", err)
	}
	return nil
}

// postStartCheck looks at the process table and recent output of a freshly
// started worker. Findings are only logged.
func (d *Deployer) postStartCheck(ctx context.Context, name string) []string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var findings []string
	if res, err := d.runtime.Exec(ctx, name, []string{"ps", "aux"}); err != nil {
		d.logger.Debug("Process check unavailable", "container", name, "error", err)
	} else if countProcesses(res.Stdout) == 0 {
		findings = append(findings, "no worker process running")
	}

	logs, err := d.runtime.Logs(ctx, name, 100, time.Time{})
	if err != nil {
		d.logger.Debug("Log check unavailable", "container", name, "error", err)
		return findings
	}
	for _, p := range fatalLogPatterns {
		if strings.Contains(logs, p) {
			findings = append(findings, "log contains "+p)
		}
	}
	return findings
}

// countProcesses counts ps rows other than the header and ps itself.
func countProcesses(psOutput string) int {
	n := 0
	for i, line := range strings.Split(strings.TrimSpace(psOutput), "\n") {
		if i == 0 || line == "" || strings.Contains(line, "ps aux") {
			continue
		}
		n++
	}
	return n
}

func (d *Deployer) discard(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.runtime.Remove(ctx, name, true); err != nil && !errors.Is(err, sandbox.ErrContainerNotFound) {
		d.logger.Warn("Failed to remove container", "container", name, "error", err)
	}
}
