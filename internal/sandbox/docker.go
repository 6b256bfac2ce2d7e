package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

var _ Runtime = (*Docker)(nil)

// Docker implements Runtime against a local docker daemon.
type Docker struct {
	client client.APIClient
	logger *slog.Logger
}

func NewDocker(cli client.APIClient, logger *slog.Logger) *Docker {
	return &Docker{
		client: cli,
		logger: logger.With("component", "docker-runtime"),
	}
}

func (d *Docker) ensureImage(ctx context.Context, ref string) error {
	_, err := d.client.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	d.logger.Info("Image not found, pulling...", "image", ref)
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}
	defer reader.Close()

	// 异步读取 pull 输出
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
		}
		d.logger.Info("Image pull completed", "image", ref)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrImagePullFailed, ctx.Err())
	}
}

func (d *Docker) Create(ctx context.Context, spec CreateSpec) (*Status, error) {
	l := d.logger.With("container", spec.Name)
	l.Info("Creating container", "image", spec.Image)

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   spec.MemoryLimit,
			NanoCPUs: int64(spec.CPUQuota * 1e9),
		},
		AutoRemove: false,
	}

	var netCfg *network.NetworkingConfig
	if spec.NetworkName != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkName)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.NetworkName: {},
			},
		}
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		l.Error("Failed to create container", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.Error("Failed to start container", "error", err)
		// 启动失败时清理容器
		_ = d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	st, err := d.Inspect(ctx, spec.Name)
	if err != nil {
		return nil, err
	}

	l.Info("Container started", "container_id", resp.ID)
	return st, nil
}

func (d *Docker) Inspect(ctx context.Context, name string) (*Status, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return nil, fmt.Errorf("failed to inspect container: incomplete response for %s", name)
	}

	st := &Status{
		ID:      inspect.ID,
		Name:    strings.TrimPrefix(inspect.Name, "/"),
		State:   string(inspect.State.Status),
		Running: inspect.State.Running,
	}
	if inspect.State.Health != nil {
		st.Health = string(inspect.State.Health.Status)
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		st.CreatedAt = created
	}
	if inspect.Config != nil {
		st.Env = inspect.Config.Env
		st.Labels = inspect.Config.Labels
	}
	if inspect.NetworkSettings != nil {
		for _, n := range inspect.NetworkSettings.Networks {
			if n != nil && n.IPAddress != "" {
				st.IP = n.IPAddress
				break
			}
		}
	}

	return st, nil
}

func (d *Docker) Logs(ctx context.Context, name string, tail int, since time.Time) (string, error) {
	tailStr := "all"
	if tail > 0 {
		tailStr = fmt.Sprintf("%d", tail)
	}

	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailStr,
	}
	if !since.IsZero() {
		opts.Since = since.Format(time.RFC3339)
	}

	render, err := d.client.ContainerLogs(ctx, name, opts)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", ErrContainerNotFound
		}
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer render.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, render)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return stdoutBuf.String() + stderrBuf.String(), nil
}

func (d *Docker) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}

	d.logger.Info("Container stopped", "container", name)
	return nil
}

func (d *Docker) Remove(ctx context.Context, name string, force bool) error {
	if err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: force}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}

	d.logger.Info("Container removed", "container", name)
	return nil
}

func (d *Docker) Exec(ctx context.Context, name string, cmd []string) (*ExecResult, error) {
	createdResp, err := d.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, fmt.Errorf("%w: failed to create exec: %v", ErrExecFailed, err)
	}

	attachResp, err := d.client.ContainerExecAttach(ctx, createdResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to attach to exec: %v", ErrExecFailed, err)
	}
	defer attachResp.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	start := time.Now()

	done := make(chan struct{})
	go func() {
		// TTY=false 时 docker 使用多路复用格式，stdcopy 负责拆分
		_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspectResp, err := d.client.ContainerExecInspect(ctx, createdResp.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to inspect exec: %v", ErrExecFailed, err)
	}

	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}, nil
}

func (d *Docker) List(ctx context.Context, filter ListFilter) ([]Status, error) {
	args := filters.NewArgs()
	for k, v := range filter.Labels {
		args.Add("label", k+"="+v)
	}
	if filter.RunningOnly {
		args.Add("status", "running")
	}

	summaries, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     !filter.RunningOnly,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]Status, 0, len(summaries))
	for _, s := range summaries {
		st, err := d.Inspect(ctx, s.ID)
		if err != nil {
			// 列表与 inspect 之间容器可能已被删除
			d.logger.Warn("Skipping container that vanished during list", "container_id", s.ID, "error", err)
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}
