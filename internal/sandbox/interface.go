package sandbox

import (
	"context"
	"errors"
	"time"
)

// Runtime implementations wrap their failures with these so callers can
// branch without knowing the backend.
var (
	// ErrContainerNotFound 由 Inspect/Stop/Remove/Exec/Logs 在容器不存在时返回
	ErrContainerNotFound    = errors.New("container not found")
	ErrContainerStartFailed = errors.New("failed to start container")
	ErrExecFailed           = errors.New("exec failed")
	ErrImagePullFailed      = errors.New("failed to pull image")
)

// Runtime is the container runtime client the pool manager drives. All calls
// are blocking I/O; callers bound them with context deadlines.
type Runtime interface {
	// Create creates and starts a container. The returned status reflects the
	// state right after start.
	Create(ctx context.Context, spec CreateSpec) (*Status, error)
	Inspect(ctx context.Context, name string) (*Status, error)
	Logs(ctx context.Context, name string, tail int, since time.Time) (string, error)
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string, force bool) error
	Exec(ctx context.Context, name string, cmd []string) (*ExecResult, error)
	List(ctx context.Context, filter ListFilter) ([]Status, error)
}
