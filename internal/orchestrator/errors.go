package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingCredentials 缺少实时后端的 URL/key/secret，拒绝部署，不重试
	ErrMissingCredentials = errors.New("missing realtime credentials")
	ErrUnknownTier        = errors.New("unknown resource tier")
	ErrNoLease            = errors.New("no active lease for session")
	ErrLeaseExists        = errors.New("session already holds a lease")
	ErrDeployFailed       = errors.New("container deployment failed")
	ErrInvalidRequest     = errors.New("invalid lease request")
	// ErrNameInUse 容器名仍被池中的记录占用
	ErrNameInUse          = errors.New("container name still in use")
)

// DeployError is returned once every deployment attempt has failed.
type DeployError struct {
	Container string
	Attempts  int
	Logs      string // tail of the container's output, when it ran at all
	Err       error
}

func (e *DeployError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %s after %d attempt(s): %v", ErrDeployFailed, e.Container, e.Attempts, e.Err)
	if e.Logs != "" {
		fmt.Fprintf(&b, "\n--- container logs ---\n%s", e.Logs)
	}
	return b.String()
}

func (e *DeployError) Unwrap() []error {
	return []error{ErrDeployFailed, e.Err}
}
