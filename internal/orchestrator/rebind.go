package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentfleet/internal/sandbox"
)

// SessionFile is where a worker reads its current session binding.
const SessionFile = "/run/agent/session.json"

type SessionBinding struct {
	TenantID  string    `json:"tenant_id"`
	AgentID   string    `json:"agent_id"`
	SessionID string    `json:"session_id"`
	RoomName  string    `json:"room_name"`
	LeasedAt  time.Time `json:"leased_at"`
}

var _ Rebinder = (*ExecRebinder)(nil)

// ExecRebinder writes the binding into the container through exec. The file
// is replaced with a rename so the worker never reads a partial write.
type ExecRebinder struct {
	runtime sandbox.Runtime
}

func NewExecRebinder(runtime sandbox.Runtime) *ExecRebinder {
	return &ExecRebinder{runtime: runtime}
}

func (r *ExecRebinder) Rebind(ctx context.Context, name string, binding SessionBinding) error {
	payload, err := json.Marshal(binding)
	if err != nil {
		return fmt.Errorf("marshal session binding: %w", err)
	}

	res, err := r.runtime.Exec(ctx, name, RebindCommand(payload))
	if err != nil {
		return fmt.Errorf("rebind exec: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rebind exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// RebindCommand is the exec command that installs payload as SessionFile.
// The payload travels as a positional argument, never through the script.
func RebindCommand(payload []byte) []string {
	script := `set -e
dir=$(dirname "` + SessionFile + `")
mkdir -p "$dir"
printf '%s' "$1" > "` + SessionFile + `.tmp"
mv "` + SessionFile + `.tmp" "` + SessionFile + `"`
	return []string{"sh", "-c", script, "rebind", string(payload)}
}
