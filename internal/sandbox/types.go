package sandbox

import (
	"regexp"
	"strings"
	"time"
)

const (
	LabelManagedBy = "managed_by"
	LabelTenantID  = "tenant_id"
	LabelAgentID   = "agent_id"
	LabelSessionID = "session_id"
	LabelTier      = "tier"

	ManagedByValue = "agent-fleet"
)

// Runtime health values as reported by the container's HEALTHCHECK.
const (
	HealthNone      = ""
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

type CreateSpec struct {
	Name        string
	Image       string
	Env         []string
	Labels      map[string]string
	Cmd         []string
	MemoryLimit int64   // bytes
	CPUQuota    float64 // cores
	NetworkName string
}

type Status struct {
	ID        string
	Name      string
	State     string // running, exited, created, ...
	Running   bool
	Health    string
	CreatedAt time.Time
	Env       []string
	Labels    map[string]string
	IP        string
}

// Healthy reports whether the runtime has no objection to the container: it
// is running and its healthcheck, if any, is not failing.
func (s *Status) Healthy() bool {
	return s.Running && s.Health != HealthUnhealthy
}

// EnvValue returns the value of key from the container's launch environment.
func (s *Status) EnvValue(key string) string {
	prefix := key + "="
	for _, kv := range s.Env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}

type ListFilter struct {
	Labels      map[string]string
	RunningOnly bool
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func sanitize(s string, max int) string {
	s = invalidNameChars.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-.")
	if len(s) > max {
		s = s[:max]
	}
	if s == "" {
		s = "x"
	}
	return s
}

// ContainerName derives the base worker container name from its owner and the
// session that caused its creation. The same inputs always give the same name;
// deployments append a unique suffix to it.
func ContainerName(tenantID, agentID, sessionID string) string {
	return "agent-worker-" + sanitize(tenantID, 24) + "-" + sanitize(agentID, 24) + "-" + sanitize(sessionID, 12)
}
