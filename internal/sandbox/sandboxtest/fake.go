// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentfleet/internal/sandbox"
)

var _ sandbox.Runtime = (*Runtime)(nil)

// Runtime is a fake container runtime. Containers live in a map; tests poke
// their state directly with SetState / SetHealth and read back the recorded
// calls.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*sandbox.Status
	logs       map[string]string
	seq        int

	// CreateFailures makes the next N Create calls fail.
	CreateFailures int
	// ExitOnStart makes created containers land in "exited" with these logs.
	ExitOnStart     bool
	ExitLogs        string
	ExecErr         error
	ExecHook        func(name string, cmd []string) *sandbox.ExecResult
	InspectDelay    time.Duration
	CreateCalls     int
	StopCalls       []string
	RemoveCalls     []string
	ExecCalls       map[string][][]string
	LastCreateSpecs []sandbox.CreateSpec
}

func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*sandbox.Status),
		logs:       make(map[string]string),
		ExecCalls:  make(map[string][][]string),
	}
}

// AddRunning registers an already-running container, as if started by an
// earlier process.
func (r *Runtime) AddRunning(name string, env []string, labels map[string]string, health string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.containers[name] = &sandbox.Status{
		ID:        fmt.Sprintf("fake-%d", r.seq),
		Name:      name,
		State:     "running",
		Running:   true,
		Health:    health,
		CreatedAt: time.Now(),
		Env:       env,
		Labels:    labels,
		IP:        fmt.Sprintf("10.0.0.%d", r.seq),
	}
}

func (r *Runtime) SetState(name, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[name]; ok {
		c.State = state
		c.Running = state == "running"
	}
}

func (r *Runtime) SetHealth(name, health string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[name]; ok {
		c.Health = health
	}
}

// Vanish deletes a container behind the pool manager's back.
func (r *Runtime) Vanish(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, name)
}

func (r *Runtime) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.containers[name]
	return ok
}

func (r *Runtime) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

func (r *Runtime) Stopped(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.StopCalls {
		if n == name {
			return true
		}
	}
	return false
}

func (r *Runtime) Execs(name string) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.ExecCalls[name]...)
}

func (r *Runtime) Create(ctx context.Context, spec sandbox.CreateSpec) (*sandbox.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.CreateCalls++
	r.LastCreateSpecs = append(r.LastCreateSpecs, spec)

	if r.CreateFailures > 0 {
		r.CreateFailures--
		return nil, fmt.Errorf("%w: simulated create failure", sandbox.ErrContainerStartFailed)
	}
	if _, ok := r.containers[spec.Name]; ok {
		return nil, fmt.Errorf("%w: name %s already in use", sandbox.ErrContainerStartFailed, spec.Name)
	}

	r.seq++
	st := &sandbox.Status{
		ID:        fmt.Sprintf("fake-%d", r.seq),
		Name:      spec.Name,
		State:     "running",
		Running:   true,
		CreatedAt: time.Now(),
		Env:       spec.Env,
		Labels:    spec.Labels,
		IP:        fmt.Sprintf("10.0.0.%d", r.seq),
	}
	if r.ExitOnStart {
		st.State = "exited"
		st.Running = false
		r.logs[spec.Name] = r.ExitLogs
	}
	r.containers[spec.Name] = st

	cp := *st
	return &cp, nil
}

func (r *Runtime) Inspect(ctx context.Context, name string) (*sandbox.Status, error) {
	if r.InspectDelay > 0 {
		select {
		case <-time.After(r.InspectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return nil, sandbox.ErrContainerNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *Runtime) Logs(ctx context.Context, name string, tail int, since time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[name]; !ok {
		return "", sandbox.ErrContainerNotFound
	}
	out := r.logs[name]
	if tail > 0 {
		lines := strings.Split(out, "\n")
		if len(lines) > tail {
			out = strings.Join(lines[len(lines)-tail:], "\n")
		}
	}
	return out, nil
}

func (r *Runtime) SetLogs(name, logs string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[name] = logs
}

func (r *Runtime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StopCalls = append(r.StopCalls, name)
	c, ok := r.containers[name]
	if !ok {
		return sandbox.ErrContainerNotFound
	}
	c.State = "exited"
	c.Running = false
	return nil
}

func (r *Runtime) Remove(ctx context.Context, name string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RemoveCalls = append(r.RemoveCalls, name)
	if _, ok := r.containers[name]; !ok {
		return sandbox.ErrContainerNotFound
	}
	delete(r.containers, name)
	delete(r.logs, name)
	return nil
}

func (r *Runtime) Exec(ctx context.Context, name string, cmd []string) (*sandbox.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return nil, sandbox.ErrContainerNotFound
	}
	if !c.Running {
		return nil, fmt.Errorf("%w: container %s is not running", sandbox.ErrExecFailed, name)
	}
	r.ExecCalls[name] = append(r.ExecCalls[name], cmd)
	if r.ExecErr != nil {
		return nil, r.ExecErr
	}
	if r.ExecHook != nil {
		if res := r.ExecHook(name, cmd); res != nil {
			return res, nil
		}
	}
	return &sandbox.ExecResult{}, nil
}

func (r *Runtime) List(ctx context.Context, filter sandbox.ListFilter) ([]sandbox.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []sandbox.Status
	for _, c := range r.containers {
		if filter.RunningOnly && !c.Running {
			continue
		}
		match := true
		for k, v := range filter.Labels {
			if c.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, *c)
		}
	}
	return out, nil
}
