package orchestrator

import (
	"context"
	"fmt"
	"time"

	"agentfleet/internal/sandbox"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var _ Prober = (*GRPCProber)(nil)

// GRPCProber asks the worker's gRPC health service whether it is serving.
type GRPCProber struct {
	port    int
	timeout time.Duration
}

func NewGRPCProber(port int, timeout time.Duration) *GRPCProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &GRPCProber{port: port, timeout: timeout}
}

func (p *GRPCProber) Probe(ctx context.Context, st *sandbox.Status) error {
	if st.IP == "" {
		return fmt.Errorf("container %s has no network address", st.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	target := fmt.Sprintf("%s:%d", st.IP, p.port)
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to dial worker: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("worker reports %s", resp.GetStatus())
	}
	return nil
}
