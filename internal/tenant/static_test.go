package tenant

import (
	"context"
	"testing"
)

func TestStaticRepositoryDefaults(t *testing.T) {
	r := NewStaticRepository()
	ctx := context.Background()

	tn, err := r.GetTenant(ctx, "unknown")
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if tn.ID != "unknown" || tn.Tier != "" || tn.RealtimeURL != "" {
		t.Errorf("Expected empty tenant, got %+v", tn)
	}

	if err := r.SaveTenant(ctx, &Tenant{ID: "t1", Tier: "pro"}); err != nil {
		t.Fatalf("SaveTenant: %v", err)
	}
	tn, _ = r.GetTenant(ctx, "t1")
	if tn.Tier != "pro" || tn.CreatedAt.IsZero() {
		t.Errorf("Unexpected saved tenant: %+v", tn)
	}

	if err := r.SaveAgent(ctx, &Agent{ID: "a1", TenantID: "t1", Image: "img"}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	a, _ := r.GetAgent(ctx, "t1", "a1")
	if a.Image != "img" {
		t.Errorf("Unexpected agent: %+v", a)
	}
	a, _ = r.GetAgent(ctx, "t2", "a1")
	if a.Image != "" {
		t.Error("Agents must be scoped by tenant")
	}
}
