package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"
)

func TestScaleToFloor(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	now := time.Now()
	for i := range 3 {
		f.seedIdle(fmt.Sprintf("c%d", i), now.Add(-45*time.Minute), 1)
	}

	s := NewScaler(f.store, f.rt, PoolConfig{IdleTimeout: 30 * time.Minute, MinPoolSize: 1}, f.logger, nil)
	if n := s.Sweep(context.Background()); n != 2 {
		t.Errorf("Expected 2 evictions, got %d", n)
	}
	if idle := f.idle(); len(idle) != 1 {
		t.Errorf("Expected floor of 1 idle container, got %v", idle)
	}
	if f.rt.Count() != 1 {
		t.Errorf("Expected 1 container left, got %d", f.rt.Count())
	}
}

func TestScaleEvictsOldestFirst(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	now := time.Now()
	f.seedIdle("oldest", now.Add(-3*time.Hour), 1)
	f.seedIdle("older", now.Add(-2*time.Hour), 1)
	f.seedIdle("old", now.Add(-time.Hour), 1)
	f.seedIdle("recent", now.Add(-time.Minute), 1)

	s := NewScaler(f.store, f.rt, PoolConfig{IdleTimeout: 30 * time.Minute, MinPoolSize: 2}, f.logger, nil)
	if n := s.Sweep(context.Background()); n != 2 {
		t.Errorf("Expected 2 evictions, got %d", n)
	}

	idle := slices.Sorted(slices.Values(f.idle()))
	if !slices.Equal(idle, []string{"old", "recent"}) {
		t.Errorf("Expected old and recent to survive, got %v", idle)
	}
}

func TestScaleToZero(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	now := time.Now()
	f.seedIdle("stale", now.Add(-2*time.Hour), 1)
	f.seedIdle("fresh", now.Add(-5*time.Minute), 1)

	s := NewScaler(f.store, f.rt, PoolConfig{IdleTimeout: 30 * time.Minute, MinPoolSize: 0}, f.logger, nil)
	if n := s.Sweep(context.Background()); n != 1 {
		t.Errorf("Expected 1 eviction, got %d", n)
	}
	if idle := f.idle(); !slices.Equal(idle, []string{"fresh"}) {
		t.Errorf("Expected only fresh left, got %v", idle)
	}
}

func TestScaleSkipsTenantAtFloor(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	f.seedIdle("a", time.Now().Add(-time.Hour), 1)
	f.seedIdle("b", time.Now().Add(-time.Hour), 1)

	s := NewScaler(f.store, f.rt, PoolConfig{IdleTimeout: time.Minute, MinPoolSize: 2}, f.logger, nil)
	if n := s.Sweep(context.Background()); n != 0 {
		t.Errorf("Expected no evictions at the floor, got %d", n)
	}
}

func TestScaleLeavesBusyContainersAlone(t *testing.T) {
	f := newFixture(t, PoolConfig{})
	leased := f.acquire("s1")
	f.seedIdle("stale", time.Now().Add(-time.Hour), 1)

	s := NewScaler(f.store, f.rt, PoolConfig{IdleTimeout: time.Minute}, f.logger, nil)
	if n := s.Sweep(context.Background()); n != 1 {
		t.Errorf("Expected stale to be evicted, got %d evictions", n)
	}

	if !f.rt.Exists(leased.Container) {
		t.Error("Leased container was evicted")
	}
}
