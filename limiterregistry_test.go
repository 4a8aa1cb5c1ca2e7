package flowmesh

import (
	"context"
	"testing"
)

func TestLimiterRegistryEnsureVersionBuildsLimiters(t *testing.T) {
	reg := NewLimiterRegistry(nil)
	reg.EnsureVersion(context.Background(), 1, map[string]int{"rank.echo": 4, "rank.score": 2})

	echo := reg.Get("rank.echo")
	if echo == nil {
		t.Fatal("expected a limiter for rank.echo")
	}
	if echo.Capacity() != 4 {
		t.Errorf("expected capacity 4, got %d", echo.Capacity())
	}
	if reg.Get("rank.missing") != nil {
		t.Error("expected nil for an unconfigured limitKey")
	}
	if reg.ConfigVersion() != 1 {
		t.Errorf("expected config version 1, got %d", reg.ConfigVersion())
	}
	if reg.Generation() != 1 {
		t.Errorf("expected generation 1 after first build, got %d", reg.Generation())
	}
}

func TestLimiterRegistrySameVersionIsNoOp(t *testing.T) {
	reg := NewLimiterRegistry(nil)
	reg.EnsureVersion(context.Background(), 1, map[string]int{"rank.echo": 4})
	before := reg.Get("rank.echo")

	reg.EnsureVersion(context.Background(), 1, map[string]int{"rank.echo": 99})
	after := reg.Get("rank.echo")

	if before != after {
		t.Fatal("expected re-calling EnsureVersion at the same config version to be a no-op")
	}
	if reg.Generation() != 1 {
		t.Errorf("expected generation to stay at 1, got %d", reg.Generation())
	}
}

func TestLimiterRegistryUnchangedCapacityKeepsSameLimiter(t *testing.T) {
	reg := NewLimiterRegistry(nil)
	reg.EnsureVersion(context.Background(), 1, map[string]int{"rank.echo": 4})
	before := reg.Get("rank.echo")

	lease, ok := before.TryAcquire(context.Background())
	if !ok {
		t.Fatal("expected acquire to succeed")
	}

	reg.EnsureVersion(context.Background(), 2, map[string]int{"rank.echo": 4})
	after := reg.Get("rank.echo")

	if before != after {
		t.Fatal("expected the same *Limiter to be reused when capacity is unchanged across a rebuild")
	}
	if after.InFlight() != 1 {
		t.Fatal("expected the in-flight lease acquired before the rebuild to still be held")
	}
	lease.Release()
}

func TestLimiterRegistryChangedCapacityRebuildsLimiter(t *testing.T) {
	reg := NewLimiterRegistry(nil)
	reg.EnsureVersion(context.Background(), 1, map[string]int{"rank.echo": 2})
	before := reg.Get("rank.echo")

	reg.EnsureVersion(context.Background(), 2, map[string]int{"rank.echo": 8})
	after := reg.Get("rank.echo")

	if before == after {
		t.Fatal("expected a capacity change to rebuild the limiter")
	}
	if after.Capacity() != 8 {
		t.Errorf("expected new capacity 8, got %d", after.Capacity())
	}
	if reg.Generation() != 2 {
		t.Errorf("expected generation 2, got %d", reg.Generation())
	}
}

func TestLimiterRegistryNeverRegresses(t *testing.T) {
	reg := NewLimiterRegistry(nil)
	reg.EnsureVersion(context.Background(), 5, map[string]int{"rank.echo": 4})
	reg.EnsureVersion(context.Background(), 3, map[string]int{"rank.echo": 99})

	if reg.ConfigVersion() != 5 {
		t.Fatalf("expected config version to stay at 5, got %d", reg.ConfigVersion())
	}
	if reg.Get("rank.echo").Capacity() != 4 {
		t.Fatal("expected an older configVersion call to never regress an already-current registry")
	}
}
