package ecs

import "testing"

func TestEntityGenerationDetectsStaleHandles(t *testing.T) {
	r := New(Options{})
	e, err := r.CreateEntity()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !r.IsAlive(e) {
		t.Fatal("fresh entity should be alive")
	}
	if err := r.DestroyEntity(e); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if r.IsAlive(e) {
		t.Fatal("destroyed entity should not be alive")
	}

	e2, err := r.CreateEntity()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e2.Index != e.Index {
		t.Fatalf("expected recycled index %d, got %d", e.Index, e2.Index)
	}
	if e2.Generation == e.Generation {
		t.Fatal("recycled index must carry a new generation")
	}
	if r.IsAlive(e) {
		t.Fatal("stale handle must stay dead after index reuse")
	}
	if !r.IsAlive(e2) {
		t.Fatal("new handle should be alive")
	}
}

func TestDestroyTwiceReturnsNotAlive(t *testing.T) {
	r := New(Options{})
	e, _ := r.CreateEntity()
	if err := r.DestroyEntity(e); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := r.DestroyEntity(e); err != ErrNotAlive {
		t.Fatalf("expected ErrNotAlive, got %v", err)
	}
}

func TestNullEntityIsNeverAlive(t *testing.T) {
	r := New(Options{})
	if r.IsAlive(NullEntity) {
		t.Fatal("null entity must not be alive")
	}
	if !NullEntity.IsNull() {
		t.Fatal("zero entity should be null")
	}
}

func TestReserveIDRangeForcesFloor(t *testing.T) {
	r := New(Options{})
	e, _ := r.CreateEntity()
	r.DestroyEntity(e) // index returns to the free list

	r.ReserveIDRange(10)
	e2, _ := r.CreateEntity()
	if e2.Index < 10 {
		t.Fatalf("expected index >= 10 after reserve, got %d", e2.Index)
	}

	// Frees above the floor are still recycled.
	r.DestroyEntity(e2)
	e3, _ := r.CreateEntity()
	if e3.Index != e2.Index {
		t.Fatalf("expected recycled index %d, got %d", e2.Index, e3.Index)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	r := New(Options{})
	e, _ := r.CreateEntity()
	if got := r.Lifecycle(e); got != LifecycleActive {
		t.Fatalf("new entity should be Active, got %v", got)
	}
	if err := r.SetLifecycle(e, LifecycleDying); err != nil {
		t.Fatalf("set lifecycle: %v", err)
	}
	if got := r.Lifecycle(e); got != LifecycleDying {
		t.Fatalf("expected Dying, got %v", got)
	}
	r.DestroyEntity(e)
	if got := r.Lifecycle(e); got != LifecycleDestroyed {
		t.Fatalf("expected Destroyed for dead handle, got %v", got)
	}
	if err := r.SetLifecycle(e, LifecycleActive); err != ErrNotAlive {
		t.Fatalf("expected ErrNotAlive, got %v", err)
	}
}
