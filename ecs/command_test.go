package ecs

import "testing"

func TestCommandBufferCreateResolvesPlaceholders(t *testing.T) {
	r, _, _ := newTestRepo(t)
	cb := r.NewCommandBuffer()

	e := cb.Create()
	if e.Index&placeholderFlag == 0 {
		t.Fatal("created handle should be a placeholder")
	}
	SetCmd(cb, e, testPosition{1, 2, 3})
	SetCmd(cb, e, testVelocity{4, 5, 6})

	if err := cb.Playback(r); err != nil {
		t.Fatalf("playback: %v", err)
	}
	// The placeholder resolved to one real entity with both components.
	posID := TypeOf[testPosition](r)
	velID := TypeOf[testVelocity](r)
	f := r.NewFilter().With(posID, velID)
	if got := f.Count(); got != 1 {
		t.Fatalf("expected 1 entity after playback, got %d", got)
	}
	f.ForEach(func(c *Cursor) {
		if p := Col[testPosition](c); *p != (testPosition{1, 2, 3}) {
			t.Fatalf("position wrong: %+v", *p)
		}
	})
}

func TestCommandBufferOrderIsPreserved(t *testing.T) {
	r, _, _ := newTestRepo(t)
	e, _ := r.CreateEntity()
	cb := r.NewCommandBuffer()
	SetCmd(cb, e, testPosition{1, 0, 0})
	SetCmd(cb, e, testPosition{2, 0, 0})
	if err := cb.Playback(r); err != nil {
		t.Fatalf("playback: %v", err)
	}
	pos, _ := Get[testPosition](r, e)
	if pos.X != 2 {
		t.Fatalf("last write must win, got %+v", pos)
	}
}

func TestCommandBufferDestroyTwiceIsNoOp(t *testing.T) {
	r, _, _ := newTestRepo(t)
	e, _ := r.CreateEntity()
	cb := r.NewCommandBuffer()
	cb.Destroy(e)
	cb.Destroy(e)
	if err := cb.Playback(r); err != nil {
		t.Fatalf("playback: %v", err)
	}
	if r.IsAlive(e) {
		t.Fatal("entity should be destroyed")
	}
	if r.DroppedOps() != 0 {
		t.Fatalf("double destroy must not count as a dropped op, got %d", r.DroppedOps())
	}
}

func TestCommandBufferDropsOpsOnDeadEntities(t *testing.T) {
	r, _, _ := newTestRepo(t)
	e, _ := r.CreateEntity()
	cb := r.NewCommandBuffer()
	SetCmd(cb, e, testPosition{1, 2, 3})

	r.DestroyEntity(e) // dies before playback
	if err := cb.Playback(r); err != nil {
		t.Fatalf("playback: %v", err)
	}
	if r.DroppedOps() != 1 {
		t.Fatalf("expected 1 dropped op, got %d", r.DroppedOps())
	}
}

func TestCommandBufferManagedOps(t *testing.T) {
	r, _, _ := newTestRepo(t)
	RegisterManaged[string](r, 0)
	e, _ := r.CreateEntity()

	cb := r.NewCommandBuffer()
	SetManagedCmd(cb, e, "hello")
	if err := cb.Playback(r); err != nil {
		t.Fatalf("playback: %v", err)
	}
	v, ok := GetManaged[string](r, e)
	if !ok || v != "hello" {
		t.Fatalf("managed set lost: %q ok=%v", v, ok)
	}

	cb.Reset()
	RemoveManagedCmd[string](cb, e)
	if err := cb.Playback(r); err != nil {
		t.Fatalf("playback: %v", err)
	}
	if HasManaged[string](r, e) {
		t.Fatal("managed component should be removed")
	}
}

func TestCommandBufferLifecycle(t *testing.T) {
	r, _, _ := newTestRepo(t)
	e, _ := r.CreateEntity()
	cb := r.NewCommandBuffer()
	cb.SetLifecycle(e, LifecycleConstructing)
	if err := cb.Playback(r); err != nil {
		t.Fatalf("playback: %v", err)
	}
	if got := r.Lifecycle(e); got != LifecycleConstructing {
		t.Fatalf("expected Constructing, got %v", got)
	}
}

func TestCommandBufferPublishesEvents(t *testing.T) {
	type hit struct{ Damage int32 }
	r, _, _ := newTestRepo(t)
	RegisterEvent[hit](r)

	cb := r.NewCommandBuffer()
	PublishCmd(cb, hit{Damage: 12})
	if err := cb.Playback(r); err != nil {
		t.Fatalf("playback: %v", err)
	}
	// Published into next; visible after the swap.
	if got := ConsumeEvents[hit](r); len(got) != 0 {
		t.Fatalf("events must not be visible before the swap, got %d", len(got))
	}
	r.bus.swapBuffers()
	got := ConsumeEvents[hit](r)
	if len(got) != 1 || got[0].Damage != 12 {
		t.Fatalf("expected the published event, got %v", got)
	}
}

func TestCommandBufferReset(t *testing.T) {
	r, _, _ := newTestRepo(t)
	e, _ := r.CreateEntity()
	cb := r.NewCommandBuffer()
	SetCmd(cb, e, testPosition{1, 0, 0})
	cb.Reset()
	if cb.Len() != 0 {
		t.Fatalf("reset buffer should be empty, got %d ops", cb.Len())
	}
	if err := cb.Playback(r); err != nil {
		t.Fatalf("playback of empty buffer: %v", err)
	}
	if Has[testPosition](r, e) {
		t.Fatal("reset must discard recorded ops")
	}
}
