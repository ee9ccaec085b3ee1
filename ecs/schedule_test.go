package ecs

import (
	"errors"
	"testing"
)

func namedSystem(name string, phase Phase, log *[]string) *SystemFunc {
	return &SystemFunc{
		SystemName: name,
		RunPhase:   phase,
		Fn: func(ctx *SystemContext) error {
			*log = append(*log, name)
			return nil
		},
	}
}

func TestTickAdvancesVersionByOne(t *testing.T) {
	r := New(Options{})
	s := NewScheduler(r, nil)
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := s.Tick(0.5); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if r.Version() != uint64(i) {
			t.Fatalf("version %d after tick %d", r.Version(), i)
		}
	}
	gt := Singleton[GlobalTime](r)
	if gt.FrameNumber != 3 {
		t.Fatalf("frame number %d, want 3", gt.FrameNumber)
	}
	if gt.TotalTime != 1.5 {
		t.Fatalf("total time %f, want 1.5", gt.TotalTime)
	}
	if gt.DeltaTime != 0.5 {
		t.Fatalf("delta %f, want 0.5", gt.DeltaTime)
	}
}

func TestPhaseAndInsertionOrder(t *testing.T) {
	r := New(Options{})
	s := NewScheduler(r, nil)
	var log []string
	// Registered out of phase order on purpose.
	s.Add(namedSystem("present", PhasePresentation, &log))
	s.Add(namedSystem("simA", PhaseSimulation, &log))
	s.Add(namedSystem("pre", PhasePreSimulation, &log))
	s.Add(namedSystem("simB", PhaseSimulation, &log))
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.Tick(0.016); err != nil {
		t.Fatalf("tick: %v", err)
	}
	want := []string{"pre", "simA", "simB", "present"}
	if len(log) != len(want) {
		t.Fatalf("expected %d runs, got %v", len(want), log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("order wrong at %d: got %v, want %v", i, log, want)
		}
	}
}

func TestExplicitDependencyReordersWithinPhase(t *testing.T) {
	r := New(Options{})
	s := NewScheduler(r, nil)
	var log []string
	s.AddAfter(namedSystem("late", PhaseSimulation, &log), "early")
	s.Add(namedSystem("early", PhaseSimulation, &log))
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.Tick(0.016); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if log[0] != "early" || log[1] != "late" {
		t.Fatalf("dependency not honored: %v", log)
	}
}

func TestUnknownDependencyFailsInit(t *testing.T) {
	r := New(Options{})
	s := NewScheduler(r, nil)
	var log []string
	s.AddAfter(namedSystem("sys", PhaseSimulation, &log), "ghost")
	if err := s.Init(); !errors.Is(err, ErrUnknownSystem) {
		t.Fatalf("expected ErrUnknownSystem, got %v", err)
	}
}

func TestPermissionConflictsAbortInit(t *testing.T) {
	r, posID, velID := newTestRepo(t)

	writer := func(name string) *SystemFunc {
		return &SystemFunc{
			SystemName: name,
			RunPhase:   PhaseSimulation,
			WriteSet:   []TypeID{posID},
			Fn:         func(*SystemContext) error { return nil },
		}
	}

	s := NewScheduler(r, nil)
	s.Add(writer("w1"))
	s.Add(writer("w2"))
	if err := s.Init(); err == nil {
		t.Fatal("two writers of one type in a phase must fail init")
	}

	s = NewScheduler(r, nil)
	s.Add(writer("w1"))
	s.Add(&SystemFunc{
		SystemName: "reader",
		RunPhase:   PhaseSimulation,
		ReadSet:    []TypeID{posID},
		Fn:         func(*SystemContext) error { return nil },
	})
	if err := s.Init(); err == nil {
		t.Fatal("reader plus writer of one type in a phase must fail init")
	}

	// Different phases do not conflict.
	s = NewScheduler(r, nil)
	s.Add(writer("w1"))
	s.Add(&SystemFunc{
		SystemName: "reader",
		RunPhase:   PhasePresentation,
		ReadSet:    []TypeID{posID},
		Fn:         func(*SystemContext) error { return nil },
	})
	if err := s.Init(); err != nil {
		t.Fatalf("cross-phase read/write should pass: %v", err)
	}

	// Disjoint types do not conflict.
	s = NewScheduler(r, nil)
	s.Add(writer("w1"))
	s.Add(&SystemFunc{
		SystemName: "velwriter",
		RunPhase:   PhaseSimulation,
		WriteSet:   []TypeID{velID},
		Fn:         func(*SystemContext) error { return nil },
	})
	if err := s.Init(); err != nil {
		t.Fatalf("disjoint write sets should pass: %v", err)
	}
}

func TestFailingSystemAbortsTick(t *testing.T) {
	r, _, _ := newTestRepo(t)
	s := NewScheduler(r, nil)
	boom := errors.New("boom")
	var ran []string

	s.Add(&SystemFunc{
		SystemName: "ok",
		RunPhase:   PhaseSimulation,
		Fn: func(ctx *SystemContext) error {
			ran = append(ran, "ok")
			return nil
		},
	})
	s.Add(&SystemFunc{
		SystemName: "fails",
		RunPhase:   PhaseSimulation,
		Fn: func(ctx *SystemContext) error {
			e := ctx.Commands.Create()
			SetCmd(ctx.Commands, e, testPosition{1, 1, 1})
			ran = append(ran, "fails")
			return boom
		},
	})
	s.Add(&SystemFunc{
		SystemName: "never",
		RunPhase:   PhasePresentation,
		Fn: func(ctx *SystemContext) error {
			ran = append(ran, "never")
			return nil
		},
	})
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	err := s.Tick(0.016)
	if !errors.Is(err, boom) {
		t.Fatalf("expected the system error, got %v", err)
	}
	if len(ran) != 2 || ran[1] != "fails" {
		t.Fatalf("later phases must not run after a failure: %v", ran)
	}
	// The failing system's command buffer was discarded: no entity with
	// position exists.
	if got := r.NewFilter().With(TypeOf[testPosition](r)).Count(); got != 0 {
		t.Fatalf("discarded buffer leaked %d entities", got)
	}
}

func TestSystemWritesVisibleToLaterSystemsSameTick(t *testing.T) {
	r, _, _ := newTestRepo(t)
	s := NewScheduler(r, nil)
	var seen int

	s.Add(&SystemFunc{
		SystemName: "producer",
		RunPhase:   PhaseSimulation,
		Fn: func(ctx *SystemContext) error {
			e := ctx.Commands.Create()
			SetCmd(ctx.Commands, e, testPosition{7, 0, 0})
			return nil
		},
	})
	s.Add(&SystemFunc{
		SystemName: "observer",
		RunPhase:   PhasePostSimulation,
		Fn: func(ctx *SystemContext) error {
			seen = ctx.Repo.NewFilter().With(TypeOf[testPosition](ctx.Repo)).Count()
			return nil
		},
	})
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.Tick(0.016); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if seen != 1 {
		t.Fatalf("producer's replayed writes must be visible in the same tick, saw %d", seen)
	}
}

func TestEventsVisibleNextTick(t *testing.T) {
	type ping struct{ N int32 }
	r := New(Options{})
	RegisterEvent[ping](r)
	s := NewScheduler(r, nil)

	var perTick []int
	s.Add(&SystemFunc{
		SystemName: "pinger",
		RunPhase:   PhaseSimulation,
		Fn: func(ctx *SystemContext) error {
			perTick = append(perTick, len(ConsumeEvents[ping](ctx.Repo)))
			PublishEvent(ctx.Repo, ping{N: 1})
			return nil
		},
	})
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Tick(0.016); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	want := []int{0, 1, 1}
	for i := range want {
		if perTick[i] != want[i] {
			t.Fatalf("tick %d saw %d events, want %d", i, perTick[i], want[i])
		}
	}
}

func TestTickBeforeInitFails(t *testing.T) {
	r := New(Options{})
	s := NewScheduler(r, nil)
	if err := s.Tick(0.016); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
