package ecs

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pjanec/fastdataplane/internal/logging"
)

var (
	ErrNotInitialized = errors.New("scheduler not initialized")
	ErrUnknownSystem  = errors.New("unknown system dependency")
	ErrDependencyLoop = errors.New("system dependency loop")
)

// Phase is a coarse ordering slot. Phases run in declaration order each
// tick; the event bus swaps at the end of PostSimulation.
type Phase uint8

const (
	PhasePreSimulation Phase = iota
	PhaseNetworkReceive
	PhaseSimulation
	PhasePostSimulation
	PhasePresentation

	phaseCount
)

func (p Phase) String() string {
	switch p {
	case PhasePreSimulation:
		return "PreSimulation"
	case PhaseNetworkReceive:
		return "NetworkReceive"
	case PhaseSimulation:
		return "Simulation"
	case PhasePostSimulation:
		return "PostSimulation"
	case PhasePresentation:
		return "Presentation"
	}
	return "invalid"
}

// SystemContext is what a system sees during Update: the repository for
// reads and queries, a private command buffer for structural writes, and
// the tick delta.
type SystemContext struct {
	Repo     *Repo
	Commands *CommandBuffer
	Delta    float64
}

// System is one unit of per-tick work. Reads and Writes declare the
// component permission sets checked at initialization; nil sets opt out of
// checking.
type System interface {
	Name() string
	Phase() Phase
	Reads() []TypeID
	Writes() []TypeID
	Update(*SystemContext) error
}

// SystemFunc adapts a function to the System interface.
type SystemFunc struct {
	SystemName string
	RunPhase   Phase
	ReadSet    []TypeID
	WriteSet   []TypeID
	Fn         func(*SystemContext) error
}

func (s *SystemFunc) Name() string                     { return s.SystemName }
func (s *SystemFunc) Phase() Phase                     { return s.RunPhase }
func (s *SystemFunc) Reads() []TypeID                  { return s.ReadSet }
func (s *SystemFunc) Writes() []TypeID                 { return s.WriteSet }
func (s *SystemFunc) Update(ctx *SystemContext) error  { return s.Fn(ctx) }

type systemEntry struct {
	sys   System
	after []string
	cb    *CommandBuffer
	seq   int
}

// Scheduler orders systems by phase and drives the tick: version advance,
// system execution with immediate command-buffer replay, event-bus swap,
// and end-of-tick pruning.
type Scheduler struct {
	repo        *Repo
	log         *slog.Logger
	entries     []*systemEntry
	ordered     []*systemEntry
	initialized bool
}

// NewScheduler creates a scheduler for the repository.
func NewScheduler(r *Repo, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		repo: r,
		log:  logging.Default(logger).With("component", "scheduler"),
	}
}

// Add registers a system. Within a phase, systems run in insertion order
// unless AddAfter declares an explicit dependency.
func (s *Scheduler) Add(sys System) {
	s.AddAfter(sys)
}

// AddAfter registers a system that must run after the named systems of the
// same phase.
func (s *Scheduler) AddAfter(sys System, after ...string) {
	if s.initialized {
		panic("ecs: scheduler already initialized")
	}
	s.entries = append(s.entries, &systemEntry{
		sys:   sys,
		after: after,
		cb:    s.repo.NewCommandBuffer(),
		seq:   len(s.entries),
	})
}

// Init freezes the system order and validates the permission table. It must
// be called once before Tick.
func (s *Scheduler) Init() error {
	byPhase := make([][]*systemEntry, phaseCount)
	for _, e := range s.entries {
		p := e.sys.Phase()
		if p >= phaseCount {
			return fmt.Errorf("system %s: invalid phase %d", e.sys.Name(), p)
		}
		byPhase[p] = append(byPhase[p], e)
	}
	s.ordered = s.ordered[:0]
	for p := Phase(0); p < phaseCount; p++ {
		ordered, err := orderPhase(byPhase[p])
		if err != nil {
			return err
		}
		if err := checkPermissions(s.repo, p, ordered); err != nil {
			return err
		}
		s.ordered = append(s.ordered, ordered...)
	}
	s.initialized = true
	s.log.Info("scheduler initialized", "systems", len(s.ordered))
	return nil
}

// orderPhase topologically orders one phase's systems: insertion order,
// refined by explicit dependencies.
func orderPhase(entries []*systemEntry) ([]*systemEntry, error) {
	byName := make(map[string]*systemEntry, len(entries))
	for _, e := range entries {
		byName[e.sys.Name()] = e
	}
	indeg := make(map[*systemEntry]int, len(entries))
	succ := make(map[*systemEntry][]*systemEntry, len(entries))
	for _, e := range entries {
		for _, dep := range e.after {
			d, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("system %s: %w: %s", e.sys.Name(), ErrUnknownSystem, dep)
			}
			succ[d] = append(succ[d], e)
			indeg[e]++
		}
	}
	ready := make([]*systemEntry, 0, len(entries))
	for _, e := range entries {
		if indeg[e] == 0 {
			ready = append(ready, e)
		}
	}
	var out []*systemEntry
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
		e := ready[0]
		ready = ready[1:]
		out = append(out, e)
		for _, n := range succ[e] {
			indeg[n]--
			if indeg[n] == 0 {
				ready = append(ready, n)
			}
		}
	}
	if len(out) != len(entries) {
		return nil, ErrDependencyLoop
	}
	return out, nil
}

// checkPermissions rejects a phase where two systems ReadWrite the same
// type, or one Reads a type another ReadWrites.
func checkPermissions(r *Repo, p Phase, entries []*systemEntry) error {
	writers := make(map[TypeID]string)
	readers := make(map[TypeID][]string)
	for _, e := range entries {
		name := e.sys.Name()
		for _, id := range e.sys.Writes() {
			if prev, ok := writers[id]; ok {
				return fmt.Errorf("phase %s: systems %s and %s both write %s",
					p, prev, name, r.reg.lookup(id).Name)
			}
			writers[id] = name
		}
		for _, id := range e.sys.Reads() {
			readers[id] = append(readers[id], name)
		}
	}
	for id, names := range readers {
		writer, ok := writers[id]
		if !ok {
			continue
		}
		for _, reader := range names {
			if reader != writer {
				return fmt.Errorf("phase %s: system %s reads %s while %s writes it",
					p, reader, r.reg.lookup(id).Name, writer)
			}
		}
	}
	return nil
}

// Tick advances the global version by exactly one and runs every system
// once, in frozen order. Each system's command buffer is replayed right
// after it returns, so later systems observe its writes. A system error
// aborts the tick: the failing system's buffer is discarded, remaining
// phases are skipped and the error propagates.
func (s *Scheduler) Tick(dt float64) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	r := s.repo
	r.version++
	gt := Singleton[GlobalTime](r)
	gt.FrameNumber = r.version
	gt.DeltaTime = dt
	gt.TotalTime += dt

	phase := Phase(0)
	for _, e := range s.ordered {
		for phase < e.sys.Phase() {
			if phase == PhasePostSimulation {
				r.bus.swapBuffers()
			}
			phase++
		}
		if err := e.sys.Update(&SystemContext{Repo: r, Commands: e.cb, Delta: dt}); err != nil {
			e.cb.Reset()
			return fmt.Errorf("tick %d: system %s: %w", r.version, e.sys.Name(), err)
		}
		if err := e.cb.Playback(r); err != nil {
			e.cb.Reset()
			return fmt.Errorf("tick %d: system %s: %w", r.version, e.sys.Name(), err)
		}
		e.cb.Reset()
	}
	for phase < phaseCount {
		if phase == PhasePostSimulation {
			r.bus.swapBuffers()
		}
		phase++
	}
	r.prune()
	return nil
}
