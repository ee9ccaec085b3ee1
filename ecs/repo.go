// Package ecs implements the Fast Data Plane kernel: archetype-chunked
// entity/component storage with dual-tier (unmanaged and managed)
// components, versioned change detection, mask-compiled queries, deferred
// structural edits, a double-buffered event bus and a phase scheduler.
//
// A Repo is owned by exactly one goroutine during a tick. External writers
// enqueue into a CommandBuffer; parallel queries borrow chunks exclusively
// per worker.
package ecs

import (
	"log/slog"

	"github.com/pjanec/fastdataplane/internal/logging"
)

// Options configures a repository.
type Options struct {
	// MaxChunks bounds the arena; 0 means unbounded. When the budget is
	// exhausted, structural operations fail with ErrOutOfMemory.
	MaxChunks int

	// Logger receives sparse diagnostics; nil discards.
	Logger *slog.Logger
}

// GlobalTime is the repository's time singleton, advanced once per tick by
// the scheduler.
type GlobalTime struct {
	FrameNumber uint64
	DeltaTime   float64
	TotalTime   float64
}

// Repo owns the type registry, entity index, archetype table, managed
// store, event bus and the monotonically increasing global version.
// Dropping the Repo drops archetypes, chunks and buffers with it.
type Repo struct {
	log *slog.Logger

	reg   registry
	idx   entityIndex
	arena arena

	byMask     map[Mask]*archetype
	archetypes []*archetype // numeric mask order; iteration order
	archByID   []*archetype // creation order; id lookup

	managed []managedColumn // indexed by TypeID; nil for unmanaged entries

	bus *EventBus

	version uint64

	// destroyed logs entity indices destroyed since the recorder last
	// drained; restore-time destructions are not logged.
	destroyed        []uint32
	recorderAttached bool
	restoring        bool

	singleton Entity

	// droppedOps counts command-buffer operations dropped because their
	// target entity was dead at playback.
	droppedOps uint64
}

// New creates an empty repository. GlobalTime is pre-registered as the
// first unmanaged type and lives on a reserved singleton entity.
func New(opts Options) *Repo {
	r := &Repo{
		log:    logging.Default(opts.Logger).With("component", "repo"),
		reg:    newRegistry(),
		byMask: make(map[Mask]*archetype),
		arena:  arena{max: opts.MaxChunks},
	}
	r.bus = newEventBus(r)
	RegisterUnmanaged[GlobalTime](r, 0)
	r.singleton = r.mustCreateEntity()
	return r
}

// Version returns the global version, advanced by exactly one per tick.
func (r *Repo) Version() uint64 {
	return r.version
}

// Events returns the repository's event bus.
func (r *Repo) Events() *EventBus {
	return r.bus
}

// EntityCount returns the number of live entities, the reserved singleton
// included.
func (r *Repo) EntityCount() int {
	n := 0
	for i := range r.idx.slots {
		if r.idx.slots[i].alive {
			n++
		}
	}
	return n
}

func (r *Repo) mustCreateEntity() Entity {
	e, err := r.CreateEntity()
	if err != nil {
		panic("ecs: " + err.Error())
	}
	return e
}

// CreateEntity allocates a live Active entity in the empty archetype.
func (r *Repo) CreateEntity() (Entity, error) {
	e := r.idx.alloc()
	a := r.getOrCreateArchetype(Mask{})
	ci, row, err := r.pushRow(a, e)
	if err != nil {
		r.idx.release(e.Index)
		return NullEntity, err
	}
	s := &r.idx.slots[e.Index]
	s.archetype = a.id
	s.chunk = int32(ci)
	s.row = int32(row)
	return e, nil
}

// DestroyEntity removes e, releases its managed components and returns its
// index to the free list; the slot's generation advances when the index is
// next allocated, so e stays dead. Destroying a dead entity returns
// ErrNotAlive.
func (r *Repo) DestroyEntity(e Entity) error {
	s := r.idx.slot(e)
	if s == nil {
		return ErrNotAlive
	}
	if s.archetype >= 0 {
		r.removeRow(r.archByID[s.archetype], int(s.chunk), int(s.row))
	}
	for _, col := range r.managed {
		if col != nil {
			col.remove(e.Index)
		}
	}
	r.idx.release(e.Index)
	if !r.restoring {
		r.destroyed = append(r.destroyed, e.Index)
	}
	return nil
}

// IsAlive reports whether the handle refers to a live entity with a
// matching generation.
func (r *Repo) IsAlive(e Entity) bool {
	return r.idx.isAlive(e)
}

// Lifecycle returns the entity's lifecycle state, LifecycleDestroyed for
// dead or stale handles.
func (r *Repo) Lifecycle(e Entity) Lifecycle {
	s := r.idx.slot(e)
	if s == nil {
		return LifecycleDestroyed
	}
	return s.state
}

// SetLifecycle sets the entity's lifecycle state. Setting
// LifecycleDestroyed only changes the stored state; it does not destroy the
// entity (DestroyEntity does).
func (r *Repo) SetLifecycle(e Entity, state Lifecycle) error {
	s := r.idx.slot(e)
	if s == nil {
		return ErrNotAlive
	}
	s.state = state
	return nil
}

// ReserveIDRange forces the next allocated entity index to be >= n. The
// playback engine reserves the recorded high-water so replayed indices do
// not collide with newly created entities.
func (r *Repo) ReserveIDRange(n uint32) {
	r.idx.reserveRange(n)
}

// TypeMask returns the unmanaged component mask of the entity's archetype.
func (r *Repo) TypeMask(e Entity) (Mask, bool) {
	s := r.idx.slot(e)
	if s == nil {
		return Mask{}, false
	}
	if s.archetype < 0 {
		return Mask{}, true
	}
	return r.archByID[s.archetype].mask, true
}

// DroppedOps returns how many deferred operations targeting dead entities
// have been discarded at command-buffer playback.
func (r *Repo) DroppedOps() uint64 {
	return r.droppedOps
}

// prune retires empty trailing chunks left behind by restore operations and
// trims the destruction graveyard when no recorder is draining it.
func (r *Repo) prune() {
	r.retireEmptyChunks()
	if !r.recorderAttached {
		r.destroyed = r.destroyed[:0]
	}
}

func (r *Repo) retireEmptyChunks() {
	for _, a := range r.archetypes {
		for n := len(a.chunks); n > 0 && a.chunks[n-1].rows == 0; n = len(a.chunks) {
			r.arena.release(a.chunks[n-1].buf)
			a.chunks = a.chunks[:n-1]
		}
	}
}

// Singleton returns a mutable pointer to the unmanaged singleton component
// T, adding it to the reserved singleton entity on first use. The pointer
// is invalidated by the singleton's next structural change.
func Singleton[T any](r *Repo) *T {
	p, err := Add[T](r, r.singleton)
	if err != nil {
		panic("ecs: singleton: " + err.Error())
	}
	return p
}

// SetSingletonManaged stores the managed singleton component T.
func SetSingletonManaged[T any](r *Repo, v T) {
	if err := SetManaged(r, r.singleton, v); err != nil {
		panic("ecs: singleton: " + err.Error())
	}
}

// SingletonManaged returns the managed singleton component T.
func SingletonManaged[T any](r *Repo) (T, bool) {
	return GetManaged[T](r, r.singleton)
}
