package ecs

import "errors"

var (
	ErrNotAlive    = errors.New("entity is not alive")
	ErrIndexInUse  = errors.New("entity index already in use")
	ErrOutOfMemory = errors.New("chunk budget exhausted")
)

// Entity is a generation-versioned handle. Index is dense within the
// repository; Generation disambiguates reused indices. The zero value is the
// null entity (generation 0 never belongs to a live entity).
type Entity struct {
	Index      uint32
	Generation uint16
}

// NullEntity is the handle that refers to no entity.
var NullEntity = Entity{}

// IsNull reports whether e is the null handle.
func (e Entity) IsNull() bool {
	return e.Generation == 0
}

// Lifecycle is the coarse entity state. New entities start Active unless a
// collaborator marks them Constructing.
type Lifecycle uint8

const (
	LifecyclePreliminary Lifecycle = iota
	LifecycleConstructing
	LifecycleActive
	LifecycleDying
	LifecycleDestroyed
)

func (l Lifecycle) String() string {
	switch l {
	case LifecyclePreliminary:
		return "preliminary"
	case LifecycleConstructing:
		return "constructing"
	case LifecycleActive:
		return "active"
	case LifecycleDying:
		return "dying"
	case LifecycleDestroyed:
		return "destroyed"
	}
	return "invalid"
}

// entitySlot is one entry of the dense entity index. A dead slot keeps its
// generation so stale handles stay detectable until the index is reused.
type entitySlot struct {
	generation uint16
	alive      bool
	state      Lifecycle
	archetype  int32
	chunk      int32
	row        int32
}

// entityIndex maintains the dense slot array and the free list. Allocation
// pops the free list, else appends. reserveRange raises the floor for
// appended indices and discards free entries below it, so replayed entity
// indices never collide with newly created ones.
type entityIndex struct {
	slots []entitySlot
	free  []uint32
	floor uint32
}

func (x *entityIndex) alloc() Entity {
	var idx uint32
	if n := len(x.free); n > 0 {
		idx = x.free[n-1]
		x.free = x.free[:n-1]
	} else {
		idx = uint32(len(x.slots))
		if idx < x.floor {
			idx = x.floor
		}
		x.grow(idx + 1)
	}
	s := &x.slots[idx]
	gen := s.generation + 1
	if gen == 0 {
		gen = 1
	}
	*s = entitySlot{generation: gen, alive: true, state: LifecycleActive, archetype: -1, chunk: -1, row: -1}
	return Entity{Index: idx, Generation: gen}
}

// allocAt places an entity at a specific index with a specific generation.
// Used by the playback engine when re-materializing recorded entities.
func (x *entityIndex) allocAt(idx uint32, gen uint16, state Lifecycle) error {
	x.grow(idx + 1)
	s := &x.slots[idx]
	if s.alive {
		return ErrIndexInUse
	}
	// Drop the index from the free list if it was recycled earlier.
	for i, f := range x.free {
		if f == idx {
			x.free = append(x.free[:i], x.free[i+1:]...)
			break
		}
	}
	*s = entitySlot{generation: gen, alive: true, state: state, archetype: -1, chunk: -1, row: -1}
	return nil
}

func (x *entityIndex) release(idx uint32) {
	s := &x.slots[idx]
	s.alive = false
	s.state = LifecycleDestroyed
	s.archetype, s.chunk, s.row = -1, -1, -1
	if idx >= x.floor {
		x.free = append(x.free, idx)
	}
}

func (x *entityIndex) grow(n uint32) {
	for uint32(len(x.slots)) < n {
		x.slots = append(x.slots, entitySlot{archetype: -1, chunk: -1, row: -1})
	}
}

// reserveRange forces the next appended index to be >= n. Free-list entries
// below the floor are discarded rather than handed out again.
func (x *entityIndex) reserveRange(n uint32) {
	if n <= x.floor {
		return
	}
	x.floor = n
	kept := x.free[:0]
	for _, f := range x.free {
		if f >= n {
			kept = append(kept, f)
		}
	}
	x.free = kept
}

func (x *entityIndex) isAlive(e Entity) bool {
	if e.IsNull() || int(e.Index) >= len(x.slots) {
		return false
	}
	s := &x.slots[e.Index]
	return s.alive && s.generation == e.Generation
}

func (x *entityIndex) slot(e Entity) *entitySlot {
	if !x.isAlive(e) {
		return nil
	}
	return &x.slots[e.Index]
}
