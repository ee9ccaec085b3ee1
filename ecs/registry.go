package ecs

import (
	"fmt"
	"reflect"
	"unsafe"
)

// TypeID identifies a registered component type. IDs are assigned in
// registration order, are unique per repository, and are stable for its
// lifetime. The wire format carries TypeIDs, so a playback repository must
// register the same types in the same order as the recording one.
type TypeID uint16

// Kind separates plain-data components stored in chunk columns from
// reference-typed components stored in the managed sparse store.
type Kind uint8

const (
	KindUnmanaged Kind = iota
	KindManaged
)

// Policy holds the data-policy flags fixed at registration.
type Policy uint8

const (
	// Recordable components are captured by the flight recorder.
	Recordable Policy = 1 << iota
	// Snapshotable components are included in in-memory snapshots.
	Snapshotable
	// Saveable components are included in persistent saves.
	Saveable
)

// Descriptor describes a registered component type.
type Descriptor struct {
	ID     TypeID
	Kind   Kind
	Policy Policy
	Size   uint32
	Align  uint32
	Name   string

	// Bit is the dense archetype-mask ordinal; meaningful only for
	// unmanaged descriptors.
	Bit uint8

	typ reflect.Type
}

// registry assigns type IDs and records descriptors. Registering the same
// logical type twice, or using an unregistered type, is a programming fault
// and panics.
type registry struct {
	byType map[reflect.Type]TypeID
	descs  []Descriptor

	// unmanagedBits counts assigned mask ordinals; byBit maps an ordinal
	// back to its descriptor for wire decoding.
	unmanagedBits int
	byBit         [MaxUnmanagedTypes]TypeID
}

func newRegistry() registry {
	return registry{byType: make(map[reflect.Type]TypeID)}
}

func (g *registry) register(t reflect.Type, kind Kind, policy Policy, size, align uintptr) TypeID {
	if _, dup := g.byType[t]; dup {
		panic(fmt.Sprintf("ecs: component type %s registered twice", t))
	}
	if len(g.descs) > int(^TypeID(0)) {
		panic("ecs: component type id space exhausted")
	}
	id := TypeID(len(g.descs))
	d := Descriptor{
		ID:     id,
		Kind:   kind,
		Policy: policy,
		Size:   uint32(size),
		Align:  uint32(align),
		Name:   t.String(),
		typ:    t,
	}
	if kind == KindUnmanaged {
		if g.unmanagedBits >= MaxUnmanagedTypes {
			panic(fmt.Sprintf("ecs: cannot register %s: %d unmanaged types already registered", t, MaxUnmanagedTypes))
		}
		d.Bit = uint8(g.unmanagedBits)
		g.byBit[g.unmanagedBits] = id
		g.unmanagedBits++
	}
	g.byType[t] = id
	g.descs = append(g.descs, d)
	return id
}

// lookup returns the descriptor for id; out-of-range IDs are a fault.
func (g *registry) lookup(id TypeID) *Descriptor {
	if int(id) >= len(g.descs) {
		panic(fmt.Sprintf("ecs: unknown component type id %d", id))
	}
	return &g.descs[id]
}

func (g *registry) idOf(t reflect.Type) TypeID {
	id, ok := g.byType[t]
	if !ok {
		panic(fmt.Sprintf("ecs: component type %s not registered", t))
	}
	return id
}

// RegisterUnmanaged registers T as a plain-data component stored inline in
// chunk columns. T must not contain pointers, maps, slices, channels or
// strings; the recorder and the chunk mover copy it byte-wise. Must be
// called before any entity uses the type. Registering twice panics.
func RegisterUnmanaged[T any](r *Repo, policy Policy) TypeID {
	var zero T
	t := reflect.TypeOf(zero)
	id := r.reg.register(t, KindUnmanaged, policy, unsafe.Sizeof(zero), unsafe.Alignof(zero))
	r.managed = append(r.managed, nil)
	return id
}

// RegisterManaged registers T as a reference-typed component stored in the
// per-type sparse store. Managed components do not participate in the
// archetype mask.
func RegisterManaged[T any](r *Repo, policy Policy) TypeID {
	var zero T
	t := reflect.TypeOf(zero)
	id := r.reg.register(t, KindManaged, policy, unsafe.Sizeof(zero), unsafe.Alignof(zero))
	r.managed = append(r.managed, &sparse[T]{})
	return id
}

// TypeOf returns the TypeID registered for T, panicking if T was never
// registered.
func TypeOf[T any](r *Repo) TypeID {
	var zero T
	return r.reg.idOf(reflect.TypeOf(zero))
}

// Lookup returns a copy of the descriptor for id.
func (r *Repo) Lookup(id TypeID) Descriptor {
	return *r.reg.lookup(id)
}

// TypeCount returns how many component types are registered.
func (r *Repo) TypeCount() int {
	return len(r.reg.descs)
}
