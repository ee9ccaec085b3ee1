package ecs

import "unsafe"

// unmanagedDesc resolves the descriptor for T, panicking on kind mismatch
// or unregistered types (programming faults that abort the tick).
func unmanagedDesc[T any](r *Repo) *Descriptor {
	id := TypeOf[T](r)
	d := r.reg.lookup(id)
	if d.Kind != KindUnmanaged {
		panic("ecs: " + d.Name + " is not an unmanaged component")
	}
	return d
}

// locate returns the entity's archetype, chunk and row.
func (r *Repo) locate(e Entity) (*archetype, *chunk, int, bool) {
	s := r.idx.slot(e)
	if s == nil || s.archetype < 0 {
		return nil, nil, 0, false
	}
	a := r.archByID[s.archetype]
	return a, a.chunks[s.chunk], int(s.row), true
}

// Add gives e the unmanaged component T, zero-initialized, relocating the
// entity to the target archetype. If e already has T, the existing value is
// returned unchanged. The returned pointer is invalidated by the entity's
// next structural change.
func Add[T any](r *Repo, e Entity) (*T, error) {
	d := unmanagedDesc[T](r)
	s := r.idx.slot(e)
	if s == nil {
		return nil, ErrNotAlive
	}
	a := r.archByID[s.archetype]
	if slot := a.slotOf(d); slot >= 0 {
		c := a.chunks[s.chunk]
		r.touchColumn(c, slot)
		return (*T)(c.colPtr(a, slot, int(s.row))), nil
	}
	target := r.edgeAdd(a, d)
	if err := r.transition(e, target); err != nil {
		return nil, err
	}
	c := target.chunks[s.chunk]
	return (*T)(c.colPtr(target, target.slotOf(d), int(s.row))), nil
}

// Set writes v as the unmanaged component T of e, adding the component
// first when absent. Set is an unconditional overwrite.
func Set[T any](r *Repo, e Entity, v T) error {
	p, err := Add[T](r, e)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Remove takes the unmanaged component T away from e. Removing an absent
// component is a no-op.
func Remove[T any](r *Repo, e Entity) error {
	d := unmanagedDesc[T](r)
	s := r.idx.slot(e)
	if s == nil {
		return ErrNotAlive
	}
	a := r.archByID[s.archetype]
	if a.slotOf(d) < 0 {
		return nil
	}
	return r.transition(e, r.edgeRemove(a, d))
}

// Has reports whether e carries the unmanaged component T.
func Has[T any](r *Repo, e Entity) bool {
	d := unmanagedDesc[T](r)
	s := r.idx.slot(e)
	return s != nil && s.archetype >= 0 && r.archByID[s.archetype].slotOf(d) >= 0
}

// Get returns a copy of the unmanaged component T of e. Reads do not bump
// versions.
func Get[T any](r *Repo, e Entity) (T, bool) {
	var zero T
	d := unmanagedDesc[T](r)
	a, c, row, ok := r.locate(e)
	if !ok {
		return zero, false
	}
	slot := a.slotOf(d)
	if slot < 0 {
		return zero, false
	}
	return *(*T)(c.colPtr(a, slot, row)), true
}

// GetMut returns a mutable pointer to the unmanaged component T of e and
// stamps the column with the current version. The pointer is invalidated by
// the entity's next structural change.
func GetMut[T any](r *Repo, e Entity) (*T, bool) {
	d := unmanagedDesc[T](r)
	a, c, row, ok := r.locate(e)
	if !ok {
		return nil, false
	}
	slot := a.slotOf(d)
	if slot < 0 {
		return nil, false
	}
	r.touchColumn(c, slot)
	return (*T)(c.colPtr(a, slot, row)), true
}

// valueBytes views a component value as its raw bytes.
func valueBytes[T any](v *T) []byte {
	size := unsafe.Sizeof(*v)
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), size)
}
