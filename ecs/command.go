package ecs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrTruncatedLog = errors.New("command log truncated")

const (
	opCreate byte = iota + 1
	opDestroy
	opAdd
	opSet
	opRemove
	opSetManaged
	opRemoveManaged
	opPublishEvent
	opPublishManagedEvent
	opSetLifecycle
)

// placeholderFlag marks the index of an entity created inside a buffer and
// not yet resolved to a real handle.
const placeholderFlag = uint32(1) << 31

// CommandBuffer records deferred structural edits in a byte log with
// per-operation headers. Playback applies them in recorded order against
// the repository; handles created inside the buffer are placeholder tokens
// resolved at playback. Managed values and event objects ride in a side
// slice referenced from the log.
//
// Operations targeting entities that died before playback are dropped with
// a diagnostic; destroying an already-dead entity is a silent no-op.
type CommandBuffer struct {
	repo    *Repo
	log     []byte
	objs    []any
	created uint32
	ops     int
}

// NewCommandBuffer returns an empty buffer bound to the repository's
// registry.
func (r *Repo) NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{repo: r}
}

// Len returns the number of recorded operations.
func (b *CommandBuffer) Len() int {
	return b.ops
}

// Reset discards all recorded operations.
func (b *CommandBuffer) Reset() {
	b.log = b.log[:0]
	clear(b.objs)
	b.objs = b.objs[:0]
	b.created = 0
	b.ops = 0
}

func (b *CommandBuffer) putHeader(op byte, e Entity) {
	b.log = append(b.log, op)
	b.log = binary.LittleEndian.AppendUint32(b.log, e.Index)
	b.log = binary.LittleEndian.AppendUint16(b.log, e.Generation)
	b.ops++
}

func (b *CommandBuffer) putU16(v uint16) {
	b.log = binary.LittleEndian.AppendUint16(b.log, v)
}

func (b *CommandBuffer) putU32(v uint32) {
	b.log = binary.LittleEndian.AppendUint32(b.log, v)
}

// Create records an entity creation and returns its placeholder handle.
// The placeholder may be used by later operations in the same buffer.
func (b *CommandBuffer) Create() Entity {
	e := Entity{Index: placeholderFlag | b.created, Generation: 0xFFFF}
	b.created++
	b.putHeader(opCreate, e)
	return e
}

// Destroy records an entity destruction.
func (b *CommandBuffer) Destroy(e Entity) {
	b.putHeader(opDestroy, e)
}

// SetLifecycle records a lifecycle transition.
func (b *CommandBuffer) SetLifecycle(e Entity, state Lifecycle) {
	b.putHeader(opSetLifecycle, e)
	b.log = append(b.log, byte(state))
}

// AddCmd records adding the zero-valued unmanaged component T to e.
func AddCmd[T any](b *CommandBuffer, e Entity) {
	d := unmanagedDesc[T](b.repo)
	b.putHeader(opAdd, e)
	b.putU16(uint16(d.ID))
}

// SetCmd records an unconditional overwrite of the unmanaged component T of
// e, adding the component first when absent.
func SetCmd[T any](b *CommandBuffer, e Entity, v T) {
	d := unmanagedDesc[T](b.repo)
	b.putHeader(opSet, e)
	b.putU16(uint16(d.ID))
	data := valueBytes(&v)
	b.putU32(uint32(len(data)))
	b.log = append(b.log, data...)
}

// RemoveCmd records removing the unmanaged component T from e.
func RemoveCmd[T any](b *CommandBuffer, e Entity) {
	d := unmanagedDesc[T](b.repo)
	b.putHeader(opRemove, e)
	b.putU16(uint16(d.ID))
}

// SetManagedCmd records storing v as the managed component T of e.
func SetManagedCmd[T any](b *CommandBuffer, e Entity, v T) {
	id := TypeOf[T](b.repo)
	if b.repo.reg.lookup(id).Kind != KindManaged {
		panic("ecs: SetManagedCmd requires a managed type")
	}
	b.putHeader(opSetManaged, e)
	b.putU16(uint16(id))
	b.putU32(uint32(len(b.objs)))
	b.objs = append(b.objs, v)
}

// RemoveManagedCmd records dropping the managed component T of e.
func RemoveManagedCmd[T any](b *CommandBuffer, e Entity) {
	id := TypeOf[T](b.repo)
	if b.repo.reg.lookup(id).Kind != KindManaged {
		panic("ecs: RemoveManagedCmd requires a managed type")
	}
	b.putHeader(opRemoveManaged, e)
	b.putU16(uint16(id))
}

// PublishCmd records publishing the unmanaged event v.
func PublishCmd[T any](b *CommandBuffer, v T) {
	var e Entity
	id := b.repo.bus.idOf(eventTypeOf[T]())
	if b.repo.bus.types[id].desc.managed {
		panic("ecs: PublishCmd requires an unmanaged event type")
	}
	b.putHeader(opPublishEvent, e)
	b.putU16(uint16(id))
	data := valueBytes(&v)
	b.putU32(uint32(len(data)))
	b.log = append(b.log, data...)
}

// PublishManagedCmd records publishing the managed event v.
func PublishManagedCmd[T any](b *CommandBuffer, v T) {
	var e Entity
	id := b.repo.bus.idOf(eventTypeOf[T]())
	if !b.repo.bus.types[id].desc.managed {
		panic("ecs: PublishManagedCmd requires a managed event type")
	}
	b.putHeader(opPublishManagedEvent, e)
	b.putU16(uint16(id))
	b.putU32(uint32(len(b.objs)))
	b.objs = append(b.objs, v)
}

// Playback applies the recorded operations in order. Structural failures
// (chunk budget) abort and propagate; operations on dead entities are
// dropped with a diagnostic. The buffer is left intact; call Reset to
// reuse it.
func (b *CommandBuffer) Playback(r *Repo) error {
	resolved := make([]Entity, b.created)
	cur := 0
	read := func(n int) ([]byte, error) {
		if cur+n > len(b.log) {
			return nil, ErrTruncatedLog
		}
		s := b.log[cur : cur+n]
		cur += n
		return s, nil
	}

	for cur < len(b.log) {
		hdr, err := read(7)
		if err != nil {
			return err
		}
		op := hdr[0]
		e := Entity{
			Index:      binary.LittleEndian.Uint32(hdr[1:5]),
			Generation: binary.LittleEndian.Uint16(hdr[5:7]),
		}
		if e.Index&placeholderFlag != 0 && op != opCreate {
			e = resolved[e.Index&^placeholderFlag]
		}

		switch op {
		case opCreate:
			real, err := r.CreateEntity()
			if err != nil {
				return fmt.Errorf("command playback: create: %w", err)
			}
			resolved[e.Index&^placeholderFlag] = real

		case opDestroy:
			// Destroying an already-dead entity is a no-op.
			_ = r.DestroyEntity(e)

		case opAdd:
			raw, err := read(2)
			if err != nil {
				return err
			}
			d := r.reg.lookup(TypeID(binary.LittleEndian.Uint16(raw)))
			if !r.IsAlive(e) {
				b.drop(r, op, e)
				continue
			}
			if err := r.addUnmanagedRaw(e, d, nil); err != nil {
				return fmt.Errorf("command playback: add %s: %w", d.Name, err)
			}

		case opSet:
			raw, err := read(6)
			if err != nil {
				return err
			}
			d := r.reg.lookup(TypeID(binary.LittleEndian.Uint16(raw[:2])))
			n := int(binary.LittleEndian.Uint32(raw[2:6]))
			data, err := read(n)
			if err != nil {
				return err
			}
			if !r.IsAlive(e) {
				b.drop(r, op, e)
				continue
			}
			if err := r.addUnmanagedRaw(e, d, data); err != nil {
				return fmt.Errorf("command playback: set %s: %w", d.Name, err)
			}

		case opRemove:
			raw, err := read(2)
			if err != nil {
				return err
			}
			d := r.reg.lookup(TypeID(binary.LittleEndian.Uint16(raw)))
			if !r.IsAlive(e) {
				b.drop(r, op, e)
				continue
			}
			if err := r.removeUnmanagedRaw(e, d); err != nil {
				return fmt.Errorf("command playback: remove %s: %w", d.Name, err)
			}

		case opSetManaged:
			raw, err := read(6)
			if err != nil {
				return err
			}
			id := TypeID(binary.LittleEndian.Uint16(raw[:2]))
			obj := b.objs[binary.LittleEndian.Uint32(raw[2:6])]
			if !r.IsAlive(e) {
				b.drop(r, op, e)
				continue
			}
			r.managed[id].setAny(e.Index, obj)

		case opRemoveManaged:
			raw, err := read(2)
			if err != nil {
				return err
			}
			id := TypeID(binary.LittleEndian.Uint16(raw))
			if !r.IsAlive(e) {
				b.drop(r, op, e)
				continue
			}
			r.managed[id].remove(e.Index)

		case opPublishEvent:
			raw, err := read(6)
			if err != nil {
				return err
			}
			id := EventID(binary.LittleEndian.Uint16(raw[:2]))
			n := int(binary.LittleEndian.Uint32(raw[2:6]))
			data, err := read(n)
			if err != nil {
				return err
			}
			r.bus.AppendRecorded(id, data)

		case opPublishManagedEvent:
			raw, err := read(6)
			if err != nil {
				return err
			}
			id := EventID(binary.LittleEndian.Uint16(raw[:2]))
			r.bus.AppendRecordedObj(id, b.objs[binary.LittleEndian.Uint32(raw[2:6])])

		case opSetLifecycle:
			raw, err := read(1)
			if err != nil {
				return err
			}
			if !r.IsAlive(e) {
				b.drop(r, op, e)
				continue
			}
			_ = r.SetLifecycle(e, Lifecycle(raw[0]))

		default:
			return fmt.Errorf("command playback: unknown op %d", op)
		}
	}
	return nil
}

func (b *CommandBuffer) drop(r *Repo, op byte, e Entity) {
	r.droppedOps++
	r.log.Debug("dropped deferred op on dead entity", "op", op, "index", e.Index)
}

// addUnmanagedRaw is the dynamic twin of Add/Set: it ensures the component
// is present and, when data is non-nil, overwrites the cell bytes.
func (r *Repo) addUnmanagedRaw(e Entity, d *Descriptor, data []byte) error {
	if d.Kind != KindUnmanaged {
		panic("ecs: " + d.Name + " is not an unmanaged component")
	}
	s := &r.idx.slots[e.Index]
	a := r.archByID[s.archetype]
	if a.slotOf(d) < 0 {
		if err := r.transition(e, r.edgeAdd(a, d)); err != nil {
			return err
		}
		a = r.archByID[s.archetype]
	}
	slot := a.slotOf(d)
	c := a.chunks[s.chunk]
	if data != nil {
		if len(data) != int(d.Size) {
			panic(fmt.Sprintf("ecs: component %s payload size %d, want %d", d.Name, len(data), d.Size))
		}
		if d.Size > 0 {
			off := int(a.offsets[slot]) + int(s.row)*int(d.Size)
			copy(c.buf[off:off+int(d.Size)], data)
		}
	}
	r.touchColumn(c, slot)
	return nil
}

// removeUnmanagedRaw is the dynamic twin of Remove.
func (r *Repo) removeUnmanagedRaw(e Entity, d *Descriptor) error {
	s := &r.idx.slots[e.Index]
	a := r.archByID[s.archetype]
	if a.slotOf(d) < 0 {
		return nil
	}
	return r.transition(e, r.edgeRemove(a, d))
}
