package ecs

import (
	"fmt"
	"reflect"
	"unsafe"
)

// EventID identifies a registered event type. Like component IDs, event IDs
// follow registration order and must match between a recording repository
// and a playback one.
type EventID uint16

type eventDesc struct {
	id      EventID
	name    string
	managed bool
	size    uintptr
	typ     reflect.Type
}

// eventType holds one event type's double buffer. Publishing appends to
// next; consumers borrow current. The scheduler swaps once per tick, so
// events published in tick T are consumed in tick T+1.
type eventType struct {
	desc     eventDesc
	cur      []byte
	next     []byte
	curObjs  []any
	nextObjs []any
}

// EventBus owns per-type unmanaged byte buffers and managed object queues
// with buffer-swap semantics.
type EventBus struct {
	repo   *Repo
	byType map[reflect.Type]EventID
	types  []*eventType
}

func eventTypeOf[T any]() reflect.Type {
	var zero T
	return reflect.TypeOf(zero)
}

func newEventBus(r *Repo) *EventBus {
	return &EventBus{repo: r, byType: make(map[reflect.Type]EventID)}
}

func (b *EventBus) register(t reflect.Type, managed bool, size uintptr) EventID {
	if _, dup := b.byType[t]; dup {
		panic(fmt.Sprintf("ecs: event type %s registered twice", t))
	}
	id := EventID(len(b.types))
	b.byType[t] = id
	b.types = append(b.types, &eventType{desc: eventDesc{
		id: id, name: t.String(), managed: managed, size: size, typ: t,
	}})
	return id
}

func (b *EventBus) idOf(t reflect.Type) EventID {
	id, ok := b.byType[t]
	if !ok {
		panic(fmt.Sprintf("ecs: event type %s not registered", t))
	}
	return id
}

// RegisterEvent registers T as an unmanaged (plain-data) event type.
func RegisterEvent[T any](r *Repo) EventID {
	var zero T
	return r.bus.register(reflect.TypeOf(zero), false, unsafe.Sizeof(zero))
}

// RegisterManagedEvent registers T as a managed event type carried through
// object queues.
func RegisterManagedEvent[T any](r *Repo) EventID {
	var zero T
	return r.bus.register(reflect.TypeOf(zero), true, unsafe.Sizeof(zero))
}

// PublishEvent appends v to the next buffer of T. Visible to consumers
// after the next buffer swap.
func PublishEvent[T any](r *Repo, v T) {
	var zero T
	et := r.bus.types[r.bus.idOf(reflect.TypeOf(zero))]
	if et.desc.managed {
		panic("ecs: " + et.desc.name + " is a managed event; use PublishManagedEvent")
	}
	et.next = append(et.next, valueBytes(&v)...)
}

// ConsumeEvents returns a view of the current buffer of T: the events
// published in the previous tick. The view is valid until the next buffer
// swap; consumers must not retain it across ticks.
func ConsumeEvents[T any](r *Repo) []T {
	var zero T
	et := r.bus.types[r.bus.idOf(reflect.TypeOf(zero))]
	size := int(et.desc.size)
	if size == 0 || len(et.cur) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&et.cur[0])), len(et.cur)/size)
}

// PublishManagedEvent appends v to the next object queue of T.
func PublishManagedEvent[T any](r *Repo, v T) {
	var zero T
	et := r.bus.types[r.bus.idOf(reflect.TypeOf(zero))]
	if !et.desc.managed {
		panic("ecs: " + et.desc.name + " is an unmanaged event; use PublishEvent")
	}
	et.nextObjs = append(et.nextObjs, v)
}

// ConsumeManagedEvents returns the managed events of T published in the
// previous tick.
func ConsumeManagedEvents[T any](r *Repo) []T {
	var zero T
	et := r.bus.types[r.bus.idOf(reflect.TypeOf(zero))]
	if len(et.curObjs) == 0 {
		return nil
	}
	out := make([]T, 0, len(et.curObjs))
	for _, v := range et.curObjs {
		out = append(out, v.(T))
	}
	return out
}

// swapBuffers swaps current and next for every type, clearing the former
// current. Called by the scheduler exactly once per tick at the end of the
// PostSimulation phase.
func (b *EventBus) swapBuffers() {
	for _, et := range b.types {
		et.cur, et.next = et.next, et.cur[:0]
		clear(et.curObjs) // drop references before the backing array is reused
		et.curObjs, et.nextObjs = et.nextObjs, et.curObjs[:0]
	}
}

// EachPending visits the not-yet-swapped events of the current tick, in
// event-id order. This is the recorder's capture surface.
func (b *EventBus) EachPending(fn func(id EventID, managed bool, size uintptr, typ reflect.Type, raw []byte, objs []any)) {
	for _, et := range b.types {
		if len(et.next) == 0 && len(et.nextObjs) == 0 {
			continue
		}
		fn(et.desc.id, et.desc.managed, et.desc.size, et.desc.typ, et.next, et.nextObjs)
	}
}

// AppendRecorded republishes recorded unmanaged event bytes; playback surface.
func (b *EventBus) AppendRecorded(id EventID, data []byte) {
	if int(id) >= len(b.types) {
		panic(fmt.Sprintf("ecs: unknown event type id %d", id))
	}
	b.types[id].next = append(b.types[id].next, data...)
}

// AppendRecordedObj republishes a recorded managed event; playback surface.
func (b *EventBus) AppendRecordedObj(id EventID, v any) {
	if int(id) >= len(b.types) {
		panic(fmt.Sprintf("ecs: unknown event type id %d", id))
	}
	b.types[id].nextObjs = append(b.types[id].nextObjs, v)
}

// EventType resolves the Go type of an event id; playback surface.
func (b *EventBus) EventType(id EventID) (reflect.Type, bool, bool) {
	if int(id) >= len(b.types) {
		return nil, false, false
	}
	d := b.types[id].desc
	return d.typ, d.managed, true
}
