package ecs

import (
	"fmt"
	"sort"
)

// archetype groups the chunks of entities sharing one unmanaged type set.
// Column slots are ordered by ascending mask bit; byte offsets are packed by
// descending alignment so every column is naturally aligned and nothing
// straddles the chunk boundary.
type archetype struct {
	id       int32
	mask     Mask
	types    []TypeID
	slots    [MaxUnmanagedTypes]int16
	sizes    []uint32
	offsets  []uint32
	capacity int
	chunks   []*chunk

	addEdge    map[TypeID]*archetype
	removeEdge map[TypeID]*archetype
}

// slotOf returns the column slot for an unmanaged descriptor, or -1.
func (a *archetype) slotOf(d *Descriptor) int {
	if d.Kind != KindUnmanaged || !a.mask.has(d.Bit) {
		return -1
	}
	return int(a.slots[d.Bit])
}

// rowCount returns the number of live rows across all chunks.
func (a *archetype) rowCount() int {
	n := 0
	for _, c := range a.chunks {
		n += c.rows
	}
	return n
}

// getOrCreateArchetype is idempotent per mask. New archetypes are inserted
// keeping the list in numeric mask order, which defines query iteration
// order.
func (r *Repo) getOrCreateArchetype(mask Mask) *archetype {
	if a, ok := r.byMask[mask]; ok {
		return a
	}
	a := &archetype{
		id:         int32(len(r.archetypes)),
		mask:       mask,
		addEdge:    make(map[TypeID]*archetype),
		removeEdge: make(map[TypeID]*archetype),
	}
	for i := range a.slots {
		a.slots[i] = -1
	}
	mask.eachBit(func(bit uint8) {
		id := r.reg.byBit[bit]
		a.slots[bit] = int16(len(a.types))
		a.types = append(a.types, id)
		a.sizes = append(a.sizes, r.reg.lookup(id).Size)
	})
	a.capacity, a.offsets = computeLayout(r, a)

	r.byMask[mask] = a
	r.archByID = append(r.archByID, a)
	pos := sort.Search(len(r.archetypes), func(i int) bool {
		return r.archetypes[i].mask.compare(mask) > 0
	})
	r.archetypes = append(r.archetypes, nil)
	copy(r.archetypes[pos+1:], r.archetypes[pos:])
	r.archetypes[pos] = a
	return a
}

// computeLayout picks the largest row capacity whose aligned layout fits in
// ChunkSize. The entity handle array sits at offset 0; columns follow in
// descending alignment order.
func computeLayout(r *Repo, a *archetype) (int, []uint32) {
	rowBytes := entityHandleBytes
	for _, s := range a.sizes {
		rowBytes += int(s)
	}
	capacity := ChunkSize / rowBytes
	order := make([]int, len(a.types))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		ai := r.reg.lookup(a.types[order[i]]).Align
		aj := r.reg.lookup(a.types[order[j]]).Align
		return ai > aj
	})
	for ; capacity > 0; capacity-- {
		offsets := make([]uint32, len(a.types))
		off := capacity * entityHandleBytes
		ok := true
		for _, slot := range order {
			align := int(r.reg.lookup(a.types[slot]).Align)
			if align > 0 {
				off = (off + align - 1) &^ (align - 1)
			}
			offsets[slot] = uint32(off)
			off += capacity * int(a.sizes[slot])
			if off > ChunkSize {
				ok = false
				break
			}
		}
		if ok {
			return capacity, offsets
		}
	}
	panic(fmt.Sprintf("ecs: component set of archetype %v does not fit a chunk", a.types))
}

// touchColumn stamps one column and the chunk with the current version.
func (r *Repo) touchColumn(c *chunk, slot int) {
	c.writeVersion = r.version
	c.colVersions[slot] = r.version
}

// touchStructural stamps the chunk and every column; structural edits move
// rows, so all column bytes are considered mutated.
func (r *Repo) touchStructural(c *chunk) {
	c.writeVersion = r.version
	for i := range c.colVersions {
		c.colVersions[i] = r.version
	}
}

// pushRow appends e to the archetype's open chunk, allocating a new chunk
// when the open one is full. The row's columns are zeroed.
func (r *Repo) pushRow(a *archetype, e Entity) (int, int, error) {
	var c *chunk
	ci := len(a.chunks) - 1
	if ci >= 0 && a.chunks[ci].rows < a.capacity {
		c = a.chunks[ci]
	} else {
		buf, err := r.arena.acquire()
		if err != nil {
			return 0, 0, err
		}
		c = newChunk(buf, len(a.types))
		a.chunks = append(a.chunks, c)
		ci = len(a.chunks) - 1
	}
	row := c.rows
	c.rows++
	c.zeroRow(a, row)
	c.entities(a)[row] = e
	r.touchStructural(c)
	return ci, row, nil
}

// removeRow deletes a row by swap-remove: the tail row of the last chunk
// moves into the hole and the moved entity's index entry is patched. A last
// chunk that drops to zero rows is retired to the arena.
func (r *Repo) removeRow(a *archetype, ci, row int) {
	lc := len(a.chunks) - 1
	last := a.chunks[lc]
	lastRow := last.rows - 1

	if ci != lc || row != lastRow {
		hole := a.chunks[ci]
		hole.copyRow(a, row, last, lastRow)
		moved := last.entities(a)[lastRow]
		hole.entities(a)[row] = moved
		ms := &r.idx.slots[moved.Index]
		ms.chunk = int32(ci)
		ms.row = int32(row)
		r.touchStructural(hole)
	}
	last.rows--
	r.touchStructural(last)
	if last.rows == 0 {
		r.arena.release(last.buf)
		a.chunks = a.chunks[:lc]
	}
}

// transition relocates a live entity to the target archetype, copying the
// columns both archetypes share and leaving added columns zeroed.
func (r *Repo) transition(e Entity, target *archetype) error {
	s := &r.idx.slots[e.Index]
	src := r.archByID[s.archetype]
	srcCi, srcRow := int(s.chunk), int(s.row)

	dstCi, dstRow, err := r.pushRow(target, e)
	if err != nil {
		return err
	}
	dst := target.chunks[dstCi]
	srcChunk := src.chunks[srcCi]
	for slot, id := range src.types {
		d := r.reg.lookup(id)
		tslot := target.slotOf(d)
		if tslot < 0 {
			continue
		}
		size := int(d.Size)
		if size == 0 {
			continue
		}
		so := int(src.offsets[slot]) + srcRow*size
		do := int(target.offsets[tslot]) + dstRow*size
		copy(dst.buf[do:do+size], srcChunk.buf[so:so+size])
	}
	r.removeRow(src, srcCi, srcRow)
	s.archetype = target.id
	s.chunk = int32(dstCi)
	s.row = int32(dstRow)
	return nil
}

// edgeAdd resolves (and caches) the archetype reached from a by adding one
// unmanaged type.
func (r *Repo) edgeAdd(a *archetype, d *Descriptor) *archetype {
	if t, ok := a.addEdge[d.ID]; ok {
		return t
	}
	t := r.getOrCreateArchetype(a.mask.with(d.Bit))
	a.addEdge[d.ID] = t
	return t
}

// edgeRemove resolves (and caches) the archetype reached from a by removing
// one unmanaged type.
func (r *Repo) edgeRemove(a *archetype, d *Descriptor) *archetype {
	if t, ok := a.removeEdge[d.ID]; ok {
		return t
	}
	t := r.getOrCreateArchetype(a.mask.without(d.Bit))
	a.removeEdge[d.ID] = t
	return t
}
