package ecs

import "unsafe"

// entityHandleBytes is the in-chunk footprint of one entity handle.
const entityHandleBytes = int(unsafe.Sizeof(Entity{}))

// chunk is a fixed 64 KiB region holding rows for one archetype: the entity
// handle array first, then one contiguous column per component type at the
// offsets precomputed by the archetype. Versions live beside the buffer, not
// inside it.
//
// Invariants: writeVersion <= repo global version; a column version is
// stamped exactly when that column was mutated at that version; structural
// changes stamp every column (swap-remove rewrites column bytes).
type chunk struct {
	buf          []byte
	rows         int
	writeVersion uint64
	colVersions  []uint64
}

func newChunk(buf []byte, columns int) *chunk {
	return &chunk{buf: buf, colVersions: make([]uint64, columns)}
}

// entities returns the full-capacity handle array; callers slice by rows.
func (c *chunk) entities(a *archetype) []Entity {
	return unsafe.Slice((*Entity)(unsafe.Pointer(&c.buf[0])), a.capacity)
}

// column returns the byte region of one column slot, rows*size bytes.
func (c *chunk) column(a *archetype, slot int) []byte {
	size := int(a.sizes[slot])
	off := int(a.offsets[slot])
	return c.buf[off : off+c.rows*size]
}

// columnCap returns the full-capacity byte region of one column slot.
func (c *chunk) columnCap(a *archetype, slot int) []byte {
	size := int(a.sizes[slot])
	off := int(a.offsets[slot])
	return c.buf[off : off+a.capacity*size]
}

// colPtr returns a pointer to one row of one column.
func (c *chunk) colPtr(a *archetype, slot, row int) unsafe.Pointer {
	size := int(a.sizes[slot])
	if size == 0 {
		return unsafe.Pointer(&c.buf[0])
	}
	return unsafe.Pointer(&c.buf[int(a.offsets[slot])+row*size])
}

// zeroRow clears every column cell of one row so a reused row never leaks
// bytes from a previous occupant.
func (c *chunk) zeroRow(a *archetype, row int) {
	for slot := range a.sizes {
		size := int(a.sizes[slot])
		if size == 0 {
			continue
		}
		off := int(a.offsets[slot]) + row*size
		clear(c.buf[off : off+size])
	}
}

// copyRow copies every column cell of one row from src into row dst of c.
// Both chunks must belong to the same archetype.
func (c *chunk) copyRow(a *archetype, dst int, src *chunk, srcRow int) {
	for slot := range a.sizes {
		size := int(a.sizes[slot])
		if size == 0 {
			continue
		}
		off := int(a.offsets[slot])
		copy(c.buf[off+dst*size:off+(dst+1)*size], src.buf[off+srcRow*size:off+(srcRow+1)*size])
	}
}
