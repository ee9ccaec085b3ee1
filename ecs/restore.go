package ecs

import (
	"errors"
	"fmt"
)

var (
	ErrChunkOverflow  = errors.New("restored chunk exceeds archetype capacity")
	ErrColumnSize     = errors.New("restored column byte length mismatch")
	ErrNoSuchChunk    = errors.New("restored chunk index out of range")
	ErrRestoreNesting = errors.New("restore already in progress")
)

// The types and methods in this file are the recorder surface: the flight
// recorder reads repository state through the views, and the playback
// engine rebuilds state through the Restore calls. Applications should not
// use them directly.

// ArchetypeView is a read-only view of one archetype, in numeric mask
// order.
type ArchetypeView struct {
	r *Repo
	a *archetype
}

// Archetypes returns views of all archetypes in numeric mask order,
// including empty ones.
func (r *Repo) Archetypes() []ArchetypeView {
	out := make([]ArchetypeView, len(r.archetypes))
	for i, a := range r.archetypes {
		out[i] = ArchetypeView{r: r, a: a}
	}
	return out
}

func (v ArchetypeView) Mask() Mask      { return v.a.mask }
func (v ArchetypeView) ChunkCount() int { return len(v.a.chunks) }
func (v ArchetypeView) RowCount() int   { return v.a.rowCount() }

// Chunk returns a view of the i-th chunk in append order.
func (v ArchetypeView) Chunk(i int) ChunkView {
	return ChunkView{r: v.r, a: v.a, c: v.a.chunks[i]}
}

// ChunkView is a read-only view of one chunk.
type ChunkView struct {
	r *Repo
	a *archetype
	c *chunk
}

func (v ChunkView) Rows() int             { return v.c.rows }
func (v ChunkView) WriteVersion() uint64  { return v.c.writeVersion }
func (v ChunkView) ColumnCount() int      { return len(v.a.types) }
func (v ChunkView) ColumnType(i int) TypeID { return v.a.types[i] }
func (v ChunkView) ColumnVersion(i int) uint64 { return v.c.colVersions[i] }

// Entities returns the live entity handles of the chunk. The slice aliases
// chunk memory and is valid until the next structural change.
func (v ChunkView) Entities() []Entity {
	return v.c.entities(v.a)[:v.c.rows]
}

// ColumnBytes returns the raw bytes of one column over the live rows. The
// slice aliases chunk memory.
func (v ChunkView) ColumnBytes(i int) []byte {
	return v.c.column(v.a, i)
}

// ChunkCount returns the number of chunks currently held by the archetype
// of mask, zero when the archetype does not exist.
func (r *Repo) ChunkCount(mask Mask) int {
	if a, ok := r.byMask[mask]; ok {
		return len(a.chunks)
	}
	return 0
}

// EachLiveEntity visits every live entity slot in ascending index order.
func (r *Repo) EachLiveEntity(fn func(idx uint32, gen uint16, mask Mask, state Lifecycle)) {
	for i := range r.idx.slots {
		s := &r.idx.slots[i]
		if !s.alive {
			continue
		}
		var mask Mask
		if s.archetype >= 0 {
			mask = r.archByID[s.archetype].mask
		}
		fn(uint32(i), s.generation, mask, s.state)
	}
}

// MaxLiveIndex returns the highest live entity index, or 0 when the
// repository holds no entities.
func (r *Repo) MaxLiveIndex() uint32 {
	for i := len(r.idx.slots) - 1; i >= 0; i-- {
		if r.idx.slots[i].alive {
			return uint32(i)
		}
	}
	return 0
}

// AttachRecorder marks the repository as drained by a recorder so pruning
// leaves the destruction log alone.
func (r *Repo) AttachRecorder() {
	r.recorderAttached = true
}

// DetachRecorder releases the destruction log back to pruning.
func (r *Repo) DetachRecorder() {
	r.recorderAttached = false
	r.destroyed = r.destroyed[:0]
}

// DrainDestroyed snapshots and clears the destruction log, returning the
// indices >= min destroyed since the previous drain.
func (r *Repo) DrainDestroyed(min uint32) []uint32 {
	var out []uint32
	for _, idx := range r.destroyed {
		if idx >= min {
			out = append(out, idx)
		}
	}
	r.destroyed = r.destroyed[:0]
	return out
}

// BeginRestore suspends destruction logging while the playback engine
// rewrites repository state.
func (r *Repo) BeginRestore() error {
	if r.restoring {
		return ErrRestoreNesting
	}
	r.restoring = true
	return nil
}

// EndRestore sets the global version to the restored tick and resumes
// normal operation.
func (r *Repo) EndRestore(tick uint64) {
	r.version = tick
	r.restoring = false
}

// RestoreDestroy destroys the entity at idx regardless of generation.
// Destroying an empty slot is a no-op.
func (r *Repo) RestoreDestroy(idx uint32) {
	if int(idx) >= len(r.idx.slots) {
		return
	}
	s := &r.idx.slots[idx]
	if !s.alive {
		return
	}
	_ = r.DestroyEntity(Entity{Index: idx, Generation: s.generation})
}

// RestoreMarkDead releases the entity at idx from the index (managed
// release, slot marked dead, free list) without structurally removing its row.
// The playback engine uses it for delta destructions: every chunk the
// recording repository touched while destroying arrives re-synced in the
// same frame, so a local swap-remove would only desync untouched chunks.
func (r *Repo) RestoreMarkDead(idx uint32) {
	if int(idx) >= len(r.idx.slots) || !r.idx.slots[idx].alive {
		return
	}
	for _, col := range r.managed {
		if col != nil {
			col.remove(idx)
		}
	}
	r.idx.release(idx)
}

// RestoreEntity materializes an entity at a recorded index and generation.
// An entity already living at idx is destroyed first; the recorded one
// replaces it. The entity joins no archetype until a RestoreChunk or
// RestoreChunkEntities call places it.
func (r *Repo) RestoreEntity(idx uint32, gen uint16, state Lifecycle) error {
	if int(idx) < len(r.idx.slots) && r.idx.slots[idx].alive {
		_ = r.DestroyEntity(Entity{Index: idx, Generation: r.idx.slots[idx].generation})
	}
	return r.idx.allocAt(idx, gen, state)
}

// RestoreCompact retires trailing empty chunks, as left behind by
// zero-row delta syncs, so a following keyframe rebuilds against a clean
// chunk list.
func (r *Repo) RestoreCompact() {
	r.retireEmptyChunks()
}

// RestoreColumn carries one column payload for RestoreChunk.
type RestoreColumn struct {
	Type TypeID
	Data []byte
}

// RestoreChunk appends a chunk with the given entity handles and column
// payloads to the archetype identified by mask, returning the chunk's
// index. Columns absent from cols stay zeroed. Entity index slots are
// patched to point at the new rows; the entities must already exist via
// RestoreEntity.
func (r *Repo) RestoreChunk(mask Mask, entities []Entity, cols []RestoreColumn) (int, error) {
	a := r.getOrCreateArchetype(mask)
	if len(entities) > a.capacity {
		return 0, fmt.Errorf("%w: %d rows, capacity %d", ErrChunkOverflow, len(entities), a.capacity)
	}
	buf, err := r.arena.acquire()
	if err != nil {
		return 0, err
	}
	c := newChunk(buf, len(a.types))
	c.rows = len(entities)
	a.chunks = append(a.chunks, c)
	ci := len(a.chunks) - 1

	copy(c.entities(a), entities)
	for _, col := range cols {
		d := r.reg.lookup(col.Type)
		slot := a.slotOf(d)
		if slot < 0 {
			return 0, fmt.Errorf("ecs: restored column %s not in archetype", d.Name)
		}
		want := len(entities) * int(d.Size)
		if len(col.Data) != want {
			return 0, fmt.Errorf("%w: column %s: got %d, want %d", ErrColumnSize, d.Name, len(col.Data), want)
		}
		copy(c.buf[a.offsets[slot]:], col.Data)
	}
	r.touchStructural(c)
	r.patchRows(a, ci)
	return ci, nil
}

// RestoreChunkEntities replaces the entity handle array of an existing
// chunk (growing or shrinking its row count), materializing entities the
// index does not know yet. Chunk indices beyond the current list are
// created empty up to the requested one.
func (r *Repo) RestoreChunkEntities(mask Mask, chunkIdx int, entities []Entity) error {
	a := r.getOrCreateArchetype(mask)
	if len(entities) > a.capacity {
		return fmt.Errorf("%w: %d rows, capacity %d", ErrChunkOverflow, len(entities), a.capacity)
	}
	if err := r.ensureChunk(a, chunkIdx); err != nil {
		return err
	}
	c := a.chunks[chunkIdx]
	c.rows = len(entities)
	copy(c.entities(a), entities)
	for _, e := range entities {
		if !r.idx.isAlive(e) {
			if err := r.idx.allocAt(e.Index, e.Generation, LifecycleActive); err != nil {
				return err
			}
		}
	}
	r.touchStructural(c)
	r.patchRows(a, chunkIdx)
	return nil
}

// RestoreChunkColumn overlays one column of an existing chunk with
// recorded bytes. The payload must cover exactly the chunk's current rows.
func (r *Repo) RestoreChunkColumn(mask Mask, chunkIdx int, typeID TypeID, data []byte) error {
	a := r.getOrCreateArchetype(mask)
	if err := r.ensureChunk(a, chunkIdx); err != nil {
		return err
	}
	c := a.chunks[chunkIdx]
	d := r.reg.lookup(typeID)
	slot := a.slotOf(d)
	if slot < 0 {
		return fmt.Errorf("ecs: restored column %s not in archetype", d.Name)
	}
	want := c.rows * int(d.Size)
	if len(data) != want {
		return fmt.Errorf("%w: column %s: got %d, want %d", ErrColumnSize, d.Name, len(data), want)
	}
	copy(c.buf[a.offsets[slot]:], data)
	r.touchColumn(c, slot)
	return nil
}

// ensureChunk extends the archetype's chunk list with empty chunks until
// chunkIdx exists.
func (r *Repo) ensureChunk(a *archetype, chunkIdx int) error {
	if chunkIdx < 0 {
		return ErrNoSuchChunk
	}
	for len(a.chunks) <= chunkIdx {
		buf, err := r.arena.acquire()
		if err != nil {
			return err
		}
		a.chunks = append(a.chunks, newChunk(buf, len(a.types)))
	}
	return nil
}

// patchRows points the entity index at the rows of one chunk.
func (r *Repo) patchRows(a *archetype, ci int) {
	c := a.chunks[ci]
	for row, e := range c.entities(a)[:c.rows] {
		if int(e.Index) >= len(r.idx.slots) {
			continue
		}
		s := &r.idx.slots[e.Index]
		if !s.alive || s.generation != e.Generation {
			continue
		}
		s.archetype = a.id
		s.chunk = int32(ci)
		s.row = int32(row)
	}
}
