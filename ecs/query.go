package ecs

// Filter is a compiled query over the repository. Unmanaged predicates
// reduce to two 256-bit masks; managed and lifecycle predicates are checked
// per entity after the archetype match.
type Filter struct {
	repo         *Repo
	required     Mask
	forbidden    Mask
	managedReq   []TypeID
	lifecycle    Lifecycle
	hasLifecycle bool
	write        []TypeID
	workers      int
}

// NewFilter starts a query. Predicates may be chained; the zero filter
// matches every live entity.
func (r *Repo) NewFilter() *Filter {
	return &Filter{repo: r}
}

// With requires the unmanaged components ids to be present.
func (f *Filter) With(ids ...TypeID) *Filter {
	for _, id := range ids {
		d := f.repo.reg.lookup(id)
		if d.Kind != KindUnmanaged {
			panic("ecs: With requires an unmanaged type, got " + d.Name)
		}
		f.required = f.required.with(d.Bit)
	}
	return f
}

// Without rejects archetypes carrying any of the unmanaged components ids.
func (f *Filter) Without(ids ...TypeID) *Filter {
	for _, id := range ids {
		d := f.repo.reg.lookup(id)
		if d.Kind != KindUnmanaged {
			panic("ecs: Without requires an unmanaged type, got " + d.Name)
		}
		f.forbidden = f.forbidden.with(d.Bit)
	}
	return f
}

// WithManaged requires the managed components ids to be present, checked
// per entity via the presence bitsets.
func (f *Filter) WithManaged(ids ...TypeID) *Filter {
	for _, id := range ids {
		d := f.repo.reg.lookup(id)
		if d.Kind != KindManaged {
			panic("ecs: WithManaged requires a managed type, got " + d.Name)
		}
		f.managedReq = append(f.managedReq, id)
	}
	return f
}

// WithLifecycle restricts matches to entities in the given state.
func (f *Filter) WithLifecycle(state Lifecycle) *Filter {
	f.lifecycle = state
	f.hasLifecycle = true
	return f
}

// Write declares the unmanaged components the iteration body mutates. Every
// chunk the cursor enters has those columns stamped with the current
// version. A parallel body must mutate only declared components and only
// for the iterated entity.
func (f *Filter) Write(ids ...TypeID) *Filter {
	for _, id := range ids {
		d := f.repo.reg.lookup(id)
		if d.Kind != KindUnmanaged {
			panic("ecs: Write requires an unmanaged type, got " + d.Name)
		}
		f.write = append(f.write, id)
	}
	return f
}

// Workers fixes the parallel worker count; 0 picks GOMAXPROCS. Fixing the
// count fixes the chunk partition, which fixes cross-run determinism.
func (f *Filter) Workers(n int) *Filter {
	f.workers = n
	return f
}

func (f *Filter) matchArchetype(a *archetype) bool {
	return a.mask.containsAll(f.required) && !a.mask.intersects(f.forbidden)
}

func (f *Filter) matchRow(e Entity) bool {
	if f.hasLifecycle && f.repo.idx.slots[e.Index].state != f.lifecycle {
		return false
	}
	for _, id := range f.managedReq {
		if !f.repo.managed[id].has(e.Index) {
			return false
		}
	}
	return true
}

// chunkRef pins one chunk of one archetype for restricted iteration.
type chunkRef struct {
	arch     *archetype
	chunkIdx int
}

// Cursor iterates the entities matching a filter: archetypes in numeric
// mask order, chunks in append order, rows ascending. A restricted cursor
// (parallel worker) iterates a fixed chunk subset instead.
type Cursor struct {
	f        *Filter
	units    []chunkRef
	unitIdx  int
	archIdx  int
	arch     *archetype
	chunkIdx int
	chunk    *chunk
	row      int
}

// Cursor returns a fresh sequential cursor.
func (f *Filter) Cursor() *Cursor {
	return &Cursor{f: f, archIdx: -1, row: -1}
}

// enterChunk stamps the filter's write set on chunk entry.
func (c *Cursor) enterChunk() {
	if len(c.f.write) == 0 {
		return
	}
	for _, id := range c.f.write {
		d := c.f.repo.reg.lookup(id)
		if slot := c.arch.slotOf(d); slot >= 0 {
			c.f.repo.touchColumn(c.chunk, slot)
		}
	}
}

// Next advances to the next matching row. It returns false when the
// iteration is exhausted.
func (c *Cursor) Next() bool {
	for {
		if c.chunk != nil {
			c.row++
			for c.row < c.chunk.rows {
				if c.f.matchRow(c.chunk.entities(c.arch)[c.row]) {
					return true
				}
				c.row++
			}
			c.chunk = nil
		}
		if !c.nextChunk() {
			return false
		}
	}
}

func (c *Cursor) nextChunk() bool {
	if c.units != nil {
		if c.unitIdx >= len(c.units) {
			return false
		}
		u := c.units[c.unitIdx]
		c.unitIdx++
		c.arch = u.arch
		c.chunkIdx = u.chunkIdx
		c.chunk = u.arch.chunks[u.chunkIdx]
		c.row = -1
		c.enterChunk()
		return true
	}
	for {
		if c.arch != nil && c.chunkIdx+1 < len(c.arch.chunks) {
			c.chunkIdx++
			c.chunk = c.arch.chunks[c.chunkIdx]
			c.row = -1
			c.enterChunk()
			return true
		}
		c.arch = nil
		c.archIdx++
		if c.archIdx >= len(c.f.repo.archetypes) {
			return false
		}
		a := c.f.repo.archetypes[c.archIdx]
		if !c.f.matchArchetype(a) || len(a.chunks) == 0 {
			continue
		}
		c.arch = a
		c.chunkIdx = -1
	}
}

// Entity returns the entity at the cursor.
func (c *Cursor) Entity() Entity {
	return c.chunk.entities(c.arch)[c.row]
}

// Col returns a pointer to the current row's component T. T must be part of
// the matched archetype; asking for an absent column is a programming
// fault.
func Col[T any](c *Cursor) *T {
	d := unmanagedDesc[T](c.f.repo)
	slot := c.arch.slotOf(d)
	if slot < 0 {
		panic("ecs: " + d.Name + " not present on iterated archetype")
	}
	return (*T)(c.chunk.colPtr(c.arch, slot, c.row))
}

// ForEach runs fn once per matching row, sequentially and in deterministic
// order.
func (f *Filter) ForEach(fn func(*Cursor)) {
	cur := f.Cursor()
	for cur.Next() {
		fn(cur)
	}
}

// Count returns the number of matching entities.
func (f *Filter) Count() int {
	n := 0
	cur := f.Cursor()
	for cur.Next() {
		n++
	}
	return n
}
