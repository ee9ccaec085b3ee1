package ecs

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ForEachParallel runs fn once per matching row, splitting matching chunks
// across workers. Each chunk is exclusively owned by one worker for the
// duration; within a chunk rows ascend, across chunks order is unspecified.
// The partition is a fixed contiguous split of the deterministic chunk
// list, so a fixed worker count reproduces the same per-worker workloads
// run to run.
//
// The body must mutate only components declared in the filter's write set,
// and only for the iterated entity.
func (f *Filter) ForEachParallel(fn func(*Cursor)) {
	var units []chunkRef
	for _, a := range f.repo.archetypes {
		if !f.matchArchetype(a) {
			continue
		}
		for ci := range a.chunks {
			units = append(units, chunkRef{arch: a, chunkIdx: ci})
		}
	}
	workers := f.workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(units) {
		workers = len(units)
	}
	if workers <= 1 {
		f.ForEach(fn)
		return
	}

	block := (len(units) + workers - 1) / workers
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		lo := w * block
		hi := lo + block
		if lo >= len(units) {
			break
		}
		if hi > len(units) {
			hi = len(units)
		}
		part := units[lo:hi]
		g.Go(func() error {
			cur := &Cursor{f: f, units: part, row: -1}
			for cur.Next() {
				fn(cur)
			}
			return nil
		})
	}
	// Workers never return errors; Wait is the join point.
	_ = g.Wait()
}
