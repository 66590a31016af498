// Package genring maintains a circular buffer ("ring") of arena generations
// backing a Shadow Code Arena's specialization tables (SPEC_FULL.md §6.D).
// Adapted from the teacher's TTL-and-byte-bounded generation ring: there a
// generation's lifetime was an elapsed wall-clock window and its size a
// weightFn-estimated byte count; a dynamic-language program never stops
// executing the same code object for long enough to make wall-clock TTL a
// meaningful compaction trigger here, so rotation is instead driven by
// UpdateCount — the number of specialization writes (LoadAttr/StoreAttr
// respecializations, polymorphic insertions) applied against the active
// generation's tables. Once that count crosses the configured budget, the
// ring rotates: the oldest generation's arena is freed in one bump-allocator
// release and a fresh generation takes its place, exactly the O(1) bulk
// release the teacher's ring gave TTL expiry.
//
// Concurrency model
// -----------------
// genring performs no locking of its own; the parent internal/shadow.Arena
// already serializes access under the single interpreter thread
// (SPEC_FULL.md §5) except for the update counters, kept atomic so stats
// reads never race a concurrent respecialization.
//
// © 2025 shadowcode authors. MIT License.
package genring

import (
	"sync/atomic"

	"github.com/shadowvm/shadowcode/internal/arena"
)

/* -------------------------------------------------------------------------
   Generation object
   ------------------------------------------------------------------------- */

type generation struct {
	id      uint32
	ar      *arena.Arena // nil once freed
	updates atomic.Int64 // specialization writes recorded against this generation
}

func newGeneration(id uint32) *generation {
	gen := &generation{id: id, ar: arena.New()}
	if gen.ar == nil {
		panic("genring: arena.New returned nil")
	}
	return gen
}

// ID returns the stable identifier for the generation.
func (g *generation) ID() uint32 { return g.id }

// Arena exposes the underlying bump allocator. Valid until the generation
// is rotated out and g.ar becomes nil.
func (g *generation) Arena() *arena.Arena { return g.ar }

func (g *generation) recordUpdate() { g.updates.Add(1) }

func (g *generation) updateCount() int64 { return g.updates.Load() }

// free releases the arena memory; the generation's id stays readable after
// the backing arena itself is gone.
func (g *generation) free() {
	if g.ar != nil {
		g.ar.Free()
		g.ar = nil
	}
}

/* -------------------------------------------------------------------------
   Ring — public API used by internal/shadow
   ------------------------------------------------------------------------- */

// Ring holds a fixed number of generations and rotates them as the active
// one accumulates specialization writes.
type Ring struct {
	gens       []*generation
	activeIdx  int
	maxUpdates int64

	idCtr atomic.Uint32
}

const defaultGenerations = 4

// New constructs a generation ring whose active slot rotates once it has
// recorded more than maxUpdatesPerGeneration specialization writes.
func New(maxUpdatesPerGeneration int64) *Ring {
	if maxUpdatesPerGeneration <= 0 {
		panic("genring: maxUpdatesPerGeneration must be positive")
	}

	r := &Ring{
		maxUpdates: maxUpdatesPerGeneration,
		gens:       make([]*generation, defaultGenerations),
	}

	// Generation IDs start at 1 (0 reserved for "no generation").
	r.idCtr.Store(1)
	r.gens[0] = newGeneration(r.idCtr.Load())
	r.activeIdx = 0
	return r
}

// Active returns the generation currently used for new allocations.
func (r *Ring) Active() *generation {
	return r.gens[r.activeIdx]
}

// CheckRotationNeeded records one specialization write against the active
// generation and reports whether its UpdateCount has crossed the configured
// budget — the table-compaction trigger in place of the teacher's
// byte-weight/TTL rotation.
func (r *Ring) CheckRotationNeeded() bool {
	g := r.Active()
	g.recordUpdate()
	return g.updateCount() > r.maxUpdates
}

// Rotate advances the ring, allocating a fresh generation and freeing the
// arena of whichever generation falls out of the window. The freed
// generation is returned (nil only before the ring is fully warmed up).
func (r *Ring) Rotate() *generation {
	nextIdx := (r.activeIdx + 1) % len(r.gens)

	dead := r.gens[nextIdx]
	if dead != nil {
		dead.free()
	}

	newID := r.idCtr.Add(1)
	r.gens[nextIdx] = newGeneration(newID)
	r.activeIdx = nextIdx
	return dead
}

// TotalUpdates sums the specialization-write counters across all live
// generations, exposed for Runtime.Stats().
func (r *Ring) TotalUpdates() int64 {
	var total int64
	for _, g := range r.gens {
		if g != nil {
			total += g.updateCount()
		}
	}
	return total
}
