// Package typedir implements the Type Cache Registry (SPEC_FULL.md §6.C):
// a per-type directory of every cache entry that currently depends on that
// type, attached non-owningly so the directory's lifetime tracks its owner
// without pinning it. Go has no destructors, so the "weak reference...
// cleaned up when the referent is finalized" lifecycle is realized with the
// standard library's Go 1.24 `weak` package: a Directory holds a
// weak.Pointer back to its owner's identity, and Sweep reclaims directories
// whose owner has already been collected. The teacher has no analog for
// this component (its Cache[K,V] has no notion of a type at all); grounding
// for the directory shape comes directly from spec.md §3/§4.C, and for the
// bounded secondary cache from the adapted internal/clockpro ring.
//
// © 2025 shadowcode authors. MIT License.
package typedir

import (
	"strconv"
	"sync"
	"unsafe"
	"weak"

	"github.com/shadowvm/shadowcode/internal/clockpro"
	"github.com/shadowvm/shadowcode/internal/dedup"
	"github.com/shadowvm/shadowcode/internal/entry"
	"github.com/shadowvm/shadowcode/internal/host"
	"github.com/shadowvm/shadowcode/internal/shadow"
)

// Directory is the per-type cache directory of spec.md §3/§4.C.
type Directory struct {
	owner weak.Pointer[byte] // non-owning identity link back to the host.Type

	// InvalidateCount increases on every relevant mutation (spec.md §3).
	InvalidateCount uint64

	// Metatype back-links to the directory of this type's own type, when
	// the owner is itself an instance of a custom metaclass.
	Metatype *Directory

	// TypeInsts maps (code-object cache) -> (attribute-name -> entry),
	// i.e. every cache entry across every shadow arena that currently
	// depends on this type.
	TypeInsts map[*shadow.Arena]map[string]entry.Kind

	// L2Cache short-circuits re-specialization across sites: an
	// already-resolved generic entry keyed by attribute name, bounded by
	// internal/clockpro instead of grown unboundedly.
	L2Cache *clockpro.Clock[string, entry.Kind]
}

// RecordDependency links entry e (resolving name against arena) into this
// directory's dependency map, per spec.md §4.C.
func (d *Directory) RecordDependency(arena *shadow.Arena, name string, e entry.Kind) {
	m, ok := d.TypeInsts[arena]
	if !ok {
		m = make(map[string]entry.Kind)
		d.TypeInsts[arena] = m
	}
	m[name] = e
}

// PutL2 records a resolved entry in the secondary cache under the
// directory's current invalidation generation, so a later Invalidate can
// drop it in bulk via clockpro.GenerationEvicted.
func (d *Directory) PutL2(name string, e entry.Kind) {
	d.L2Cache.Insert(name, e, uint32(d.InvalidateCount))
}

// GetL2 looks up a previously resolved generic entry.
func (d *Directory) GetL2(name string) (entry.Kind, bool) {
	return d.L2Cache.Get(name)
}

// Owner returns the directory's owning type, or nil if it has already been
// collected.
func (d *Directory) Owner() unsafe.Pointer {
	p := d.owner.Value()
	if p == nil {
		return nil
	}
	return unsafe.Pointer(p)
}

/* -------------------------------------------------------------------------
   Registry — get_or_create / find / invalidate (spec.md §4.C)
   ------------------------------------------------------------------------- */

// Registry owns every live Directory, keyed by the identity of its owning
// host.Type. A single interpreter thread normally drives every operation
// (spec.md §5); the mutex only guards the rarer concurrent first-touch race
// under a multi-OS-thread host (sub-interpreters / free-threaded builds),
// deduplicated further via a singleflight group so that race never
// constructs two directories for the same type.
type Registry struct {
	mu       sync.Mutex
	dirs     map[uintptr]*Directory
	l2Budget int
	dedup    dedup.Group
}

// NewRegistry constructs an empty registry. l2Budget bounds every
// directory's L2Cache entry count (<=0 disables the bound).
func NewRegistry(l2Budget int) *Registry {
	return &Registry{
		dirs:     make(map[uintptr]*Directory),
		l2Budget: l2Budget,
	}
}

func identity(owner host.Type) uintptr {
	return uintptr(owner.BasePointer())
}

// Find returns the directory for owner, or nil without allocating one
// (spec.md §4.C `find`).
func (r *Registry) Find(owner host.Type) *Directory {
	id := identity(owner)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirs[id]
}

// GetOrCreate returns the directory for owner, allocating one lazily on
// first touch (spec.md §4.C `get_or_create`, §3 "created lazily on first
// specialization"). Concurrent first touches of the same owner are
// deduplicated so only one Directory is ever constructed for it.
func (r *Registry) GetOrCreate(owner host.Type) *Directory {
	id := identity(owner)

	r.mu.Lock()
	if d, ok := r.dirs[id]; ok {
		r.mu.Unlock()
		return d
	}
	r.mu.Unlock()

	key := strconv.FormatUint(uint64(id), 16)
	v, _, _ := r.dedup.Do(key, func() (any, error) {
		r.mu.Lock()
		if d, ok := r.dirs[id]; ok {
			r.mu.Unlock()
			return d, nil
		}
		r.mu.Unlock()

		d := &Directory{
			owner:     weak.Make((*byte)(owner.BasePointer())),
			TypeInsts: make(map[*shadow.Arena]map[string]entry.Kind),
			L2Cache:   clockpro.NewClock[string, entry.Kind](r.l2Budget, nil),
		}
		if mt := owner.TypeOf(); owner.IsMetaclassCustom() && mt != nil {
			d.Metatype = r.GetOrCreate(mt)
		}

		r.mu.Lock()
		r.dirs[id] = d
		r.mu.Unlock()
		return d, nil
	})
	return v.(*Directory)
}

// Invalidate implements spec.md §4.G event 1 ("type modified"): every
// dependent entry across every arena is poisoned, the directory's
// generation advances, and every L2Cache row computed under the previous
// generation is dropped in one pass.
func (r *Registry) Invalidate(d *Directory) {
	prevGen := uint32(d.InvalidateCount)
	d.InvalidateCount++

	for _, perName := range d.TypeInsts {
		for _, e := range perName {
			e.Invalidate()
		}
	}
	d.TypeInsts = make(map[*shadow.Arena]map[string]entry.Kind)
	d.L2Cache.GenerationEvicted(prevGen)
}

// Sweep removes directories whose owner has already been collected,
// reclaiming the registry entry the weak.Pointer could not reclaim on its
// own (Go has no destructor to hook the delete into). Safe to call
// periodically; it is not required for correctness, only for bounding
// registry memory over a long-running process.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, d := range r.dirs {
		if d.owner.Value() == nil {
			delete(r.dirs, id)
			removed++
		}
	}
	return removed
}

// ForgetArena removes arena's dependency row from every live directory,
// used when a code object's shadow arena is torn down (spec.md §4.G event
// 4, "drop type-registry links"). This walks the whole registry rather than
// a per-arena reverse index; arena teardown happens at code-object
// finalization, not on the hot path, so the linear scan is acceptable.
func (r *Registry) ForgetArena(arena *shadow.Arena) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.dirs {
		delete(d.TypeInsts, arena)
	}
}

// Len reports the number of live directories, for Runtime.Stats().
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dirs)
}
