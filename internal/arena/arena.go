//go:build goexperiment.arenas
// +build goexperiment.arenas

// Package arena wraps Go 1.24's experimental `arena` package behind the one
// allocation internal/shadow actually needs from a generation: a rewritten
// bytecode instruction table that can be dropped in a single O(1) release
// when internal/genring rotates. Where the teacher's arena wrapper (kept
// as the model for this file) exposed a generic `New[T]`/`MakeSlice[T]`
// surface for an arbitrary K/V cache payload, shadowcode only ever arena-
// allocates one shape — `[]host.Instruction` — so the wrapper is narrowed
// to that shape instead of staying a generic allocator facade.
//
// Concurrency
// -----------
// arena.Arena is *not* thread‑safe; the owning internal/shadow.Arena already
// serialises patches per code object. Therefore we do not add any locking
// here.
//
// ⚠️  DISCLAIMER  ----------------------------------------------
// Using arenas bypasses the garbage collector; ensure objects allocated inside
// never escape to the heap **after** Free() is called. In shadowcode this is
// safe because cache entries are invalidated (per the invalidation protocol)
// before the arena backing them is ever rotated out.
// -------------------------------------------------------------
//
// © 2025 shadowcode authors. MIT License.

package arena

import (
	stdarena "arena" // standard library experimental package

	"github.com/shadowvm/shadowcode/internal/host"
	"github.com/shadowvm/shadowcode/internal/unsafehelpers"
)

// instructionTablePadding rounds every instruction-table allocation up to a
// multiple of this many entries, so two generations' tables are less likely
// to straddle the same arena chunk boundary and fragment it on rotation.
const instructionTablePadding = 16

// Arena is a thin new‑type wrapper that prevents external packages from
// directly depending on `arena.Arena`, giving us the freedom to switch to a
// different allocator if needed.
type Arena struct{ ar *stdarena.Arena }

// New constructs an empty arena ready for allocations.
func New() *Arena {
	return &Arena{ar: stdarena.NewArena()}
}

// Free releases **all** memory allocated in the arena. After the call, any
// slice previously returned from NewInstructionTable becomes invalid.
func (a *Arena) Free() {
	if a.ar != nil {
		a.ar.Free()
		a.ar = nil
	}
}

// NewInstructionTable allocates the rewritten-bytecode instruction slice a
// shadow code arena copies its code object into (internal/shadow.Init),
// the one arena-backed allocation shadowcode performs. The requested length
// is rounded up via unsafehelpers.AlignUp so that small code objects don't
// each force their own tiny arena chunk.
func NewInstructionTable(a *Arena, n int) []host.Instruction {
	padded := int(unsafehelpers.AlignUp(uintptr(n), instructionTablePadding))
	return stdarena.MakeSlice[host.Instruction](a.ar, n, padded)
}
