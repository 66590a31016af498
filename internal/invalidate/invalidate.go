// Package invalidate implements the Invalidation Protocol (spec.md §4.G):
// the four event classes that keep shadow-code caches consistent with
// mutation of the host object model. Two of the four events are handled
// elsewhere because spec.md itself describes them as lazy, fast-path
// checks rather than a sweep: module dict rewrites are caught by
// internal/entry.ModuleAttr.Load comparing version tags, and an instance's
// split-dict keys being replaced is caught by
// internal/entry.InstanceAttr.loadSplitDict. This package only needs to
// implement the two event classes that require walking state the fast path
// cannot see on its own: a type's attribute resolution changing, and a
// code object's shadow arena being torn down.
//
// © 2025 shadowcode authors. MIT License.
package invalidate

import (
	"go.uber.org/zap"

	"github.com/shadowvm/shadowcode/internal/host"
	"github.com/shadowvm/shadowcode/internal/shadow"
	"github.com/shadowvm/shadowcode/internal/typedir"
)

// Protocol drives invalidation against a type cache registry, logging the
// rarer slow-path events (never the fast-path hit/miss events themselves,
// which are counted, not logged, in pkg/).
type Protocol struct {
	registry *typedir.Registry
	logger   *zap.Logger
}

// New constructs a Protocol. A nil logger defaults to zap.NewNop().
func New(registry *typedir.Registry, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{registry: registry, logger: logger}
}

// OnTypeModified implements spec.md §4.G event 1: any mutation of a type's
// MRO, __dict__, or descriptor set. Every entry depending on t is poisoned
// and its bytecode site reverted to the generic opcode immediately (rather
// than waiting for the owning arena's next compaction pass), and the
// directory's InvalidateCount advances by exactly one (spec.md §8
// invariant 6).
func (p *Protocol) OnTypeModified(t host.Type) {
	dir := p.registry.Find(t)
	if dir == nil {
		// Never specialized against; nothing depends on it yet.
		return
	}

	poisoned := 0
	for arena, perName := range dir.TypeInsts {
		for _, e := range perName {
			e.Invalidate()
			arena.RevertEntry(e)
			poisoned++
		}
	}
	p.registry.Invalidate(dir)

	if ce := p.logger.Check(zap.DebugLevel, "type modified"); ce != nil {
		ce.Write(zap.String("type", t.Name()), zap.Int("entries_poisoned", poisoned))
	}
}

// ClearArena implements spec.md §4.G event 4: on code-object finalization,
// every entry's type-registry link is dropped before the arena's own
// tables are freed, so no directory retains a dangling arena key.
func (p *Protocol) ClearArena(arena *shadow.Arena) {
	p.registry.ForgetArena(arena)
	arena.Clear()

	if ce := p.logger.Check(zap.DebugLevel, "arena cleared"); ce != nil {
		ce.Write()
	}
}
