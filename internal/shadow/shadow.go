// Package shadow implements the Shadow Code Arena (spec.md §3/§4.D): the
// per-code-object container for a rewritten bytecode copy and the five
// typed tables its specialized opcodes index into. Arena is itself the
// host.Bytecode implementation the dispatcher and fast-path handlers patch
// — the rewritten instruction stream lives in arena-allocated memory
// (internal/arena, the teacher's GC-bypassing bump allocator wrapper
// narrowed to instruction tables) so a whole code object's specialization state can be
// dropped in one O(1) release when the arena compacts or is cleared.
//
// Specialized opcodes keep their original two-byte shape (Op, Arg
// uint8): Arg doubles as a table index once specialized, and the
// reserved value Unspecialized marks a site that has not yet been
// cache-specialized (every execution at that site takes the generic,
// always-miss path until the dispatcher installs a real index).
//
// © 2025 shadowcode authors. MIT License.
package shadow

import (
	arenapkg "github.com/shadowvm/shadowcode/internal/arena"
	"github.com/shadowvm/shadowcode/internal/entry"
	"github.com/shadowvm/shadowcode/internal/genring"
	"github.com/shadowvm/shadowcode/internal/host"
)

// Unspecialized is the sentinel operand value meaning "this site has not
// been specialized yet" — the generic-but-cache-aware opcode form spec.md
// §4.D's `init` describes.
const Unspecialized uint8 = 0xFF

// Arena is the per-code-object Shadow Code Arena.
type Arena struct {
	code     host.Code // weak back-link to the original, immutable code object
	original []host.Opcode

	ring                *genring.Ring
	instructions        []host.Instruction // rewritten copy, arena-backed
	compactionThreshold int64

	Globals           []*entry.GlobalCache
	globalIPs         []int
	L1Cache           []entry.Kind // *entry.InstanceAttr or *entry.ModuleAttr
	l1IPs             []int
	PolymorphicCaches []*entry.Polymorphic
	polyIPs           []int
	CastCache         []host.Type
	FieldCaches       []*entry.FieldCache
	fieldIPs          []int

	UpdateCount uint64
}

// Init allocates a fresh Arena for code and copies its instruction stream
// unmodified — every opcode already carries a cache-slot operand byte, so no
// separate "specialized opcode" numbering is needed; specialization simply
// rewrites Arg from Unspecialized to a live table index (spec.md §4.D
// `init`). compactionThreshold bounds UpdateCount before genring-style table
// compaction runs (SPEC_FULL.md §6.D).
func Init(code host.Code, compactionThreshold int64) *Arena {
	n := code.Len()
	a := &Arena{
		code:                code,
		original:            make([]host.Opcode, n),
		ring:                genring.New(compactionThreshold),
		compactionThreshold: compactionThreshold,
	}
	a.instructions = arenapkg.NewInstructionTable(a.ring.Active().Arena(), n)
	for i := 0; i < n; i++ {
		instr := code.At(i)
		a.original[i] = instr.Op
		a.instructions[i] = instr
	}
	return a
}

/* -------------------------------------------------------------------------
   host.Bytecode implementation
   ------------------------------------------------------------------------- */

// Len implements host.Bytecode.
func (a *Arena) Len() int { return len(a.instructions) }

// At implements host.Bytecode.
func (a *Arena) At(ip int) host.Instruction { return a.instructions[ip] }

// Patch implements host.Bytecode: an in-place, non-atomic two-byte rewrite,
// safe only because of the single-execution-thread contract (spec.md §5,
// §9 "Bytecode rewrite races").
func (a *Arena) Patch(ip int, op host.Opcode, arg uint8) {
	a.instructions[ip] = host.Instruction{Op: op, Arg: arg}
}

// Revert restores ip to its original generic opcode with an Unspecialized
// operand, used by invalidation and by compaction when an entry is dropped.
func (a *Arena) Revert(ip int) {
	a.instructions[ip] = host.Instruction{Op: a.original[ip], Arg: Unspecialized}
}

/* -------------------------------------------------------------------------
   Table binding — dispatcher calls these when installing a specialization
   ------------------------------------------------------------------------- */

// BindGlobal reserves the next Globals slot for ip, patches ip to op with
// that slot as its operand, and returns the index. The patch happens before
// recordUpdate so that a compaction triggered by this very call already
// sees the correct (op, idx) pair at ip and only ever needs to rewrite Arg,
// never race the caller for the right to set it.
func (a *Arena) BindGlobal(ip int, op host.Opcode, e *entry.GlobalCache) int {
	idx := len(a.Globals)
	a.Globals = append(a.Globals, e)
	a.globalIPs = append(a.globalIPs, ip)
	a.Patch(ip, op, uint8(idx))
	a.recordUpdate()
	return idx
}

// BindL1 reserves the next L1Cache slot for ip and patches ip to op; see
// BindGlobal for why the patch must precede recordUpdate.
func (a *Arena) BindL1(ip int, op host.Opcode, e entry.Kind) int {
	idx := len(a.L1Cache)
	a.L1Cache = append(a.L1Cache, e)
	a.l1IPs = append(a.l1IPs, ip)
	a.Patch(ip, op, uint8(idx))
	a.recordUpdate()
	return idx
}

// ReplaceL1 overwrites an existing L1Cache slot in place without changing
// its bound ip or bytecode operand, e.g. when a monomorphic site
// re-specializes for the same type it already caches.
func (a *Arena) ReplaceL1(idx int, e entry.Kind) {
	a.L1Cache[idx] = e
}

// BindPolymorphic reserves the next PolymorphicCaches slot for ip and
// patches ip to op.
func (a *Arena) BindPolymorphic(ip int, op host.Opcode, p *entry.Polymorphic) int {
	idx := len(a.PolymorphicCaches)
	a.PolymorphicCaches = append(a.PolymorphicCaches, p)
	a.polyIPs = append(a.polyIPs, ip)
	a.Patch(ip, op, uint8(idx))
	a.recordUpdate()
	return idx
}

// ReplaceField overwrites an existing FieldCaches slot in place without
// changing its bound ip or bytecode operand, used when a BINARY_SUBSCR site
// re-specializes for a new type at the same index instead of leaking a
// fresh row on every respecialization.
func (a *Arena) ReplaceField(idx int, e *entry.FieldCache) {
	a.FieldCaches[idx] = e
}

// BindCast reserves the next CastCache slot, used by type-cast guards.
// CastCache holds plain host.Type guard values, not entry.Kind, so it is
// never compacted by invalidation — only Clear drops it. Unlike the other
// Bind* methods it does not own a single fixed ip (a cast guard may be
// shared across sites), so the caller patches its own site(s) separately.
func (a *Arena) BindCast(t host.Type) int {
	idx := len(a.CastCache)
	a.CastCache = append(a.CastCache, t)
	a.recordUpdate()
	return idx
}

// BindField reserves the next FieldCaches slot for ip and patches ip to op.
func (a *Arena) BindField(ip int, op host.Opcode, e *entry.FieldCache) int {
	idx := len(a.FieldCaches)
	a.FieldCaches = append(a.FieldCaches, e)
	a.fieldIPs = append(a.fieldIPs, ip)
	a.Patch(ip, op, uint8(idx))
	a.recordUpdate()
	return idx
}

// RevertEntry reverts the bytecode site currently bound to k back to its
// generic, Unspecialized form, if k is bound in one of this arena's tables.
// Used by the invalidation protocol to restore a generic opcode immediately
// rather than waiting for k's dropped row to be swept by the next
// compaction pass. A linear scan is acceptable here: invalidation is not a
// hot-path event.
func (a *Arena) RevertEntry(k entry.Kind) {
	for i, e := range a.L1Cache {
		if e == k {
			a.Revert(a.l1IPs[i])
			return
		}
	}
	for i, p := range a.PolymorphicCaches {
		if p == k {
			a.Revert(a.polyIPs[i])
			return
		}
	}
	for i, e := range a.Globals {
		if e == k {
			a.Revert(a.globalIPs[i])
			return
		}
	}
	for i, e := range a.FieldCaches {
		if e == k {
			a.Revert(a.fieldIPs[i])
			return
		}
	}
}

func (a *Arena) recordUpdate() {
	a.UpdateCount++
	if a.ring.CheckRotationNeeded() {
		a.compact()
	}
}

/* -------------------------------------------------------------------------
   Compaction — SPEC_FULL.md §6.D
   ------------------------------------------------------------------------- */

// compact drops every invalidated row from the four invalidation-aware
// tables, reverting the bytecode site of each dropped row back to its
// generic form, and remaps the bytecode sites of every surviving row to its
// new (compacted) index. The rewritten instruction stream itself is copied
// forward into a freshly rotated arena generation, releasing the old
// generation's memory in one call.
func (a *Arena) compact() {
	a.Globals, a.globalIPs = compactGlobals(a, a.Globals, a.globalIPs)
	a.L1Cache, a.l1IPs = compactKinds(a, a.L1Cache, a.l1IPs)
	a.PolymorphicCaches, a.polyIPs = compactPolymorphic(a, a.PolymorphicCaches, a.polyIPs)
	a.FieldCaches, a.fieldIPs = compactFields(a, a.FieldCaches, a.fieldIPs)

	// The freed generation's bump-allocator memory is released here; its
	// id is not tracked by any clockpro registry (that bookkeeping lives
	// in internal/typedir's L2Cache, keyed on directory invalidation
	// generations, not on shadow arena generations).
	a.ring.Rotate()

	fresh := arenapkg.NewInstructionTable(a.ring.Active().Arena(), len(a.instructions))
	copy(fresh, a.instructions)
	a.instructions = fresh
}

func compactGlobals(a *Arena, table []*entry.GlobalCache, ips []int) ([]*entry.GlobalCache, []int) {
	newTable := make([]*entry.GlobalCache, 0, len(table))
	newIPs := make([]int, 0, len(ips))
	for i, e := range table {
		ip := ips[i]
		if e != nil && !e.Invalidated() {
			a.instructions[ip] = host.Instruction{Op: a.instructions[ip].Op, Arg: uint8(len(newTable))}
			newTable = append(newTable, e)
			newIPs = append(newIPs, ip)
		} else {
			a.Revert(ip)
		}
	}
	return newTable, newIPs
}

func compactKinds(a *Arena, table []entry.Kind, ips []int) ([]entry.Kind, []int) {
	newTable := make([]entry.Kind, 0, len(table))
	newIPs := make([]int, 0, len(ips))
	for i, e := range table {
		ip := ips[i]
		if e != nil && !e.Invalidated() {
			a.instructions[ip] = host.Instruction{Op: a.instructions[ip].Op, Arg: uint8(len(newTable))}
			newTable = append(newTable, e)
			newIPs = append(newIPs, ip)
		} else {
			a.Revert(ip)
		}
	}
	return newTable, newIPs
}

func compactPolymorphic(a *Arena, table []*entry.Polymorphic, ips []int) ([]*entry.Polymorphic, []int) {
	newTable := make([]*entry.Polymorphic, 0, len(table))
	newIPs := make([]int, 0, len(ips))
	for i, p := range table {
		ip := ips[i]
		if p != nil && !p.Invalidated() {
			a.instructions[ip] = host.Instruction{Op: a.instructions[ip].Op, Arg: uint8(len(newTable))}
			newTable = append(newTable, p)
			newIPs = append(newIPs, ip)
		} else {
			a.Revert(ip)
		}
	}
	return newTable, newIPs
}

func compactFields(a *Arena, table []*entry.FieldCache, ips []int) ([]*entry.FieldCache, []int) {
	newTable := make([]*entry.FieldCache, 0, len(table))
	newIPs := make([]int, 0, len(ips))
	for i, e := range table {
		ip := ips[i]
		if e != nil && !e.Invalidated() {
			a.instructions[ip] = host.Instruction{Op: a.instructions[ip].Op, Arg: uint8(len(newTable))}
			newTable = append(newTable, e)
			newIPs = append(newIPs, ip)
		} else {
			a.Revert(ip)
		}
	}
	return newTable, newIPs
}

// Clear implements spec.md §4.D `clear` / §4.G event 4 ("arena cleared"):
// every table is dropped and the underlying arena memory released.
// Callers must have already unlinked this Arena from every type directory
// that references it (internal/invalidate does this before calling Clear).
func (a *Arena) Clear() {
	a.Globals = nil
	a.globalIPs = nil
	a.L1Cache = nil
	a.l1IPs = nil
	a.PolymorphicCaches = nil
	a.polyIPs = nil
	a.CastCache = nil
	a.FieldCaches = nil
	a.fieldIPs = nil
	a.ring.Active().Arena().Free()
	a.instructions = nil
}

// Code returns the original, immutable code object this arena shadows.
func (a *Arena) Code() host.Code { return a.code }
