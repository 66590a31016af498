// Package dispatch implements the Specialization Dispatcher (spec.md
// §4.E): given an observed (owner, attribute name) pair at a bytecode
// site, it classifies which cache-entry shape applies and installs it into
// the Shadow Code Arena, promoting a site to Polymorphic the moment it
// observes a second distinct type.
//
// Grounded on the monomorphic → polymorphic → megamorphic state machine of
// nooga/paserati's pkg/vm/op_setprop.go: that cache keys a lookup on
// `po.shape` and walks from CacheStateUninitialized through
// CacheStatePolymorphic exactly the way Classify/Specialize below walk from
// an Unspecialized site through a monomorphic InstanceAttr to a
// Polymorphic array. shadowcode has no megamorphic state — the fixed
// capacity-4 array with FIFO eviction (spec.md §4.E, §8 invariant 5) is as
// far as promotion goes.
//
// © 2025 shadowcode authors. MIT License.
package dispatch

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/shadowvm/shadowcode/internal/dedup"
	"github.com/shadowvm/shadowcode/internal/entry"
	"github.com/shadowvm/shadowcode/internal/host"
	"github.com/shadowvm/shadowcode/internal/shadow"
	"github.com/shadowvm/shadowcode/internal/typedir"
)

// Dispatcher owns no mutable state of its own beyond what it needs to reach
// the type cache registry and logger; all specialization state lives in the
// arena and the registry it is given. dedup collapses concurrent
// respecializations of the same (arena, ip) site — the race a
// multi-OS-thread host (sub-interpreters, free-threaded builds) can hit
// when two threads observe a new type at the same call site at once — into
// a single Specialize call, the same golang.org/x/sync/singleflight wrapper
// internal/typedir uses for concurrent directory creation.
type Dispatcher struct {
	registry     *typedir.Registry
	logger       *zap.Logger
	dedup        dedup.Group
	dedupEnabled bool
}

// New constructs a Dispatcher over registry. A nil logger defaults to
// zap.NewNop() — the dispatcher never logs on a cache hit, only on
// uncacheable classifications and promotions (slow, diagnostic events).
// dedupEnabled mirrors WithSingleflightDedup; disable only under spec.md
// §5's baseline single-threaded-per-interpreter assumption.
func New(registry *typedir.Registry, logger *zap.Logger, dedupEnabled bool) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, logger: logger, dedupEnabled: dedupEnabled}
}

// Classify implements spec.md §4.E's classification steps 2-3 for an
// instance attribute access (step 1, "owner is a type/module itself",
// is handled directly by Runtime.LoadGlobal/LoadAttr against
// entry.ModuleAttr/GlobalCache — those never reach the dispatcher).
// isMethod must be true only when the caller is specializing a
// LOAD_METHOD site; it substitutes for inspecting the opcode value
// because the host API already separates LoadAttr from LoadMethod.
// Returns (nil, false) for uncacheable sites (spec.md §4.E case 3):
// custom metaclass __getattribute__, super proxies, or a name with no
// descriptor on an instance that has no instance dict. A name with no
// descriptor on an instance with a dict is classified as a dict shape
// even when the dict does not hold it yet.
func (d *Dispatcher) Classify(owner host.Instance, name string, isMethod bool, opcode host.Opcode) (*entry.InstanceAttr, bool) {
	t := owner.TypeOf()
	if t.IsMetaclassCustom() || t.IsSuperProxy() {
		d.logUncacheable(t, name, "custom metaclass or super proxy")
		return nil, false
	}

	descr, hasDescr := t.Lookup(name)
	dict := owner.InstanceDict()

	if hasDescr {
		switch descr.Kind() {
		case host.SlotDescriptor:
			e := entry.NewInstanceAttr(name, opcode, entry.ShapeSlot, t)
			e.SlotOffset = descr.SlotOffset()
			return e, true
		case host.DataDescriptor:
			return classifyDescrShape(name, opcode, t, descr, dict), true
		case host.NonDataDescriptor:
			if isMethod {
				return classifyMethodShape(name, opcode, t, descr, dict), true
			}
			return classifyDescrShape(name, opcode, t, descr, dict), true
		}
	}

	if dict == nil {
		d.logUncacheable(t, name, "no descriptor and no instance dict")
		return nil, false
	}
	if dict.IsSplit() {
		e := entry.NewInstanceAttr(name, opcode, entry.ShapeSplitDict, t)
		populateSplitDict(e, dict, name)
		return e, true
	}
	return entry.NewInstanceAttr(name, opcode, entry.ShapeDictNoDescr, t), true
}

func classifyDescrShape(name string, opcode host.Opcode, t host.Type, descr host.Descriptor, dict host.Dict) *entry.InstanceAttr {
	var shape entry.Shape
	switch {
	case dict == nil:
		shape = entry.ShapeNoDictDescr
	case dict.IsSplit():
		shape = entry.ShapeSplitDictDescr
	default:
		shape = entry.ShapeDictDescr
	}
	e := entry.NewInstanceAttr(name, opcode, shape, t)
	e.Descriptor = descr
	if shape == entry.ShapeSplitDictDescr {
		populateSplitDict(e, dict, name)
	}
	return e
}

func classifyMethodShape(name string, opcode host.Opcode, t host.Type, descr host.Descriptor, dict host.Dict) *entry.InstanceAttr {
	var shape entry.Shape
	switch {
	case dict == nil:
		shape = entry.ShapeNoDictMethod
	case dict.IsSplit():
		shape = entry.ShapeSplitDictMethod
	default:
		shape = entry.ShapeDictMethod
	}
	e := entry.NewInstanceAttr(name, opcode, shape, t)
	e.Descriptor = descr
	if shape == entry.ShapeSplitDictMethod {
		populateSplitDict(e, dict, name)
	}
	return e
}

// populateSplitDict fills in the split-dict index fields Classify must
// observe at classification time (spec.md §4.E): the keys-object identity
// and entry count, shared by every instance of the type until the keys
// object itself is replaced, and the name's index within it. An index miss
// (!ok) is a genuine negative hit, left at the InstanceAttr zero value of
// SplitIndex -1 rather than defaulted away.
func populateSplitDict(e *entry.InstanceAttr, dict host.Dict, name string) {
	e.KeysID = dict.KeysIdentity()
	e.NEntries = dict.NEntries()
	if idx, ok := dict.SplitIndex(name); ok {
		e.SplitIndex = idx
	}
}

func (d *Dispatcher) logUncacheable(t host.Type, name, reason string) {
	if ce := d.logger.Check(zap.DebugLevel, "uncacheable site"); ce != nil {
		ce.Write(zap.String("type", t.Name()), zap.String("attr", name), zap.String("reason", reason))
	}
}

// Specialize installs e at ip in arena under monoOp, promoting to a
// Polymorphic entry under polyOp the moment the site observes a second
// distinct type (spec.md §4.E). It also records e (or the promoted
// Polymorphic) as a dependency of e.Type's directory, creating that
// directory lazily if needed, so the invalidation protocol can find it
// later. Returns the entry.Kind now bound at ip.
func (d *Dispatcher) Specialize(arena *shadow.Arena, ip int, e *entry.InstanceAttr, monoOp, polyOp host.Opcode) entry.Kind {
	if !d.dedupEnabled {
		return d.specialize(arena, ip, e, monoOp, polyOp)
	}
	key := fmt.Sprintf("%p:%d", arena, ip)
	v, _, _ := d.dedup.Do(key, func() (any, error) {
		return d.specialize(arena, ip, e, monoOp, polyOp), nil
	})
	return v.(entry.Kind)
}

func (d *Dispatcher) specialize(arena *shadow.Arena, ip int, e *entry.InstanceAttr, monoOp, polyOp host.Opcode) entry.Kind {
	instr := arena.At(ip)

	if instr.Arg == shadow.Unspecialized {
		arena.BindL1(ip, monoOp, e)
		d.registerDependency(arena, e, e.AttrName(), e.Type)
		return e
	}

	switch instr.Op {
	case monoOp:
		existing, ok := arena.L1Cache[instr.Arg].(*entry.InstanceAttr)
		if ok && existing.Type == e.Type {
			// Re-specializing the same type in place (e.g. a refreshed
			// shape after a prior slight miss): just replace the entry.
			arena.ReplaceL1(int(instr.Arg), e)
			d.registerDependency(arena, e, e.AttrName(), e.Type)
			return e
		}
		poly := entry.NewPolymorphic(e.AttrName(), polyOp)
		if ok {
			poly.Insert(existing)
			d.registerDependency(arena, poly, e.AttrName(), existing.Type)
		}
		poly.Insert(e)
		d.registerDependency(arena, poly, e.AttrName(), e.Type)
		arena.BindPolymorphic(ip, polyOp, poly)

		if ce := d.logger.Check(zap.DebugLevel, "promoted to polymorphic"); ce != nil {
			ce.Write(zap.String("attr", e.AttrName()), zap.Int("ip", ip))
		}
		return poly

	case polyOp:
		poly := arena.PolymorphicCaches[instr.Arg]
		poly.Insert(e)
		d.registerDependency(arena, poly, e.AttrName(), e.Type)
		return poly

	default:
		// The site carries an unrelated specialized opcode (e.g. a cast
		// guard); overwrite it with a fresh monomorphic binding.
		arena.BindL1(ip, monoOp, e)
		d.registerDependency(arena, e, e.AttrName(), e.Type)
		return e
	}
}

func (d *Dispatcher) registerDependency(arena *shadow.Arena, k entry.Kind, name string, typ host.Type) {
	dir := d.registry.GetOrCreate(typ)
	dir.RecordDependency(arena, name, k)
}
