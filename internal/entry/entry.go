// Package entry implements shadowcode's cache entry kinds (spec.md §3, §4.B):
// per-site records describing a single attribute/global/subscript
// resolution, plus the "cache-type vtable" behaviors each kind exposes.
//
// Go has no runtime inheritance, so the tagged union + per-variant function
// table that spec.md's Design Notes (§9) ask for is realized as a small
// family of concrete structs sharing a `base` (name, opcode, invalidation
// flag) and a marker interface, Kind, used for storage and invalidation
// bookkeeping; callers that need the actual resolve behavior hold the
// concrete type (internal/dispatch picks it, internal/shadow stores it,
// pkg's opcode handlers type-switch on it) — the type switch itself is the
// "per-variant function table" the design note describes, realized with
// Go's native dispatch instead of a hand-rolled function-pointer struct.
//
// Every method here assumes it is called from the single interpreter thread
// holding the execution lock (spec.md §5): no locking is performed.
//
// © 2025 shadowcode authors. MIT License.
package entry

import (
	"errors"
	"unsafe"

	"github.com/shadowvm/shadowcode/internal/host"
	"github.com/shadowvm/shadowcode/internal/tagged"
	"github.com/shadowvm/shadowcode/internal/unsafehelpers"
)

// Sentinel errors returned by the vtable behaviors. ErrMiss means "the
// guard failed, take the slow/respecialization path" — it is not a user
// visible error and must never be surfaced past the opcode handler.
// ErrNoSuchAttribute and ErrUnsupported propagate as real errors.
var (
	ErrMiss            = errors.New("entry: cache guard failed, respecialize")
	ErrNoSuchAttribute = errors.New("entry: no such attribute")
	ErrUnsupported     = errors.New("entry: operation not supported by this cache variant")
)

// Shape enumerates the six concrete InstanceAttr storage shapes plus the
// three LOAD_METHOD variants from spec.md §4.B.
type Shape uint8

const (
	ShapeDictNoDescr Shape = iota
	ShapeDictDescr
	ShapeSplitDict
	ShapeSplitDictDescr
	ShapeSlot
	ShapeNoDictDescr
	ShapeDictMethod
	ShapeNoDictMethod
	ShapeSplitDictMethod
)

// IsMethodShape reports whether s is one of the three LOAD_METHOD variants.
func (s Shape) IsMethodShape() bool {
	return s == ShapeDictMethod || s == ShapeNoDictMethod || s == ShapeSplitDictMethod
}

func (s Shape) String() string {
	switch s {
	case ShapeDictNoDescr:
		return "DictNoDescr"
	case ShapeDictDescr:
		return "DictDescr"
	case ShapeSplitDict:
		return "SplitDict"
	case ShapeSplitDictDescr:
		return "SplitDictDescr"
	case ShapeSlot:
		return "Slot"
	case ShapeNoDictDescr:
		return "NoDictDescr"
	case ShapeDictMethod:
		return "DictMethod"
	case ShapeNoDictMethod:
		return "NoDictMethod"
	case ShapeSplitDictMethod:
		return "SplitDictMethod"
	default:
		return "Unknown"
	}
}

// base holds the fields common to every concrete entry kind.
type base struct {
	name    string
	opcode  host.Opcode
	invalid bool
}

func (b *base) AttrName() string         { return b.name }
func (b *base) OwnedOpcode() host.Opcode { return b.opcode }
func (b *base) Invalidated() bool        { return b.invalid }
func (b *base) Invalidate()              { b.invalid = true }

// Kind is the minimal marker interface satisfied by every concrete entry
// kind: storage, invalidation and diagnostics. The actual resolve behaviors
// are concrete-typed (see InstanceAttr, ModuleAttr, GlobalCache, FieldCache,
// Polymorphic below) because their owner/argument shapes genuinely differ
// (an instance vs. a module vs. a pair of globals/builtins dicts) — spec.md
// §4.B's "four polymorphic behaviors" are realized per concrete type rather
// than forced into one artificial interface.
type Kind interface {
	AttrName() string
	OwnedOpcode() host.Opcode
	Invalidated() bool
	Invalidate()
}

/* -------------------------------------------------------------------------
   InstanceAttr — the six non-module/global shapes plus the three method
   shapes from spec.md §4.B.
   ------------------------------------------------------------------------- */

// InstanceAttr is a per-site record describing how `name` resolves on
// instances of Type. Type and Descriptor are held non-owning: liveness is
// guaranteed by the invalidation protocol (internal/invalidate), not by a
// strong reference (spec.md §3 "Ownership").
type InstanceAttr struct {
	base

	Shape      Shape
	Type       host.Type
	Descriptor host.Descriptor // nil unless Shape has a descriptor component

	DictOffset int // may be negative, meaning "computed"; unused for Slot
	SlotOffset uintptr

	SplitIndex int     // -1 if not resolved in the instance's split dict
	KeysID     uintptr // dict-keys identity observed at classification time
	NEntries   int     // cached nentries of that keys object
}

// NewInstanceAttr constructs a fresh, valid entry for the given shape.
func NewInstanceAttr(name string, opcode host.Opcode, shape Shape, typ host.Type) *InstanceAttr {
	return &InstanceAttr{
		base:       base{name: name, opcode: opcode},
		Shape:      shape,
		Type:       typ,
		SplitIndex: -1,
	}
}

// guard is spec.md §4.F step 1: pointer-equality type check, common to all
// InstanceAttr shapes.
func (e *InstanceAttr) guard(owner host.Instance) bool {
	return !e.invalid && owner.TypeOf() == e.Type
}

// LoadAttr implements LOAD_ATTR's fast path for this shape.
func (e *InstanceAttr) LoadAttr(owner host.Instance) (tagged.Value, error) {
	if !e.guard(owner) {
		return tagged.Null, ErrMiss
	}
	switch e.Shape {
	case ShapeSlot:
		return e.loadSlot(owner)
	case ShapeDictNoDescr:
		return e.loadDictNoDescr(owner)
	case ShapeDictDescr:
		return e.loadDictDescr(owner)
	case ShapeSplitDict, ShapeSplitDictDescr:
		return e.loadSplitDict(owner)
	case ShapeNoDictDescr:
		return e.Descriptor.Get(owner, e.Type)
	default:
		return tagged.Null, ErrUnsupported
	}
}

// LoadMethod implements LOAD_METHOD's fast path. For the three dedicated
// method shapes it returns (owner as self, the unbound function) so the
// caller passes self itself without an intermediate bound-method allocation
// — the classic LOAD_METHOD optimization. For any other shape it returns
// (Null, the resolved attribute), treating that attribute as the callable
// with no special self handling.
func (e *InstanceAttr) LoadMethod(owner host.Instance) (selfOrNull, method tagged.Value, err error) {
	if !e.guard(owner) {
		return tagged.Null, tagged.Null, ErrMiss
	}
	if e.Shape.IsMethodShape() {
		fn, ferr := e.Descriptor.Get(nil, e.Type)
		if ferr != nil {
			return tagged.Null, tagged.Null, ferr
		}
		return tagged.FromObject(owner.BasePointer()), fn, nil
	}
	v, lerr := e.LoadAttr(owner)
	return tagged.Null, v, lerr
}

// StoreAttr implements STORE_ATTR's fast path.
func (e *InstanceAttr) StoreAttr(owner host.Instance, val tagged.Value) error {
	if !e.guard(owner) {
		return ErrMiss
	}
	switch e.Shape {
	case ShapeSlot:
		*(*tagged.Value)(offsetPtr(owner.BasePointer(), e.SlotOffset)) = val
		return nil
	case ShapeDictNoDescr:
		d := owner.InstanceDict()
		if d == nil {
			return ErrUnsupported
		}
		return d.SetItem(e.name, val)
	case ShapeDictDescr:
		if e.Descriptor.Kind() == host.DataDescriptor {
			return e.Descriptor.Set(owner, val)
		}
		d := owner.InstanceDict()
		if d == nil {
			return ErrUnsupported
		}
		return d.SetItem(e.name, val)
	case ShapeSplitDict, ShapeSplitDictDescr:
		d := owner.InstanceDict()
		if d == nil || !d.IsSplit() {
			return ErrMiss
		}
		if !unsafehelpers.UnpoisonedEqual(e.KeysID, d.KeysIdentity()) {
			return ErrMiss
		}
		return d.SetItem(e.name, val)
	case ShapeNoDictDescr:
		if e.Descriptor.Kind() != host.DataDescriptor {
			return ErrUnsupported
		}
		return e.Descriptor.Set(owner, val)
	default:
		return ErrUnsupported
	}
}

func (e *InstanceAttr) loadSlot(owner host.Instance) (tagged.Value, error) {
	v := *(*tagged.Value)(offsetPtr(owner.BasePointer(), e.SlotOffset))
	if tagged.IsNull(v) {
		return tagged.Null, ErrNoSuchAttribute
	}
	return v, nil
}

func (e *InstanceAttr) loadDictNoDescr(owner host.Instance) (tagged.Value, error) {
	d := owner.InstanceDict()
	if d == nil {
		return tagged.Null, ErrMiss
	}
	v, ok, err := d.Lookup(e.name)
	if err != nil {
		return tagged.Null, err
	}
	if !ok {
		return tagged.Null, ErrNoSuchAttribute
	}
	return v, nil
}

func (e *InstanceAttr) loadDictDescr(owner host.Instance) (tagged.Value, error) {
	d := owner.InstanceDict()
	if d != nil {
		// The dictionary lookup may run arbitrary __eq__/__hash__ code
		// (spec.md §5 suspension points), so copy the descriptor
		// reference before performing it and never re-read e afterwards.
		descr := e.Descriptor
		v, ok, err := d.Lookup(e.name)
		if err != nil {
			return tagged.Null, err
		}
		if ok {
			return v, nil
		}
		return descr.Get(owner, e.Type)
	}
	return e.Descriptor.Get(owner, e.Type)
}

// loadSplitDict implements spec.md §4.F's SplitDict/SplitDictDescr bullet,
// including the negative-hit distinction from §8 invariant 4.
func (e *InstanceAttr) loadSplitDict(owner host.Instance) (tagged.Value, error) {
	d := owner.InstanceDict()
	if d == nil || !d.IsSplit() {
		return tagged.Null, ErrMiss
	}
	keysID := d.KeysIdentity()
	if keysID == e.KeysID {
		// Keys object unchanged: splitIndex is still valid (or still -1).
		if e.SplitIndex < 0 {
			return e.negativeHitValue(owner)
		}
		return d.SplitValue(e.SplitIndex), nil
	}
	// Mismatch: distinguish hard miss (shape changed) from negative hit
	// (same shape observed before, just no key — poisoned keys pointer).
	if unsafehelpers.UnpoisonedEqual(e.KeysID, keysID) && d.NEntries() == e.NEntries {
		return e.negativeHitValue(owner)
	}
	return tagged.Null, ErrMiss
}

func (e *InstanceAttr) negativeHitValue(owner host.Instance) (tagged.Value, error) {
	if e.Shape == ShapeSplitDictDescr && e.Descriptor != nil {
		return e.Descriptor.Get(owner, e.Type)
	}
	return tagged.Null, nil
}

// addPointer returns base+offset as an unsafe.Pointer, the same
// fixed-layout-struct access pattern the teacher's internal/unsafehelpers
// documents for scalar hashing, repurposed here for slot/field reads.
func addPointer(base unsafe.Pointer, offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(base) + offset)
}

func offsetPtr(base unsafe.Pointer, offset uintptr) *tagged.Value {
	return (*tagged.Value)(addPointer(base, offset))
}

/* -------------------------------------------------------------------------
   ModuleAttr
   ------------------------------------------------------------------------- */

// ModuleAttr caches a module-level attribute lookup (spec.md §3, §4.F
// "Module"). Invalidation is lazy: the fast path compares the module dict's
// version tag against Version and refreshes on mismatch (a "slight miss",
// glossary), never via the walk-and-poison protocol of §4.G event 1.
type ModuleAttr struct {
	base

	Module  host.Module
	Version uint64
	Value   tagged.Value
}

func NewModuleAttr(name string, opcode host.Opcode, m host.Module) *ModuleAttr {
	return &ModuleAttr{base: base{name: name, opcode: opcode}, Module: m}
}

// Load returns the cached value, refreshing from the module dict if its
// version has advanced since the entry was built. The bool result reports
// whether a refresh (slight miss) occurred, for stats purposes.
func (e *ModuleAttr) Load() (v tagged.Value, slightMiss bool, err error) {
	if e.invalid {
		return tagged.Null, false, ErrMiss
	}
	d := e.Module.Dict()
	if d.Version() == e.Version {
		return e.Value, false, nil
	}
	nv, ok, lerr := d.Lookup(e.name)
	if lerr != nil {
		return tagged.Null, true, lerr
	}
	if !ok {
		return tagged.Null, true, ErrNoSuchAttribute
	}
	e.Version = d.Version()
	e.Value = nv
	return nv, true, nil
}

/* -------------------------------------------------------------------------
   GlobalCache
   ------------------------------------------------------------------------- */

// GlobalCache caches a LOAD_GLOBAL resolution against the combined
// (globals, builtins) version pair (spec.md §3, §8 scenario 5).
type GlobalCache struct {
	base

	GlobalsVersion  uint64
	BuiltinsVersion uint64
	Value           tagged.Value

	resolved bool // false until the first successful lookup fills Value
}

func NewGlobalCache(name string, opcode host.Opcode) *GlobalCache {
	return &GlobalCache{base: base{name: name, opcode: opcode}}
}

// Load returns the cached value, resolving via globals then builtins on the
// first call and again whenever either version tag has advanced.
func (e *GlobalCache) Load(globals, builtins host.Dict, globalsVersion, builtinsVersion uint64) (v tagged.Value, slightMiss bool, err error) {
	if e.invalid {
		return tagged.Null, false, ErrMiss
	}
	if e.resolved && globalsVersion == e.GlobalsVersion && builtinsVersion == e.BuiltinsVersion {
		return e.Value, false, nil
	}
	nv, ok, lerr := globals.Lookup(e.name)
	if lerr != nil {
		return tagged.Null, true, lerr
	}
	if !ok {
		nv, ok, lerr = builtins.Lookup(e.name)
		if lerr != nil {
			return tagged.Null, true, lerr
		}
	}
	if !ok {
		return tagged.Null, true, ErrNoSuchAttribute
	}
	e.GlobalsVersion = globalsVersion
	e.BuiltinsVersion = builtinsVersion
	e.Value = nv
	e.resolved = true
	return nv, true, nil
}

/* -------------------------------------------------------------------------
   FieldCache — primitive-typed attribute access (spec.md §3 FieldCacheEntry)
   ------------------------------------------------------------------------- */

// PrimitiveKind enumerates the field encodings FieldCache understands.
type PrimitiveKind uint8

const (
	PrimitiveTagged PrimitiveKind = iota // a plain tagged.Value slot
	PrimitiveInt64
	PrimitiveFloat64
)

// FieldCache caches a byte-offset + primitive-type-tag attribute access,
// used by BINARY_SUBSCR fast paths over fixed-layout containers (e.g. a
// buffer's length field) where no descriptor lookup is needed at all.
type FieldCache struct {
	base

	Type   host.Type
	Offset uintptr
	Kind   PrimitiveKind
}

func NewFieldCache(name string, opcode host.Opcode, typ host.Type, offset uintptr, kind PrimitiveKind) *FieldCache {
	return &FieldCache{base: base{name: name, opcode: opcode}, Type: typ, Offset: offset, Kind: kind}
}

// Load reads the primitive field directly. A PrimitiveTagged field is
// returned as stored and a PrimitiveInt64 field is tagged with
// tagged.FromInt; an int64 outside the tagged range, and every
// PrimitiveFloat64 field, return ErrUnsupported.
func (e *FieldCache) Load(owner host.Instance) (tagged.Value, error) {
	if e.invalid || owner.TypeOf() != e.Type {
		return tagged.Null, ErrMiss
	}
	p := addPointer(owner.BasePointer(), e.Offset)
	switch e.Kind {
	case PrimitiveTagged:
		return *(*tagged.Value)(p), nil
	case PrimitiveInt64:
		i := *(*int64)(p)
		if !tagged.Fits(i) {
			return tagged.Null, ErrUnsupported
		}
		return tagged.FromInt(i), nil
	default:
		return tagged.Null, ErrUnsupported
	}
}

/* -------------------------------------------------------------------------
   Polymorphic — spec.md §4.E promotion, §8 invariant 5
   ------------------------------------------------------------------------- */

// PolymorphicCapacity is the fixed slot count from spec.md §3
// ("PolymorphicEntry — a fixed-capacity array (size 4)").
const PolymorphicCapacity = 4

// Polymorphic holds up to PolymorphicCapacity *InstanceAttr entries for a
// single site that has observed more than one type. Lookup is a linear
// scan; Insert evicts in FIFO order once full (spec.md §4.E, §8 invariant
// 5).
type Polymorphic struct {
	base

	entries [PolymorphicCapacity]*InstanceAttr
	count   int
	next    int // ring write cursor, used for FIFO eviction once full
}

func NewPolymorphic(name string, opcode host.Opcode) *Polymorphic {
	return &Polymorphic{base: base{name: name, opcode: opcode}}
}

// Lookup scans for an entry whose Type matches owner's, returning it and
// true on a hit.
func (p *Polymorphic) Lookup(owner host.Instance) (*InstanceAttr, bool) {
	t := owner.TypeOf()
	for i := 0; i < p.count; i++ {
		idx := (p.next - p.count + i + PolymorphicCapacity*2) % PolymorphicCapacity
		e := p.entries[idx]
		if e != nil && !e.Invalidated() && e.Type == t {
			return e, true
		}
	}
	return nil, false
}

// Insert adds e, evicting the oldest entry in FIFO order once the array is
// full. Returns the evicted entry, or nil if no eviction occurred.
func (p *Polymorphic) Insert(e *InstanceAttr) (evicted *InstanceAttr) {
	if p.count < PolymorphicCapacity {
		p.entries[p.next] = e
		p.next = (p.next + 1) % PolymorphicCapacity
		p.count++
		return nil
	}
	evicted = p.entries[p.next]
	p.entries[p.next] = e
	p.next = (p.next + 1) % PolymorphicCapacity
	return evicted
}

// Entries returns a snapshot of the currently occupied slots, oldest first.
func (p *Polymorphic) Entries() []*InstanceAttr {
	out := make([]*InstanceAttr, 0, p.count)
	for i := 0; i < p.count; i++ {
		idx := (p.next - p.count + i + PolymorphicCapacity*2) % PolymorphicCapacity
		if e := p.entries[idx]; e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Invalidate poisons every contained entry in addition to marking the
// polymorphic site itself invalid.
func (p *Polymorphic) Invalidate() {
	p.base.Invalidate()
	for _, e := range p.entries {
		if e != nil {
			e.Invalidate()
		}
	}
}
