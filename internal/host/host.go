// Package host declares the external collaborator interfaces shadowcode
// consumes from a bytecode interpreter's object model (spec.md §6). The
// cache never implements these itself — the interpreter main loop, the real
// object model (types, descriptors, dictionaries, modules, weak references)
// and the compiler are all out of scope (spec.md §1) and are reached only
// through these seams.
//
// internal/refhost provides a small reference implementation used by tests
// and bench/ to exercise the cache end-to-end.
//
// © 2025 shadowcode authors. MIT License.
package host

import (
	"unsafe"

	"github.com/shadowvm/shadowcode/internal/tagged"
)

// DescriptorKind classifies what Type.Lookup returned, mirroring the
// "descriptor value and a kind flag" contract of spec.md §6.
type DescriptorKind uint8

const (
	// NoDescriptor means the name did not resolve on the type at all.
	NoDescriptor DescriptorKind = iota
	// DataDescriptor has both a non-nil get and set.
	DataDescriptor
	// NonDataDescriptor has only get (or is a plain callable such as a
	// function looked up for LOAD_METHOD).
	NonDataDescriptor
	// SlotDescriptor resolves to a fixed byte offset within the instance.
	SlotDescriptor
)

// Object is the minimal surface shadowcode needs from any heap object:
// its type, and the refcount/weak-reference hooks used while a borrowed
// reference crosses a suspension point (spec.md §5).
type Object interface {
	tagged.RefCounter
	// TypeOf returns the runtime type of this object.
	TypeOf() Type
	// BasePointer returns the address of the object's fixed-layout
	// region, used by Slot and FieldCache entries (internal/entry) to
	// compute `owner + offset` reads exactly as spec.md §4.F describes.
	BasePointer() unsafe.Pointer
}

// Descriptor is a resolved attribute-resolution participant: a data
// descriptor, a non-data descriptor (incl. plain functions), or a slot.
type Descriptor interface {
	Kind() DescriptorKind
	// Get invokes the descriptor's getter (or reads the slot) for owner.
	// owner may be nil when resolving on the type/module itself.
	Get(owner Object, ownerType Type) (tagged.Value, error)
	// Set invokes the descriptor's setter (or writes the slot). Only
	// valid for DataDescriptor and SlotDescriptor kinds.
	Set(owner Object, val tagged.Value) error
	// SlotOffset is only meaningful for SlotDescriptor.
	SlotOffset() uintptr
}

// Dict is the subset of dictionary behavior the cache consumes: key lookup
// with error signaling, a version tag for cheap staleness checks, and the
// split-dict (shared keys + indexed values) shape spec.md §4.F relies on.
type Dict interface {
	// Lookup returns the value for name, or ok=false if absent. err is
	// non-nil only if the lookup itself faulted (e.g. a custom __eq__
	// raised) — distinct from a legitimate "not found".
	Lookup(name string) (v tagged.Value, ok bool, err error)
	SetItem(name string, v tagged.Value) error
	// Version changes on every mutation; used by the ModuleAttr and
	// GlobalCache entries to detect staleness cheaply.
	Version() uint64

	// IsSplit reports whether this dict shares its keys table with other
	// instances of the same type (a "split dict", spec.md glossary).
	IsSplit() bool
	// KeysIdentity returns a stable, comparable identity for the shared
	// keys object of a split dict. Only meaningful when IsSplit().
	KeysIdentity() uintptr
	// NEntries returns the number of slots in the current keys object.
	// Only meaningful when IsSplit().
	NEntries() int
	// SplitIndex returns the index of name within the shared keys table,
	// or ok=false if name is not a key of this dict's keys object. Only
	// meaningful when IsSplit().
	SplitIndex(name string) (idx int, ok bool)
	// SplitValue reads the split-dict value array at idx directly,
	// bypassing key lookup. Only meaningful when IsSplit().
	SplitValue(idx int) tagged.Value
}

// Type is an observable type or module participating in attribute
// resolution and invalidation.
type Type interface {
	Object
	// Name identifies the type for diagnostics/logging only.
	Name() string
	// Lookup resolves name via the type's own MRO/descriptor protocol,
	// returning the descriptor and its kind. ok=false means the name does
	// not resolve on the type at all (an instance-dict-only attribute).
	Lookup(name string) (d Descriptor, ok bool)
	// InstanceDict returns the dict for resolving name directly on the
	// type/module itself (case 1 of spec.md §4.E), or nil if this Type
	// has no such dict (e.g. it is itself a module-like namespace with
	// Lookup always doing the work).
	InstanceDict() Dict
	// SupportsWeakrefs reports whether instances of this type may be
	// weakly referenced by a Directory (spec.md §3, "type cache
	// directory... weak reference").
	SupportsWeakrefs() bool
	// IsMetaclassCustom reports whether this type's metatype overrides
	// attribute resolution (__getattribute__) in a way that makes every
	// site touching instances of this type uncacheable (spec.md §4.E
	// case 3).
	IsMetaclassCustom() bool
	// IsSuperProxy reports whether this type represents a super() proxy
	// object, another uncacheable pattern per spec.md §4.E case 3.
	IsSuperProxy() bool
}

// Module is a namespace object whose attribute cache entries are
// invalidated lazily via dict-version comparison (spec.md §4.F "Module").
type Module interface {
	Object
	Name() string
	Dict() Dict
}

// Instance is a plain object instance participating in LOAD_ATTR /
// LOAD_METHOD / STORE_ATTR.
type Instance interface {
	Object
	// InstanceDict returns the instance's own dict, or nil if the type
	// uses slots exclusively and carries no dict.
	InstanceDict() Dict
}

// Opcode identifies a two-byte bytecode unit's operation.
type Opcode uint8

// Instruction is a single two-byte bytecode unit: an opcode and an 8-bit
// operand (a table index into one of the Shadow Code Arena's typed
// tables once specialized).
type Instruction struct {
	Op  Opcode
	Arg uint8
}

// Code is the host's compiled code object: an immutable sequence of
// two-byte bytecode units, addressable by instruction pointer.
type Code interface {
	Len() int
	At(ip int) Instruction
	// Identity is a stable, comparable value used to key
	// internal/shadow.Arena registration and sharding.
	Identity() unsafe.Pointer
}

// Bytecode is the in-place rewrite surface used by internal/shadow to patch
// a single two-byte instruction. Rewrites are not required to be atomic
// with respect to other threads (spec.md §5): only one thread of a given
// interpreter executes bytecode at a time.
type Bytecode interface {
	Len() int
	At(ip int) Instruction
	Patch(ip int, op Opcode, arg uint8)
}

// Resolver recovers the interface-typed host handle behind a raw heap
// pointer carried by a tagged.Value. The tagged encoding only ever stores a
// bare pointer (spec.md §4.A); Go interfaces cannot be reconstructed from an
// address alone the way the source VM's object header can, so the host
// must supply the reverse mapping. pkg.Runtime's opcode handlers take a
// tagged.Value "owner" argument straight from spec.md §6 and use a Resolver
// to recover the Instance/Type/Module needed to drive the cache.
type Resolver interface {
	ResolveInstance(p unsafe.Pointer) (Instance, bool)
	ResolveType(p unsafe.Pointer) (Type, bool)
	ResolveModule(p unsafe.Pointer) (Module, bool)
}

// FieldKind mirrors internal/entry.PrimitiveKind. Declared here (rather than
// importing entry, which itself imports host) so FieldResolver can name it
// without creating an import cycle.
type FieldKind uint8

const (
	FieldTagged FieldKind = iota
	FieldInt64
	FieldFloat64
)

// FieldResolver is an optional extension a Resolver may also implement for
// hosts whose BINARY_SUBSCR can specialize to a direct fixed-offset field
// read (tuple indexing, a struct-backed record type indexed by a constant).
// spec.md §3/§4.F describe FieldCache's shape but leave how a site
// discovers its offset and primitive kind to the host; FieldResolver is
// that discovery hook. A Resolver that does not implement it simply leaves
// every BINARY_SUBSCR site uncacheable.
type FieldResolver interface {
	// ResolveField reports the byte offset and primitive encoding of the
	// field identified by oparg on instances of t, or ok=false if t does
	// not support fixed-offset subscript specialization.
	ResolveField(t Type, oparg uint8) (offset uintptr, kind FieldKind, ok bool)
}
