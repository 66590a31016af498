// Package refhost is a small, self-contained implementation of every
// internal/host interface, used by bench/ to exercise the cache end-to-end
// without depending on a real bytecode interpreter. It plays the role the
// teacher's in-memory Cache[K,V] played for its own examples: a stand-in
// just real enough to demonstrate wiring.
//
// © 2025 shadowcode authors. MIT License.
package refhost

import (
	"sync"
	"unsafe"

	"github.com/shadowvm/shadowcode/internal/host"
	"github.com/shadowvm/shadowcode/internal/tagged"
)

/* -------------------------------------------------------------------------
   Dict
   ------------------------------------------------------------------------- */

// Dict is a combined (non-split) dictionary. refhost never builds split
// dicts; ShapeSplitDict/ShapeSplitDictDescr sites are exercised by the
// internal/entry tests directly, not by this reference host.
type Dict struct {
	mu      sync.RWMutex
	m       map[string]tagged.Value
	version uint64
}

func NewDict() *Dict { return &Dict{m: map[string]tagged.Value{}} }

func (d *Dict) Lookup(name string) (tagged.Value, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.m[name]
	return v, ok, nil
}

func (d *Dict) SetItem(name string, v tagged.Value) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[name] = v
	d.version++
	return nil
}

func (d *Dict) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

func (d *Dict) IsSplit() bool                     { return false }
func (d *Dict) KeysIdentity() uintptr             { return 0 }
func (d *Dict) NEntries() int                     { d.mu.RLock(); defer d.mu.RUnlock(); return len(d.m) }
func (d *Dict) SplitIndex(string) (int, bool)     { return 0, false }
func (d *Dict) SplitValue(int) tagged.Value       { return tagged.Null }

/* -------------------------------------------------------------------------
   Descriptor
   ------------------------------------------------------------------------- */

// Descriptor is a slot, method, or property descriptor.
type Descriptor struct {
	kind   host.DescriptorKind
	offset uintptr
	getFn  func(owner host.Object, t host.Type) (tagged.Value, error)
	setFn  func(owner host.Object, v tagged.Value) error
}

func NewSlotDescriptor(offset uintptr) *Descriptor {
	return &Descriptor{kind: host.SlotDescriptor, offset: offset}
}

func NewMethodDescriptor(fn func(owner host.Object, t host.Type) (tagged.Value, error)) *Descriptor {
	return &Descriptor{kind: host.NonDataDescriptor, getFn: fn}
}

func NewPropertyDescriptor(get func(host.Object, host.Type) (tagged.Value, error), set func(host.Object, tagged.Value) error) *Descriptor {
	return &Descriptor{kind: host.DataDescriptor, getFn: get, setFn: set}
}

func (d *Descriptor) Kind() host.DescriptorKind { return d.kind }

func (d *Descriptor) Get(owner host.Object, t host.Type) (tagged.Value, error) {
	if d.getFn != nil {
		return d.getFn(owner, t)
	}
	if d.kind == host.SlotDescriptor && owner != nil {
		return *(*tagged.Value)(unsafe.Add(owner.BasePointer(), d.offset)), nil
	}
	return tagged.Null, nil
}

func (d *Descriptor) Set(owner host.Object, v tagged.Value) error {
	if d.setFn != nil {
		return d.setFn(owner, v)
	}
	if d.kind == host.SlotDescriptor && owner != nil {
		*(*tagged.Value)(unsafe.Add(owner.BasePointer(), d.offset)) = v
	}
	return nil
}

func (d *Descriptor) SlotOffset() uintptr { return d.offset }

/* -------------------------------------------------------------------------
   Type
   ------------------------------------------------------------------------- */

// Type is a reference runtime type: a descriptor table plus an optional
// type-level dict (for class attributes looked up directly on the type).
type Type struct {
	name        string
	descriptors map[string]*Descriptor
	dict        *Dict
	weakrefs    bool
	customMeta  bool
	superProxy  bool
}

func NewType(name string) *Type {
	return &Type{name: name, descriptors: map[string]*Descriptor{}, weakrefs: true}
}

func (t *Type) TypeOf() host.Type         { return nil }
func (t *Type) Incref(unsafe.Pointer)     {}
func (t *Type) Decref(unsafe.Pointer)     {}
func (t *Type) BasePointer() unsafe.Pointer { return unsafe.Pointer(t) }
func (t *Type) Name() string              { return t.name }

func (t *Type) Lookup(name string) (host.Descriptor, bool) {
	d, ok := t.descriptors[name]
	if !ok {
		return nil, false
	}
	return d, true
}

func (t *Type) InstanceDict() host.Dict {
	if t.dict == nil {
		return nil
	}
	return t.dict
}

func (t *Type) SupportsWeakrefs() bool  { return t.weakrefs }
func (t *Type) IsMetaclassCustom() bool { return t.customMeta }
func (t *Type) IsSuperProxy() bool      { return t.superProxy }

// DefineSlot registers a fixed-offset slot attribute, offset given by
// SlotOffset(idx) for some slot index idx reserved by NewInstance.
func (t *Type) DefineSlot(name string, offset uintptr) {
	t.descriptors[name] = NewSlotDescriptor(offset)
}

// DefineMethod registers a plain callable looked up via LOAD_METHOD.
func (t *Type) DefineMethod(name string, fn func(owner host.Object, ty host.Type) (tagged.Value, error)) {
	t.descriptors[name] = NewMethodDescriptor(fn)
}

// DefineProperty registers a data descriptor (get + set).
func (t *Type) DefineProperty(name string, get func(host.Object, host.Type) (tagged.Value, error), set func(host.Object, tagged.Value) error) {
	t.descriptors[name] = NewPropertyDescriptor(get, set)
}

// MarkCustomMetaclass forces every site touching this type's instances
// uncacheable, exercising spec.md §4.E case 3.
func (t *Type) MarkCustomMetaclass() { t.customMeta = true }

/* -------------------------------------------------------------------------
   Instance
   ------------------------------------------------------------------------- */

// Instance is a fixed-layout object: a slot region addressable by
// BasePointer()+offset, and an optional instance dict.
type Instance struct {
	typ   *Type
	slots []tagged.Value
	dict  *Dict
}

// NewInstance allocates an instance of t with nslots fixed slots.
func NewInstance(t *Type, nslots int) *Instance {
	return &Instance{typ: t, slots: make([]tagged.Value, nslots)}
}

// WithDict attaches an instance dict for dict-backed attribute shapes.
func (i *Instance) WithDict() *Instance {
	i.dict = NewDict()
	return i
}

// SetSlot writes v into slot idx directly, bypassing the cache — used by
// callers to seed an instance's fixed-layout state before exercising it
// through a Type's descriptors.
func (i *Instance) SetSlot(idx int, v tagged.Value) { i.slots[idx] = v }

func (i *Instance) TypeOf() host.Type     { return i.typ }
func (i *Instance) Incref(unsafe.Pointer) {}
func (i *Instance) Decref(unsafe.Pointer) {}

func (i *Instance) BasePointer() unsafe.Pointer {
	if len(i.slots) == 0 {
		return unsafe.Pointer(i)
	}
	return unsafe.Pointer(&i.slots[0])
}

func (i *Instance) InstanceDict() host.Dict {
	if i.dict == nil {
		return nil
	}
	return i.dict
}

// SlotOffset returns the byte offset of slot index idx within an
// instance's slot region, for pairing with Type.DefineSlot.
func SlotOffset(idx int) uintptr { return uintptr(idx) * unsafe.Sizeof(tagged.Value(0)) }

/* -------------------------------------------------------------------------
   Module
   ------------------------------------------------------------------------- */

// Module is a namespace object backed by a single Dict.
type Module struct {
	name string
	dict *Dict
}

func NewModule(name string) *Module { return &Module{name: name, dict: NewDict()} }

func (m *Module) TypeOf() host.Type         { return nil }
func (m *Module) Incref(unsafe.Pointer)     {}
func (m *Module) Decref(unsafe.Pointer)     {}
func (m *Module) BasePointer() unsafe.Pointer { return unsafe.Pointer(m) }
func (m *Module) Name() string              { return m.name }
func (m *Module) Dict() host.Dict           { return m.dict }

/* -------------------------------------------------------------------------
   Code
   ------------------------------------------------------------------------- */

// Code is a fixed, immutable bytecode sequence.
type Code struct{ instrs []host.Instruction }

func NewCode(instrs []host.Instruction) *Code { return &Code{instrs: instrs} }

func (c *Code) Len() int                   { return len(c.instrs) }
func (c *Code) At(ip int) host.Instruction { return c.instrs[ip] }
func (c *Code) Identity() unsafe.Pointer   { return unsafe.Pointer(c) }

/* -------------------------------------------------------------------------
   Resolver
   ------------------------------------------------------------------------- */

type fieldSpec struct {
	offset uintptr
	kind   host.FieldKind
}

// Resolver recovers the Instance/Type/Module behind a tagged pointer via an
// explicit registration table — the mapping a real interpreter keeps
// implicitly in every object's header, but Go cannot reconstruct from a
// bare address. It also implements host.FieldResolver for BINARY_SUBSCR
// fixed-offset field specialization.
type Resolver struct {
	mu        sync.RWMutex
	instances map[unsafe.Pointer]host.Instance
	modules   map[unsafe.Pointer]host.Module
	fields    map[*Type]map[uint8]fieldSpec
}

func NewResolver() *Resolver {
	return &Resolver{
		instances: map[unsafe.Pointer]host.Instance{},
		modules:   map[unsafe.Pointer]host.Module{},
		fields:    map[*Type]map[uint8]fieldSpec{},
	}
}

// Track registers i so later tagged.Value owners referring to it resolve.
// Returns the tagged.Value a bytecode handler would pass as "owner".
func (r *Resolver) Track(i *Instance) tagged.Value {
	p := i.BasePointer()
	r.mu.Lock()
	r.instances[p] = i
	r.mu.Unlock()
	return tagged.FromObject(p)
}

// TrackModule registers m the same way Track registers an instance.
func (r *Resolver) TrackModule(m *Module) tagged.Value {
	p := m.BasePointer()
	r.mu.Lock()
	r.modules[p] = m
	r.mu.Unlock()
	return tagged.FromObject(p)
}

func (r *Resolver) ResolveInstance(p unsafe.Pointer) (host.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.instances[p]
	return v, ok
}

func (r *Resolver) ResolveType(unsafe.Pointer) (host.Type, bool) {
	// refhost types are never boxed behind a tagged pointer of their own;
	// LOAD_ATTR against a type itself is out of scope for this reference
	// host (spec.md §4.E case 1 is exercised directly in internal/entry).
	return nil, false
}

func (r *Resolver) ResolveModule(p unsafe.Pointer) (host.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.modules[p]
	return v, ok
}

// DefineField registers oparg's fixed-offset field on t, pointing at the
// slot index idx reserved by NewInstance, implementing BINARY_SUBSCR
// specialization discovery (host.FieldResolver).
func (r *Resolver) DefineField(t *Type, oparg uint8, idx int, kind host.FieldKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.fields[t]
	if !ok {
		m = map[uint8]fieldSpec{}
		r.fields[t] = m
	}
	m[oparg] = fieldSpec{offset: SlotOffset(idx), kind: kind}
}

func (r *Resolver) ResolveField(t host.Type, oparg uint8) (uintptr, host.FieldKind, bool) {
	rt, ok := t.(*Type)
	if !ok {
		return 0, host.FieldTagged, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.fields[rt]
	if !ok {
		return 0, host.FieldTagged, false
	}
	spec, ok := m[oparg]
	return spec.offset, spec.kind, ok
}
