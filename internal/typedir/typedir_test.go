package typedir

import (
	"testing"
	"unsafe"

	"github.com/shadowvm/shadowcode/internal/entry"
	"github.com/shadowvm/shadowcode/internal/host"
	"github.com/shadowvm/shadowcode/internal/shadow"
)

// fakeType is a minimal host.Type used only to exercise identity, metatype
// recursion and refcount no-ops.
type fakeType struct {
	name        string
	base        int // gives the struct a field so &base differs per instance
	metaclass   host.Type
	customMeta  bool
	superProxy  bool
	weakrefable bool
}

func (t *fakeType) Incref(unsafe.Pointer)                 {}
func (t *fakeType) Decref(unsafe.Pointer)                 {}
func (t *fakeType) TypeOf() host.Type                     { return t.metaclass }
func (t *fakeType) BasePointer() unsafe.Pointer           { return unsafe.Pointer(&t.base) }
func (t *fakeType) Name() string                          { return t.name }
func (t *fakeType) Lookup(string) (host.Descriptor, bool) { return nil, false }
func (t *fakeType) InstanceDict() host.Dict               { return nil }
func (t *fakeType) SupportsWeakrefs() bool                { return t.weakrefable }
func (t *fakeType) IsMetaclassCustom() bool               { return t.customMeta }
func (t *fakeType) IsSuperProxy() bool                    { return t.superProxy }

func TestFindReturnsNilBeforeCreation(t *testing.T) {
	r := NewRegistry(8)
	ty := &fakeType{name: "Point"}
	if d := r.Find(ty); d != nil {
		t.Fatalf("expected nil directory before GetOrCreate, got %v", d)
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry(8)
	ty := &fakeType{name: "Point"}
	d1 := r.GetOrCreate(ty)
	d2 := r.GetOrCreate(ty)
	if d1 != d2 {
		t.Fatalf("GetOrCreate returned distinct directories for the same type")
	}
	if found := r.Find(ty); found != d1 {
		t.Fatalf("Find did not return the directory created by GetOrCreate")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestGetOrCreateRecursesIntoCustomMetatype(t *testing.T) {
	r := NewRegistry(8)
	meta := &fakeType{name: "Meta"}
	ty := &fakeType{name: "Point", metaclass: meta, customMeta: true}

	d := r.GetOrCreate(ty)
	if d.Metatype == nil {
		t.Fatalf("expected Metatype to be populated for a custom-metaclass type")
	}
	if got := r.Find(meta); got != d.Metatype {
		t.Fatalf("metatype directory was not registered under the metaclass identity")
	}
}

func TestGetOrCreateSkipsMetatypeWhenNotCustom(t *testing.T) {
	r := NewRegistry(8)
	meta := &fakeType{name: "type"}
	ty := &fakeType{name: "Point", metaclass: meta, customMeta: false}

	d := r.GetOrCreate(ty)
	if d.Metatype != nil {
		t.Fatalf("expected no Metatype when IsMetaclassCustom is false")
	}
}

func TestRecordDependencyAndInvalidatePoisonsEntries(t *testing.T) {
	r := NewRegistry(8)
	ty := &fakeType{name: "Point"}
	d := r.GetOrCreate(ty)

	code := newFakeCode(2)
	arena := shadow.Init(code, 1000)

	e := entry.NewInstanceAttr("x", host.Opcode(1), entry.ShapeDictNoDescr, ty)
	d.RecordDependency(arena, "x", e)

	if e.Invalidated() {
		t.Fatalf("entry must not start invalidated")
	}
	r.Invalidate(d)
	if !e.Invalidated() {
		t.Fatalf("expected Invalidate to poison every recorded dependency")
	}
	if d.InvalidateCount != 1 {
		t.Fatalf("InvalidateCount = %d, want 1", d.InvalidateCount)
	}
}

func TestL2CacheRoundTripAndGenerationEviction(t *testing.T) {
	r := NewRegistry(8)
	ty := &fakeType{name: "Point"}
	d := r.GetOrCreate(ty)

	e := entry.NewInstanceAttr("x", host.Opcode(1), entry.ShapeDictNoDescr, ty)
	d.PutL2("x", e)
	if got, ok := d.GetL2("x"); !ok || got != e {
		t.Fatalf("expected to retrieve the entry just put in L2")
	}

	r.Invalidate(d) // advances generation, evicting anything tagged with gen 0
	if _, ok := d.GetL2("x"); ok {
		t.Fatalf("expected L2 entry tagged with the old generation to be evicted")
	}
}

func TestSweepKeepsReachableOwners(t *testing.T) {
	r := NewRegistry(8)
	ty := &fakeType{name: "Transient"}
	r.GetOrCreate(ty)
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	// Drop the only strong reference to ty; no GC is forced here.
	ty = nil
	_ = ty
	// Sweep's contract only guarantees cleanup once the weak pointer's
	// referent is actually collected; since the test keeps no live ty
	// reference past this point a GC cycle between here and the call below
	// is sufficient for a correct implementation, but is not forced from
	// this test to avoid flaking on GC timing. Exercise the no-op path
	// instead: Sweep must never remove a directory whose owner is still
	// reachable.
	other := &fakeType{name: "Alive"}
	r.GetOrCreate(other)
	if removed := r.Sweep(); removed != 0 {
		t.Fatalf("Sweep removed %d directories while owners are still reachable", removed)
	}
}

// fakeCode is duplicated from internal/shadow's own test fake; kept minimal
// and local to avoid exporting a test-only type across package boundaries.
type fakeCode struct {
	instrs []host.Instruction
}

func (c *fakeCode) Len() int                  { return len(c.instrs) }
func (c *fakeCode) At(ip int) host.Instruction { return c.instrs[ip] }
func (c *fakeCode) Identity() unsafe.Pointer   { return unsafe.Pointer(c) }

func newFakeCode(n int) *fakeCode {
	instrs := make([]host.Instruction, n)
	for i := range instrs {
		instrs[i] = host.Instruction{Op: host.Opcode(i % 5), Arg: shadow.Unspecialized}
	}
	return &fakeCode{instrs: instrs}
}
