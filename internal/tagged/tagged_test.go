package tagged

import (
	"testing"
	"unsafe"
)

// TestRoundTrip covers spec.md §8 scenario 6: tagged int round-trip for the
// boundary values plus a few interior ones.
func TestRoundTrip(t *testing.T) {
	cases := []int64{MinTagged, -1, 0, 1, MaxTagged, 12345, -987654}
	for _, i := range cases {
		if !Fits(i) {
			t.Fatalf("Fits(%d) = false, want true", i)
		}
		v := FromInt(i)
		if !IsInt(v) {
			t.Fatalf("IsInt(FromInt(%d)) = false", i)
		}
		if got := AsInt(v); got != i {
			t.Fatalf("AsInt(FromInt(%d)) = %d, want %d", i, got, i)
		}
	}
}

// TestOutOfRangeMustBox documents spec.md §8 scenario 6's final assertion:
// 2^60 is not representable and callers must box instead.
func TestOutOfRangeMustBox(t *testing.T) {
	if Fits(MaxTagged + 1) {
		t.Fatalf("Fits(2^60) = true, want false (must box)")
	}
	if Fits(MinTagged - 1) {
		t.Fatalf("Fits(-2^60-1) = true, want false (must box)")
	}
}

// TestObjectRoundTrip covers invariant 3's object half.
func TestObjectRoundTrip(t *testing.T) {
	x := 42
	p := unsafe.Pointer(&x)
	v := FromObject(p)
	if !IsObject(v) {
		t.Fatalf("IsObject(FromObject(p)) = false")
	}
	if AsObject(v) != p {
		t.Fatalf("AsObject(FromObject(p)) != p")
	}
}

// TestNullIsObjectAndZero covers invariant 3's null clause:
// is_null(from_object(null)) is true, and the all-zero word compares as
// null by bits.
func TestNullIsObjectAndZero(t *testing.T) {
	v := FromObject(nil)
	if !IsNull(v) {
		t.Fatalf("IsNull(FromObject(nil)) = false")
	}
	if v != Null {
		t.Fatalf("FromObject(nil) != Null")
	}
	if Clear() != Null {
		t.Fatalf("Clear() != Null")
	}
}

// TestIsIntXorIsObject covers invariant 3's exclusivity clause across a
// spread of tagged ints and tagged pointers.
func TestIsIntXorIsObject(t *testing.T) {
	values := []Value{Null, FromInt(0), FromInt(-1), FromInt(MaxTagged)}
	x := 7
	values = append(values, FromObject(unsafe.Pointer(&x)))
	for _, v := range values {
		if IsInt(v) == IsObject(v) && v != Null {
			t.Fatalf("IsInt(%v) == IsObject(%v): exclusivity violated", v, v)
		}
	}
}

type fakeRC struct{ incs, decs int }

func (f *fakeRC) Incref(unsafe.Pointer) { f.incs++ }
func (f *fakeRC) Decref(unsafe.Pointer) { f.decs++ }

func TestIncrefDecrefNoopOnInt(t *testing.T) {
	rc := &fakeRC{}
	Incref(rc, FromInt(5))
	Decref(rc, FromInt(5))
	Incref(rc, Null)
	Decref(rc, Null)
	if rc.incs != 0 || rc.decs != 0 {
		t.Fatalf("expected no-op on tagged int / null, got incs=%d decs=%d", rc.incs, rc.decs)
	}
}

func TestIncrefDecrefObject(t *testing.T) {
	rc := &fakeRC{}
	x := 1
	v := FromObject(unsafe.Pointer(&x))
	Incref(rc, v)
	Decref(rc, v)
	if rc.incs != 1 || rc.decs != 1 {
		t.Fatalf("expected exactly one incref/decref, got incs=%d decs=%d", rc.incs, rc.decs)
	}
}
