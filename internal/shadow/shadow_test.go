package shadow

import (
	"testing"
	"unsafe"

	"github.com/shadowvm/shadowcode/internal/entry"
	"github.com/shadowvm/shadowcode/internal/host"
)

type fakeCode struct {
	instrs []host.Instruction
}

func (c *fakeCode) Len() int                   { return len(c.instrs) }
func (c *fakeCode) At(ip int) host.Instruction { return c.instrs[ip] }
func (c *fakeCode) Identity() unsafe.Pointer   { return unsafe.Pointer(c) }

func newFakeCode(n int) *fakeCode {
	instrs := make([]host.Instruction, n)
	for i := range instrs {
		instrs[i] = host.Instruction{Op: host.Opcode(i % 5), Arg: Unspecialized}
	}
	return &fakeCode{instrs: instrs}
}

func TestInitCopiesInstructionsUnmodified(t *testing.T) {
	code := newFakeCode(8)
	a := Init(code, 1000)
	if a.Len() != 8 {
		t.Fatalf("Len() = %d, want 8", a.Len())
	}
	for i := 0; i < 8; i++ {
		if a.At(i) != code.At(i) {
			t.Fatalf("instruction %d = %v, want %v", i, a.At(i), code.At(i))
		}
	}
}

func TestPatchRewritesOneInstruction(t *testing.T) {
	a := Init(newFakeCode(4), 1000)
	a.Patch(2, host.Opcode(9), 3)
	got := a.At(2)
	if got.Op != 9 || got.Arg != 3 {
		t.Fatalf("At(2) = %+v, want {Op:9 Arg:3}", got)
	}
}

func TestRevertRestoresGenericForm(t *testing.T) {
	a := Init(newFakeCode(4), 1000)
	orig := a.At(1)
	a.Patch(1, host.Opcode(9), 7)
	a.Revert(1)
	got := a.At(1)
	if got.Op != orig.Op || got.Arg != Unspecialized {
		t.Fatalf("Revert(1) = %+v, want {Op:%v Arg:Unspecialized}", got, orig.Op)
	}
}

func TestBindGlobalAssignsDenseIndices(t *testing.T) {
	a := Init(newFakeCode(4), 1000)
	e0 := entry.NewGlobalCache("len", 1)
	e1 := entry.NewGlobalCache("print", 1)
	idx0 := a.BindGlobal(0, host.Opcode(1), e0)
	idx1 := a.BindGlobal(1, host.Opcode(1), e1)
	if idx0 != 0 || idx1 != 1 {
		t.Fatalf("indices = %d, %d; want 0, 1", idx0, idx1)
	}
	if a.Globals[idx0] != e0 || a.Globals[idx1] != e1 {
		t.Fatalf("table entries do not match bound entries")
	}
	if got := a.At(0); got.Op != 1 || got.Arg != 0 {
		t.Fatalf("instruction 0 = %+v, want {Op:1 Arg:0}", got)
	}
	if got := a.At(1); got.Op != 1 || got.Arg != 1 {
		t.Fatalf("instruction 1 = %+v, want {Op:1 Arg:1}", got)
	}
}

func TestCompactionDropsInvalidatedEntriesAndRemapsIndices(t *testing.T) {
	// A low threshold forces compaction on the very next recorded update.
	a := Init(newFakeCode(4), 1)

	e0 := entry.NewGlobalCache("a", 1)
	e1 := entry.NewGlobalCache("b", 1)
	a.BindGlobal(0, host.Opcode(1), e0) // UpdateCount=1, threshold=1 -> no trip yet

	e0.Invalidate()

	a.BindGlobal(1, host.Opcode(1), e1) // UpdateCount=2 > 1 -> compaction runs inside this call

	// After compaction, only e1 (live) should remain in the table, and
	// instruction 0 (which pointed at the now-dropped e0) must have been
	// reverted to its generic, Unspecialized form.
	if len(a.Globals) != 1 || a.Globals[0] != e1 {
		t.Fatalf("expected only the live entry to survive compaction, got %v", a.Globals)
	}
	if got := a.At(0); got.Arg != Unspecialized {
		t.Fatalf("expected instruction 0 reverted to Unspecialized, got %+v", got)
	}
	if got := a.At(1); got.Arg != 0 {
		t.Fatalf("expected instruction 1 remapped to the new index 0, got %+v", got)
	}
}

func TestClearDropsAllTables(t *testing.T) {
	a := Init(newFakeCode(2), 1000)
	a.BindGlobal(0, host.Opcode(1), entry.NewGlobalCache("x", 1))
	a.Clear()
	if len(a.Globals) != 0 {
		t.Fatalf("expected Globals cleared, got %d entries", len(a.Globals))
	}
	if a.instructions != nil {
		t.Fatalf("expected instructions released")
	}
}
