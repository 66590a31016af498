// Package bench provides reproducible micro-benchmarks for shadowcode.
// Run via:  go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks intentionally use a single attribute shape (a one-slot
// Point type) so results are comparable across versions, the same reason
// the teacher's bench fixed a single key/value shape across its runs.
//
// We measure:
//   1. LoadAttrMonomorphic — one type observed at every site, ever
//   2. LoadAttrPolymorphic — sites cycling across a small type pool,
//      forcing every access through the Polymorphic array
//   3. LoadAttrParallel    — concurrent reads across many arenas
//      (b.RunParallel), each goroutine owning its own arena so there is no
//      shared-mutation race (spec.md §5 single-thread-per-arena contract)
//
// NOTE: Unit tests live elsewhere; this file is only for performance.
//
// © 2025 shadowcode authors. MIT License.

package bench

import (
	"math/rand"
	"runtime"
	"testing"

	"github.com/shadowvm/shadowcode/internal/host"
	"github.com/shadowvm/shadowcode/internal/refhost"
	"github.com/shadowvm/shadowcode/internal/tagged"
	shadowcode "github.com/shadowvm/shadowcode/pkg"
)

/* -------------------------------------------------------------------------
   Test harness helpers
   ------------------------------------------------------------------------- */

const (
	opLoadAttrGeneric host.Opcode = iota
	opLoadAttrMono
	opLoadAttrPoly
)

const (
	sites    = 256
	typePool = 8
	obs      = 1 << 20 // 1M observations per benchmark, matching the teacher's 1M-key dataset
)

var ops = shadowcode.OpcodeTable{
	LoadAttrGeneric: opLoadAttrGeneric,
	LoadAttrMono:    opLoadAttrMono,
	LoadAttrPoly:    opLoadAttrPoly,
}

func newPointType(n int) []*refhost.Type {
	types := make([]*refhost.Type, n)
	for i := range types {
		types[i] = refhost.NewType("Point")
		types[i].DefineSlot("x", refhost.SlotOffset(0))
	}
	return types
}

// siteDataset cycles through every call site in round-robin order; obs
// is a power of two so the i&(obs-1) mask below is branch-free.
var siteDataset = func() []int {
	ds := make([]int, obs)
	for i := range ds {
		ds[i] = i % sites
	}
	return ds
}()

/* -------------------------------------------------------------------------
   Benchmarks
   ------------------------------------------------------------------------- */

func BenchmarkLoadAttrMonomorphic(b *testing.B) {
	resolver := refhost.NewResolver()
	rt, err := shadowcode.New(shadowcode.WithResolver(resolver), shadowcode.WithOpcodes(ops))
	if err != nil {
		b.Fatal(err)
	}
	types := newPointType(sites)

	instrs := make([]host.Instruction, sites)
	for i := range instrs {
		instrs[i] = host.Instruction{Op: opLoadAttrGeneric, Arg: 0xFF}
	}
	arena, err := rt.InitShadow(refhost.NewCode(instrs))
	if err != nil {
		b.Fatal(err)
	}

	owners := make([]tagged.Value, sites)
	for i := 0; i < sites; i++ {
		inst := refhost.NewInstance(types[i], 1)
		inst.SetSlot(0, tagged.FromInt(int64(i)))
		owners[i] = resolver.Track(inst)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		site := siteDataset[i&(obs-1)]
		if _, err := rt.LoadAttr(arena, site, owners[site], "x"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLoadAttrPolymorphic(b *testing.B) {
	resolver := refhost.NewResolver()
	rt, err := shadowcode.New(shadowcode.WithResolver(resolver), shadowcode.WithOpcodes(ops))
	if err != nil {
		b.Fatal(err)
	}
	types := newPointType(typePool)

	instrs := make([]host.Instruction, sites)
	for i := range instrs {
		instrs[i] = host.Instruction{Op: opLoadAttrGeneric, Arg: 0xFF}
	}
	arena, err := rt.InitShadow(refhost.NewCode(instrs))
	if err != nil {
		b.Fatal(err)
	}

	// One instance per type, reused across every site so each site
	// observes a rotating subset of the type pool instead of a pinned type.
	owners := make([]tagged.Value, typePool)
	for i := 0; i < typePool; i++ {
		inst := refhost.NewInstance(types[i], 1)
		inst.SetSlot(0, tagged.FromInt(int64(i)))
		owners[i] = resolver.Track(inst)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		site := siteDataset[i&(obs-1)]
		typ := (i / sites) % typePool
		if _, err := rt.LoadAttr(arena, site, owners[typ], "x"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLoadAttrParallel(b *testing.B) {
	resolver := refhost.NewResolver()
	typ := refhost.NewType("Point")
	typ.DefineSlot("x", refhost.SlotOffset(0))

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		rt, err := shadowcode.New(shadowcode.WithResolver(resolver), shadowcode.WithOpcodes(ops))
		if err != nil {
			b.Fatal(err)
		}
		inst := refhost.NewInstance(typ, 1)
		inst.SetSlot(0, tagged.FromInt(1))
		owner := resolver.Track(inst)

		instrs := []host.Instruction{{Op: opLoadAttrGeneric, Arg: 0xFF}}
		arena, err := rt.InitShadow(refhost.NewCode(instrs))
		if err != nil {
			b.Fatal(err)
		}
		for pb.Next() {
			if _, err := rt.LoadAttr(arena, 0, owner, "x"); err != nil {
				b.Fatal(err)
			}
		}
	})
}

/* -------------------------------------------------------------------------
   Utility — deterministic seed for repeatability, same as the teacher's
   init in bench_test.go.
   ------------------------------------------------------------------------- */

func init() {
	rand.Seed(42)
	runtime.GOMAXPROCS(runtime.NumCPU())
}
