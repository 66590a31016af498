// runtime.go wires internal/dispatch, internal/invalidate and
// internal/typedir together behind the public opcode handlers of spec.md
// §6/§7. The guard -> resolve -> (on miss) reclassify-and-respecialize
// sequence is grounded on the teacher's shard.go get/put methods: an
// optimistic check first, falling through to the slower path only when it
// fails, with atomic/gauge counters updated on both paths but never
// blocking either one.
//
// © 2025 shadowcode authors. MIT License.
package shadowcode

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/shadowvm/shadowcode/internal/dispatch"
	"github.com/shadowvm/shadowcode/internal/entry"
	"github.com/shadowvm/shadowcode/internal/host"
	"github.com/shadowvm/shadowcode/internal/invalidate"
	"github.com/shadowvm/shadowcode/internal/shadow"
	"github.com/shadowvm/shadowcode/internal/tagged"
	"github.com/shadowvm/shadowcode/internal/typedir"
)

// ErrUncacheable is returned by an opcode handler when the dispatcher
// classifies a site as uncacheable (spec.md §4.E case 3, §7 "not an
// error"). The caller must run its own generic opcode for this execution;
// shadowcode does not implement the host's full attribute-resolution
// protocol (custom metaclass __getattribute__, super proxies), only the
// specializable subset.
var ErrUncacheable = errors.New("shadowcode: site classified uncacheable, run the generic opcode")

// ErrUnsupportedOwner is returned when owner does not resolve to a host
// object the cache can specialize against (e.g. a tagged integer passed to
// LOAD_ATTR — boxed-primitive attribute access is out of scope here the
// same way a host typically special-cases it before ever reaching the
// generic object protocol).
var ErrUnsupportedOwner = errors.New("shadowcode: owner does not resolve to a cacheable object")

// runtimeShard pairs one Type Cache Registry with the dispatcher and
// invalidation protocol driving it. Sharding the registry (WithShards)
// reduces lock contention across sub-interpreter threads that specialize
// against disjoint type sets (SPEC_FULL.md §4).
type runtimeShard struct {
	registry    *typedir.Registry
	dispatcher  *dispatch.Dispatcher
	invalidator *invalidate.Protocol
}

// opcodeCounters holds the atomic per-opcode tallies backing Stats()
// (spec.md §6 stats() shape), independent of the optional Prometheus
// export in metrics.go.
type opcodeCounters struct {
	hits, misses, slightMisses, uncacheable atomic.Uint64
}

// OpcodeStats is one opcode's row of Stats() (spec.md §6).
type OpcodeStats struct {
	Hits, Misses, SlightMisses, Uncacheable uint64
}

// StatsSnapshot is the return value of Runtime.Stats(), spec.md §6's
// `stats() -> {per-opcode: hits, misses, slight_misses, uncacheable,
// entries}`. Entries is reported once, process-wide, as the sum of live
// type directories across every shard — there is no single natural
// "entries per opcode" count once caches live across many independent
// shadow arenas (DESIGN.md records this simplification).
type StatsSnapshot struct {
	PerOpcode map[host.Opcode]OpcodeStats
	Entries   int
}

// Runtime is the cache subsystem's entry point (spec.md §6 external
// interfaces). Construct with New; it owns no lifetime tied to any single
// shadow.Arena — many arenas (one per host code object) share one Runtime.
type Runtime struct {
	cfg      *config
	resolver host.Resolver
	metrics  metricsSink
	logger   *zap.Logger

	shards []*runtimeShard

	statsEnabled bool
	statsMu      sync.RWMutex
	counts       map[host.Opcode]*opcodeCounters
}

// New constructs a Runtime. WithResolver and WithOpcodes are required.
func New(opts ...Option) (*Runtime, error) {
	cfg := defaultConfig()
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:          cfg,
		resolver:     cfg.resolver,
		metrics:      newMetricsSink(cfg.registry),
		logger:       cfg.logger,
		statsEnabled: cfg.statsEnabled,
		counts:       make(map[host.Opcode]*opcodeCounters),
		shards:       make([]*runtimeShard, cfg.shards),
	}
	for i := range r.shards {
		reg := typedir.NewRegistry(cfg.l2CacheBudget)
		r.shards[i] = &runtimeShard{
			registry:    reg,
			dispatcher:  dispatch.New(reg, cfg.logger, cfg.singleflightDedup),
			invalidator: invalidate.New(reg, cfg.logger),
		}
	}
	return r, nil
}

// InitShadow allocates a shadow arena over code (spec.md §4.D init), using
// the Runtime's configured compaction threshold.
func (r *Runtime) InitShadow(code host.Code) (*shadow.Arena, error) {
	if code == nil {
		return nil, errors.New("shadowcode: nil code")
	}
	return shadow.Init(code, r.cfg.compactionThreshold), nil
}

// ClearShadow implements spec.md §4.G event 4: drop every type-registry
// link to arena across all shards, then free its tables. Unlike
// invalidate.Protocol.ClearArena (which targets one registry) this walks
// every shard, since a site's dependency could have been registered
// against any of them depending on which type it last specialized for.
func (r *Runtime) ClearShadow(arena *shadow.Arena) {
	for _, sh := range r.shards {
		sh.registry.ForgetArena(arena)
	}
	arena.Clear()
	if ce := r.logger.Check(zap.DebugLevel, "arena cleared"); ce != nil {
		ce.Write()
	}
}

// OnTypeModified implements spec.md §4.G event 1.
func (r *Runtime) OnTypeModified(t host.Type) {
	r.shardFor(t).invalidator.OnTypeModified(t)
}

// Stats returns a snapshot of every opcode's counters plus the total
// number of live type directories (spec.md §6 stats()).
func (r *Runtime) Stats() StatsSnapshot {
	snap := StatsSnapshot{PerOpcode: make(map[host.Opcode]OpcodeStats)}
	r.statsMu.RLock()
	for op, c := range r.counts {
		snap.PerOpcode[op] = OpcodeStats{
			Hits:         c.hits.Load(),
			Misses:       c.misses.Load(),
			SlightMisses: c.slightMisses.Load(),
			Uncacheable:  c.uncacheable.Load(),
		}
	}
	r.statsMu.RUnlock()
	for _, sh := range r.shards {
		snap.Entries += sh.registry.Len()
	}
	return snap
}

func (r *Runtime) shardFor(t host.Type) *runtimeShard {
	if len(r.shards) == 1 {
		return r.shards[0]
	}
	id := uintptr(t.BasePointer())
	return r.shards[id%uintptr(len(r.shards))]
}

func (r *Runtime) counters(op host.Opcode) *opcodeCounters {
	r.statsMu.RLock()
	c, ok := r.counts[op]
	r.statsMu.RUnlock()
	if ok {
		return c
	}
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if c, ok := r.counts[op]; ok {
		return c
	}
	c = &opcodeCounters{}
	r.counts[op] = c
	return c
}

func (r *Runtime) hit(op host.Opcode) {
	r.metrics.incHit(op)
	if r.statsEnabled {
		r.counters(op).hits.Add(1)
	}
}

func (r *Runtime) miss(op host.Opcode) {
	r.metrics.incMiss(op)
	if r.statsEnabled {
		r.counters(op).misses.Add(1)
	}
}

func (r *Runtime) slightMiss(op host.Opcode) {
	r.metrics.incSlightMiss(op)
	if r.statsEnabled {
		r.counters(op).slightMisses.Add(1)
	}
}

func (r *Runtime) uncacheable(op host.Opcode) {
	r.metrics.incUncacheable(op)
	if r.statsEnabled {
		r.counters(op).uncacheable.Add(1)
	}
}

func (r *Runtime) instanceOf(v tagged.Value) (host.Instance, bool) {
	if !tagged.IsObject(v) {
		return nil, false
	}
	return r.resolver.ResolveInstance(tagged.AsObject(v))
}

/* -------------------------------------------------------------------------
   LOAD_ATTR / LOAD_METHOD / STORE_ATTR — spec.md §4.E/§4.F
   ------------------------------------------------------------------------- */

// LoadAttr implements LOAD_ATTR's fast path and, on miss, the
// classify-and-specialize slow path (spec.md §4.E, §4.F).
func (r *Runtime) LoadAttr(arena *shadow.Arena, ip int, owner tagged.Value, name string) (tagged.Value, error) {
	ops := r.cfg.opcodes
	inst, ok := r.instanceOf(owner)
	if !ok {
		return tagged.Null, ErrUnsupportedOwner
	}

	instr := arena.At(ip)
	if instr.Arg != shadow.Unspecialized {
		switch instr.Op {
		case ops.LoadAttrMono:
			if k, ok := arena.L1Cache[instr.Arg].(*entry.InstanceAttr); ok {
				if v, err := k.LoadAttr(inst); err != entry.ErrMiss {
					r.hit(ops.LoadAttrGeneric)
					return v, err
				}
			}
		case ops.LoadAttrPoly:
			if k, found := arena.PolymorphicCaches[instr.Arg].Lookup(inst); found {
				v, err := k.LoadAttr(inst)
				r.hit(ops.LoadAttrGeneric)
				return v, err
			}
		}
	}

	r.miss(ops.LoadAttrGeneric)
	sh := r.shardFor(inst.TypeOf())
	e, cacheable := sh.dispatcher.Classify(inst, name, false, ops.LoadAttrMono)
	if !cacheable {
		r.uncacheable(ops.LoadAttrGeneric)
		return tagged.Null, ErrUncacheable
	}
	sh.dispatcher.Specialize(arena, ip, e, ops.LoadAttrMono, ops.LoadAttrPoly)
	return e.LoadAttr(inst)
}

// LoadMethod implements LOAD_METHOD's fast path (spec.md §4.E/§4.F).
func (r *Runtime) LoadMethod(arena *shadow.Arena, ip int, owner tagged.Value, name string) (selfOrNull, method tagged.Value, err error) {
	ops := r.cfg.opcodes
	inst, ok := r.instanceOf(owner)
	if !ok {
		return tagged.Null, tagged.Null, ErrUnsupportedOwner
	}

	instr := arena.At(ip)
	if instr.Arg != shadow.Unspecialized {
		switch instr.Op {
		case ops.LoadMethodMono:
			if k, ok := arena.L1Cache[instr.Arg].(*entry.InstanceAttr); ok {
				if s, m, lerr := k.LoadMethod(inst); lerr != entry.ErrMiss {
					r.hit(ops.LoadMethodGeneric)
					return s, m, lerr
				}
			}
		case ops.LoadMethodPoly:
			if k, found := arena.PolymorphicCaches[instr.Arg].Lookup(inst); found {
				s, m, lerr := k.LoadMethod(inst)
				r.hit(ops.LoadMethodGeneric)
				return s, m, lerr
			}
		}
	}

	r.miss(ops.LoadMethodGeneric)
	sh := r.shardFor(inst.TypeOf())
	e, cacheable := sh.dispatcher.Classify(inst, name, true, ops.LoadMethodMono)
	if !cacheable {
		r.uncacheable(ops.LoadMethodGeneric)
		return tagged.Null, tagged.Null, ErrUncacheable
	}
	sh.dispatcher.Specialize(arena, ip, e, ops.LoadMethodMono, ops.LoadMethodPoly)
	return e.LoadMethod(inst)
}

// StoreAttr implements STORE_ATTR's fast path. A site observing a second
// type on store is promoted to a Polymorphic entry under StoreAttrPoly,
// the same way LoadAttr sites are.
func (r *Runtime) StoreAttr(arena *shadow.Arena, ip int, owner tagged.Value, name string, val tagged.Value) error {
	ops := r.cfg.opcodes
	inst, ok := r.instanceOf(owner)
	if !ok {
		return ErrUnsupportedOwner
	}

	instr := arena.At(ip)
	if instr.Arg != shadow.Unspecialized {
		switch instr.Op {
		case ops.StoreAttrMono:
			if k, ok := arena.L1Cache[instr.Arg].(*entry.InstanceAttr); ok {
				if err := k.StoreAttr(inst, val); err != entry.ErrMiss {
					r.hit(ops.StoreAttrGeneric)
					return err
				}
			}
		case ops.StoreAttrPoly:
			if k, found := arena.PolymorphicCaches[instr.Arg].Lookup(inst); found {
				err := k.StoreAttr(inst, val)
				r.hit(ops.StoreAttrGeneric)
				return err
			}
		}
	}

	r.miss(ops.StoreAttrGeneric)
	sh := r.shardFor(inst.TypeOf())
	e, cacheable := sh.dispatcher.Classify(inst, name, false, ops.StoreAttrMono)
	if !cacheable {
		r.uncacheable(ops.StoreAttrGeneric)
		return ErrUncacheable
	}
	sh.dispatcher.Specialize(arena, ip, e, ops.StoreAttrMono, ops.StoreAttrPoly)
	return e.StoreAttr(inst, val)
}

/* -------------------------------------------------------------------------
   LOAD_GLOBAL — spec.md §3/§8 scenario 5
   ------------------------------------------------------------------------- */

// LoadGlobal implements LOAD_GLOBAL's version-checked fast path. Unlike
// spec.md §6's bare `load_global(arena, ip, globals_version,
// builtins_version, name)`, this also takes the globals/builtins Dict
// themselves: entry.GlobalCache.Load needs them to re-resolve on a version
// mismatch, and spec.md's external-interface listing never explains how
// the fast path would otherwise reach them (DESIGN.md records this as a
// corrected omission, not a deviation from behavior).
func (r *Runtime) LoadGlobal(arena *shadow.Arena, ip int, globals, builtins host.Dict, globalsVersion, builtinsVersion uint64, name string) (tagged.Value, error) {
	ops := r.cfg.opcodes
	instr := arena.At(ip)
	if instr.Arg != shadow.Unspecialized && instr.Op == ops.LoadGlobalSpecialized {
		g := arena.Globals[instr.Arg]
		v, slight, err := g.Load(globals, builtins, globalsVersion, builtinsVersion)
		if err != entry.ErrMiss {
			if slight {
				r.slightMiss(ops.LoadGlobalGeneric)
			} else {
				r.hit(ops.LoadGlobalGeneric)
			}
			return v, err
		}
	}

	r.miss(ops.LoadGlobalGeneric)
	g := entry.NewGlobalCache(name, ops.LoadGlobalSpecialized)
	v, _, err := g.Load(globals, builtins, globalsVersion, builtinsVersion)
	if err != nil {
		return tagged.Null, err
	}
	arena.BindGlobal(ip, ops.LoadGlobalSpecialized, g)
	return v, nil
}

/* -------------------------------------------------------------------------
   BINARY_SUBSCR — spec.md §3 FieldCacheEntry
   ------------------------------------------------------------------------- */

// BinarySubscr implements a fixed-offset field-read specialization of
// BINARY_SUBSCR. oparg identifies the field being subscripted (its meaning
// is host-defined, e.g. a constant tuple index); the host's Resolver must
// additionally implement host.FieldResolver for any site to specialize, or
// every observation here is uncacheable.
func (r *Runtime) BinarySubscr(arena *shadow.Arena, ip int, container, sub tagged.Value, oparg uint8) (tagged.Value, error) {
	ops := r.cfg.opcodes
	inst, ok := r.instanceOf(container)
	if !ok {
		return tagged.Null, ErrUnsupportedOwner
	}

	instr := arena.At(ip)
	alreadyBound := instr.Arg != shadow.Unspecialized && instr.Op == ops.BinarySubscrField
	if alreadyBound {
		fc := arena.FieldCaches[instr.Arg]
		if v, err := fc.Load(inst); err != entry.ErrMiss {
			r.hit(ops.BinarySubscrGeneric)
			return v, err
		}
	}

	r.miss(ops.BinarySubscrGeneric)
	fr, ok := r.resolver.(host.FieldResolver)
	if !ok {
		r.uncacheable(ops.BinarySubscrGeneric)
		return tagged.Null, ErrUncacheable
	}
	offset, kind, ok := fr.ResolveField(inst.TypeOf(), oparg)
	if !ok {
		r.uncacheable(ops.BinarySubscrGeneric)
		return tagged.Null, ErrUncacheable
	}

	fc := entry.NewFieldCache("<subscr>", ops.BinarySubscrField, inst.TypeOf(), offset, primitiveKindOf(kind))
	if alreadyBound {
		arena.ReplaceField(int(instr.Arg), fc)
	} else {
		arena.BindField(ip, ops.BinarySubscrField, fc)
	}
	return fc.Load(inst)
}

func primitiveKindOf(k host.FieldKind) entry.PrimitiveKind {
	switch k {
	case host.FieldInt64:
		return entry.PrimitiveInt64
	case host.FieldFloat64:
		return entry.PrimitiveFloat64
	default:
		return entry.PrimitiveTagged
	}
}
