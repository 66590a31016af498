// Package shadowcode is the public entry point to the inline-caching
// subsystem (SPEC_FULL.md §7): construction and configuration of a Runtime,
// plus the opcode handlers it exposes.
//
// config.go mirrors the teacher's functional-options shape (config.go in
// Voskan/arena-cache): a private config struct, a generic-free Option type
// (the cache has no per-instance K/V type parameters, unlike the teacher's
// Cache[K,V], so Option needs none either), and applyOptions validating
// invariants with the same early-bail-out sentinel-error style.
//
// © 2025 shadowcode authors. MIT License.
package shadowcode

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shadowvm/shadowcode/internal/host"
	"github.com/shadowvm/shadowcode/internal/unsafehelpers"
)

// Option configures a Runtime at construction time.
type Option func(*config)

// OpcodeTable names the host's fixed opcode IDs for every specialized
// family shadowcode manages. spec.md leaves concrete opcode numbering to
// the host (§4.D: "generic-but-cache-aware specialized opcodes"); a Go
// package serving arbitrary hosts cannot hard-code them, so the host
// supplies the table once via WithOpcodes.
type OpcodeTable struct {
	LoadAttrGeneric, LoadAttrMono, LoadAttrPoly          host.Opcode
	LoadMethodGeneric, LoadMethodMono, LoadMethodPoly    host.Opcode
	StoreAttrGeneric, StoreAttrMono, StoreAttrPoly        host.Opcode
	LoadGlobalGeneric, LoadGlobalSpecialized              host.Opcode
	BinarySubscrGeneric, BinarySubscrField                host.Opcode
}

// WithOpcodes supplies the host's opcode numbering. Required; every
// opcode handler indexes the bytecode stream by these IDs.
func WithOpcodes(t OpcodeTable) Option {
	return func(c *config) { c.opcodes = t }
}

// config bundles every knob influencing Runtime behavior. Immutable once
// New returns, same as the teacher's config[K,V] — no hot-reload.
type config struct {
	registry      *prometheus.Registry
	logger        *zap.Logger
	resolver      host.Resolver
	statsEnabled  bool
	shards        uint8
	l2CacheBudget int
	compactionThreshold int64
	singleflightDedup   bool
	opcodes             OpcodeTable
}

func defaultConfig() *config {
	return &config{
		logger:              zap.NewNop(),
		statsEnabled:        true,
		shards:              1,
		l2CacheBudget:       4096,
		compactionThreshold: 4096,
		singleflightDedup:   true,
	}
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (the default) and the Runtime pays nothing on the hot path for
// counter updates.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithLogger plugs an external zap.Logger. The hot path
// (LoadAttr/LoadMethod/StoreAttr/LoadGlobal/BinarySubscr) never logs; only
// slow events do (type-modified invalidation, polymorphic promotion,
// uncacheable classification, arena teardown).
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithResolver supplies the host's reverse mapping from a tagged.Value's
// raw pointer back to the typed Instance/Type/Module handle the host
// created. Required: New returns errNoResolver when it is omitted.
func WithResolver(r host.Resolver) Option {
	return func(c *config) { c.resolver = r }
}

// WithStatsEnabled toggles the per-opcode hit/miss/uncacheable counters
// (spec.md §6 "Configuration knob: whether to compile with statistics
// counters enabled"). Even when disabled, Stats() still reports the live
// directory count (Entries); only the per-opcode tallies are skipped.
func WithStatsEnabled(enabled bool) Option {
	return func(c *config) { c.statsEnabled = enabled }
}

// WithShards sets how many independent Type Cache Registry shards the
// Runtime maintains, reducing lock contention across sub-interpreter
// threads that specialize against disjoint sets of types concurrently
// (SPEC_FULL.md §4 domain-stack note on golang.org/x/sync/singleflight).
// Must be a power of two.
func WithShards(n uint8) Option {
	return func(c *config) { c.shards = n }
}

// WithL2CacheBudget bounds the entry count of every type directory's
// secondary (name -> entry.Kind) cache, evicted by internal/clockpro.
// A budget <= 0 disables the bound.
func WithL2CacheBudget(n int) Option {
	return func(c *config) { c.l2CacheBudget = n }
}

// WithCompactionThreshold sets how many bytecode patches a shadow arena
// accumulates before its tables are compacted into a fresh generation
// (internal/shadow, adapted from the teacher's genring rotation).
func WithCompactionThreshold(n int64) Option {
	return func(c *config) { c.compactionThreshold = n }
}

// WithSingleflightDedup toggles deduplication of concurrent directory
// creation and respecialization races via golang.org/x/sync/singleflight.
// Enabled by default; disabling it is only safe under spec.md §5's
// baseline single-threaded-per-interpreter assumption.
func WithSingleflightDedup(enabled bool) Option {
	return func(c *config) { c.singleflightDedup = enabled }
}

func applyOptions(cfg *config, opts []Option) error {
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.resolver == nil {
		return errNoResolver
	}
	if cfg.shards == 0 || !unsafehelpers.IsPowerOfTwo(uintptr(cfg.shards)) {
		return errInvalidShards
	}
	if cfg.compactionThreshold <= 0 {
		return errInvalidCompaction
	}
	return nil
}

var (
	errNoResolver        = errors.New("shadowcode: WithResolver is required")
	errInvalidShards     = errors.New("shadowcode: shards must be power-of-two and > 0")
	errInvalidCompaction = errors.New("shadowcode: compaction threshold must be > 0")
)
