// This file lives in tools/tracegen, separate from the bench package.

package main

// tracegen.go is a tiny helper utility generating deterministic synthetic
// attribute-access traces for standalone benchmarking of shadowcode outside
// `go test`, adapted from the teacher's tools/dataset_gen (there: uniform/
// Zipf-distributed uint64 keys for a generic K/V cache; here: a stream of
// (site, type) observations modeling monomorphic, polymorphic and
// megamorphic LOAD_ATTR call-site behavior, the workload shape inline
// caching is actually benchmarked against).
//
// Usage:
//   go run ./tools/tracegen -sites 64 -n 1000000 -poly 0.1 -seed 42 -out trace.txt
//
// Flags:
//   -n       number of observations to generate (default 1e6)
//   -sites   number of distinct call sites (default 64)
//   -types   number of distinct types in the type pool (default 8)
//   -poly    fraction of sites that are polymorphic, i.e. whose observed
//            type is drawn from the whole pool instead of pinned to one
//            type for the site's lifetime (default 0.1)
//   -seed    RNG seed (default current time)
//   -out     output file (default stdout)
//
// Each output line is "site_id type_id", e.g. "3 5" meaning "site 3 just
// observed an instance of type 5".
//
// © 2025 shadowcode authors. MIT License.

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"
)

func main() {
	var (
		n       = flag.Int("n", 1_000_000, "number of observations to generate")
		sites   = flag.Int("sites", 64, "number of distinct call sites")
		types   = flag.Int("types", 8, "number of distinct types in the type pool")
		poly    = flag.Float64("poly", 0.1, "fraction of sites that are polymorphic")
		seedVal = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
		outPath = flag.String("out", "", "output file (default stdout)")
	)
	flag.Parse()

	if *sites <= 0 || *types <= 0 {
		fmt.Fprintln(os.Stderr, "sites and types must be > 0")
		os.Exit(1)
	}

	rnd := rand.New(rand.NewSource(*seedVal))

	// Each site is pinned to one type at generation time, unless it is
	// selected (with probability poly) to be polymorphic, in which case
	// every observation at that site draws a fresh type from the pool.
	pinnedType := make([]int, *sites)
	isPoly := make([]bool, *sites)
	for i := range pinnedType {
		pinnedType[i] = rnd.Intn(*types)
		isPoly[i] = rnd.Float64() < *poly
	}

	var out *os.File
	var err error
	if *outPath == "" {
		out = os.Stdout
	} else {
		out, err = os.Create(*outPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot create file:", err)
			os.Exit(1)
		}
		defer out.Close()
	}

	w := bufio.NewWriterSize(out, 1<<20)
	defer w.Flush()

	for i := 0; i < *n; i++ {
		site := rnd.Intn(*sites)
		typ := pinnedType[site]
		if isPoly[site] {
			typ = rnd.Intn(*types)
		}
		fmt.Fprintln(w, site, typ)
	}
}
