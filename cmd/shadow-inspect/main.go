// shadow-inspect fetches diagnostic data from a target process exposing
// shadowcode's debug endpoint, and prints it either as pretty text or JSON.
// It also supports periodic watch mode and, with --history, persists every
// snapshot to an embedded Badger store for later trend inspection.
//
// The target Go service is expected to expose:
//   • GET /debug/shadowcode/snapshot — JSON payload, shadowcode.StatsSnapshot.
//
// Adapted from the teacher's cmd/arena-cache-inspect/main.go; the flag
// parsing and options type, missing from the retrieved source, are
// reconstructed here in the same style (stdlib flag package, a small
// options struct, one-shot vs watch mode).
//
// © 2025 shadowcode authors. MIT License.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var version = "dev"

type options struct {
	target   string
	json     bool
	watch    bool
	interval time.Duration
	history  string
	version  bool
}

func parseFlags() *options {
	opts := &options{}
	flag.StringVar(&opts.target, "target", "http://localhost:6060", "base URL of the instrumented process")
	flag.BoolVar(&opts.json, "json", false, "print raw JSON instead of a formatted summary")
	flag.BoolVar(&opts.watch, "watch", false, "poll repeatedly instead of a single fetch")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "poll interval in watch mode")
	flag.StringVar(&opts.history, "history", "", "directory for a Badger store recording every snapshot (disabled if empty)")
	flag.BoolVar(&opts.version, "version", false, "print version and exit")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println(version)
		return
	}

	var hist *historyStore
	if opts.history != "" {
		h, err := openHistory(opts.history)
		if err != nil {
			fatal(err)
		}
		defer h.Close()
		hist = h
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(ctx, opts, hist); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	}

	if err := dumpOnce(ctx, opts, hist); err != nil {
		fatal(err)
	}
}

func dumpOnce(ctx context.Context, opts *options, hist *historyStore) error {
	snap, raw, err := fetchSnapshot(ctx, opts.target)
	if err != nil {
		return err
	}

	if hist != nil {
		if err := hist.Record(raw); err != nil {
			fmt.Fprintln(os.Stderr, "history write failed:", err)
		}
	}

	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return prettyPrint(snap)
}

func fetchSnapshot(ctx context.Context, base string) (map[string]any, []byte, error) {
	url := base + "/debug/shadowcode/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	var raw map[string]any
	dec := json.NewDecoder(res.Body)
	if err := dec.Decode(&raw); err != nil {
		return nil, nil, err
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, buf, nil
}

func prettyPrint(data map[string]any) error {
	perOpcode, _ := data["PerOpcode"].(map[string]any)
	fmt.Printf("Entries: %v\n", data["Entries"])
	for op, row := range perOpcode {
		r, _ := row.(map[string]any)
		fmt.Printf("opcode %s: hits=%v misses=%v slight_misses=%v uncacheable=%v\n",
			op, r["Hits"], r["Misses"], r["SlightMisses"], r["Uncacheable"])
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "shadow-inspect:", err)
	os.Exit(1)
}
