package main

// history.go persists every fetched snapshot to an embedded Badger store,
// keyed by an insertion-ordered sequence number, so a later invocation of shadow-inspect can
// inspect trends across a run rather than only the latest snapshot. This is
// diagnostic history, not semantic cache state: shadowcode itself never
// touches Badger (SPEC_FULL.md §4) — only this inspector tool does, the
// same "second-level store wired in by the example/tool, not the library"
// shape the teacher's disk_eject example used Badger for.
//
// © 2025 shadowcode authors. MIT License.

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

type historyStore struct {
	db *badger.DB
}

func openHistory(dir string) (*historyStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", dir, err)
	}
	return &historyStore{db: db}, nil
}

// Record stores raw under a monotonically increasing sequence key so
// history is naturally ordered by insertion under Badger's LSM iterator.
func (h *historyStore) Record(raw []byte) error {
	seq, err := h.db.GetSequence([]byte("snapshot-seq"), 1)
	if err != nil {
		return err
	}
	defer seq.Release()
	n, err := seq.Next()
	if err != nil {
		return err
	}
	key := fmt.Appendf(nil, "snapshot/%020d", n)
	return h.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	})
}

// Snapshots returns every recorded snapshot's raw JSON, oldest first.
func (h *historyStore) Snapshots() ([][]byte, error) {
	var out [][]byte
	err := h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("snapshot/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			if err := item.Value(func(v []byte) error {
				cp := append([]byte(nil), v...)
				out = append(out, cp)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (h *historyStore) Close() error { return h.db.Close() }
