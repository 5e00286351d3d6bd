// Package inflight tracks vectors currently mid-insert, scoped by store
// identity, so a concurrent batch build can merge candidates from graph
// search with candidates from sibling insertions that have not yet
// published their edges (spec §4.4 "Concurrent-build candidate merging").
// The registry is process-wide so it is safe to share across multiple
// coexisting indexes (e.g. during compaction) without cross-index
// contamination: lookups are always scoped by store UUID.
package inflight

import (
	"sync"

	"github.com/google/uuid"
)

type key struct {
	store uuid.UUID
	node  int64
}

// Entry is a peer insertion visible to concurrent search/insert operations
// on the same store.
type Entry struct {
	NodeID int64
	Vector []float32
}

var registry sync.Map // map[key]Entry

// Register announces that node is being inserted into store with vec, so
// concurrent inserts can see it as a merge candidate before it is durably
// linked into the graph.
func Register(store uuid.UUID, node int64, vec []float32) {
	registry.Store(key{store, node}, Entry{NodeID: node, Vector: vec})
}

// Unregister removes node's in-flight entry once its insert has completed.
func Unregister(store uuid.UUID, node int64) {
	registry.Delete(key{store, node})
}

// Peers returns every in-flight entry for store other than exclude, for the
// caller to merge into its own candidate set.
func Peers(store uuid.UUID, exclude int64) []Entry {
	var out []Entry
	registry.Range(func(k, v any) bool {
		kk := k.(key)
		if kk.store == store && kk.node != exclude {
			out = append(out, v.(Entry))
		}
		return true
	})
	return out
}
