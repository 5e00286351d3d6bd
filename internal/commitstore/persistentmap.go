// Package commitstore implements the persistence layer named in spec §4.6:
// content-addressed persistent maps backing the vector/edge/metadata/
// external-id address tables, commit records chaining them together, and
// the branch-head roots blob that ties commits to names.
package commitstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/replikativ/proximum/internal/blobstore"
	"github.com/replikativ/proximum/internal/errs"
)

const (
	nodeKeyPrefix = "node:"
	maxPageSize   = 256
)

// entry is one key/value pair stored in a leaf page.
type entry[K any, V any] struct {
	Key   K
	Value V
}

// leafPage is a content-addressed blob holding a sorted run of entries.
type leafPage[K any, V any] struct {
	Entries []entry[K, V]
}

// pageRef indexes one leaf page by its minimum key, so PersistentMap's root
// (the single "internal B-tree node" per commit) can binary-search straight
// to the page a key would live in without loading every page.
type pageRef[K any] struct {
	MinKey K
	Hash   string
	Count  int
}

// indexNode is the persistent map's root blob: the spec's "internal B-tree
// nodes are themselves blobs in the same blob store" applied with a single
// level of indexing, sufficient for the map sizes this index deals in
// (vector/edge/metadata/external-id address tables, not arbitrary user data).
type indexNode[K any] struct {
	Pages []pageRef[K]
}

// PersistentMap is an immutable, content-addressed sorted map. Every
// mutation returns a new root hash; unaffected leaf pages are reused
// verbatim by hash, giving the structural sharing across commits that spec
// §4.6 requires without rewriting the whole map on every Sync.
type PersistentMap[K any, V any] struct {
	blobs blobstore.BlobStore
	less  func(a, b K) bool
	equal func(a, b K) bool
}

// NewMap creates a map handle over blobs. less/equal define the key
// ordering; callers own key comparison since K may be any hashable
// application type (spec §4.8 "external IDs may be any opaque hashable
// value").
func NewMap[K any, V any](blobs blobstore.BlobStore, less, equal func(a, b K) bool) *PersistentMap[K, V] {
	return &PersistentMap[K, V]{blobs: blobs, less: less, equal: equal}
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (m *PersistentMap[K, V]) putNode(ctx context.Context, data []byte) (string, error) {
	h := hashOf(data)
	if err := m.blobs.Put(ctx, nodeKeyPrefix+h, data); err != nil {
		return "", err
	}
	return h, nil
}

func (m *PersistentMap[K, V]) loadIndex(ctx context.Context, root string) (indexNode[K], error) {
	var idx indexNode[K]
	if root == "" {
		return idx, nil
	}
	raw, ok, err := m.blobs.Get(ctx, nodeKeyPrefix+root)
	if err != nil {
		return idx, err
	}
	if !ok {
		return idx, errs.CorruptedStorage(root, "persistent map root not found")
	}
	if err := msgpack.Unmarshal(raw, &idx); err != nil {
		return idx, errs.CorruptedStorage(root, "failed to decode index node: "+err.Error())
	}
	return idx, nil
}

func (m *PersistentMap[K, V]) loadLeaf(ctx context.Context, hash string) (leafPage[K, V], error) {
	var page leafPage[K, V]
	raw, ok, err := m.blobs.Get(ctx, nodeKeyPrefix+hash)
	if err != nil {
		return page, err
	}
	if !ok {
		return page, errs.CorruptedStorage(hash, "persistent map leaf page not found")
	}
	if err := msgpack.Unmarshal(raw, &page); err != nil {
		return page, errs.CorruptedStorage(hash, "failed to decode leaf page: "+err.Error())
	}
	return page, nil
}

// pageIndexFor returns the index of the page that would contain key (the
// last page whose MinKey is <= key, or 0 if key is smaller than every page).
func (m *PersistentMap[K, V]) pageIndexFor(pages []pageRef[K], key K) int {
	i := sort.Search(len(pages), func(i int) bool { return m.less(key, pages[i].MinKey) })
	if i == 0 {
		return 0
	}
	return i - 1
}

// Get looks up key under root, returning ok=false if absent.
func (m *PersistentMap[K, V]) Get(ctx context.Context, root string, key K) (V, bool, error) {
	var zero V
	idx, err := m.loadIndex(ctx, root)
	if err != nil {
		return zero, false, err
	}
	if len(idx.Pages) == 0 {
		return zero, false, nil
	}
	pi := m.pageIndexFor(idx.Pages, key)
	page, err := m.loadLeaf(ctx, idx.Pages[pi].Hash)
	if err != nil {
		return zero, false, err
	}
	for _, e := range page.Entries {
		if m.equal(e.Key, key) {
			return e.Value, true, nil
		}
	}
	return zero, false, nil
}

// Put returns the new root after inserting or overwriting key->value.
func (m *PersistentMap[K, V]) Put(ctx context.Context, root string, key K, value V) (string, error) {
	idx, err := m.loadIndex(ctx, root)
	if err != nil {
		return "", err
	}
	if len(idx.Pages) == 0 {
		hash, err := m.writeLeaf(ctx, leafPage[K, V]{Entries: []entry[K, V]{{Key: key, Value: value}}})
		if err != nil {
			return "", err
		}
		return m.writeIndex(ctx, indexNode[K]{Pages: []pageRef[K]{{MinKey: key, Hash: hash, Count: 1}}})
	}

	pi := m.pageIndexFor(idx.Pages, key)
	page, err := m.loadLeaf(ctx, idx.Pages[pi].Hash)
	if err != nil {
		return "", err
	}
	page.Entries = upsert(page.Entries, entry[K, V]{Key: key, Value: value}, m.less, m.equal)

	newPages := append([]pageRef[K](nil), idx.Pages...)
	if len(page.Entries) > maxPageSize {
		left, right := splitLeaf(page)
		leftHash, err := m.writeLeaf(ctx, left)
		if err != nil {
			return "", err
		}
		rightHash, err := m.writeLeaf(ctx, right)
		if err != nil {
			return "", err
		}
		replacement := []pageRef[K]{
			{MinKey: left.Entries[0].Key, Hash: leftHash, Count: len(left.Entries)},
			{MinKey: right.Entries[0].Key, Hash: rightHash, Count: len(right.Entries)},
		}
		newPages = append(newPages[:pi], append(replacement, newPages[pi+1:]...)...)
	} else {
		hash, err := m.writeLeaf(ctx, page)
		if err != nil {
			return "", err
		}
		newPages[pi] = pageRef[K]{MinKey: page.Entries[0].Key, Hash: hash, Count: len(page.Entries)}
	}
	return m.writeIndex(ctx, indexNode[K]{Pages: newPages})
}

// Delete returns the new root after removing key, if present.
func (m *PersistentMap[K, V]) Delete(ctx context.Context, root string, key K) (string, error) {
	idx, err := m.loadIndex(ctx, root)
	if err != nil {
		return "", err
	}
	if len(idx.Pages) == 0 {
		return root, nil
	}
	pi := m.pageIndexFor(idx.Pages, key)
	page, err := m.loadLeaf(ctx, idx.Pages[pi].Hash)
	if err != nil {
		return "", err
	}
	filtered := page.Entries[:0:0]
	for _, e := range page.Entries {
		if !m.equal(e.Key, key) {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == len(page.Entries) {
		return root, nil // key was absent; no-op
	}

	newPages := append([]pageRef[K](nil), idx.Pages...)
	if len(filtered) == 0 {
		newPages = append(newPages[:pi], newPages[pi+1:]...)
	} else {
		hash, err := m.writeLeaf(ctx, leafPage[K, V]{Entries: filtered})
		if err != nil {
			return "", err
		}
		newPages[pi] = pageRef[K]{MinKey: filtered[0].Key, Hash: hash, Count: len(filtered)}
	}
	return m.writeIndex(ctx, indexNode[K]{Pages: newPages})
}

// All streams every key/value pair under root in ascending key order, used
// by GC's mark phase and by VerifyFromCold.
func (m *PersistentMap[K, V]) All(ctx context.Context, root string) ([]entry[K, V], error) {
	idx, err := m.loadIndex(ctx, root)
	if err != nil {
		return nil, err
	}
	var out []entry[K, V]
	for _, pr := range idx.Pages {
		page, err := m.loadLeaf(ctx, pr.Hash)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Entries...)
	}
	return out, nil
}

// Addresses returns every blob key (index node + leaf pages) reachable from
// root, for GC's mark phase (spec §4.6 "all internal map nodes, all chunk
// blobs").
func (m *PersistentMap[K, V]) Addresses(ctx context.Context, root string) ([]string, error) {
	if root == "" {
		return nil, nil
	}
	idx, err := m.loadIndex(ctx, root)
	if err != nil {
		return nil, err
	}
	out := []string{nodeKeyPrefix + root}
	for _, pr := range idx.Pages {
		out = append(out, nodeKeyPrefix+pr.Hash)
	}
	return out, nil
}

func (m *PersistentMap[K, V]) writeLeaf(ctx context.Context, page leafPage[K, V]) (string, error) {
	data, err := msgpack.Marshal(page)
	if err != nil {
		return "", errs.CorruptedStorage("", "failed to encode leaf page: "+err.Error())
	}
	return m.putNode(ctx, data)
}

func (m *PersistentMap[K, V]) writeIndex(ctx context.Context, idx indexNode[K]) (string, error) {
	data, err := msgpack.Marshal(idx)
	if err != nil {
		return "", errs.CorruptedStorage("", "failed to encode index node: "+err.Error())
	}
	return m.putNode(ctx, data)
}

func upsert[K any, V any](entries []entry[K, V], e entry[K, V], less, equal func(a, b K) bool) []entry[K, V] {
	i := sort.Search(len(entries), func(i int) bool { return less(e.Key, entries[i].Key) || equal(e.Key, entries[i].Key) })
	if i < len(entries) && equal(entries[i].Key, e.Key) {
		out := append([]entry[K, V](nil), entries...)
		out[i] = e
		return out
	}
	out := make([]entry[K, V], 0, len(entries)+1)
	out = append(out, entries[:i]...)
	out = append(out, e)
	out = append(out, entries[i:]...)
	return out
}

func splitLeaf[K any, V any](page leafPage[K, V]) (leafPage[K, V], leafPage[K, V]) {
	mid := len(page.Entries) / 2
	left := leafPage[K, V]{Entries: append([]entry[K, V](nil), page.Entries[:mid]...)}
	right := leafPage[K, V]{Entries: append([]entry[K, V](nil), page.Entries[mid:]...)}
	return left, right
}
