package commitstore

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GC runs the mark-and-sweep collector described in spec §4.6: starting
// from every branch head, walk parent chains marking every reachable
// commit, map root, internal map node, and chunk blob; then delete
// unmarked blobs. Commit records newer than removeBefore are kept even if
// unmarked; other blobs carry no creation time, so an unmarked chunk or map
// node is deleted whatever its age.
func GC(ctx context.Context, blobs Blobs, removeBefore time.Time) (removed int, err error) {
	marked, err := mark(ctx, blobs)
	if err != nil {
		return 0, err
	}

	all, err := blobs.List(ctx, "")
	if err != nil {
		return 0, err
	}
	for _, key := range all {
		if strings.HasPrefix(key, rootKeyLikePrefix) {
			continue // never swept; roots are owned by ListRoots/CASRoot, not List
		}
		if marked[key] {
			continue
		}
		newerThanCutoff, err := blobNewerThan(ctx, blobs, key, removeBefore)
		if err != nil {
			return removed, err
		}
		if newerThanCutoff {
			continue
		}
		if err := blobs.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// rootKeyLikePrefix guards against sweeping root entries in blob stores
// (like Badger's) that happen to keep roots in the same keyspace List scans;
// Memory's List never sees roots at all, so this is a no-op there.
const rootKeyLikePrefix = "root:"

// blobNewerThan has no generic creation-timestamp to consult (the BlobStore
// contract in spec §6 does not require one), so commit records - which do
// carry CreatedAt - are the only blobs this can age-check precisely. Other
// blob kinds (chunks, map nodes) are only ever referenced by a commit, so
// once a commit ages out of the marked set, its chunks are swept in the
// same pass regardless of their own age; returning false here lets mark's
// reachability decide for everything except commit records.
func blobNewerThan(ctx context.Context, blobs Blobs, key string, cutoff time.Time) (bool, error) {
	if !strings.HasPrefix(key, commitKeyPrefix) {
		return false, nil
	}
	id, err := uuid.Parse(strings.TrimPrefix(key, commitKeyPrefix))
	if err != nil {
		return false, nil
	}
	c, err := getCommit(ctx, blobs, id)
	if err != nil {
		return false, nil
	}
	return c.CreatedAt.After(cutoff), nil
}

func mark(ctx context.Context, blobs Blobs) (map[string]bool, error) {
	marked := make(map[string]bool)
	roots, err := blobs.ListRoots(ctx)
	if err != nil {
		return nil, err
	}
	for _, branch := range roots {
		raw, ok, err := blobs.GetRoot(ctx, branch)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		id, err := uuid.FromBytes(raw)
		if err != nil {
			continue
		}
		if err := markFromCommit(ctx, blobs, id, marked); err != nil {
			return nil, err
		}
	}
	return marked, nil
}

func markFromCommit(ctx context.Context, blobs Blobs, id uuid.UUID, marked map[string]bool) error {
	for {
		key := commitKeyPrefix + id.String()
		if marked[key] {
			return nil // this commit and its ancestors were already marked by another branch
		}
		c, err := getCommit(ctx, blobs, id)
		if err != nil {
			return err
		}
		marked[key] = true

		edgeMap := NewMap[uint64, string](blobs, addrLess, addrEqual)
		if err := markMapAddresses[uint64](ctx, edgeMap, c.EdgeMapRoot, marked); err != nil {
			return err
		}
		vectorMap := NewMap[uint32, string](blobs, vectorLess, vectorEqual)
		if err := markMapAddresses[uint32](ctx, vectorMap, c.VectorMapRoot, marked); err != nil {
			return err
		}
		metaMap := NewMap[string, []byte](blobs, stringLess, stringEqual)
		for _, addr := range mustAddresses(ctx, metaMap, c.MetadataMapRoot) {
			marked[addr] = true
		}
		// The reverse external-id map's root is a metadata value, not a commit field.
		if rev, ok, err := metaMap.Get(ctx, c.MetadataMapRoot, metadataReverseExtIDKey); err == nil && ok {
			revMap := NewMap[string, []byte](blobs, stringLess, stringEqual)
			for _, addr := range mustAddresses(ctx, revMap, string(rev)) {
				marked[addr] = true
			}
		}
		extMap := NewMap[string, []byte](blobs, stringLess, stringEqual)
		for _, addr := range mustAddresses(ctx, extMap, c.ExternalIDRoot) {
			marked[addr] = true
		}

		if len(c.Parents) == 0 {
			return nil
		}
		id = c.Parents[0] // linear history; merge commits are out of scope (spec Non-goals)
	}
}

func mustAddresses[K any, V any](ctx context.Context, m *PersistentMap[K, V], root string) []string {
	addrs, err := m.Addresses(ctx, root)
	if err != nil {
		return nil
	}
	return addrs
}

// markMapAddresses marks an address-map's own nodes plus every chunk blob
// its leaves point at.
func markMapAddresses[K any](ctx context.Context, m *PersistentMap[K, string], root string, marked map[string]bool) error {
	addrs, err := m.Addresses(ctx, root)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		marked[a] = true
	}
	entries, err := m.All(ctx, root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		marked[chunkBlobPrefix+e.Value] = true
	}
	return nil
}

// VerifyResult reports the outcome of VerifyFromCold.
type VerifyResult struct {
	Valid           bool
	VectorsVerified int
	EdgesVerified   int
	ExpectedHash    *uuid.UUID
}

// VerifyFromCold re-reads every chunk reachable from a commit's maps and,
// if crypto_hash was enabled, recomputes the chained commit hash and
// compares it to the stored value (spec §4.6).
func VerifyFromCold(ctx context.Context, blobs Blobs, commitID uuid.UUID) (VerifyResult, error) {
	c, err := getCommit(ctx, blobs, commitID)
	if err != nil {
		return VerifyResult{}, err
	}

	edgeMap := NewMap[uint64, string](blobs, addrLess, addrEqual)
	edgeEntries, err := edgeMap.All(ctx, c.EdgeMapRoot)
	if err != nil {
		return VerifyResult{}, err
	}
	for _, e := range edgeEntries {
		if _, ok, err := blobs.Get(ctx, chunkBlobPrefix+e.Value); err != nil {
			return VerifyResult{}, err
		} else if !ok {
			return VerifyResult{Valid: false}, nil
		}
	}

	vectorMap := NewMap[uint32, string](blobs, vectorLess, vectorEqual)
	vectorEntries, err := vectorMap.All(ctx, c.VectorMapRoot)
	if err != nil {
		return VerifyResult{}, err
	}
	for _, e := range vectorEntries {
		if _, ok, err := blobs.Get(ctx, chunkBlobPrefix+e.Value); err != nil {
			return VerifyResult{}, err
		} else if !ok {
			return VerifyResult{Valid: false}, nil
		}
	}

	result := VerifyResult{
		Valid:           true,
		VectorsVerified: len(vectorEntries),
		EdgesVerified:   len(edgeEntries),
	}

	if c.CommitHash != nil {
		var parentHashes []uuid.UUID
		if len(c.Parents) > 0 {
			parent, err := getCommit(ctx, blobs, c.Parents[0])
			if err == nil && parent.CommitHash != nil {
				parentHashes = append(parentHashes, *parent.CommitHash)
			}
		}
		recomputed, err := computeHash(c, parentHashes)
		if err != nil {
			return VerifyResult{}, err
		}
		result.ExpectedHash = &recomputed
		if recomputed != *c.CommitHash {
			result.Valid = false
		}
	}
	return result, nil
}

// Blobs is the subset of blobstore.BlobStore GC and VerifyFromCold need;
// named distinctly so this file doesn't import internal/blobstore just for
// the interface (they're defined identically, implemented by the same
// concrete types used elsewhere in this package).
type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	GetRoot(ctx context.Context, root string) ([]byte, bool, error)
	CASRoot(ctx context.Context, root string, expected, next []byte) (bool, error)
	ListRoots(ctx context.Context) ([]string, error)
	Close() error
}
