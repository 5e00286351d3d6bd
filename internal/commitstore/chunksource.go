package commitstore

import (
	"context"

	"github.com/replikativ/proximum/internal/blobstore"
)

const chunkBlobPrefix = "chunk:"

// coldSource implements edgestore.ChunkSource over a blob store and the
// edge address map (encoded layer/chunk-index -> content hash), so a fresh
// edgestore.Store can lazily load chunks it has never held in memory (spec
// §4.3 "cold load" / §4.6 "edge/vector chunks are lazily loaded on first
// access"). The ChunkSource interface predates context plumbing at the
// edge-store layer, so cold reads use context.Background(); a failed
// presence check is treated as "not persisted" rather than propagated,
// since the subsequent LoadChunk call surfaces the real error.
type coldSource struct {
	blobs   blobstore.BlobStore
	edgeMap *PersistentMap[uint64, string]
	root    func() string
}

func newColdSource(blobs blobstore.BlobStore, edgeMap *PersistentMap[uint64, string], root func() string) *coldSource {
	return &coldSource{blobs: blobs, edgeMap: edgeMap, root: root}
}

func (c *coldSource) Persisted(address uint64) bool {
	_, ok, err := c.edgeMap.Get(context.Background(), c.root(), address)
	return err == nil && ok
}

func (c *coldSource) LoadChunk(address uint64) ([]int32, bool, error) {
	ctx := context.Background()
	hash, ok, err := c.edgeMap.Get(ctx, c.root(), address)
	if err != nil || !ok {
		return nil, false, err
	}
	raw, ok, err := c.blobs.Get(ctx, chunkBlobPrefix+hash)
	if err != nil || !ok {
		return nil, false, err
	}
	return decodeInt32s(raw), true, nil
}
