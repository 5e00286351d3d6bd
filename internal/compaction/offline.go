// Package compaction implements spec §4.7's offline and online compaction:
// rebuilding a fresh graph from a source index's live nodes, producing a
// source->target internal-id remap, and rewriting the external-id index.
package compaction

import (
	"context"

	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/extid"
	"github.com/replikativ/proximum/internal/hnsw"
	"github.com/replikativ/proximum/internal/vectorstore"
)

// Remap maps a source internal id to the id it was assigned in the target
// index built by Offline or Online.Finish.
type Remap map[int32]int32

// Offline rebuilds target from every live (non-deleted) node of source, in
// ascending internal-id order, using the source's own vector data, then
// carries forward each surviving node's external id into targetExt. The
// result has no deleted nodes and a freshly built graph (spec §4.7
// "offline"); callers own constructing an empty target graph/vector store
// with the same configuration as source before calling this.
func Offline(ctx context.Context, sourceEdges *edgestore.Store, sourceVectors *vectorstore.Store, sourceExt *extid.Store, target *hnsw.Graph, targetExt *extid.Store) (Remap, error) {
	n := sourceVectors.Count()
	remap := make(Remap, n)
	for id := int32(0); id < int32(n); id++ {
		if sourceEdges.IsDeleted(id) {
			continue
		}
		vec, err := sourceVectors.Get(int(id))
		if err != nil {
			return nil, err
		}
		newID, err := target.Insert(vec)
		if err != nil {
			return nil, err
		}
		remap[id] = newID

		if sourceExt == nil || targetExt == nil {
			continue
		}
		external, ok, err := sourceExt.ReverseLookup(ctx, int64(id))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // node was live but had no surviving external-id mapping
		}
		if err := targetExt.Put(ctx, external, int64(newID)); err != nil {
			return nil, err
		}
	}
	return remap, nil
}
