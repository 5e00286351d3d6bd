package proximum

import (
	"context"

	"github.com/replikativ/proximum/internal/compaction"
	"github.com/replikativ/proximum/internal/distance"
)

// Add inserts vec under externalID (spec §3 write path: vector store append
// -> HNSW insert -> external-id index update). Re-adding an already-present
// externalID upserts: the prior internal id is soft-deleted and a fresh one
// is assigned, since the vector store is append-only and ids are never
// reused (spec §4.4/§9 edge case).
func (idx *Index) Add(ctx context.Context, externalID any, vec []float32) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	normalized := vec
	if idx.metric == distance.Cosine {
		normalized = distance.Normalized(vec)
	}

	if prevID, found, err := idx.ext.Lookup(ctx, externalID); err != nil {
		return err
	} else if found {
		idx.edges.MarkDeleted(int32(prevID))
	}

	id, err := idx.graph.Insert(normalized)
	if err != nil {
		return err
	}
	if err := idx.ext.Put(ctx, externalID, int64(id)); err != nil {
		return err
	}
	idx.recordCompactionWrite(ctx, compaction.DeltaEntry{ExternalID: externalID, Vector: normalized, Op: compaction.OpAdd})
	return nil
}

// Delete soft-deletes externalID's node and removes both index directions
// (spec §4.8 "delete(external_id) removes from both and marks internal id
// deleted"). Deleting an id that was never added is a no-op, not an error.
func (idx *Index) Delete(ctx context.Context, externalID any) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	id, found, err := idx.ext.Delete(ctx, externalID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := idx.graph.Delete(int32(id)); err != nil {
		return err
	}
	idx.recordCompactionWrite(ctx, compaction.DeltaEntry{ExternalID: externalID, Op: compaction.OpDelete})
	return nil
}

// recordCompactionWrite mirrors a write onto an in-flight online Compact's
// delta log, if one is running (spec §4.7 online compaction: writes during
// the copy window are buffered and replayed once the copy finishes). It is
// best-effort: a write arriving after the copy phase has already closed its
// log is silently dropped here because Copy has already observed that node
// directly by the time RecordWrite would reject it.
func (idx *Index) recordCompactionWrite(ctx context.Context, entry compaction.DeltaEntry) {
	idx.compactionMu.Lock()
	session := idx.compaction
	idx.compactionMu.Unlock()
	if session == nil {
		return
	}
	_ = session.RecordWrite(ctx, entry)
}
