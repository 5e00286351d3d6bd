package proximum

import (
	"context"

	"github.com/google/uuid"

	"github.com/replikativ/proximum/internal/compaction"
	"github.com/replikativ/proximum/internal/errs"
	"github.com/replikativ/proximum/internal/logging"
)

// Sync runs the persistence protocol of spec §4.6: drain dirty edge chunks,
// persist new vector chunks, assemble and write a commit record, and
// advance the branch head.
func (idx *Index) Sync(ctx context.Context) (uuid.UUID, error) {
	if idx.stale.Load() {
		return uuid.Nil, errs.InvalidState("index handle is stale after Compact; use the returned Index instead")
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.syncLocked(ctx)
}

// syncLocked is Sync's body, reused by the compaction swap path which
// already holds idx.mu (for idx) or owns target outright (for target).
func (idx *Index) syncLocked(ctx context.Context) (uuid.UUID, error) {
	bitmap, err := idx.edges.DeletedBitmapBytes()
	if err != nil {
		return uuid.Nil, err
	}
	if err := idx.cs.MetadataPut(ctx, deletedBitmapMetadataKey, bitmap); err != nil {
		return uuid.Nil, err
	}

	commitID, err := idx.cs.Sync(ctx, idx.edges, idx.vectors)
	if err != nil {
		return uuid.Nil, err
	}
	idx.logger.Info("index synced", "commit", commitID.String(), "branch", idx.cs.BranchName())
	return commitID, nil
}

// Fork produces an independent Index sharing this one's blob store and
// vector store (spec §4.6 "Fork": shallow-clone the edge store's chunk
// pointer arrays with a fresh dirty set, shared vectors since they are append-only
// and never rewritten). Nothing either handle does after the fork is
// visible to the other until a Branch/Sync round-trips through the blob
// store.
func (idx *Index) Fork() (*Index, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	logger, cleanup, err := logging.Setup(logging.Default())
	if err != nil {
		return nil, err
	}

	forkedEdges := idx.edges.Fork()
	forkedCS := idx.cs.Fork()

	return &Index{
		cfg: idx.cfg, metric: idx.metric, dist: idx.dist,
		blobs: idx.blobs, cs: forkedCS, edges: forkedEdges, vectors: idx.vectors,
		graph: idx.graph.Fork(forkedEdges), ext: idx.ext.Fork(forkedCS),
		vectorPath: idx.vectorPath, ownsVectorFile: false, // vectors are shared, not cloned
		logger: logger, loggerCleanup: cleanup,
	}, nil
}

// Branch creates a new named branch head pointing at this handle's current
// commit (spec §4.6: branch creation requires the source index to be
// synced).
func (idx *Index) Branch(ctx context.Context, name string) error {
	if idx.stale.Load() {
		return errs.InvalidState("index handle is stale after Compact; use the returned Index instead")
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if err := idx.cs.RequireSynced(idx.edges.HasDirty()); err != nil {
		return err
	}
	return idx.cs.Branch(ctx, name)
}

// Compact rebuilds a fresh index from this one's live nodes, discarding
// tombstoned ones, then repoints this handle's branch at the rebuilt graph
// (spec §4.7). online runs the copy without blocking concurrent Add/Delete
// against idx; writes issued during the copy window are buffered and
// replayed before the branch is repointed. The offline path holds idx's
// write lock for the duration of the copy instead.
func (idx *Index) Compact(ctx context.Context, online bool) (*Index, error) {
	if idx.stale.Load() {
		return nil, errs.InvalidState("index handle is stale after a prior Compact; use the returned Index instead")
	}
	if online {
		return idx.compactOnline(ctx)
	}
	return idx.compactOffline(ctx)
}

func (idx *Index) compactOffline(ctx context.Context) (*Index, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	target, err := idx.compactionTarget()
	if err != nil {
		return nil, err
	}
	if _, err := compaction.Offline(ctx, idx.edges, idx.vectors, idx.ext, target.graph, target.ext); err != nil {
		_ = target.Close()
		return nil, err
	}
	if err := idx.swapBranchHead(ctx, target); err != nil {
		_ = target.Close()
		return nil, err
	}
	return target, nil
}

// compactOnline copies without holding idx.mu for the duration, so Add and
// Delete keep serving against idx; those calls record their writes onto
// idx.compactionLog whenever one is in flight (see write.go).
func (idx *Index) compactOnline(ctx context.Context) (*Index, error) {
	idx.mu.Lock()
	target, err := idx.compactionTarget()
	if err != nil {
		idx.mu.Unlock()
		return nil, err
	}
	session := compaction.NewOnline(idx.blobs, idx.edges, idx.vectors, idx.ext, target.graph, target.ext, 0)
	idx.compactionMu.Lock()
	idx.compaction = session
	idx.compactionMu.Unlock()
	idx.mu.Unlock()

	remap, copyErr := session.Copy(ctx)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.compactionMu.Lock()
	idx.compaction = nil
	idx.compactionMu.Unlock()

	if copyErr != nil {
		_ = target.Close()
		return nil, copyErr
	}
	if err := session.Finish(ctx, remap); err != nil {
		_ = target.Close()
		return nil, err
	}
	if err := idx.swapBranchHead(ctx, target); err != nil {
		_ = target.Close()
		return nil, err
	}
	return target, nil
}

// swapBranchHead syncs target under its own scratch branch ref, then
// repoints idx's real branch onto the resulting commit in a single
// commitstore write (spec §4.7's atomic swap).
func (idx *Index) swapBranchHead(ctx context.Context, target *Index) error {
	commitID, err := target.syncLocked(ctx)
	if err != nil {
		return err
	}
	if err := idx.cs.RepointBranch(ctx, idx.cs.BranchName(), commitID); err != nil {
		return err
	}
	target.cfg.Branch = idx.cs.BranchName()
	idx.stale.Store(true)
	return nil
}
