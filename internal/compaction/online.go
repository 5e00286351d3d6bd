package compaction

import (
	"context"
	"sync/atomic"

	"github.com/replikativ/proximum/internal/blobstore"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/errs"
	"github.com/replikativ/proximum/internal/extid"
	"github.com/replikativ/proximum/internal/hnsw"
	"github.com/replikativ/proximum/internal/vectorstore"
)

// defaultSpillThreshold bounds the delta log's in-memory footprint when
// NewOnline is given no positive spillThreshold (pkg/proximum passes 0).
const defaultSpillThreshold = 4096

// Online drives spec §4.7's online compaction: a background copy phase
// runs against source while callers keep serving reads and writes; writes
// made to source during the copy are recorded via RecordWrite instead of
// being lost, then replayed against target by Finish before the atomic
// branch-head swap (performed by the caller, since that is a commitstore
// concern this package does not own).
type Online struct {
	source    *edgestore.Store
	vectors   *vectorstore.Store
	sourceExt *extid.Store
	target    *hnsw.Graph
	targetExt *extid.Store

	delta    *DeltaLog
	copying  atomic.Bool
	finished atomic.Bool
}

// NewOnline starts an online compaction session. spillThreshold <= 0 uses
// defaultSpillThreshold.
func NewOnline(blobs blobstore.BlobStore, source *edgestore.Store, vectors *vectorstore.Store, sourceExt *extid.Store, target *hnsw.Graph, targetExt *extid.Store, spillThreshold int) *Online {
	if spillThreshold <= 0 {
		spillThreshold = defaultSpillThreshold
	}
	o := &Online{
		source:    source,
		vectors:   vectors,
		sourceExt: sourceExt,
		target:    target,
		targetExt: targetExt,
		delta:     NewDeltaLog(blobs, spillThreshold),
	}
	o.copying.Store(true)
	return o
}

// RecordWrite buffers a write made against source while the copy phase is
// in flight (spec §4.7 "writes during copy go to the delta log"). Callers
// must call this for every add/delete issued against source between
// NewOnline and Copy returning; it is safe to call concurrently with Copy.
func (o *Online) RecordWrite(ctx context.Context, entry DeltaEntry) error {
	if !o.copying.Load() {
		return errs.InvalidState("compaction copy phase is no longer accepting writes")
	}
	return o.delta.Append(ctx, entry)
}

// Copy performs the bulk copy of source's live nodes into target (the same
// walk as Offline), then stops accepting new delta-log entries. Reads
// continue to be served from source until Finish's atomic swap; this
// method does not touch source's serving path at all.
func (o *Online) Copy(ctx context.Context) (Remap, error) {
	remap, err := Offline(ctx, o.source, o.vectors, o.sourceExt, o.target, o.targetExt)
	if err != nil {
		return nil, err
	}
	o.copying.Store(false)
	return remap, nil
}

// Finish replays every buffered write against target by external id: an
// OpAdd inserts the vector into target, and an OpDelete looks the external
// id up in targetExt and is skipped when target has no mapping for it. The
// remap argument is not consulted. Callers perform the actual
// branch-head repoint as a single commit after Finish returns (spec §4.7
// "atomically swap").
func (o *Online) Finish(ctx context.Context, remap Remap) error {
	if o.finished.Swap(true) {
		return errs.InvalidState("compaction already finished")
	}
	return o.delta.Replay(ctx, func(e DeltaEntry) error {
		switch e.Op {
		case OpAdd:
			newID, err := o.target.Insert(e.Vector)
			if err != nil {
				return err
			}
			if o.targetExt != nil {
				return o.targetExt.Put(ctx, e.ExternalID, int64(newID))
			}
			return nil
		case OpDelete:
			if o.targetExt == nil {
				return nil
			}
			id, found, err := o.targetExt.Delete(ctx, e.ExternalID)
			if err != nil || !found {
				return err
			}
			return o.target.Delete(int32(id))
		default:
			return errs.InvalidState("unknown delta log op")
		}
	})
}
