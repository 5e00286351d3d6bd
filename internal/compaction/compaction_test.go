package compaction_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replikativ/proximum/internal/blobstore"
	"github.com/replikativ/proximum/internal/commitstore"
	"github.com/replikativ/proximum/internal/compaction"
	"github.com/replikativ/proximum/internal/distance"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/extid"
	"github.com/replikativ/proximum/internal/hnsw"
	"github.com/replikativ/proximum/internal/vectorstore"
)

type graphFixture struct {
	edges   *edgestore.Store
	vectors *vectorstore.Store
	graph   *hnsw.Graph
	ext     *extid.Store
}

func newGraphFixture(t *testing.T, blobs blobstore.BlobStore) *graphFixture {
	t.Helper()
	cs := commitstore.New(blobs, commitstore.Config{Branch: uuid.NewString()})
	edges := edgestore.New(edgestore.Config{
		ChunkSize: 4, M: 4, M0: 8, MaxLevel: 4, Capacity: 64, CacheSize: 16,
		Source: cs.ChunkSource(),
	})
	vs, err := vectorstore.Create(filepath.Join(t.TempDir(), "vecs.bin"), 4, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })
	graph := hnsw.New(edges, vs, distance.For(distance.Euclidean), hnsw.Config{M: 4, M0: 8, EfConstruction: 16, EfSearch: 16}, uuid.New())
	ext, err := extid.Open(context.Background(), cs)
	require.NoError(t, err)
	return &graphFixture{edges: edges, vectors: vs, graph: graph, ext: ext}
}

func TestOfflineSkipsDeletedNodesAndCarriesExternalIDs(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	src := newGraphFixture(t, blobs)

	id0, err := src.graph.Insert([]float32{1, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, src.ext.Put(ctx, "a", int64(id0)))

	id1, err := src.graph.Insert([]float32{0, 1, 0, 0})
	require.NoError(t, err)
	require.NoError(t, src.ext.Put(ctx, "b", int64(id1)))

	require.NoError(t, src.graph.Delete(id1))

	target := newGraphFixture(t, blobs)
	remap, err := compaction.Offline(ctx, src.edges, src.vectors, src.ext, target.graph, target.ext)
	require.NoError(t, err)

	_, deletedSurvived := remap[id1]
	assert.False(t, deletedSurvived, "deleted node must not be copied into the target")
	newID, ok := remap[id0]
	require.True(t, ok)

	got, ok, err := target.ext.Lookup(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, newID, got)

	assert.Equal(t, 1, target.vectors.Count())
}

func TestDeltaLogSpillsAndReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	log := compaction.NewDeltaLog(blobs, 2)

	require.NoError(t, log.Append(ctx, compaction.DeltaEntry{ExternalID: "a", Op: compaction.OpAdd}))
	require.NoError(t, log.Append(ctx, compaction.DeltaEntry{ExternalID: "b", Op: compaction.OpAdd}))
	require.NoError(t, log.Append(ctx, compaction.DeltaEntry{ExternalID: "c", Op: compaction.OpDelete}))

	var seen []string
	require.NoError(t, log.Replay(ctx, func(e compaction.DeltaEntry) error {
		seen = append(seen, e.ExternalID.(string))
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestOnlineCompactionReplaysWritesRecordedDuringCopy(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	src := newGraphFixture(t, blobs)
	target := newGraphFixture(t, blobs)

	id0, err := src.graph.Insert([]float32{1, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, src.ext.Put(ctx, "first", int64(id0)))

	online := compaction.NewOnline(blobs, src.edges, src.vectors, src.ext, target.graph, target.ext, 0)

	// a write lands on source mid-copy and is recorded for replay
	require.NoError(t, online.RecordWrite(ctx, compaction.DeltaEntry{
		ExternalID: "second",
		Vector:     []float32{0, 0, 1, 0},
		Op:         compaction.OpAdd,
	}))

	remap, err := online.Copy(ctx)
	require.NoError(t, err)
	require.Contains(t, remap, id0)

	require.NoError(t, online.Finish(ctx, remap))

	_, ok, err := target.ext.Lookup(ctx, "first")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = target.ext.Lookup(ctx, "second")
	require.NoError(t, err)
	assert.True(t, ok, "write recorded during copy must be replayed onto target")
}

func TestOnlineFinishIsNotReentrant(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	src := newGraphFixture(t, blobs)
	target := newGraphFixture(t, blobs)
	online := compaction.NewOnline(blobs, src.edges, src.vectors, src.ext, target.graph, target.ext, 0)

	remap, err := online.Copy(ctx)
	require.NoError(t, err)
	require.NoError(t, online.Finish(ctx, remap))
	assert.Error(t, online.Finish(ctx, remap))
}
