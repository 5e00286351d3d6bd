package commitstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replikativ/proximum/internal/blobstore"
	"github.com/replikativ/proximum/internal/commitstore"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/vectorstore"
)

func TestPersistentMapPutGetDelete(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	m := commitstore.NewMap[string, string](blobs, func(a, b string) bool { return a < b }, func(a, b string) bool { return a == b })

	root, err := m.Put(ctx, "", "a", "1")
	require.NoError(t, err)
	root, err = m.Put(ctx, root, "b", "2")
	require.NoError(t, err)

	v, ok, err := m.Get(ctx, root, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", v)

	root, err = m.Delete(ctx, root, "a")
	require.NoError(t, err)
	_, ok, err = m.Get(ctx, root, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistentMapSplitsAcrossPages(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	m := commitstore.NewMap[int, int](blobs, func(a, b int) bool { return a < b }, func(a, b int) bool { return a == b })

	root := ""
	var err error
	for i := 0; i < 1000; i++ {
		root, err = m.Put(ctx, root, i, i*i)
		require.NoError(t, err)
	}
	for i := 0; i < 1000; i++ {
		v, ok, err := m.Get(ctx, root, i)
		require.NoError(t, err)
		require.True(t, ok, "missing key %d", i)
		assert.Equal(t, i*i, v)
	}
	entries, err := m.All(ctx, root)
	require.NoError(t, err)
	assert.Len(t, entries, 1000)
}

func TestPersistentMapGetMissingRoot(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	m := commitstore.NewMap[string, string](blobs, func(a, b string) bool { return a < b }, func(a, b string) bool { return a == b })
	_, ok, err := m.Get(ctx, "", "anything")
	require.NoError(t, err)
	assert.False(t, ok)
}

type fixture struct {
	blobs   blobstore.BlobStore
	cs      *commitstore.Store
	edges   *edgestore.Store
	vectors *vectorstore.Store
}

func newFixture(t *testing.T, cfg commitstore.Config) *fixture {
	t.Helper()
	blobs := blobstore.NewMemory()
	cs := commitstore.New(blobs, cfg)
	edges := edgestore.New(edgestore.Config{
		ChunkSize: 4,
		M:         4,
		M0:        8,
		MaxLevel:  4,
		Capacity:  64,
		CacheSize: 16,
		Source:    cs.ChunkSource(),
	})
	vs, err := vectorstore.Create(filepath.Join(t.TempDir(), "vecs.bin"), 4, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })
	return &fixture{blobs: blobs, cs: cs, edges: edges, vectors: vs}
}

func TestSyncAdvancesBranchAndRecordsCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, commitstore.Config{Branch: "main"})

	id0, err := f.vectors.Append([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, f.edges.SetNeighbors(0, int32(id0), nil))
	f.edges.SetEntryPoint(int64(id0))
	f.edges.SetMaxLevel(0)

	commitID, err := f.cs.Sync(ctx, f.edges, f.vectors)
	require.NoError(t, err)
	assert.NotEmpty(t, commitID.String())

	raw, ok, err := f.blobs.GetRoot(ctx, "main")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, raw, 16)

	got, has := f.cs.CurrentCommit()
	require.True(t, has)
	assert.Equal(t, commitID, got)
}

func TestSyncTwiceChainsCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, commitstore.Config{Branch: "main"})

	id0, err := f.vectors.Append([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, f.edges.SetNeighbors(0, int32(id0), nil))

	first, err := f.cs.Sync(ctx, f.edges, f.vectors)
	require.NoError(t, err)
	second, err := f.cs.Sync(ctx, f.edges, f.vectors)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestSyncRehydratesVectorChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, commitstore.Config{Branch: "main", VectorChunkSize: 2})

	vecs := [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}}
	for _, v := range vecs {
		_, err := f.vectors.Append(v)
		require.NoError(t, err)
	}
	_, err := f.cs.Sync(ctx, f.edges, f.vectors)
	require.NoError(t, err)

	chunk0, ok, err := f.cs.VectorChunk(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0, 0, 0, 0, 1, 0, 0}, chunk0)

	chunk1, ok, err := f.cs.VectorChunk(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 0, 1, 0}, chunk1)
}

func TestBranchRequiresPriorSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, commitstore.Config{Branch: "main"})
	err := f.cs.Branch(ctx, "feature")
	assert.Error(t, err)
}

func TestBranchAfterSyncSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, commitstore.Config{Branch: "main"})
	_, err := f.vectors.Append([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = f.cs.Sync(ctx, f.edges, f.vectors)
	require.NoError(t, err)

	require.NoError(t, f.cs.Branch(ctx, "feature"))
	_, ok, err := f.blobs.GetRoot(ctx, "feature")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestForkProducesIndependentRoots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, commitstore.Config{Branch: "main"})
	_, err := f.vectors.Append([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = f.cs.Sync(ctx, f.edges, f.vectors)
	require.NoError(t, err)

	forked := f.cs.Fork()
	require.NoError(t, forked.MetadataPut(ctx, "k", []byte("v")))

	_, ok, err := f.cs.MetadataGet(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "metadata written on the fork must not appear on the original")
}

func TestLoadCommitRehydratesRoots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, commitstore.Config{Branch: "main"})
	_, err := f.vectors.Append([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, f.edges.SetNeighbors(0, 0, nil))
	commitID, err := f.cs.Sync(ctx, f.edges, f.vectors)
	require.NoError(t, err)

	loaded, commit, err := commitstore.LoadCommit(ctx, f.blobs, commitID, commitstore.Config{Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, commitID, commit.ID)
	got, has := loaded.CurrentCommit()
	require.True(t, has)
	assert.Equal(t, commitID, got)
}

func TestLoadUnknownBranch(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	_, _, err := commitstore.Load(ctx, blobs, "nonexistent", commitstore.Config{})
	assert.Error(t, err)
}

func TestVerifyFromColdValidAfterSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, commitstore.Config{Branch: "main", CryptoHash: true})
	_, err := f.vectors.Append([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, f.edges.SetNeighbors(0, 0, nil))
	_, err = f.cs.Sync(ctx, f.edges, f.vectors)
	require.NoError(t, err)

	result, err := f.cs.VerifyFromCold(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	require.NotNil(t, result.ExpectedHash)
}

func TestGCPreservesReachableHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, commitstore.Config{Branch: "main"})
	_, err := f.vectors.Append([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, f.edges.SetNeighbors(0, 0, nil))
	_, err = f.cs.Sync(ctx, f.edges, f.vectors)
	require.NoError(t, err)
	_, err = f.cs.Sync(ctx, f.edges, f.vectors)
	require.NoError(t, err)

	removed, err := f.cs.GC(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "nothing should be collected while every commit is reachable from main")

	result, err := f.cs.VerifyFromCold(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestExternalIDMapRootRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, commitstore.Config{Branch: "main"})
	root, err := f.cs.ExternalIDMap().Put(ctx, f.cs.ExternalRoot(), "user:42", []byte("7"))
	require.NoError(t, err)
	f.cs.SetExternalRoot(root)

	v, ok, err := f.cs.ExternalIDMap().Get(ctx, f.cs.ExternalRoot(), "user:42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("7"), v)
}

func TestReverseExternalRootPersistsThroughMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, commitstore.Config{Branch: "main"})
	require.NoError(t, f.cs.SetReverseExternalRoot(ctx, "some-root-hash"))
	got, err := f.cs.ReverseExternalRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "some-root-hash", got)
}
