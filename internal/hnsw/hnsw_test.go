package hnsw_test

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replikativ/proximum/internal/distance"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/hnsw"
	"github.com/replikativ/proximum/internal/pool"
	"github.com/replikativ/proximum/internal/vectorstore"
)

const dim = 8

func newGraph(t *testing.T, capacity int) *hnsw.Graph {
	t.Helper()
	vs, err := vectorstore.Create(filepath.Join(t.TempDir(), "vecs.bin"), dim, capacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	es := edgestore.New(edgestore.Config{
		ChunkSize: 64,
		M:         8,
		M0:        16,
		MaxLevel:  8,
		Capacity:  capacity,
		CacheSize: 64,
	})
	return hnsw.New(es, vs, distance.For(distance.Euclidean), hnsw.Config{
		M: 8, M0: 16, EfConstruction: 32, EfSearch: 16,
	}, uuid.New())
}

func randVec() []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()
	}
	return v
}

func TestSearchOnEmptyGraphReturnsNothing(t *testing.T) {
	g := newGraph(t, 100)
	out, err := g.Search(randVec(), 5, hnsw.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestInsertSingleVectorIsFindable(t *testing.T) {
	g := newGraph(t, 100)
	id, err := g.Insert([]float32{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)

	out, err := g.Search([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 1, hnsw.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, id, out[0].ID)
	assert.InDelta(t, 0, out[0].Distance, 1e-6)
}

func TestExactMatchRecall(t *testing.T) {
	g := newGraph(t, 200)
	var target []float32
	for i := 0; i < 150; i++ {
		v := randVec()
		if i == 75 {
			target = append([]float32(nil), v...)
		}
		_, err := g.Insert(v)
		require.NoError(t, err)
	}
	out, err := g.Search(target, 1, hnsw.SearchOptions{Ef: 64})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 0, out[0].Distance, 1e-6)
}

func TestDeletedNodeExcludedFromResults(t *testing.T) {
	g := newGraph(t, 100)
	v := []float32{2, 2, 2, 2, 2, 2, 2, 2}
	id, err := g.Insert(v)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := g.Insert(randVec())
		require.NoError(t, err)
	}

	require.NoError(t, g.Delete(id))

	out, err := g.Search(v, 20, hnsw.SearchOptions{Ef: 64})
	require.NoError(t, err)
	for _, r := range out {
		assert.NotEqual(t, id, r.ID)
	}
}

func TestDeleteRetiresEntryPointWhenItIsTheOnlyNode(t *testing.T) {
	g := newGraph(t, 10)
	id, err := g.Insert(randVec())
	require.NoError(t, err)
	require.NoError(t, g.Delete(id))

	out, err := g.Search(randVec(), 1, hnsw.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBatchInsertAssignsDistinctIDs(t *testing.T) {
	g := newGraph(t, 500)
	vecs := make([][]float32, 300)
	for i := range vecs {
		vecs[i] = randVec()
	}
	ids, err := g.BatchInsert(context.Background(), pool.New(4), vecs)
	require.NoError(t, err)
	seen := make(map[int32]bool, len(ids))
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, len(vecs))
}

func TestSearchRespectsKBudget(t *testing.T) {
	g := newGraph(t, 200)
	for i := 0; i < 100; i++ {
		_, err := g.Insert(randVec())
		require.NoError(t, err)
	}
	out, err := g.Search(randVec(), 5, hnsw.SearchOptions{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 5)
}

func TestFilteredSearchOnlyReturnsAllowedIDs(t *testing.T) {
	g := newGraph(t, 200)
	ids := make([]int32, 0, 100)
	for i := 0; i < 100; i++ {
		id, err := g.Insert(randVec())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	allowed := map[int32]bool{ids[0]: true, ids[1]: true}
	out, err := g.Search(randVec(), 10, hnsw.SearchOptions{
		Ef:    64,
		Allow: func(id int32) bool { return allowed[id] },
	})
	require.NoError(t, err)
	for _, r := range out {
		assert.True(t, allowed[r.ID])
	}
}

func TestDimensionMismatch(t *testing.T) {
	g := newGraph(t, 10)
	_, err := g.Insert([]float32{1, 2, 3})
	assert.Error(t, err)
}

// TestMaxDistanceComputationsTerminatesSearch is spec.md's named budget
// termination scenario: insert 10k vectors, search with
// max_distance_computations = 50, and expect a bounded result rather than
// an exhaustive traversal.
func TestMaxDistanceComputationsTerminatesSearch(t *testing.T) {
	g := newGraph(t, 10000)
	for i := 0; i < 10000; i++ {
		_, err := g.Insert(randVec())
		require.NoError(t, err)
	}

	out, err := g.Search(randVec(), 10, hnsw.SearchOptions{
		Ef:                      64,
		MaxDistanceComputations: 50,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.LessOrEqual(t, len(out), 10)
}

func TestTimeoutNanosReturnsBestSoFar(t *testing.T) {
	g := newGraph(t, 2000)
	for i := 0; i < 2000; i++ {
		_, err := g.Insert(randVec())
		require.NoError(t, err)
	}

	out, err := g.Search(randVec(), 10, hnsw.SearchOptions{
		Ef:           64,
		TimeoutNanos: 1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out, "entry point should still be admitted before the timeout is first checked")
	assert.LessOrEqual(t, len(out), 10)
}

func TestPatienceSaturationStopsOnceResultsStabilize(t *testing.T) {
	g := newGraph(t, 2000)
	for i := 0; i < 2000; i++ {
		_, err := g.Insert(randVec())
		require.NoError(t, err)
	}

	out, err := g.Search(randVec(), 10, hnsw.SearchOptions{
		Ef:                 64,
		PatienceSaturation: 0.01,
		PatienceP:          1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.LessOrEqual(t, len(out), 10)
}
