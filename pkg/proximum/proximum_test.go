package proximum_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replikativ/proximum/internal/blobstore"
	"github.com/replikativ/proximum/internal/config"
	"github.com/replikativ/proximum/pkg/proximum"
)

func testConfig() config.Config {
	return config.Config{Dim: 4, Capacity: 64, ChunkSize: 16}
}

func vec(vals ...float32) []float32 { return vals }

func TestCreateAddSearchRoundTrip(t *testing.T) {
	idx, err := proximum.Create(testConfig())
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, "a", vec(1, 0, 0, 0)))
	require.NoError(t, idx.Add(ctx, "b", vec(0, 1, 0, 0)))
	require.NoError(t, idx.Add(ctx, "c", vec(0.9, 0.1, 0, 0)))

	results, err := idx.Search(ctx, vec(1, 0, 0, 0), 2, proximum.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ExternalID)
}

func TestAddUpsertSoftDeletesPriorNode(t *testing.T) {
	idx, err := proximum.Create(testConfig())
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, "x", vec(1, 0, 0, 0)))
	require.NoError(t, idx.Add(ctx, "x", vec(0, 1, 0, 0)))

	results, err := idx.Search(ctx, vec(0, 1, 0, 0), 5, proximum.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "x", results[0].ExternalID)
}

func TestDeleteRemovesFromSearchResults(t *testing.T) {
	idx, err := proximum.Create(testConfig())
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, "a", vec(1, 0, 0, 0)))
	require.NoError(t, idx.Add(ctx, "b", vec(0, 1, 0, 0)))
	require.NoError(t, idx.Delete(ctx, "a"))

	results, err := idx.Search(ctx, vec(1, 0, 0, 0), 5, proximum.SearchOptions{})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ExternalID)
	}
}

func TestDeleteOfUnknownIDIsNoop(t *testing.T) {
	idx, err := proximum.Create(testConfig())
	require.NoError(t, err)
	defer idx.Close()

	assert.NoError(t, idx.Delete(context.Background(), "never-added"))
}

func TestSyncOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	cfg := testConfig()
	cfg.Branch = "main"

	idx, err := proximum.CreateDurable(cfg, blobs)
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, "a", vec(1, 0, 0, 0)))
	require.NoError(t, idx.Add(ctx, "b", vec(0, 1, 0, 0)))
	_, err = idx.Sync(ctx)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	reopened, err := proximum.Open(blobs, "main")
	require.NoError(t, err)
	defer reopened.Close()

	results, err := reopened.Search(ctx, vec(1, 0, 0, 0), 2, proximum.SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "a", results[0].ExternalID)
}

func TestSyncOpenRoundTripPreservesSoftDeletes(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	cfg := testConfig()
	cfg.Branch = "main"

	idx, err := proximum.CreateDurable(cfg, blobs)
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, "a", vec(1, 0, 0, 0)))
	require.NoError(t, idx.Add(ctx, "b", vec(0, 1, 0, 0)))
	require.NoError(t, idx.Delete(ctx, "a"))
	_, err = idx.Sync(ctx)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	reopened, err := proximum.Open(blobs, "main")
	require.NoError(t, err)
	defer reopened.Close()

	results, err := reopened.Search(ctx, vec(1, 0, 0, 0), 5, proximum.SearchOptions{})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ExternalID)
	}
}

func TestBranchRequiresSyncFirst(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	cfg := testConfig()
	cfg.Branch = "main"

	idx, err := proximum.CreateDurable(cfg, blobs)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Add(ctx, "a", vec(1, 0, 0, 0)))
	assert.Error(t, idx.Branch(ctx, "feature"))

	_, err = idx.Sync(ctx)
	require.NoError(t, err)
	assert.NoError(t, idx.Branch(ctx, "feature"))
}

func TestForkIsolatesWrites(t *testing.T) {
	ctx := context.Background()
	idx, err := proximum.Create(testConfig())
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Add(ctx, "a", vec(1, 0, 0, 0)))

	forked, err := idx.Fork()
	require.NoError(t, err)
	defer forked.Close()

	require.NoError(t, forked.Add(ctx, "b", vec(0, 1, 0, 0)))

	forkedResults, err := forked.Search(ctx, vec(0, 1, 0, 0), 5, proximum.SearchOptions{})
	require.NoError(t, err)
	assert.Contains(t, externalIDs(forkedResults), "b")

	originalResults, err := idx.Search(ctx, vec(0, 1, 0, 0), 5, proximum.SearchOptions{})
	require.NoError(t, err)
	assert.NotContains(t, externalIDs(originalResults), "b", "writes to a fork must not be visible on the original")
}

func externalIDs(results []proximum.Result) []any {
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = r.ExternalID
	}
	return out
}

func TestCosineNormalizationMakesMagnitudeIrrelevant(t *testing.T) {
	cfg := testConfig()
	cfg.Distance = config.DistanceCosine
	idx, err := proximum.Create(cfg)
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, "small", vec(1, 0, 0, 0)))
	require.NoError(t, idx.Add(ctx, "large", vec(100, 0, 0, 0)))

	results, err := idx.Search(ctx, vec(2, 0, 0, 0), 2, proximum.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, results[0].Distance, results[1].Distance, 1e-6)
}

func TestCompactOfflineDropsDeletedNodes(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	cfg := testConfig()
	cfg.Branch = "main"

	idx, err := proximum.CreateDurable(cfg, blobs)
	require.NoError(t, err)
	defer idx.Close()

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("v%d", i)
		require.NoError(t, idx.Add(ctx, id, vec(float32(i), 0, 0, 0)))
	}
	require.NoError(t, idx.Delete(ctx, "v3"))
	require.NoError(t, idx.Delete(ctx, "v7"))
	_, err = idx.Sync(ctx)
	require.NoError(t, err)

	compacted, err := idx.Compact(ctx, false)
	require.NoError(t, err)
	defer compacted.Close()

	results, err := compacted.Search(ctx, vec(3, 0, 0, 0), 10, proximum.SearchOptions{})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "v3", r.ExternalID)
		assert.NotEqual(t, "v7", r.ExternalID)
	}
	assert.Len(t, results, 8)
}

func TestCompactOnlineKeepsAllLiveNodes(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemory()
	cfg := testConfig()
	cfg.Branch = "main"

	idx, err := proximum.CreateDurable(cfg, blobs)
	require.NoError(t, err)
	defer idx.Close()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("v%d", i)
		require.NoError(t, idx.Add(ctx, id, vec(float32(i), 0, 0, 0)))
	}
	_, err = idx.Sync(ctx)
	require.NoError(t, err)

	compacted, err := idx.Compact(ctx, true)
	require.NoError(t, err)
	defer compacted.Close()

	results, err := compacted.Search(ctx, vec(0, 0, 0, 0), 10, proximum.SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestStatsReflectsDeletedCount(t *testing.T) {
	ctx := context.Background()
	idx, err := proximum.Create(testConfig())
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.Add(ctx, "a", vec(1, 0, 0, 0)))
	require.NoError(t, idx.Add(ctx, "b", vec(0, 1, 0, 0)))
	require.NoError(t, idx.Delete(ctx, "a"))

	stats := idx.Stats()
	assert.Equal(t, 1, stats.DeletedNodes)
}
