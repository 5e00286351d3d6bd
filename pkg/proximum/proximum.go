// Package proximum is the public API of an embedded approximate-nearest-
// neighbor vector index: an HNSW graph over a chunked, copy-on-write edge
// store and a memory-mapped vector store, with git-style commit/branch/fork
// persistence onto a content-addressed blob store. Index is the seam where
// every internal package is wired together; it owns no algorithmic logic of
// its own beyond orchestration, matching the teacher's internal/index
// coordinator role of a thin orchestrator over independently testable
// stores.
package proximum

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/replikativ/proximum/internal/blobstore"
	"github.com/replikativ/proximum/internal/commitstore"
	"github.com/replikativ/proximum/internal/compaction"
	"github.com/replikativ/proximum/internal/config"
	"github.com/replikativ/proximum/internal/distance"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/errs"
	"github.com/replikativ/proximum/internal/extid"
	"github.com/replikativ/proximum/internal/hnsw"
	"github.com/replikativ/proximum/internal/logging"
	"github.com/replikativ/proximum/internal/vectorstore"
)

const configMetadataKey = "index_config"
const deletedBitmapMetadataKey = "deleted_bitmap"

// SearchOptions re-exports the beam-search tuning knobs (spec §4.5).
type SearchOptions = hnsw.SearchOptions

// Result is one ranked hit, translated from an internal id to its external
// id (spec §3 read path).
type Result struct {
	ExternalID any
	Distance   float64
}

// VerifyResult re-exports commitstore's verify-from-cold report.
type VerifyResult = commitstore.VerifyResult

// Index is a live, mutable handle onto one branch (or detached commit) of
// an ANN index.
type Index struct {
	mu sync.RWMutex // guards the store pointers themselves, for Compact's atomic swap; individual stores have their own finer-grained locking

	cfg    config.Config
	metric distance.Metric
	dist   distance.Func

	blobs   blobstore.BlobStore
	cs      *commitstore.Store
	edges   *edgestore.Store
	vectors *vectorstore.Store
	graph   *hnsw.Graph
	ext     *extid.Store

	vectorPath     string
	ownsVectorFile bool

	logger        *slog.Logger
	loggerCleanup func()

	// compaction is set for the duration of an in-flight online Compact
	// (spec §4.7); Add/Delete mirror their writes onto it so they replay
	// against the rebuilt graph once the copy phase finishes.
	compactionMu sync.Mutex
	compaction   *compaction.Online

	// stale is set once this handle's branch has been repointed by its own
	// successful Compact: idx.edges/idx.graph/idx.vectors still reflect the
	// pre-compaction graph, so syncing or branching from idx again would
	// write a commit whose parent is the post-compaction head it no longer
	// matches. Callers switch to Compact's returned Index instead.
	stale atomic.Bool

	closed atomic.Bool
}

func metricOf(d config.Distance) distance.Metric {
	switch d {
	case config.DistanceInnerProduct:
		return distance.InnerProduct
	case config.DistanceCosine:
		return distance.Cosine
	default:
		return distance.Euclidean
	}
}

// Create builds a brand-new, empty index from cfg. The vector store backs
// onto a private temp file (embedded callers never see it; it is removed on
// Close), and the blob store is an in-memory blobstore.Memory - a fully
// transient index per spec §1's "purely transient indexes" case. Call Sync
// against a durable BlobStore-backed index (built via Open after
// persisting the first commit elsewhere) to make an index durable instead.
func Create(cfg config.Config) (*Index, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newIndex(cfg, blobstore.NewMemory(), true)
}

// CreateDurable is Create, but synced state lands in blobs instead of a
// throwaway in-memory store - the shape a caller wanting persistence from
// the start reaches for (spec §6's BlobStore is external collaborator
// territory; this is the glue that wires one in at construction).
func CreateDurable(cfg config.Config, blobs blobstore.BlobStore) (*Index, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newIndex(cfg, blobs, true)
}

func newIndex(cfg config.Config, blobs blobstore.BlobStore, ownsVectorFile bool) (*Index, error) {
	logger, cleanup, err := logging.Setup(logging.Default())
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp("", "proximum-vectors-*.bin")
	if err != nil {
		cleanup()
		return nil, errs.IO(err)
	}
	path := f.Name()
	_ = f.Close()

	vectors, err := vectorstore.Create(path, cfg.Dim, cfg.Capacity)
	if err != nil {
		cleanup()
		return nil, err
	}

	cs := commitstore.New(blobs, commitstore.Config{
		Branch:          cfg.Branch,
		CryptoHash:      cfg.CryptoHash,
		VectorChunkSize: cfg.ChunkSize,
	})
	edges := edgestore.New(edgestore.Config{
		ChunkSize: cfg.ChunkSize,
		M:         cfg.M,
		M0:        cfg.M0,
		MaxLevel:  cfg.MaxLevel,
		Capacity:  cfg.Capacity,
		CacheSize: cfg.CacheSize,
		Source:    cs.ChunkSource(),
	})

	metric := metricOf(cfg.Distance)
	graph := hnsw.New(edges, vectors, distance.For(metric), hnsw.Config{
		M: cfg.M, M0: cfg.M0, EfConstruction: cfg.EfConstruction, EfSearch: cfg.EfSearch,
	}, uuid.New())

	ext, err := extid.Open(context.Background(), cs)
	if err != nil {
		cleanup()
		return nil, err
	}

	idx := &Index{
		cfg: cfg, metric: metric, dist: distance.For(metric),
		blobs: blobs, cs: cs, edges: edges, vectors: vectors, graph: graph, ext: ext,
		vectorPath: path, ownsVectorFile: ownsVectorFile,
		logger: logger, loggerCleanup: cleanup,
	}
	if err := idx.persistConfig(context.Background()); err != nil {
		return nil, err
	}
	logger.Info("index created", "dim", cfg.Dim, "capacity", cfg.Capacity, "branch", cfg.Branch)
	return idx, nil
}

func (idx *Index) persistConfig(ctx context.Context) error {
	data, err := msgpack.Marshal(idx.cfg)
	if err != nil {
		return errs.InvalidState("failed to encode index config: " + err.Error())
	}
	return idx.cs.MetadataPut(ctx, configMetadataKey, data)
}

// Open loads the head commit of branch from blobs and rehydrates a live
// Index against it.
func Open(blobs blobstore.BlobStore, branch string) (*Index, error) {
	ctx := context.Background()
	cs, commit, err := commitstore.Load(ctx, blobs, branch, commitstore.Config{Branch: branch})
	if err != nil {
		return nil, err
	}
	return rehydrate(ctx, blobs, cs, commit)
}

// LoadCommit rehydrates an Index positioned at a specific commit,
// regardless of which branch (if any) currently points at it - the
// detached-HEAD case spec §4.6 Load/load-commit names separately from Open.
func LoadCommit(blobs blobstore.BlobStore, commitID uuid.UUID) (*Index, error) {
	ctx := context.Background()
	cs, commit, err := commitstore.LoadCommit(ctx, blobs, commitID, commitstore.Config{})
	if err != nil {
		return nil, err
	}
	return rehydrate(ctx, blobs, cs, commit)
}

func rehydrate(ctx context.Context, blobs blobstore.BlobStore, cs *commitstore.Store, commit commitstore.Commit) (*Index, error) {
	raw, ok, err := cs.MetadataGet(ctx, configMetadataKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.CorruptedStorage(commit.ID.String(), "commit has no stored index configuration")
	}
	var cfg config.Config
	if err := msgpack.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.CorruptedStorage(commit.ID.String(), "failed to decode index configuration: "+err.Error())
	}

	logger, cleanup, err := logging.Setup(logging.Default())
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp("", "proximum-vectors-*.bin")
	if err != nil {
		cleanup()
		return nil, errs.IO(err)
	}
	path := f.Name()
	_ = f.Close()

	vectors, err := vectorstore.Create(path, cfg.Dim, cfg.Capacity)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := replayVectorChunks(ctx, cs, cfg.Dim, vectors); err != nil {
		cleanup()
		return nil, err
	}

	edges := edgestore.New(edgestore.Config{
		ChunkSize: cfg.ChunkSize, M: cfg.M, M0: cfg.M0, MaxLevel: cfg.MaxLevel,
		Capacity: cfg.Capacity, CacheSize: cfg.CacheSize, Source: cs.ChunkSource(),
	})
	edges.SetEntryPoint(commit.EntryPoint)
	edges.SetMaxLevel(commit.MaxLevel)
	if bitmap, ok, err := cs.MetadataGet(ctx, deletedBitmapMetadataKey); err != nil {
		cleanup()
		return nil, err
	} else if ok {
		if err := edges.RestoreDeletedBitmap(bitmap); err != nil {
			cleanup()
			return nil, err
		}
	}

	metric := metricOf(cfg.Distance)
	graph := hnsw.New(edges, vectors, distance.For(metric), hnsw.Config{
		M: cfg.M, M0: cfg.M0, EfConstruction: cfg.EfConstruction, EfSearch: cfg.EfSearch,
	}, uuid.New())

	ext, err := extid.Open(ctx, cs)
	if err != nil {
		cleanup()
		return nil, err
	}

	idx := &Index{
		cfg: cfg, metric: metric, dist: distance.For(metric),
		blobs: blobs, cs: cs, edges: edges, vectors: vectors, graph: graph, ext: ext,
		vectorPath: path, ownsVectorFile: true,
		logger: logger, loggerCleanup: cleanup,
	}
	logger.Info("index loaded", "commit", commit.ID.String(), "branch", cs.BranchName(), "node_count", commit.NodeCount)
	return idx, nil
}

func replayVectorChunks(ctx context.Context, cs *commitstore.Store, dim int, vectors *vectorstore.Store) error {
	for chunkIdx := uint32(0); ; chunkIdx++ {
		data, ok, err := cs.VectorChunk(ctx, chunkIdx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if dim == 0 || len(data)%dim != 0 {
			return errs.CorruptedStorage("", "vector chunk length is not a multiple of the configured dimension")
		}
		for start := 0; start < len(data); start += dim {
			if _, err := vectors.Append(data[start : start+dim]); err != nil {
				return err
			}
		}
	}
}

// Close releases the mmap vector store, removes its backing temp file, and
// flushes the logger. It does not close the BlobStore, which callers may
// share across multiple Index handles (forks, compaction targets).
func (idx *Index) Close() error {
	if !idx.closed.CompareAndSwap(false, true) {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	err := idx.vectors.Close()
	if idx.ownsVectorFile {
		_ = os.Remove(idx.vectorPath)
		_ = os.Remove(idx.vectorPath + ".lock")
	}
	idx.loggerCleanup()
	return err
}

// GC runs mark-and-sweep garbage collection against the underlying blob
// store (spec §4.6 GC), preserving commit records newer than removeBefore
// even if unreachable; unreachable chunks and map nodes are deleted
// regardless of age.
func (idx *Index) GC(removeBefore time.Time) error {
	ctx := context.Background()
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, err := idx.cs.GC(ctx, removeBefore)
	return err
}

// VerifyFromCold re-reads every chunk reachable from the current commit and
// recomputes the chained commit hash, if crypto_hash is enabled (spec
// §4.6).
func (idx *Index) VerifyFromCold() (VerifyResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.cs.VerifyFromCold(context.Background())
}

// Stats exposes edgestore.Stats for callers instrumenting cache occupancy
// (SPEC_FULL §5 instrumentation addendum).
func (idx *Index) Stats() edgestore.Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.edges.Stats()
}

// compactionTarget builds a fresh, empty Index sharing idx's configuration
// and blob store, synced under a scratch branch ref so its own Sync never
// collides with the live branch's head; Compact repoints the real branch
// onto the resulting commit once the copy finishes.
func (idx *Index) compactionTarget() (*Index, error) {
	cfg := idx.cfg
	cfg.Branch = idx.cs.BranchName() + ":compact:" + uuid.New().String()
	return newIndex(cfg, idx.blobs, true)
}
