package commitstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replikativ/proximum/internal/blobstore"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/errs"
)

const metadataReverseExtIDKey = "extid_reverse_root"

// Config configures a new Store.
type Config struct {
	Branch          string
	CryptoHash      bool
	VectorChunkSize int
}

// Store is the persistence orchestrator named in spec §4.6: it owns the
// four persistent address maps, drives the Sync protocol against an
// edgestore.Store and vector reader, and manages branch roots through the
// blob store's compare-and-set path.
type Store struct {
	blobs blobstore.BlobStore
	cfg   Config

	edgeMap     *PersistentMap[uint64, string]
	vectorMap   *PersistentMap[uint32, string]
	metadataMap *PersistentMap[string, []byte]
	externalMap *PersistentMap[string, []byte] // raw-encoded external id -> raw-encoded internal id, owned by internal/extid

	mu                sync.Mutex
	edgeMapRoot       string
	vectorMapRoot     string
	metadataMapRoot   string
	externalMapRoot   string
	syncedVectorCount int
	branch            string
	currentCommit     uuid.UUID // uuid.Nil until the first Sync or a Load
	hasCommit         bool
}

// vectorLess/vectorEqual order uint32 vector-chunk indices.
func vectorLess(a, b uint32) bool  { return a < b }
func vectorEqual(a, b uint32) bool { return a == b }

func addrLess(a, b uint64) bool  { return a < b }
func addrEqual(a, b uint64) bool { return a == b }

func stringLess(a, b string) bool  { return a < b }
func stringEqual(a, b string) bool { return a == b }

// New creates an empty persistence orchestrator over blobs for a new index.
func New(blobs blobstore.BlobStore, cfg Config) *Store {
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.VectorChunkSize <= 0 {
		cfg.VectorChunkSize = 1024
	}
	return &Store{
		blobs:       blobs,
		cfg:         cfg,
		branch:      cfg.Branch,
		edgeMap:     NewMap[uint64, string](blobs, addrLess, addrEqual),
		vectorMap:   NewMap[uint32, string](blobs, vectorLess, vectorEqual),
		metadataMap: NewMap[string, []byte](blobs, stringLess, stringEqual),
		externalMap: NewMap[string, []byte](blobs, stringLess, stringEqual),
	}
}

// BranchName returns the branch name this handle currently tracks.
func (s *Store) BranchName() string { return s.branch }

// VectorChunkSize returns the configured vector-chunk width, for
// pkg/proximum to replay persisted chunks back into a fresh vector store on
// Load/LoadCommit.
func (s *Store) VectorChunkSize() int { return s.cfg.VectorChunkSize }

// ChunkSource returns an edgestore.ChunkSource bound to this store's
// current edge address map, for wiring into edgestore.Config.Source.
func (s *Store) ChunkSource() edgestore.ChunkSource {
	return newColdSource(s.blobs, s.edgeMap, func() string {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.edgeMapRoot
	})
}

// MetadataGet/MetadataPut expose the metadata map to callers that need a
// small amount of side-channel state persisted alongside a commit (e.g. the
// external-id index's reverse-map root).
func (s *Store) MetadataGet(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	root := s.metadataMapRoot
	s.mu.Unlock()
	return s.metadataMap.Get(ctx, root, key)
}

func (s *Store) MetadataPut(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, err := s.metadataMap.Put(ctx, s.metadataMapRoot, key, value)
	if err != nil {
		return err
	}
	s.metadataMapRoot = root
	return nil
}

// ExternalIDMap exposes the forward external->internal map to
// internal/extid, which owns key encoding (external ids are "any opaque
// hashable value"; extid is responsible for turning them into map keys).
func (s *Store) ExternalIDMap() *PersistentMap[string, []byte] { return s.externalMap }

// Blobs exposes the underlying content-addressed store so internal/extid can
// construct its own reverse (internal->external) PersistentMap instance; the
// reverse map's root is tracked by extid itself and persisted through
// ReverseExternalRoot/SetReverseExternalRoot below.
func (s *Store) Blobs() blobstore.BlobStore { return s.blobs }

// ExternalRoot/SetExternalRoot let internal/extid read and publish the
// forward map's root as it mutates it directly (the map is content
// addressed, so mutation already persists; only the root pointer changes).
func (s *Store) ExternalRoot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.externalMapRoot
}

func (s *Store) SetExternalRoot(root string) {
	s.mu.Lock()
	s.externalMapRoot = root
	s.mu.Unlock()
}

// ReverseExternalRoot/SetReverseExternalRoot persist the reverse
// internal->external map's root under the reserved metadata key (spec
// §4.8: "reverse lookup via a second map ... stored in the metadata map
// under a reserved key").
func (s *Store) ReverseExternalRoot(ctx context.Context) (string, error) {
	raw, ok, err := s.MetadataGet(ctx, metadataReverseExtIDKey)
	if err != nil || !ok {
		return "", err
	}
	return string(raw), nil
}

func (s *Store) SetReverseExternalRoot(ctx context.Context, root string) error {
	return s.MetadataPut(ctx, metadataReverseExtIDKey, []byte(root))
}

// persistEdgeChunk/persistVectorChunk are invoked by Sync; factored out for testability.
func (s *Store) persistEdgeChunk(ctx context.Context, address uint64, data []int32) error {
	encoded := encodeInt32s(data)
	hash := hashOf(encoded)
	if err := s.blobs.Put(ctx, chunkBlobPrefix+hash, encoded); err != nil {
		return err
	}
	s.mu.Lock()
	root := s.edgeMapRoot
	s.mu.Unlock()
	newRoot, err := s.edgeMap.Put(ctx, root, address, hash)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.edgeMapRoot = newRoot
	s.mu.Unlock()
	return nil
}

func (s *Store) persistVectorChunk(ctx context.Context, chunkIdx uint32, vecs []float32) error {
	encoded := encodeFloat32s(vecs)
	hash := hashOf(encoded)
	if err := s.blobs.Put(ctx, chunkBlobPrefix+hash, encoded); err != nil {
		return err
	}
	s.mu.Lock()
	root := s.vectorMapRoot
	s.mu.Unlock()
	newRoot, err := s.vectorMap.Put(ctx, root, chunkIdx, hash)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.vectorMapRoot = newRoot
	s.mu.Unlock()
	return nil
}

// VectorReader is the minimal view of a vector store Sync needs: enough to
// read newly appended vectors without this package depending on
// internal/vectorstore's mmap/file concerns.
type VectorReader interface {
	Dim() int
	Count() int
	Get(id int) ([]float32, error)
}

// GraphSnapshot is the minimal view of an edgestore.Store's dirty state
// Sync needs.
type GraphSnapshot interface {
	DrainDirty() []uint64
	ChunkAt(address uint64) (*edgestore.Chunk, error)
	Softify(address uint64) error
	EntryPoint() int64
	CurrentMaxLevel() int64
	DeletedCount() int
}

// Sync runs the protocol of spec §4.6: drain dirty edge chunks, persist new
// vector chunks, assemble and write a commit record, advance the branch
// head, then softify what was just persisted.
func (s *Store) Sync(ctx context.Context, edges GraphSnapshot, vectors VectorReader) (uuid.UUID, error) {
	dirty := edges.DrainDirty()
	for _, addr := range dirty {
		chunk, err := edges.ChunkAt(addr)
		if err != nil {
			return uuid.Nil, err
		}
		if chunk == nil {
			continue
		}
		if err := s.persistEdgeChunk(ctx, addr, chunk.Bytes()); err != nil {
			return uuid.Nil, err
		}
	}

	s.mu.Lock()
	synced := s.syncedVectorCount
	s.mu.Unlock()
	total := vectors.Count()
	chunkSize := s.cfg.VectorChunkSize
	for start := (synced / chunkSize) * chunkSize; start < total; start += chunkSize {
		end := start + chunkSize
		if end > total {
			end = total
		}
		vecs := make([]float32, 0, (end-start)*vectors.Dim())
		for id := start; id < end; id++ {
			v, err := vectors.Get(id)
			if err != nil {
				return uuid.Nil, err
			}
			vecs = append(vecs, v...)
		}
		if err := s.persistVectorChunk(ctx, uint32(start/chunkSize), vecs); err != nil {
			return uuid.Nil, err
		}
	}
	s.mu.Lock()
	s.syncedVectorCount = total
	s.mu.Unlock()

	s.mu.Lock()
	commit := Commit{
		SchemaVersion:   schemaVersion,
		ID:              uuid.New(),
		CreatedAt:       time.Now(),
		EntryPoint:      edges.EntryPoint(),
		MaxLevel:        edges.CurrentMaxLevel(),
		NodeCount:       vectors.Count(),
		DeletedCount:    edges.DeletedCount(),
		VectorMapRoot:   s.vectorMapRoot,
		EdgeMapRoot:     s.edgeMapRoot,
		MetadataMapRoot: s.metadataMapRoot,
		ExternalIDRoot:  s.externalMapRoot,
	}
	if s.hasCommit {
		commit.Parents = []uuid.UUID{s.currentCommit}
	}
	branch := s.branch
	prior := s.currentCommit
	hadCommit := s.hasCommit
	s.mu.Unlock()

	if s.cfg.CryptoHash {
		var parentHashes []uuid.UUID
		if hadCommit {
			parentCommit, err := getCommit(ctx, s.blobs, prior)
			if err != nil {
				return uuid.Nil, err
			}
			if parentCommit.CommitHash != nil {
				parentHashes = append(parentHashes, *parentCommit.CommitHash)
			}
		}
		h, err := computeHash(commit, parentHashes)
		if err != nil {
			return uuid.Nil, err
		}
		commit.CommitHash = &h
	}

	if err := putCommit(ctx, s.blobs, commit); err != nil {
		return uuid.Nil, err
	}

	var expected []byte
	if hadCommit {
		b := prior
		expected = b[:]
	}
	next := commit.ID
	ok, err := s.blobs.CASRoot(ctx, branch, expected, next[:])
	if err != nil {
		return uuid.Nil, err
	}
	if !ok {
		return uuid.Nil, errs.InvalidState("branch head moved concurrently; retry sync")
	}

	s.mu.Lock()
	s.currentCommit = commit.ID
	s.hasCommit = true
	s.mu.Unlock()

	for _, addr := range dirty {
		_ = edges.Softify(addr)
	}
	return commit.ID, nil
}

// CurrentCommit returns the last commit this handle synced or loaded, and
// whether one exists yet.
func (s *Store) CurrentCommit() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentCommit, s.hasCommit
}

// RequireSynced reports whether Branch may proceed (spec §4.6 "branch
// creation requires the source index to be synced"); callers pass the live
// edgestore.Store's dirty-chunk presence since commitstore itself does not
// observe it continuously.
func (s *Store) RequireSynced(edgeDirty bool) error {
	if edgeDirty {
		return errs.InvalidState("index must be synced before branching")
	}
	return nil
}

// Branch creates a new branch head pointing at this handle's current
// commit (spec §4.6 "branch creation").
func (s *Store) Branch(ctx context.Context, name string) error {
	s.mu.Lock()
	commit := s.currentCommit
	has := s.hasCommit
	s.mu.Unlock()
	if !has {
		return errs.InvalidState("cannot branch before the first sync")
	}
	ok, err := s.blobs.CASRoot(ctx, name, nil, commit[:])
	if err != nil {
		return err
	}
	if !ok {
		return errs.InvalidState("branch " + name + " already exists")
	}
	return nil
}

// RepointBranch force-advances name's head to commitID, the atomic swap
// step of compaction (spec §4.7): the rebuilt graph already sits in the
// blob store under commitID from a sync against a scratch ref; this CASes
// the real branch onto it in one step so readers never observe a partially
// swapped state.
func (s *Store) RepointBranch(ctx context.Context, name string, commitID uuid.UUID) error {
	s.mu.Lock()
	expected := s.currentCommit
	hadCommit := s.hasCommit
	s.mu.Unlock()

	var exp []byte
	if hadCommit {
		e := expected
		exp = e[:]
	}
	next := commitID
	ok, err := s.blobs.CASRoot(ctx, name, exp, next[:])
	if err != nil {
		return err
	}
	if !ok {
		return errs.InvalidState("branch head moved concurrently; retry compaction")
	}

	s.mu.Lock()
	s.currentCommit = commitID
	s.hasCommit = true
	s.mu.Unlock()
	return nil
}

// Fork returns an independent Store handle sharing the same blob store and
// current roots/commit; the caller is responsible for forking the
// accompanying edgestore.Store (spec invariant 6: nothing A.sync() writes
// after the fork may reflect B's later mutations, and vice versa, since the
// two Store handles' root fields are now independent copies).
func (s *Store) Fork() *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Store{
		blobs:             s.blobs,
		cfg:               s.cfg,
		edgeMap:           s.edgeMap,
		vectorMap:         s.vectorMap,
		metadataMap:       s.metadataMap,
		externalMap:       s.externalMap,
		edgeMapRoot:       s.edgeMapRoot,
		vectorMapRoot:     s.vectorMapRoot,
		metadataMapRoot:   s.metadataMapRoot,
		externalMapRoot:   s.externalMapRoot,
		syncedVectorCount: s.syncedVectorCount,
		branch:            s.branch,
		currentCommit:     s.currentCommit,
		hasCommit:         s.hasCommit,
	}
}

// Load reads branch's head commit and returns the decoded record plus a
// Store handle positioned at it, ready to have an edgestore.Store and
// vector store rehydrated against its roots (done by pkg/proximum, which
// owns vector-store file lifecycle).
func Load(ctx context.Context, blobs blobstore.BlobStore, branch string, cfg Config) (*Store, Commit, error) {
	raw, ok, err := blobs.GetRoot(ctx, branch)
	if err != nil {
		return nil, Commit{}, err
	}
	if !ok {
		return nil, Commit{}, errs.BranchNotFound(branch)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return nil, Commit{}, errs.CorruptedStorage(branch, "branch head is not a valid commit id")
	}
	return LoadCommit(ctx, blobs, id, cfg)
}

// LoadCommit rehydrates a Store positioned at a specific commit, regardless
// of which branch (if any) currently points at it.
func LoadCommit(ctx context.Context, blobs blobstore.BlobStore, commitID uuid.UUID, cfg Config) (*Store, Commit, error) {
	commit, err := getCommit(ctx, blobs, commitID)
	if err != nil {
		return nil, Commit{}, err
	}
	s := New(blobs, cfg)
	s.edgeMapRoot = commit.EdgeMapRoot
	s.vectorMapRoot = commit.VectorMapRoot
	s.metadataMapRoot = commit.MetadataMapRoot
	s.externalMapRoot = commit.ExternalIDRoot
	s.syncedVectorCount = commit.NodeCount
	s.currentCommit = commit.ID
	s.hasCommit = true
	return s, commit, nil
}

// GC runs mark-and-sweep garbage collection against this store's blob
// store (spec §4.6 GC).
func (s *Store) GC(ctx context.Context, removeBefore time.Time) (int, error) {
	return GC(ctx, s.blobs, removeBefore)
}

// VerifyFromCold re-verifies this handle's current commit (spec §4.6
// verify-from-cold).
func (s *Store) VerifyFromCold(ctx context.Context) (VerifyResult, error) {
	s.mu.Lock()
	commit, has := s.currentCommit, s.hasCommit
	s.mu.Unlock()
	if !has {
		return VerifyResult{}, errs.InvalidState("nothing has been synced yet")
	}
	return VerifyFromCold(ctx, s.blobs, commit)
}

// VectorChunk decodes the blob referenced by the vector map for chunkIdx,
// used to rehydrate a fresh vector store on Load.
func (s *Store) VectorChunk(ctx context.Context, chunkIdx uint32) ([]float32, bool, error) {
	s.mu.Lock()
	root := s.vectorMapRoot
	s.mu.Unlock()
	hash, ok, err := s.vectorMap.Get(ctx, root, chunkIdx)
	if err != nil || !ok {
		return nil, false, err
	}
	raw, ok, err := s.blobs.Get(ctx, chunkBlobPrefix+hash)
	if err != nil || !ok {
		return nil, false, err
	}
	return decodeFloat32s(raw), true, nil
}
