package commitstore

import (
	"context"
	"crypto/sha512"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/replikativ/proximum/internal/blobstore"
	"github.com/replikativ/proximum/internal/errs"
)

const commitKeyPrefix = "commit:"

// schemaVersion is bumped whenever Commit grows a field that changes
// on-disk meaning; msgpack's optional-field tolerance handles additive
// changes without it, but readers can use this to gate on behavior.
const schemaVersion = 1

// Commit is the record spec §3 describes: a snapshot of one branch's graph
// state, referencing the roots of the four persistent address maps plus
// enough bookkeeping to rehydrate a Graph without replaying history.
type Commit struct {
	SchemaVersion int

	ID           uuid.UUID
	Parents      []uuid.UUID
	CreatedAt    time.Time
	EntryPoint   int64
	MaxLevel     int64
	NodeCount    int
	DeletedCount int

	VectorMapRoot   string
	EdgeMapRoot     string
	MetadataMapRoot string
	ExternalIDRoot  string

	// CommitHash is set only when the store is configured with
	// crypto_hash; it chains this commit to its parents via SHA-512,
	// truncated to 128 bits (spec §4.6 step 6).
	CommitHash *uuid.UUID
}

func (c Commit) encode() ([]byte, error) {
	data, err := msgpack.Marshal(c)
	if err != nil {
		return nil, errs.CorruptedStorage(c.ID.String(), "failed to encode commit: "+err.Error())
	}
	return data, nil
}

func decodeCommit(data []byte) (Commit, error) {
	var c Commit
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return c, errs.CorruptedStorage("", "failed to decode commit: "+err.Error())
	}
	return c, nil
}

// computeHash derives the chained SHA-512-truncated-to-UUID digest named in
// spec §4.6 step 6: the commit's own encoding (with CommitHash cleared)
// followed by each parent's hash bytes, in parent order.
func computeHash(c Commit, parentHashes []uuid.UUID) (uuid.UUID, error) {
	c.CommitHash = nil
	data, err := c.encode()
	if err != nil {
		return uuid.UUID{}, err
	}
	h := sha512.New()
	h.Write(data)
	for _, p := range parentHashes {
		h.Write(p[:])
	}
	sum := h.Sum(nil)
	return uuid.FromBytes(sum[:16])
}

func putCommit(ctx context.Context, blobs blobstore.BlobStore, c Commit) error {
	data, err := c.encode()
	if err != nil {
		return err
	}
	return blobs.Put(ctx, commitKeyPrefix+c.ID.String(), data)
}

func getCommit(ctx context.Context, blobs blobstore.BlobStore, id uuid.UUID) (Commit, error) {
	raw, ok, err := blobs.Get(ctx, commitKeyPrefix+id.String())
	if err != nil {
		return Commit{}, err
	}
	if !ok {
		return Commit{}, errs.SnapshotNotFound(id.String())
	}
	return decodeCommit(raw)
}
