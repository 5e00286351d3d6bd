// Package extid implements the bidirectional external-id <-> internal-id
// index: a persistent ordered map external_id -> internal_id with reverse
// lookup via a second map internal_id -> external_id, the reverse map's
// root stored in the metadata map under a reserved key. External ids may be
// any opaque hashable value; this package owns turning them into canonical
// map keys via msgpack encoding.
package extid

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/replikativ/proximum/internal/commitstore"
	"github.com/replikativ/proximum/internal/errs"
)

func keyLess(a, b string) bool  { return a < b }
func keyEqual(a, b string) bool { return a == b }

// Store owns the forward and reverse PersistentMap instances and their
// roots. Put and Delete run entirely under its own mutex, which also guards
// the root fields that lookups read; pkg/proximum calls it holding only the
// index's read lock.
type Store struct {
	cs      *commitstore.Store
	forward *commitstore.PersistentMap[string, []byte]
	reverse *commitstore.PersistentMap[string, []byte]

	mu          sync.Mutex
	forwardRoot string
	reverseRoot string
}

// Open rehydrates a Store from cs's current forward root and the reverse
// root persisted in cs's metadata map.
func Open(ctx context.Context, cs *commitstore.Store) (*Store, error) {
	reverseRoot, err := cs.ReverseExternalRoot(ctx)
	if err != nil {
		return nil, err
	}
	return &Store{
		cs:          cs,
		forward:     cs.ExternalIDMap(),
		reverse:     commitstore.NewMap[string, []byte](cs.Blobs(), keyLess, keyEqual),
		forwardRoot: cs.ExternalRoot(),
		reverseRoot: reverseRoot,
	}, nil
}

// Fork returns an independent Store handle over the same content-addressed
// maps, sharing this handle's current roots but publishing future root
// changes onto forkedStore instead of the original commitstore.Store (spec
// invariant 6: nothing a fork's later mutations do may reflect on the
// original, and vice versa).
func (s *Store) Fork(forkedStore *commitstore.Store) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Store{
		cs:          forkedStore,
		forward:     s.forward,
		reverse:     s.reverse,
		forwardRoot: s.forwardRoot,
		reverseRoot: s.reverseRoot,
	}
}

// internalKey renders an internal node id as a map key; big-endian so the
// reverse map's own natural ordering matches numeric id order, which is
// convenient when walking it for compaction's id remap (spec §4.7).
func internalKey(id int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return string(buf[:])
}

func externalKey(externalID any) (string, error) {
	data, err := msgpack.Marshal(externalID)
	if err != nil {
		return "", errs.InvalidState("external id is not encodable: " + err.Error())
	}
	return string(data), nil
}

func decodeExternal(raw []byte) (any, error) {
	var v any
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, errs.CorruptedStorage("", "failed to decode external id: "+err.Error())
	}
	return v, nil
}

// Put inserts (or upserts) the external_id -> internal_id mapping. Spec
// §4.4's "duplicate insert of same external id upserts (delete+insert)"
// means a caller that re-adds an already-present external id has already
// obtained a fresh internal id from the vector store and soft-deleted the
// old one; Put here drops the stale reverse entry for that old internal id
// so a reverse lookup never resurrects a deleted node.
func (s *Store) Put(ctx context.Context, externalID any, internalID int64) error {
	key, err := externalKey(externalID)
	if err != nil {
		return err
	}
	encodedExternal, err := msgpack.Marshal(externalID)
	if err != nil {
		return errs.InvalidState("external id is not encodable: " + err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prevRaw, ok, err := s.forward.Get(ctx, s.forwardRoot, key); err != nil {
		return err
	} else if ok {
		prevID, err := decodeInternalID(prevRaw)
		if err == nil && prevID != internalID {
			if newReverseRoot, err := s.reverse.Delete(ctx, s.reverseRoot, internalKey(prevID)); err == nil {
				s.reverseRoot = newReverseRoot
			}
		}
	}

	newForwardRoot, err := s.forward.Put(ctx, s.forwardRoot, key, encodeInternalID(internalID))
	if err != nil {
		return err
	}
	newReverseRoot, err := s.reverse.Put(ctx, s.reverseRoot, internalKey(internalID), encodedExternal)
	if err != nil {
		return err
	}
	s.forwardRoot = newForwardRoot
	s.reverseRoot = newReverseRoot
	return s.persistRoots(ctx)
}

// Delete removes externalID from both maps (spec §4.8: "delete(external_id)
// removes from both and marks internal id deleted" - marking the node
// deleted itself is the edge store's job; this only tears down the
// translation).
func (s *Store) Delete(ctx context.Context, externalID any) (internalID int64, found bool, err error) {
	key, err := externalKey(externalID)
	if err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.forward.Get(ctx, s.forwardRoot, key)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	id, err := decodeInternalID(raw)
	if err != nil {
		return 0, false, err
	}

	newForwardRoot, err := s.forward.Delete(ctx, s.forwardRoot, key)
	if err != nil {
		return 0, false, err
	}
	newReverseRoot, err := s.reverse.Delete(ctx, s.reverseRoot, internalKey(id))
	if err != nil {
		return 0, false, err
	}
	s.forwardRoot = newForwardRoot
	s.reverseRoot = newReverseRoot
	return id, true, s.persistRoots(ctx)
}

// Lookup translates an external id to its current internal id.
func (s *Store) Lookup(ctx context.Context, externalID any) (int64, bool, error) {
	key, err := externalKey(externalID)
	if err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	root := s.forwardRoot
	s.mu.Unlock()

	raw, ok, err := s.forward.Get(ctx, root, key)
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := decodeInternalID(raw)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// ReverseLookup translates an internal id back to its external id, used by
// search result assembly (spec §3 read path: "translate internal ids to
// external ids before returning"). Returns false if the mapping has been
// removed, which search uses to drop soft-deleted results.
func (s *Store) ReverseLookup(ctx context.Context, internalID int64) (any, bool, error) {
	s.mu.Lock()
	root := s.reverseRoot
	s.mu.Unlock()

	raw, ok, err := s.reverse.Get(ctx, root, internalKey(internalID))
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := decodeExternal(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// persistRoots publishes this handle's current roots back onto the
// commitstore.Store so the next Sync's commit record references them.
// Caller must hold s.mu.
func (s *Store) persistRoots(ctx context.Context) error {
	s.cs.SetExternalRoot(s.forwardRoot)
	return s.cs.SetReverseExternalRoot(ctx, s.reverseRoot)
}

func encodeInternalID(id int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

func decodeInternalID(raw []byte) (int64, error) {
	if len(raw) != 8 {
		return 0, errs.CorruptedStorage("", "internal id value has wrong length")
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}
