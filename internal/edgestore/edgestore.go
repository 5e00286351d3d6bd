// Package edgestore implements the persistent, copy-on-write graph
// adjacency structure at the core of the index (spec §4.3): chunked,
// lock-striped, content-addressable neighbor storage that doubles as a
// bounded-memory cache over a blob-backed cold store. Grounded on the
// teacher's coder/hnsw wrapping in internal/store/hnsw.go for the shape of
// the public contract (lazy-deletion bitset, dimension/level bookkeeping)
// and on internal/embed/cached.go for the LRU-over-cold-store idiom used
// by the soft-reference cache.
package edgestore

import (
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/replikativ/proximum/internal/errs"
)

const (
	nodeStripeCount  = 1024
	allocStripeCount = 64
)

// Config configures a new Store.
type Config struct {
	ChunkSize int
	M         int
	M0        int
	MaxLevel  int
	Capacity  int
	CacheSize int
	Source    ChunkSource
}

type stripeLocks struct {
	node  [nodeStripeCount]sync.Mutex
	alloc [allocStripeCount]sync.Mutex
}

// Store is the chunked copy-on-write edge store for one index (or fork).
type Store struct {
	chunkSize int
	slotWidth [2]int // [0]=layer0 width (M0+1), [1]=upper-layer width (M+1)
	numChunks int
	cacheSize int

	layers []*layerArray // index 0..MaxLevel
	locks  *stripeLocks  // shared across forks (spec §4.6)

	entryPoint atomic.Int64
	maxLevel   atomic.Int64
	persistent atomic.Bool

	deleted   *roaring.Bitmap
	deletedMu sync.RWMutex

	dirty sync.Map // map[uint64]struct{}; doubles as the transient-mode "owned by this store" marker

	cache     *lru.Cache[uint64, *Chunk]
	source    ChunkSource
	coldLoads atomic.Uint64
}

// New creates an empty edge store sized for cfg.Capacity vectors.
func New(cfg Config) *Store {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024
	}
	numChunks := (cfg.Capacity + cfg.ChunkSize - 1) / cfg.ChunkSize
	if numChunks < 1 {
		numChunks = 1
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, _ := lru.New[uint64, *Chunk](cacheSize)

	s := &Store{
		chunkSize: cfg.ChunkSize,
		slotWidth: [2]int{cfg.M0 + 1, cfg.M + 1},
		numChunks: numChunks,
		cacheSize: cacheSize,
		layers:    make([]*layerArray, cfg.MaxLevel+1),
		locks:     &stripeLocks{},
		cache:     cache,
		source:    cfg.Source,
		deleted:   roaring.New(),
	}
	for l := range s.layers {
		s.layers[l] = newLayerArray(numChunks, cfg.ChunkSize, s.widthForLayer(l))
	}
	s.entryPoint.Store(-1)
	s.maxLevel.Store(-1)
	s.persistent.Store(true)
	return s
}

func (s *Store) widthForLayer(layer int) int {
	if layer == 0 {
		return s.slotWidth[0]
	}
	return s.slotWidth[1]
}

func (s *Store) checkLayer(layer int) error {
	if layer < 0 || layer >= len(s.layers) {
		return errs.InvalidState("layer out of range")
	}
	return nil
}

func (s *Store) chunkIndexAndSlot(node int32) (int, int) {
	return int(node) / s.chunkSize, int(node) % s.chunkSize
}

// ChunkSize returns the configured node-per-chunk width.
func (s *Store) ChunkSize() int { return s.chunkSize }

// NumChunks returns the number of chunk slots per layer array.
func (s *Store) NumChunks() int { return s.numChunks }

func (s *Store) markDirty(addr uint64) { s.dirty.Store(addr, struct{}{}) }

// resolveChunk resolves layer/chunkIdx to its current content, without
// taking any lock: hard-held pointer, else soft-cache hit, else a cold load
// from the blob-backed source, else nil meaning the chunk was never
// allocated (spec §4.3 chunk lifecycle).
func (s *Store) resolveChunk(layer, chunkIdx int) (*Chunk, error) {
	la := s.layers[layer]
	if cur := la.slots[chunkIdx].Load(); cur != nil {
		return cur, nil
	}
	addr := encodeAddress(layer, chunkIdx)
	if cached, ok := s.cache.Get(addr); ok {
		return cached, nil
	}
	if s.source != nil && s.source.Persisted(addr) {
		data, ok, err := s.source.LoadChunk(addr)
		if err != nil {
			return nil, err
		}
		if ok {
			c := chunkFromInts(la.chunkSize, la.slotWidth, data)
			s.cache.Add(addr, c)
			s.coldLoads.Add(1)
			return c, nil
		}
	}
	return nil, nil
}

// GetNeighbors returns a copy of node's neighbor list at layer, or nil if
// the node has none yet. Lock-free (spec §4.3 "Reads are lock-free").
func (s *Store) GetNeighbors(layer int, node int32) ([]int32, error) {
	if err := s.checkLayer(layer); err != nil {
		return nil, err
	}
	chunkIdx, slot := s.chunkIndexAndSlot(node)
	c, err := s.resolveChunk(layer, chunkIdx)
	if err != nil || c == nil {
		return nil, err
	}
	return c.neighbors(slot), nil
}

// GetNeighborsInto copies node's neighbor list into buf and returns the
// count, without allocating (spec §4.3 get_neighbors_into).
func (s *Store) GetNeighborsInto(layer int, node int32, buf []int32) (int, error) {
	if err := s.checkLayer(layer); err != nil {
		return 0, err
	}
	chunkIdx, slot := s.chunkIndexAndSlot(node)
	c, err := s.resolveChunk(layer, chunkIdx)
	if err != nil || c == nil {
		return 0, err
	}
	return c.neighborsInto(slot, buf), nil
}

// RawChunk returns a zero-copy view of a whole chunk for hot search paths
// (spec §4.3 get_raw_chunk). Callers index into it with node % ChunkSize().
func (s *Store) RawChunk(layer, chunkIdx int) (*Chunk, error) {
	if err := s.checkLayer(layer); err != nil {
		return nil, err
	}
	if chunkIdx < 0 || chunkIdx >= s.numChunks {
		return nil, errs.InvalidState("chunk index out of range")
	}
	return s.resolveChunk(layer, chunkIdx)
}

// Row returns a zero-copy view of slot's neighbor ids.
func (c *Chunk) Row(slot int) []int32 {
	off := c.rowOffset(slot)
	count := int(c.data[off])
	return c.data[off+1 : off+1+count]
}

// mutateSlot is the single copy-on-write write path shared by
// SetNeighbors/AddNeighbor/RemoveNeighbor. fn mutates target in place and
// returns whether a publish is needed. The node stripe lock serializes
// concurrent writers to the same node; the chunk-clone-and-CAS loop handles
// concurrent writers to *different* nodes that share a chunk, retrying
// against the freshest base on a lost race (spec §4.3 concurrency section).
func (s *Store) mutateSlot(layer int, node int32, fn func(c *Chunk, slot int) bool) error {
	if err := s.checkLayer(layer); err != nil {
		return err
	}
	chunkIdx, slot := s.chunkIndexAndSlot(node)
	if chunkIdx < 0 || chunkIdx >= s.numChunks {
		return errs.InvalidState("node id out of range for this edge store")
	}
	la := s.layers[layer]
	addr := encodeAddress(layer, chunkIdx)

	stripe := &s.locks.node[uint32(node)&(nodeStripeCount-1)]
	stripe.Lock()
	defer stripe.Unlock()

	for {
		cur := la.slots[chunkIdx].Load()
		base := cur
		if base == nil {
			if cached, ok := s.cache.Get(addr); ok {
				base = cached
			} else if s.source != nil && s.source.Persisted(addr) {
				s.locks.alloc[addr&(allocStripeCount-1)].Lock()
				data, ok, err := s.source.LoadChunk(addr)
				s.locks.alloc[addr&(allocStripeCount-1)].Unlock()
				if err != nil {
					return err
				}
				if ok {
					base = chunkFromInts(la.chunkSize, la.slotWidth, data)
					s.cache.Add(addr, base)
					s.coldLoads.Add(1)
				}
			}
		}

		_, owned := s.dirty.Load(addr)
		persistentMode := s.persistent.Load()

		var target *Chunk
		inPlace := false
		switch {
		case base == nil:
			s.locks.alloc[addr&(allocStripeCount-1)].Lock()
			target = newChunk(la.chunkSize, la.slotWidth)
			s.locks.alloc[addr&(allocStripeCount-1)].Unlock()
		case !persistentMode && owned && cur != nil:
			target = base
			inPlace = true
		default:
			target = base.clone()
		}

		if !fn(target, slot) {
			return nil
		}

		if inPlace {
			s.markDirty(addr)
			return nil
		}

		if la.slots[chunkIdx].CompareAndSwap(cur, target) {
			s.markDirty(addr)
			return nil
		}
		// Lost the race to a concurrent writer on a different node in the
		// same chunk; retry against whatever they published.
	}
}

// SetNeighbors overwrites node's neighbor list at layer, truncated to the
// layer's per-node cap (spec §4.3: "over-full list -> truncated to cap").
func (s *Store) SetNeighbors(layer int, node int32, ids []int32) error {
	return s.mutateSlot(layer, node, func(c *Chunk, slot int) bool {
		c.setNeighbors(slot, ids)
		return true
	})
}

// AddNeighbor appends nbr to node's neighbor list at layer if below max,
// a no-op otherwise.
func (s *Store) AddNeighbor(layer int, node, nbr int32, max int) error {
	return s.mutateSlot(layer, node, func(c *Chunk, slot int) bool {
		return c.addNeighbor(slot, nbr, max)
	})
}

// RemoveNeighbor removes nbr from node's neighbor list at layer if present.
func (s *Store) RemoveNeighbor(layer int, node, nbr int32) error {
	return s.mutateSlot(layer, node, func(c *Chunk, slot int) bool {
		return c.removeNeighbor(slot, nbr)
	})
}

// MarkDeleted sets node's bit in the deleted bitset (spec §4.3 mark_deleted).
func (s *Store) MarkDeleted(node int32) {
	s.deletedMu.Lock()
	s.deleted.Add(uint32(node))
	s.deletedMu.Unlock()
}

// IsDeleted reports whether node has been soft-deleted. Lock-free bit test
// modulo the bitmap's own read lock (spec §4.3 is_deleted).
func (s *Store) IsDeleted(node int32) bool {
	s.deletedMu.RLock()
	defer s.deletedMu.RUnlock()
	return s.deleted.Contains(uint32(node))
}

// DeletedCount returns the number of soft-deleted nodes.
func (s *Store) DeletedCount() int {
	s.deletedMu.RLock()
	defer s.deletedMu.RUnlock()
	return int(s.deleted.GetCardinality())
}

// DeletedBitmapBytes serializes the soft-delete bitset, for persistence
// alongside a commit's metadata map (the Commit record itself only carries
// a count, per spec §3; the bitmap's contents need a home of their own to
// survive a cold Load/LoadCommit without resurrecting deleted nodes into
// graph-traversal bookkeeping like entry-point retirement).
func (s *Store) DeletedBitmapBytes() ([]byte, error) {
	s.deletedMu.RLock()
	defer s.deletedMu.RUnlock()
	return s.deleted.MarshalBinary()
}

// RestoreDeletedBitmap replaces the soft-delete bitset with the contents of
// data, as produced by a prior DeletedBitmapBytes.
func (s *Store) RestoreDeletedBitmap(data []byte) error {
	bm := roaring.New()
	if len(data) > 0 {
		if err := bm.UnmarshalBinary(data); err != nil {
			return err
		}
	}
	s.deletedMu.Lock()
	s.deleted = bm
	s.deletedMu.Unlock()
	return nil
}

// EntryPoint returns the current entry-point node id, or -1 if the graph is
// empty (spec invariant 1).
func (s *Store) EntryPoint() int64 { return s.entryPoint.Load() }

// SetEntryPoint sets the entry point unconditionally.
func (s *Store) SetEntryPoint(id int64) { s.entryPoint.Store(id) }

// CASEntryPoint atomically swaps the entry point from expected to next.
func (s *Store) CASEntryPoint(expected, next int64) bool {
	return s.entryPoint.CompareAndSwap(expected, next)
}

// CurrentMaxLevel returns the highest layer any node currently occupies, or
// -1 if the graph is empty.
func (s *Store) CurrentMaxLevel() int64 { return s.maxLevel.Load() }

// SetMaxLevel sets the current max level unconditionally.
func (s *Store) SetMaxLevel(l int64) { s.maxLevel.Store(l) }

// CASMaxLevel atomically swaps the current max level from expected to next.
func (s *Store) CASMaxLevel(expected, next int64) bool {
	return s.maxLevel.CompareAndSwap(expected, next)
}

// ConfiguredMaxLevel returns the highest layer a node may ever be assigned
// (the static cap from Config.MaxLevel), distinct from CurrentMaxLevel.
func (s *Store) ConfiguredMaxLevel() int { return len(s.layers) - 1 }

// AsTransient flips the store into transient (bulk-build) mode: writes to
// chunks already owned by this store (present in its dirty set) mutate in
// place instead of cloning. Must be paired with AsPersistent (spec §4.3).
func (s *Store) AsTransient() { s.persistent.Store(false) }

// AsPersistent flips the store back into persistent mode, where every
// write clones before publishing.
func (s *Store) AsPersistent() { s.persistent.Store(true) }

// IsTransient reports the current mode.
func (s *Store) IsTransient() bool { return !s.persistent.Load() }

// HasDirty reports whether any chunk has changed since the last drain,
// without consuming the dirty set (spec §4.6: branch creation requires the
// source index to be synced first).
func (s *Store) HasDirty() bool {
	has := false
	s.dirty.Range(func(_, _ any) bool {
		has = true
		return false
	})
	return has
}

// DrainDirty atomically snapshots and clears the dirty-chunk set, returning
// the encoded addresses that changed since the last drain (spec §4.3 dirty
// tracking, consumed by the sync protocol in §4.6).
func (s *Store) DrainDirty() []uint64 {
	var out []uint64
	s.dirty.Range(func(k, _ any) bool {
		out = append(out, k.(uint64))
		s.dirty.Delete(k)
		return true
	})
	return out
}

// Softify evicts the hard pointer for address, retaining the chunk only in
// the soft LRU cache, once it has been confirmed persisted (spec §4.3
// transition 1->2). A no-op if the slot already changed underneath it.
func (s *Store) Softify(address uint64) error {
	layer, chunkIdx := decodeAddress(address)
	if layer < 0 || layer >= len(s.layers) {
		return errs.InvalidState("softify: layer out of range")
	}
	la := s.layers[layer]
	if chunkIdx < 0 || chunkIdx >= len(la.slots) {
		return errs.InvalidState("softify: chunk index out of range")
	}
	if s.source == nil || !s.source.Persisted(address) {
		return errs.InvalidState("softify: chunk has not been persisted")
	}
	cur := la.slots[chunkIdx].Load()
	if cur == nil {
		return nil
	}
	s.cache.Add(address, cur)
	la.slots[chunkIdx].CompareAndSwap(cur, nil)
	return nil
}

// ChunkAt returns the raw content of a chunk for serialization, resolving it
// through the same hard slot, soft cache and cold source path as reads
// (used by the sync protocol to snapshot dirty chunks).
func (s *Store) ChunkAt(address uint64) (*Chunk, error) {
	layer, chunkIdx := decodeAddress(address)
	if err := s.checkLayer(layer); err != nil {
		return nil, err
	}
	return s.resolveChunk(layer, chunkIdx)
}

// Fork returns a new store sharing every chunk unmodified since this call
// (spec invariant 6): the chunk-array pointer slices are shallow-cloned so
// each store's future CoW publications are independent, but the striped
// locks are shared so concurrent writers on either fork that still touch a
// common chunk serialize correctly (spec §4.6).
func (s *Store) Fork() *Store {
	out := &Store{
		chunkSize: s.chunkSize,
		slotWidth: s.slotWidth,
		numChunks: s.numChunks,
		cacheSize: s.cacheSize,
		layers:    make([]*layerArray, len(s.layers)),
		locks:     s.locks,
		source:    s.source,
		deleted:   s.deleted.Clone(),
	}
	for i, la := range s.layers {
		out.layers[i] = la.clone()
	}
	cache, _ := lru.New[uint64, *Chunk](s.cacheSize)
	out.cache = cache
	out.entryPoint.Store(s.entryPoint.Load())
	out.maxLevel.Store(s.maxLevel.Load())
	out.persistent.Store(true)
	return out
}

// Stats reports cache occupancy for the owning index to surface (spec
// SPEC_FULL §5 instrumentation addendum).
type Stats struct {
	HardHeldChunks int
	SoftCachedChunks int
	ColdLoads      uint64
	DeletedNodes   int
}

// Stats returns a snapshot of the store's cache and delete-bitset state.
func (s *Store) Stats() Stats {
	hard := 0
	for _, la := range s.layers {
		for i := range la.slots {
			if la.slots[i].Load() != nil {
				hard++
			}
		}
	}
	return Stats{
		HardHeldChunks:   hard,
		SoftCachedChunks: s.cache.Len(),
		ColdLoads:        s.coldLoads.Load(),
		DeletedNodes:     s.DeletedCount(),
	}
}
