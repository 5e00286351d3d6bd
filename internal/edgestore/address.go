package edgestore

// encodeAddress packs (layer, chunkIndex) into the 64-bit chunk address
// named in spec §3: (layer << 32) | chunk_index.
func encodeAddress(layer, chunkIndex int) uint64 {
	return uint64(uint32(layer))<<32 | uint64(uint32(chunkIndex))
}

func decodeAddress(addr uint64) (layer, chunkIndex int) {
	return int(addr >> 32), int(uint32(addr))
}

// ChunkSource resolves a chunk's durable bytes when it is not resident
// (soft-held or cold), and reports whether an address has ever been
// persisted. It is implemented by the persistence layer (internal/commitstore)
// and injected at store construction; a nil source means chunks are never
// recoverable once evicted, appropriate for purely in-memory stores used in
// tests (spec §4.3 "address map... implementation detail of the persistence
// layer").
type ChunkSource interface {
	LoadChunk(address uint64) (data []int32, ok bool, err error)
	Persisted(address uint64) bool
}
