package edgestore

// Chunk holds the neighbor lists of chunkSize consecutive nodes for one
// layer. Each node occupies slotWidth int32s: [count, n0, n1, ...]. In
// persistent mode chunks are immutable once published; a write clones,
// mutates the clone, then publishes the clone (spec §4.3 "copy-on-write
// publication"). In transient mode a chunk already dirty in this store is
// mutated in place.
type Chunk struct {
	chunkSize int
	slotWidth int
	data      []int32
}

func newChunk(chunkSize, slotWidth int) *Chunk {
	return &Chunk{
		chunkSize: chunkSize,
		slotWidth: slotWidth,
		data:      make([]int32, chunkSize*slotWidth),
	}
}

// clone returns a deep copy of c, the basis for a copy-on-write publication.
func (c *Chunk) clone() *Chunk {
	out := &Chunk{chunkSize: c.chunkSize, slotWidth: c.slotWidth, data: make([]int32, len(c.data))}
	copy(out.data, c.data)
	return out
}

func (c *Chunk) rowOffset(slot int) int { return slot * c.slotWidth }

// neighbors returns a copy of the neighbor ids stored at slot.
func (c *Chunk) neighbors(slot int) []int32 {
	off := c.rowOffset(slot)
	count := int(c.data[off])
	if count == 0 {
		return nil
	}
	out := make([]int32, count)
	copy(out, c.data[off+1:off+1+count])
	return out
}

// neighborsInto copies the neighbor ids stored at slot into buf, returning
// the count. Allocation-free (spec §4.3 get_neighbors_into).
func (c *Chunk) neighborsInto(slot int, buf []int32) int {
	off := c.rowOffset(slot)
	count := int(c.data[off])
	n := copy(buf, c.data[off+1:off+1+count])
	return n
}

// setNeighbors overwrites the neighbor list at slot, truncating to the
// chunk's per-node capacity (slotWidth-1) rather than erroring (spec §4.3
// "over-full list passed in -> truncated to cap").
func (c *Chunk) setNeighbors(slot int, ids []int32) {
	maxN := c.slotWidth - 1
	if len(ids) > maxN {
		ids = ids[:maxN]
	}
	off := c.rowOffset(slot)
	c.data[off] = int32(len(ids))
	copy(c.data[off+1:off+1+len(ids)], ids)
}

// addNeighbor appends nbr to slot's list if below max, a no-op otherwise.
// Returns true if appended.
func (c *Chunk) addNeighbor(slot int, nbr int32, max int) bool {
	off := c.rowOffset(slot)
	count := int(c.data[off])
	if count >= max || count >= c.slotWidth-1 {
		return false
	}
	for i := 0; i < count; i++ {
		if c.data[off+1+i] == nbr {
			return false
		}
	}
	c.data[off+1+count] = nbr
	c.data[off] = int32(count + 1)
	return true
}

// removeNeighbor removes nbr from slot's list if present, compacting the
// remaining entries.
func (c *Chunk) removeNeighbor(slot int, nbr int32) bool {
	off := c.rowOffset(slot)
	count := int(c.data[off])
	for i := 0; i < count; i++ {
		if c.data[off+1+i] == nbr {
			copy(c.data[off+1+i:off+1+count-1], c.data[off+1+i+1:off+1+count])
			c.data[off+count] = 0
			c.data[off] = int32(count - 1)
			return true
		}
	}
	return false
}

// Bytes exposes the chunk's raw int32 rows for serialization by the
// persistence layer (spec §4.6 sync protocol step 2).
func (c *Chunk) Bytes() []int32 {
	return c.data
}

func chunkFromInts(chunkSize, slotWidth int, data []int32) *Chunk {
	return &Chunk{chunkSize: chunkSize, slotWidth: slotWidth, data: data}
}
