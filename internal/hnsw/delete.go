package hnsw

// Delete marks id soft-deleted. Neighbor repair is lazy (spec SPEC_FULL
// §6): lists that already reference id are left alone and pruned
// opportunistically the next time an unrelated insert touches them via
// select_neighbors/install_reverse_edges. If id is the current entry
// point, it is retired and a live replacement installed in its place.
func (g *Graph) Delete(id int32) error {
	g.edges.MarkDeleted(id)
	if g.edges.EntryPoint() == int64(id) {
		g.retireEntryPoint(id)
	}
	return nil
}

// retireEntryPoint CAS-loops to install a live node at the current max
// level as the new entry point, decrementing max level when none remains
// at a given level, down to an empty graph (entry point -1, max level -1
// per invariant 1).
func (g *Graph) retireEntryPoint(deletedID int32) {
	for {
		lvl := g.edges.CurrentMaxLevel()
		if lvl < 0 {
			g.edges.CASEntryPoint(int64(deletedID), -1)
			return
		}
		if replacement := g.findLiveNodeAtLevel(int(lvl), deletedID); replacement >= 0 {
			g.edges.CASEntryPoint(int64(deletedID), int64(replacement))
			return
		}
		if !g.edges.CASMaxLevel(lvl, lvl-1) {
			continue // another goroutine moved max level; re-read and retry
		}
	}
}

// findLiveNodeAtLevel scans assigned node levels for a non-deleted node
// reaching at least level. The edge store does not keep a separate
// per-layer membership index, so this uses the graph's own level
// bookkeeping (see DESIGN.md); acceptable because entry-point retirement is
// rare relative to inserts and searches.
func (g *Graph) findLiveNodeAtLevel(level int, exclude int32) int32 {
	n := g.vectors.Count()
	for id := int32(0); id < int32(n); id++ {
		if id == exclude {
			continue
		}
		if g.levelOf(id) < level {
			continue
		}
		if g.edges.IsDeleted(id) {
			continue
		}
		return id
	}
	return -1
}
