package hnsw

// Result is one ranked hit from Search: an internal node id and its
// distance to the query under the graph's configured metric.
type Result struct {
	ID       int32
	Distance float64
}

// Search returns up to k nearest non-deleted nodes to query, ascending by
// distance (spec §4.5). Deleted nodes are traversed for connectivity but
// never returned.
func (g *Graph) Search(query []float32, k int, opts SearchOptions) ([]Result, error) {
	if err := g.checkDim(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	ep := g.edges.EntryPoint()
	if ep < 0 {
		return nil, nil
	}

	ef := g.cfg.EfSearch
	if opts.Ef > ef {
		ef = opts.Ef
	}
	if ef < k {
		ef = k
	}

	curMax := g.edges.CurrentMaxLevel()
	cur := ep
	curDist, err := g.distTo(cur, query)
	if err != nil {
		return nil, err
	}
	for l := curMax; l >= 1; l-- {
		cur, curDist = g.greedyDescend(int(l), cur, curDist, query)
	}

	candidates := g.beamSearch(beamParams{
		layer: 0,
		entry: cur,
		query: query,
		ef:    ef,
		k:     k,
		opts:  opts,
	})

	out := make([]Result, 0, k)
	for _, c := range candidates {
		if len(out) >= k {
			break
		}
		out = append(out, Result{ID: c.id, Distance: c.dist})
	}
	return out, nil
}
