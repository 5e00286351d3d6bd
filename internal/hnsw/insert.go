package hnsw

import (
	"sort"

	"github.com/replikativ/proximum/internal/inflight"
)

// Insert runs the full per-insert state machine (spec §4.4: assign_id ->
// assign_level -> greedy_descent -> beam_search_per_layer ->
// select_neighbors -> install_reverse_edges -> maybe_promote_entry_point)
// and returns the new node's internal id.
func (g *Graph) Insert(vec []float32) (int32, error) {
	if err := g.checkDim(vec); err != nil {
		return 0, err
	}

	rawID, err := g.vectors.Append(vec)
	if err != nil {
		return 0, err
	}
	id := int32(rawID)

	level := g.assignLevel()
	g.levels[id].Store(int32(level))

	inflight.Register(g.identity, int64(id), vec)
	defer inflight.Unregister(g.identity, int64(id))

	if g.edges.CASEntryPoint(-1, int64(id)) {
		g.edges.SetMaxLevel(int64(level))
		return id, nil
	}

	ep := g.edges.EntryPoint()
	curMax := g.edges.CurrentMaxLevel()

	cur := ep
	curDist, err := g.distTo(cur, vec)
	if err != nil {
		return id, err
	}

	for l := curMax; l > int64(level); l-- {
		cur, curDist = g.greedyDescend(int(l), cur, curDist, vec)
	}

	top := int(curMax)
	if level < top {
		top = level
	}
	entry := cur
	for l := top; l >= 0; l-- {
		maxN := g.maxForLayer(l)
		candidates := g.beamSearch(beamParams{
			layer:         l,
			entry:         entry,
			query:         vec,
			ef:            g.cfg.EfConstruction,
			k:             maxN,
			mergeInflight: true,
			excludeID:     id,
		})
		if len(candidates) == 0 {
			continue
		}
		entry = int64(candidates[0].id)

		selected := g.diversitySelect(candidates, maxN, vec)
		ids := make([]int32, 0, len(selected))
		for _, s := range selected {
			if s.id == id {
				continue
			}
			ids = append(ids, s.id)
		}
		if err := g.edges.SetNeighbors(l, id, ids); err != nil {
			return id, err
		}
		if err := g.installReverseEdges(l, id, vec, ids, maxN); err != nil {
			return id, err
		}
	}

	for {
		curMaxNow := g.edges.CurrentMaxLevel()
		if int64(level) <= curMaxNow {
			break
		}
		if g.edges.CASMaxLevel(curMaxNow, int64(level)) {
			g.edges.SetEntryPoint(int64(id))
			break
		}
	}

	return id, nil
}

// installReverseEdges links id into each selected neighbor's list,
// re-running diversity selection on the union when a neighbor is already at
// capacity (spec §4.4 "Reverse edges").
func (g *Graph) installReverseEdges(layer int, id int32, vec []float32, selected []int32, maxN int) error {
	for _, s := range selected {
		if s == id {
			continue
		}
		added, err := g.tryAddNeighbor(layer, s, id, maxN)
		if err != nil {
			return err
		}
		if added {
			continue
		}
		if err := g.repruneNeighbor(layer, s, id, maxN); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) tryAddNeighbor(layer int, node, nbr int32, maxN int) (bool, error) {
	before, err := g.edges.GetNeighbors(layer, node)
	if err != nil {
		return false, err
	}
	if len(before) >= maxN {
		return false, nil
	}
	if err := g.edges.AddNeighbor(layer, node, nbr, maxN); err != nil {
		return false, err
	}
	after, err := g.edges.GetNeighbors(layer, node)
	if err != nil {
		return false, err
	}
	return len(after) > len(before), nil
}

// repruneNeighbor re-runs the diversity heuristic over node's current
// neighbors plus the candidate newID, keeping at most maxN.
func (g *Graph) repruneNeighbor(layer int, node, newID int32, maxN int) error {
	current, err := g.edges.GetNeighbors(layer, node)
	if err != nil {
		return err
	}
	pivot, err := g.vectorFor(int64(node))
	if err != nil {
		return err
	}

	seen := make(map[int32]bool, len(current)+1)
	cands := make([]candidateNode, 0, len(current)+1)
	addCand := func(cid int32) {
		if cid == node || seen[cid] {
			return
		}
		seen[cid] = true
		cv, err := g.vectorFor(int64(cid))
		if err != nil {
			return
		}
		cands = append(cands, candidateNode{id: cid, dist: g.dist(pivot, cv)})
	}
	for _, c := range current {
		addCand(c)
	}
	addCand(newID)

	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	selected := g.diversitySelect(cands, maxN, pivot)
	ids := make([]int32, len(selected))
	for i, c := range selected {
		ids[i] = c.id
	}
	return g.edges.SetNeighbors(layer, node, ids)
}
