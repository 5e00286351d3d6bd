package hnsw

import (
	"container/heap"
	"math"
	"time"

	"github.com/replikativ/proximum/internal/inflight"
)

// SearchOptions configures the early-termination and filtering behavior of
// a single search or insert-time beam search (spec §4.5).
type SearchOptions struct {
	// Ef overrides the beam width; effective width is max(Ef, configured
	// EfSearch). Zero uses the configured default.
	Ef int

	// TimeoutNanos aborts the search, returning best-so-far, once exceeded.
	// Zero disables.
	TimeoutNanos int64

	// MaxDistanceComputations caps the number of distance evaluations.
	// Zero disables.
	MaxDistanceComputations int64

	// PatienceSaturation enables the "Patience in Proximity" termination
	// rule once results has reached K (spec §4.5). Zero disables.
	PatienceSaturation float64

	// PatienceP is the number of consecutive saturated iterations required
	// to stop. Zero auto-scales to max(7, ceil(0.3*k)).
	PatienceP int

	// Allow, if set, restricts which non-deleted nodes may be admitted to
	// the result set. The traversal still walks through excluded nodes to
	// preserve graph connectivity (spec §4.5 filtered search).
	Allow func(id int32) bool
}

type beamParams struct {
	layer         int
	entry         int64
	query         []float32
	ef            int
	k             int
	opts          SearchOptions
	mergeInflight bool
	excludeID     int32
}

// beamSearch runs the standard HNSW candidate/result two-heap algorithm at
// one layer (spec §4.4 "beam search per layer", §4.5 "two-heap structure").
// Returned candidates are sorted ascending by distance.
func (g *Graph) beamSearch(p beamParams) []candidateNode {
	visited := acquireVisited()
	defer releaseVisited(visited)

	entryVec, err := g.vectorFor(p.entry)
	if err != nil {
		return nil
	}
	entryDist := g.dist(p.query, entryVec)
	var distComputations int64 = 1

	candidates := &minCandHeap{}
	results := &maxCandHeap{}
	heap.Init(candidates)
	heap.Init(results)

	heap.Push(candidates, candidateNode{id: int32(p.entry), dist: entryDist})
	visited.Add(uint32(p.entry))
	if g.admit(int32(p.entry), p.opts) {
		heap.Push(results, candidateNode{id: int32(p.entry), dist: entryDist})
	}

	var start time.Time
	if p.opts.TimeoutNanos > 0 {
		start = time.Now()
	}
	pTarget := p.opts.PatienceP
	if p.opts.PatienceSaturation > 0 && pTarget <= 0 {
		pTarget = max(7, int(math.Ceil(0.3*float64(max(1, p.k)))))
	}
	saturationStreak := 0

	for candidates.Len() > 0 {
		if p.opts.TimeoutNanos > 0 && time.Since(start).Nanoseconds() > p.opts.TimeoutNanos {
			break
		}
		if p.opts.MaxDistanceComputations > 0 && distComputations >= p.opts.MaxDistanceComputations {
			break
		}

		c := heap.Pop(candidates).(candidateNode)
		if results.Len() >= p.ef {
			if worst := (*results)[0]; c.dist > worst.dist {
				break
			}
		}

		neighbors, err := g.edges.GetNeighbors(p.layer, c.id)
		if err != nil {
			continue
		}

		displacements := 0
		for _, n := range neighbors {
			if visited.Contains(uint32(n)) {
				continue
			}
			visited.Add(uint32(n))
			nv, err := g.vectorFor(int64(n))
			if err != nil {
				continue
			}
			nd := g.dist(p.query, nv)
			distComputations++
			if results.Len() < p.ef || nd < (*results)[0].dist {
				heap.Push(candidates, candidateNode{id: n, dist: nd})
				if g.admit(n, p.opts) {
					heap.Push(results, candidateNode{id: n, dist: nd})
					if results.Len() > p.ef {
						heap.Pop(results)
						displacements++
					}
				}
			}
		}

		if p.opts.PatienceSaturation > 0 && p.k > 0 && results.Len() >= p.k {
			overlap := float64(p.k-displacements) / float64(p.k)
			if overlap >= p.opts.PatienceSaturation {
				saturationStreak++
				if saturationStreak >= pTarget {
					break
				}
			} else {
				saturationStreak = 0
			}
		}
	}

	if p.mergeInflight {
		for _, peer := range inflight.Peers(g.identity, p.excludeID) {
			if visited.Contains(uint32(peer.NodeID)) {
				continue
			}
			nd := g.dist(p.query, peer.Vector)
			if results.Len() < p.ef || nd < (*results)[0].dist {
				heap.Push(results, candidateNode{id: int32(peer.NodeID), dist: nd})
				if results.Len() > p.ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidateNode, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidateNode)
	}
	return out
}

func (g *Graph) admit(id int32, opts SearchOptions) bool {
	if g.edges.IsDeleted(id) {
		return false
	}
	if opts.Allow != nil {
		return opts.Allow(id)
	}
	return true
}
