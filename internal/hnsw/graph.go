// Package hnsw implements the layered graph build and search algorithm
// (spec §4.4, §4.5) atop the edge store's chunked CoW adjacency and the
// mmap vector store's raw vectors. Grounded on the teacher's
// internal/store/hnsw.go for the overall shape of a graph wrapper (config,
// dimension checks, lazy-deletion-aware search) and on
// other_examples/VecLite's hnsw.go for the concrete insert/search control
// flow (greedy descent, candidate-heap beam search, neighbor pruning on
// delete).
package hnsw

import (
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/replikativ/proximum/internal/distance"
	"github.com/replikativ/proximum/internal/edgestore"
	"github.com/replikativ/proximum/internal/errs"
	"github.com/replikativ/proximum/internal/vectorstore"
)

// Config holds the HNSW build/search parameters (spec §6 configuration
// surface, subset relevant to the graph algorithm).
type Config struct {
	M              int
	M0             int
	EfConstruction int
	EfSearch       int
}

// Graph couples the edge store and vector store behind the HNSW insert and
// search algorithms. One Graph exists per live index or fork; Identity
// scopes in-flight insertion bookkeeping so sibling indexes never see each
// other's unpublished candidates (spec §4.4).
type Graph struct {
	edges    *edgestore.Store
	vectors  *vectorstore.Store
	dist     distance.Func
	cfg      Config
	identity uuid.UUID

	levels []atomic.Int32
}

// New constructs a Graph over an already-created edge store and vector
// store sharing the same capacity.
func New(edges *edgestore.Store, vectors *vectorstore.Store, dist distance.Func, cfg Config, identity uuid.UUID) *Graph {
	g := &Graph{
		edges:    edges,
		vectors:  vectors,
		dist:     dist,
		cfg:      cfg,
		identity: identity,
		levels:   make([]atomic.Int32, vectors.Capacity()),
	}
	for i := range g.levels {
		g.levels[i].Store(-1)
	}
	return g
}

// Fork returns a new Graph over forkedEdges (typically g.edges.Fork()),
// sharing the same vector store (append-only, never rewritten - spec §4.6
// "vector store is shared") and distance kernel, but with its own identity
// so in-flight insertion bookkeeping never leaks between the two graphs.
func (g *Graph) Fork(forkedEdges *edgestore.Store) *Graph {
	out := &Graph{
		edges:    forkedEdges,
		vectors:  g.vectors,
		dist:     g.dist,
		cfg:      g.cfg,
		identity: uuid.New(),
		levels:   make([]atomic.Int32, len(g.levels)),
	}
	for i := range g.levels {
		out.levels[i].Store(g.levels[i].Load())
	}
	return out
}

func (g *Graph) levelOf(id int32) int {
	if int(id) >= len(g.levels) {
		return -1
	}
	return int(g.levels[id].Load())
}

// Identity returns the scoping key used for this graph's in-flight
// insertion bookkeeping.
func (g *Graph) Identity() uuid.UUID { return g.identity }

func (g *Graph) vectorFor(id int64) ([]float32, error) {
	return g.vectors.RawSlice(int(id))
}

func (g *Graph) distTo(id int64, query []float32) (float64, error) {
	v, err := g.vectorFor(id)
	if err != nil {
		return 0, err
	}
	return g.dist(query, v), nil
}

func (g *Graph) maxForLayer(layer int) int {
	if layer == 0 {
		return g.cfg.M0
	}
	return g.cfg.M
}

// assignLevel draws the layer a new node is inserted up to (spec §4.4:
// level = floor(-ln(u) / ln(M)), u ~ U(0,1), clamped to the edge store's
// configured max level).
func (g *Graph) assignLevel() int {
	u := rand.Float64()
	if u <= 0 {
		u = 1e-12
	}
	lvl := int(math.Floor(-math.Log(u) / math.Log(float64(g.cfg.M))))
	if max := g.edges.ConfiguredMaxLevel(); lvl > max {
		lvl = max
	}
	if lvl < 0 {
		lvl = 0
	}
	return lvl
}

func (g *Graph) greedyDescend(layer int, cur int64, curDist float64, query []float32) (int64, float64) {
	for {
		improved := false
		neighbors, err := g.edges.GetNeighbors(layer, int32(cur))
		if err != nil {
			break
		}
		for _, n := range neighbors {
			nd, err := g.distTo(int64(n), query)
			if err != nil {
				continue
			}
			if nd < curDist {
				cur, curDist = int64(n), nd
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return cur, curDist
}

// diversitySelect applies the standard HNSW diversity heuristic (spec
// §4.4): candidates must already be sorted ascending by distance to pivot.
func (g *Graph) diversitySelect(candidates []candidateNode, maxN int, pivot []float32) []candidateNode {
	selected := make([]candidateNode, 0, maxN)
	for _, c := range candidates {
		if len(selected) >= maxN {
			break
		}
		cv, err := g.vectorFor(int64(c.id))
		if err != nil {
			continue
		}
		accept := true
		for _, s := range selected {
			sv, err := g.vectorFor(int64(s.id))
			if err != nil {
				continue
			}
			if g.dist(cv, sv) < c.dist {
				accept = false
				break
			}
		}
		if accept {
			selected = append(selected, c)
		}
	}
	return selected
}

func (g *Graph) checkDim(vec []float32) error {
	if len(vec) != g.vectors.Dim() {
		return errs.DimensionMismatch(g.vectors.Dim(), len(vec))
	}
	return nil
}
