package hnsw

import (
	"context"

	"github.com/replikativ/proximum/internal/pool"
)

// batchThreshold is the fork/join split point below which a batch insert
// runs sequentially rather than handing more work to the pool (spec §4.4
// "per-task threshold ~100").
const batchThreshold = 100

// BatchInsert inserts vecs using a divide-and-conquer fork/join over p,
// returning assigned ids in input order. Each leaf task registers and
// unregisters its own in-flight vectors as it inserts (handled by Insert).
func (g *Graph) BatchInsert(ctx context.Context, p *pool.Pool, vecs [][]float32) ([]int32, error) {
	ids := make([]int32, len(vecs))
	if err := g.batchInsertRange(ctx, p, vecs, ids, 0, len(vecs)); err != nil {
		return nil, err
	}
	return ids, nil
}

func (g *Graph) batchInsertRange(ctx context.Context, p *pool.Pool, vecs [][]float32, ids []int32, lo, hi int) error {
	n := hi - lo
	if n <= 0 {
		return nil
	}
	if n <= batchThreshold {
		for i := lo; i < hi; i++ {
			id, err := g.Insert(vecs[i])
			if err != nil {
				return err
			}
			ids[i] = id
		}
		return nil
	}

	mid := lo + n/2
	return p.Run(ctx, []func() error{
		func() error { return g.batchInsertRange(ctx, p, vecs, ids, lo, mid) },
		func() error { return g.batchInsertRange(ctx, p, vecs, ids, mid, hi) },
	})
}
