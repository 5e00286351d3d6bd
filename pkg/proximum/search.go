package proximum

import (
	"context"

	"github.com/replikativ/proximum/internal/distance"
)

// Search returns up to k nearest live nodes to query, ascending by distance
// under the index's configured metric, translated to external ids (spec §3
// read path: edge store chunk references -> SIMD distance against mmap
// vectors -> beam/heap assembly -> external-id translation). A result whose
// external-id mapping was concurrently removed is dropped rather than
// returned with a zero value (spec §4.8).
func (idx *Index) Search(ctx context.Context, query []float32, k int, opts SearchOptions) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	q := query
	if idx.metric == distance.Cosine {
		q = distance.Normalized(query)
	}

	hits, err := idx.graph.Search(q, k, opts)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		external, ok, err := idx.ext.ReverseLookup(ctx, int64(h.ID))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, Result{ExternalID: external, Distance: h.Distance})
	}
	return out, nil
}
