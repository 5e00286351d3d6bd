package hnsw

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// visitedPool recycles Roaring bitmaps across beam search calls (spec §4.4
// "per-thread reusable visited bitset"). Roaring's run-container
// representation makes Clear cheap even on bitmaps that were sparsely
// populated, which is why a plain bitmap is reused via Clear rather than a
// hand-rolled word-tracking lazy-clear structure (see DESIGN.md).
var visitedPool = sync.Pool{
	New: func() any { return roaring.New() },
}

func acquireVisited() *roaring.Bitmap {
	return visitedPool.Get().(*roaring.Bitmap)
}

func releaseVisited(b *roaring.Bitmap) {
	b.Clear()
	visitedPool.Put(b)
}
