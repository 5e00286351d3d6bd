// Package distance implements the SIMD-accelerated distance kernels (spec
// §4.2): Euclidean-squared, inner-product, and cosine, each callable in the
// three shapes the hot paths need (segment-vs-segment, segment-vs-array,
// array-vs-array). All three reduce to vek32.Dot, the same SIMD kernel the
// corpus already reaches for (ihavespoons-zrok's internal/vectordb/hnsw.go
// computes cosine distance via vek32.Dot), since Euclidean-squared expands
// to dot products and cosine is inner-product distance over normalized
// inputs.
package distance

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// Metric selects which kernel Func and Normalize use.
type Metric int

const (
	Euclidean Metric = iota
	InnerProduct
	Cosine
)

// Func computes distance(a, b) for the configured metric. Both a and b may
// be zero-copy mmap views or plain arrays; the kernel does not care which,
// covering all three call shapes named in the spec with one signature.
type Func func(a, b []float32) float64

// For returns the kernel for metric.
func For(m Metric) Func {
	switch m {
	case Euclidean:
		return EuclideanSquared
	case InnerProduct:
		return InnerProductDistance
	case Cosine:
		// Cosine distance is inner-product distance over normalized
		// vectors; callers normalize at insert and query time (Normalize
		// below), so the kernel itself is identical to InnerProduct.
		return InnerProductDistance
	default:
		return EuclideanSquared
	}
}

// EuclideanSquared returns Σ(a_i - b_i)², without the square root, since
// only relative ordering is used (spec §4.2).
func EuclideanSquared(a, b []float32) float64 {
	n := minLen(a, b)
	dot := float64(vek32.Dot(a[:n], b[:n]))
	normA := float64(vek32.Dot(a[:n], a[:n]))
	normB := float64(vek32.Dot(b[:n], b[:n]))
	d := normA - 2*dot + normB
	if d < 0 {
		// Rounding can push a true-zero distance slightly negative.
		d = 0
	}
	return d
}

// InnerProductDistance returns 1 - Σ a_i*b_i.
func InnerProductDistance(a, b []float32) float64 {
	n := minLen(a, b)
	return 1 - float64(vek32.Dot(a[:n], b[:n]))
}

// Normalize L2-normalizes v in place. A zero-norm vector is left unchanged
// (spec §4.2).
func Normalize(v []float32) {
	sumSq := float64(vek32.Dot(v, v))
	if sumSq == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= inv
	}
}

// Normalized returns a normalized copy of v, leaving v untouched.
func Normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	Normalize(out)
	return out
}

func minLen(a, b []float32) int {
	if len(a) < len(b) {
		return len(a)
	}
	return len(b)
}
