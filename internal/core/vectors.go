package core

import "math"

// NormalizeVector scales v to unit length in place and returns it. Vectors
// are normalized once at embed time so cosine similarity reduces to a dot
// product, the single metric used by both indexing and retrieval. A zero
// vector is returned unchanged.
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
