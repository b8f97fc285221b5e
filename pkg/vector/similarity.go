// Package vector provides the vector math used by Muninn's similarity
// search and semantic name matching.
//
// Use these functions instead of implementing your own so that vector
// search, the semantic matcher, and tests all agree on scoring.
package vector

import "math"

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns a value in [-1, 1] where 1 = identical, 0 = orthogonal, -1 = opposite.
//
// Uses float64 accumulation for precision even with float32 inputs.
// Mismatched or empty vectors score 0.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	sim := vector.CosineSimilarity(a, b) // 0.9746...
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// DotProduct calculates the dot product of two float32 vectors.
// For normalized vectors, dot product equals cosine similarity.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Normalize returns a unit-length copy of the vector. The input is not
// modified. A zero vector normalizes to a zero vector of the same length.
func Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}

	normalized := make([]float32, len(vec))
	if sumSquares == 0 {
		return normalized
	}

	norm := math.Sqrt(sumSquares)
	for i, v := range vec {
		normalized[i] = float32(float64(v) / norm)
	}
	return normalized
}
