package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("known_value", func(t *testing.T) {
		a := []float32{1, 2, 3}
		b := []float32{4, 5, 6}
		assert.InDelta(t, 0.9746318, CosineSimilarity(a, b), 1e-6)
	})

	t.Run("identical_opposite_orthogonal", func(t *testing.T) {
		x := []float32{1, 0, 0}
		assert.InDelta(t, 1.0, CosineSimilarity(x, x), 1e-9)
		assert.InDelta(t, -1.0, CosineSimilarity(x, []float32{-1, 0, 0}), 1e-9)
		assert.InDelta(t, 0.0, CosineSimilarity(x, []float32{0, 1, 0}), 1e-9)
	})

	t.Run("degenerate_inputs_score_zero", func(t *testing.T) {
		assert.Zero(t, CosineSimilarity(nil, nil))
		assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 2}))
		assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	})
}

func TestDotProduct(t *testing.T) {
	assert.InDelta(t, 32.0, DotProduct([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-9)
	assert.Zero(t, DotProduct([]float32{1}, []float32{1, 2}))
}

func TestNormalize(t *testing.T) {
	t.Run("unit_length", func(t *testing.T) {
		v := Normalize([]float32{3, 4})
		assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
		assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
	})

	t.Run("input_untouched", func(t *testing.T) {
		in := []float32{3, 4}
		Normalize(in)
		assert.Equal(t, []float32{3, 4}, in)
	})

	t.Run("zero_vector", func(t *testing.T) {
		assert.Equal(t, []float32{0, 0}, Normalize([]float32{0, 0}))
	})
}
