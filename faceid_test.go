package adaface

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerturbSubjectTokensPreservesNorm(t *testing.T) {
	const n, seqLen, embedDim = 2, 4, 8
	data := make([]float32, n*seqLen*embedDim)
	for i := range data {
		data[i] = float32(i%7) - 3
	}
	embs := tensors.FromFlatDataAndDimensions(data, n, seqLen, embedDim)

	rng := rand.New(rand.NewSource(5))
	indices := [][]int{{1, 2}, {}}
	out := PerturbSubjectTokens(rng, embs, indices, 0.1)
	outData := tensors.MustCopyFlatData[float32](out)

	slotNorm := func(d []float32, row, slot int) float32 {
		off := (row*seqLen + slot) * embedDim
		return norm32(d[off : off+embedDim])
	}
	slot := func(d []float32, row, s int) []float32 {
		off := (row*seqLen + s) * embedDim
		return d[off : off+embedDim]
	}

	// Perturbed slots change value but keep their norm.
	for _, s := range []int{1, 2} {
		assert.NotEqual(t, slot(data, 0, s), slot(outData, 0, s))
		assert.InDelta(t, float64(slotNorm(data, 0, s)), float64(slotNorm(outData, 0, s)), 1e-4)
	}
	// Unlisted slots and rows with an empty index list are untouched.
	assert.Equal(t, slot(data, 0, 0), slot(outData, 0, 0))
	for s := 0; s < seqLen; s++ {
		assert.Equal(t, slot(data, 1, s), slot(outData, 1, s))
	}
}

func TestPerturbSubjectTokensZeroStd(t *testing.T) {
	embs := tensors.FromFlatDataAndDimensions(make([]float32, 1*2*4), 1, 2, 4)
	rng := rand.New(rand.NewSource(5))
	require.Same(t, embs, PerturbSubjectTokens(rng, embs, [][]int{{0}}, 0))
}

func TestPerturbSubjectTokensIgnoresOutOfRange(t *testing.T) {
	data := []float32{1, 2, 3, 4}
	embs := tensors.FromFlatDataAndDimensions(data, 1, 2, 2)
	rng := rand.New(rand.NewSource(5))
	out := PerturbSubjectTokens(rng, embs, [][]int{{-1, 5}, {0}}, 0.1)
	assert.Equal(t, data, tensors.MustCopyFlatData[float32](out))
}
