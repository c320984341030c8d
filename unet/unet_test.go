package unet

import (
	"testing"

	"github.com/askerlee/adaface/denoise"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func testInputs(b, h, w, seq, embed int) (latents, ts, embs *tensors.Tensor) {
	latentData := make([]float32, b*h*w)
	embData := make([]float32, b*seq*embed)
	for i := range latentData {
		latentData[i] = float32(i%13) * 0.1
	}
	for i := range embData {
		embData[i] = float32(i%7) * 0.2
	}
	tsData := make([]int32, b)
	for i := range tsData {
		tsData[i] = int32(100 * (i + 1))
	}
	return tensors.FromFlatDataAndDimensions(latentData, b, h, w, 1),
		tensors.FromFlatDataAndDimensions(tsData, b),
		tensors.FromFlatDataAndDimensions(embData, b, seq, embed)
}

func TestPredictorShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	ctx.SetParam("unet_channels", []int{4, 8})
	ctx.SetParam("unet_residual_blocks", 1)

	const b, h, w, seq, embed = 2, 8, 8, 3, 8
	p := NewPredictor(backend, ctx)
	latents, ts, embs := testInputs(b, h, w, seq, embed)

	pred, err := p.PredictNoise(latents, ts, embs, denoise.PredictOptions{CaptureActivations: true})
	require.NoError(t, err)
	assert.Equal(t, []int{b, h, w, 1}, pred.Noise.Shape().Dimensions)

	// One down level halves the resolution once, so the bottleneck
	// cross-attention map covers (h/2)*(w/2) positions.
	require.Contains(t, pred.Activations, AttnTag)
	assert.Equal(t, []int{b, (h / 2) * (w / 2), seq}, pred.Activations[AttnTag].Shape().Dimensions)

	// Without activation capture only the noise comes back.
	pred, err = p.PredictNoise(latents, ts, embs, denoise.PredictOptions{})
	require.NoError(t, err)
	assert.Nil(t, pred.Activations)
}

func TestPredictorDeterministic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	ctx.SetParam("unet_channels", []int{4, 8})
	ctx.SetParam("unet_residual_blocks", 1)

	p := NewPredictor(backend, ctx)
	latents, ts, embs := testInputs(2, 8, 8, 3, 8)

	first, err := p.PredictNoise(latents, ts, embs, denoise.PredictOptions{})
	require.NoError(t, err)
	second, err := p.PredictNoise(latents, ts, embs, denoise.PredictOptions{})
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](first.Noise),
		tensors.MustCopyFlatData[float32](second.Noise))
}

func TestPredictorsShareWeightsViaContext(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	ctx.SetParam("unet_channels", []int{4, 8})
	ctx.SetParam("unet_residual_blocks", 1)

	student := NewPredictor(backend, ctx.In("model"))
	sibling := NewPredictor(backend, ctx.In("model"))
	latents, ts, embs := testInputs(1, 8, 8, 3, 8)

	a, err := student.PredictNoise(latents, ts, embs, denoise.PredictOptions{})
	require.NoError(t, err)
	b, err := sibling.PredictNoise(latents, ts, embs, denoise.PredictOptions{})
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](a.Noise),
		tensors.MustCopyFlatData[float32](b.Noise))
}
