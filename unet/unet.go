// Package unet is a compact latent-space U-Net noise predictor with prompt
// conditioning, used as the student (and, frozen, as the teacher) by the
// demo training binary. It is deliberately small: the engine only requires
// the denoise.NoisePredictor contract, not a production diffusion backbone.
package unet

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

const timeEmbedSize = 32

// ModelGraph predicts the noise component of noisyLatents [B, H, W, C]
// conditioned on per-row timesteps [B] int32 and prompt embeddings
// [B, seq, embed]. It also returns the bottleneck cross-attention map
// [B, h*w, seq], which the engine uses for compositional delta losses.
//
// Hyperparameters in ctx: "unet_channels" ([]int, one entry per resolution)
// and "unet_residual_blocks" (int).
func ModelGraph(ctx *context.Context, noisyLatents, timesteps, promptEmbs *Node) (noise, attn *Node) {
	g := noisyLatents.Graph()
	dtype := noisyLatents.DType()
	ctx = ctx.In("unet")

	numChannelsList := context.GetParamOr(ctx, "unet_channels", []int{32, 64, 96})
	numBlocks := context.GetParamOr(ctx, "unet_residual_blocks", 2)
	numTimesteps := context.GetParamOr(ctx, "num_timesteps", 1000)

	batchSize := noisyLatents.Shape().Dimensions[0]
	timesteps.AssertDims(batchSize)

	// Conditioning vector: sinusoidal timestep embedding plus mean-pooled
	// prompt embedding.
	tFrac := DivScalar(ConvertDType(timesteps, dtype), float64(numTimesteps))
	cond := Concatenate([]*Node{
		sinusoidalEmbedding(g, tFrac),
		ReduceMean(promptEmbs, 1),
	}, -1)
	cond = layers.Dense(ctx.In("cond"), cond, true, numChannelsList[0]*4)
	cond = swish(cond)

	x := layers.Convolution(ctx.In("stem"), noisyLatents).
		Filters(numChannelsList[0]).KernelSize(1).PadSame().Done()

	var skips []*Node
	for level, channels := range numChannelsList[:len(numChannelsList)-1] {
		levelCtx := ctx.Inf("down-%02d", level)
		for ii := 0; ii < numBlocks; ii++ {
			x = residualBlock(levelCtx.Inf("%03d-residual", ii), x, cond, channels)
			skips = append(skips, x)
		}
		x = MeanPool(x).Window(2).NoPadding().Done()
	}

	bottleneck := numChannelsList[len(numChannelsList)-1]
	for ii := 0; ii < numBlocks; ii++ {
		x = residualBlock(ctx.Inf("mid-%03d-residual", ii), x, cond, bottleneck)
	}
	x, attn = crossAttention(ctx.In("mid-xattn"), x, promptEmbs)

	for level := len(numChannelsList) - 2; level >= 0; level-- {
		levelCtx := ctx.Inf("up-%02d", level)
		x = upSample(x)
		for ii := 0; ii < numBlocks; ii++ {
			var skip *Node
			skip, skips = skips[len(skips)-1], skips[:len(skips)-1]
			x = Concatenate([]*Node{x, skip}, -1)
			x = residualBlock(levelCtx.Inf("%03d-residual", ii), x, cond, numChannelsList[level])
		}
	}

	noise = layers.Convolution(ctx.In("head"), x).
		Filters(noisyLatents.Shape().Dimensions[3]).KernelSize(1).PadSame().Done()
	return noise, attn
}

// residualBlock is a two-convolution block with FiLM conditioning.
func residualBlock(ctx *context.Context, x, cond *Node, outChannels int) *Node {
	shortcut := x
	if x.Shape().Dimensions[3] != outChannels {
		shortcut = layers.Convolution(ctx.In("shortcut"), x).
			Filters(outChannels).KernelSize(1).PadSame().Done()
	}

	y := layers.Convolution(ctx.In("conv1"), x).Filters(outChannels).KernelSize(3).PadSame().Done()
	y = swish(y)

	scaleShift := layers.Dense(ctx.In("film"), cond, true, 2*outChannels)
	scaleShift = InsertAxes(scaleShift, 1, 1) // [B, 1, 1, 2*channels]
	scale := Slice(scaleShift, AxisRange(), AxisRange(), AxisRange(), AxisRangeFromStart(outChannels))
	shift := Slice(scaleShift, AxisRange(), AxisRange(), AxisRange(), AxisRangeToEnd(outChannels))
	y = Add(Mul(y, OnePlus(scale)), shift)

	y = layers.Convolution(ctx.In("conv2"), y).Filters(outChannels).KernelSize(3).PadSame().Done()
	return Add(y, shortcut)
}

// crossAttention attends the bottleneck features over the prompt tokens and
// mixes the attended context back in. Returns the updated features and the
// attention map [B, h*w, seq].
func crossAttention(ctx *context.Context, x, promptEmbs *Node) (out, attnMap *Node) {
	dims := x.Shape().Dimensions
	batch, h, w, channels := dims[0], dims[1], dims[2], dims[3]
	embedDim := promptEmbs.Shape().Dimensions[2]

	flat := Reshape(x, batch, h*w, channels)
	queries := layers.Dense(ctx.In("q"), flat, false, embedDim)
	keys := layers.Dense(ctx.In("k"), promptEmbs, false, embedDim)
	values := layers.Dense(ctx.In("v"), promptEmbs, false, channels)

	scores := Einsum("bqe,bse->bqs", queries, keys)
	scores = DivScalar(scores, math.Sqrt(float64(embedDim)))
	attnMap = Softmax(scores, -1)

	attended := Einsum("bqs,bsc->bqc", attnMap, values)
	out = Add(x, Reshape(attended, batch, h, w, channels))
	return out, attnMap
}

// sinusoidalEmbedding embeds scalar fractions [B] into [B, timeEmbedSize]
// with log-spaced frequencies.
func sinusoidalEmbedding(g *Graph, frac *Node) *Node {
	half := timeEmbedSize / 2
	freqs := make([]float64, half)
	for i := range freqs {
		freqs[i] = math.Pi * math.Exp(float64(i)/float64(half-1)*math.Log(1000))
	}
	freqsNode := Const(g, shapes.CastAsDType(freqs, frac.DType()))
	angles := Mul(InsertAxes(frac, -1), InsertAxes(freqsNode, 0))
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

func upSample(x *Node) *Node {
	dims := x.Shape().Dimensions
	batch, h, w, channels := dims[0], dims[1], dims[2], dims[3]
	up := Concatenate([]*Node{x, x}, 3)
	up = Reshape(up, batch, h, 2*w, channels)
	up = Concatenate([]*Node{up, up}, 2)
	return Reshape(up, batch, 2*h, 2*w, channels)
}

func swish(x *Node) *Node {
	return Mul(x, Sigmoid(x))
}

