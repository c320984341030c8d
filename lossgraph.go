package adaface

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// mseLossGraph is the plain mean-squared error between two same-shaped
// tensors, reduced to a scalar.
func mseLossGraph(pred, target *Node) *Node {
	return ReduceAllMean(Square(Sub(pred, target)))
}

// weightedReconLossGraph computes pixel-weighted MSE between predicted and
// actual noise. imgMask and fgMask are [B, H, W, 1] in {0, 1}; foreground
// pixels weigh 1, background pixels inside the image weigh bgWeight, padded
// pixels outside the image weigh 0.
func weightedReconLossGraph(pred, target, imgMask, fgMask *Node, bgWeight float64) *Node {
	weights := Add(MulScalar(imgMask, bgWeight), MulScalar(fgMask, 1-bgWeight))
	sq := Square(Sub(pred, target))
	channels := float64(pred.Shape().Dimensions[pred.Rank()-1])
	num := ReduceAllSum(Mul(sq, weights))
	den := AddScalar(MulScalar(ReduceAllSum(weights), channels), 1e-6)
	return Div(num, den)
}

// compDeltaGraph is the compositional alignment residual over a 4-way
// stacked tensor x of rows [subj-single | subj-comp | cls-single |
// cls-comp], each sub-block blockSize rows. The subject's single-to-comp
// feature shift is regressed onto the class prior's shift; the class rows
// come from gradient-free passes, so only the subject rows learn.
func compDeltaGraph(x *Node, blockSize int) *Node {
	sub := func(lo int) *Node {
		specs := make([]SliceAxisSpec, x.Rank())
		specs[0] = AxisRange(lo, lo+blockSize)
		for i := 1; i < x.Rank(); i++ {
			specs[i] = AxisRange()
		}
		return Slice(x, specs...)
	}
	subjSingle := sub(0)
	subjComp := sub(blockSize)
	clsSingle := sub(2 * blockSize)
	clsComp := sub(3 * blockSize)

	subjDelta := Sub(subjComp, subjSingle)
	clsDelta := StopGradient(Sub(clsComp, clsSingle))
	return Sub(subjDelta, clsDelta)
}

func compDeltaLossGraph(x *Node, blockSize int) *Node {
	return ReduceAllMean(Square(compDeltaGraph(x, blockSize)))
}

// maskedCompDeltaLossGraph weights the latent-space alignment residual with
// the same image/foreground masks the reconstruction loss uses. x is the
// 4-way stack [4*blockSize, H, W, C]; the masks are [1, H, W, 1] and apply
// to every row of the subject sub-blocks.
func maskedCompDeltaLossGraph(x *Node, blockSize int, imgMask, fgMask *Node, bgWeight float64) *Node {
	sq := Square(compDeltaGraph(x, blockSize))
	weights := Add(MulScalar(imgMask, bgWeight), MulScalar(fgMask, 1-bgWeight))
	weights = BroadcastToDims(weights, sq.Shape().Dimensions...)
	num := ReduceAllSum(Mul(sq, weights))
	den := AddScalar(ReduceAllSum(weights), 1e-6)
	return Div(num, den)
}
