package unet

import (
	"github.com/askerlee/adaface/denoise"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// AttnTag is the activation key under which the predictor reports its
// bottleneck cross-attention map.
const AttnTag = "mid_xattn"

// Predictor adapts ModelGraph to the denoise.NoisePredictor contract. The
// forward pass is identical with and without gradient recording; the
// training loop that owns the optimizer decides what to differentiate.
type Predictor struct {
	ctx  *context.Context
	exec *context.Exec
}

// NewPredictor builds a predictor over ctx. Two predictors sharing one
// context share weights; give the frozen teacher its own context.
func NewPredictor(backend backends.Backend, ctx *context.Context) *Predictor {
	return &Predictor{
		ctx: ctx,
		exec: context.MustNewExec(backend, ctx,
			func(ctx *context.Context, latents, timesteps, promptEmbs *Node) []*Node {
				noise, attn := ModelGraph(ctx, latents, timesteps, promptEmbs)
				return []*Node{noise, attn}
			}),
	}
}

// Context returns the variable context holding the model weights.
func (p *Predictor) Context() *context.Context { return p.ctx }

// PredictNoise implements denoise.NoisePredictor.
func (p *Predictor) PredictNoise(latents, timesteps, promptEmbs *tensors.Tensor,
	opts denoise.PredictOptions) (pred *denoise.Prediction, err error) {
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		outputs = p.exec.MustExec(latents, timesteps, promptEmbs)
	})
	if err != nil {
		return nil, err
	}
	pred = &denoise.Prediction{Noise: outputs[0]}
	if opts.CaptureActivations {
		pred.Activations = map[string]*tensors.Tensor{AttnTag: outputs[1]}
	}
	return pred, nil
}
