package denoise

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// PredictOptions controls one forward pass of a NoisePredictor.
type PredictOptions struct {
	// WithGradient asks the predictor to record the pass for backprop.
	// Gradient-free passes (teacher, class rows, CFG uncond) let the
	// predictor skip taping.
	WithGradient bool

	// CaptureActivations asks for cross-attention maps in the Prediction.
	CaptureActivations bool
}

// Prediction is the output of one forward pass.
type Prediction struct {
	// Noise is the predicted noise, same shape as the input latents.
	Noise *tensors.Tensor

	// Activations maps layer tags to captured cross-attention tensors, nil
	// unless requested.
	Activations map[string]*tensors.Tensor
}

// NoisePredictor is a denoising model: given noisy latents [B, H, W, C],
// per-row timesteps [B] int32 and prompt embeddings [B, seq, embed], it
// predicts the noise component. The student and the frozen teacher both
// implement it.
type NoisePredictor interface {
	PredictNoise(latents, timesteps, promptEmbs *tensors.Tensor, opts PredictOptions) (*Prediction, error)
}
