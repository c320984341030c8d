// Package denoise implements the multi-step denoising chain shared by the
// reconstruction and distillation iterations: DDPM noising, noise
// prediction through a pluggable predictor, classifier-free guidance, and
// the contracting timestep-resampling scheme that chains the predicted
// clean latent of one step into the next.
package denoise

import (
	"math"

	"github.com/askerlee/adaface/aferr"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Reference recipe values for the latent diffusion beta schedule.
const (
	DefaultNumTimesteps = 1000
	DefaultBetaStart    = 0.00085
	DefaultBetaEnd      = 0.0120
)

// Schedule precomputes the cumulative noise-schedule coefficients
// sqrt(alphabar_t) and sqrt(1-alphabar_t) for every timestep. Betas are
// linear in sqrt space, the convention of latent diffusion checkpoints.
type Schedule struct {
	NumTimesteps int

	sqrtAlphasCumprod         []float64
	sqrtOneMinusAlphasCumprod []float64
}

// NewSchedule builds the schedule. Timestep 0 is unused; valid timesteps are
// in [1, numTimesteps).
func NewSchedule(numTimesteps int, betaStart, betaEnd float64) (*Schedule, error) {
	if numTimesteps < 2 {
		return nil, aferr.Configf("denoise", "numTimesteps must be >= 2, got %d", numTimesteps)
	}
	if betaStart <= 0 || betaEnd <= betaStart || betaEnd >= 1 {
		return nil, aferr.Configf("denoise", "invalid beta range [%g, %g]", betaStart, betaEnd)
	}
	s := &Schedule{
		NumTimesteps:              numTimesteps,
		sqrtAlphasCumprod:         make([]float64, numTimesteps),
		sqrtOneMinusAlphasCumprod: make([]float64, numTimesteps),
	}
	sqrtStart, sqrtEnd := math.Sqrt(betaStart), math.Sqrt(betaEnd)
	alphaBar := 1.0
	for t := 0; t < numTimesteps; t++ {
		sqrtBeta := sqrtStart + (sqrtEnd-sqrtStart)*float64(t)/float64(numTimesteps-1)
		alphaBar *= 1 - sqrtBeta*sqrtBeta
		s.sqrtAlphasCumprod[t] = math.Sqrt(alphaBar)
		s.sqrtOneMinusAlphasCumprod[t] = math.Sqrt(1 - alphaBar)
	}
	return s, nil
}

// DefaultSchedule builds the schedule with the reference recipe values.
func DefaultSchedule() *Schedule {
	s, err := NewSchedule(DefaultNumTimesteps, DefaultBetaStart, DefaultBetaEnd)
	if err != nil {
		panic(err)
	}
	return s
}

// Coefs returns per-row coefficient tensors shaped [len(ts), 1, 1, 1],
// float32, ready to broadcast against [B, H, W, C] latents.
func (s *Schedule) Coefs(ts []int) (sqrtAC, sqrtOneMinusAC *tensors.Tensor, err error) {
	sa := make([]float32, len(ts))
	soma := make([]float32, len(ts))
	for i, t := range ts {
		if t < 1 || t >= s.NumTimesteps {
			return nil, nil, aferr.Configf("denoise", "timestep %d out of range [1, %d)", t, s.NumTimesteps)
		}
		sa[i] = float32(s.sqrtAlphasCumprod[t])
		soma[i] = float32(s.sqrtOneMinusAlphasCumprod[t])
	}
	return tensors.FromFlatDataAndDimensions(sa, len(ts), 1, 1, 1),
		tensors.FromFlatDataAndDimensions(soma, len(ts), 1, 1, 1), nil
}
