// Package teacher gates compositional distillation on the quality of the
// teacher's own output. A candidate denoised under the class prompt is only
// a usable teacher when it actually realizes the compositional prompt; the
// filter scores subject/class candidate pairs with a frozen image-text
// scorer and admits at most one.
package teacher

import (
	"math"

	"github.com/askerlee/adaface/aferr"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// Scorer measures semantic misalignment between a prompt and a batch of
// images. Scores are in [0, 1], lower meaning better alignment.
// Implementations wrap a frozen CLIP-style model.
type Scorer interface {
	Score(prompt string, images *tensors.Tensor) ([]float64, error)
}

// ImageDecoder maps latents [N, H, W, C] to images the Scorer accepts.
type ImageDecoder interface {
	Decode(latents *tensors.Tensor) (*tensors.Tensor, error)
}

// Verdict is the outcome of filtering one candidate set.
type Verdict struct {
	// Teachable reports whether any candidate qualified.
	Teachable bool

	// BestIndex is the qualifying candidate with the largest subject-class
	// score gap. 0 when the filter is disabled.
	BestIndex int

	// SubjScores, ClsScores and Diffs are per-candidate diagnostics, nil
	// when the filter is disabled. Disqualified candidates have
	// Diffs[i] == -Inf.
	SubjScores []float64
	ClsScores  []float64
	Diffs      []float64
}

// Filter decides teachability. The zero value is unusable, construct with
// NewFilter or NewDisabledFilter.
type Filter struct {
	scorer  Scorer
	decoder ImageDecoder

	// ClipLossThreshold is the largest class-candidate score that still
	// counts as realizing the compositional prompt.
	ClipLossThreshold float64

	// Margin is the minimum subject-class score gap: the subject candidate
	// must be measurably harder to align than the class candidate, otherwise
	// there is nothing for the student to learn from this pair.
	Margin float64

	disabled bool
}

// Reference recipe values.
const (
	DefaultClipLossThreshold = 0.28
	DefaultMargin            = 0.002
)

// NewFilter creates an enabled filter.
func NewFilter(scorer Scorer, decoder ImageDecoder, clipLossThreshold, margin float64) (*Filter, error) {
	if scorer == nil || decoder == nil {
		return nil, aferr.Configf("teacher", "scorer and decoder are required for an enabled filter")
	}
	if clipLossThreshold <= 0 || clipLossThreshold >= 1 {
		return nil, aferr.Configf("teacher", "clip loss threshold must be in (0, 1), got %g", clipLossThreshold)
	}
	return &Filter{
		scorer:            scorer,
		decoder:           decoder,
		ClipLossThreshold: clipLossThreshold,
		Margin:            margin,
	}, nil
}

// NewDisabledFilter creates a filter that admits every candidate set and
// always selects index 0.
func NewDisabledFilter() *Filter {
	return &Filter{disabled: true}
}

// Enabled reports whether the filter actually scores candidates.
func (f *Filter) Enabled() bool { return !f.disabled }

// Select scores N subject/class candidate pairs against the compositional
// prompt. Candidate i is teachable iff its class score is at most
// ClipLossThreshold and its subject score exceeds the class score by more
// than Margin. Among teachable candidates the one with the largest gap wins.
func (f *Filter) Select(subjLatents, clsLatents *tensors.Tensor, compPrompt string) (*Verdict, error) {
	if f.disabled {
		return &Verdict{Teachable: true, BestIndex: 0}, nil
	}

	n := subjLatents.Shape().Dimensions[0]
	if clsLatents.Shape().Dimensions[0] != n {
		return nil, aferr.Configf("teacher", "candidate counts differ: %d subject vs %d class rows",
			n, clsLatents.Shape().Dimensions[0])
	}

	subjImages, err := f.decoder.Decode(subjLatents)
	if err != nil {
		return nil, err
	}
	clsImages, err := f.decoder.Decode(clsLatents)
	if err != nil {
		return nil, err
	}
	subjScores, err := f.scorer.Score(compPrompt, subjImages)
	if err != nil {
		return nil, err
	}
	clsScores, err := f.scorer.Score(compPrompt, clsImages)
	if err != nil {
		return nil, err
	}
	if len(subjScores) != n || len(clsScores) != n {
		return nil, aferr.Configf("teacher", "scorer returned %d/%d scores for %d candidates",
			len(subjScores), len(clsScores), n)
	}

	v := &Verdict{
		SubjScores: subjScores,
		ClsScores:  clsScores,
		Diffs:      make([]float64, n),
	}
	best := math.Inf(-1)
	for i := 0; i < n; i++ {
		diff := subjScores[i] - clsScores[i]
		if clsScores[i] > f.ClipLossThreshold || diff <= f.Margin {
			diff = math.Inf(-1)
		}
		v.Diffs[i] = diff
		if diff > best {
			best = diff
			v.BestIndex = i
			v.Teachable = true
		}
	}
	klog.V(1).Infof("teacher filter: teachable=%v best=%d subj=%v cls=%v",
		v.Teachable, v.BestIndex, subjScores, clsScores)
	return v, nil
}
