// Package adaface is the training-iteration engine for subject-personalized
// diffusion: it interleaves reconstruction, multi-step teacher distillation
// and compositional distillation iterations over a student denoiser, the way
// the AdaFace recipe trains a face-identity adapter.
package adaface

import (
	"github.com/askerlee/adaface/aferr"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// PromptVariants carries the prompt strings of a batch in up to three
// renderings: plain, face-portrait ("fp trick") and with the learned
// background token appended. Variant sets may be nil; selection degrades to
// the plain set.
type PromptVariants struct {
	Single    []string
	Comp      []string
	ClsSingle []string
	ClsComp   []string

	// FP variants front-load face-portrait wording, used on most
	// compositional iterations to keep faces large in the composition.
	FPSingle    []string
	FPComp      []string
	FPClsSingle []string
	FPClsComp   []string

	// BG variants append the background token, used on a fraction of
	// reconstruction and distillation iterations.
	BGSingle []string
	BGComp   []string
}

// Select returns the four prompt lists for the requested variant. Missing
// variants fall back to the plain prompts.
func (p *PromptVariants) Select(useFP, useBG bool) (single, comp, clsSingle, clsComp []string) {
	single, comp, clsSingle, clsComp = p.Single, p.Comp, p.ClsSingle, p.ClsComp
	if useFP && p.FPSingle != nil {
		single, comp, clsSingle, clsComp = p.FPSingle, p.FPComp, p.FPClsSingle, p.FPClsComp
	}
	if useBG && p.BGSingle != nil {
		single = p.BGSingle
		if p.BGComp != nil {
			comp = p.BGComp
		}
	}
	return
}

// Batch is one training batch. Latents are VAE-encoded subject images.
type Batch struct {
	// SubjectNames identify the subject of each instance; the distillation
	// modes assume (and enforce, via RepeatFirst) one subject per batch.
	SubjectNames []string

	// Latents is [B, H, W, C] float32.
	Latents *tensors.Tensor

	// ImgMask marks valid image pixels, FGMask the subject foreground, both
	// [B, H, W, 1] float32 in {0, 1}. Either may be nil.
	ImgMask *tensors.Tensor
	FGMask  *tensors.Tensor

	Prompts PromptVariants

	// FacelessCount is how many instances failed face detection upstream.
	// A batch that is mostly faceless cannot drive compositional
	// distillation.
	FacelessCount int
}

// Size returns the number of instances.
func (b *Batch) Size() int {
	return len(b.SubjectNames)
}

// Validate checks the structural invariants.
func (b *Batch) Validate() error {
	if b.Size() == 0 {
		return aferr.Configf("batch", "empty batch")
	}
	if b.Latents == nil || b.Latents.Shape().Rank() != 4 {
		return aferr.Configf("batch", "latents must be [B, H, W, C]")
	}
	if b.Latents.Shape().Dimensions[0] != b.Size() {
		return aferr.Configf("batch", "%d latent rows for %d subjects",
			b.Latents.Shape().Dimensions[0], b.Size())
	}
	if len(b.Prompts.Single) != b.Size() {
		return aferr.Configf("batch", "%d single prompts for %d subjects",
			len(b.Prompts.Single), b.Size())
	}
	return nil
}

// RepeatFirst returns a batch of the same size whose every instance is a
// copy of instance 0. The distillation modes use it to put one subject in
// every row.
func (b *Batch) RepeatFirst() *Batch {
	n := b.Size()
	out := &Batch{
		SubjectNames:  repeatString(b.SubjectNames[0], n),
		Latents:       repeatRow0(b.Latents, n),
		FacelessCount: b.FacelessCount,
	}
	if b.ImgMask != nil {
		out.ImgMask = repeatRow0(b.ImgMask, n)
	}
	if b.FGMask != nil {
		out.FGMask = repeatRow0(b.FGMask, n)
	}
	out.Prompts = b.Prompts.mapLists(func(ps []string) []string {
		return repeatString(ps[0], n)
	})
	return out
}

// Truncate returns the first n instances. Multi-step distillation halves the
// batch this way to pay for the extra forward passes.
func (b *Batch) Truncate(n int) *Batch {
	if n >= b.Size() {
		return b
	}
	out := &Batch{
		SubjectNames:  b.SubjectNames[:n],
		Latents:       firstRows(b.Latents, n),
		FacelessCount: minInt(b.FacelessCount, n),
	}
	if b.ImgMask != nil {
		out.ImgMask = firstRows(b.ImgMask, n)
	}
	if b.FGMask != nil {
		out.FGMask = firstRows(b.FGMask, n)
	}
	out.Prompts = b.Prompts.mapLists(func(ps []string) []string {
		return ps[:n]
	})
	return out
}

func (p *PromptVariants) mapLists(f func([]string) []string) PromptVariants {
	apply := func(ps []string) []string {
		if ps == nil {
			return nil
		}
		return f(ps)
	}
	return PromptVariants{
		Single:      apply(p.Single),
		Comp:        apply(p.Comp),
		ClsSingle:   apply(p.ClsSingle),
		ClsComp:     apply(p.ClsComp),
		FPSingle:    apply(p.FPSingle),
		FPComp:      apply(p.FPComp),
		FPClsSingle: apply(p.FPClsSingle),
		FPClsComp:   apply(p.FPClsComp),
		BGSingle:    apply(p.BGSingle),
		BGComp:      apply(p.BGComp),
	}
}

func repeatString(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

// repeatRow0 tiles row 0 of a float32 tensor n times along axis 0.
func repeatRow0(t *tensors.Tensor, n int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	rowSize := 1
	for _, d := range dims[1:] {
		rowSize *= d
	}
	data := tensors.MustCopyFlatData[float32](t)
	out := make([]float32, n*rowSize)
	for i := 0; i < n; i++ {
		copy(out[i*rowSize:(i+1)*rowSize], data[:rowSize])
	}
	outDims := append([]int{n}, dims[1:]...)
	return tensors.FromFlatDataAndDimensions(out, outDims...)
}

// firstRows keeps the first n rows of a float32 tensor.
func firstRows(t *tensors.Tensor, n int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	rowSize := 1
	for _, d := range dims[1:] {
		rowSize *= d
	}
	data := tensors.MustCopyFlatData[float32](t)
	outDims := append([]int{n}, dims[1:]...)
	return tensors.FromFlatDataAndDimensions(data[:n*rowSize], outDims...)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
