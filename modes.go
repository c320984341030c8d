package adaface

import (
	"math"

	"github.com/askerlee/adaface/denoise"
	"github.com/askerlee/adaface/initcond"
	"github.com/askerlee/adaface/prompt"
	"github.com/askerlee/adaface/schedule"
	"github.com/askerlee/adaface/teacher"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// reconStep is a plain single-step denoising reconstruction of the subject
// images, with foreground-weighted pixel loss when masks are available.
func (e *Engine) reconStep(batch *Batch, flags schedule.IterFlags, agg *LossAggregator) error {
	single, _, _, _ := batch.Prompts.Select(false, flags.UseBackgroundToken)
	enc, err := e.cfg.Encoder.Encode(single)
	if err != nil {
		return err
	}
	steps, err := e.den.Denoise(&denoise.Request{
		X0:         batch.Latents,
		Timesteps:  e.drawUniformTimesteps(batch.Size()),
		PromptEmbs: enc.Embeddings,
		NumSteps:   1,
		Partition:  denoise.GradAll,
	})
	if err != nil {
		return err
	}
	s := steps[0]
	return agg.Add("recon", e.reconLoss(s.PredNoise, s.Noise, batch.ImgMask, batch.FGMask), 1.0)
}

// distillStep regresses the student's noise predictions onto a frozen
// teacher's, over a multi-step chain driven by the teacher: the teacher's
// predicted clean latent seeds each next step, and the student predicts on
// the same noisy inputs.
func (e *Engine) distillStep(batch *Batch, flags schedule.IterFlags, progress float64, agg *LossAggregator) error {
	if flags.SameSubjectInBatch {
		batch = batch.RepeatFirst()
	}
	// Each extra chain step is a full forward pass; halve the batch to keep
	// the step cost flat.
	if flags.NumDenoisingSteps > 1 && batch.Size() > 1 {
		batch = batch.Truncate((batch.Size() + 1) / 2)
	}

	single, _, _, _ := batch.Prompts.Select(false, flags.UseBackgroundToken)
	enc, err := e.cfg.Encoder.Encode(single)
	if err != nil {
		return err
	}
	embs := enc.Embeddings
	if flags.PerturbFaceIDEmbs {
		std := schedule.AnnealedValue(progress, e.cfg.Sched.AnnealKnee,
			e.cfg.PerturbStd, e.cfg.PerturbStd/2)
		embs = PerturbSubjectTokens(e.rng, embs, enc.SubjectIndices, std)
	}

	steps, err := e.teacherDen.Denoise(&denoise.Request{
		X0:         batch.Latents,
		Timesteps:  e.drawUniformTimesteps(batch.Size()),
		PromptEmbs: embs,
		NumSteps:   flags.NumDenoisingSteps,
		Partition:  denoise.GradNone,
	})
	if err != nil {
		return err
	}

	var sum *tensors.Tensor
	for _, s := range steps {
		pred, err := e.cfg.Student.PredictNoise(s.Noisy, denoise.TimestepsTensor(s.Timesteps), embs,
			denoise.PredictOptions{WithGradient: true})
		if err != nil {
			return err
		}
		stepLoss := MustExecOnce(e.backend(), mseLossGraph, pred.Noise, s.PredNoise)
		if sum == nil {
			sum = stepLoss
		} else {
			sum = MustExecOnce(e.backend(), func(a, b *Node) *Node {
				return Add(a, b)
			}, sum, stepLoss)
		}
	}
	// Normalizing by sqrt(steps) rather than steps keeps longer chains
	// contributing more total signal without scaling linearly.
	norm := 1 / math.Sqrt(float64(len(steps)))
	loss := MustExecOnce(e.backend(), func(x *Node) *Node {
		return MulScalar(x, norm)
	}, sum)
	scale := DynLossScale(float64(tensors.ToScalar[float32](loss)),
		e.cfg.ReconLossBase, e.cfg.DistillLossScaleBase)
	return agg.Add("teacher_distill", loss, scale)
}

// compStep runs compositional distillation on a 4-way prompt block: fresh
// iterations start near pure noise under tail timesteps and may cache a
// teachable init condition; reuse iterations continue a cached one from the
// middle of the schedule.
func (e *Engine) compStep(batch *Batch, flags *schedule.IterFlags, agg *LossAggregator) (*teacher.Verdict, error) {
	batch = batch.RepeatFirst()
	subject := batch.SubjectNames[0]
	single, comp, clsSingle, clsComp := batch.Prompts.Select(flags.UseFPTrick, false)

	var block *prompt.Block
	var x0, imgMask, fgMask *tensors.Tensor
	var ts []int
	reused := false
	if flags.ReuseInitConds {
		if entry, ok := e.cache.Take(subject); ok {
			block = entry.Block
			x0 = repeatRow0(entry.Latent, block.Layout.NumRows())
			prev := make([]int, block.Layout.NumRows())
			for i := range prev {
				prev[i] = entry.Timesteps[0]
			}
			ts = denoise.DrawReuseTimesteps(e.den.Rand(), prev, e.cfg.NumTimesteps)
			// The reuse iteration continues the producing one: its masks and
			// background-token choice carry over with the latent.
			imgMask, fgMask = entry.ImgMask, entry.FGMask
			flags.UseBackgroundToken = entry.UseBackgroundToken
			reused = true
			klog.V(1).Infof("comp step: reusing init conds %s for %q from t=%d",
				entry.ID, subject, entry.Timesteps[0])
		}
	}
	if !reused {
		var err error
		block, err = e.builder.Build(single[:1], comp[:1], clsSingle[:1], clsComp[:1])
		if err != nil {
			return nil, err
		}
		x0 = repeatRow0(batch.Latents, block.Layout.NumRows())
		ts = denoise.DrawTailTimesteps(e.den.Rand(), block.Layout.NumRows(), e.cfg.NumTimesteps)
		if batch.ImgMask != nil {
			imgMask = firstRows(batch.ImgMask, 1)
		}
		if batch.FGMask != nil {
			fgMask = firstRows(batch.FGMask, 1)
		}
	}

	steps, err := e.den.Denoise(&denoise.Request{
		X0:                 x0,
		Timesteps:          ts,
		PromptEmbs:         block.Embeddings,
		Layout:             &block.Layout,
		NumSteps:           flags.NumDenoisingSteps,
		Partition:          denoise.GradSubjectOnly,
		CFGScale:           e.cfg.CompCFGScale,
		UncondEmbs:         e.uncondRows(block.Layout.NumRows()),
		CaptureActivations: true,
	})
	if err != nil {
		return nil, err
	}
	last := steps[len(steps)-1]

	var verdict *teacher.Verdict
	if flags.DoTeacherFilter && !reused {
		subjLo, subjHi := block.Layout.Rows(prompt.SubjComp)
		clsLo, clsHi := block.Layout.Rows(prompt.ClsComp)
		verdict, err = e.filter.Select(
			rowsRange(last.PredX0, subjLo, subjHi),
			rowsRange(last.PredX0, clsLo, clsHi),
			comp[0])
		if err != nil {
			return nil, err
		}
		if !verdict.Teachable {
			// Nothing worth distilling this iteration; the step contributes
			// no compositional loss.
			klog.V(1).Infof("comp step: no teachable candidate for %q", subject)
			return verdict, nil
		}
		best := cacheSourceRow(&block.Layout, verdict.BestIndex)
		e.cache.Put(subject, &initcond.Entry{
			Latent:             rowsRange(last.PredX0, best, best+1),
			Block:              block,
			Timesteps:          []int{last.Timesteps[best]},
			ImgMask:            imgMask,
			FGMask:             fgMask,
			UseBackgroundToken: flags.UseBackgroundToken,
		})
	}

	blockSize := block.Layout.BlockSize
	var latentLoss *tensors.Tensor
	if imgMask != nil && fgMask != nil {
		bgWeight := e.cfg.BgLossWeight
		latentLoss = MustExecOnce(e.backend(), func(x, im, fm *Node) *Node {
			return maskedCompDeltaLossGraph(x, blockSize, im, fm, bgWeight)
		}, last.PredX0, imgMask, fgMask)
	} else {
		latentLoss = MustExecOnce(e.backend(), func(x *Node) *Node {
			return compDeltaLossGraph(x, blockSize)
		}, last.PredX0)
	}
	scale := DynLossScale(float64(tensors.ToScalar[float32](latentLoss)),
		e.cfg.ReconLossBase, e.cfg.CompLossScaleBase)
	if err := agg.Add("comp_latent_delta", latentLoss, scale); err != nil {
		return verdict, err
	}
	for tag, act := range last.Activations {
		if act.Shape().Dimensions[0] != block.Layout.NumRows() {
			continue
		}
		attnLoss := MustExecOnce(e.backend(), func(x *Node) *Node {
			return compDeltaLossGraph(x, blockSize)
		}, act)
		if err := agg.Add("comp_attn_"+tag, attnLoss, e.cfg.CompLossScaleBase); err != nil {
			return verdict, err
		}
	}
	return verdict, nil
}

func (e *Engine) reconLoss(pred, target, imgMask, fgMask *tensors.Tensor) *tensors.Tensor {
	if imgMask == nil || fgMask == nil {
		return MustExecOnce(e.backend(), mseLossGraph, pred, target)
	}
	bgWeight := e.cfg.BgLossWeight
	return MustExecOnce(e.backend(), func(p, t, im, fm *Node) *Node {
		return weightedReconLossGraph(p, t, im, fm, bgWeight)
	}, pred, target, imgMask, fgMask)
}

// cacheSourceRow maps the filter's pick, an index within the class-comp
// sub-block, to the row whose latent gets cached. The subject-comp row at the
// same offset is cached rather than the class-comp row that was scored: the
// class rows rank compositional quality, but only the subject rows carry the
// subject's identity.
func cacheSourceRow(layout *prompt.Layout, bestIndex int) int {
	lo, _ := layout.Rows(prompt.SubjComp)
	return lo + bestIndex
}

// rowsRange copies rows [lo, hi) of a float32 tensor.
func rowsRange(t *tensors.Tensor, lo, hi int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	rowSize := 1
	for _, d := range dims[1:] {
		rowSize *= d
	}
	data := tensors.MustCopyFlatData[float32](t)
	outDims := append([]int{hi - lo}, dims[1:]...)
	return tensors.FromFlatDataAndDimensions(data[lo*rowSize:hi*rowSize], outDims...)
}
