package schedule

import (
	"math/rand"

	"github.com/askerlee/adaface/aferr"
	"github.com/gomlx/gomlx/pkg/ml/context"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
	"k8s.io/klog/v2"
)

// ProbRange is a Bernoulli probability annealed over training: Begin at
// progress 0, End at the annealing knee and beyond.
type ProbRange struct {
	Begin float64
	End   float64
}

// Config holds the scheduling hyperparameters. The zero value is not usable,
// start from DefaultConfig or ConfigFromContext.
type Config struct {
	// CompIterGap spaces compositional iterations: they land at every
	// half-gap, since each compositional cycle is a fresh/reuse pair. A gap
	// of 0 disables the mode.
	CompIterGap int

	// TeacherDistillIterGap spaces teacher-distillation iterations over the
	// non-compositional steps. 0 disables the mode.
	TeacherDistillIterGap int

	// MaxDenoisingSteps caps the per-iteration denoising chain length.
	MaxDenoisingSteps int

	PReuseInitConds float64

	// Per-flag probabilities, annealed from Begin to End over the knee.
	PFPTrick        ProbRange
	PBgTokenRecon   ProbRange
	PBgTokenDistill ProbRange
	PPerturbFaceID  ProbRange
	PTeacherFilter  ProbRange

	// AnnealKnee is the training-progress fraction at which all annealed
	// quantities reach their final value.
	AnnealKnee float64

	EnableTeacherFilter bool
}

// DefaultConfig returns the values used by the reference training recipe.
func DefaultConfig() Config {
	return Config{
		CompIterGap:           3,
		TeacherDistillIterGap: 2,
		MaxDenoisingSteps:     5,
		PReuseInitConds:       0.25,
		PFPTrick:              ProbRange{0.95, 0.85},
		PBgTokenRecon:         ProbRange{0.4, 0.2},
		PBgTokenDistill:       ProbRange{0.15, 0.05},
		PPerturbFaceID:        ProbRange{0.7, 0.5},
		PTeacherFilter:        ProbRange{1.0, 0.8},
		AnnealKnee:            0.5,
		EnableTeacherFilter:   true,
	}
}

// ConfigFromContext reads the scheduling hyperparameters from the context,
// falling back to DefaultConfig values.
func ConfigFromContext(ctx *context.Context) Config {
	def := DefaultConfig()
	return Config{
		CompIterGap:           context.GetParamOr(ctx, "comp_iter_gap", def.CompIterGap),
		TeacherDistillIterGap: context.GetParamOr(ctx, "teacher_distill_iter_gap", def.TeacherDistillIterGap),
		MaxDenoisingSteps:     context.GetParamOr(ctx, "max_denoising_steps", def.MaxDenoisingSteps),
		PReuseInitConds:       context.GetParamOr(ctx, "p_reuse_init_conds", def.PReuseInitConds),
		PFPTrick:              probRangeFromContext(ctx, "p_fp_trick", def.PFPTrick),
		PBgTokenRecon:         probRangeFromContext(ctx, "p_bg_token_recon", def.PBgTokenRecon),
		PBgTokenDistill:       probRangeFromContext(ctx, "p_bg_token_distill", def.PBgTokenDistill),
		PPerturbFaceID:        probRangeFromContext(ctx, "p_perturb_face_id", def.PPerturbFaceID),
		PTeacherFilter:        probRangeFromContext(ctx, "p_teacher_filter", def.PTeacherFilter),
		AnnealKnee:            context.GetParamOr(ctx, "anneal_knee", def.AnnealKnee),
		EnableTeacherFilter:   context.GetParamOr(ctx, "enable_teacher_filter", def.EnableTeacherFilter),
	}
}

func probRangeFromContext(ctx *context.Context, key string, def ProbRange) ProbRange {
	return ProbRange{
		Begin: context.GetParamOr(ctx, key+"_begin", def.Begin),
		End:   context.GetParamOr(ctx, key+"_end", def.End),
	}
}

// Validate checks ranges. Gaps may be 0 (mode disabled) but never negative.
func (c Config) Validate() error {
	if c.CompIterGap < 0 || c.TeacherDistillIterGap < 0 {
		return aferr.Configf("schedule", "iteration gaps must be >= 0, got comp=%d teacher=%d",
			c.CompIterGap, c.TeacherDistillIterGap)
	}
	if c.MaxDenoisingSteps < 1 {
		return aferr.Configf("schedule", "max_denoising_steps must be >= 1, got %d", c.MaxDenoisingSteps)
	}
	if c.PReuseInitConds < 0 || c.PReuseInitConds > 1 {
		return aferr.Configf("schedule", "p_reuse_init_conds must be a probability, got %g", c.PReuseInitConds)
	}
	for _, p := range []struct {
		name  string
		value ProbRange
	}{
		{"p_fp_trick", c.PFPTrick},
		{"p_bg_token_recon", c.PBgTokenRecon},
		{"p_bg_token_distill", c.PBgTokenDistill},
		{"p_perturb_face_id", c.PPerturbFaceID},
		{"p_teacher_filter", c.PTeacherFilter},
	} {
		if p.value.Begin < 0 || p.value.Begin > 1 || p.value.End < 0 || p.value.End > 1 {
			return aferr.Configf("schedule", "%s must anneal between probabilities, got [%g, %g]",
				p.name, p.value.Begin, p.value.End)
		}
	}
	if c.AnnealKnee <= 0 || c.AnnealKnee > 1 {
		return aferr.Configf("schedule", "anneal_knee must be in (0, 1], got %g", c.AnnealKnee)
	}
	return nil
}

// Scheduler decides the iteration mode and auxiliary flags for each training
// step. Next must be called once per step, in step order: the teacher-distill
// cadence counts the non-compositional steps seen so far.
//
// Not safe for concurrent use.
type Scheduler struct {
	cfg Config

	rng    *rand.Rand
	wdwSrc *exprand.Rand

	nonCompCount int
	counters     Counters
}

// New creates a Scheduler with all stochastic draws derived from seed.
func New(cfg Config, seed int64) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		wdwSrc: exprand.New(exprand.NewSource(uint64(seed))),
	}, nil
}

// Candidate chain lengths for multi-step denoising and their draw weights.
// Early in training short chains dominate; the annealed end distribution
// shifts mass to longer chains once the student stabilizes.
var (
	denoisingStepCandidates   = []int{1, 2, 3, 5, 7}
	denoisingStepWeightsBegin = []float64{0.50, 0.25, 0.15, 0.07, 0.03}
	denoisingStepWeightsEnd   = []float64{0.10, 0.20, 0.30, 0.25, 0.15}
)

// Next computes the flags for one training step. progress is the fraction of
// training done in [0, 1]; cacheAvailable reports whether an init-condition
// cache entry exists for the step's subject.
func (s *Scheduler) Next(step int, progress float64, cacheAvailable bool) IterFlags {
	flags := IterFlags{Step: step, NumDenoisingSteps: 1}
	switch {
	case s.isCompStep(step):
		flags.Mode = ModeCompDistill
	case s.cfg.TeacherDistillIterGap > 0 && s.nonCompCount%s.cfg.TeacherDistillIterGap == 0:
		flags.Mode = ModeTeacherDistill
	default:
		flags.Mode = ModeNormalRecon
	}
	if flags.Mode != ModeCompDistill {
		s.nonCompCount++
	}

	switch flags.Mode {
	case ModeCompDistill:
		s.counters.CompIters++
		flags.SameSubjectInBatch = true
		flags.ReuseInitConds = cacheAvailable && s.rng.Float64() < s.cfg.PReuseInitConds
		flags.DoTeacherFilter = s.cfg.EnableTeacherFilter && !flags.ReuseInitConds &&
			s.draw(s.cfg.PTeacherFilter, progress)
		flags.UseFPTrick = s.draw(s.cfg.PFPTrick, progress)
		flags.NumDenoisingSteps = s.drawNumDenoisingSteps(progress)
		if flags.ReuseInitConds {
			s.counters.CompReuseIters++
		}
		if flags.DoTeacherFilter {
			s.counters.TeacherFilterIters++
		}
	case ModeTeacherDistill:
		s.counters.TeacherDistillIters++
		flags.SameSubjectInBatch = true
		flags.UseBackgroundToken = s.draw(s.cfg.PBgTokenDistill, progress)
		flags.PerturbFaceIDEmbs = s.draw(s.cfg.PPerturbFaceID, progress)
		flags.NumDenoisingSteps = s.drawNumDenoisingSteps(progress)
	case ModeNormalRecon:
		s.counters.ReconIters++
		flags.UseBackgroundToken = s.draw(s.cfg.PBgTokenRecon, progress)
	}

	klog.V(2).Infof("step %d: mode=%s steps=%d reuse=%v filter=%v fp=%v bg=%v",
		step, flags.Mode, flags.NumDenoisingSteps, flags.ReuseInitConds,
		flags.DoTeacherFilter, flags.UseFPTrick, flags.UseBackgroundToken)
	return flags
}

// draw flips the annealed coin for one flag.
func (s *Scheduler) draw(p ProbRange, progress float64) bool {
	return BernoulliAnnealed(s.rng, progress, s.cfg.AnnealKnee, p.Begin, p.End)
}

// Counters returns a copy of the accumulated iteration counters.
func (s *Scheduler) Counters() Counters {
	return s.counters
}

// RecordTeachable reports that a filtered iteration produced a teachable
// candidate.
func (s *Scheduler) RecordTeachable() {
	s.counters.TeachableIters++
}

// Compositional cycles come in fresh/reuse pairs spaced half a gap apart, so
// the cadence test runs on doubled step indices. Odd gaps collapse to one
// compositional iteration per full gap.
func (s *Scheduler) isCompStep(step int) bool {
	if s.cfg.CompIterGap <= 0 {
		return false
	}
	return (2*step)%s.cfg.CompIterGap == 0
}

func (s *Scheduler) drawNumDenoisingSteps(progress float64) int {
	weights := AnnealedWeights(progress, s.cfg.AnnealKnee,
		denoisingStepWeightsBegin, denoisingStepWeightsEnd)
	for i, c := range denoisingStepCandidates {
		if c > s.cfg.MaxDenoisingSteps {
			weights[i] = 0
		}
	}
	w := sampleuv.NewWeighted(weights, s.wdwSrc)
	idx, ok := w.Take()
	if !ok {
		return 1
	}
	return denoisingStepCandidates[idx]
}
