package adaface

import (
	"math/rand"

	"github.com/askerlee/adaface/aferr"
	"github.com/askerlee/adaface/denoise"
	"github.com/askerlee/adaface/initcond"
	"github.com/askerlee/adaface/prompt"
	"github.com/askerlee/adaface/schedule"
	"github.com/askerlee/adaface/teacher"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// Engine runs training iterations: for each step it picks the iteration
// mode, assembles the conditioning, drives the denoising chains and returns
// the aggregated loss. The caller owns the optimizer update.
//
// Not safe for concurrent use.
type Engine struct {
	cfg *Config

	sched      *schedule.Scheduler
	builder    *prompt.Builder
	den        *denoise.Denoiser
	teacherDen *denoise.Denoiser
	filter     *teacher.Filter
	cache      *initcond.Cache
	rng        *rand.Rand

	// uncond is the encoded empty prompt, [1, seq, embed].
	uncond *tensors.Tensor
}

// StepResult is the outcome of one training step.
type StepResult struct {
	Flags     schedule.IterFlags
	Loss      *tensors.Tensor
	Breakdown map[string]float64
	Counters  schedule.Counters

	// Verdict is the teacher-filter outcome, nil unless the filter ran.
	Verdict *teacher.Verdict
}

// NewEngine validates the config and builds the engine.
func NewEngine(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sched, err := schedule.New(cfg.Sched, cfg.Seed)
	if err != nil {
		return nil, err
	}
	builder, err := prompt.NewBuilder(cfg.Encoder, cfg.NumSubjectTokens)
	if err != nil {
		return nil, err
	}
	noiseSched, err := denoise.NewSchedule(cfg.NumTimesteps, denoise.DefaultBetaStart, denoise.DefaultBetaEnd)
	if err != nil {
		return nil, err
	}
	den, err := denoise.New(cfg.Backend, noiseSched, cfg.Student, cfg.Seed+1)
	if err != nil {
		return nil, err
	}
	teacherDen, err := denoise.New(cfg.Backend, noiseSched, cfg.Teacher, cfg.Seed+2)
	if err != nil {
		return nil, err
	}
	cache, err := initcond.New(cfg.CacheSize, cfg.Seed+3, cfg.EvictionPolicy)
	if err != nil {
		return nil, err
	}
	uncondEnc, err := cfg.Encoder.Encode([]string{""})
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		sched:      sched,
		builder:    builder,
		den:        den,
		teacherDen: teacherDen,
		filter:     cfg.Filter,
		cache:      cache,
		rng:        rand.New(rand.NewSource(cfg.Seed + 4)),
		uncond:     uncondEnc.Embeddings,
	}, nil
}

// Cache exposes the init-condition cache, mainly for telemetry.
func (e *Engine) Cache() *initcond.Cache { return e.cache }

// Counters returns the scheduler's iteration counters.
func (e *Engine) Counters() schedule.Counters { return e.sched.Counters() }

// TrainStep runs one training iteration and returns its loss. Graph-building
// panics are converted to errors; a non-finite loss surfaces as a
// *NumericalInstabilityError.
func (e *Engine) TrainStep(batch *Batch, step int) (result *StepResult, err error) {
	if err = batch.Validate(); err != nil {
		return nil, err
	}
	progress := float64(step) / float64(e.cfg.TotalSteps)
	subject := batch.SubjectNames[0]
	flags := e.sched.Next(step, progress, e.cache.Has(subject))

	// A batch that is mostly faceless cannot produce a usable compositional
	// teacher; demote to plain teacher distillation.
	if flags.Mode == schedule.ModeCompDistill && 2*batch.FacelessCount > batch.Size() {
		klog.Warningf("step %d: %d/%d faceless instances, demoting %s to %s",
			step, batch.FacelessCount, batch.Size(), flags.Mode, schedule.ModeTeacherDistill)
		flags.Mode = schedule.ModeTeacherDistill
		flags.ReuseInitConds = false
		flags.DoTeacherFilter = false
		flags.UseFPTrick = false
	}

	agg := NewLossAggregator(e.cfg.Backend, step)
	var verdict *teacher.Verdict
	var stepErr error
	err = exceptions.TryCatch[error](func() {
		switch flags.Mode {
		case schedule.ModeNormalRecon:
			stepErr = e.reconStep(batch, flags, agg)
		case schedule.ModeTeacherDistill:
			stepErr = e.distillStep(batch, flags, progress, agg)
		case schedule.ModeCompDistill:
			verdict, stepErr = e.compStep(batch, &flags, agg)
		default:
			stepErr = aferr.Unreachablef("engine", "mode %v (step %d)", flags.Mode, step)
		}
	})
	if err == nil {
		err = stepErr
	}
	if err != nil {
		return nil, err
	}
	if verdict != nil && verdict.Teachable {
		e.sched.RecordTeachable()
	}

	result = &StepResult{
		Flags:     flags,
		Loss:      agg.Total(),
		Breakdown: agg.Breakdown(),
		Counters:  e.sched.Counters(),
		Verdict:   verdict,
	}
	klog.V(1).Infof("step %d: mode=%s %s", step, flags.Mode, agg)
	return result, nil
}

// backend is a shorthand used by the mode implementations.
func (e *Engine) backend() backends.Backend { return e.cfg.Backend }

// drawUniformTimesteps draws n entry timesteps uniformly over the schedule.
func (e *Engine) drawUniformTimesteps(n int) []int {
	ts := make([]int, n)
	for i := range ts {
		ts[i] = 1 + e.rng.Intn(e.cfg.NumTimesteps-1)
	}
	return ts
}

// uncondRows broadcasts the empty-prompt embedding to n rows.
func (e *Engine) uncondRows(n int) *tensors.Tensor {
	dims := e.uncond.Shape().Dimensions
	return MustExecOnce(e.backend(), func(x *Node) *Node {
		return BroadcastToDims(x, n, dims[1], dims[2])
	}, e.uncond)
}
