package adaface

import (
	"github.com/askerlee/adaface/aferr"
	"github.com/askerlee/adaface/denoise"
	"github.com/askerlee/adaface/initcond"
	"github.com/askerlee/adaface/prompt"
	"github.com/askerlee/adaface/schedule"
	"github.com/askerlee/adaface/teacher"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Config wires the engine: the backend, the hyperparameters read from the
// context, and the pluggable collaborators (student/teacher predictors, text
// encoder, teachability filter).
type Config struct {
	Backend backends.Backend
	Context *context.Context

	// Student is the trained denoiser; Teacher a frozen reference copy.
	Student denoise.NoisePredictor
	Teacher denoise.NoisePredictor

	// Encoder turns prompts into per-token embeddings.
	Encoder prompt.TextEncoder

	// Filter gates compositional distillation. Use teacher.NewDisabledFilter
	// to accept every candidate.
	Filter *teacher.Filter

	// Seed drives every stochastic draw of the engine.
	Seed int64

	Sched schedule.Config

	// NumSubjectTokens is M, the subject placeholder's expansion width.
	NumSubjectTokens int

	// NumTimesteps is the length of the diffusion noise schedule.
	NumTimesteps int

	// TotalSteps is the planned training length, used for annealing.
	TotalSteps int

	// BgLossWeight weighs in-image background pixels in the reconstruction
	// loss; foreground pixels weigh 1.
	BgLossWeight float64

	// CompCFGScale is the classifier-free guidance scale of compositional
	// denoising chains. 1 disables guidance.
	CompCFGScale float64

	// PerturbStd is the relative noise scale for face-ID embedding
	// perturbation.
	PerturbStd float64

	// Loss calibration bases and scale bases for DynLossScale.
	ReconLossBase        float64
	DistillLossScaleBase float64
	CompLossScaleBase    float64

	// CacheSize bounds the init-condition cache.
	CacheSize int

	// EvictionPolicy overrides the cache's eviction policy; nil keeps
	// uniform-random.
	EvictionPolicy initcond.EvictionPolicy
}

// NewConfig reads the hyperparameters from the context; collaborators are
// filled in by the caller before NewEngine.
func NewConfig(backend backends.Backend, ctx *context.Context) *Config {
	return &Config{
		Backend:              backend,
		Context:              ctx,
		Seed:                 int64(context.GetParamOr(ctx, "seed", 42)),
		Sched:                schedule.ConfigFromContext(ctx),
		NumSubjectTokens:     context.GetParamOr(ctx, "num_subject_tokens", 16),
		NumTimesteps:         context.GetParamOr(ctx, "num_timesteps", denoise.DefaultNumTimesteps),
		TotalSteps:           context.GetParamOr(ctx, "train_steps", 80_000),
		BgLossWeight:         context.GetParamOr(ctx, "bg_loss_weight", 0.1),
		CompCFGScale:         context.GetParamOr(ctx, "comp_cfg_scale", 5.0),
		PerturbStd:           context.GetParamOr(ctx, "perturb_std", 0.05),
		ReconLossBase:        context.GetParamOr(ctx, "recon_loss_base", 0.2),
		DistillLossScaleBase: context.GetParamOr(ctx, "distill_loss_scale_base", 1.0),
		CompLossScaleBase:    context.GetParamOr(ctx, "comp_loss_scale_base", 1.0),
		CacheSize:            context.GetParamOr(ctx, "init_cond_cache_size", initcond.DefaultMaxSize),
	}
}

// Validate checks that the config can drive an engine.
func (c *Config) Validate() error {
	if c.Backend == nil {
		return aferr.Configf("engine", "backend is nil")
	}
	if c.Student == nil || c.Teacher == nil {
		return aferr.Configf("engine", "student and teacher predictors are required")
	}
	if c.Encoder == nil {
		return aferr.Configf("engine", "text encoder is required")
	}
	if c.Filter == nil {
		return aferr.Configf("engine", "filter is required; use teacher.NewDisabledFilter to disable filtering")
	}
	if c.NumSubjectTokens < 1 {
		return aferr.Configf("engine", "num_subject_tokens must be >= 1, got %d", c.NumSubjectTokens)
	}
	if c.TotalSteps < 1 {
		return aferr.Configf("engine", "train_steps must be >= 1, got %d", c.TotalSteps)
	}
	if c.CompCFGScale < 1 {
		return aferr.Configf("engine", "comp_cfg_scale must be >= 1, got %g", c.CompCFGScale)
	}
	return c.Sched.Validate()
}
