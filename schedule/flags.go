package schedule

// IterFlags is the full decision record for one training iteration.
type IterFlags struct {
	Step int
	Mode Mode

	// NumDenoisingSteps is how many chained denoising steps the iteration
	// runs. Always 1 for ModeNormalRecon.
	NumDenoisingSteps int

	// ReuseInitConds marks a compositional iteration that continues from a
	// cached predicted clean latent instead of fresh noise.
	ReuseInitConds bool

	// DoTeacherFilter enables the CLIP-style teachability gate on this
	// iteration's compositional candidates. Never set together with
	// ReuseInitConds.
	DoTeacherFilter bool

	// UseFPTrick swaps in the face-portrait prompt variants.
	UseFPTrick bool

	// UseBackgroundToken appends the learned background token to the prompts.
	// On a reuse iteration the engine overwrites it with the choice recorded
	// by the producing iteration.
	UseBackgroundToken bool

	// PerturbFaceIDEmbs adds norm-preserving noise to the face ID embeddings
	// before conditioning, on distillation iterations only.
	PerturbFaceIDEmbs bool

	// SameSubjectInBatch collapses the batch to repetitions of its first
	// instance, required by the distillation modes.
	SameSubjectInBatch bool
}

// Counters accumulates how often each kind of iteration actually ran.
// The trainer reports them periodically.
type Counters struct {
	ReconIters          int
	TeacherDistillIters int
	CompIters           int
	CompReuseIters      int
	TeacherFilterIters  int

	// TeachableIters counts the filtered iterations whose best candidate
	// passed the teachability gate. Fed back by the trainer, since the
	// verdict is only known after the filter runs.
	TeachableIters int
}
