// Package schedule decides, for every training step, which kind of iteration
// the trainer runs and with which stochastic knobs enabled.
//
// A training run interleaves three iteration types: plain subject
// reconstruction, multi-step distillation from a frozen teacher denoiser, and
// compositional distillation that regularizes the subject embedding against
// its class prior. The Scheduler owns this interleaving plus the annealed
// Bernoulli draws for the auxiliary flags, so the training loop itself stays
// deterministic and testable.
package schedule

//go:generate enumer -type=Mode -trimprefix=Mode -transform=snake -values -text -json mode.go

// Mode is the type of a training iteration.
type Mode int

const (
	// ModeNormalRecon is a plain denoising-reconstruction iteration on
	// subject images.
	ModeNormalRecon Mode = iota

	// ModeTeacherDistill denoises several steps and regresses the student
	// towards the teacher's per-step noise predictions.
	ModeTeacherDistill

	// ModeCompDistill runs the compositional-prompt distillation that keeps
	// the subject embedding composable with novel scene prompts.
	ModeCompDistill
)
