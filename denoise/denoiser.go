package denoise

import (
	"math/rand"

	"github.com/askerlee/adaface/aferr"
	"github.com/askerlee/adaface/prompt"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// GradPartition selects which batch rows run with gradient recording.
type GradPartition int

const (
	// GradAll records the whole batch.
	GradAll GradPartition = iota
	// GradNone records nothing; used for teacher passes.
	GradNone
	// GradSubjectOnly records the subject half of a 4-way prompt block and
	// runs the class half gradient-free, in two independent forward passes.
	GradSubjectOnly
)

func (p GradPartition) String() string {
	switch p {
	case GradAll:
		return "all"
	case GradNone:
		return "none"
	case GradSubjectOnly:
		return "subject-only"
	}
	return "invalid"
}

// Request describes one denoising chain.
type Request struct {
	// X0 are the clean latents [B, H, W, C] the chain starts from.
	X0 *tensors.Tensor

	// Noise seeds the first step; fresh noise is drawn when nil. Later steps
	// always draw fresh noise.
	Noise *tensors.Tensor

	// Timesteps are the per-row entry timesteps, len B.
	Timesteps []int

	// PromptEmbs conditions the predictor, [B, seq, embed].
	PromptEmbs *tensors.Tensor

	// Layout is required for GradSubjectOnly: it locates the subject/class
	// row boundary.
	Layout *prompt.Layout

	// NumSteps bounds the chain length; the chain stops early once every
	// row reaches timestep 1.
	NumSteps int

	Partition GradPartition

	// CFGScale > 1 enables classifier-free guidance, which then requires
	// UncondEmbs.
	CFGScale   float64
	UncondEmbs *tensors.Tensor

	CaptureActivations bool
}

// Step records one completed denoising step.
type Step struct {
	Index     int
	Timesteps []int

	// Noisy is the q-sampled input x_t, Noise the noise that produced it.
	Noisy *tensors.Tensor
	Noise *tensors.Tensor

	// PredNoise is the (possibly CFG-combined) predicted noise; PredX0 the
	// predicted clean latent derived from it, which seeds the next step.
	PredNoise *tensors.Tensor
	PredX0    *tensors.Tensor

	Activations map[string]*tensors.Tensor
}

// Denoiser runs denoising chains against a NoisePredictor.
//
// Not safe for concurrent use.
type Denoiser struct {
	backend   backends.Backend
	sched     *Schedule
	predictor NoisePredictor
	rng       *rand.Rand

	qSampleExec *Exec
	predX0Exec  *Exec
}

// New creates a Denoiser. All stochastic draws derive from seed.
func New(backend backends.Backend, sched *Schedule, predictor NoisePredictor, seed int64) (*Denoiser, error) {
	if predictor == nil {
		return nil, aferr.Configf("denoise", "noise predictor is nil")
	}
	if sched == nil {
		sched = DefaultSchedule()
	}
	d := &Denoiser{
		backend:   backend,
		sched:     sched,
		predictor: predictor,
		rng:       rand.New(rand.NewSource(seed)),
	}
	d.qSampleExec = MustNewExec(backend, func(x0, noise, sa, soma *Node) *Node {
		return Add(Mul(x0, sa), Mul(noise, soma))
	})
	d.predX0Exec = MustNewExec(backend, func(xt, eps, sa, soma *Node) *Node {
		return Div(Sub(xt, Mul(eps, soma)), sa)
	})
	return d, nil
}

// Schedule returns the underlying noise schedule.
func (d *Denoiser) Schedule() *Schedule { return d.sched }

// Rand exposes the denoiser's RNG for the timestep draws that bracket a
// chain (tail and reuse windows).
func (d *Denoiser) Rand() *rand.Rand { return d.rng }

// Denoise runs the chain. The first step noises req.X0 at req.Timesteps;
// every later step noises the previous step's predicted clean latent with
// fresh noise at strictly smaller resampled timesteps. Returns between 1 and
// req.NumSteps steps.
func (d *Denoiser) Denoise(req *Request) (steps []*Step, err error) {
	if err = d.validate(req); err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() {
		steps = d.denoise(req)
	})
	if err != nil {
		return nil, err
	}
	return steps, nil
}

func (d *Denoiser) validate(req *Request) error {
	if req.NumSteps < 1 {
		return aferr.Configf("denoise", "numSteps must be >= 1, got %d", req.NumSteps)
	}
	batch := req.X0.Shape().Dimensions[0]
	if len(req.Timesteps) != batch {
		return aferr.Configf("denoise", "%d timesteps for %d latent rows", len(req.Timesteps), batch)
	}
	if req.PromptEmbs.Shape().Dimensions[0] != batch {
		return aferr.Configf("denoise", "%d prompt rows for %d latent rows",
			req.PromptEmbs.Shape().Dimensions[0], batch)
	}
	if req.Partition == GradSubjectOnly {
		if req.Layout == nil {
			return aferr.Configf("denoise", "GradSubjectOnly requires a prompt block layout")
		}
		if req.Layout.NumRows() != batch {
			return aferr.Configf("denoise", "block layout has %d rows, batch has %d",
				req.Layout.NumRows(), batch)
		}
	}
	if req.CFGScale > 1 && req.UncondEmbs == nil {
		return aferr.Configf("denoise", "CFG scale %g requires unconditional embeddings", req.CFGScale)
	}
	return nil
}

func (d *Denoiser) denoise(req *Request) []*Step {
	x0 := req.X0
	noise := req.Noise
	ts := req.Timesteps

	steps := make([]*Step, 0, req.NumSteps)
	for i := 0; i < req.NumSteps; i++ {
		if i > 0 {
			x0 = steps[i-1].PredX0
			noise = nil
			ts = ResampleTimesteps(d.rng, steps[i-1].Timesteps, req.NumSteps-i)
		}
		if noise == nil {
			noise = d.freshNoise(x0.Shape())
		}

		sa, soma, err := d.sched.Coefs(ts)
		if err != nil {
			panic(err)
		}
		noisy := d.qSampleExec.MustExec(x0, noise, sa, soma)[0]

		predNoise, activations := d.predict(req, noisy, ts)
		predX0 := d.predX0Exec.MustExec(noisy, predNoise, sa, soma)[0]

		steps = append(steps, &Step{
			Index:       i,
			Timesteps:   ts,
			Noisy:       noisy,
			Noise:       noise,
			PredNoise:   predNoise,
			PredX0:      predX0,
			Activations: activations,
		})
		klog.V(2).Infof("denoise step %d/%d: t=%v partition=%s", i+1, req.NumSteps, ts, req.Partition)

		if maxInt(ts) <= 1 {
			break
		}
	}
	return steps
}

// predict runs the predictor with the requested gradient partition and CFG.
func (d *Denoiser) predict(req *Request, noisy *tensors.Tensor, ts []int) (*tensors.Tensor, map[string]*tensors.Tensor) {
	tsTensor := TimestepsTensor(ts)

	var pred *tensors.Tensor
	var activations map[string]*tensors.Tensor
	switch req.Partition {
	case GradAll, GradNone:
		p := d.mustPredict(noisy, tsTensor, req.PromptEmbs, PredictOptions{
			WithGradient:       req.Partition == GradAll,
			CaptureActivations: req.CaptureActivations,
		})
		pred, activations = p.Noise, p.Activations
	case GradSubjectOnly:
		// Independent forward passes per half keep the class rows out of
		// the gradient tape without masking inside the predictor.
		boundary, _ := req.Layout.Rows(prompt.ClsSingle)
		subjP := d.mustPredict(
			d.sliceRows(noisy, 0, boundary),
			TimestepsTensor(ts[:boundary]),
			d.sliceRows(req.PromptEmbs, 0, boundary),
			PredictOptions{WithGradient: true, CaptureActivations: req.CaptureActivations})
		clsP := d.mustPredict(
			d.sliceRows(noisy, boundary, req.Layout.NumRows()),
			TimestepsTensor(ts[boundary:]),
			d.sliceRows(req.PromptEmbs, boundary, req.Layout.NumRows()),
			PredictOptions{WithGradient: false, CaptureActivations: req.CaptureActivations})
		pred = d.concatRows(subjP.Noise, clsP.Noise)
		activations = mergeActivations(subjP.Activations, clsP.Activations, d)
	default:
		exceptions.Panicf("denoise: unknown gradient partition %d", req.Partition)
	}

	if req.CFGScale > 1 {
		uncondP := d.mustPredict(noisy, tsTensor, req.UncondEmbs,
			PredictOptions{WithGradient: false})
		scale := req.CFGScale
		pred = MustExecOnce(d.backend, func(cond, uncond *Node) *Node {
			return Sub(MulScalar(cond, scale), MulScalar(uncond, scale-1))
		}, pred, uncondP.Noise)
	}
	return pred, activations
}

func (d *Denoiser) mustPredict(latents, ts, embs *tensors.Tensor, opts PredictOptions) *Prediction {
	p, err := d.predictor.PredictNoise(latents, ts, embs, opts)
	if err != nil {
		panic(err)
	}
	return p
}

func (d *Denoiser) freshNoise(shape shapes.Shape) *tensors.Tensor {
	seed := d.rng.Int63()
	return MustExecOnce(d.backend, func(g *Graph) *Node {
		state := Const(g, must.M1(RNGStateFromSeed(seed)))
		_, noise := RandomNormal(state, shape)
		return noise
	})
}

func (d *Denoiser) sliceRows(t *tensors.Tensor, lo, hi int) *tensors.Tensor {
	return MustExecOnce(d.backend, func(x *Node) *Node {
		specs := make([]SliceAxisSpec, x.Rank())
		specs[0] = AxisRange(lo, hi)
		for i := 1; i < x.Rank(); i++ {
			specs[i] = AxisRange()
		}
		return Slice(x, specs...)
	}, t)
}

func (d *Denoiser) concatRows(a, b *tensors.Tensor) *tensors.Tensor {
	return MustExecOnce(d.backend, func(x, y *Node) *Node {
		return Concatenate([]*Node{x, y}, 0)
	}, a, b)
}

// mergeActivations concatenates per-layer activations of the two half
// passes back into full-batch tensors.
func mergeActivations(subj, cls map[string]*tensors.Tensor, d *Denoiser) map[string]*tensors.Tensor {
	if subj == nil && cls == nil {
		return nil
	}
	merged := make(map[string]*tensors.Tensor, len(subj))
	for tag, s := range subj {
		if c, ok := cls[tag]; ok {
			merged[tag] = d.concatRows(s, c)
		} else {
			merged[tag] = s
		}
	}
	return merged
}

// TimestepsTensor packs per-row timesteps into the [B] int32 tensor shape
// NoisePredictor implementations expect.
func TimestepsTensor(ts []int) *tensors.Tensor {
	data := make([]int32, len(ts))
	for i, t := range ts {
		data[i] = int32(t)
	}
	return tensors.FromFlatDataAndDimensions(data, len(ts))
}

func maxInt(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}
