// Command adaface_train runs the training-iteration engine end to end on a
// self-contained demo setup: a compact U-Net student, a frozen U-Net
// teacher and a deterministic hash-based text encoder. It exists to
// exercise and profile the iteration scheduling, denoising chains and loss
// plumbing without external model checkpoints; swap in real predictors, an
// actual CLIP encoder and an enabled filter for production training.
package main

import (
	"flag"
	"fmt"
	"math/rand"

	"github.com/askerlee/adaface"
	"github.com/askerlee/adaface/teacher"
	"github.com/askerlee/adaface/unet"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagSteps      = flag.Int("steps", 200, "Number of training steps to run.")
	flagBatchSize  = flag.Int("batch", 4, "Batch size.")
	flagLatentSize = flag.Int("latent_size", 16, "Spatial size of the square latents.")
	flagChannels   = flag.Int("channels", 4, "Latent channels.")
	flagSeed       = flag.Int64("data_seed", 1, "Seed for the synthetic data stream.")
	flagReport     = flag.Int("report_every", 50, "Steps between loss reports.")
)

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())

	cfg := adaface.NewConfig(backend, ctx)
	cfg.Student = unet.NewPredictor(backend, ctx.In("student"))
	cfg.Teacher = unet.NewPredictor(backend, ctx.In("teacher"))
	cfg.Encoder = newHashEncoder(77, 64, cfg.NumSubjectTokens)
	cfg.Filter = teacher.NewDisabledFilter()
	cfg.TotalSteps = *flagSteps

	engine := must.M1(adaface.NewEngine(cfg))
	stream := newSyntheticStream(*flagSeed, *flagBatchSize, *flagLatentSize, *flagChannels)

	bar := progressbar.Default(int64(*flagSteps), "training")
	err := exceptions.TryCatch[error](func() {
		for step := 0; step < *flagSteps; step++ {
			result := must.M1(engine.TrainStep(stream.next(), step))
			_ = bar.Add(1)
			if (step+1)%*flagReport == 0 {
				loss := tensors.ToScalar[float32](result.Loss)
				klog.Infof("step %d: mode=%s loss=%.5f breakdown=%v",
					step, result.Flags.Mode, loss, result.Breakdown)
			}
		}
	})
	if err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}

	counters := engine.Counters()
	fmt.Printf("\nIterations: recon=%d distill=%d comp=%d (reuse=%d, filtered=%d)\n",
		counters.ReconIters, counters.TeacherDistillIters, counters.CompIters,
		counters.CompReuseIters, counters.TeacherFilterIters)
	fmt.Printf("Init-condition cache: %d entries\n", engine.Cache().Len())
}

func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	for key, value := range map[string]any{
		"seed":                 int(42),
		"train_steps":          200,
		"unet_channels":        []int{16, 32},
		"unet_residual_blocks": 1,
	} {
		ctx.SetParam(key, value)
	}
	return ctx
}

// syntheticStream yields random subject batches. Good enough to drive every
// code path of the engine; real training replaces it with a VAE-encoded
// image pipeline.
type syntheticStream struct {
	rng        *rand.Rand
	batchSize  int
	latentSize int
	channels   int
	subjects   []string
}

func newSyntheticStream(seed int64, batchSize, latentSize, channels int) *syntheticStream {
	return &syntheticStream{
		rng:        rand.New(rand.NewSource(seed)),
		batchSize:  batchSize,
		latentSize: latentSize,
		channels:   channels,
		subjects:   []string{"subject_a", "subject_b", "subject_c"},
	}
}

func (s *syntheticStream) next() *adaface.Batch {
	subject := s.subjects[s.rng.Intn(len(s.subjects))]
	n := s.batchSize * s.latentSize * s.latentSize * s.channels
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(s.rng.NormFloat64())
	}
	names := make([]string, s.batchSize)
	single := make([]string, s.batchSize)
	comp := make([]string, s.batchSize)
	clsSingle := make([]string, s.batchSize)
	clsComp := make([]string, s.batchSize)
	fpSingle := make([]string, s.batchSize)
	fpComp := make([]string, s.batchSize)
	for i := range names {
		names[i] = subject
		single[i] = "a photo of <subj>"
		comp[i] = "a photo of <subj> riding a bicycle in paris"
		clsSingle[i] = "a photo of <subj> person"
		clsComp[i] = "a photo of <subj> person riding a bicycle in paris"
		fpSingle[i] = "a face portrait of <subj>"
		fpComp[i] = "a face portrait of <subj> riding a bicycle in paris"
	}
	return &adaface.Batch{
		SubjectNames: names,
		Latents: tensors.FromFlatDataAndDimensions(data,
			s.batchSize, s.latentSize, s.latentSize, s.channels),
		Prompts: adaface.PromptVariants{
			Single:      single,
			Comp:        comp,
			ClsSingle:   clsSingle,
			ClsComp:     clsComp,
			FPSingle:    fpSingle,
			FPComp:      fpComp,
			FPClsSingle: clsSingle,
			FPClsComp:   clsComp,
		},
	}
}
