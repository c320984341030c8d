package adaface

import (
	"math"
	"strings"
	"testing"

	"github.com/askerlee/adaface/denoise"
	"github.com/askerlee/adaface/prompt"
	"github.com/askerlee/adaface/schedule"
	"github.com/askerlee/adaface/teacher"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSeqLen   = 6
	testEmbedDim = 4
	testH        = 4
	testW        = 4
)

// zeroPredictor predicts zero noise for any input and exposes one activation
// per batch row.
type zeroPredictor struct{}

func (zeroPredictor) PredictNoise(latents, ts, embs *tensors.Tensor,
	opts denoise.PredictOptions) (*denoise.Prediction, error) {
	b := latents.Shape().Dimensions[0]
	pred := &denoise.Prediction{
		Noise: tensors.FromFlatDataAndDimensions(make([]float32, b*testH*testW), b, testH, testW, 1),
	}
	if opts.CaptureActivations {
		pred.Activations = map[string]*tensors.Tensor{
			"xattn": tensors.FromFlatDataAndDimensions(make([]float32, b*2), b, 2),
		}
	}
	return pred, nil
}

// markerEncoder embeds each prompt deterministically from its length and
// marks the subject placeholder "<s>" at slots 1-2 and the class word
// "person" at slot 1.
type markerEncoder struct{}

func (markerEncoder) Encode(prompts []string) (*prompt.Encoding, error) {
	data := make([]float32, len(prompts)*testSeqLen*testEmbedDim)
	indices := make([][]int, len(prompts))
	for i, p := range prompts {
		for j := range data[i*testSeqLen*testEmbedDim : (i+1)*testSeqLen*testEmbedDim] {
			data[i*testSeqLen*testEmbedDim+j] = float32(len(p)%5) * 0.1
		}
		switch {
		case strings.Contains(p, "<s>"):
			indices[i] = []int{1, 2}
		case strings.Contains(p, "person"):
			indices[i] = []int{1}
		}
	}
	return &prompt.Encoding{
		Embeddings:     tensors.FromFlatDataAndDimensions(data, len(prompts), testSeqLen, testEmbedDim),
		SubjectIndices: indices,
	}, nil
}

func engineBatch(n int) *Batch {
	data := make([]float32, n*testH*testW)
	for i := range data {
		data[i] = float32(i%11) * 0.1
	}
	return &Batch{
		SubjectNames: repeatString("alice", n),
		Latents:      tensors.FromFlatDataAndDimensions(data, n, testH, testW, 1),
		Prompts: PromptVariants{
			Single:    repeatString("a photo of <s>", n),
			Comp:      repeatString("<s> riding a bike", n),
			ClsSingle: repeatString("a photo of a person", n),
			ClsComp:   repeatString("a person riding a bike", n),
		},
	}
}

func engineConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Backend:              graphtest.BuildTestBackend(),
		Student:              zeroPredictor{},
		Teacher:              zeroPredictor{},
		Encoder:              markerEncoder{},
		Filter:               teacher.NewDisabledFilter(),
		Seed:                 7,
		Sched:                schedule.DefaultConfig(),
		NumSubjectTokens:     2,
		NumTimesteps:         denoise.DefaultNumTimesteps,
		TotalSteps:           100,
		BgLossWeight:         0.1,
		CompCFGScale:         5.0,
		PerturbStd:           0.05,
		ReconLossBase:        0.2,
		DistillLossScaleBase: 1.0,
		CompLossScaleBase:    1.0,
		CacheSize:            10,
	}
	cfg.Sched.MaxDenoisingSteps = 2
	return cfg
}

func TestEngineTrainSteps(t *testing.T) {
	engine, err := NewEngine(engineConfig(t))
	require.NoError(t, err)

	seen := make(map[schedule.Mode]bool)
	for step := 0; step < 10; step++ {
		result, err := engine.TrainStep(engineBatch(4), step)
		require.NoErrorf(t, err, "step %d", step)
		seen[result.Flags.Mode] = true

		loss := float64(tensors.ToScalar[float32](result.Loss))
		assert.Falsef(t, math.IsNaN(loss) || math.IsInf(loss, 0), "step %d loss %g", step, loss)
		if result.Flags.Mode != schedule.ModeCompDistill {
			assert.NotEmptyf(t, result.Breakdown, "step %d", step)
		}
	}
	assert.True(t, seen[schedule.ModeNormalRecon])
	assert.True(t, seen[schedule.ModeTeacherDistill])
	assert.True(t, seen[schedule.ModeCompDistill])

	c := engine.Counters()
	assert.Equal(t, 10, c.ReconIters+c.TeacherDistillIters+c.CompIters)
}

func TestEngineFacelessDemotion(t *testing.T) {
	engine, err := NewEngine(engineConfig(t))
	require.NoError(t, err)

	batch := engineBatch(4)
	batch.FacelessCount = 3
	// Step 0 schedules compositional distillation; the faceless batch demotes
	// it to plain teacher distillation.
	result, err := engine.TrainStep(batch, 0)
	require.NoError(t, err)
	assert.Equal(t, schedule.ModeTeacherDistill, result.Flags.Mode)
	assert.False(t, result.Flags.DoTeacherFilter)
}

// thresholdScorer scores class candidates as well aligned and subject
// candidates as clearly worse, making every fresh candidate teachable.
type thresholdScorer struct{ next float64 }

func (s *thresholdScorer) Score(_ string, images *tensors.Tensor) ([]float64, error) {
	n := images.Shape().Dimensions[0]
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = s.next
	}
	s.next -= 0.1
	return scores, nil
}

type passthroughDecoder struct{}

func (passthroughDecoder) Decode(latents *tensors.Tensor) (*tensors.Tensor, error) {
	return latents, nil
}

func TestEngineTeachableCandidateIsCached(t *testing.T) {
	cfg := engineConfig(t)
	filter, err := teacher.NewFilter(&thresholdScorer{next: 0.25},
		passthroughDecoder{}, teacher.DefaultClipLossThreshold, teacher.DefaultMargin)
	require.NoError(t, err)
	cfg.Filter = filter
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	result, err := engine.TrainStep(engineBatch(4), 0)
	require.NoError(t, err)
	require.Equal(t, schedule.ModeCompDistill, result.Flags.Mode)
	require.NotNil(t, result.Verdict)
	assert.True(t, result.Verdict.Teachable)
	assert.True(t, engine.Cache().Has("alice"))
	assert.Equal(t, 1, result.Counters.TeachableIters)
}

func TestCacheSourceRow(t *testing.T) {
	layout := &prompt.Layout{BlockSize: 3, SeqLen: testSeqLen, EmbedDim: testEmbedDim}
	lo, hi := layout.Rows(prompt.SubjComp)
	for best := 0; best < layout.BlockSize; best++ {
		row := cacheSourceRow(layout, best)
		assert.Equal(t, lo+best, row)
		assert.GreaterOrEqual(t, row, lo)
		assert.Less(t, row, hi)
	}
}

func onesMask(n int) *tensors.Tensor {
	data := make([]float32, n*testH*testW)
	for i := range data {
		data[i] = 1
	}
	return tensors.FromFlatDataAndDimensions(data, n, testH, testW, 1)
}

func TestEngineReuseRestoresInitCondContext(t *testing.T) {
	cfg := engineConfig(t)
	cfg.Sched.CompIterGap = 1
	cfg.Sched.PReuseInitConds = 1.0
	filter, err := teacher.NewFilter(&thresholdScorer{next: 0.25},
		passthroughDecoder{}, teacher.DefaultClipLossThreshold, teacher.DefaultMargin)
	require.NoError(t, err)
	cfg.Filter = filter
	engine, err := NewEngine(cfg)
	require.NoError(t, err)

	batch := engineBatch(4)
	batch.ImgMask = onesMask(4)
	batch.FGMask = onesMask(4)

	result, err := engine.TrainStep(batch, 0)
	require.NoError(t, err)
	require.NotNil(t, result.Verdict)
	require.True(t, result.Verdict.Teachable)

	// The producing iteration records its masks and background-token choice
	// alongside the latent.
	entry, ok := engine.Cache().Take("alice")
	require.True(t, ok)
	require.NotNil(t, entry.ImgMask)
	require.NotNil(t, entry.FGMask)
	entry.UseBackgroundToken = true
	engine.Cache().Put("alice", entry)

	// The reuse iteration continues under the recorded context.
	result, err = engine.TrainStep(batch, 1)
	require.NoError(t, err)
	require.Equal(t, schedule.ModeCompDistill, result.Flags.Mode)
	require.True(t, result.Flags.ReuseInitConds)
	assert.True(t, result.Flags.UseBackgroundToken)
	loss := float64(tensors.ToScalar[float32](result.Loss))
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
}

func TestEngineConfigValidation(t *testing.T) {
	cfg := engineConfig(t)
	cfg.Filter = nil
	_, err := NewEngine(cfg)
	assert.ErrorContains(t, err, "filter")

	cfg = engineConfig(t)
	cfg.Student = nil
	_, err = NewEngine(cfg)
	assert.Error(t, err)
}
