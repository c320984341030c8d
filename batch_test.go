package adaface

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatch(t *testing.T, n int) *Batch {
	t.Helper()
	data := make([]float32, n*2*2*1)
	for i := range data {
		data[i] = float32(i)
	}
	names := make([]string, n)
	single := make([]string, n)
	comp := make([]string, n)
	for i := range names {
		names[i] = string(rune('a' + i))
		single[i] = "single " + names[i]
		comp[i] = "comp " + names[i]
	}
	return &Batch{
		SubjectNames: names,
		Latents:      tensors.FromFlatDataAndDimensions(data, n, 2, 2, 1),
		Prompts: PromptVariants{
			Single:    single,
			Comp:      comp,
			ClsSingle: repeatString("cls single", n),
			ClsComp:   repeatString("cls comp", n),
		},
	}
}

func TestBatchValidate(t *testing.T) {
	b := testBatch(t, 3)
	require.NoError(t, b.Validate())

	assert.Error(t, (&Batch{}).Validate())

	b = testBatch(t, 3)
	b.Latents = tensors.FromFlatDataAndDimensions(make([]float32, 2*2*2), 2, 2, 2, 1)
	assert.Error(t, b.Validate())

	b = testBatch(t, 3)
	b.Prompts.Single = b.Prompts.Single[:1]
	assert.Error(t, b.Validate())
}

func TestBatchRepeatFirst(t *testing.T) {
	b := testBatch(t, 3)
	r := b.RepeatFirst()
	assert.Equal(t, []string{"a", "a", "a"}, r.SubjectNames)
	assert.Equal(t, []string{"single a", "single a", "single a"}, r.Prompts.Single)

	data := tensors.MustCopyFlatData[float32](r.Latents)
	row0 := data[:4]
	assert.Equal(t, []float32{0, 1, 2, 3}, row0)
	assert.Equal(t, row0, data[4:8])
	assert.Equal(t, row0, data[8:12])
	// The source batch is untouched.
	assert.Equal(t, []string{"a", "b", "c"}, b.SubjectNames)
}

func TestBatchTruncate(t *testing.T) {
	b := testBatch(t, 4)
	b.FacelessCount = 3
	tr := b.Truncate(2)
	assert.Equal(t, 2, tr.Size())
	assert.Equal(t, []string{"a", "b"}, tr.SubjectNames)
	assert.Equal(t, []int{2, 2, 2, 1}, tr.Latents.Shape().Dimensions)
	assert.Equal(t, 2, tr.FacelessCount)

	// Truncating to the current size or larger is a no-op.
	assert.Same(t, b, b.Truncate(4))
	assert.Same(t, b, b.Truncate(10))
}

func TestPromptVariantsSelect(t *testing.T) {
	p := &PromptVariants{
		Single:    []string{"plain single"},
		Comp:      []string{"plain comp"},
		ClsSingle: []string{"cls single"},
		ClsComp:   []string{"cls comp"},
		FPSingle:  []string{"fp single"},
		FPComp:    []string{"fp comp"},
		BGSingle:  []string{"bg single"},
	}

	single, comp, _, _ := p.Select(false, false)
	assert.Equal(t, "plain single", single[0])
	assert.Equal(t, "plain comp", comp[0])

	single, comp, _, _ = p.Select(true, false)
	assert.Equal(t, "fp single", single[0])
	assert.Equal(t, "fp comp", comp[0])

	// BG replaces the single prompt; the comp prompt falls back when no BG
	// comp variant exists.
	single, comp, _, _ = p.Select(false, true)
	assert.Equal(t, "bg single", single[0])
	assert.Equal(t, "plain comp", comp[0])

	// Missing FP variants fall back to plain.
	q := &PromptVariants{Single: []string{"s"}, Comp: []string{"c"}}
	single, comp, _, _ = q.Select(true, true)
	assert.Equal(t, "s", single[0])
	assert.Equal(t, "c", comp[0])
}
