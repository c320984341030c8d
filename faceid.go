package adaface

import (
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// PerturbSubjectTokens adds norm-preserving gaussian noise to the subject
// token slots of prompt embeddings [N, seq, embed]. Distillation iterations
// use it to keep the student from overfitting one exact identity embedding:
// the perturbed embedding still decodes to the same person, and the teacher
// sees the identical perturbation.
//
// indices lists the perturbed token positions per row; rows with an empty
// list are untouched. std is relative to each slot's own norm.
func PerturbSubjectTokens(rng *rand.Rand, embs *tensors.Tensor, indices [][]int, std float64) *tensors.Tensor {
	if std <= 0 {
		return embs
	}
	dims := embs.Shape().Dimensions
	seqLen, embedDim := dims[1], dims[2]
	data := tensors.MustCopyFlatData[float32](embs)

	for row, slots := range indices {
		if row >= dims[0] {
			break
		}
		for _, slot := range slots {
			if slot < 0 || slot >= seqLen {
				continue
			}
			off := (row*seqLen + slot) * embedDim
			vec := data[off : off+embedDim]
			oldNorm := norm32(vec)
			if oldNorm == 0 {
				continue
			}
			for i := range vec {
				vec[i] += float32(rng.NormFloat64() * std * float64(oldNorm) / math.Sqrt(float64(embedDim)))
			}
			rescale := oldNorm / norm32(vec)
			for i := range vec {
				vec[i] *= rescale
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func norm32(vec []float32) float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum))
}
