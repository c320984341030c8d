package main

import (
	"hash/fnv"
	"math/rand"
	"strings"

	"github.com/askerlee/adaface/prompt"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// subjectPlaceholder is the token the demo prompts use for the subject; the
// encoder expands it to numSubjectTokens embedding slots.
const subjectPlaceholder = "<subj>"

// hashEncoder is a deterministic stand-in for a frozen text encoder: each
// word hashes to a fixed pseudo-random embedding. It preserves the
// structural contract the engine cares about (stable per-token embeddings,
// placeholder expansion, index reporting) without any model weights.
type hashEncoder struct {
	seqLen           int
	embedDim         int
	numSubjectTokens int
}

func newHashEncoder(seqLen, embedDim, numSubjectTokens int) *hashEncoder {
	return &hashEncoder{seqLen: seqLen, embedDim: embedDim, numSubjectTokens: numSubjectTokens}
}

func (e *hashEncoder) Encode(prompts []string) (*prompt.Encoding, error) {
	data := make([]float32, len(prompts)*e.seqLen*e.embedDim)
	indices := make([][]int, len(prompts))

	for pi, p := range prompts {
		slot := 0
		for _, word := range strings.Fields(p) {
			if slot >= e.seqLen {
				break
			}
			if word == subjectPlaceholder {
				for k := 0; k < e.numSubjectTokens && slot < e.seqLen; k++ {
					indices[pi] = append(indices[pi], slot)
					e.embedWord(data, pi, slot, word, k)
					slot++
				}
				continue
			}
			e.embedWord(data, pi, slot, word, 0)
			slot++
		}
	}
	return &prompt.Encoding{
		Embeddings:     tensors.FromFlatDataAndDimensions(data, len(prompts), e.seqLen, e.embedDim),
		SubjectIndices: indices,
	}, nil
}

func (e *hashEncoder) embedWord(data []float32, promptIdx, slot int, word string, variant int) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(word))
	_, _ = h.Write([]byte{byte(variant)})
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	off := (promptIdx*e.seqLen + slot) * e.embedDim
	for i := 0; i < e.embedDim; i++ {
		data[off+i] = float32(rng.NormFloat64())
	}
}
