package prompt

import (
	"github.com/askerlee/adaface/aferr"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Encoding is the output of a text encoder for a list of prompts.
type Encoding struct {
	// Embeddings is [numPrompts, seqLen, embedDim], float32.
	Embeddings *tensors.Tensor

	// SubjectIndices[i] lists the token positions of the subject placeholder
	// (or class word) in prompt i. Empty when the prompt has no occurrence.
	SubjectIndices [][]int
}

// TextEncoder encodes prompts into per-token embeddings. Implementations
// wrap a frozen CLIP-style text model.
type TextEncoder interface {
	Encode(prompts []string) (*Encoding, error)
}

// EncodingFromFloat16 builds an Encoding from raw half-float encoder output,
// as emitted by checkpoints stored in fp16.
func EncodingFromFloat16(raw []uint16, indices [][]int, numPrompts, seqLen, embedDim int) (*Encoding, error) {
	want := numPrompts * seqLen * embedDim
	if len(raw) != want {
		return nil, aferr.Configf("prompt", "fp16 payload has %d values, want %d*%d*%d=%d",
			len(raw), numPrompts, seqLen, embedDim, want)
	}
	data := make([]float32, len(raw))
	for i, h := range raw {
		data[i] = float16.Frombits(h).Float32()
	}
	return &Encoding{
		Embeddings:     tensors.FromFlatDataAndDimensions(data, numPrompts, seqLen, embedDim),
		SubjectIndices: indices,
	}, nil
}

// Builder assembles 4-way prompt blocks.
type Builder struct {
	enc TextEncoder

	// numSubjectTokens is M, the number of token slots the subject
	// placeholder expands to.
	numSubjectTokens int
}

// NewBuilder creates a Builder. numSubjectTokens is the expansion width M of
// the subject placeholder.
func NewBuilder(enc TextEncoder, numSubjectTokens int) (*Builder, error) {
	if enc == nil {
		return nil, aferr.Configf("prompt", "text encoder is nil")
	}
	if numSubjectTokens < 1 {
		return nil, aferr.Configf("prompt", "numSubjectTokens must be >= 1, got %d", numSubjectTokens)
	}
	return &Builder{enc: enc, numSubjectTokens: numSubjectTokens}, nil
}

// Build encodes the four prompt lists in one encoder call and stacks them
// into a Block. The class sub-blocks get their single class-token embedding
// redistributed across the M subject slots, so subject and class rows align
// token-for-token for the delta losses.
//
// All four lists must have the same non-zero length. A prompt without the
// placeholder keeps an empty index list and is skipped by redistribution.
func (b *Builder) Build(subjSingle, subjComp, clsSingle, clsComp []string) (*Block, error) {
	blockSize := len(subjSingle)
	if blockSize == 0 {
		return nil, aferr.Configf("prompt", "empty prompt block")
	}
	if len(subjComp) != blockSize || len(clsSingle) != blockSize || len(clsComp) != blockSize {
		return nil, aferr.Configf("prompt", "sub-block sizes differ: %d/%d/%d/%d",
			blockSize, len(subjComp), len(clsSingle), len(clsComp))
	}

	all := make([]string, 0, int(numKinds)*blockSize)
	all = append(all, subjSingle...)
	all = append(all, subjComp...)
	all = append(all, clsSingle...)
	all = append(all, clsComp...)

	enc, err := b.enc.Encode(all)
	if err != nil {
		return nil, err
	}
	if len(enc.SubjectIndices) != len(all) {
		return nil, aferr.Configf("prompt", "encoder returned %d index lists for %d prompts",
			len(enc.SubjectIndices), len(all))
	}
	shape := enc.Embeddings.Shape()
	if shape.Rank() != 3 || shape.Dimensions[0] != len(all) {
		return nil, aferr.Configf("prompt", "encoder output shape %s, want [%d, seq, embed]",
			shape, len(all))
	}
	if shape.DType != dtypes.Float32 {
		return nil, aferr.Configf("prompt", "encoder output dtype %s, want float32", shape.DType)
	}

	layout := Layout{
		BlockSize: blockSize,
		SeqLen:    shape.Dimensions[1],
		EmbedDim:  shape.Dimensions[2],
	}
	block := &Block{
		Embeddings:     b.redistributeClassEmbeddings(enc, layout),
		SubjectIndices: enc.SubjectIndices,
		Layout:         layout,
	}
	return block, nil
}

// redistributeClassEmbeddings copies, for each class row, the class-token
// embedding into every subject slot of the paired subject row. The class
// word encodes to one token while the subject occupies M, so without this
// the two sub-blocks would disagree on which slots carry identity.
func (b *Builder) redistributeClassEmbeddings(enc *Encoding, layout Layout) *tensors.Tensor {
	data := tensors.MustCopyFlatData[float32](enc.Embeddings)
	rowStride := layout.SeqLen * layout.EmbedDim

	for _, pair := range []struct{ subjKind, clsKind Kind }{
		{SubjSingle, ClsSingle},
		{SubjComp, ClsComp},
	} {
		subjLo, _ := layout.Rows(pair.subjKind)
		clsLo, _ := layout.Rows(pair.clsKind)
		for i := 0; i < layout.BlockSize; i++ {
			subjSlots := enc.SubjectIndices[subjLo+i]
			clsSlots := enc.SubjectIndices[clsLo+i]
			if len(subjSlots) == 0 || len(clsSlots) == 0 {
				klog.V(2).Infof("prompt: row %d has no placeholder, skipping redistribution", clsLo+i)
				continue
			}
			if len(subjSlots) > b.numSubjectTokens {
				subjSlots = subjSlots[:b.numSubjectTokens]
			}
			row := (clsLo + i) * rowStride
			src := row + clsSlots[0]*layout.EmbedDim
			for _, slot := range subjSlots {
				dst := row + slot*layout.EmbedDim
				if dst == src {
					continue
				}
				copy(data[dst:dst+layout.EmbedDim], data[src:src+layout.EmbedDim])
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(data,
		layout.NumRows(), layout.SeqLen, layout.EmbedDim)
}
