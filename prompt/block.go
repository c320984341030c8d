// Package prompt builds the 4-way prompt block that conditions every
// compositional iteration: subject-single, subject-compositional,
// class-single and class-compositional prompts, encoded together and stacked
// along the batch axis so the denoiser can slice sub-blocks by row range.
package prompt

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Kind selects one of the four sub-blocks, in row order.
type Kind int

const (
	SubjSingle Kind = iota
	SubjComp
	ClsSingle
	ClsComp
	numKinds
)

// Layout describes the row structure of a Block.
type Layout struct {
	// BlockSize is the number of instances per sub-block.
	BlockSize int
	SeqLen    int
	EmbedDim  int
}

// NumRows is the total row count, always 4*BlockSize.
func (l Layout) NumRows() int { return int(numKinds) * l.BlockSize }

// Rows returns the half-open row range [lo, hi) of a sub-block.
func (l Layout) Rows(k Kind) (lo, hi int) {
	lo = int(k) * l.BlockSize
	return lo, lo + l.BlockSize
}

// Block is the encoded 4-way prompt block.
type Block struct {
	// Embeddings is shaped [4*BlockSize, SeqLen, EmbedDim], float32, with
	// rows ordered subject-single, subject-comp, class-single, class-comp.
	Embeddings *tensors.Tensor

	// SubjectIndices lists, per row, the token positions occupied by the
	// subject placeholder (or by the class word for class rows). A row
	// without the placeholder has an empty list; downstream delta losses
	// skip such rows.
	SubjectIndices [][]int

	Layout Layout
}

// SubBlockIndices returns the per-row placeholder positions of one sub-block.
func (b *Block) SubBlockIndices(k Kind) [][]int {
	lo, hi := b.Layout.Rows(k)
	return b.SubjectIndices[lo:hi]
}
