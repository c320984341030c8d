package schedule

import (
	"math/rand"

	"github.com/gomlx/exceptions"
)

// AnnealedValue linearly ramps from lo at progress 0 to hi at progress knee,
// and stays clamped at hi afterwards. progress is the fraction of training
// done, in [0, 1]. lo may be larger than hi, in which case the ramp descends.
func AnnealedValue(progress, knee, lo, hi float64) float64 {
	if knee <= 0 {
		exceptions.Panicf("schedule: annealing knee must be > 0, got %g", knee)
	}
	if progress <= 0 {
		return lo
	}
	if progress >= knee {
		return hi
	}
	return lo + (hi-lo)*progress/knee
}

// BernoulliAnnealed draws a biased coin whose probability of true is
// AnnealedValue(progress, knee, pLo, pHi).
func BernoulliAnnealed(rng *rand.Rand, progress, knee, pLo, pHi float64) bool {
	return rng.Float64() < AnnealedValue(progress, knee, pLo, pHi)
}

// AnnealedWeights blends two weight vectors of the same length:
// begin at progress 0, end at progress >= knee, linear in between.
func AnnealedWeights(progress, knee float64, begin, end []float64) []float64 {
	if len(begin) != len(end) {
		exceptions.Panicf("schedule: annealed weight vectors have mismatched lengths %d != %d",
			len(begin), len(end))
	}
	blended := make([]float64, len(begin))
	for i := range begin {
		blended[i] = AnnealedValue(progress, knee, begin[i], end[i])
	}
	return blended
}
