package denoise

import (
	"math"
	"math/rand"
)

// Per-step timestep windows, as ratios of the previous timestep. With k
// steps remaining, the window is [prev*loRatio^(1/k), prev*hiRatio^(1/k)],
// so a k-step chain contracts the timestep by an overall factor between
// loRatio and hiRatio regardless of k.
const (
	resampleLoRatio = 0.3
	resampleHiRatio = 0.8
)

// ResampleTimesteps draws the next per-row timesteps from the contracting
// window. remaining counts the steps still to run, including this one.
// Results are clamped to [1, prev-1], so they strictly decrease until they
// pin at 1.
func ResampleTimesteps(rng *rand.Rand, prev []int, remaining int) []int {
	if remaining < 1 {
		remaining = 1
	}
	next := make([]int, len(prev))
	exp := 1.0 / float64(remaining)
	for i, p := range prev {
		if p <= 1 {
			next[i] = 1
			continue
		}
		lo := float64(p) * math.Pow(resampleLoRatio, exp)
		hi := float64(p) * math.Pow(resampleHiRatio, exp)
		t := int(lo + rng.Float64()*(hi-lo))
		if t > p-1 {
			t = p - 1
		}
		if t < 1 {
			t = 1
		}
		next[i] = t
	}
	return next
}

// DrawTailTimesteps draws n timesteps uniformly from the last fifth of the
// schedule, [0.8*N, N). Fresh compositional iterations start there: at high
// noise the prompt dominates the layout, which is what compositional
// distillation wants to supervise.
func DrawTailTimesteps(rng *rand.Rand, n, numTimesteps int) []int {
	lo := int(0.8 * float64(numTimesteps))
	ts := make([]int, n)
	for i := range ts {
		ts[i] = lo + rng.Intn(numTimesteps-lo)
	}
	return ts
}

// DrawReuseTimesteps draws timesteps for an iteration that continues from a
// cached init condition: uniform in the middle band [0.4*N, 0.7*N), capped
// at 0.15*N below where the producing chain stopped.
func DrawReuseTimesteps(rng *rand.Rand, prev []int, numTimesteps int) []int {
	lo := int(0.4 * float64(numTimesteps))
	hi := int(0.7 * float64(numTimesteps))
	gap := int(0.15 * float64(numTimesteps))
	ts := make([]int, len(prev))
	for i, p := range prev {
		t := lo + rng.Intn(hi-lo)
		if upper := p - gap; t > upper {
			t = upper
		}
		if t < 1 {
			t = 1
		}
		ts[i] = t
	}
	return ts
}
