package adaface

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/askerlee/adaface/aferr"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"golang.org/x/exp/maps"
)

// LossAggregator collects the named scalar losses of one training step,
// checks each for finiteness the moment it is added, and produces the
// scaled total plus a per-loss breakdown for logging.
type LossAggregator struct {
	backend backends.Backend
	step    int

	names  []string
	losses []*tensors.Tensor
	scales []float64
	values map[string]float64
}

// NewLossAggregator creates an aggregator for one step.
func NewLossAggregator(backend backends.Backend, step int) *LossAggregator {
	return &LossAggregator{
		backend: backend,
		step:    step,
		values:  make(map[string]float64),
	}
}

// Add registers a scalar float32 loss with its scale factor. A NaN or Inf
// value aborts the step immediately with a *NumericalInstabilityError: a
// non-finite loss must never reach the optimizer.
func (a *LossAggregator) Add(name string, loss *tensors.Tensor, scale float64) error {
	if !loss.Shape().IsScalar() {
		return aferr.Configf("loss", "%q has shape %s, want a scalar", name, loss.Shape())
	}
	v := float64(tensors.ToScalar[float32](loss))
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return aferr.NonFinite(name, a.step, v)
	}
	a.names = append(a.names, name)
	a.losses = append(a.losses, loss)
	a.scales = append(a.scales, scale)
	a.values[name] = v
	return nil
}

// Total returns the scale-weighted sum as a scalar tensor. An aggregator
// with no losses totals zero.
func (a *LossAggregator) Total() *tensors.Tensor {
	total := tensors.FromScalar[float32](0)
	for i, loss := range a.losses {
		scale := a.scales[i]
		total = MustExecOnce(a.backend, func(acc, l *Node) *Node {
			return Add(acc, MulScalar(l, scale))
		}, total, loss)
	}
	return total
}

// Breakdown returns the unscaled per-loss values.
func (a *LossAggregator) Breakdown() map[string]float64 {
	return maps.Clone(a.values)
}

// String renders the breakdown in name order, for logging.
func (a *LossAggregator) String() string {
	names := maps.Keys(a.values)
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%.4g", name, a.values[name])
	}
	return strings.Join(parts, " ")
}

// DynLossScale adapts a loss scale to the observed loss magnitude: the
// ratio to the calibration base, clipped to [1, 3], times scaleBase. Losses
// that start large early in training get proportionally more weight without
// ever exploding the scale.
func DynLossScale(loss, base, scaleBase float64) float64 {
	ratio := loss / base
	if ratio < 1 {
		ratio = 1
	} else if ratio > 3 {
		ratio = 3
	}
	return scaleBase * ratio
}
