package posegraph

import (
	"math"

	"github.com/pkg/errors"
)

// PoseDim is the dimension of a pose residual: three translation components
// followed by three rotation components.
const PoseDim = 6

// NoiseModel scales factor residuals. Weights returns the per-component row
// multipliers for a given raw residual; Whiten applies them. For Gaussian
// models the weights are constant; robust models additionally down-weight
// large residuals.
type NoiseModel interface {
	Dim() int
	Weights(r []float64) []float64
	Whiten(r []float64) []float64
}

type diagonalNoise struct {
	invSigmas []float64
}

// NewDiagonalNoise returns a Gaussian noise model with independent standard
// deviations per residual component, translation first.
func NewDiagonalNoise(sigmas []float64) (NoiseModel, error) {
	if len(sigmas) != PoseDim {
		return nil, errors.Errorf("expected %d noise sigmas, got %d", PoseDim, len(sigmas))
	}
	inv := make([]float64, len(sigmas))
	for i, s := range sigmas {
		if s <= 0 {
			return nil, errors.Errorf("noise sigmas must be positive, got %v at index %d", s, i)
		}
		inv[i] = 1 / s
	}
	return &diagonalNoise{invSigmas: inv}, nil
}

func (n *diagonalNoise) Dim() int {
	return len(n.invSigmas)
}

func (n *diagonalNoise) Weights(r []float64) []float64 {
	out := make([]float64, len(n.invSigmas))
	copy(out, n.invSigmas)
	return out
}

func (n *diagonalNoise) Whiten(r []float64) []float64 {
	out := make([]float64, len(r))
	for i, v := range r {
		out[i] = n.invSigmas[i] * v
	}
	return out
}

type cauchyNoise struct {
	k    float64
	base NoiseModel
}

// NewCauchyNoise wraps a base model with a Cauchy robust estimator of scale
// k. Residuals much larger than k contribute progressively less, which keeps
// a single bad constraint from dragging the whole solution.
func NewCauchyNoise(k float64, base NoiseModel) (NoiseModel, error) {
	if k <= 0 {
		return nil, errors.Errorf("cauchy scale must be positive, got %v", k)
	}
	return &cauchyNoise{k: k, base: base}, nil
}

func (n *cauchyNoise) Dim() int {
	return n.base.Dim()
}

func (n *cauchyNoise) Weights(r []float64) []float64 {
	e := n.base.Whiten(r)
	var normSq float64
	for _, v := range e {
		normSq += v * v
	}
	s := math.Sqrt(1 / (1 + normSq/(n.k*n.k)))
	out := n.base.Weights(r)
	for i := range out {
		out[i] *= s
	}
	return out
}

func (n *cauchyNoise) Whiten(r []float64) []float64 {
	w := n.Weights(r)
	out := make([]float64, len(r))
	for i, v := range r {
		out[i] = w[i] * v
	}
	return out
}
