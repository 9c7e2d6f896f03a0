package posegraph

import (
	"go.viam.com/laserslam/spatialmath"
)

// Factor constrains the variables of an expression to match a measured pose
// under a noise model. The residual is the chart delta from the measurement
// to the evaluated expression, so it is zero when they agree exactly.
type Factor struct {
	noise    NoiseModel
	measured spatialmath.Pose
	expr     Expression
	keys     []Key
}

// NewExpressionFactor returns a factor tying expr to the measured pose.
func NewExpressionFactor(noise NoiseModel, measured spatialmath.Pose, expr Expression) *Factor {
	return &Factor{
		noise:    noise,
		measured: measured,
		expr:     expr,
		keys:     expr.Keys(),
	}
}

// Keys returns the variable keys the factor constrains.
func (f *Factor) Keys() []Key {
	return f.keys
}

// Measured returns the measurement the factor was built with.
func (f *Factor) Measured() spatialmath.Pose {
	return f.measured
}

// UnwhitenedError returns the raw residual of the factor under the given
// values.
func (f *Factor) UnwhitenedError(v Values) ([]float64, error) {
	p, err := f.expr.Evaluate(v)
	if err != nil {
		return nil, err
	}
	return spatialmath.Delta(f.measured, p), nil
}

// Error returns half the squared whitened residual norm.
func (f *Factor) Error(v Values) (float64, error) {
	r, err := f.UnwhitenedError(v)
	if err != nil {
		return 0, err
	}
	e := f.noise.Whiten(r)
	var sum float64
	for _, val := range e {
		sum += val * val
	}
	return 0.5 * sum, nil
}
