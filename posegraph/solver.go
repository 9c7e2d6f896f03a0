package posegraph

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/laserslam/spatialmath"
)

// Params configures the incremental solver.
type Params struct {
	// Damping is the initial diagonal boost applied when the normal
	// equations cannot be factorized, growing tenfold per retry.
	Damping float64

	// StepTolerance is the largest chart step considered converged; a
	// whole-graph step below it is not applied.
	StepTolerance float64
}

// DefaultParams returns the solver parameters used in production.
func DefaultParams() Params {
	return Params{Damping: 1e-6, StepTolerance: 1e-3}
}

const maxDampingRetries = 5

// IncrementalSolver keeps a growing factor graph together with its current
// solution and refines the solution by one damped Gauss-Newton step per
// update. It is not internally synchronized; the owning coordinator
// serializes access.
type IncrementalSolver struct {
	params Params
	graph  *Graph
	values Values
}

var _ = Solver(&IncrementalSolver{})

// NewIncrementalSolver returns an empty solver.
func NewIncrementalSolver(params Params) *IncrementalSolver {
	return &IncrementalSolver{params: params, graph: NewGraph(), values: Values{}}
}

// Update validates and commits the submitted factors, values and removals,
// then performs one optimization step. All validation happens before any
// state changes: a duplicate value key, a factor referencing an unknown key
// or an out-of-range removal index leaves the solver untouched.
func (s *IncrementalSolver) Update(newFactors *Graph, newValues Values, removeIndices []int) (Result, error) {
	var res Result

	for _, idx := range removeIndices {
		if idx < 0 || idx >= s.graph.Len() {
			return res, errors.Errorf("cannot remove factor %d, graph has %d slots", idx, s.graph.Len())
		}
	}
	for _, k := range newValues.SortedKeys() {
		if _, ok := s.values[k]; ok {
			return res, errors.Errorf("value for key %s already exists", k)
		}
	}
	var incoming []*Factor
	if newFactors != nil {
		incoming = newFactors.Factors()
	}
	for _, f := range incoming {
		for _, k := range f.Keys() {
			if _, ok := s.values[k]; ok {
				continue
			}
			if _, ok := newValues[k]; ok {
				continue
			}
			return res, errors.Errorf("factor references unknown key %s", k)
		}
	}

	for _, idx := range removeIndices {
		if err := s.graph.Remove(idx); err != nil {
			return res, err
		}
	}
	for k, p := range newValues {
		s.values[k] = p
	}
	for _, f := range incoming {
		res.NewFactorIndices = append(res.NewFactorIndices, s.graph.Add(f))
	}

	var err error
	if res.ErrorBefore, err = s.totalError(); err != nil {
		return res, err
	}
	if err := s.iterate(); err != nil {
		return res, err
	}
	if res.ErrorAfter, err = s.totalError(); err != nil {
		return res, err
	}
	return res, nil
}

// CalculateEstimate returns a copy of the current solution.
func (s *IncrementalSolver) CalculateEstimate() Values {
	return s.values.Copy()
}

func (s *IncrementalSolver) totalError() (float64, error) {
	var sum float64
	for _, f := range s.graph.Factors() {
		e, err := f.Error(s.values)
		if err != nil {
			return 0, err
		}
		sum += e
	}
	return sum, nil
}

// iterate performs one damped Gauss-Newton step over the whole graph.
// Jacobians are taken numerically on the pose chart and row-scaled by the
// noise weights frozen at the current residual, so robust models act as
// iteratively reweighted least squares.
func (s *IncrementalSolver) iterate() error {
	factors := s.graph.Factors()
	if len(factors) == 0 || len(s.values) == 0 {
		return nil
	}

	keys := s.values.SortedKeys()
	offsets := make(map[Key]int, len(keys))
	for i, k := range keys {
		offsets[k] = i * PoseDim
	}
	n := len(keys) * PoseDim

	ata := make([]float64, n*n)
	atb := make([]float64, n)
	for _, f := range factors {
		r, err := f.UnwhitenedError(s.values)
		if err != nil {
			return err
		}
		w := f.noise.Weights(r)
		jac, err := s.factorJacobian(f)
		if err != nil {
			return err
		}

		fkeys := f.Keys()
		cols := make([]int, 0, len(fkeys)*PoseDim)
		for _, k := range fkeys {
			base := offsets[k]
			for d := 0; d < PoseDim; d++ {
				cols = append(cols, base+d)
			}
		}
		for row := 0; row < PoseDim; row++ {
			e := w[row] * r[row]
			for ci, colI := range cols {
				gi := w[row] * jac.At(row, ci)
				if gi == 0 {
					continue
				}
				atb[colI] -= gi * e
				for cj, colJ := range cols {
					ata[colI*n+colJ] += gi * w[row] * jac.At(row, cj)
				}
			}
		}
	}

	delta, err := s.solveNormalEquations(n, ata, atb)
	if err != nil {
		return err
	}

	maxStep := 0.0
	for _, v := range delta {
		if a := math.Abs(v); a > maxStep {
			maxStep = a
		}
	}
	if maxStep < s.params.StepTolerance {
		return nil
	}
	for _, k := range keys {
		off := offsets[k]
		s.values[k] = spatialmath.Retract(s.values[k], delta[off:off+PoseDim])
	}
	return nil
}

// factorJacobian computes the numeric Jacobian of the factor's unwhitened
// residual with respect to chart perturbations of its variables, stacked in
// key order.
func (s *IncrementalSolver) factorJacobian(f *Factor) (*mat.Dense, error) {
	fkeys := f.Keys()
	cols := len(fkeys) * PoseDim

	base := make([]spatialmath.Pose, len(fkeys))
	for i, k := range fkeys {
		base[i] = s.values[k]
	}
	defer func() {
		for i, k := range fkeys {
			s.values[k] = base[i]
		}
	}()

	var evalErr error
	fn := func(y, x []float64) {
		for i, k := range fkeys {
			s.values[k] = spatialmath.Retract(base[i], x[i*PoseDim:(i+1)*PoseDim])
		}
		r, err := f.UnwhitenedError(s.values)
		if err != nil {
			if evalErr == nil {
				evalErr = err
			}
			r = make([]float64, PoseDim)
		}
		copy(y, r)
	}
	jac := mat.NewDense(PoseDim, cols, nil)
	fd.Jacobian(jac, fn, make([]float64, cols), &fd.JacobianSettings{Formula: fd.Central})
	return jac, evalErr
}

func (s *IncrementalSolver) solveNormalEquations(n int, ata, atb []float64) ([]float64, error) {
	rhs := mat.NewVecDense(n, atb)
	delta := mat.NewVecDense(n, nil)
	lambda := s.params.Damping
	for attempt := 0; ; attempt++ {
		var chol mat.Cholesky
		if chol.Factorize(mat.NewSymDense(n, ata)) {
			if err := chol.SolveVecTo(delta, rhs); err == nil {
				return delta.RawVector().Data, nil
			}
		}
		if attempt >= maxDampingRetries {
			return nil, errors.New("normal equations could not be factorized")
		}
		for i := 0; i < n; i++ {
			ata[i*n+i] += lambda
		}
		lambda *= 10
	}
}
