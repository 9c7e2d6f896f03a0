package registration

import (
	"strings"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/laserslam/pointcloud"
	"go.viam.com/laserslam/spatialmath"
)

// Matcher refines a relative pose guess between two clouds. Compute returns
// the pose that best maps points of the moving cloud onto the fixed cloud,
// or an error when no usable result could be produced. Callers own the
// policy for failed refinements.
type Matcher interface {
	Compute(moving, fixed pointcloud.PointCloud, guess spatialmath.Pose) (spatialmath.Pose, error)
}

// ICP is a point-to-point iterative closest point matcher. Correspondences
// are nearest neighbors in the fixed cloud, re-associated on every cost
// evaluation, and the transform is optimized over the pose chart with BFGS.
type ICP struct {
	cfg    Config
	logger golog.Logger
}

var _ = Matcher(&ICP{})

// NewICP returns an ICP matcher with the given configuration.
func NewICP(cfg Config, logger golog.Logger) *ICP {
	return &ICP{cfg: cfg, logger: logger}
}

// Compute implements Matcher.
func (icp *ICP) Compute(moving, fixed pointcloud.PointCloud, guess spatialmath.Pose) (spatialmath.Pose, error) {
	if moving.Size() == 0 || fixed.Size() == 0 {
		return spatialmath.Pose{}, errors.Errorf(
			"cannot register %d moving points against %d fixed points", moving.Size(), fixed.Size())
	}

	tree := pointcloud.ToKDTree(fixed)
	maxSq := icp.cfg.MaxCorrespondenceDistance * icp.cfg.MaxCorrespondenceDistance
	objective := func(x []float64) float64 {
		pose := spatialmath.Exp(x)
		var sum float64
		moving.Iterate(func(p r3.Vector) bool {
			_, dSq := tree.Nearest(pose.TransformPoint(p))
			if dSq > maxSq {
				dSq = maxSq
			}
			sum += dSq
			return true
		})
		return sum / float64(moving.Size())
	}
	problem := optimize.Problem{
		Func: objective,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, objective, x, nil)
		},
	}

	settings := &optimize.Settings{
		MajorIterations: icp.cfg.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   icp.cfg.Tolerance,
			Iterations: 10,
		},
	}
	x0 := spatialmath.Log(guess)
	res, err := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	// BFGS routinely ends with a linesearcher failure once the numeric
	// gradient flattens out near the optimum; the iterate is still usable.
	if err != nil && !strings.Contains(err.Error(), "linesearcher failure") {
		return spatialmath.Pose{}, errors.Wrap(err, "registration did not converge")
	}
	if res == nil {
		return spatialmath.Pose{}, errors.New("registration produced no result")
	}
	icp.logger.Debugw("registration finished",
		"cost", res.F,
		"evaluations", res.FuncEvaluations,
		"status", res.Status.String(),
	)
	return spatialmath.Exp(res.X), nil
}
