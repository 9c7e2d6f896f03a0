package estimation

import (
	"fmt"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/laserslam/posegraph"
	"go.viam.com/laserslam/trajectory"
)

// Config holds the estimator's parameters.
type Config struct {
	// NumWorkers is the number of tracks sharing the graph.
	NumWorkers int `json:"num_workers"`

	LoopClosureNoiseSigmas   []float64 `json:"loop_closure_noise_sigmas"`
	MEstimatorOnLoopClosures bool      `json:"m_estimator_on_loop_closures"`

	// ICPOnLoopClosures refines each loop closure transform against
	// sub-maps built around its endpoints before it enters the graph.
	ICPOnLoopClosures bool `json:"icp_on_loop_closures"`

	// SubMapRadiusScans is the node-index radius of those sub-maps.
	SubMapRadiusScans int `json:"sub_map_radius_scans"`

	// ICPConfigPath points at the registration descriptor file; when it
	// cannot be read the built-in defaults apply.
	ICPConfigPath string `json:"icp_config_path"`

	Track trajectory.Config `json:"track"`
}

// DefaultConfig returns the estimator parameters used in production.
func DefaultConfig() Config {
	return Config{
		NumWorkers:               1,
		LoopClosureNoiseSigmas:   []float64{0.7, 0.7, 0.7, 0.12, 0.12, 0.12},
		MEstimatorOnLoopClosures: true,
		SubMapRadiusScans:        3,
		Track:                    trajectory.DefaultConfig(),
	}
}

// Validate ensures all parts of the config are valid.
func (c Config) Validate(path string) error {
	if c.NumWorkers < 1 {
		return goutils.NewConfigValidationError(path, errors.New("num_workers must be at least 1"))
	}
	if len(c.LoopClosureNoiseSigmas) != posegraph.PoseDim {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("loop_closure_noise_sigmas must have %d entries, got %d",
				posegraph.PoseDim, len(c.LoopClosureNoiseSigmas)))
	}
	if c.SubMapRadiusScans < 0 {
		return goutils.NewConfigValidationError(path, errors.New("sub_map_radius_scans must be non-negative"))
	}
	return c.Track.Validate(fmt.Sprintf("%s.track", path))
}
