package trajectory

import (
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/laserslam/posegraph"
)

// Config holds the per-track factor parameters. Noise sigma vectors are
// 6-dimensional, translation components first.
type Config struct {
	PriorNoiseSigmas    []float64 `json:"prior_noise_sigmas"`
	OdometryNoiseSigmas []float64 `json:"odometry_noise_sigmas"`
	ICPNoiseSigmas      []float64 `json:"icp_noise_sigmas"`

	MEstimatorOnOdometry bool `json:"m_estimator_on_odometry"`
	MEstimatorOnICP      bool `json:"m_estimator_on_icp"`

	// UseICPFactors adds a second, scan-matched constraint between
	// consecutive nodes when both carry scans and a matcher is installed.
	UseICPFactors bool `json:"use_icp_factors"`
}

// DefaultConfig returns the track parameters used in production.
func DefaultConfig() Config {
	return Config{
		PriorNoiseSigmas:    []float64{0.01, 0.01, 0.01, 0.001, 0.001, 0.001},
		OdometryNoiseSigmas: []float64{0.5, 0.5, 0.5, 0.015, 0.015, 0.015},
		ICPNoiseSigmas:      []float64{0.05, 0.05, 0.05, 0.005, 0.005, 0.005},
	}
}

// Validate ensures all parts of the config are valid.
func (c Config) Validate(path string) error {
	for name, sigmas := range map[string][]float64{
		"prior_noise_sigmas":    c.PriorNoiseSigmas,
		"odometry_noise_sigmas": c.OdometryNoiseSigmas,
		"icp_noise_sigmas":      c.ICPNoiseSigmas,
	} {
		if len(sigmas) != posegraph.PoseDim {
			return goutils.NewConfigValidationError(path,
				errors.Errorf("%s must have %d entries, got %d", name, posegraph.PoseDim, len(sigmas)))
		}
	}
	return nil
}
