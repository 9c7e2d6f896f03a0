// Package registration aligns laser scans and sub-maps, refining an initial
// relative pose guess into one supported by the point geometry.
package registration

import (
	"os"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	goutils "go.viam.com/utils"
)

// Config holds the tunables of the ICP matcher. It is typically loaded from
// a JSON5 descriptor file.
type Config struct {
	// MaxIterations bounds the optimizer's major iterations.
	MaxIterations int `json:"max_iterations"`

	// Tolerance is the absolute cost change below which registration is
	// considered converged.
	Tolerance float64 `json:"tolerance"`

	// MaxCorrespondenceDistance caps the distance at which a moving point
	// is paired with a fixed point; farther points contribute a constant
	// cost so stray geometry cannot dominate.
	MaxCorrespondenceDistance float64 `json:"max_correspondence_distance"`
}

// DefaultConfig returns the built-in registration configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:             50,
		Tolerance:                 1e-6,
		MaxCorrespondenceDistance: 5,
	}
}

// Validate ensures all parts of the config are valid.
func (c Config) Validate(path string) error {
	if c.MaxIterations <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_iterations must be positive"))
	}
	if c.Tolerance <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("tolerance must be positive"))
	}
	if c.MaxCorrespondenceDistance <= 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_correspondence_distance must be positive"))
	}
	return nil
}

// LoadConfig reads the registration descriptor at the given path. A missing
// or invalid descriptor is a degraded, non-fatal condition: it is logged and
// the built-in defaults are returned instead.
func LoadConfig(path string, logger golog.Logger) Config {
	cfg, err := readConfig(path)
	if err != nil {
		logger.Warnw("using default registration configuration",
			"path", path,
			"error", err,
		)
		return DefaultConfig()
	}
	return cfg
}

func readConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("no descriptor path configured")
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)

	// Absent fields keep their default values.
	cfg := DefaultConfig()
	if err := json5.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "cannot parse registration descriptor")
	}
	if err := cfg.Validate(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
