// Package config provides the JSON run configuration of a joint fit.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"jointastrom/internal/astromfit"
	"jointastrom/internal/distortion"
	"jointastrom/internal/simulate"
)

// Config holds the fit settings of a run.
type Config struct {
	ChipDegree  int `json:"chip_degree"`
	VisitDegree int `json:"visit_degree"`

	// PosErrorIncrement is added in quadrature to measured position errors.
	PosErrorIncrement float64 `json:"pos_error_increment"`
	ReferenceEpoch    float64 `json:"reference_epoch"`

	NSigmaCut        float64 `json:"n_sigma_cut"`
	MaxOutlierRounds int     `json:"max_outlier_rounds"`

	// Schedule lists the fit masks run in order before outlier rejection.
	Schedule []string `json:"schedule"`
	Workers  int      `json:"workers"`

	Simulation simulate.Params `json:"simulation"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ChipDegree:        3,
		VisitDegree:       3,
		PosErrorIncrement: 0.02,
		NSigmaCut:         5,
		MaxOutlierRounds:  10,
		Schedule:          []string{"DistortionsVisit", "Distortions", "Positions", "Distortions Positions"},
		Workers:           1,
		Simulation:        simulate.DefaultParams(),
	}
}

// Load reads a configuration file. Fields missing from the file keep their
// default value; a missing file yields Default().
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, c.Validate()
}

// Save writes the configuration to path, creating its directory.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks degrees, counts and every schedule mask.
func (c Config) Validate() error {
	if c.ChipDegree < 1 || c.VisitDegree < 1 {
		return fmt.Errorf("%w: polynomial degrees must be at least 1, got %d/%d", distortion.ErrInvalidParameter, c.ChipDegree, c.VisitDegree)
	}
	if c.NSigmaCut <= 0 {
		return fmt.Errorf("%w: n_sigma_cut must be positive, got %g", distortion.ErrInvalidParameter, c.NSigmaCut)
	}
	if len(c.Schedule) == 0 {
		return fmt.Errorf("%w: empty fit schedule", distortion.ErrInvalidParameter)
	}
	for _, mask := range c.Schedule {
		if _, err := distortion.ParseMask(mask); err != nil {
			return err
		}
	}
	return nil
}

// ModelOptions returns the distortion model options of c.
func (c Config) ModelOptions() distortion.Options {
	o := distortion.DefaultOptions()
	o.ChipDegree = c.ChipDegree
	o.VisitDegree = c.VisitDegree
	return o
}

// FitterOptions returns the fit engine options of c.
func (c Config) FitterOptions() astromfit.Options {
	o := astromfit.DefaultOptions()
	o.PosErrorIncrement = c.PosErrorIncrement
	o.ReferenceEpoch = c.ReferenceEpoch
	o.Workers = c.Workers
	return o
}

// WithDegrees returns a copy of c with other polynomial degrees.
func (c Config) WithDegrees(chip, visit int) Config {
	c.ChipDegree = chip
	c.VisitDegree = visit
	return c
}

// WithSchedule returns a copy of c running masks in order.
func (c Config) WithSchedule(masks ...string) Config {
	c.Schedule = append([]string(nil), masks...)
	return c
}

// WithWorkers returns a copy of c assembling derivatives on n goroutines.
func (c Config) WithWorkers(n int) Config {
	if n < 1 {
		n = 1
	}
	c.Workers = n
	return c
}

// WithSeed returns a copy of c simulating with another random seed.
func (c Config) WithSeed(seed int64) Config {
	c.Simulation.Seed = seed
	return c
}
