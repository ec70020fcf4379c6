// Package config provides configuration loading and management for chpseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// External toolkit commands
	Toolkit struct {
		// Binarize is the FreeSurfer label binarization command
		Binarize string `yaml:"binarize"`

		// Smooth is the FSL SUSAN smoothing command
		Smooth string `yaml:"smooth"`

		// Maths is the FSL image arithmetic command
		Maths string `yaml:"maths"`

		// Stats is the FSL image statistics command
		Stats string `yaml:"stats"`

		// Timeout bounds every single toolkit invocation
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"toolkit"`

	// Anatomical labels from the aseg volume
	Labels struct {
		// Choroid are the left and right choroid plexus labels
		Choroid []int `yaml:"choroid"`

		// Left are the left lateral ventricle, inferior lateral ventricle and choroid labels
		Left []int `yaml:"left"`

		// Right are the right lateral ventricle, inferior lateral ventricle and choroid labels
		Right []int `yaml:"right"`
	} `yaml:"labels"`

	// SUSAN parameters, passed positionally
	Smoothing struct {
		BrightnessThreshold float64 `yaml:"brightnessThreshold"`
		SpatialSize         float64 `yaml:"spatialSize"`
		Dimensionality      int     `yaml:"dimensionality"`
		UseMedian           bool    `yaml:"useMedian"`
		NumUsans            int     `yaml:"numUsans"`
	} `yaml:"smoothing"`

	// Mixture model parameters
	Mixture struct {
		// Kind selects the estimator: "bayesian" or "gaussian"
		Kind string `yaml:"kind"`

		// CoarseComponents is the number of clusters in the first stage
		CoarseComponents int `yaml:"coarseComponents"`

		// RefineComponents is the number of clusters in the second stage
		RefineComponents int `yaml:"refineComponents"`

		MaxIter   int     `yaml:"maxIter"`
		Tolerance float64 `yaml:"tolerance"`
		RegCovar  float64 `yaml:"regCovar"`

		// MinVariance rejects feature vectors too flat to cluster
		MinVariance float64 `yaml:"minVariance"`

		// WeightPrior is "dirichlet_process" or "dirichlet_distribution"
		WeightPrior string `yaml:"weightPrior"`
	} `yaml:"mixture"`

	// Output parameters
	Output struct {
		// Grid is the edge length of the cubic output grid
		Grid int `yaml:"grid"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// LogFile, when set, receives a rotated copy of the log
		LogFile string `yaml:"logFile"`

		// QC enables snapshot and histogram output under <subject>/qc
		QC bool `yaml:"qc"`

		// Surface enables STL export of the merged segmentation
		Surface bool `yaml:"surface"`
	} `yaml:"output"`

	// Cohort database parameters
	Cohort struct {
		// Database is the SQLite file recording runs; empty disables it
		Database string `yaml:"database"`
	} `yaml:"cohort"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Toolkit.Binarize = "mri_binarize"
	cfg.Toolkit.Smooth = "susan"
	cfg.Toolkit.Maths = "fslmaths"
	cfg.Toolkit.Stats = "fslstats"
	cfg.Toolkit.Timeout = 30 * time.Minute

	cfg.Labels.Choroid = []int{31, 63}
	cfg.Labels.Left = []int{4, 5, 31}
	cfg.Labels.Right = []int{43, 44, 63}

	// susan <in> 1 1 3 1 0 <out>
	cfg.Smoothing.BrightnessThreshold = 1
	cfg.Smoothing.SpatialSize = 1
	cfg.Smoothing.Dimensionality = 3
	cfg.Smoothing.UseMedian = true
	cfg.Smoothing.NumUsans = 0

	cfg.Mixture.Kind = "bayesian"
	cfg.Mixture.CoarseComponents = 2
	cfg.Mixture.RefineComponents = 3
	cfg.Mixture.MaxIter = 100
	cfg.Mixture.Tolerance = 1e-3
	cfg.Mixture.RegCovar = 1e-6
	cfg.Mixture.MinVariance = 1e-9
	cfg.Mixture.WeightPrior = "dirichlet_process"

	cfg.Output.Grid = 256
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks that the configuration can drive a run
func (c *Config) Validate() error {
	switch {
	case c.Toolkit.Binarize == "" || c.Toolkit.Smooth == "" || c.Toolkit.Maths == "" || c.Toolkit.Stats == "":
		return fmt.Errorf("toolkit commands must all be set")
	case len(c.Labels.Left) == 0 || len(c.Labels.Right) == 0:
		return fmt.Errorf("hemisphere label sets must not be empty")
	case c.Mixture.Kind != "bayesian" && c.Mixture.Kind != "gaussian":
		return fmt.Errorf("unknown mixture kind %q", c.Mixture.Kind)
	case c.Mixture.WeightPrior != "dirichlet_process" && c.Mixture.WeightPrior != "dirichlet_distribution":
		return fmt.Errorf("unknown weight prior %q", c.Mixture.WeightPrior)
	case c.Mixture.CoarseComponents < 2 || c.Mixture.RefineComponents < 2:
		return fmt.Errorf("component counts must be at least 2")
	case c.Mixture.MaxIter < 1:
		return fmt.Errorf("maxIter must be positive")
	case c.Mixture.Tolerance < 0 || c.Mixture.RegCovar < 0 || c.Mixture.MinVariance < 0:
		return fmt.Errorf("tolerance, regCovar and minVariance must not be negative")
	case c.Toolkit.Timeout < 0:
		return fmt.Errorf("toolkit timeout must not be negative")
	case c.Output.Grid < 1:
		return fmt.Errorf("output grid must be positive")
	case c.Smoothing.Dimensionality != 2 && c.Smoothing.Dimensionality != 3:
		return fmt.Errorf("smoothing dimensionality must be 2 or 3")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
