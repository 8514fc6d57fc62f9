// Package config provides configuration loading and management for kneenav.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"kneenav/internal/models"
	"kneenav/pkg/implant"
	"kneenav/pkg/navigation"
	"kneenav/pkg/ssm"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Shape model parameters
	Model struct {
		// Dir holds <bone>_mean.bin, <bone>_basis.bin and <bone>_faces.txt
		Dir string `yaml:"dir"`

		// RelaxRadius is the falloff radius of the surface relaxation in mm
		RelaxRadius float64 `yaml:"relaxRadius"`

		// RelaxFemur and RelaxTibia switch the relaxation pass per bone
		RelaxFemur bool `yaml:"relaxFemur"`
		RelaxTibia bool `yaml:"relaxTibia"`

		// SimplexSize is the initial optimizer simplex edge
		SimplexSize float64 `yaml:"simplexSize"`

		// MaxEvaluations caps the optimizer, 0 means no cap
		MaxEvaluations int `yaml:"maxEvaluations"`
	} `yaml:"model"`

	// Coordinate frame parameters
	Frame struct {
		// MirrorLeft mirrors left bones across X before implant selection.
		// Disable only for landmarks already given in right knee convention.
		MirrorLeft bool `yaml:"mirrorLeft"`

		// RefineCondyles re-extracts the distal and posterior condyle points
		// from the condyle regions when they were recorded
		RefineCondyles bool `yaml:"refineCondyles"`
	} `yaml:"frame"`

	// Implant selection parameters
	Implant struct {
		// CatalogDir holds femur-<label>.txt and tibia-<label>.txt
		CatalogDir string `yaml:"catalogDir"`

		// Labels lists the sizes in catalog order
		Labels []string `yaml:"labels"`

		// MeshDir holds femur-<label>.stl and tibia-<label>.stl, empty skips
		// the implant surfaces
		MeshDir string `yaml:"meshDir"`

		DistalResection float64 `yaml:"distalResection"`
		TibialResection float64 `yaml:"tibialResection"`
		PosteriorTarget float64 `yaml:"posteriorTarget"`
		FlangeAngle     float64 `yaml:"flangeAngle"`
		RotationProbe   float64 `yaml:"rotationProbe"`
		RotationBias    float64 `yaml:"rotationBias"`
		FlexionProbe    float64 `yaml:"flexionProbe"`
		UpperMargin     float64 `yaml:"upperMargin"`

		// Weights of the femoral score terms
		Weights struct {
			DistalOvershoot  float64 `yaml:"distalOvershoot"`
			DistalUndershoot float64 `yaml:"distalUndershoot"`
			Posterior        float64 `yaml:"posterior"`
			PosteriorCorner  float64 `yaml:"posteriorCorner"`
			AnteriorCorner   float64 `yaml:"anteriorCorner"`
			Centering        float64 `yaml:"centering"`
		} `yaml:"weights"`

		// TibiaAPOffset shifts the tibial tray posteriorly in mm
		TibiaAPOffset float64 `yaml:"tibiaAPOffset"`

		// TibiaVertices are the template vertices of the plateau outline:
		// anterior, lateral edge, medial edge, posterior medial, posterior lateral
		TibiaVertices []int `yaml:"tibiaVertices"`
	} `yaml:"implant"`

	// Intraoperative tracking parameters
	Tracking struct {
		// InterpolationThreshold is the angle step in degrees above which
		// display samples are interpolated
		InterpolationThreshold float64 `yaml:"interpolationThreshold"`

		// HoldAngle and HoldSeconds define the hold-steady condition
		HoldAngle   float64 `yaml:"holdAngle"`
		HoldSeconds float64 `yaml:"holdSeconds"`

		// MinSamples is the number of populated curve bins required
		MinSamples int `yaml:"minSamples"`

		// CurveBins is the capacity of each clearance curve, one bin per degree
		CurveBins int `yaml:"curveBins"`
	} `yaml:"tracking"`

	// Plan store parameters
	Store struct {
		// Path of the SQLite database, empty disables the store
		Path string `yaml:"path"`
	} `yaml:"store"`

	// Output parameters
	Output struct {
		// ReportDir receives meshes, charts and projections
		ReportDir string `yaml:"reportDir"`

		// ImageSize is the edge length of projection images in pixels
		ImageSize int `yaml:"imageSize"`

		// CropLength trims saved bone surfaces to this distance from the
		// knee in mm, 0 keeps the whole bone
		CropLength float64 `yaml:"cropLength"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Model.Dir = "models"
	cfg.Model.RelaxRadius = 30
	cfg.Model.RelaxFemur = true
	cfg.Model.RelaxTibia = false
	cfg.Model.SimplexSize = 1
	cfg.Model.MaxEvaluations = 0

	cfg.Frame.MirrorLeft = true
	cfg.Frame.RefineCondyles = true

	fp := implant.DefaultFemurParams()
	tp := implant.DefaultTibiaParams()
	cfg.Implant.CatalogDir = "implants"
	cfg.Implant.Labels = append([]string(nil), implant.DefaultLabels...)
	cfg.Implant.DistalResection = fp.DistalResection
	cfg.Implant.TibialResection = tp.Resection
	cfg.Implant.PosteriorTarget = fp.PosteriorTarget
	cfg.Implant.FlangeAngle = fp.FlangeAngle
	cfg.Implant.RotationProbe = fp.RotationProbe
	cfg.Implant.RotationBias = fp.RotationBias
	cfg.Implant.FlexionProbe = fp.FlexionProbe
	cfg.Implant.UpperMargin = fp.UpperMargin
	cfg.Implant.Weights.DistalOvershoot = fp.Weights.DistalOvershoot
	cfg.Implant.Weights.DistalUndershoot = fp.Weights.DistalUndershoot
	cfg.Implant.Weights.Posterior = fp.Weights.Posterior
	cfg.Implant.Weights.PosteriorCorner = fp.Weights.PosteriorCorner
	cfg.Implant.Weights.AnteriorCorner = fp.Weights.AnteriorCorner
	cfg.Implant.Weights.Centering = fp.Weights.Centering
	cfg.Implant.TibiaAPOffset = tp.APOffset
	cfg.Implant.TibiaVertices = tp.Vertices[:]

	tc := navigation.DefaultTrackerConfig()
	cfg.Tracking.InterpolationThreshold = tc.InterpolationThreshold
	cfg.Tracking.HoldAngle = tc.HoldAngle
	cfg.Tracking.HoldSeconds = tc.HoldDuration.Seconds()
	cfg.Tracking.MinSamples = tc.MinSamples
	cfg.Tracking.CurveBins = tc.CurveBins

	cfg.Store.Path = "plans.db"

	cfg.Output.ReportDir = "report"
	cfg.Output.ImageSize = 256
	cfg.Output.CropLength = 120
	cfg.Output.Verbose = true

	return cfg
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
		return nil, fmt.Errorf("error reading config file: %v: %w", err, models.ErrIO)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v: %w", err, models.ErrInput)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a pipeline
// stage.
func (c *Config) Validate() error {
	if len(c.Implant.Labels) == 0 {
		return fmt.Errorf("implant.labels is empty: %w", models.ErrInput)
	}
	if len(c.Implant.TibiaVertices) != 5 {
		return fmt.Errorf("implant.tibiaVertices has %d entries, want 5: %w", len(c.Implant.TibiaVertices), models.ErrInput)
	}
	if c.Model.MaxEvaluations < 0 {
		return fmt.Errorf("model.maxEvaluations is negative: %w", models.ErrInput)
	}
	if c.Output.CropLength < 0 {
		return fmt.Errorf("output.cropLength is negative: %w", models.ErrInput)
	}
	if c.Tracking.CurveBins < 1 || c.Tracking.HoldSeconds < 0 {
		return fmt.Errorf("tracking section out of range: %w", models.ErrInput)
	}
	return nil
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

// ModelPaths returns the shape model files of a bone.
func (c *Config) ModelPaths(b models.Bone) ssm.Paths {
	return ssm.Paths{
		Mean:  filepath.Join(c.Model.Dir, b.String()+"_mean.bin"),
		Basis: filepath.Join(c.Model.Dir, b.String()+"_basis.bin"),
		Faces: filepath.Join(c.Model.Dir, b.String()+"_faces.txt"),
	}
}

// FitOptions returns the shape fit options of a bone.
func (c *Config) FitOptions(b models.Bone) ssm.Options {
	opts := ssm.DefaultOptions()
	opts.RelaxRadius = c.Model.RelaxRadius
	opts.SimplexSize = c.Model.SimplexSize
	opts.MaxEvaluations = c.Model.MaxEvaluations
	opts.Relax = c.Model.RelaxFemur
	if b == models.Tibia {
		opts.Relax = c.Model.RelaxTibia
	}
	return opts
}

// ImplantParams returns the selection constants.
func (c *Config) ImplantParams() implant.Params {
	p := implant.DefaultParams()
	im := c.Implant

	p.Femur.DistalResection = im.DistalResection
	p.Femur.PosteriorTarget = im.PosteriorTarget
	p.Femur.FlangeAngle = im.FlangeAngle
	p.Femur.RotationProbe = im.RotationProbe
	p.Femur.RotationBias = im.RotationBias
	p.Femur.FlexionProbe = im.FlexionProbe
	p.Femur.UpperMargin = im.UpperMargin
	p.Femur.Weights = implant.FemurWeights{
		DistalOvershoot:  im.Weights.DistalOvershoot,
		DistalUndershoot: im.Weights.DistalUndershoot,
		Posterior:        im.Weights.Posterior,
		PosteriorCorner:  im.Weights.PosteriorCorner,
		AnteriorCorner:   im.Weights.AnteriorCorner,
		Centering:        im.Weights.Centering,
	}

	p.Tibia.Resection = im.TibialResection
	p.Tibia.APOffset = im.TibiaAPOffset
	copy(p.Tibia.Vertices[:], im.TibiaVertices)
	return p
}

// TrackerConfig returns the navigation tracker settings.
func (c *Config) TrackerConfig() navigation.TrackerConfig {
	return navigation.TrackerConfig{
		InterpolationThreshold: c.Tracking.InterpolationThreshold,
		HoldAngle:              c.Tracking.HoldAngle,
		HoldDuration:           time.Duration(c.Tracking.HoldSeconds * float64(time.Second)),
		MinSamples:             c.Tracking.MinSamples,
		CurveBins:              c.Tracking.CurveBins,
	}
}
