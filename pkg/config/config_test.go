package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kneenav/internal/models"
	"kneenav/pkg/implant"
)

// TestDefaultConfig verifies the defaults match the shipped constants
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Model.RelaxFemur || cfg.Model.RelaxTibia {
		t.Errorf("expected relaxation for the femur only, got femur=%v tibia=%v", cfg.Model.RelaxFemur, cfg.Model.RelaxTibia)
	}
	if cfg.Model.MaxEvaluations != 0 {
		t.Errorf("expected no evaluation cap, got %d", cfg.Model.MaxEvaluations)
	}
	if cfg.Implant.DistalResection != 8 || cfg.Implant.TibialResection != 6 {
		t.Errorf("unexpected resections %v/%v", cfg.Implant.DistalResection, cfg.Implant.TibialResection)
	}
	if cfg.Implant.Weights.Centering != 0 {
		t.Errorf("expected centering weight 0, got %v", cfg.Implant.Weights.Centering)
	}
	if len(cfg.Implant.Labels) != 6 || cfg.Implant.Labels[0] != "1-5" {
		t.Errorf("unexpected labels %v", cfg.Implant.Labels)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	// the default label slice must not alias the package variable
	cfg.Implant.Labels[0] = "x"
	if implant.DefaultLabels[0] != "1-5" {
		t.Errorf("DefaultConfig aliases implant.DefaultLabels")
	}
}

// TestSaveLoadRoundTrip writes a modified config and reads it back
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kneenav.yaml")

	cfg := DefaultConfig()
	cfg.Model.MaxEvaluations = 500
	cfg.Implant.Weights.Centering = 0.5
	cfg.Tracking.HoldSeconds = 3
	cfg.Store.Path = "/tmp/plans.db"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Model.MaxEvaluations != 500 {
		t.Errorf("maxEvaluations = %d, want 500", got.Model.MaxEvaluations)
	}
	if got.Implant.Weights.Centering != 0.5 {
		t.Errorf("centering = %v, want 0.5", got.Implant.Weights.Centering)
	}
	if got.TrackerConfig().HoldDuration != 3*time.Second {
		t.Errorf("hold duration = %v, want 3s", got.TrackerConfig().HoldDuration)
	}
	if got.Store.Path != "/tmp/plans.db" {
		t.Errorf("store path = %q", got.Store.Path)
	}
}

// TestLoadConfigPartial checks that keys missing from the file keep defaults
func TestLoadConfigPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	data := []byte("implant:\n  flangeAngle: 5\nfrontend: ignored\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Implant.FlangeAngle != 5 {
		t.Errorf("flangeAngle = %v, want 5", cfg.Implant.FlangeAngle)
	}
	if cfg.Implant.PosteriorTarget != 7 || cfg.Tracking.MinSamples != 90 {
		t.Errorf("defaults lost: posteriorTarget=%v minSamples=%d", cfg.Implant.PosteriorTarget, cfg.Tracking.MinSamples)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil || cfg == nil {
		t.Fatalf("missing file should give defaults, got %v", err)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"malformed", "model: [1, 2"},
		{"no labels", "implant:\n  labels: []\n"},
		{"short outline", "implant:\n  tibiaVertices: [1, 2, 3]\n"},
		{"negative cap", "model:\n  maxEvaluations: -1\n"},
		{"negative crop", "output:\n  cropLength: -5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path); !errors.Is(err, models.ErrInput) {
				t.Errorf("expected ErrInput, got %v", err)
			}
		})
	}
}

func TestDerivedParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.Dir = "/data/ssm"
	cfg.Implant.TibiaVertices = []int{1, 2, 3, 4, 5}
	cfg.Implant.Weights.Centering = 2

	paths := cfg.ModelPaths(models.Tibia)
	if paths.Mean != filepath.Join("/data/ssm", "tibia_mean.bin") || paths.Faces != filepath.Join("/data/ssm", "tibia_faces.txt") {
		t.Errorf("unexpected model paths %+v", paths)
	}

	if !cfg.FitOptions(models.Femur).Relax || cfg.FitOptions(models.Tibia).Relax {
		t.Errorf("relax switches not applied per bone")
	}

	p := cfg.ImplantParams()
	if p.Tibia.Vertices != [5]int{1, 2, 3, 4, 5} {
		t.Errorf("tibia vertices = %v", p.Tibia.Vertices)
	}
	if p.Femur.Weights.Centering != 2 || p.Femur.Weights.DistalOvershoot != 3 {
		t.Errorf("femur weights = %+v", p.Femur.Weights)
	}
	if p.Femur.DistalReference != implant.DefaultFemurParams().DistalReference {
		t.Errorf("distal reference should stay at the catalog default")
	}

	tc := cfg.TrackerConfig()
	if tc.HoldDuration != 5*time.Second || tc.CurveBins != 180 {
		t.Errorf("tracker config = %+v", tc)
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Output.ImageSize != 256 {
		t.Errorf("imageSize = %d", cfg.Output.ImageSize)
	}
	if cfg.Output.CropLength != 120 || cfg.Implant.MeshDir != "" {
		t.Errorf("cropLength = %v, meshDir = %q", cfg.Output.CropLength, cfg.Implant.MeshDir)
	}
}
