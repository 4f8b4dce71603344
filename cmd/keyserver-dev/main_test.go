package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nholik/exposure-sentinel/internal/exposure"
)

func TestLoadDetectionConfig_Default(t *testing.T) {
	cfg, err := loadDetectionConfig("")
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadDetectionConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detection.yaml")
	data := "attenuation_duration_thresholds: [40, 60]\nnear_duration_weight: 50\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := loadDetectionConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AttenuationDurationThresholds[0] != 40 || cfg.NearDurationWeight != 50 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.ImmediateDurationWeight != 100 {
		t.Fatalf("expected unset fields to keep defaults, got %+v", cfg)
	}
}

func TestLoadDetectionConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detection.yaml")
	if err := os.WriteFile(path, []byte("attenuation_duration_thresholds: [70, 50]\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadDetectionConfig(path); !errors.Is(err, exposure.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}
