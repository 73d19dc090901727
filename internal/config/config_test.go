package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spectracam.yaml")
	body := `
port: 9000
camera:
  source: remote
  endpoint: tcp://10.0.0.2:31001
  control_url: http://10.0.0.2
jobs:
  default_timeout: 2s
layout:
  max_regions: 4
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 || cfg.Camera.Source != SourceRemote || cfg.Jobs.DefaultTimeout != 2*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Layout.MaxRegions != 4 || cfg.Layout.EntireWidth != 5328 {
		t.Fatalf("layout overlay wrong: %+v", cfg.Layout)
	}
	if cfg.Jobs.AbandonGrace != 5*time.Second || cfg.NormalizeTarget != 128 || cfg.MatchRadius != 64 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cfg := Default()
	cfg.Camera.Source = SourceRemote
	cfg.Jobs.DefaultTimeout = -time.Second
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"endpoint and control_url", "must not be negative"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}
