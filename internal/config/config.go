package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"spectracam/internal/camera"
	"spectracam/internal/tiles"
)

// Camera sources.
const (
	SourceSimulator = "simulator"
	SourceRemote    = "remote"
)

type AppConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Camera CameraConfig `yaml:"camera"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Layout tiles.Layout `yaml:"layout"`

	// NormalizeTarget is the mean tiles are scaled to before stitching.
	NormalizeTarget uint8 `yaml:"normalize_target"`
	// MatchRadius bounds the offset calibration search, in pixels.
	MatchRadius  int    `yaml:"match_radius"`
	OutputDir    string `yaml:"output_dir"`
	CatalogPath  string `yaml:"catalog_path"`
	RecordFrames bool   `yaml:"record_frames"`
}

type CameraConfig struct {
	Source            string        `yaml:"source"`
	SimulatorFPS      float64       `yaml:"simulator_fps"`
	Endpoint          string        `yaml:"endpoint"`
	ControlURL        string        `yaml:"control_url"`
	ControlAPIVersion string        `yaml:"control_api_version"`
	ControlTimeout    time.Duration `yaml:"control_timeout"`
	IngestLogEvery    int           `yaml:"ingest_log_every"`
	Defaults          camera.Params `yaml:"defaults"`
}

type JobsConfig struct {
	QueueCapacity  int           `yaml:"queue_capacity"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	AbandonGrace   time.Duration `yaml:"abandon_grace"`
	CaptureTimeout time.Duration `yaml:"capture_timeout"`
}

func Default() AppConfig {
	return AppConfig{
		Port:     8888,
		LogLevel: "info",
		Camera: CameraConfig{
			Source:            SourceSimulator,
			SimulatorFPS:      10,
			Endpoint:          "tcp://127.0.0.1:31001",
			ControlAPIVersion: "1.0",
			ControlTimeout:    2 * time.Second,
			IngestLogEvery:    100,
			Defaults:          camera.Params{ExposureUS: 10_000, GainDB: 0, Gamma: 1},
		},
		Jobs: JobsConfig{
			QueueCapacity:  64,
			DefaultTimeout: 30 * time.Second,
			AbandonGrace:   5 * time.Second,
			CaptureTimeout: 5 * time.Second,
		},
		Layout:          tiles.DefaultLayout(),
		NormalizeTarget: 128,
		MatchRadius:     64,
		OutputDir:       "output",
		CatalogPath:     "output/catalog.db",
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path returns the defaults.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Camera.Source {
	case SourceSimulator:
		if c.Camera.SimulatorFPS <= 0 {
			errs = append(errs, errors.New("simulator_fps must be positive"))
		}
	case SourceRemote:
		if c.Camera.Endpoint == "" || c.Camera.ControlURL == "" {
			errs = append(errs, errors.New("remote camera needs endpoint and control_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown camera source %q", c.Camera.Source))
	}
	if c.Jobs.DefaultTimeout < 0 || c.Jobs.AbandonGrace < 0 || c.Jobs.CaptureTimeout < 0 {
		errs = append(errs, errors.New("job timeouts must not be negative"))
	}
	if c.MatchRadius < 0 {
		errs = append(errs, errors.New("match_radius must not be negative"))
	}
	if err := c.Layout.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := camera.ValidateParams(c.Layout, c.Camera.Defaults); err != nil {
		errs = append(errs, fmt.Errorf("camera defaults: %w", err))
	}
	return errors.Join(errs...)
}
