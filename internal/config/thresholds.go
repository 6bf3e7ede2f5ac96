package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nholik/host-sentinel/internal/health"
)

// ThresholdsFile is the parsed YAML structure for scoring overrides:
//
//	thresholds:
//	  cpu_good_pct: 20
//	  weights: {cpu: 0.4, memory: 0.35, network: 0.25}
//
// Keys left out keep their built-in defaults.
type ThresholdsFile struct {
	Thresholds health.Thresholds `yaml:"thresholds"`
}

// LoadThresholdsFile parses a YAML thresholds file from the given path on top
// of the defaults. Returns the defaults if path is empty.
func LoadThresholdsFile(path string) (health.Thresholds, error) {
	if path == "" {
		return health.DefaultThresholds(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return health.Thresholds{}, fmt.Errorf("read thresholds file: %w", err)
	}

	tf := ThresholdsFile{Thresholds: health.DefaultThresholds()}
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return health.Thresholds{}, fmt.Errorf("parse thresholds file: %w", err)
	}

	if err := tf.Thresholds.Validate(); err != nil {
		return health.Thresholds{}, fmt.Errorf("thresholds file %s: %w", path, err)
	}

	return tf.Thresholds, nil
}
