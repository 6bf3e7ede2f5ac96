// Package health turns a snapshot and a short rolling history into a composite
// health score and level.
package health

import (
	"errors"
	"fmt"

	"github.com/nholik/host-sentinel/internal/snapshot"
)

// Weights sets how much each sub-score contributes to the composite.
type Weights struct {
	CPU     float64 `yaml:"cpu"`
	Memory  float64 `yaml:"memory"`
	Network float64 `yaml:"network"`
}

// Thresholds holds the scoring curve and level boundaries. Each good/bad pair
// maps a reading linearly onto 100..0.
type Thresholds struct {
	CPUGoodPct   float64 `yaml:"cpu_good_pct"`
	CPUBadPct    float64 `yaml:"cpu_bad_pct"`
	RAMGoodPct   float64 `yaml:"ram_good_pct"`
	RAMBadPct    float64 `yaml:"ram_bad_pct"`
	SwapGoodPct  float64 `yaml:"swap_good_pct"`
	SwapBadPct   float64 `yaml:"swap_bad_pct"`
	PingGoodMS   float64 `yaml:"ping_good_ms"`
	PingBadMS    float64 `yaml:"ping_bad_ms"`
	JitterGoodMS float64 `yaml:"jitter_good_ms"`
	JitterBadMS  float64 `yaml:"jitter_bad_ms"`
	StallPenalty int     `yaml:"stall_penalty"`
	Weights      Weights `yaml:"weights"`
	// OKScore and DegradedScore are the lowest scores of their level.
	OKScore       int `yaml:"ok_score"`
	DegradedScore int `yaml:"degraded_score"`
}

// DefaultThresholds returns the built-in scoring curve.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUGoodPct:    20,
		CPUBadPct:     95,
		RAMGoodPct:    50,
		RAMBadPct:     95,
		SwapGoodPct:   5,
		SwapBadPct:    50,
		PingGoodMS:    50,
		PingBadMS:     400,
		JitterGoodMS:  10,
		JitterBadMS:   100,
		StallPenalty:  25,
		Weights:       Weights{CPU: 0.40, Memory: 0.35, Network: 0.25},
		OKScore:       70,
		DegradedScore: 40,
	}
}

// Validate checks that every curve rises and the levels are ordered.
func (t Thresholds) Validate() error {
	var errs []error
	pairs := []struct {
		name      string
		good, bad float64
	}{
		{"cpu", t.CPUGoodPct, t.CPUBadPct},
		{"ram", t.RAMGoodPct, t.RAMBadPct},
		{"swap", t.SwapGoodPct, t.SwapBadPct},
		{"ping", t.PingGoodMS, t.PingBadMS},
		{"jitter", t.JitterGoodMS, t.JitterBadMS},
	}
	for _, pair := range pairs {
		if pair.good < 0 || pair.bad <= pair.good {
			errs = append(errs, fmt.Errorf("%s thresholds: good %.1f must be >= 0 and below bad %.1f", pair.name, pair.good, pair.bad))
		}
	}
	if t.Weights.CPU < 0 || t.Weights.Memory < 0 || t.Weights.Network < 0 {
		errs = append(errs, errors.New("weights must not be negative"))
	}
	if t.Weights.CPU+t.Weights.Memory+t.Weights.Network <= 0 {
		errs = append(errs, errors.New("at least one weight must be positive"))
	}
	if t.StallPenalty < 0 || t.StallPenalty > 100 {
		errs = append(errs, fmt.Errorf("stall penalty %d outside 0..100", t.StallPenalty))
	}
	if t.DegradedScore < 0 || t.OKScore <= t.DegradedScore || t.OKScore > 100 {
		errs = append(errs, fmt.Errorf("level scores must satisfy 0 <= degraded (%d) < ok (%d) <= 100", t.DegradedScore, t.OKScore))
	}
	return errors.Join(errs...)
}

// LevelFor buckets a composite score.
func (t Thresholds) LevelFor(score int) snapshot.Level {
	switch {
	case score >= t.OKScore:
		return snapshot.LevelOK
	case score >= t.DegradedScore:
		return snapshot.LevelDegraded
	default:
		return snapshot.LevelCritical
	}
}

// Severity orders levels so transitions can tell worsening from recovery.
func Severity(level snapshot.Level) int {
	switch level {
	case snapshot.LevelCritical:
		return 3
	case snapshot.LevelDegraded:
		return 2
	case snapshot.LevelOK:
		return 1
	default:
		return 0
	}
}

// Worse returns the more severe of two levels.
func Worse(current, next snapshot.Level) snapshot.Level {
	if Severity(next) > Severity(current) {
		return next
	}
	return current
}
