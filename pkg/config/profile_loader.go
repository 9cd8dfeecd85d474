package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TuningProfile is a named preset of engine tuning knobs. Profiles let
// a deployment switch between, say, a cautious preset that holds tiers
// for days and an aggressive preset for fast-moving experiments,
// without rebuilding its environment.
type TuningProfile struct {
	Name          string  `yaml:"name" json:"name"`
	Code          string  `yaml:"code" json:"code"`
	MinDwellMs    int     `yaml:"min_dwell_ms" json:"min_dwell_ms"`
	MaxRetries    int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	DecayRate     float64 `yaml:"decay_rate,omitempty" json:"decay_rate,omitempty"`
	DecayPeriodMs int     `yaml:"decay_period_ms,omitempty" json:"decay_period_ms,omitempty"`
	MaxHistory    int     `yaml:"max_history,omitempty" json:"max_history,omitempty"`
	Workers       int     `yaml:"workers,omitempty" json:"workers,omitempty"`
}

// MinDwell returns the dwell knob as a duration.
func (p *TuningProfile) MinDwell() time.Duration {
	return time.Duration(p.MinDwellMs) * time.Millisecond
}

// Apply overlays the profile's non-zero knobs onto cfg.
func (p *TuningProfile) Apply(cfg *Config) {
	if p.MinDwellMs > 0 {
		cfg.MinDwell = p.MinDwell()
	}
	if p.MaxRetries > 0 {
		cfg.MaxRetries = p.MaxRetries
	}
	if p.DecayRate > 0 {
		cfg.DecayRate = p.DecayRate
	}
	if p.DecayPeriodMs > 0 {
		cfg.DecayPeriod = time.Duration(p.DecayPeriodMs) * time.Millisecond
	}
	if p.MaxHistory > 0 {
		cfg.MaxHistory = p.MaxHistory
	}
	if p.Workers > 0 {
		cfg.Workers = p.Workers
	}
}

// LoadProfile loads a tuning profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*TuningProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile TuningProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*TuningProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TuningProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TuningProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_cautious.yaml -> cautious
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}
