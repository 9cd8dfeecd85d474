package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
}

func TestLoadProfile_Cautious(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "cautious", `
name: Cautious
code: cautious
min_dwell_ms: 604800000
max_retries: 5
decay_rate: 0.98
`)

	p, err := LoadProfile(dir, "cautious")
	if err != nil {
		t.Fatalf("LoadProfile(cautious): %v", err)
	}
	if p.Name != "Cautious" {
		t.Errorf("expected name 'Cautious', got %q", p.Name)
	}
	if p.MinDwell() != 168*time.Hour {
		t.Errorf("expected min dwell 168h, got %v", p.MinDwell())
	}
	if p.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", p.MaxRetries)
	}
}

func TestLoadProfile_CodeFromFilename(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "fast", `
name: Fast Experiments
min_dwell_ms: 3600000
workers: 16
`)

	p, err := LoadProfile(dir, "fast")
	if err != nil {
		t.Fatalf("LoadProfile(fast): %v", err)
	}
	if p.Code != "fast" {
		t.Errorf("expected code filled from filename, got %q", p.Code)
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	if _, err := LoadProfile(t.TempDir(), "nope"); err == nil {
		t.Error("expected error for missing profile")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "cautious", "name: Cautious\nmin_dwell_ms: 604800000\n")
	writeProfile(t, dir, "fast", "name: Fast\nmin_dwell_ms: 3600000\n")

	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	if profiles["fast"].MinDwell() != time.Hour {
		t.Errorf("unexpected fast profile: %+v", profiles["fast"])
	}
}

func TestProfileApply(t *testing.T) {
	cfg := &Config{MinDwell: 24 * time.Hour, MaxRetries: 3, Workers: 4}
	p := &TuningProfile{MinDwellMs: 3600000, Workers: 16}
	p.Apply(cfg)

	if cfg.MinDwell != time.Hour {
		t.Errorf("expected overlaid min dwell, got %v", cfg.MinDwell)
	}
	if cfg.Workers != 16 {
		t.Errorf("expected overlaid workers, got %d", cfg.Workers)
	}
	// untouched knobs keep their values
	if cfg.MaxRetries != 3 {
		t.Errorf("expected retries untouched, got %d", cfg.MaxRetries)
	}
}
