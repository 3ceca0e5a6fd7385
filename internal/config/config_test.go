package config

import (
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if !cfg.Stage("sdr").AutoApprove {
		t.Error("sdr should be auto-approvable by default")
	}
	if cfg.Stage("contract").AutoApprove {
		t.Error("contract should not be auto-approvable by default")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("generated default does not parse: %v", err)
	}
	if cfg.Pipeline.ID != "rivo" {
		t.Errorf("unexpected pipeline id %q", cfg.Pipeline.ID)
	}
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	raw := strings.Replace(GenerateDefault(), "threshold: 0.9", "threshold: 1.5", 1)
	if _, err := FromYAML([]byte(raw)); err == nil {
		t.Fatal("expected threshold range error")
	}
}

func TestValidateRejectsUnknownStage(t *testing.T) {
	raw := strings.Replace(GenerateDefault(), "  sdr:", "  mystery:", 1)
	if _, err := FromYAML([]byte(raw)); err == nil {
		t.Fatal("expected unknown stage error")
	}
}

func TestValidateRejectsZeroAttempts(t *testing.T) {
	raw := strings.Replace(GenerateDefault(), "max_attempts: 3", "max_attempts: 0", 1)
	if _, err := FromYAML([]byte(raw)); err == nil {
		t.Fatal("expected max_attempts error")
	}
}
