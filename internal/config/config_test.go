package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/earshot/internal/errors"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EARSHOT_CONFIG", "HTTP_ADDR", "GRPC_ADDR", "CAPTURE_MODE", "EXCLUDED_AUDIO_DEVICES",
		"SILENCE_THRESHOLD", "SILENCE_SKIP_CHUNKS", "MIN_SPEECH", "SILENCE_TIMEOUT", "MAX_BATCH",
		"GEMINI_ENDPOINT", "GEMINI_MODEL", "GEMINI_API_KEY", "MIN_REQUEST_INTERVAL",
		"CONFIDENCE_THRESHOLD", "CATEGORY_FILTER", "OPTIMISTIC_ENABLED", "MAX_ERROR_STREAK",
		"SESSION_DIR", "SESSION_TITLE", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":8000" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, ":8000")
	}
	if cfg.Capture.TargetRate != 16000 || cfg.Capture.MicroChunk != 160 {
		t.Errorf("capture = %+v", cfg.Capture)
	}
	if cfg.Capture.SilenceThreshold != 0.01 || cfg.Capture.SilenceSkipChunks != 30 {
		t.Errorf("silence gate = %v/%d", cfg.Capture.SilenceThreshold, cfg.Capture.SilenceSkipChunks)
	}
	if cfg.Segmentation.MinSpeech != 3*time.Second || cfg.Segmentation.SilenceTimeout != 2*time.Second ||
		cfg.Segmentation.MaxBatch != 15*time.Second || cfg.Segmentation.Tick != 100*time.Millisecond {
		t.Errorf("segmentation = %+v", cfg.Segmentation)
	}
	if cfg.Dispatch.MinInterval != 3*time.Second || cfg.Dispatch.InitialBackoff != 5*time.Second ||
		cfg.Dispatch.MaxBackoff != time.Minute {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if !cfg.Processing.OptimisticEnabled || cfg.Processing.MaxErrorStreak != 5 {
		t.Errorf("processing = %+v", cfg.Processing)
	}
}

func TestLoadWithEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("CAPTURE_MODE", "mic")
	t.Setenv("EXCLUDED_AUDIO_DEVICES", "zoom, , airpods")
	t.Setenv("MIN_REQUEST_INTERVAL", "5s")
	t.Setenv("GEMINI_API_KEY", "k")
	t.Setenv("CATEGORY_FILTER", "DECISION,RISK")
	t.Setenv("OPTIMISTIC_ENABLED", "false")
	t.Setenv("MAX_ERROR_STREAK", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":9000" {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Capture.Mode != ModeMic {
		t.Errorf("Mode = %q", cfg.Capture.Mode)
	}
	if len(cfg.Capture.ExcludedDevices) != 2 || cfg.Capture.ExcludedDevices[1] != "airpods" {
		t.Errorf("ExcludedDevices = %v", cfg.Capture.ExcludedDevices)
	}
	if cfg.Dispatch.MinInterval != 5*time.Second {
		t.Errorf("MinInterval = %v", cfg.Dispatch.MinInterval)
	}
	if cfg.Dispatch.APIKey != "k" {
		t.Errorf("APIKey = %q", cfg.Dispatch.APIKey)
	}
	if len(cfg.Processing.Categories) != 2 {
		t.Errorf("Categories = %v", cfg.Processing.Categories)
	}
	if cfg.Processing.OptimisticEnabled {
		t.Error("OptimisticEnabled should be false")
	}
	if cfg.Processing.MaxErrorStreak != 5 {
		t.Errorf("invalid int should keep default, got %d", cfg.Processing.MaxErrorStreak)
	}
}

func TestLoadFileOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "earshot.yaml")
	doc := `
capture:
  mode: system
segmentation:
  min_speech: 4s
  max_batch: 20s
dispatch:
  model: gemini-test
processing:
  confidence_threshold: 0.7
logging:
  format: json
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("EARSHOT_CONFIG", path)
	t.Setenv("GEMINI_MODEL", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Capture.Mode != ModeSystem {
		t.Errorf("Mode = %q, want system", cfg.Capture.Mode)
	}
	if cfg.Segmentation.MinSpeech != 4*time.Second || cfg.Segmentation.MaxBatch != 20*time.Second {
		t.Errorf("segmentation = %+v", cfg.Segmentation)
	}
	if cfg.Segmentation.SilenceTimeout != 2*time.Second {
		t.Error("unspecified keys should keep defaults")
	}
	if cfg.Dispatch.Model != "from-env" {
		t.Errorf("env should override file, got %q", cfg.Dispatch.Model)
	}
	if cfg.Processing.ConfidenceThreshold != 0.7 {
		t.Errorf("ConfidenceThreshold = %v", cfg.Processing.ConfidenceThreshold)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); !apperrors.IsCode(err, apperrors.ConfigMissing) {
		t.Errorf("missing file error = %v, want ConfigMissing", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("capture: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(bad); !apperrors.IsCode(err, apperrors.ConfigInvalid) {
		t.Errorf("bad yaml error = %v, want ConfigInvalid", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Capture.Mode = "speaker" }},
		{"zero micro chunk", func(c *Config) { c.Capture.MicroChunk = 0 }},
		{"thresholds inverted", func(c *Config) { c.Segmentation.StillTalkingThreshold = 0.01 }},
		{"max batch below min speech", func(c *Config) { c.Segmentation.MaxBatch = time.Second }},
		{"backoff inverted", func(c *Config) { c.Dispatch.MaxBackoff = time.Second }},
		{"confidence out of range", func(c *Config) { c.Processing.ConfidenceThreshold = 1.5 }},
		{"zero streak", func(c *Config) { c.Processing.MaxErrorStreak = 0 }},
		{"empty session dir", func(c *Config) { c.Session.Dir = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !apperrors.IsCode(err, apperrors.ConfigInvalid) {
				t.Errorf("Validate() = %v, want ConfigInvalid", err)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_DUR", "250ms")
	t.Setenv("TEST_BOOL", "1")
	t.Setenv("TEST_FLOAT", "bad")

	if got := getEnvDuration("TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Errorf("getEnvDuration = %v", got)
	}
	if !getEnvBool("TEST_BOOL", false) {
		t.Error("getEnvBool(1) should be true")
	}
	if got := getEnvFloat("TEST_FLOAT", 0.3); got != 0.3 {
		t.Errorf("getEnvFloat fallback = %v", got)
	}
}
