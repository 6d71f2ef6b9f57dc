// Package config handles pipeline configuration.
// Values resolve in order: built-in defaults, optional YAML file
// (EARSHOT_CONFIG), then environment variables. Validate runs last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/GriffinCanCode/earshot/internal/errors"
)

// Capture modes.
const (
	ModeMic    = "mic"
	ModeSystem = "system"
	ModeBoth   = "both"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Capture      CaptureConfig      `yaml:"capture"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Processing   ProcessingConfig   `yaml:"processing"`
	Session      SessionConfig      `yaml:"session"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the health endpoint
}

type CaptureConfig struct {
	Mode              string   `yaml:"mode"`
	ExcludedDevices   []string `yaml:"excluded_devices"`
	TargetRate        int      `yaml:"target_rate"`
	MicroChunk        int      `yaml:"micro_chunk"`
	SilenceThreshold  float64  `yaml:"silence_threshold"`
	SilenceSkipChunks int      `yaml:"silence_skip_chunks"`
	ChunkBuffer       int      `yaml:"chunk_buffer"`
	FramesPerBuffer   int      `yaml:"frames_per_buffer"`
}

type SegmentationConfig struct {
	SpeechThreshold       float64       `yaml:"speech_threshold"`
	StillTalkingThreshold float64       `yaml:"still_talking_threshold"`
	MinSpeech             time.Duration `yaml:"min_speech"`
	SilenceTimeout        time.Duration `yaml:"silence_timeout"`
	MaxBatch              time.Duration `yaml:"max_batch"`
	Tick                  time.Duration `yaml:"tick"`
}

type DispatchConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	MinInterval    time.Duration `yaml:"min_interval"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Timeout        time.Duration `yaml:"timeout"`
	ErrorCooldown  time.Duration `yaml:"error_cooldown"`
}

type ProcessingConfig struct {
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	Categories          []string `yaml:"categories"`
	OptimisticEnabled   bool     `yaml:"optimistic_enabled"`
	MaxErrorStreak      int      `yaml:"max_error_streak"`
	CacheCapacity       int      `yaml:"cache_capacity"`

	// CountVocabularyErrors folds vocabulary violations into the error streak.
	CountVocabularyErrors bool `yaml:"count_vocabulary_errors"`
}

type SessionConfig struct {
	Dir           string        `yaml:"dir"`
	Title         string        `yaml:"title"`
	AutosaveEvery int           `yaml:"autosave_every"`
	AutosaveDelay time.Duration `yaml:"autosave_delay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: ":8000", GRPCAddr: ":50061"},
		Capture: CaptureConfig{
			Mode:              ModeBoth,
			ExcludedDevices:   []string{"iphone", "teams"},
			TargetRate:        16000,
			MicroChunk:        160,
			SilenceThreshold:  0.01,
			SilenceSkipChunks: 30,
			ChunkBuffer:       1000,
			FramesPerBuffer:   1024,
		},
		Segmentation: SegmentationConfig{
			SpeechThreshold:       0.001,
			StillTalkingThreshold: 0.0005,
			MinSpeech:             3 * time.Second,
			SilenceTimeout:        2 * time.Second,
			MaxBatch:              15 * time.Second,
			Tick:                  100 * time.Millisecond,
		},
		Dispatch: DispatchConfig{
			Endpoint:       "https://generativelanguage.googleapis.com/v1beta/models",
			Model:          "gemini-2.5-flash-preview-09-2025",
			MinInterval:    3 * time.Second,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     60 * time.Second,
			Timeout:        30 * time.Second,
			ErrorCooldown:  3 * time.Second,
		},
		Processing: ProcessingConfig{
			ConfidenceThreshold: 0.5,
			OptimisticEnabled:   true,
			MaxErrorStreak:      5,
			CacheCapacity:       100,
		},
		Session: SessionConfig{
			Dir:           "sessions",
			Title:         "Meeting",
			AutosaveEvery: 10,
			AutosaveDelay: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, the optional file named by
// EARSHOT_CONFIG, and environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("EARSHOT_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults without consulting the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ConfigMissing, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return apperrors.Wrapf(err, apperrors.ConfigInvalid, "parse config file %s", path)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)

	c.Capture.Mode = getEnv("CAPTURE_MODE", c.Capture.Mode)
	c.Capture.ExcludedDevices = getEnvList("EXCLUDED_AUDIO_DEVICES", c.Capture.ExcludedDevices)
	c.Capture.SilenceThreshold = getEnvFloat("SILENCE_THRESHOLD", c.Capture.SilenceThreshold)
	c.Capture.SilenceSkipChunks = getEnvInt("SILENCE_SKIP_CHUNKS", c.Capture.SilenceSkipChunks)

	c.Segmentation.MinSpeech = getEnvDuration("MIN_SPEECH", c.Segmentation.MinSpeech)
	c.Segmentation.SilenceTimeout = getEnvDuration("SILENCE_TIMEOUT", c.Segmentation.SilenceTimeout)
	c.Segmentation.MaxBatch = getEnvDuration("MAX_BATCH", c.Segmentation.MaxBatch)

	c.Dispatch.Endpoint = getEnv("GEMINI_ENDPOINT", c.Dispatch.Endpoint)
	c.Dispatch.Model = getEnv("GEMINI_MODEL", c.Dispatch.Model)
	c.Dispatch.APIKey = getEnv("GEMINI_API_KEY", c.Dispatch.APIKey)
	c.Dispatch.MinInterval = getEnvDuration("MIN_REQUEST_INTERVAL", c.Dispatch.MinInterval)

	c.Processing.ConfidenceThreshold = getEnvFloat("CONFIDENCE_THRESHOLD", c.Processing.ConfidenceThreshold)
	c.Processing.Categories = getEnvList("CATEGORY_FILTER", c.Processing.Categories)
	c.Processing.OptimisticEnabled = getEnvBool("OPTIMISTIC_ENABLED", c.Processing.OptimisticEnabled)
	c.Processing.MaxErrorStreak = getEnvInt("MAX_ERROR_STREAK", c.Processing.MaxErrorStreak)
	c.Processing.CountVocabularyErrors = getEnvBool("COUNT_VOCABULARY_ERRORS", c.Processing.CountVocabularyErrors)

	c.Session.Dir = getEnv("SESSION_DIR", c.Session.Dir)
	c.Session.Title = getEnv("SESSION_TITLE", c.Session.Title)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

// Validate checks every section and reports the first failure.
func (c *Config) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"capture", c.Capture.Validate},
		{"segmentation", c.Segmentation.Validate},
		{"dispatch", c.Dispatch.Validate},
		{"processing", c.Processing.Validate},
		{"session", c.Session.Validate},
		{"logging", c.Logging.Validate},
	}
	for _, chk := range checks {
		if err := chk.fn(); err != nil {
			return apperrors.Wrapf(err, apperrors.ConfigInvalid, "%s config", chk.name)
		}
	}
	return nil
}

func (s ServerConfig) Validate() error {
	if s.HTTPAddr == "" {
		return fmt.Errorf("http_addr cannot be empty")
	}
	return nil
}

func (c CaptureConfig) Validate() error {
	switch c.Mode {
	case ModeMic, ModeSystem, ModeBoth:
	default:
		return fmt.Errorf("mode must be mic, system or both, got %q", c.Mode)
	}
	if c.TargetRate <= 0 {
		return fmt.Errorf("target_rate must be positive, got %d", c.TargetRate)
	}
	if c.MicroChunk <= 0 {
		return fmt.Errorf("micro_chunk must be positive, got %d", c.MicroChunk)
	}
	if c.SilenceThreshold < 0 {
		return fmt.Errorf("silence_threshold must be non-negative, got %f", c.SilenceThreshold)
	}
	if c.SilenceSkipChunks < 0 {
		return fmt.Errorf("silence_skip_chunks must be non-negative, got %d", c.SilenceSkipChunks)
	}
	if c.ChunkBuffer < 1 {
		return fmt.Errorf("chunk_buffer must be at least 1, got %d", c.ChunkBuffer)
	}
	if c.FramesPerBuffer < 1 {
		return fmt.Errorf("frames_per_buffer must be at least 1, got %d", c.FramesPerBuffer)
	}
	return nil
}

func (s SegmentationConfig) Validate() error {
	if s.StillTalkingThreshold > s.SpeechThreshold {
		return fmt.Errorf("still_talking_threshold (%f) must not exceed speech_threshold (%f)",
			s.StillTalkingThreshold, s.SpeechThreshold)
	}
	if s.MinSpeech <= 0 || s.SilenceTimeout <= 0 || s.Tick <= 0 {
		return fmt.Errorf("min_speech, silence_timeout and tick must be positive")
	}
	if s.MaxBatch < s.MinSpeech {
		return fmt.Errorf("max_batch (%s) must be at least min_speech (%s)", s.MaxBatch, s.MinSpeech)
	}
	return nil
}

func (d DispatchConfig) Validate() error {
	if d.Endpoint == "" || d.Model == "" {
		return fmt.Errorf("endpoint and model cannot be empty")
	}
	if d.InitialBackoff <= 0 || d.MaxBackoff < d.InitialBackoff {
		return fmt.Errorf("backoff range invalid: initial %s, max %s", d.InitialBackoff, d.MaxBackoff)
	}
	if d.MinInterval < 0 || d.Timeout <= 0 {
		return fmt.Errorf("min_interval must be non-negative and timeout positive")
	}
	return nil
}

func (p ProcessingConfig) Validate() error {
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", p.ConfidenceThreshold)
	}
	if p.MaxErrorStreak < 1 {
		return fmt.Errorf("max_error_streak must be at least 1, got %d", p.MaxErrorStreak)
	}
	if p.CacheCapacity < 1 {
		return fmt.Errorf("cache_capacity must be at least 1, got %d", p.CacheCapacity)
	}
	return nil
}

func (s SessionConfig) Validate() error {
	if s.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}
	if s.AutosaveEvery < 1 {
		return fmt.Errorf("autosave_every must be at least 1, got %d", s.AutosaveEvery)
	}
	return nil
}

func (l LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("level must be debug, info, warn or error, got %q", l.Level)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
