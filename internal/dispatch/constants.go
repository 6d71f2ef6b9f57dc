package dispatch

import "time"

// Dispatcher defaults
const (
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"
	DefaultModel    = "gemini-2.5-flash-preview-09-2025"

	DefaultMinInterval    = 3 * time.Second
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
	DefaultTimeout        = 30 * time.Second
	ProbeTimeout          = 10 * time.Second

	// SampleRate of every utterance handed to Dispatch.
	SampleRate = 16000

	apiKeyHeader = "x-goog-api-key"
	maxBodyBytes = 4 << 20
)
