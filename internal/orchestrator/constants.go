// Package orchestrator drives the capture → utterance → dispatch →
// intelligence → session pipeline.
package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Event channel buffer for status/prediction/graph/error events
	EventChannelBuffer = 100

	// Raw response preview length in logs
	ResponsePreviewLen = 200

	// Startup probe budget
	StartupProbeTimeout = 15 * time.Second

	// Default /records page size
	DefaultRecentRecords = 50
)
