package orchestrator

import (
	"time"

	"github.com/GriffinCanCode/earshot/internal/audio"
	"github.com/GriffinCanCode/earshot/internal/dispatch"
)

// EventType names a pipeline event.
type EventType string

const (
	EventStatus     EventType = "status"
	EventPrediction EventType = "prediction"
	EventGraph      EventType = "graph"
	EventError      EventType = "error"
	EventSession    EventType = "session"
)

// Event is pushed to observers such as WebSocket clients.
type Event struct {
	Type    EventType `json:"type"`
	Data    any       `json:"data"`
	TraceID string    `json:"trace_id,omitempty"`
}

// ErrorEvent describes a recoverable failure.
type ErrorEvent struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is the pipeline state served by the status endpoint.
type Snapshot struct {
	Status           dispatch.Status `json:"status"`
	Capturing        bool            `json:"capturing"`
	Mode             string          `json:"mode"`
	Sources          []audio.Source  `json:"sources"`
	Volume           float32         `json:"volume"`
	DroppedChunks    uint64          `json:"dropped_chunks"`
	AssemblerState   string          `json:"assembler_state"`
	BufferedSeconds  float64         `json:"buffered_seconds"`
	Processing       bool            `json:"processing"`
	Healthy          bool            `json:"healthy"`
	ErrorStreak      int             `json:"error_streak"`
	Dispatch         dispatch.Stats  `json:"dispatch"`
	Model            string          `json:"model"`
	APIKeyConfigured bool            `json:"api_key_configured"`
	SessionID        string          `json:"session_id"`
	Transcripts      int             `json:"transcripts"`
}
