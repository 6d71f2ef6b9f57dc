package dispatch

import "time"

// Phase is the externally visible pipeline state.
type Phase string

const (
	PhaseListening   Phase = "listening"
	PhaseProcessing  Phase = "processing"
	PhaseRateLimited Phase = "rate_limited"
	PhaseError       Phase = "error"
)

// Status is one entry on the status stream.
type Status struct {
	Phase   Phase         `json:"phase"`
	Samples int           `json:"samples,omitempty"`
	Seconds float64       `json:"seconds,omitempty"`
	Backoff time.Duration `json:"backoff_ns,omitempty"`
	Message string        `json:"message,omitempty"`
	At      time.Time     `json:"at"`
}

// Observer receives status transitions. It is called synchronously and must not block.
type Observer func(Status)

// Stats is a snapshot of request counters.
type Stats struct {
	Total       int64         `json:"total"`
	Succeeded   int64         `json:"succeeded"`
	RateLimited int64         `json:"rate_limited"`
	Failed      int64         `json:"failed"`
	Backoff     time.Duration `json:"backoff_ns"`
	LastRequest time.Time     `json:"last_request,omitzero"`
}
