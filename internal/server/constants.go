// Package server exposes the pipeline over HTTP, WebSocket and gRPC health.
package server

import "time"

const (
	// Per-connection sliding window for client messages.
	RateLimitMessages = 30
	RateLimitWindow   = time.Second

	// Write deadline for a single broadcast frame.
	WriteTimeout = 5 * time.Second

	// Records returned by GET /api/records when no limit is given.
	DefaultRecordLimit = 50

	// Upper bound on JSON request bodies.
	MaxBodyBytes = 1 << 20

	// Service name reported by the gRPC health server.
	HealthService = "earshot.Pipeline"
)
