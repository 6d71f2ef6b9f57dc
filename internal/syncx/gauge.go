package syncx

import (
	"math"
	"sync/atomic"
)

// Gauge is a lock-free float32 cell. Writers on the audio callback path
// never block readers polling for UI updates.
type Gauge struct {
	bits atomic.Uint32
}

// Store publishes v.
func (g *Gauge) Store(v float32) { g.bits.Store(math.Float32bits(v)) }

// Load returns the last published value.
func (g *Gauge) Load() float32 { return math.Float32frombits(g.bits.Load()) }
