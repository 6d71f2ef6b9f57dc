// Package audio captures microphone and loopback audio and cuts it into
// fixed-size mono micro-chunks at the target rate.
package audio

import (
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/earshot/internal/syncx"
)

// Source identifies a capture input.
type Source string

const (
	SourceMic    Source = "mic"
	SourceSystem Source = "system"
)

// Frame is one capture callback's worth of interleaved samples.
type Frame struct {
	Samples    []float32
	Channels   int
	SampleRate int
}

// MicroChunk is a fixed-length mono slice at the target rate.
type MicroChunk struct {
	Samples  []float32
	Source   Source
	Captured time.Time
}

// Context carries the state shared between capture callbacks and the
// assembler: the bounded chunk channel, the volume reading and the mode.
type Context struct {
	mode    string
	chunks  chan MicroChunk
	volume  syncx.Gauge
	dropped atomic.Uint64
}

// NewContext creates a capture context with a chunk channel of the given capacity.
func NewContext(mode string, buffer int) *Context {
	if buffer < 1 {
		buffer = 1
	}
	return &Context{mode: mode, chunks: make(chan MicroChunk, buffer)}
}

// Chunks returns the receive side of the chunk channel.
func (c *Context) Chunks() <-chan MicroChunk { return c.chunks }

// Volume returns the RMS of the most recent callback from any source.
func (c *Context) Volume() float32 { return c.volume.Load() }

// Dropped returns how many chunks were discarded because the channel was full.
func (c *Context) Dropped() uint64 { return c.dropped.Load() }

// Mode returns the configured capture mode.
func (c *Context) Mode() string { return c.mode }

// Sources lists the inputs the mode asks for.
func (c *Context) Sources() []Source {
	switch c.mode {
	case "mic":
		return []Source{SourceMic}
	case "system":
		return []Source{SourceSystem}
	default:
		return []Source{SourceMic, SourceSystem}
	}
}

// publish never blocks.
func (c *Context) publish(ch MicroChunk) bool {
	select {
	case c.chunks <- ch:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Drain removes every pending chunk without blocking.
func (c *Context) Drain() []MicroChunk {
	var out []MicroChunk
	for {
		select {
		case ch := <-c.chunks:
			out = append(out, ch)
		default:
			return out
		}
	}
}
