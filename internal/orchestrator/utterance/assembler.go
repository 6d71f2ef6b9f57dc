// Package utterance groups micro-chunks into speech utterances using an
// energy-threshold state machine evaluated once per tick.
package utterance

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/earshot/internal/audio"
	"github.com/GriffinCanCode/earshot/internal/metrics"
)

// State of the assembler.
type State int

const (
	Idle State = iota
	Speaking
)

func (s State) String() string {
	return [...]string{"idle", "speaking"}[s]
}

// Result of an Evaluate call.
type Result int

const (
	None Result = iota
	Emitted
	Discarded
)

// Config holds thresholds and timings.
type Config struct {
	SampleRate            int
	SpeechThreshold       float32
	StillTalkingThreshold float32
	MinSpeech             time.Duration
	SilenceTimeout        time.Duration
	MaxBatch              time.Duration
}

// Utterance is a finished buffer of speech ready for dispatch.
type Utterance struct {
	Samples     []float32
	SampleRate  int
	SpeechStart time.Time
	LastSpeech  time.Time
}

// Duration of the buffered audio.
func (u *Utterance) Duration() time.Duration {
	return samplesToDuration(len(u.Samples), u.SampleRate)
}

// Assembler is driven from a single tick loop; the mutex only guards
// snapshot reads from other goroutines.
type Assembler struct {
	cfg        Config
	now        func() time.Time
	maxSamples int
	metrics    *metrics.Metrics

	mu          sync.Mutex
	state       State
	buf         []float32
	speechStart time.Time
	lastSpeech  time.Time
}

// New creates an assembler. now may be nil for wall-clock time.
func New(cfg Config, now func() time.Time, m *metrics.Metrics) *Assembler {
	if now == nil {
		now = time.Now
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Assembler{
		cfg:        cfg,
		now:        now,
		maxSamples: int(cfg.MaxBatch.Seconds() * float64(cfg.SampleRate)),
		metrics:    m,
	}
}

// Ingest folds one tick's drained chunks into the state machine and
// returns the batch RMS.
func (a *Assembler) Ingest(chunks []audio.MicroChunk) float32 {
	if len(chunks) == 0 {
		return 0
	}
	n := 0
	for _, c := range chunks {
		n += len(c.Samples)
	}
	batch := make([]float32, 0, n)
	for _, c := range chunks {
		batch = append(batch, c.Samples...)
	}
	rms := audio.RMS(batch)
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case rms > a.cfg.SpeechThreshold:
		if a.state == Idle {
			a.state = Speaking
			a.speechStart = now
		}
		a.lastSpeech = now
		a.buf = append(a.buf, batch...)
	case a.state == Speaking && rms > a.cfg.StillTalkingThreshold:
		a.lastSpeech = now
		a.buf = append(a.buf, batch...)
	case a.state == Speaking:
		a.buf = append(a.buf, batch...)
	}

	if a.maxSamples > 0 && len(a.buf) > a.maxSamples {
		excess := len(a.buf) - a.maxSamples
		a.buf = append(a.buf[:0], a.buf[excess:]...)
	}
	return rms
}

// Evaluate checks the emit condition. It must run every tick, even when no
// audio arrived, so the silence timeout fires while upstream is gating silence.
func (a *Assembler) Evaluate() (Result, *Utterance) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Speaking {
		return None, nil
	}
	now := a.now()
	sinceStart := now.Sub(a.speechStart)
	sinceSpeech := now.Sub(a.lastSpeech)

	ended := sinceStart >= a.cfg.MinSpeech && sinceSpeech >= a.cfg.SilenceTimeout
	if !ended && sinceStart < a.cfg.MaxBatch {
		return None, nil
	}

	u := &Utterance{
		Samples:     a.buf,
		SampleRate:  a.cfg.SampleRate,
		SpeechStart: a.speechStart,
		LastSpeech:  a.lastSpeech,
	}
	a.resetLocked()

	if u.Duration() < a.cfg.MinSpeech {
		a.metrics.UtterancesDiscarded.Inc()
		return Discarded, nil
	}
	a.metrics.UtterancesEmitted.Inc()
	a.metrics.UtteranceSeconds.Observe(u.Duration().Seconds())
	return Emitted, u
}

// State returns the current state.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Buffered returns the duration of audio currently held.
func (a *Assembler) Buffered() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return samplesToDuration(len(a.buf), a.cfg.SampleRate)
}

// Reset drops any partial utterance.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Assembler) resetLocked() {
	a.state = Idle
	a.buf = nil
	a.speechStart = time.Time{}
	a.lastSpeech = time.Time{}
}

func samplesToDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
