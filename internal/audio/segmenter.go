package audio

import (
	"log/slog"
	"sync"
	"time"

	"github.com/GriffinCanCode/earshot/internal/metrics"
)

// SegmenterConfig holds the per-source chunking and silence-gate settings.
type SegmenterConfig struct {
	TargetRate        int
	MicroChunk        int
	SilenceThreshold  float32
	SilenceSkipChunks int
}

// Segmenter turns raw callback frames from one source into micro-chunks.
// Process is called from the audio callback; its lock is held only while
// the accumulation buffer and silence counter are touched.
type Segmenter struct {
	cfg     SegmenterConfig
	source  Source
	sink    *Context
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	buf    []float32
	silent int

	rateWarn sync.Once
}

// NewSegmenter creates a segmenter publishing into sink.
func NewSegmenter(source Source, cfg SegmenterConfig, sink *Context, m *metrics.Metrics) *Segmenter {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Segmenter{
		cfg:     cfg,
		source:  source,
		sink:    sink,
		metrics: m,
		now:     time.Now,
		buf:     make([]float32, 0, cfg.MicroChunk*4),
	}
}

// Process handles one callback and returns how many chunks were published.
func (s *Segmenter) Process(f Frame) int {
	if len(f.Samples) == 0 {
		return 0
	}

	mono := ToMono(f.Samples, f.Channels)
	if !IsIntegerMultiple(f.SampleRate, s.cfg.TargetRate) && f.SampleRate != s.cfg.TargetRate {
		s.rateWarn.Do(func() {
			slog.Warn("source rate is not an integer multiple of target, passing through unresampled",
				"source", s.source, "rate", f.SampleRate, "target", s.cfg.TargetRate)
		})
	}
	resampled := Decimate(mono, f.SampleRate, s.cfg.TargetRate)

	rms := RMS(resampled)
	s.sink.volume.Store(rms)
	s.metrics.InputLevel.Set(float64(rms))

	s.mu.Lock()
	if rms < s.cfg.SilenceThreshold {
		s.silent++
		if s.silent > s.cfg.SilenceSkipChunks {
			s.mu.Unlock()
			s.metrics.SilenceSkipped.WithLabelValues(string(s.source)).Inc()
			return 0
		}
	} else {
		s.silent = 0
	}

	s.buf = append(s.buf, resampled...)
	var ready [][]float32
	for len(s.buf) >= s.cfg.MicroChunk {
		chunk := make([]float32, s.cfg.MicroChunk)
		copy(chunk, s.buf[:s.cfg.MicroChunk])
		ready = append(ready, chunk)
		s.buf = s.buf[s.cfg.MicroChunk:]
	}
	// compact so the backing array does not grow without bound
	if cap(s.buf)-len(s.buf) < s.cfg.MicroChunk {
		s.buf = append(make([]float32, 0, s.cfg.MicroChunk*4), s.buf...)
	}
	s.mu.Unlock()

	published := 0
	at := s.now()
	for _, samples := range ready {
		if s.sink.publish(MicroChunk{Samples: samples, Source: s.source, Captured: at}) {
			published++
			s.metrics.ChunksPublished.WithLabelValues(string(s.source)).Inc()
		} else {
			s.metrics.ChunksDropped.WithLabelValues(string(s.source)).Inc()
		}
	}
	return published
}

// Pending returns how many samples are waiting for a full micro-chunk.
func (s *Segmenter) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
