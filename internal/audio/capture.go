package audio

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/GriffinCanCode/earshot/internal/errors"
	"github.com/GriffinCanCode/earshot/internal/metrics"
)

var (
	loopbackKeywords = []string{"blackhole", "vb-cable", "loopback", "monitor", "soundflower", "stereo mix", "what u hear", "wave out"}
	micKeywords      = []string{"microphone", "input", "mic", "built-in"}
	preferredMics    = []string{"macbook", "built-in"}
)

// CaptureConfig selects devices and buffer sizes for the portaudio streams.
type CaptureConfig struct {
	Segmenter       SegmenterConfig
	ExcludedDevices []string
	FramesPerBuffer int
}

// Capturer opens one portaudio callback stream per requested source.
type Capturer struct {
	ctx     *Context
	cfg     CaptureConfig
	metrics *metrics.Metrics

	mu      sync.Mutex
	sources []*sourceCapture
	running bool
}

type sourceCapture struct {
	source   Source
	device   string
	stream   *portaudio.Stream
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewCapturer creates a capturer publishing into ctx.
func NewCapturer(ctx *Context, cfg CaptureConfig, m *metrics.Metrics) *Capturer {
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 1024
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Capturer{ctx: ctx, cfg: cfg, metrics: m}
}

// Running reports whether capture is active.
func (c *Capturer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start opens a stream for each source the context's mode requests.
// A source that fails is logged and skipped; Start errors only when
// no source could be opened.
func (c *Capturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return apperrors.Wrap(err, apperrors.DeviceUnavailable, "initialize portaudio")
	}

	devices, err := portaudio.Devices()
	if err != nil {
		_ = portaudio.Terminate()
		return apperrors.Wrap(err, apperrors.DeviceUnavailable, "enumerate devices")
	}
	defaultIn, _ := portaudio.DefaultInputDevice()
	picked := c.selectDevices(devices, defaultIn)

	var lastErr error
	for _, src := range c.ctx.Sources() {
		dev := picked[src]
		if dev == nil {
			lastErr = apperrors.Newf(apperrors.DeviceUnavailable, "no %s device found", src)
			slog.Warn("capture source unavailable", "source", src)
			continue
		}
		sc, err := c.startSource(ctx, src, dev)
		if err != nil {
			lastErr = err
			slog.Warn("failed to start capture source", "source", src, "device", dev.Name, "error", err)
			continue
		}
		c.sources = append(c.sources, sc)
		slog.Info("started audio capture", "source", src, "device", dev.Name, "rate", dev.DefaultSampleRate)
	}

	if len(c.sources) == 0 {
		_ = portaudio.Terminate()
		if lastErr == nil {
			lastErr = apperrors.New(apperrors.DeviceUnavailable, "no capture sources requested")
		}
		return lastErr
	}
	c.running = true
	return nil
}

// selectDevices picks the microphone (default input first, then the best
// keyword match) and the first loopback device.
func (c *Capturer) selectDevices(devices []*portaudio.DeviceInfo, defaultIn *portaudio.DeviceInfo) map[Source]*portaudio.DeviceInfo {
	out := make(map[Source]*portaudio.DeviceInfo, 2)

	if defaultIn != nil && defaultIn.MaxInputChannels > 0 && !c.isExcluded(defaultIn.Name) &&
		classifyDevice(defaultIn.Name) != SourceSystem {
		out[SourceMic] = defaultIn
	}

	for _, dev := range devices {
		if dev.MaxInputChannels < 1 || c.isExcluded(dev.Name) {
			continue
		}
		switch classifyDevice(dev.Name) {
		case SourceSystem:
			if out[SourceSystem] == nil {
				out[SourceSystem] = dev
			}
		case SourceMic:
			if out[SourceMic] == nil || (out[SourceMic] != defaultIn && preferDevice(dev.Name, out[SourceMic].Name)) {
				out[SourceMic] = dev
			}
		}
	}
	return out
}

func (c *Capturer) startSource(ctx context.Context, src Source, dev *portaudio.DeviceInfo) (*sourceCapture, error) {
	channels := dev.MaxInputChannels
	if channels > 2 {
		channels = 2
	}
	rate := int(dev.DefaultSampleRate)
	seg := NewSegmenter(src, c.cfg.Segmenter, c.ctx, c.metrics)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      dev.DefaultSampleRate,
		FramesPerBuffer: c.cfg.FramesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, func(in []float32) {
		seg.Process(Frame{Samples: in, Channels: channels, SampleRate: rate})
	})
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.StreamBuildFailure, "open %s stream", src)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, apperrors.Wrapf(err, apperrors.StreamBuildFailure, "start %s stream", src)
	}

	sc := &sourceCapture{
		source: src,
		device: dev.Name,
		stream: stream,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sc.done)
		select {
		case <-ctx.Done():
		case <-sc.stopCh:
		}
		_ = sc.stream.Stop()
		_ = sc.stream.Close()
		slog.Debug("capture source stopped", "source", sc.source, "device", sc.device)
	}()
	return sc, nil
}

func (s *sourceCapture) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

// Stop signals every source once and releases portaudio.
func (c *Capturer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	for _, s := range c.sources {
		s.stop()
	}
	c.sources = nil
	c.running = false
	_ = portaudio.Terminate()
}

// ActiveSources returns the sources currently streaming.
func (c *Capturer) ActiveSources() []Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Source, 0, len(c.sources))
	for _, s := range c.sources {
		out = append(out, s.source)
	}
	return out
}

func classifyDevice(name string) Source {
	if containsAny(name, loopbackKeywords) {
		return SourceSystem
	}
	if containsAny(name, micKeywords) {
		return SourceMic
	}
	return ""
}

func (c *Capturer) isExcluded(name string) bool {
	return containsAny(name, c.cfg.ExcludedDevices)
}

// preferDevice reports whether name beats current as the microphone.
func preferDevice(name, current string) bool {
	for _, p := range preferredMics {
		if containsIgnoreCase(name, p) && !containsIgnoreCase(current, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if containsIgnoreCase(s, kw) {
			return true
		}
	}
	return false
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
