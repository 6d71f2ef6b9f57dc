package orchestrator

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/earshot/internal/audio"
	"github.com/GriffinCanCode/earshot/internal/config"
	"github.com/GriffinCanCode/earshot/internal/dispatch"
	apperrors "github.com/GriffinCanCode/earshot/internal/errors"
	"github.com/GriffinCanCode/earshot/internal/intelligence"
	"github.com/GriffinCanCode/earshot/internal/metrics"
	"github.com/GriffinCanCode/earshot/internal/orchestrator/utterance"
	"github.com/GriffinCanCode/earshot/internal/resilience"
	"github.com/GriffinCanCode/earshot/internal/session"
	"github.com/GriffinCanCode/earshot/internal/syncx"
	"github.com/GriffinCanCode/earshot/internal/trace"
)

// Dispatcher sends one utterance at a time to the audio-understanding service.
type Dispatcher interface {
	Dispatch(ctx context.Context, samples []float32) (string, error)
	Probe(ctx context.Context) error
	Stats() dispatch.Stats
	HasAPIKey() bool
	SetAPIKey(key string)
	SetModel(model string)
	Model() string
}

// Capture produces micro-chunks into the shared audio context.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	ActiveSources() []audio.Source
}

// Option customizes a Manager.
type Option func(*options)

type options struct {
	now        func() time.Time
	dispatcher Dispatcher
	capture    Capture
	httpClient *http.Client
	probeRetry resilience.RetryConfig
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithDispatcher replaces the HTTP dispatcher.
func WithDispatcher(d Dispatcher) Option { return func(o *options) { o.dispatcher = d } }

// WithCapture replaces the portaudio capturer.
func WithCapture(c Capture) Option { return func(o *options) { o.capture = c } }

// WithHTTPClient sets the client used by the default dispatcher.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithProbeRetry overrides the reconnect retry policy.
func WithProbeRetry(cfg resilience.RetryConfig) Option { return func(o *options) { o.probeRetry = cfg } }

// Manager owns the pipeline: a tick loop feeding the assembler, a
// single-flight dispatch worker, and the active session.
type Manager struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	now     func() time.Time

	audio      *audio.Context
	capture    Capture
	assembler  *utterance.Assembler
	dispatcher Dispatcher
	processor  *intelligence.Processor
	store      *session.Store
	autosaver  *session.Autosaver
	probeRetry resilience.RetryConfig

	status     *syncx.RWGuard[dispatch.Status]
	processing atomic.Bool
	healthy    atomic.Bool
	events     chan Event

	hookMu      sync.Mutex
	healthHooks []func(bool)

	sessMu sync.Mutex
	sess   *session.Session

	mu      sync.Mutex
	runCtx  context.Context
	started bool
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New wires the pipeline from cfg.
func New(cfg *config.Config, m *metrics.Metrics, opts ...Option) (*Manager, error) {
	o := options{now: time.Now, probeRetry: resilience.ProbeRetryConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if m == nil {
		m = metrics.NewNop()
	}

	store, err := session.NewStore(cfg.Session.Dir, m)
	if err != nil {
		return nil, err
	}

	mgr := &Manager{
		cfg:        cfg,
		metrics:    m,
		now:        o.now,
		audio:      audio.NewContext(cfg.Capture.Mode, cfg.Capture.ChunkBuffer),
		store:      store,
		probeRetry: o.probeRetry,
		status:     syncx.NewGuard(dispatch.Status{Phase: dispatch.PhaseListening, At: o.now()}),
		events:     make(chan Event, EventChannelBuffer),
		stopCh:     make(chan struct{}),
		runCtx:     context.Background(),
		sess:       session.New(cfg.Session.Title, o.now()),
	}
	mgr.healthy.Store(true)

	mgr.capture = o.capture
	if mgr.capture == nil {
		mgr.capture = audio.NewCapturer(mgr.audio, audio.CaptureConfig{
			Segmenter: audio.SegmenterConfig{
				TargetRate:        cfg.Capture.TargetRate,
				MicroChunk:        cfg.Capture.MicroChunk,
				SilenceThreshold:  float32(cfg.Capture.SilenceThreshold),
				SilenceSkipChunks: cfg.Capture.SilenceSkipChunks,
			},
			ExcludedDevices: cfg.Capture.ExcludedDevices,
			FramesPerBuffer: cfg.Capture.FramesPerBuffer,
		}, m)
	}

	mgr.assembler = utterance.New(utterance.Config{
		SampleRate:            cfg.Capture.TargetRate,
		SpeechThreshold:       float32(cfg.Segmentation.SpeechThreshold),
		StillTalkingThreshold: float32(cfg.Segmentation.StillTalkingThreshold),
		MinSpeech:             cfg.Segmentation.MinSpeech,
		SilenceTimeout:        cfg.Segmentation.SilenceTimeout,
		MaxBatch:              cfg.Segmentation.MaxBatch,
	}, o.now, m)

	mgr.dispatcher = o.dispatcher
	if mgr.dispatcher == nil {
		mgr.dispatcher = dispatch.New(dispatch.Config{
			Endpoint:       cfg.Dispatch.Endpoint,
			Model:          cfg.Dispatch.Model,
			APIKey:         cfg.Dispatch.APIKey,
			MinInterval:    cfg.Dispatch.MinInterval,
			InitialBackoff: cfg.Dispatch.InitialBackoff,
			MaxBackoff:     cfg.Dispatch.MaxBackoff,
			Timeout:        cfg.Dispatch.Timeout,
		}, o.httpClient, m, mgr.observeStatus)
	}

	mgr.processor = intelligence.NewProcessor(intelligence.Settings{
		ConfidenceThreshold:   cfg.Processing.ConfidenceThreshold,
		Categories:            cfg.Processing.Categories,
		OptimisticEnabled:     cfg.Processing.OptimisticEnabled,
		MaxErrorStreak:        cfg.Processing.MaxErrorStreak,
		CountVocabularyErrors: cfg.Processing.CountVocabularyErrors,
	}, cfg.Processing.CacheCapacity, nil, m)

	mgr.autosaver = session.NewAutosaver(mgr.saveSession, cfg.Session.AutosaveEvery, cfg.Session.AutosaveDelay)
	return mgr, nil
}

// Start launches capture and the tick loop. A capture failure is logged and
// the loop still runs so capture can be started later.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.runCtx = ctx
	m.mu.Unlock()

	log := trace.Logger(ctx)
	if err := m.capture.Start(ctx); err != nil {
		log.Warn("audio capture start failed", "error", err)
		m.emitError(err)
	}
	m.setStatus(dispatch.Status{Phase: dispatch.PhaseListening})

	m.wg.Add(1)
	go m.tickLoop(ctx)

	if m.dispatcher.HasAPIKey() {
		m.wg.Add(1)
		go m.startupProbe(ctx)
	} else {
		log.Warn("no API key configured; utterances will fail until one is set")
	}
	return nil
}

// Stop halts the loop, capture and autosave. In-flight work is awaited.
func (m *Manager) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
		m.capture.Stop()
		m.wg.Wait()
		m.autosaver.Stop()
		m.setHealthy(false)
	})
}

func (m *Manager) tickLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Segmentation.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick drains pending chunks, feeds the assembler and, when no dispatch is
// in flight, evaluates the emit condition.
func (m *Manager) tick(ctx context.Context) {
	m.assembler.Ingest(m.audio.Drain())
	if m.processing.Load() {
		return
	}

	res, utt := m.assembler.Evaluate()
	switch res {
	case utterance.Discarded:
		trace.Logger(ctx).Debug("utterance discarded: too short")
	case utterance.Emitted:
		m.processing.Store(true)
		m.wg.Add(1)
		go m.handleUtterance(ctx, utt)
	}
}

func (m *Manager) handleUtterance(ctx context.Context, utt *utterance.Utterance) {
	defer m.wg.Done()
	defer m.processing.Store(false)

	ctx, span := trace.StartSpan(ctx, "utterance")
	defer span.End()
	span.SetAttr("samples", len(utt.Samples))
	span.SetAttr("seconds", utt.Duration().Seconds())
	log := trace.Logger(ctx)

	text, err := m.dispatcher.Dispatch(ctx, utt.Samples)
	if err != nil {
		span.SetAttr("error", err.Error())
		log.Warn("dispatch failed", "error", err, "code", apperrors.CodeOf(err))
		m.emitError(err)
		m.cooldown(ctx)
		m.setStatus(dispatch.Status{Phase: dispatch.PhaseListening})
		return
	}

	out := m.processor.Process(text)
	span.SetAttr("outcome", string(out.Kind))
	m.handleOutcome(ctx, out, text)
	m.setStatus(dispatch.Status{Phase: dispatch.PhaseListening})
}

func (m *Manager) handleOutcome(ctx context.Context, out intelligence.Outcome, raw string) {
	log := trace.Logger(ctx)
	switch out.Kind {
	case intelligence.KindAccepted:
		now := m.now()
		m.sessMu.Lock()
		m.sess.AddTranscript(session.TranscriptFromRecord(*out.Record), now)
		m.sess.SetGraph(m.processor.Graph(), now)
		m.sessMu.Unlock()
		m.autosaver.Touch()
		m.emit(ctx, EventGraph, m.processor.Graph())
		log.Info("record accepted",
			"speaker", out.Record.SpeakerID,
			"categories", out.Record.Intelligence.Category,
			"confidence", out.Record.Intelligence.Confidence,
			"confirmed", out.Confirmed)
	case intelligence.KindSuppressed:
		log.Debug("record suppressed", "confidence", out.Record.Intelligence.Confidence, "categories", out.Record.Intelligence.Category)
	case intelligence.KindSilent:
		log.Debug("silence reported")
	case intelligence.KindError:
		log.Warn("invalid response", "error", out.Err, "preview", preview(raw))
		m.emitError(out.Err)
		if apperrors.IsCode(out.Err, apperrors.StreakExceeded) {
			m.reconnect(ctx)
		}
	}
}

// reconnect marks the service unhealthy and probes it with backoff. The
// streak resets only after a probe succeeds.
func (m *Manager) reconnect(ctx context.Context) {
	ctx, span := trace.StartSpan(ctx, "reconnect")
	defer span.End()
	log := trace.Logger(ctx)

	m.setHealthy(false)
	m.setStatus(dispatch.Status{Phase: dispatch.PhaseError, Message: "too many invalid responses, reconnecting"})
	log.Warn("error streak exceeded, probing service", "streak", m.processor.Streak())

	err := resilience.Retry(ctx, m.probeRetry, func() error { return m.dispatcher.Probe(ctx) })
	if err != nil {
		span.SetAttr("error", err.Error())
		log.Error("reconnect failed", "error", err)
		m.emitError(err)
		return
	}
	m.processor.ResetStreak()
	m.setHealthy(true)
	log.Info("reconnected to service")
}

func (m *Manager) startupProbe(ctx context.Context) {
	defer m.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, StartupProbeTimeout)
	defer cancel()
	if err := m.dispatcher.Probe(ctx); err != nil {
		trace.Logger(ctx).Warn("service probe failed", "error", err)
		m.emitError(err)
		return
	}
}

func (m *Manager) cooldown(ctx context.Context) {
	d := m.cfg.Dispatch.ErrorCooldown
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-m.stopCh:
	case <-t.C:
	}
}

// observeStatus receives dispatcher status transitions.
func (m *Manager) observeStatus(s dispatch.Status) {
	m.status.Set(s)
	m.emit(context.Background(), EventStatus, s)
}

func (m *Manager) setStatus(s dispatch.Status) {
	if s.At.IsZero() {
		s.At = m.now()
	}
	m.observeStatus(s)
}

func (m *Manager) emitError(err error) {
	m.emit(context.Background(), EventError, ErrorEvent{
		Code:    apperrors.CodeOf(err).String(),
		Message: err.Error(),
		At:      m.now(),
	})
}

// emit never blocks; events are dropped when no one is reading.
func (m *Manager) emit(ctx context.Context, t EventType, data any) {
	ev := Event{Type: t, Data: data}
	if tc, ok := trace.FromContext(ctx); ok {
		ev.TraceID = tc.TraceID
	}
	select {
	case m.events <- ev:
	default:
	}
}

// Events returns the pipeline event channel.
func (m *Manager) Events() <-chan Event { return m.events }

// Records returns accepted records as they are cached.
func (m *Manager) Records() <-chan intelligence.CachedRecord { return m.processor.Events() }

// OnHealth registers fn to observe health transitions.
func (m *Manager) OnHealth(fn func(bool)) {
	m.hookMu.Lock()
	m.healthHooks = append(m.healthHooks, fn)
	m.hookMu.Unlock()
	fn(m.healthy.Load())
}

func (m *Manager) setHealthy(ok bool) {
	if m.healthy.Swap(ok) == ok {
		return
	}
	m.hookMu.Lock()
	hooks := append([]func(bool){}, m.healthHooks...)
	m.hookMu.Unlock()
	for _, fn := range hooks {
		fn(ok)
	}
}

// Healthy reports whether the service connection is considered usable.
func (m *Manager) Healthy() bool { return m.healthy.Load() }

// StartCapture (re)opens the capture streams under the manager's run context.
func (m *Manager) StartCapture() error {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if err := m.capture.Start(ctx); err != nil {
		m.emitError(err)
		return err
	}
	return nil
}

// StopCapture closes the capture streams and drops any partial utterance.
func (m *Manager) StopCapture() {
	m.capture.Stop()
	m.audio.Drain()
	m.assembler.Reset()
}

// Status returns a point-in-time view of the pipeline.
func (m *Manager) Status() Snapshot {
	m.sessMu.Lock()
	sessID, transcripts := m.sess.ID, len(m.sess.Transcripts)
	m.sessMu.Unlock()

	return Snapshot{
		Status:           m.status.Get(),
		Capturing:        m.capture.Running(),
		Mode:             m.audio.Mode(),
		Sources:          m.capture.ActiveSources(),
		Volume:           m.audio.Volume(),
		DroppedChunks:    m.audio.Dropped(),
		AssemblerState:   m.assembler.State().String(),
		BufferedSeconds:  m.assembler.Buffered().Seconds(),
		Processing:       m.processing.Load(),
		Healthy:          m.healthy.Load(),
		ErrorStreak:      m.processor.Streak(),
		Dispatch:         m.dispatcher.Stats(),
		Model:            m.dispatcher.Model(),
		APIKeyConfigured: m.dispatcher.HasAPIKey(),
		SessionID:        sessID,
		Transcripts:      transcripts,
	}
}

// SubmitInterim runs keyword speculation on partial text.
func (m *Manager) SubmitInterim(ctx context.Context, text string) (intelligence.Prediction, bool) {
	ctx, _ = trace.EnsureContext(ctx)
	pred, ok := m.processor.Speculate(text)
	if ok {
		m.emit(ctx, EventPrediction, pred)
		m.emit(ctx, EventGraph, m.processor.Graph())
	}
	return pred, ok
}

// Rollback discards every optimistic entry.
func (m *Manager) Rollback(ctx context.Context) int {
	n := m.processor.Rollback()
	m.emit(ctx, EventGraph, m.processor.Graph())
	return n
}

// Recent returns up to n accepted records.
func (m *Manager) Recent(n int) []intelligence.CachedRecord { return m.processor.Recent(n) }

// Graph returns the knowledge graph.
func (m *Manager) Graph() intelligence.Snapshot { return m.processor.Graph() }

// Predictions returns pending predictions.
func (m *Manager) Predictions() []intelligence.Prediction { return m.processor.Predictions() }

// Settings returns the processing settings.
func (m *Manager) Settings() intelligence.Settings { return m.processor.Settings() }

// UpdateSettings swaps processing settings.
func (m *Manager) UpdateSettings(s intelligence.Settings) error { return m.processor.UpdateSettings(s) }

// SetCredentials updates the service key and model; empty values are ignored.
func (m *Manager) SetCredentials(apiKey, model string) {
	if apiKey != "" {
		m.dispatcher.SetAPIKey(apiKey)
	}
	if model != "" {
		m.dispatcher.SetModel(model)
	}
}

// Session returns a copy of the active session.
func (m *Manager) Session() *session.Session {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	return m.sess.Clone()
}

// saveSession writes under sessMu so an autosave never lands on disk after
// CloseSession has written the final document.
func (m *Manager) saveSession(ctx context.Context) error {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	snap := m.sess.Clone()
	if err := m.store.Save(snap); err != nil {
		trace.Logger(ctx).Error("session save failed", "id", snap.ID, "error", err)
		return err
	}
	return nil
}

// CloseSession finalizes, summarizes and saves the active session, then
// opens a fresh one with empty records and graph.
func (m *Manager) CloseSession(ctx context.Context) (*session.Session, error) {
	ctx, span := trace.StartSpan(ctx, "close_session")
	defer span.End()

	m.autosaver.Flush()

	// Save and swap share one sessMu section; a concurrently accepted record
	// lands in exactly one of the two sessions.
	now := m.now()
	m.sessMu.Lock()
	m.sess.SetGraph(m.processor.Graph(), now)
	m.sess.Finalize(now)
	sum := session.Summarize(m.sess, now)
	m.sess.Summary = &sum
	closed := m.sess.Clone()

	if err := m.store.Save(closed); err != nil {
		m.sess.Summary = nil
		m.sessMu.Unlock()
		span.SetAttr("error", err.Error())
		return nil, err
	}

	m.sess = session.New(m.cfg.Session.Title, now)
	next := m.sess.ID
	m.processor.Reset()
	m.sessMu.Unlock()

	trace.Logger(ctx).Info("session closed", "id", closed.ID, "transcripts", len(closed.Transcripts), "next", next)
	m.emit(ctx, EventSession, map[string]string{"closed": closed.ID, "active": next})
	return closed, nil
}

// Sessions lists stored sessions, most recent first.
func (m *Manager) Sessions() ([]*session.Session, error) { return m.store.List() }

// LoadSession reads a stored session.
func (m *Manager) LoadSession(id string) (*session.Session, error) { return m.store.Load(id) }

// DeleteSession removes a stored session.
func (m *Manager) DeleteSession(id string) error { return m.store.Delete(id) }

// ExportSession renders a stored session.
func (m *Manager) ExportSession(id string, f session.Format) ([]byte, error) {
	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	return session.Export(s, f)
}

// SummarizeSession regenerates and stores the local summary of a stored session.
func (m *Manager) SummarizeSession(id string) (*session.Summary, error) {
	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	sum := session.Summarize(s, m.now())
	s.Summary = &sum
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	return &sum, nil
}

func preview(s string) string {
	if len(s) <= ResponsePreviewLen {
		return s
	}
	return s[:ResponsePreviewLen] + "..."
}
