package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
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
)

type fakeDispatcher struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	probeErrs []error
	probes    int
	calls     int
	key       string
	model     string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ []float32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return `{"status":"silence"}`, nil
}

func (f *fakeDispatcher) Probe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.probes
	f.probes++
	if i < len(f.probeErrs) {
		return f.probeErrs[i]
	}
	return nil
}

func (f *fakeDispatcher) Stats() dispatch.Stats { return dispatch.Stats{} }
func (f *fakeDispatcher) HasAPIKey() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.key != ""
}
func (f *fakeDispatcher) SetAPIKey(k string) { f.mu.Lock(); f.key = k; f.mu.Unlock() }
func (f *fakeDispatcher) SetModel(m string) {
	if m == "" {
		return
	}
	f.mu.Lock()
	f.model = m
	f.mu.Unlock()
}
func (f *fakeDispatcher) Model() string { f.mu.Lock(); defer f.mu.Unlock(); return f.model }

func (f *fakeDispatcher) probeCount() int { f.mu.Lock(); defer f.mu.Unlock(); return f.probes }

type fakeCapture struct {
	mu       sync.Mutex
	running  bool
	startErr error
	starts   int
}

func (c *fakeCapture) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	return nil
}
func (c *fakeCapture) Stop()         { c.mu.Lock(); c.running = false; c.mu.Unlock() }
func (c *fakeCapture) Running() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.running }
func (c *fakeCapture) ActiveSources() []audio.Source {
	if c.Running() {
		return []audio.Source{audio.SourceMic}
	}
	return nil
}

func record(text string, confidence float64, cats ...string) string {
	quoted := make([]string, len(cats))
	for i, c := range cats {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return fmt.Sprintf(`{"timestamp_ms":1700000000000,"speaker_id":"Speaker 1","transcript_chunk":%q,"is_final":true,`+
		`"intelligence":{"category":[%s],"summary":"s","tone":"NEUTRAL","confidence":%g,`+
		`"entities":[{"text":"Acme","type":"ORG"}]}}`, text, strings.Join(quoted, ","), confidence)
}

func newTestManager(t *testing.T, d *fakeDispatcher, c *fakeCapture) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Session.Dir = t.TempDir()
	cfg.Dispatch.ErrorCooldown = 0
	cfg.Segmentation.Tick = 10 * time.Millisecond
	cfg.Processing.MaxErrorStreak = 1

	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m, err := New(cfg, metrics.NewNop(),
		WithDispatcher(d),
		WithCapture(c),
		WithClock(func() time.Time { return t0 }),
		WithProbeRetry(resilience.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func dispatchOnce(m *Manager) {
	m.processing.Store(true)
	m.wg.Add(1)
	m.handleUtterance(context.Background(), &utterance.Utterance{Samples: make([]float32, 16000), SampleRate: 16000})
}

func drainEvents(m *Manager) []Event {
	var out []Event
	for {
		select {
		case ev := <-m.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(evs []Event, t EventType) bool {
	for _, ev := range evs {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func TestHandleUtteranceAccepted(t *testing.T) {
	d := &fakeDispatcher{responses: []string{record("we ship on friday", 0.9, intelligence.CategoryDecision)}}
	m := newTestManager(t, d, &fakeCapture{})

	dispatchOnce(m)

	if m.processing.Load() {
		t.Error("processing flag should clear after dispatch")
	}
	s := m.Session()
	if len(s.Transcripts) != 1 || s.Transcripts[0].Text != "we ship on friday" {
		t.Fatalf("transcripts = %+v", s.Transcripts)
	}
	if len(s.GraphNodes) == 0 {
		t.Error("session graph should include the record's entities")
	}
	if got := m.autosaver.Pending(); got != 1 {
		t.Errorf("autosave pending = %d, want 1", got)
	}
	if got := len(m.Recent(0)); got != 1 {
		t.Errorf("recent = %d, want 1", got)
	}
	if !hasEvent(drainEvents(m), EventGraph) {
		t.Error("expected a graph event")
	}
	if got := m.Status().Status.Phase; got != dispatch.PhaseListening {
		t.Errorf("phase = %s, want listening", got)
	}
}

func TestHandleUtteranceSuppressed(t *testing.T) {
	d := &fakeDispatcher{responses: []string{record("meh", 0.1, intelligence.CategoryInfo)}}
	m := newTestManager(t, d, &fakeCapture{})

	dispatchOnce(m)

	if n := len(m.Session().Transcripts); n != 0 {
		t.Errorf("suppressed record stored %d transcripts", n)
	}
}

func TestHandleUtteranceDispatchError(t *testing.T) {
	d := &fakeDispatcher{errs: []error{apperrors.New(apperrors.RateLimited, "slow down")}}
	m := newTestManager(t, d, &fakeCapture{})

	dispatchOnce(m)

	evs := drainEvents(m)
	var found bool
	for _, ev := range evs {
		if e, ok := ev.Data.(ErrorEvent); ok && e.Code == "RATE_LIMITED" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected RATE_LIMITED error event, got %+v", evs)
	}
	if m.processor.Streak() != 0 {
		t.Error("transport errors must not count toward the error streak")
	}
	if m.processing.Load() {
		t.Error("processing flag should clear after a failed dispatch")
	}
}

func TestStreakExceededReconnects(t *testing.T) {
	d := &fakeDispatcher{
		responses: []string{"not json", "still not json"},
		probeErrs: []error{apperrors.New(apperrors.RateLimited, "busy")},
	}
	m := newTestManager(t, d, &fakeCapture{})

	var mu sync.Mutex
	var transitions []bool
	m.OnHealth(func(ok bool) {
		mu.Lock()
		transitions = append(transitions, ok)
		mu.Unlock()
	})

	dispatchOnce(m)
	if got := m.processor.Streak(); got != 1 {
		t.Fatalf("streak after first failure = %d, want 1", got)
	}
	if d.probeCount() != 0 {
		t.Fatal("no reconnect expected before the streak is exceeded")
	}

	dispatchOnce(m)
	if got := d.probeCount(); got != 2 {
		t.Errorf("probes = %d, want 2 (one retry)", got)
	}
	if got := m.processor.Streak(); got != 0 {
		t.Errorf("streak after reconnect = %d, want 0", got)
	}
	if !m.Healthy() {
		t.Error("manager should be healthy after reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("health transitions = %v, want %v", transitions, want)
	}
}

func TestReconnectFailureKeepsStreak(t *testing.T) {
	d := &fakeDispatcher{
		responses: []string{"bad", "bad"},
		probeErrs: []error{apperrors.New(apperrors.QuotaExhausted, "quota")},
	}
	m := newTestManager(t, d, &fakeCapture{})

	dispatchOnce(m)
	dispatchOnce(m)

	if d.probeCount() != 1 {
		t.Errorf("non-retryable probe error should not be retried, probes = %d", d.probeCount())
	}
	if m.Healthy() {
		t.Error("manager should stay unhealthy when reconnect fails")
	}
	if m.processor.Streak() == 0 {
		t.Error("streak should not reset when reconnect fails")
	}
}

func TestSubmitInterimAndRollback(t *testing.T) {
	m := newTestManager(t, &fakeDispatcher{}, &fakeCapture{})
	ctx := context.Background()

	pred, ok := m.SubmitInterim(ctx, "We decided to hire")
	if !ok || pred.Category != intelligence.CategoryDecision {
		t.Fatalf("SubmitInterim = %+v, %v", pred, ok)
	}
	if _, ok := m.SubmitInterim(ctx, "nothing to see"); ok {
		t.Error("unmatched text should not predict")
	}
	if len(m.Predictions()) != 1 {
		t.Errorf("predictions = %d, want 1", len(m.Predictions()))
	}
	if !hasEvent(drainEvents(m), EventPrediction) {
		t.Error("expected a prediction event")
	}

	if n := m.Rollback(ctx); n != 1 {
		t.Errorf("rolled back %d entries, want 1", n)
	}
	if len(m.Predictions()) != 0 || len(m.Graph().Nodes) != 0 {
		t.Error("rollback should clear predictions and optimistic nodes")
	}
}

func TestSubmitInterimEventsShareTrace(t *testing.T) {
	m := newTestManager(t, &fakeDispatcher{}, &fakeCapture{})
	if _, ok := m.SubmitInterim(context.Background(), "what if it fails"); !ok {
		t.Fatal("expected a prediction")
	}

	evs := drainEvents(m)
	if len(evs) != 2 {
		t.Fatalf("events = %+v, want prediction and graph", evs)
	}
	if evs[0].TraceID == "" || evs[0].TraceID != evs[1].TraceID {
		t.Errorf("trace ids = %q, %q, want one shared id", evs[0].TraceID, evs[1].TraceID)
	}
}

func TestCloseSession(t *testing.T) {
	d := &fakeDispatcher{responses: []string{record("I will send the deck", 0.8, intelligence.CategoryActionItem)}}
	m := newTestManager(t, d, &fakeCapture{})
	dispatchOnce(m)
	first := m.Session().ID

	closed, err := m.CloseSession(context.Background())
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if closed.ID != first {
		t.Errorf("closed id = %s, want %s", closed.ID, first)
	}
	if closed.Summary == nil || len(closed.Summary.ActionItems) != 1 {
		t.Errorf("summary = %+v", closed.Summary)
	}
	if closed.Metadata.TotalTranscripts != 1 {
		t.Errorf("total transcripts = %d, want 1", closed.Metadata.TotalTranscripts)
	}

	next := m.Session()
	if next.ID == first || len(next.Transcripts) != 0 {
		t.Error("a fresh session should be active after close")
	}
	if len(m.Recent(0)) != 0 || len(m.Graph().Nodes) != 0 {
		t.Error("close should reset records and graph")
	}

	loaded, err := m.LoadSession(first)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(loaded.Transcripts) != 1 {
		t.Errorf("loaded transcripts = %d", len(loaded.Transcripts))
	}

	md, err := m.ExportSession(first, session.FormatMarkdown)
	if err != nil {
		t.Fatalf("ExportSession: %v", err)
	}
	if !strings.Contains(string(md), "I will send the deck") {
		t.Errorf("markdown export missing transcript:\n%s", md)
	}

	list, err := m.Sessions()
	if err != nil || len(list) != 1 {
		t.Fatalf("Sessions = %d, %v", len(list), err)
	}
	if err := m.DeleteSession(first); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := m.LoadSession(first); !apperrors.IsCode(err, apperrors.NotFound) {
		t.Errorf("load after delete = %v, want NotFound", err)
	}
}

func TestCloseSessionKeepsConcurrentRecords(t *testing.T) {
	const n = 50
	d := &fakeDispatcher{}
	for i := 0; i < n; i++ {
		d.responses = append(d.responses, record(fmt.Sprint("entry ", i), 0.9, intelligence.CategoryInfo))
	}
	m := newTestManager(t, d, &fakeCapture{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			dispatchOnce(m)
		}
	}()
	closed, err := m.CloseSession(context.Background())
	<-done
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	saved, err := m.LoadSession(closed.ID)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got := len(saved.Transcripts) + len(m.Session().Transcripts); got != n {
		t.Errorf("saved %d + active %d transcripts, want %d total",
			len(saved.Transcripts), len(m.Session().Transcripts), n)
	}
}

func TestSummarizeSession(t *testing.T) {
	d := &fakeDispatcher{responses: []string{record("blocker on the API", 0.7, intelligence.CategoryRisk)}}
	m := newTestManager(t, d, &fakeCapture{})
	dispatchOnce(m)
	closed, err := m.CloseSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	sum, err := m.SummarizeSession(closed.ID)
	if err != nil {
		t.Fatalf("SummarizeSession: %v", err)
	}
	if len(sum.Risks) != 1 {
		t.Errorf("risks = %v", sum.Risks)
	}
	if _, err := m.SummarizeSession("not-a-uuid"); !apperrors.IsCode(err, apperrors.InvalidArgument) {
		t.Errorf("bad id err = %v", err)
	}
}

func TestSetCredentials(t *testing.T) {
	d := &fakeDispatcher{model: "m1"}
	m := newTestManager(t, d, &fakeCapture{})

	m.SetCredentials("key", "")
	if !d.HasAPIKey() || d.Model() != "m1" {
		t.Errorf("key=%v model=%s", d.HasAPIKey(), d.Model())
	}
	m.SetCredentials("", "m2")
	if d.Model() != "m2" || !m.Status().APIKeyConfigured {
		t.Errorf("model=%s configured=%v", d.Model(), m.Status().APIKeyConfigured)
	}
}

func TestStartCaptureFailureIsNotFatal(t *testing.T) {
	c := &fakeCapture{startErr: apperrors.New(apperrors.DeviceUnavailable, "no mic")}
	m := newTestManager(t, &fakeDispatcher{}, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.Status().Capturing {
		t.Error("capture should not be running")
	}

	c.mu.Lock()
	c.startErr = nil
	c.mu.Unlock()
	if err := m.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if !m.Status().Capturing || len(m.Status().Sources) != 1 {
		t.Error("capture should be running after restart")
	}
	m.StopCapture()
	if m.Status().Capturing {
		t.Error("capture should stop")
	}
}

func TestStartProbesWhenKeyConfigured(t *testing.T) {
	d := &fakeDispatcher{key: "k", probeErrs: []error{errors.New("down")}}
	m := newTestManager(t, d, &fakeCapture{})

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for d.probeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.probeCount() != 1 {
		t.Errorf("startup probes = %d, want 1", d.probeCount())
	}
}

func TestTickSkipsEvaluateWhileProcessing(t *testing.T) {
	m := newTestManager(t, &fakeDispatcher{}, &fakeCapture{})
	m.processing.Store(true)
	m.tick(context.Background())
	if got := m.assembler.State(); got != utterance.Idle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("x", ResponsePreviewLen+10)
	if got := preview(long); len(got) != ResponsePreviewLen+3 {
		t.Errorf("preview len = %d", len(got))
	}
	if got := preview("short"); got != "short" {
		t.Errorf("preview = %q", got)
	}
}
