package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/earshot/internal/errors"
)

// fakeClock advances only when the dispatcher sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDispatcher(t *testing.T, h http.HandlerFunc) (*Dispatcher, *fakeClock, *[]Status) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	var statuses []Status
	d := New(Config{Endpoint: srv.URL, APIKey: "k"}, srv.Client(), nil, func(s Status) { statuses = append(statuses, s) })
	clk := &fakeClock{now: time.Unix(1000, 0)}
	d.now = clk.Now
	d.sleep = clk.Sleep
	return d, clk, &statuses
}

func okBody(text string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": text}}}}},
	})
	return string(b)
}

func TestDispatchSuccess(t *testing.T) {
	var gotPath, gotKey string
	var gotReq generateRequest
	d, _, statuses := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get(apiKeyHeader)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)
		io.WriteString(w, okBody(`{"status":"silence"}`))
	})

	text, err := d.Dispatch(context.Background(), make([]float32, 16000))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if text != `{"status":"silence"}` {
		t.Errorf("text = %q", text)
	}
	if gotPath != "/"+DefaultModel+":generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "k" {
		t.Errorf("api key header = %q", gotKey)
	}
	if len(gotReq.Contents) != 1 || len(gotReq.Contents[0].Parts) != 2 {
		t.Fatalf("unexpected request shape: %+v", gotReq)
	}
	if gotReq.Contents[0].Parts[0].Text != descriptiveText {
		t.Errorf("text part = %q", gotReq.Contents[0].Parts[0].Text)
	}
	if inl := gotReq.Contents[0].Parts[1].InlineData; inl == nil || inl.MimeType != "audio/wav" || inl.Data == "" {
		t.Errorf("inline data = %+v", inl)
	}
	if gotReq.GenerationConfig.Temperature != 0.1 || gotReq.GenerationConfig.MaxOutputTokens != 512 {
		t.Errorf("generation config = %+v", gotReq.GenerationConfig)
	}
	if len(*statuses) == 0 || (*statuses)[0].Phase != PhaseProcessing || (*statuses)[0].Seconds != 1 {
		t.Errorf("statuses = %+v", *statuses)
	}
	if s := d.Stats(); s.Total != 1 || s.Succeeded != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDispatchMissingKey(t *testing.T) {
	calls := 0
	d, _, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) { calls++ })
	d.SetAPIKey("")

	_, err := d.Dispatch(context.Background(), []float32{0.1})
	if !apperrors.IsCode(err, apperrors.ConfigMissing) {
		t.Fatalf("err = %v, want ConfigMissing", err)
	}
	if calls != 0 {
		t.Errorf("request issued without key")
	}
}

func TestDispatchEnforcesMinInterval(t *testing.T) {
	var starts []time.Time
	var clk *fakeClock
	d, clk, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		starts = append(starts, clk.Now())
		io.WriteString(w, okBody("x"))
	})

	for i := 0; i < 3; i++ {
		if _, err := d.Dispatch(context.Background(), []float32{0}); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
		clk.Advance(time.Second)
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < DefaultMinInterval {
			t.Errorf("gap %d = %v, want >= %v", i, gap, DefaultMinInterval)
		}
	}
	if len(clk.sleeps) != 2 || clk.sleeps[0] != 2*time.Second {
		t.Errorf("sleeps = %v, want two 2s waits", clk.sleeps)
	}
}

func TestProbeSharesRequestInterval(t *testing.T) {
	var starts []time.Time
	var clk *fakeClock
	d, clk, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		starts = append(starts, clk.Now())
		io.WriteString(w, okBody("x"))
	})
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, []float32{0}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := d.Probe(ctx); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if _, err := d.Dispatch(ctx, []float32{0}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(starts) != 3 {
		t.Fatalf("requests = %d, want 3", len(starts))
	}
	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < DefaultMinInterval {
			t.Errorf("requests %d and %d only %v apart, want >= %v", i-1, i, gap, DefaultMinInterval)
		}
	}
}

func TestProbeWaitsOutBackoff(t *testing.T) {
	d, clk, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {})
	d.backoff.Escalate()

	if err := d.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(clk.sleeps) != 1 || clk.sleeps[0] != DefaultInitialBackoff {
		t.Errorf("sleeps = %v, want one %v backoff wait", clk.sleeps, DefaultInitialBackoff)
	}
}

func TestDispatchBackoffEscalatesAndResets(t *testing.T) {
	limited := 6
	d, clk, statuses := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		if limited > 0 {
			limited--
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`)
			return
		}
		io.WriteString(w, okBody("done"))
	})

	want := []time.Duration{5, 10, 20, 40, 60, 60}
	for i, w := range want {
		_, err := d.Dispatch(context.Background(), []float32{0})
		if !apperrors.IsCode(err, apperrors.RateLimited) {
			t.Fatalf("attempt %d: err = %v, want RateLimited", i, err)
		}
		if got := d.Backoff(); got != w*time.Second {
			t.Errorf("attempt %d backoff = %v, want %v", i, got, w*time.Second)
		}
	}

	clk.sleeps = nil
	text, err := d.Dispatch(context.Background(), []float32{0})
	if err != nil || text != "done" {
		t.Fatalf("recovery = %q, %v", text, err)
	}
	if d.Backoff() != 0 {
		t.Errorf("backoff after success = %v, want 0", d.Backoff())
	}
	var waitedBackoff bool
	for _, s := range clk.sleeps {
		if s == 60*time.Second {
			waitedBackoff = true
		}
	}
	if !waitedBackoff {
		t.Errorf("sleeps = %v, want the 60s backoff honoured", clk.sleeps)
	}

	var sawLimited bool
	for _, s := range *statuses {
		if s.Phase == PhaseRateLimited {
			sawLimited = true
		}
	}
	if !sawLimited {
		t.Error("no rate_limited status emitted")
	}
	if s := d.Stats(); s.RateLimited != 6 || s.Succeeded != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDispatchClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode apperrors.Code
		wantText string
	}{
		{"body marker", 200, `{"error":{"message":"RESOURCE_EXHAUSTED"}}`, apperrors.RateLimited, ""},
		{"service error", 400, `{"error":{"code":400,"message":"bad audio","status":"INVALID_ARGUMENT"}}`, apperrors.ServiceError, ""},
		{"raw fallback", 200, `not json at all`, apperrors.Unknown, "not json at all"},
		{"marker in candidate text", 200, okBody("the accurate rate is 429"), apperrors.RateLimited, ""},
		{"quota status in 200 body", 200, okBody("RESOURCE_EXHAUSTED"), apperrors.RateLimited, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			text, err := d.Dispatch(context.Background(), []float32{0})
			if tt.wantCode == apperrors.Unknown {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				if text != tt.wantText {
					t.Errorf("text = %q, want %q", text, tt.wantText)
				}
				return
			}
			if !apperrors.IsCode(err, tt.wantCode) {
				t.Errorf("err = %v, want %s", err, tt.wantCode)
			}
		})
	}
}

func TestDispatchServiceErrorResetsBackoff(t *testing.T) {
	calls := 0
	d, _, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad"}}`)
	})
	d.Dispatch(context.Background(), []float32{0})
	if d.Backoff() == 0 {
		t.Fatal("expected backoff after 429")
	}
	_, err := d.Dispatch(context.Background(), []float32{0})
	if !apperrors.IsCode(err, apperrors.ServiceError) {
		t.Fatalf("err = %v", err)
	}
	if d.Backoff() != 0 {
		t.Errorf("backoff = %v, want reset on non-rate-limited response", d.Backoff())
	}
}

func TestDispatchNetworkFailureKeepsBackoff(t *testing.T) {
	d, _, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {})
	d.backoff.Escalate()
	d.cfg.Endpoint = "http://127.0.0.1:1"

	_, err := d.Dispatch(context.Background(), []float32{0})
	if !apperrors.IsCode(err, apperrors.NetworkFailure) {
		t.Fatalf("err = %v, want NetworkFailure", err)
	}
	if d.Backoff() != DefaultInitialBackoff {
		t.Errorf("backoff = %v, want untouched", d.Backoff())
	}
}

func TestProbe(t *testing.T) {
	tests := []struct {
		status int
		want   apperrors.Code
	}{
		{200, apperrors.Unknown},
		{429, apperrors.RateLimited},
		{403, apperrors.QuotaExhausted},
		{500, apperrors.ServiceError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var body string
			d, _, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				body = string(b)
				w.WriteHeader(tt.status)
			})
			err := d.Probe(context.Background())
			if !strings.Contains(body, `"text":"OK"`) {
				t.Errorf("probe body = %s", body)
			}
			if tt.want == apperrors.Unknown {
				if err != nil {
					t.Errorf("err = %v", err)
				}
				return
			}
			if !apperrors.IsCode(err, tt.want) {
				t.Errorf("err = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestSetModel(t *testing.T) {
	var path string
	d, _, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		io.WriteString(w, okBody("x"))
	})
	d.SetModel("other-model")
	d.SetModel("")
	if _, err := d.Dispatch(context.Background(), []float32{0}); err != nil {
		t.Fatal(err)
	}
	if path != "/other-model:generateContent" {
		t.Errorf("path = %q", path)
	}
}
