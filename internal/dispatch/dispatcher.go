// Package dispatch sends utterances to the Gemini generateContent endpoint
// under a minimum request interval and an escalating rate-limit backoff.
package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/GriffinCanCode/earshot/internal/errors"
	"github.com/GriffinCanCode/earshot/internal/metrics"
	"github.com/GriffinCanCode/earshot/internal/resilience"
	"github.com/GriffinCanCode/earshot/internal/syncx"
	"github.com/GriffinCanCode/earshot/internal/trace"
)

// Config holds dispatcher settings.
type Config struct {
	Endpoint       string
	Model          string
	APIKey         string
	Prompt         string
	MinInterval    time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Prompt == "" {
		c.Prompt = Prompt
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

type credentials struct {
	apiKey string
	model  string
}

// Dispatcher issues at most one request per call; callers serialize calls.
type Dispatcher struct {
	cfg      Config
	http     *http.Client
	backoff  *resilience.Backoff
	creds    *syncx.RWGuard[credentials]
	metrics  *metrics.Metrics
	observer Observer

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	mu        sync.Mutex
	lastStart time.Time

	total, succeeded, rateLimited, failed atomic.Int64
}

// New creates a dispatcher. A nil client uses http.DefaultTransport.
func New(cfg Config, client *http.Client, m *metrics.Metrics, observer Observer) *Dispatcher {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if observer == nil {
		observer = func(Status) {}
	}
	d := &Dispatcher{
		cfg:      cfg,
		http:     client,
		creds:    syncx.NewGuard(credentials{apiKey: cfg.APIKey, model: cfg.Model}),
		metrics:  m,
		observer: observer,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	d.backoff = resilience.NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff).WithHook(func(b time.Duration) {
		m.Backoff.Set(b.Seconds())
	})
	return d
}

// SetAPIKey replaces the service credential.
func (d *Dispatcher) SetAPIKey(key string) {
	d.creds.Modify(func(c *credentials) { c.apiKey = key })
}

// SetModel replaces the model name.
func (d *Dispatcher) SetModel(model string) {
	if model == "" {
		return
	}
	d.creds.Modify(func(c *credentials) { c.model = model })
}

// HasAPIKey reports whether a credential is configured.
func (d *Dispatcher) HasAPIKey() bool { return d.creds.Get().apiKey != "" }

// Model returns the active model name.
func (d *Dispatcher) Model() string { return d.creds.Get().model }

// Backoff returns the current rate-limit delay.
func (d *Dispatcher) Backoff() time.Duration { return d.backoff.Current() }

// Stats returns request counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	last := d.lastStart
	d.mu.Unlock()
	return Stats{
		Total:       d.total.Load(),
		Succeeded:   d.succeeded.Load(),
		RateLimited: d.rateLimited.Load(),
		Failed:      d.failed.Load(),
		Backoff:     d.backoff.Current(),
		LastRequest: last,
	}
}

// Dispatch encodes samples (mono, 16 kHz) and returns the model's text.
func (d *Dispatcher) Dispatch(ctx context.Context, samples []float32) (string, error) {
	creds := d.creds.Get()
	if creds.apiKey == "" {
		return "", apperrors.New(apperrors.ConfigMissing, "API key not configured")
	}

	if err := d.throttle(ctx); err != nil {
		return "", err
	}

	seconds := float64(len(samples)) / SampleRate
	d.emit(Status{Phase: PhaseProcessing, Samples: len(samples), Seconds: seconds})
	log := trace.Logger(ctx)
	log.Info("dispatching utterance", "samples", len(samples), "seconds", seconds, "model", creds.model)

	wav, err := EncodeWAV(samples, SampleRate)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Internal, "encode WAV")
	}
	body, err := json.Marshal(newAudioRequest(d.cfg.Prompt, base64.StdEncoding.EncodeToString(wav)))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Internal, "encode request")
	}

	d.markStart()
	d.total.Add(1)
	start := time.Now()
	status, resp, err := d.post(ctx, creds, body, d.cfg.Timeout)
	d.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		d.failed.Add(1)
		d.metrics.Requests.WithLabelValues("network_error").Inc()
		d.emit(Status{Phase: PhaseError, Message: err.Error()})
		return "", err
	}

	p := parseEnvelope(resp)
	if isRateLimited(status, resp) {
		backoff := d.backoff.Escalate()
		d.rateLimited.Add(1)
		d.metrics.Requests.WithLabelValues("rate_limited").Inc()
		log.Warn("rate limited", "status", status, "backoff", backoff)
		d.emit(Status{Phase: PhaseRateLimited, Backoff: backoff})
		return "", apperrors.Newf(apperrors.RateLimited, "rate limited, backing off %s", backoff).
			WithMetadata("backoff", backoff.String())
	}
	d.backoff.Reset()

	if p.errMsg != "" {
		d.failed.Add(1)
		d.metrics.Requests.WithLabelValues("service_error").Inc()
		d.emit(Status{Phase: PhaseError, Message: p.errMsg})
		e := apperrors.Newf(apperrors.ServiceError, "API: %s", p.errMsg)
		if p.errCode != 0 {
			e = e.WithMetadata("code", fmt.Sprint(p.errCode))
		}
		if p.errStatus != "" {
			e = e.WithMetadata("status", p.errStatus)
		}
		return "", e
	}

	d.succeeded.Add(1)
	d.metrics.Requests.WithLabelValues("ok").Inc()
	log.Debug("dispatch complete", "status", status, "bytes", len(resp))
	return p.text, nil
}

// Probe sends a minimal text request to verify connectivity and quota. It
// shares the request interval and backoff with Dispatch.
func (d *Dispatcher) Probe(ctx context.Context) error {
	creds := d.creds.Get()
	if creds.apiKey == "" {
		return apperrors.New(apperrors.ConfigMissing, "API key not configured")
	}
	body, err := json.Marshal(newProbeRequest())
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "encode probe")
	}

	if err := d.throttle(ctx); err != nil {
		return err
	}
	d.markStart()
	status, resp, err := d.post(ctx, creds, body, ProbeTimeout)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.New(apperrors.RateLimited, "rate limited, retry later")
	case status == http.StatusForbidden:
		return apperrors.New(apperrors.QuotaExhausted, "API quota exhausted or key invalid")
	case status < 200 || status > 299:
		return apperrors.Newf(apperrors.ServiceError, "HTTP %d: %s", status, truncate(string(resp), 200)).
			WithMetadata("code", fmt.Sprint(status))
	}
	slog.Info("service probe succeeded", "model", creds.model)
	return nil
}

// throttle waits out the minimum interval since the previous request start,
// then any active backoff.
func (d *Dispatcher) throttle(ctx context.Context) error {
	d.mu.Lock()
	last := d.lastStart
	d.mu.Unlock()

	if !last.IsZero() {
		if elapsed := d.now().Sub(last); elapsed < d.cfg.MinInterval {
			if err := d.sleep(ctx, d.cfg.MinInterval-elapsed); err != nil {
				return apperrors.Wrap(err, apperrors.Cancelled, "waiting for request interval")
			}
		}
	}
	if b := d.backoff.Current(); b > 0 {
		d.emit(Status{Phase: PhaseRateLimited, Backoff: b})
		if err := d.sleep(ctx, b); err != nil {
			return apperrors.Wrap(err, apperrors.Cancelled, "waiting for backoff")
		}
	}
	return nil
}

func (d *Dispatcher) markStart() {
	d.mu.Lock()
	d.lastStart = d.now()
	d.mu.Unlock()
}

func (d *Dispatcher) post(ctx context.Context, creds credentials, body []byte, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(d.cfg.Endpoint, "/") + "/" + creds.model + ":generateContent"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, apperrors.Wrap(err, apperrors.ConfigInvalid, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, creds.apiKey)

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, nil, apperrors.Wrap(err, apperrors.NetworkFailure, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, apperrors.Wrap(err, apperrors.NetworkFailure, "read response")
	}
	return resp.StatusCode, data, nil
}

func (d *Dispatcher) emit(s Status) {
	if s.At.IsZero() {
		s.At = d.now()
	}
	d.observer(s)
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
