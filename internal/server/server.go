package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GriffinCanCode/earshot/internal/intelligence"
	"github.com/GriffinCanCode/earshot/internal/metrics"
	"github.com/GriffinCanCode/earshot/internal/orchestrator"
	"github.com/GriffinCanCode/earshot/internal/trace"
)

// Message is the envelope of every client frame.
type Message struct {
	Type string `json:"type"`
}

type InterimMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	TraceID string `json:"trace_id,omitempty"`
}

type RecordMessage struct {
	Type   string                    `json:"type"`
	Record intelligence.CachedRecord `json:"data"`
}

type RolledBackMessage struct {
	Type    string `json:"type"`
	Removed int    `json:"removed"`
}

type RateLimitedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
	now        func() time.Time
}

func newRateLimiter() *rateLimiter { return &rateLimiter{now: time.Now} }

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	mgr        *orchestrator.Manager
	gatherer   prometheus.Gatherer
	mu         sync.RWMutex
	conns      map[*websocket.Conn]struct{}
	rateLimits map[*websocket.Conn]*rateLimiter
	done       chan struct{}
	closeOnce  sync.Once
}

// New creates a server and starts its broadcasters. A nil gatherer
// disables /metrics.
func New(mgr *orchestrator.Manager, g prometheus.Gatherer) *Server {
	s := &Server{
		mgr:        mgr,
		gatherer:   g,
		conns:      make(map[*websocket.Conn]struct{}),
		rateLimits: make(map[*websocket.Conn]*rateLimiter),
		done:       make(chan struct{}),
	}

	go s.broadcastEvents()
	go s.broadcastRecords()

	return s
}

// Close stops the broadcasters.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/capture/start", s.handleCaptureStart)
	mux.HandleFunc("POST /api/capture/stop", s.handleCaptureStop)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("GET /api/records", s.handleRecords)
	mux.HandleFunc("GET /api/graph", s.handleGraph)
	mux.HandleFunc("POST /api/graph/rollback", s.handleRollback)
	mux.HandleFunc("POST /api/session/close", s.handleCloseSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/export", s.handleExportSession)
	mux.HandleFunc("POST /api/sessions/{id}/summary", s.handleSummarizeSession)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.rateLimits[conn] = newRateLimiter()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.rateLimits, conn)
		s.mu.Unlock()
	}()

	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// Late joiners get the current state before any pushed event.
	_ = s.write(baseCtx, conn, orchestrator.Event{Type: orchestrator.EventStatus, Data: s.mgr.Status().Status})

	for {
		var msg json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		s.mu.RLock()
		rl := s.rateLimits[conn]
		s.mu.RUnlock()

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = s.write(baseCtx, conn, RateLimitedMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		tc, _ := trace.ExtractFromJSON(msg)
		ctx := trace.WithContext(baseCtx, tc)

		switch base.Type {
		case "interim":
			var m InterimMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			s.handleInterim(ctx, m.Text)
		case "rollback":
			n := s.mgr.Rollback(ctx)
			_ = s.write(ctx, conn, RolledBackMessage{Type: "rolled_back", Removed: n})
		default:
			log.Debug("unknown websocket message", "type", base.Type)
		}
	}
}

func (s *Server) handleInterim(ctx context.Context, text string) {
	ctx, span := trace.StartSpan(ctx, "handle_interim")
	defer span.End()

	if pred, ok := s.mgr.SubmitInterim(ctx, text); ok {
		span.SetAttr("category", pred.Category)
		trace.Logger(ctx).Debug("interim prediction", "category", pred.Category, "phrase", pred.Phrase)
	}
}

func (s *Server) write(ctx context.Context, c *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, v)
}

func (s *Server) broadcast(v any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn := range s.conns {
		go func(c *websocket.Conn) {
			_ = s.write(context.Background(), c, v)
		}(conn)
	}
}

func (s *Server) broadcastEvents() {
	events := s.mgr.Events()
	for {
		select {
		case <-s.done:
			return
		case ev := <-events:
			s.broadcast(ev)
		}
	}
}

func (s *Server) broadcastRecords() {
	records := s.mgr.Records()
	for {
		select {
		case <-s.done:
			return
		case r := <-records:
			s.broadcast(RecordMessage{Type: "record", Record: r})
		}
	}
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
