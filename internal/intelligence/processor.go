// Package intelligence validates service responses and maintains the record
// cache and the optimistic/confirmed knowledge graph built from them.
package intelligence

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/GriffinCanCode/earshot/internal/errors"
	"github.com/GriffinCanCode/earshot/internal/metrics"
	"github.com/GriffinCanCode/earshot/internal/syncx"
)

// PredictionConfidence is the fixed confidence of keyword predictions.
const PredictionConfidence = 0.5

// Kind classifies a processed response.
type Kind string

const (
	KindAccepted   Kind = "accepted"
	KindSuppressed Kind = "suppressed"
	KindSilent     Kind = "silent"
	KindError      Kind = "error"
)

// Outcome is the result of Process.
type Outcome struct {
	Kind      Kind
	Record    *CachedRecord // set for accepted and suppressed records
	Err       error
	Confirmed int // optimistic entries promoted by this record
}

// Settings are the externally supplied processing knobs.
type Settings struct {
	ConfidenceThreshold   float64  `json:"confidence_threshold"`
	Categories            []string `json:"categories"`
	OptimisticEnabled     bool     `json:"optimistic_enabled"`
	MaxErrorStreak        int      `json:"max_error_streak"`
	CountVocabularyErrors bool     `json:"count_vocabulary_errors"`
}

// Validate checks ranges and the category allow-list.
func (s Settings) Validate() error {
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return apperrors.Newf(apperrors.InvalidArgument, "confidence_threshold must be between 0 and 1, got %g", s.ConfidenceThreshold)
	}
	if s.MaxErrorStreak < 1 {
		return apperrors.Newf(apperrors.InvalidArgument, "max_error_streak must be at least 1, got %d", s.MaxErrorStreak)
	}
	for _, c := range s.Categories {
		if !ValidCategory(c) {
			return apperrors.Newf(apperrors.InvalidArgument, "unknown category %q", c)
		}
	}
	return nil
}

func (s Settings) allows(r Record) bool {
	if len(s.Categories) == 0 {
		return true
	}
	for _, c := range s.Categories {
		if r.HasCategory(c) {
			return true
		}
	}
	return false
}

// Prediction is a speculative classification of interim text.
type Prediction struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Category   string    `json:"category"`
	Phrase     string    `json:"phrase"`
	Confidence float64   `json:"confidence"`
	NodeID     string    `json:"node_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Processor turns raw service text into cached records and graph mutations.
type Processor struct {
	settings   *syncx.RWGuard[Settings]
	cache      *Cache
	graph      *Graph
	classifier *Classifier
	metrics    *metrics.Metrics
	now        func() time.Time

	// mu also spans graph writes that touch optimistic entries, so the
	// graph and the prediction list commit or roll back together.
	mu          sync.Mutex
	streak      int
	predictions []Prediction
}

// NewProcessor creates a processor. A nil classifier uses DefaultRules.
func NewProcessor(settings Settings, cacheCapacity int, classifier *Classifier, m *metrics.Metrics) *Processor {
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if settings.MaxErrorStreak < 1 {
		settings.MaxErrorStreak = 1
	}
	return &Processor{
		settings:   syncx.NewGuard(settings),
		cache:      NewCache(cacheCapacity, 100),
		graph:      NewGraph(),
		classifier: classifier,
		metrics:    m,
		now:        time.Now,
	}
}

// Process validates raw text and applies it.
func (p *Processor) Process(raw string) Outcome {
	now := p.now()
	settings := p.settings.Get()

	rec, err := ParseRecord(raw, now)
	if errors.Is(err, errSilence) {
		return p.done(Outcome{Kind: KindSilent})
	}
	if err != nil {
		return p.done(Outcome{Kind: KindError, Err: p.fail(err, settings)})
	}

	if verr := ValidateVocabulary(rec); verr != nil {
		if settings.CountVocabularyErrors {
			return p.done(Outcome{Kind: KindError, Err: p.fail(verr, settings)})
		}
		p.setStreak(0)
		return p.done(Outcome{Kind: KindError, Err: verr})
	}
	p.setStreak(0)

	if rec.Intelligence.Confidence < settings.ConfidenceThreshold || !settings.allows(rec) {
		return p.done(Outcome{Kind: KindSuppressed, Record: &CachedRecord{Record: rec, InsertedAt: now}})
	}

	cr := p.cache.Add(rec, now)
	p.apply(rec, now)
	p.mu.Lock()
	confirmed := p.graph.ConfirmAll()
	p.predictions = nil
	p.mu.Unlock()

	return p.done(Outcome{Kind: KindAccepted, Record: &cr, Confirmed: confirmed})
}

// fail counts a failure toward the streak and chooses the reported error.
func (p *Processor) fail(err error, s Settings) error {
	p.mu.Lock()
	p.streak++
	streak := p.streak
	p.mu.Unlock()
	p.metrics.ErrorStreak.Set(float64(streak))

	if streak > s.MaxErrorStreak {
		return apperrors.Wrapf(err, apperrors.StreakExceeded, "%d consecutive invalid responses", streak).
			WithMetadata("streak", fmt.Sprint(streak))
	}
	return err
}

func (p *Processor) setStreak(n int) {
	p.mu.Lock()
	p.streak = n
	p.mu.Unlock()
	p.metrics.ErrorStreak.Set(float64(n))
}

func (p *Processor) done(o Outcome) Outcome {
	p.metrics.Outcomes.WithLabelValues(string(o.Kind)).Inc()
	p.observe()
	return o
}

func (p *Processor) observe() {
	p.metrics.CacheSize.Set(float64(p.cache.Len()))
	confirmed, optimistic := p.graph.Snapshot().Counts()
	p.metrics.GraphNodes.WithLabelValues("confirmed").Set(float64(confirmed))
	p.metrics.GraphNodes.WithLabelValues("optimistic").Set(float64(optimistic))
}

// apply writes entities and graph updates as confirmed entries.
func (p *Processor) apply(r Record, now time.Time) {
	for _, e := range r.Intelligence.Entities {
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		p.graph.UpsertNode(Node{
			ID:        NodeID(e.Text),
			Type:      e.Type,
			Label:     e.Text,
			Metadata:  map[string]string{"speaker": r.SpeakerID},
			CreatedAt: now,
		})
	}
	for _, u := range r.Intelligence.GraphUpdates {
		if strings.TrimSpace(u.NodeA) == "" || strings.TrimSpace(u.NodeB) == "" {
			continue
		}
		p.graph.Touch(Node{ID: NodeID(u.NodeA), Type: "concept", Label: u.NodeA, CreatedAt: now})
		p.graph.Touch(Node{ID: NodeID(u.NodeB), Type: "concept", Label: u.NodeB, CreatedAt: now})

		e := Edge{
			From:         NodeID(u.NodeA),
			To:           NodeID(u.NodeB),
			Relation:     u.Relation,
			Weight:       1.0,
			Directional:  true,
			ToneModifier: u.ToneModifier,
		}
		if u.Weight != nil {
			e.Weight = *u.Weight
		}
		if u.Directional != nil {
			e.Directional = *u.Directional
		}
		p.graph.AddEdge(e)
	}
}

// NodeID normalizes a label into a graph key.
func NodeID(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

// Speculate classifies interim text and, on a match, records a prediction
// backed by an optimistic graph node.
func (p *Processor) Speculate(text string) (Prediction, bool) {
	if !p.settings.Get().OptimisticEnabled || strings.TrimSpace(text) == "" {
		return Prediction{}, false
	}
	rule, ok := p.classifier.Classify(text)
	if !ok {
		return Prediction{}, false
	}

	id := uuid.NewString()
	pred := Prediction{
		ID:         id,
		Text:       text,
		Category:   rule.Category,
		Phrase:     rule.Phrase,
		Confidence: PredictionConfidence,
		NodeID:     "pending:" + id,
		CreatedAt:  p.now(),
	}
	p.mu.Lock()
	p.graph.UpsertNode(Node{
		ID:         pred.NodeID,
		Type:       "prediction",
		Label:      text,
		Metadata:   map[string]string{"category": rule.Category, "lang": rule.Lang},
		Optimistic: true,
		CreatedAt:  pred.CreatedAt,
	})

	p.predictions = append(p.predictions, pred)
	p.mu.Unlock()

	slog.Debug("optimistic prediction", "category", rule.Category, "phrase", rule.Phrase)
	p.observe()
	return pred, true
}

// Rollback removes every optimistic entry and pending prediction.
func (p *Processor) Rollback() int {
	p.mu.Lock()
	n := p.graph.Rollback()
	p.predictions = nil
	p.mu.Unlock()
	if n > 0 {
		slog.Info("rolled back optimistic entries", "count", n)
	}
	p.observe()
	return n
}

// Predictions returns pending predictions.
func (p *Processor) Predictions() []Prediction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Prediction, len(p.predictions))
	copy(out, p.predictions)
	return out
}

// Recent returns up to n cached records, oldest first.
func (p *Processor) Recent(n int) []CachedRecord { return p.cache.Recent(n) }

// Graph returns a snapshot of the knowledge graph.
func (p *Processor) Graph() Snapshot { return p.graph.Snapshot() }

// Events returns the accepted-record channel.
func (p *Processor) Events() <-chan CachedRecord { return p.cache.Events() }

// Settings returns the active settings.
func (p *Processor) Settings() Settings { return p.settings.Get() }

// UpdateSettings validates and swaps in s.
func (p *Processor) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.settings.Set(s)
	slog.Info("processing settings updated",
		"confidence_threshold", s.ConfidenceThreshold,
		"categories", s.Categories,
		"optimistic", s.OptimisticEnabled,
		"max_error_streak", s.MaxErrorStreak)
	return nil
}

// Streak returns the consecutive failure count.
func (p *Processor) Streak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streak
}

// ResetStreak clears the failure streak after a reconnect.
func (p *Processor) ResetStreak() { p.setStreak(0) }

// Reset clears records, graph, predictions and streak for a new session.
func (p *Processor) Reset() {
	p.cache.Clear()
	p.mu.Lock()
	p.graph.Reset()
	p.predictions = nil
	p.mu.Unlock()
	p.setStreak(0)
	p.observe()
}
