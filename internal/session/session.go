// Package session persists meeting sessions as JSON documents and renders
// them as summaries and export formats.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/earshot/internal/intelligence"
)

// Transcript is one persisted utterance.
type Transcript struct {
	Timestamp  time.Time `json:"timestamp"`
	SpeakerID  string    `json:"speaker_id"`
	Text       string    `json:"text"`
	Tone       string    `json:"tone,omitempty"`
	Category   []string  `json:"category,omitempty"`
	Confidence float64   `json:"confidence"`
}

// HasCategory reports whether the entry carries any of cats.
func (t Transcript) HasCategory(cats ...string) bool {
	for _, c := range t.Category {
		for _, want := range cats {
			if c == want {
				return true
			}
		}
	}
	return false
}

// Metadata describes a session.
type Metadata struct {
	Title            string   `json:"title"`
	DurationSeconds  int64    `json:"duration_seconds"`
	TotalTranscripts int      `json:"total_transcripts"`
	TotalSpeakers    int      `json:"total_speakers"`
	Tags             []string `json:"tags"`
}

// Session is the persisted aggregate.
type Session struct {
	ID          string              `json:"id"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	Transcripts []Transcript        `json:"transcripts"`
	GraphNodes  []intelligence.Node `json:"graph_nodes"`
	GraphEdges  []intelligence.Edge `json:"graph_edges"`
	Metadata    Metadata            `json:"metadata"`
	Summary     *Summary            `json:"summary,omitempty"`
}

// New starts an empty session.
func New(title string, now time.Time) *Session {
	now = now.UTC()
	return &Session{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Transcripts: []Transcript{},
		GraphNodes:  []intelligence.Node{},
		GraphEdges:  []intelligence.Edge{},
		Metadata:    Metadata{Title: title, Tags: []string{}},
	}
}

// TranscriptFromRecord projects an accepted record.
func TranscriptFromRecord(r intelligence.CachedRecord) Transcript {
	return Transcript{
		Timestamp:  r.Time().UTC(),
		SpeakerID:  r.SpeakerID,
		Text:       r.TranscriptChunk,
		Tone:       r.Intelligence.Tone,
		Category:   append([]string(nil), r.Intelligence.Category...),
		Confidence: r.Intelligence.Confidence,
	}
}

// AddTranscript appends t.
func (s *Session) AddTranscript(t Transcript, now time.Time) {
	s.Transcripts = append(s.Transcripts, t)
	s.Metadata.TotalTranscripts = len(s.Transcripts)
	s.UpdatedAt = now.UTC()
}

// SetGraph replaces the graph snapshot.
func (s *Session) SetGraph(g intelligence.Snapshot, now time.Time) {
	s.GraphNodes = append([]intelligence.Node{}, g.Nodes...)
	s.GraphEdges = append([]intelligence.Edge{}, g.Edges...)
	s.UpdatedAt = now.UTC()
}

// Finalize computes duration and totals.
func (s *Session) Finalize(now time.Time) {
	now = now.UTC()
	s.Metadata.DurationSeconds = int64(now.Sub(s.CreatedAt) / time.Second)
	s.Metadata.TotalTranscripts = len(s.Transcripts)
	s.Metadata.TotalSpeakers = len(s.Speakers())
	s.UpdatedAt = now
}

// Speakers returns distinct speaker ids in order of first appearance.
func (s *Session) Speakers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range s.Transcripts {
		if t.SpeakerID != "" && !seen[t.SpeakerID] {
			seen[t.SpeakerID] = true
			out = append(out, t.SpeakerID)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Transcripts = make([]Transcript, len(s.Transcripts))
	for i, t := range s.Transcripts {
		t.Category = append([]string(nil), t.Category...)
		cp.Transcripts[i] = t
	}
	cp.GraphNodes = make([]intelligence.Node, len(s.GraphNodes))
	for i, n := range s.GraphNodes {
		if n.Metadata != nil {
			m := make(map[string]string, len(n.Metadata))
			for k, v := range n.Metadata {
				m[k] = v
			}
			n.Metadata = m
		}
		cp.GraphNodes[i] = n
	}
	cp.GraphEdges = append([]intelligence.Edge{}, s.GraphEdges...)
	cp.Metadata.Tags = append([]string{}, s.Metadata.Tags...)
	if s.Summary != nil {
		sum := s.Summary.clone()
		cp.Summary = &sum
	}
	return &cp
}
