package intelligence

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	apperrors "github.com/GriffinCanCode/earshot/internal/errors"
)

// Record is one structured response from the audio-understanding service.
type Record struct {
	TimestampMs     int64        `json:"timestamp_ms"`
	SpeakerID       string       `json:"speaker_id"`
	TranscriptChunk string       `json:"transcript_chunk"`
	IsFinal         bool         `json:"is_final"`
	Intelligence    Intelligence `json:"intelligence"`
}

// Intelligence is the analysis attached to a transcript chunk.
type Intelligence struct {
	Category     []string      `json:"category"`
	Summary      string        `json:"summary,omitempty"`
	Tone         string        `json:"tone,omitempty"`
	Confidence   float64       `json:"confidence"`
	Entities     []Entity      `json:"entities,omitempty"`
	GraphUpdates []GraphUpdate `json:"graph_updates,omitempty"`
}

type Entity struct {
	Text       string   `json:"text"`
	Type       string   `json:"type"`
	StartMs    *int64   `json:"start_ms,omitempty"`
	EndMs      *int64   `json:"end_ms,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type GraphUpdate struct {
	NodeA        string   `json:"node_a"`
	Relation     string   `json:"relation"`
	NodeB        string   `json:"node_b"`
	Weight       *float64 `json:"weight,omitempty"`
	Directional  *bool    `json:"directional,omitempty"`
	ToneModifier *float64 `json:"tone_modifier,omitempty"`
}

// Time returns the record timestamp.
func (r Record) Time() time.Time { return time.UnixMilli(r.TimestampMs) }

// HasCategory reports whether the record carries c.
func (r Record) HasCategory(c string) bool {
	for _, v := range r.Intelligence.Category {
		if v == c {
			return true
		}
	}
	return false
}

// wireRecord mirrors Record with pointers so absent required fields are detectable.
type wireRecord struct {
	TimestampMs     *int64  `json:"timestamp_ms"`
	Timestamp       *int64  `json:"timestamp"`
	SpeakerID       *string `json:"speaker_id"`
	TranscriptChunk *string `json:"transcript_chunk"`
	IsFinal         *bool   `json:"is_final"`
	Intelligence    *struct {
		Category     []string      `json:"category"`
		Summary      *string       `json:"summary"`
		Tone         *string       `json:"tone"`
		Confidence   *float64      `json:"confidence"`
		Entities     []Entity      `json:"entities"`
		GraphUpdates []GraphUpdate `json:"graph_updates"`
	} `json:"intelligence"`
	Status string `json:"status"`
}

// errSilence marks a well-formed "nothing was said" response.
var errSilence = errors.New("silence")

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// ParseRecord decodes raw service text. Missing timestamps are filled from now.
// A silence marker returns errSilence.
func ParseRecord(raw string, now time.Time) (Record, error) {
	body := stripFences(raw)

	var w wireRecord
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return Record{}, apperrors.Wrap(err, apperrors.SchemaInvalid, "response is not valid JSON")
	}
	if w.Status == "silence" && w.Intelligence == nil {
		return Record{}, errSilence
	}

	var missing []string
	if w.SpeakerID == nil {
		missing = append(missing, "speaker_id")
	}
	if w.TranscriptChunk == nil {
		missing = append(missing, "transcript_chunk")
	}
	if w.IsFinal == nil {
		missing = append(missing, "is_final")
	}
	if w.Intelligence == nil {
		missing = append(missing, "intelligence")
	} else {
		if w.Intelligence.Category == nil {
			missing = append(missing, "intelligence.category")
		}
		if w.Intelligence.Confidence == nil {
			missing = append(missing, "intelligence.confidence")
		}
	}
	if len(missing) > 0 {
		return Record{}, apperrors.Newf(apperrors.SchemaInvalid, "missing required fields: %s", strings.Join(missing, ", "))
	}

	r := Record{
		SpeakerID:       *w.SpeakerID,
		TranscriptChunk: *w.TranscriptChunk,
		IsFinal:         *w.IsFinal,
		Intelligence: Intelligence{
			Category:     w.Intelligence.Category,
			Confidence:   *w.Intelligence.Confidence,
			Entities:     w.Intelligence.Entities,
			GraphUpdates: w.Intelligence.GraphUpdates,
		},
	}
	if w.Intelligence.Summary != nil {
		r.Intelligence.Summary = *w.Intelligence.Summary
	}
	if w.Intelligence.Tone != nil {
		r.Intelligence.Tone = *w.Intelligence.Tone
	}
	switch {
	case w.TimestampMs != nil && *w.TimestampMs > 0:
		r.TimestampMs = *w.TimestampMs
	case w.Timestamp != nil && *w.Timestamp > 0:
		r.TimestampMs = *w.Timestamp
	default:
		r.TimestampMs = now.UnixMilli()
	}
	return r, nil
}

// ValidateVocabulary checks categories and tone against the fixed sets.
func ValidateVocabulary(r Record) error {
	for _, c := range r.Intelligence.Category {
		if !ValidCategory(c) {
			return apperrors.Newf(apperrors.VocabularyInvalid, "invalid category %q", c).WithMetadata("category", c)
		}
	}
	if !ValidTone(r.Intelligence.Tone) {
		return apperrors.Newf(apperrors.VocabularyInvalid, "invalid tone %q", r.Intelligence.Tone).
			WithMetadata("tone", r.Intelligence.Tone)
	}
	return nil
}
