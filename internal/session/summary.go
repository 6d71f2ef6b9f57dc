package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/GriffinCanCode/earshot/internal/intelligence"
)

// Summary caps.
const (
	MaxDecisions   = 5
	MaxActionItems = 10
	MaxRisks       = 5
)

// Summary is a locally derived digest of a session.
type Summary struct {
	Decisions        []string  `json:"decisions"`
	ActionItems      []string  `json:"action_items"`
	Risks            []string  `json:"risks"`
	ExecutiveSummary string    `json:"executive_summary"`
	GeneratedAt      time.Time `json:"generated_at"`
}

func (s Summary) clone() Summary {
	s.Decisions = append([]string{}, s.Decisions...)
	s.ActionItems = append([]string{}, s.ActionItems...)
	s.Risks = append([]string{}, s.Risks...)
	return s
}

// Summarize buckets transcripts by category, highest confidence first with
// ties kept in spoken order.
func Summarize(s *Session, now time.Time) Summary {
	ranked := make([]Transcript, len(s.Transcripts))
	copy(ranked, s.Transcripts)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})

	sum := Summary{
		Decisions:   pick(ranked, MaxDecisions, intelligence.CategoryDecision),
		ActionItems: pick(ranked, MaxActionItems, intelligence.CategoryActionItem, intelligence.CategoryTask),
		Risks:       pick(ranked, MaxRisks, intelligence.CategoryRisk),
		GeneratedAt: now.UTC(),
	}

	speakers := len(s.Speakers())
	duration := s.Metadata.DurationSeconds
	if duration == 0 && len(s.Transcripts) > 0 {
		duration = int64(s.UpdatedAt.Sub(s.CreatedAt) / time.Second)
	}
	sum.ExecutiveSummary = fmt.Sprintf(
		"%s: %d transcript entries from %d speaker(s) over %s with %d decision(s), %d action item(s) and %d risk(s) identified.",
		titleOrDefault(s.Metadata.Title), len(s.Transcripts), speakers,
		(time.Duration(duration) * time.Second).String(),
		len(sum.Decisions), len(sum.ActionItems), len(sum.Risks))
	return sum
}

func pick(ranked []Transcript, limit int, cats ...string) []string {
	out := []string{}
	for _, t := range ranked {
		if len(out) == limit {
			break
		}
		if t.HasCategory(cats...) {
			out = append(out, formatLine(t))
		}
	}
	return out
}

func formatLine(t Transcript) string {
	if t.SpeakerID == "" {
		return t.Text
	}
	return t.SpeakerID + ": " + t.Text
}

func titleOrDefault(title string) string {
	if title == "" {
		return "Session"
	}
	return title
}
