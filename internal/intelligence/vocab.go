package intelligence

// Category labels a record.
type Category = string

// Fixed category vocabulary.
const (
	CategoryTask           Category = "TASK"
	CategoryDecision       Category = "DECISION"
	CategoryDeadline       Category = "DEADLINE"
	CategoryQuery          Category = "QUERY"
	CategoryActionItem     Category = "ACTION_ITEM"
	CategoryRisk           Category = "RISK"
	CategorySentiment      Category = "SENTIMENT"
	CategoryUrgency        Category = "URGENCY"
	CategoryInterruption   Category = "INTERRUPTION"
	CategoryAgreement      Category = "AGREEMENT"
	CategoryDisagreement   Category = "DISAGREEMENT"
	CategoryOffTopic       Category = "OFF_TOPIC"
	CategoryEmotionShift   Category = "EMOTION_SHIFT"
	CategoryDominanceShift Category = "DOMINANCE_SHIFT"
	CategoryEmpathyGap     Category = "EMPATHY_GAP"
	CategoryTopicDrift     Category = "TOPIC_DRIFT"
	CategoryInfo           Category = "INFO"
)

// Categories lists the category vocabulary in canonical order.
var Categories = []Category{
	CategoryTask, CategoryDecision, CategoryDeadline, CategoryQuery, CategoryActionItem,
	CategoryRisk, CategorySentiment, CategoryUrgency, CategoryInterruption, CategoryAgreement,
	CategoryDisagreement, CategoryOffTopic, CategoryEmotionShift, CategoryDominanceShift,
	CategoryEmpathyGap, CategoryTopicDrift, CategoryInfo,
}

// Tones lists the tone vocabulary.
var Tones = []string{
	"URGENT", "FRUSTRATED", "EXCITED", "POSITIVE", "NEGATIVE",
	"HESITANT", "DOMINANT", "EMPATHETIC", "NEUTRAL",
}

var (
	categorySet = toSet(Categories)
	toneSet     = toSet(Tones)
)

func toSet(vals []string) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

// ValidCategory reports whether c is in the vocabulary.
func ValidCategory(c string) bool {
	_, ok := categorySet[c]
	return ok
}

// ValidTone reports whether t is in the vocabulary. Absent tones are valid.
func ValidTone(t string) bool {
	if t == "" {
		return true
	}
	_, ok := toneSet[t]
	return ok
}
