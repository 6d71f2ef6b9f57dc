package intelligence

import "strings"

// Rule maps a phrase to a category.
type Rule struct {
	Phrase   string
	Category Category
	Lang     string
}

// DefaultRules covers English, romanized Urdu/Hindi, Devanagari and Urdu
// script. Earlier rules win when several match.
var DefaultRules = []Rule{
	// English
	{"we decided", CategoryDecision, "en"},
	{"let's go with", CategoryDecision, "en"},
	{"agreed on", CategoryDecision, "en"},
	{"final decision", CategoryDecision, "en"},
	{"by friday", CategoryDeadline, "en"},
	{"by tomorrow", CategoryDeadline, "en"},
	{"deadline", CategoryDeadline, "en"},
	{"end of day", CategoryDeadline, "en"},
	{"due date", CategoryDeadline, "en"},
	{"action item", CategoryActionItem, "en"},
	{"i will", CategoryActionItem, "en"},
	{"i'll", CategoryActionItem, "en"},
	{"can you", CategoryActionItem, "en"},
	{"please send", CategoryActionItem, "en"},
	{"follow up", CategoryActionItem, "en"},
	{"risk", CategoryRisk, "en"},
	{"blocker", CategoryRisk, "en"},
	{"concern", CategoryRisk, "en"},
	{"might fail", CategoryRisk, "en"},
	{"what if", CategoryQuery, "en"},
	{"how do", CategoryQuery, "en"},
	{"why ", CategoryQuery, "en"},
	{"?", CategoryQuery, "en"},

	// Romanized Urdu / Hindi
	{"faisla", CategoryDecision, "ur-Latn"},
	{"tay hua", CategoryDecision, "ur-Latn"},
	{"tak karna", CategoryDeadline, "ur-Latn"},
	{"kal tak", CategoryDeadline, "ur-Latn"},
	{"aakhri tareekh", CategoryDeadline, "ur-Latn"},
	{"karna hai", CategoryActionItem, "ur-Latn"},
	{"kar dena", CategoryActionItem, "ur-Latn"},
	{"main karunga", CategoryActionItem, "ur-Latn"},
	{"khatra", CategoryRisk, "ur-Latn"},
	{"masla", CategoryRisk, "ur-Latn"},
	{"kya ", CategoryQuery, "ur-Latn"},
	{"kaise", CategoryQuery, "ur-Latn"},
	{"kyun", CategoryQuery, "ur-Latn"},

	// Devanagari
	{"फैसला", CategoryDecision, "hi"},
	{"तय हुआ", CategoryDecision, "hi"},
	{"कल तक", CategoryDeadline, "hi"},
	{"समय सीमा", CategoryDeadline, "hi"},
	{"करना है", CategoryActionItem, "hi"},
	{"मैं करूंगा", CategoryActionItem, "hi"},
	{"खतरा", CategoryRisk, "hi"},
	{"समस्या", CategoryRisk, "hi"},
	{"क्या", CategoryQuery, "hi"},
	{"कैसे", CategoryQuery, "hi"},

	// Urdu script
	{"فیصلہ", CategoryDecision, "ur"},
	{"طے ہوا", CategoryDecision, "ur"},
	{"کل تک", CategoryDeadline, "ur"},
	{"آخری تاریخ", CategoryDeadline, "ur"},
	{"کرنا ہے", CategoryActionItem, "ur"},
	{"میں کروں گا", CategoryActionItem, "ur"},
	{"خطرہ", CategoryRisk, "ur"},
	{"مسئلہ", CategoryRisk, "ur"},
	{"کیا", CategoryQuery, "ur"},
	{"کیسے", CategoryQuery, "ur"},
	{"؟", CategoryQuery, "ur"},
}

// Classifier performs case-insensitive substring matching over a rule table.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier; nil rules selects DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules
	}
	lowered := make([]Rule, len(rules))
	for i, r := range rules {
		r.Phrase = strings.ToLower(r.Phrase)
		lowered[i] = r
	}
	return &Classifier{rules: lowered}
}

// Classify returns the first matching rule.
func (c *Classifier) Classify(text string) (Rule, bool) {
	t := strings.ToLower(text)
	for _, r := range c.rules {
		if r.Phrase != "" && strings.Contains(t, r.Phrase) {
			return r, true
		}
	}
	return Rule{}, false
}
