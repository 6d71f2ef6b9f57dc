package intelligence

import "testing"

func TestClassify(t *testing.T) {
	c := NewClassifier(nil)
	tests := []struct {
		text string
		want Category
		ok   bool
	}{
		{"OK so We Decided to use Postgres", CategoryDecision, true},
		{"send it by Friday", CategoryDeadline, true},
		{"I'll draft the doc", CategoryActionItem, true},
		{"that's a real risk for launch", CategoryRisk, true},
		{"does that work?", CategoryQuery, true},
		{"yeh kaam kal tak karna hai", CategoryDeadline, true},
		{"humne faisla kiya", CategoryDecision, true},
		{"यह काम करना है", CategoryActionItem, true},
		{"इसमें खतरा है", CategoryRisk, true},
		{"ہم نے فیصلہ کیا", CategoryDecision, true},
		{"یہ مسئلہ ہے", CategoryRisk, true},
		{"good morning everyone", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			r, ok := c.Classify(tt.text)
			if ok != tt.ok || r.Category != tt.want {
				t.Errorf("Classify(%q) = %q, %v; want %q, %v", tt.text, r.Category, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestClassifierCustomRules(t *testing.T) {
	c := NewClassifier([]Rule{{Phrase: "SHIP IT", Category: CategoryDecision}})
	if r, ok := c.Classify("let's ship it"); !ok || r.Category != CategoryDecision {
		t.Errorf("custom rule not matched: %+v %v", r, ok)
	}
	if _, ok := c.Classify("we decided"); ok {
		t.Error("custom table should replace defaults")
	}
}
