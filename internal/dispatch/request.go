package dispatch

import (
	"encoding/json"
	"strings"
)

// Prompt is the fixed system instruction sent with every utterance.
const Prompt = `You are a passive meeting intelligence engine listening to a live conversation.

Respond with JSON only, no markdown:
{"timestamp_ms":0,"speaker_id":"Speaker 1","transcript_chunk":"exact words","is_final":true,
 "intelligence":{"category":["INFO"],"summary":"optional","tone":"NEUTRAL","confidence":0.85,
  "entities":[{"text":"Friday","type":"DATE"}],
  "graph_updates":[{"node_a":"Alice","relation":"OWNS","node_b":"launch plan","weight":1.0}]}}

Rules:
- Transcribe accurately (English, Urdu or Hindi).
- category values: TASK, DECISION, DEADLINE, QUERY, ACTION_ITEM, RISK, SENTIMENT, URGENCY,
  INTERRUPTION, AGREEMENT, DISAGREEMENT, OFF_TOPIC, EMOTION_SHIFT, DOMINANCE_SHIFT,
  EMPATHY_GAP, TOPIC_DRIFT, INFO.
- tone values: URGENT, FRUSTRATED, EXCITED, POSITIVE, NEGATIVE, HESITANT, DOMINANT, EMPATHETIC, NEUTRAL.
- If the audio is silence or unintelligible respond {"status":"silence"}.`

const descriptiveText = "Analyze this audio:"

// rateLimitMarkers flag a rate-limited response body.
var rateLimitMarkers = []string{"429", "RESOURCE_EXHAUSTED", "rate"}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"system_instruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generation_config,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens"`
}

type envelope struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func newAudioRequest(prompt, wavBase64 string) generateRequest {
	return generateRequest{
		Contents: []content{{Parts: []part{
			{Text: descriptiveText},
			{InlineData: &inlineData{MimeType: "audio/wav", Data: wavBase64}},
		}}},
		SystemInstruction: &content{Parts: []part{{Text: prompt}}},
		GenerationConfig:  &generationConfig{Temperature: 0.1, MaxOutputTokens: 512},
	}
}

func newProbeRequest() generateRequest {
	return generateRequest{Contents: []content{{Parts: []part{{Text: "OK"}}}}}
}

// parsed is the outcome of reading a response body.
type parsed struct {
	text      string // candidate text, or the raw body when the shape is unknown
	errMsg    string
	errCode   int
	errStatus string
}

func parseEnvelope(body []byte) parsed {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return parsed{text: string(body)}
	}
	if env.Error != nil {
		return parsed{text: string(body), errMsg: env.Error.Message, errCode: env.Error.Code, errStatus: env.Error.Status}
	}
	if len(env.Candidates) > 0 && len(env.Candidates[0].Content.Parts) > 0 {
		if t := env.Candidates[0].Content.Parts[0].Text; t != nil {
			return parsed{text: *t}
		}
	}
	return parsed{text: string(body)}
}

// isRateLimited reports a 429 status or any rate-limit marker in the body.
func isRateLimited(status int, body []byte) bool {
	if status == 429 {
		return true
	}
	s := string(body)
	for _, m := range rateLimitMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
