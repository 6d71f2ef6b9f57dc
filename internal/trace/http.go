package trace

import (
	"encoding/json"
	"net/http"
)

// Middleware extracts or creates trace context for HTTP requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := fromHeaders(r.Header)
		w.Header().Set(TraceIDKey, tc.TraceID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

func fromHeaders(h http.Header) Context {
	return fromParent(h.Get(TraceIDKey), h.Get(SpanIDKey))
}

// fromParent starts a new span under a caller-supplied trace.
func fromParent(traceID, parentSpan string) Context {
	if traceID == "" {
		return New()
	}
	return Context{
		TraceID:      traceID,
		SpanID:       generateSpanID(),
		ParentSpanID: parentSpan,
	}
}

// ExtractFromJSON reads trace_id from a WebSocket message body.
// Returns a fresh context and false when none is present.
func ExtractFromJSON(data []byte) (Context, bool) {
	var msg struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.TraceID == "" {
		return New(), false
	}
	return fromParent(msg.TraceID, ""), true
}
