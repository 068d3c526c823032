// Package event defines the normalized event vocabulary shared by both
// generation transports. A server drives a generation job by emitting
// line-oriented `data: <json>` frames (streaming transport); the polling
// transport synthesizes the same envelopes from job-status deltas so that
// downstream consumers observe a uniform vocabulary regardless of transport.
package event

import (
	"encoding/json"
	"time"
)

type (
	// Type enumerates the event kinds emitted by generation backends.
	Type string

	// Fields holds the dynamic `data` object of a wire event. The protocol is
	// schemaless by design: each event type populates a small set of well-known
	// keys (role, message, percentage, ...) and consumers read them through the
	// typed accessors below.
	Fields map[string]any

	// Envelope is a normalized generation event. Envelopes are produced by
	// Decode (streaming transport) or synthesized by the polling transport, and
	// are immutable once handed to the controller except for Message, which the
	// controller fills in from its configured Formatter before recording the
	// envelope.
	Envelope struct {
		// Type identifies the event kind. Unrecognized types are still recorded
		// by consumers but carry no special interpretation.
		Type Type `json:"type"`
		// Data carries the event-specific fields.
		Data Fields `json:"data"`
		// Raw preserves the original JSON payload for audit display.
		Raw json.RawMessage `json:"-"`
		// Timestamp records when the event was emitted (server time when the
		// wire payload carries one, arrival time otherwise).
		Timestamp time.Time `json:"timestamp"`
		// Message is the human-readable rendering of the event.
		Message string `json:"message,omitempty"`
	}
)

const (
	// TypeAgentStart signals that an agent role began working.
	TypeAgentStart Type = "agent_start"
	// TypeAgentProgress carries a percentage and status message.
	TypeAgentProgress Type = "agent_progress"
	// TypeAgentComplete signals that an agent role finished its step.
	TypeAgentComplete Type = "agent_complete"
	// TypeDelegation signals a hand-off of a task between agents.
	TypeDelegation Type = "delegation"
	// TypeAgentError reports an agent failure, recoverable when the server is
	// retrying the step.
	TypeAgentError Type = "agent_error"
	// TypeRetry reports a server-driven retry attempt.
	TypeRetry Type = "retry"
	// TypeValidation reports a validation pass over intermediate output.
	TypeValidation Type = "validation"
	// TypeAgentLog carries a structured log entry from an agent.
	TypeAgentLog Type = "agent_log"
	// TypeComplete terminates the job successfully and carries the result.
	TypeComplete Type = "complete"
	// TypeError terminates the job with a top-level failure.
	TypeError Type = "error"
)

// Terminal reports whether the event type ends the job.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError
}

// Str returns the string value stored under key, or "" when absent or not a
// string.
func (f Fields) Str(key string) string {
	s, _ := f[key].(string)
	return s
}

// Number returns the numeric value stored under key. JSON numbers decode as
// float64; integers stored programmatically are converted.
func (f Fields) Number(key string) (float64, bool) {
	switch v := f[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	}
	return 0, false
}

// Bool returns the truthiness of the value stored under key. Only a JSON true
// counts as true; absent keys, null and false are all false.
func (f Fields) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// Role returns the agent role named by the event, if any.
func (e *Envelope) Role() string {
	return e.Data.Str("role")
}

// Progress returns the progress percentage carried by an agent_progress event.
// The wire format uses either `percentage` or `progress`; percentage wins when
// both are present.
func (e *Envelope) Progress() (int, bool) {
	if n, ok := e.Data.Number("percentage"); ok {
		return int(n), true
	}
	if n, ok := e.Data.Number("progress"); ok {
		return int(n), true
	}
	return 0, false
}

// Retrying reports whether an agent_error event is marked as being retried
// server-side. Absent or falsy means the error is fatal.
func (e *Envelope) Retrying() bool {
	return e.Data.Bool("retrying")
}

// ErrorText extracts the failure message from an agent_error or error event.
// The `error` field may be a plain string or an object with a `message` key;
// top-level error events carry `message` directly. Returns "" when no message
// can be extracted.
func (e *Envelope) ErrorText() string {
	switch v := e.Data["error"].(type) {
	case string:
		return v
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return e.Data.Str("message")
}

// Result returns the domain output carried by a complete event. The wire
// format uses either `result` or `output`; result wins when both are present.
func (e *Envelope) Result() any {
	if v, ok := e.Data["result"]; ok {
		return v
	}
	return e.Data["output"]
}
