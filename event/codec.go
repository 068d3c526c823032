package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// framePrefix marks frames that carry an event payload. Anything else
	// (comments, heartbeats, blank lines) is skipped.
	framePrefix = "data: "
	// doneSentinel is an optional stream terminator some backends emit. It is
	// skipped; the real terminal signal is a complete or error event.
	doneSentinel = "[DONE]"
)

// wireEvent mirrors the JSON shape of a streamed event.
type wireEvent struct {
	Type      Type   `json:"type"`
	Data      Fields `json:"data"`
	Timestamp string `json:"timestamp"`
}

// Decode parses a single text frame into an Envelope.
//
// Frames that carry no event return (nil, nil): frames without the `data: `
// prefix and the `[DONE]` sentinel. A frame that looks like an event but fails
// to parse returns a non-nil error; callers log and skip it, a single
// malformed frame must never abort the session.
func Decode(frame string) (*Envelope, error) {
	if !strings.HasPrefix(frame, framePrefix) {
		return nil, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(frame, framePrefix))
	if payload == "" || payload == doneSentinel {
		return nil, nil
	}
	var we wireEvent
	if err := json.Unmarshal([]byte(payload), &we); err != nil {
		return nil, fmt.Errorf("decode event frame: %w", err)
	}
	env := &Envelope{
		Type:      we.Type,
		Data:      we.Data,
		Raw:       json.RawMessage(payload),
		Timestamp: time.Now().UTC(),
	}
	if we.Data == nil {
		env.Data = Fields{}
	}
	if we.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, we.Timestamp); err == nil {
			env.Timestamp = ts
		}
	}
	return env, nil
}
