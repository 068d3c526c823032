package generation

import (
	"encoding/json"
	"time"

	"github.com/peakform/genflow/event"
)

type (
	// Status enumerates the lifecycle phases of a controller. Phases are
	// mutually exclusive: a controller is never simultaneously generating and
	// failed, which boolean flag encodings cannot guarantee.
	Status string

	// State is the observable snapshot of a generation lifecycle. It is owned
	// exclusively by one controller; callers read it through Snapshot and
	// never mutate it.
	State struct {
		// Status is the current lifecycle phase.
		Status Status
		// Progress is the last reported completion percentage (0-100). It is
		// forced to 100 when the job completes, even if the final progress
		// event reported less.
		Progress int
		// CurrentMessage is the last human-readable status line, last-write-wins.
		CurrentMessage string
		// Result holds the domain output, present only in StatusComplete.
		Result json.RawMessage
		// Error holds the failure message, present only in StatusError.
		Error string
		// StreamEvents is the ordered, append-only record of every normalized
		// envelope observed during the current submission, for audit display.
		StreamEvents []event.Envelope
		// Logs collects structured entries extracted from agent_log events.
		Logs []LogEntry
	}

	// LogEntry is a structured log line reported by an agent during generation.
	LogEntry struct {
		Role      string
		Message   string
		Timestamp time.Time
		Metadata  map[string]any
	}
)

const (
	// StatusIdle means no submission has started or Reset was called.
	StatusIdle Status = "idle"
	// StatusRequesting means the transport is being opened.
	StatusRequesting Status = "requesting"
	// StatusStreaming means events are being consumed.
	StatusStreaming Status = "streaming"
	// StatusComplete means the job finished and Result is set.
	StatusComplete Status = "complete"
	// StatusError means the job failed and Error is set.
	StatusError Status = "error"
	// StatusCancelled means the submission was cancelled before a terminal
	// event. Prior progress is preserved so UIs can show what was underway.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends a submission.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// clone returns a copy of the state with its slices detached, safe to hand to
// callers while the controller keeps mutating the original.
func (s State) clone() State {
	out := s
	out.StreamEvents = append([]event.Envelope(nil), s.StreamEvents...)
	out.Logs = append([]LogEntry(nil), s.Logs...)
	return out
}
