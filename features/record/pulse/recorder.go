// Package pulse exposes a generation.Recorder that publishes normalized
// generation envelopes to goa.design/pulse streams for audit display. It
// mirrors the layering used by existing Pulse deployments: services build a
// Redis client, pass it to the Pulse client, and hand the resulting recorder
// to the generation controller.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/peakform/genflow/event"
	"github.com/peakform/genflow/features/record/pulse/clients/pulse"
)

type (
	// Options configures the recorder.
	Options struct {
		// Client is the Pulse client used to publish entries. Required.
		Client pulse.Client
		// Domain tags every published entry with the generation domain.
		Domain string
		// StreamID derives the target Pulse stream from a submission ID.
		// Defaults to `generation/<submissionID>`.
		StreamID func(submissionID string) string
	}

	// Recorder publishes generation envelopes into Pulse streams, one stream
	// per submission. Thread-safe for concurrent Record operations.
	Recorder struct {
		client   pulse.Client
		domain   string
		streamID func(submissionID string) string
	}

	// entry wraps an envelope for transmission over Pulse streams.
	entry struct {
		// Type identifies the event kind (e.g. "agent_progress", "complete").
		Type string `json:"type"`
		// SubmissionID links the entry to a specific submission.
		SubmissionID string `json:"submission_id"`
		// Domain names the generation domain that produced the entry.
		Domain string `json:"domain,omitempty"`
		// Timestamp records when the event was observed (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Message is the formatted human-readable status line.
		Message string `json:"message,omitempty"`
		// Payload is the original wire payload of the event, if any.
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

// NewRecorder constructs a Pulse-backed audit recorder. The Client field in
// opts is required; StreamID defaults to the built-in derivation.
func NewRecorder(opts Options) (*Recorder, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Recorder{
		client:   opts.Client,
		domain:   opts.Domain,
		streamID: streamID,
	}, nil
}

// Record publishes the envelope to the submission's Pulse stream. It derives
// the stream ID, wraps the envelope in an audit entry, marshals it to JSON,
// and publishes it via the Pulse client.
func (r *Recorder) Record(ctx context.Context, submissionID string, env *event.Envelope) error {
	if submissionID == "" {
		return errors.New("submission id is required")
	}
	handle, err := r.client.Stream(r.streamID(submissionID))
	if err != nil {
		return err
	}
	e := entry{
		Type:         string(env.Type),
		SubmissionID: submissionID,
		Domain:       r.domain,
		Timestamp:    env.Timestamp,
		Message:      env.Message,
		Payload:      env.Raw,
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, e.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the recorder's client.
func (r *Recorder) Close(ctx context.Context) error {
	return r.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the submission ID.
func defaultStreamID(submissionID string) string {
	return fmt.Sprintf("generation/%s", submissionID)
}
