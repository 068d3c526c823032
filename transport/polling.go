package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/peakform/genflow/event"
	"github.com/peakform/genflow/telemetry"
)

const (
	// DefaultPollInterval paces status fetches when the profile does not
	// override it.
	DefaultPollInterval = time.Second

	// jobIDPlaceholder marks where the job identifier is spliced into the
	// status endpoint template.
	jobIDPlaceholder = "{jobId}"
)

// Job status values reported by the polling endpoint.
const (
	JobPending   = "PENDING"
	JobRunning   = "RUNNING"
	JobCompleted = "COMPLETED"
	JobFailed    = "FAILED"
)

type (
	// Polling starts an asynchronous job and converts periodic status fetches
	// into the streaming event vocabulary. Role changes synthesize agent_start,
	// message or progress changes synthesize agent_progress, and terminal
	// statuses synthesize complete or error, so the controller cannot tell the
	// transports apart.
	Polling struct {
		startEndpoint  string
		statusTemplate string
		interval       time.Duration
		client         *http.Client
		log            telemetry.Logger
	}

	// pollingSession tracks the last observed (role, message, progress) tuple
	// and emits envelopes for the deltas.
	pollingSession struct {
		statusURL string
		client    *http.Client
		log       telemetry.Logger
		limiter   *rate.Limiter
		queue     []*event.Envelope
		lastRole  string
		lastMsg   string
		lastPct   int
		seen      bool
		done      bool
	}

	// jobStatus mirrors the polling status response.
	jobStatus struct {
		Progress int    `json:"progress"`
		Status   string `json:"status"`
		Metadata struct {
			CurrentRole string `json:"currentRole"`
			LastMessage string `json:"lastMessage"`
		} `json:"metadata"`
		Result       json.RawMessage `json:"result"`
		ErrorMessage string          `json:"errorMessage"`
	}
)

// NewPolling constructs a polling transport. statusTemplate must contain the
// {jobId} placeholder (for example "/api/generation/{jobId}"). A non-positive
// interval selects DefaultPollInterval.
func NewPolling(startEndpoint, statusTemplate string, interval time.Duration, opts Options) *Polling {
	opts = opts.withDefaults()
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Polling{
		startEndpoint:  startEndpoint,
		statusTemplate: statusTemplate,
		interval:       interval,
		client:         opts.Client,
		log:            opts.Logger,
	}
}

// Open submits the input to the start endpoint and returns a session polling
// the returned job. Fails fast on non-2xx start responses or a missing job
// identifier.
func (t *Polling) Open(ctx context.Context, input any) (Stream, error) {
	resp, err := postJSON(ctx, t.client, t.startEndpoint, input)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ResponseError(resp)
	}
	defer resp.Body.Close()
	var started struct {
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		return nil, fmt.Errorf("decode job start response: %w", err)
	}
	if started.JobID == "" {
		return nil, errors.New("job start response missing jobId")
	}
	t.log.Debug(ctx, "generation job started", "job_id", started.JobID)

	limiter := rate.NewLimiter(rate.Every(t.interval), 1)
	// Drain the initial token so the first status fetch waits a full interval.
	limiter.Allow()
	return &pollingSession{
		statusURL: strings.ReplaceAll(t.statusTemplate, jobIDPlaceholder, started.JobID),
		client:    t.client,
		log:       t.log,
		limiter:   limiter,
	}, nil
}

// Next returns the next synthesized envelope. Between fetches the session
// blocks in the rate limiter, which returns immediately with the context error
// on cancellation rather than waiting out the interval.
func (s *pollingSession) Next(ctx context.Context) (*event.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue = s.queue[1:]
			return env, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		status, err := s.fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.diff(status)
	}
}

// Close ends the session; subsequent Next calls return io.EOF.
func (s *pollingSession) Close() error {
	s.done = true
	s.queue = nil
	return nil
}

// fetch retrieves and decodes the current job status.
func (s *pollingSession) fetch(ctx context.Context) (*jobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch job status: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ResponseError(resp)
	}
	defer resp.Body.Close()
	var status jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}
	return &status, nil
}

// diff synthesizes envelopes for the transition from the previously observed
// status to the current one. A single fetch may queue several envelopes, for
// example a first RUNNING status with both a new role and a message.
func (s *pollingSession) diff(status *jobStatus) {
	switch status.Status {
	case JobCompleted:
		data := event.Fields{}
		if len(status.Result) > 0 {
			var result any
			if err := json.Unmarshal(status.Result, &result); err == nil {
				data["result"] = result
			}
		}
		s.queue = append(s.queue, synthesize(event.TypeComplete, data))
		s.done = true
		return
	case JobFailed:
		msg := status.ErrorMessage
		if msg == "" {
			msg = "generation job failed"
		}
		s.queue = append(s.queue, synthesize(event.TypeError, event.Fields{"message": msg}))
		s.done = true
		return
	}

	role := status.Metadata.CurrentRole
	if role != "" && role != s.lastRole {
		s.queue = append(s.queue, synthesize(event.TypeAgentStart, event.Fields{"role": role}))
		s.lastRole = role
	}
	msg := status.Metadata.LastMessage
	if s.seen && msg == s.lastMsg && status.Progress == s.lastPct {
		return
	}
	if !s.seen && msg == "" && status.Progress == 0 {
		// Nothing observable yet; skip the empty first tick.
		s.seen = true
		return
	}
	s.seen = true
	s.lastMsg = msg
	s.lastPct = status.Progress
	fields := event.Fields{"progress": float64(status.Progress)}
	if msg != "" {
		fields["message"] = msg
	}
	if s.lastRole != "" {
		fields["role"] = s.lastRole
	}
	s.queue = append(s.queue, synthesize(event.TypeAgentProgress, fields))
}

// synthesize builds an envelope equivalent to one decoded off the wire,
// including a Raw payload for audit display.
func synthesize(t event.Type, data event.Fields) *event.Envelope {
	env := &event.Envelope{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if raw, err := json.Marshal(struct {
		Type event.Type   `json:"type"`
		Data event.Fields `json:"data"`
	}{t, data}); err == nil {
		env.Raw = raw
	}
	return env
}
