// Package generation implements the client-side state machine that drives a
// long-running AI generation job from submission to terminal outcome. One
// controller serves one domain (workout, nutrition, food, exercise, agenda);
// all domains share the same lifecycle and differ only in their Profile.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"

	"github.com/peakform/genflow/event"
	"github.com/peakform/genflow/telemetry"
	"github.com/peakform/genflow/transport"
)

type (
	// Hooks carries optional caller callbacks. Hooks are invoked from the
	// goroutine driving Submit, outside the controller lock, and only while
	// their submission is still current.
	Hooks struct {
		// OnProgress fires for agent_progress events that carry a textual
		// message.
		OnProgress func(progress int, message string)
		// OnComplete fires once with the final result before Submit returns.
		OnComplete func(result json.RawMessage)
		// OnError fires once when the submission ends in StatusError.
		OnError func(err error)
	}

	// Recorder receives every normalized envelope for out-of-band audit
	// recording. Recording is best-effort: failures are logged and never
	// affect the submission.
	Recorder interface {
		Record(ctx context.Context, submissionID string, env *event.Envelope) error
	}

	// Controller owns the generation lifecycle for one domain. Submit drives
	// the whole lifecycle in the calling goroutine; Cancel, Reset and Snapshot
	// may be called from any goroutine. At most one submission is active at a
	// time: a new Submit synchronously invalidates the previous session before
	// opening its transport, so stale events can never mutate state.
	Controller struct {
		domain    string
		transport transport.Transport
		formatter event.Formatter
		hooks     Hooks
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer
		schema    *jsonschema.Schema
		recorder  Recorder
		initMsg   string

		mu     sync.Mutex
		state  State
		active *session
	}

	// session identifies one submission. The controller gates every state
	// mutation on the session still being the active one.
	session struct {
		id        string
		cancel    context.CancelFunc
		cancelled bool
		started   map[string]bool
	}

	// options collects constructor configuration.
	options struct {
		hooks      Hooks
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer
		recorder   Recorder
		httpClient *http.Client
		transport  transport.Transport
	}

	// Option customizes a controller.
	Option func(*options)
)

// WithHooks installs caller callbacks.
func WithHooks(h Hooks) Option { return func(o *options) { o.hooks = h } }

// WithLogger sets the structured logger. Defaults to the noop logger.
func WithLogger(l telemetry.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics sets the metrics recorder. Defaults to noop.
func WithMetrics(m telemetry.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithTracer sets the tracer. Defaults to noop.
func WithTracer(t telemetry.Tracer) Option { return func(o *options) { o.tracer = t } }

// WithRecorder installs an audit recorder for normalized envelopes.
func WithRecorder(r Recorder) Option { return func(o *options) { o.recorder = r } }

// WithHTTPClient sets the HTTP client shared by the built-in transports.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithTransport overrides the transport built from the profile. Primarily for
// tests and custom wire protocols.
func WithTransport(t transport.Transport) Option { return func(o *options) { o.transport = t } }

// NewController builds a controller for the given domain profile.
func NewController(p Profile, opts ...Option) (*Controller, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewNoopMetrics()
	}
	if o.tracer == nil {
		o.tracer = telemetry.NewNoopTracer()
	}

	tr := o.transport
	if tr == nil {
		topts := transport.Options{Client: o.httpClient, Logger: o.logger}
		switch p.resolveMode() {
		case ModeStreaming:
			tr = transport.NewStreaming(p.StreamEndpoint, topts)
		case ModePolling:
			tr = transport.NewPolling(p.StartEndpoint, p.StatusEndpoint, p.PollInterval, topts)
		}
	}

	var schema *jsonschema.Schema
	if p.ResultSchema != "" {
		var err error
		schema, err = compileSchema(p.Domain, p.ResultSchema)
		if err != nil {
			return nil, fmt.Errorf("%w: domain %q result schema: %v", ErrInvalidProfile, p.Domain, err)
		}
	}

	formatter := p.Formatter
	if formatter == nil {
		formatter = event.DefaultFormat
	}
	initMsg := p.InitialMessage
	if initMsg == "" {
		initMsg = defaultInitialMessage
	}

	return &Controller{
		domain:    p.Domain,
		transport: tr,
		formatter: formatter,
		hooks:     o.hooks,
		logger:    o.logger,
		metrics:   o.metrics,
		tracer:    o.tracer,
		schema:    schema,
		recorder:  o.recorder,
		initMsg:   initMsg,
		state:     State{Status: StatusIdle},
	}, nil
}

// compileSchema parses and compiles a JSON Schema document.
func compileSchema(domain, doc string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(doc)))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	name := domain + ".schema.json"
	if err := compiler.AddResource(name, parsed); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

// Snapshot returns a copy of the current state, safe to read concurrently
// with an in-flight submission.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Submit runs one generation for input and blocks until a terminal outcome.
// It returns the raw result on success, ErrCancelled when cancelled,
// ErrSuperseded when displaced by a newer Submit, or the failure that ended
// the job. Any in-flight submission is cancelled and invalidated before the
// new transport opens.
func (c *Controller) Submit(ctx context.Context, input any) (json.RawMessage, error) {
	sctx, sess := c.begin(ctx)
	defer sess.cancel()

	ctx, span := c.tracer.Start(sctx, "generation.submit")
	defer span.End()
	c.metrics.IncCounter("generation.submissions", 1, "domain", c.domain)
	c.logger.Info(ctx, "generation submitted", "domain", c.domain, "submission_id", sess.id)

	start := time.Now()
	result, err := c.run(ctx, sess, input)
	c.metrics.RecordTimer("generation.submission_duration", time.Since(start), "domain", c.domain)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, ErrCancelled) || errors.Is(err, ErrSuperseded):
		span.SetStatus(codes.Ok, err.Error())
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.IncCounter("generation.failures", 1, "domain", c.domain)
	}
	return result, err
}

// begin resets state for a new submission, superseding any active session.
func (c *Controller) begin(ctx context.Context) (context.Context, *session) {
	sctx, cancel := context.WithCancel(ctx)
	sess := &session{
		id:      uuid.NewString(),
		cancel:  cancel,
		started: make(map[string]bool),
	}
	c.mu.Lock()
	if prev := c.active; prev != nil {
		prev.cancel()
	}
	c.active = sess
	c.state = State{Status: StatusRequesting, CurrentMessage: c.initMsg}
	c.mu.Unlock()
	return sctx, sess
}

// run opens the transport and consumes events until a terminal outcome.
func (c *Controller) run(ctx context.Context, sess *session, input any) (json.RawMessage, error) {
	stream, err := c.transport.Open(ctx, input)
	if err != nil {
		return nil, c.fail(ctx, sess, err)
	}
	defer stream.Close()

	c.transition(sess, StatusStreaming)

	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("stream ended without a terminal event")
			}
			return nil, c.fail(ctx, sess, err)
		}
		result, terminal, err := c.dispatch(ctx, sess, env)
		if terminal {
			return result, err
		}
	}
}

// transition moves the state machine to status if sess is still current.
func (c *Controller) transition(sess *session, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == sess {
		c.state.Status = status
	}
}

// fail classifies a transport-level failure. Cancellation (explicit or via
// context) resolves with ErrCancelled and no error message; a superseded
// session resolves with ErrSuperseded without touching state; anything else
// transitions to StatusError.
func (c *Controller) fail(ctx context.Context, sess *session, err error) error {
	c.mu.Lock()
	if sess.cancelled {
		c.mu.Unlock()
		return ErrCancelled
	}
	if c.active != sess {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.active = nil
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.state.Status = StatusCancelled
		c.mu.Unlock()
		return ErrCancelled
	}
	c.state.Status = StatusError
	c.state.Error = err.Error()
	c.mu.Unlock()

	c.logger.Error(ctx, "generation failed", "domain", c.domain, "submission_id", sess.id, "err", err)
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
	return err
}

// dispatch applies one envelope to the state machine. It returns terminal=true
// when the submission is over, along with the result or error resolving it.
func (c *Controller) dispatch(ctx context.Context, sess *session, env *event.Envelope) (json.RawMessage, bool, error) {
	env.Message = c.formatter(env)

	switch env.Type {
	case event.TypeComplete:
		return c.complete(ctx, sess, env)
	case event.TypeError:
		return nil, true, c.protocolError(ctx, sess, env, "generation failed")
	case event.TypeAgentError:
		if !env.Retrying() {
			return nil, true, c.protocolError(ctx, sess, env, "agent failed")
		}
	}

	c.mu.Lock()
	if sess.cancelled {
		c.mu.Unlock()
		return nil, true, ErrCancelled
	}
	if c.active != sess {
		c.mu.Unlock()
		return nil, true, ErrSuperseded
	}

	var progressed bool
	switch env.Type {
	case event.TypeAgentStart:
		role := env.Role()
		if sess.started[role] {
			// Repeated start for a role only refreshes the message, the
			// event record keeps a single entry per role.
			c.state.CurrentMessage = env.Message
			c.mu.Unlock()
			c.record(ctx, sess, env)
			return nil, false, nil
		}
		sess.started[role] = true
		c.state.CurrentMessage = env.Message
	case event.TypeAgentProgress:
		if pct, ok := env.Progress(); ok {
			c.state.Progress = clampProgress(pct)
		}
		if msg := env.Data.Str("message"); msg != "" {
			c.state.CurrentMessage = msg
			progressed = true
		}
	case event.TypeAgentError:
		// Recoverable: the server is retrying the step.
		c.state.CurrentMessage = env.Message
	case event.TypeAgentLog:
		c.state.Logs = append(c.state.Logs, logEntry(env))
	default:
		// agent_complete, delegation, retry, validation and unknown types are
		// recorded and surface through the message only.
		if env.Message != "" {
			c.state.CurrentMessage = env.Message
		}
	}
	c.state.StreamEvents = append(c.state.StreamEvents, *env)
	progress := c.state.Progress
	message := c.state.CurrentMessage
	c.mu.Unlock()

	if progressed && c.hooks.OnProgress != nil {
		c.hooks.OnProgress(progress, message)
	}
	c.record(ctx, sess, env)
	return nil, false, nil
}

// complete resolves the submission with the event's result, validating it
// against the profile schema when one is configured.
func (c *Controller) complete(ctx context.Context, sess *session, env *event.Envelope) (json.RawMessage, bool, error) {
	value := env.Result()
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, true, c.fail(ctx, sess, fmt.Errorf("encode result: %w", err))
	}
	if value == nil {
		raw = nil
	}
	if c.schema != nil {
		if err := c.schema.Validate(value); err != nil {
			return nil, true, c.fail(ctx, sess, fmt.Errorf("result validation failed: %w", err))
		}
	}

	c.mu.Lock()
	if sess.cancelled {
		c.mu.Unlock()
		return nil, true, ErrCancelled
	}
	if c.active != sess {
		c.mu.Unlock()
		return nil, true, ErrSuperseded
	}
	c.active = nil
	c.state.Status = StatusComplete
	c.state.Progress = 100
	c.state.Result = raw
	c.state.CurrentMessage = env.Message
	c.state.StreamEvents = append(c.state.StreamEvents, *env)
	c.mu.Unlock()

	c.logger.Info(ctx, "generation complete", "domain", c.domain, "submission_id", sess.id)
	if c.hooks.OnComplete != nil {
		c.hooks.OnComplete(raw)
	}
	c.record(ctx, sess, env)
	return raw, true, nil
}

// protocolError resolves the submission with a fatal server-reported error,
// preserving the reported message verbatim and falling back to fallback when
// the envelope carries none.
func (c *Controller) protocolError(ctx context.Context, sess *session, env *event.Envelope, fallback string) error {
	msg := env.ErrorText()
	if msg == "" {
		msg = fallback
	}

	c.mu.Lock()
	if sess.cancelled {
		c.mu.Unlock()
		return ErrCancelled
	}
	if c.active != sess {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.active = nil
	c.state.Status = StatusError
	c.state.Error = msg
	c.state.CurrentMessage = env.Message
	c.state.StreamEvents = append(c.state.StreamEvents, *env)
	c.mu.Unlock()

	err := errors.New(msg)
	c.logger.Error(ctx, "generation failed", "domain", c.domain, "submission_id", sess.id, "err", err)
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
	c.record(ctx, sess, env)
	return err
}

// Cancel aborts the active submission, if any. The transport tears down
// cooperatively and no further events are processed. State is not reset:
// progress and events stay visible under StatusCancelled.
func (c *Controller) Cancel() {
	c.mu.Lock()
	sess := c.active
	if sess != nil {
		sess.cancelled = true
		c.active = nil
		c.state.Status = StatusCancelled
	}
	c.mu.Unlock()
	if sess != nil {
		sess.cancel()
	}
}

// Reset returns the controller to StatusIdle with cleared state, cancelling
// any in-flight submission. No network activity is performed.
func (c *Controller) Reset() {
	c.mu.Lock()
	sess := c.active
	if sess != nil {
		sess.cancelled = true
		c.active = nil
	}
	c.state = State{Status: StatusIdle}
	c.mu.Unlock()
	if sess != nil {
		sess.cancel()
	}
}

// record forwards the envelope to the audit recorder, if configured.
func (c *Controller) record(ctx context.Context, sess *session, env *event.Envelope) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(ctx, sess.id, env); err != nil {
		c.logger.Warn(ctx, "audit record failed", "domain", c.domain, "submission_id", sess.id, "err", err)
	}
}

// logEntry converts an agent_log envelope into a structured log entry. The
// wire timestamp wins over the envelope arrival time when parseable.
func logEntry(env *event.Envelope) LogEntry {
	entry := LogEntry{
		Role:      env.Role(),
		Message:   env.Data.Str("message"),
		Timestamp: env.Timestamp,
	}
	if ts := env.Data.Str("timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.Timestamp = parsed
		}
	}
	if meta, ok := env.Data["metadata"].(map[string]any); ok {
		entry.Metadata = meta
	}
	return entry
}

// clampProgress bounds a reported percentage to [0, 100].
func clampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
