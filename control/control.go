// Package control implements the planning control plane: long multi-step
// plans stream progress on one connection while pause, resume and cancel
// commands travel on an independent HTTP side channel. Plan status is
// server-authoritative; the client only reflects status fields received on
// the stream and never infers pause or resume locally.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/peakform/genflow/event"
	"github.com/peakform/genflow/telemetry"
	"github.com/peakform/genflow/transport"
)

type (
	// Action is a control-plane command.
	Action string

	// PlanStatus is the server-reported lifecycle phase of a plan. On top of
	// the generation phases, plans can be paused and resuming.
	PlanStatus string

	// Progress is a decoded progress event.
	Progress struct {
		// Status is the server-reported plan status.
		Status PlanStatus
		// Percentage is the overall plan completion (0-100).
		Percentage int
		// Message is the human-readable status line.
		Message string
		// Raw exposes the full payload for fields not modeled here.
		Raw event.Fields
	}

	// Handler carries optional callbacks invoked from the Watch goroutine.
	Handler struct {
		// OnProgress fires for every progress event.
		OnProgress func(p Progress)
		// OnStatus fires when the server-reported status changes, including
		// the paused and resuming transitions.
		OnStatus func(status PlanStatus)
		// OnTodoList fires with the raw todo-list payload.
		OnTodoList func(items json.RawMessage)
		// OnComplete fires with the raw complete payload before Watch returns.
		OnComplete func(result json.RawMessage)
	}

	// Options configures a Client. Zero values select defaults.
	Options struct {
		// Client is the HTTP client for both the stream and the side channel.
		Client *http.Client
		// Logger receives diagnostics. Defaults to the noop logger.
		Logger telemetry.Logger
		// StartWorker, when set, is invoked exactly once per Watch session
		// when the first todo-list event arrives. It is best-effort: failures
		// are logged and the watch continues. Reconnects start a new session
		// but servers ignore duplicate worker starts for an already-running
		// plan.
		StartWorker func(ctx context.Context, planID string) error
	}

	// Client talks to the planning stream and control endpoints.
	Client struct {
		controlTemplate string
		streamTemplate  string
		httpc           *http.Client
		log             telemetry.Logger
		startWorker     func(ctx context.Context, planID string) error
	}
)

const (
	// ActionPause asks the server to pause the plan.
	ActionPause Action = "pause"
	// ActionResume asks the server to resume a paused plan.
	ActionResume Action = "resume"
	// ActionCancel asks the server to cancel the plan.
	ActionCancel Action = "cancel"
)

const (
	// PlanRunning means the plan is executing.
	PlanRunning PlanStatus = "running"
	// PlanPaused means the server acknowledged a pause.
	PlanPaused PlanStatus = "paused"
	// PlanResuming means the server is resuming a paused plan.
	PlanResuming PlanStatus = "resuming"
	// PlanCompleted means the plan finished.
	PlanCompleted PlanStatus = "completed"
	// PlanFailed means the plan failed.
	PlanFailed PlanStatus = "failed"
)

// Stream event names emitted by the planning endpoint.
const (
	eventProgress    = "progress"
	eventTodoList    = "todo-list"
	eventComplete    = "complete"
	eventServerError = "server-error"
	eventHeartbeat   = "heartbeat"
)

// planIDPlaceholder marks where the plan identifier is spliced into endpoint
// templates.
const planIDPlaceholder = "{planId}"

// New constructs a control-plane client. Both templates must contain the
// {planId} placeholder, for example "/api/planning/control/{planId}" and
// "/api/planning/stream/{planId}".
func New(controlTemplate, streamTemplate string, opts Options) (*Client, error) {
	if !strings.Contains(controlTemplate, planIDPlaceholder) {
		return nil, fmt.Errorf("control template missing %s placeholder", planIDPlaceholder)
	}
	if !strings.Contains(streamTemplate, planIDPlaceholder) {
		return nil, fmt.Errorf("stream template missing %s placeholder", planIDPlaceholder)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Client{
		controlTemplate: controlTemplate,
		streamTemplate:  streamTemplate,
		httpc:           opts.Client,
		log:             opts.Logger,
		startWorker:     opts.StartWorker,
	}, nil
}

// Pause sends a pause command for the plan.
func (c *Client) Pause(ctx context.Context, planID string) error {
	return c.send(ctx, planID, ActionPause)
}

// Resume sends a resume command for the plan.
func (c *Client) Resume(ctx context.Context, planID string) error {
	return c.send(ctx, planID, ActionResume)
}

// Cancel sends a cancel command for the plan.
func (c *Client) Cancel(ctx context.Context, planID string) error {
	return c.send(ctx, planID, ActionCancel)
}

// send posts an action to the control endpoint.
func (c *Client) send(ctx context.Context, planID string, action Action) error {
	body, err := json.Marshal(struct {
		Action Action `json:"action"`
	}{action})
	if err != nil {
		return fmt.Errorf("encode control command: %w", err)
	}
	url := strings.ReplaceAll(c.controlTemplate, planIDPlaceholder, planID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build control request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("control command: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return transport.ResponseError(resp)
	}
	resp.Body.Close()
	c.log.Debug(ctx, "plan control sent", "plan_id", planID, "action", string(action))
	return nil
}

// Watch opens the plan stream and dispatches its named events to h until the
// plan completes, the server reports an error, or ctx is canceled. Heartbeats
// keep the connection alive and are otherwise ignored.
func (c *Client) Watch(ctx context.Context, planID string, h Handler) error {
	url := strings.ReplaceAll(c.streamTemplate, planIDPlaceholder, planID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("open plan stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return transport.ResponseError(resp)
	}
	defer resp.Body.Close()
	c.log.Debug(ctx, "plan stream opened", "plan_id", planID)

	w := &watch{client: c, planID: planID, handler: h}
	var (
		dec  event.FrameDecoder
		buf  = make([]byte, 4096)
		name string
		data strings.Builder
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := resp.Body.Read(buf)
		for _, line := range dec.Feed(buf[:n]) {
			switch {
			case line == "":
				done, err := w.dispatch(ctx, name, data.String())
				name = ""
				data.Reset()
				if done {
					return err
				}
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return errors.New("plan stream ended without completion")
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return fmt.Errorf("read plan stream: %w", rerr)
		}
	}
}

// watch tracks per-session state: the last reflected status and the one-shot
// worker start guard.
type watch struct {
	client        *Client
	planID        string
	handler       Handler
	lastStatus    PlanStatus
	workerStarted bool
}

// dispatch handles one named stream event. It returns done=true when the
// watch should end, with the error resolving it.
func (w *watch) dispatch(ctx context.Context, name, data string) (bool, error) {
	if name == "" || name == eventHeartbeat {
		return false, nil
	}
	var fields event.Fields
	if data != "" {
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			w.client.log.Debug(ctx, "skipping malformed plan event", "plan_id", w.planID, "event", name, "err", err)
			return false, nil
		}
	}

	switch name {
	case eventProgress:
		p := Progress{
			Status:  PlanStatus(fields.Str("status")),
			Message: fields.Str("message"),
			Raw:     fields,
		}
		if pct, ok := fields.Number("percentage"); ok {
			p.Percentage = int(pct)
		}
		if p.Status != "" && p.Status != w.lastStatus {
			w.lastStatus = p.Status
			if w.handler.OnStatus != nil {
				w.handler.OnStatus(p.Status)
			}
		}
		if w.handler.OnProgress != nil {
			w.handler.OnProgress(p)
		}
	case eventTodoList:
		if !w.workerStarted {
			w.workerStarted = true
			if w.client.startWorker != nil {
				if err := w.client.startWorker(ctx, w.planID); err != nil {
					w.client.log.Warn(ctx, "worker start failed", "plan_id", w.planID, "err", err)
				}
			}
		}
		if w.handler.OnTodoList != nil {
			w.handler.OnTodoList(json.RawMessage(data))
		}
	case eventComplete:
		if w.handler.OnComplete != nil {
			w.handler.OnComplete(json.RawMessage(data))
		}
		return true, nil
	case eventServerError:
		msg := fields.Str("message")
		if msg == "" {
			msg = "plan failed"
		}
		return true, errors.New(msg)
	}
	return false, nil
}
