package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peakform/genflow/event"
	"github.com/peakform/genflow/transport"
)

// chanStream feeds envelopes from a channel, honoring context cancellation.
// Closing the channel ends the stream with io.EOF.
type chanStream struct {
	ch chan *event.Envelope
}

func newChanStream(buffer int) *chanStream {
	return &chanStream{ch: make(chan *event.Envelope, buffer)}
}

// script returns a stream pre-loaded with envs that ends after draining them.
func script(envs ...*event.Envelope) *chanStream {
	s := newChanStream(len(envs))
	for _, e := range envs {
		s.ch <- e
	}
	close(s.ch)
	return s
}

func (s *chanStream) Next(ctx context.Context) (*event.Envelope, error) {
	select {
	case env, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanStream) Close() error { return nil }

// stubTransport hands out pre-registered streams, one per Open call, and
// signals each Open on the opened channel.
type stubTransport struct {
	mu      sync.Mutex
	streams []transport.Stream
	opened  chan struct{}
	openErr error
}

func (t *stubTransport) Open(ctx context.Context, input any) (transport.Stream, error) {
	if t.openErr != nil {
		return nil, t.openErr
	}
	t.mu.Lock()
	if len(t.streams) == 0 {
		t.mu.Unlock()
		return nil, errors.New("no stream registered for this Open")
	}
	s := t.streams[0]
	t.streams = t.streams[1:]
	t.mu.Unlock()
	if t.opened != nil {
		t.opened <- struct{}{}
	}
	return s, nil
}

func env(typ event.Type, data event.Fields) *event.Envelope {
	raw, _ := json.Marshal(map[string]any{"type": typ, "data": data})
	return &event.Envelope{Type: typ, Data: data, Raw: raw, Timestamp: time.Now().UTC()}
}

func newTestController(t *testing.T, tr transport.Transport, opts ...Option) *Controller {
	t.Helper()
	p := Profile{Domain: "workout", StreamEndpoint: "http://unused.invalid/generate"}
	ctrl, err := NewController(p, append([]Option{WithTransport(tr)}, opts...)...)
	require.NoError(t, err)
	return ctrl
}

func TestSubmitHappyPath(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{streams: []transport.Stream{script(
		env(event.TypeAgentStart, event.Fields{"role": "coach"}),
		env(event.TypeAgentProgress, event.Fields{"progress": float64(40), "message": "Drafting"}),
		env(event.TypeComplete, event.Fields{"result": map[string]any{"plan": "X"}}),
	)}}

	var (
		progressCalls []string
		completed     json.RawMessage
	)
	ctrl := newTestController(t, tr, WithHooks(Hooks{
		OnProgress: func(progress int, message string) {
			progressCalls = append(progressCalls, message)
			require.Equal(t, 40, progress)
		},
		OnComplete: func(result json.RawMessage) { completed = result },
	}))

	result, err := ctrl.Submit(context.Background(), map[string]string{"prompt": "chest day"})
	require.NoError(t, err)
	require.JSONEq(t, `{"plan":"X"}`, string(result))
	require.JSONEq(t, `{"plan":"X"}`, string(completed))
	require.Equal(t, []string{"Drafting"}, progressCalls)

	state := ctrl.Snapshot()
	require.Equal(t, StatusComplete, state.Status)
	require.Equal(t, 100, state.Progress)
	require.Empty(t, state.Error)
	require.Len(t, state.StreamEvents, 3)
}

func TestAgentStartDeduplicatesRole(t *testing.T) {
	t.Parallel()

	stream := newChanStream(4)
	tr := &stubTransport{streams: []transport.Stream{stream}}
	ctrl := newTestController(t, tr)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background(), nil)
		done <- err
	}()

	stream.ch <- env(event.TypeAgentStart, event.Fields{"role": "coach"})
	stream.ch <- env(event.TypeAgentStart, event.Fields{"role": "coach", "description": "second pass"})

	require.Eventually(t, func() bool {
		return ctrl.Snapshot().CurrentMessage == "coach: second pass"
	}, time.Second, 5*time.Millisecond)
	state := ctrl.Snapshot()
	require.Len(t, state.StreamEvents, 1, "repeated agent_start must not append")
	require.Equal(t, event.TypeAgentStart, state.StreamEvents[0].Type)

	stream.ch <- env(event.TypeComplete, event.Fields{"result": map[string]any{}})
	require.NoError(t, <-done)
}

func TestProgressTracksLastValueAndCompletesAt100(t *testing.T) {
	t.Parallel()

	var hookCalls int
	tr := &stubTransport{streams: []transport.Stream{script(
		env(event.TypeAgentProgress, event.Fields{"percentage": float64(10), "message": "one"}),
		env(event.TypeAgentProgress, event.Fields{"percentage": float64(60)}), // no message: no hook
		env(event.TypeComplete, event.Fields{"result": map[string]any{"ok": true}}),
	)}}
	ctrl := newTestController(t, tr, WithHooks(Hooks{
		OnProgress: func(int, string) { hookCalls++ },
	}))

	_, err := ctrl.Submit(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, hookCalls, "progress hook fires only with a textual message")

	state := ctrl.Snapshot()
	require.Equal(t, 100, state.Progress, "complete forces progress to 100")
}

func TestRecoverableAgentErrorKeepsStreaming(t *testing.T) {
	t.Parallel()

	stream := newChanStream(4)
	tr := &stubTransport{streams: []transport.Stream{stream}}
	ctrl := newTestController(t, tr)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background(), nil)
		done <- err
	}()

	stream.ch <- env(event.TypeAgentError, event.Fields{"role": "coach", "error": "timeout", "retrying": true})
	require.Eventually(t, func() bool {
		return len(ctrl.Snapshot().StreamEvents) == 1
	}, time.Second, 5*time.Millisecond)

	state := ctrl.Snapshot()
	require.Equal(t, StatusStreaming, state.Status, "recoverable error is not terminal")
	require.Empty(t, state.Error)
	select {
	case err := <-done:
		t.Fatalf("submission resolved early: %v", err)
	default:
	}

	stream.ch <- env(event.TypeComplete, event.Fields{"result": map[string]any{}})
	require.NoError(t, <-done)
}

func TestFatalAgentErrorRejects(t *testing.T) {
	t.Parallel()

	var hookErr error
	tr := &stubTransport{streams: []transport.Stream{script(
		env(event.TypeAgentError, event.Fields{"role": "coach", "error": "model exploded"}),
	)}}
	ctrl := newTestController(t, tr, WithHooks(Hooks{
		OnError: func(err error) { hookErr = err },
	}))

	_, err := ctrl.Submit(context.Background(), nil)
	require.EqualError(t, err, "model exploded")
	require.EqualError(t, hookErr, "model exploded")

	state := ctrl.Snapshot()
	require.Equal(t, StatusError, state.Status)
	require.Equal(t, "model exploded", state.Error)
}

func TestTopLevelErrorEvent(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{streams: []transport.Stream{script(
		env(event.TypeError, event.Fields{"message": "out of credits"}),
	)}}
	ctrl := newTestController(t, tr)

	_, err := ctrl.Submit(context.Background(), nil)
	require.EqualError(t, err, "out of credits")
	require.Equal(t, StatusError, ctrl.Snapshot().Status)
}

func TestSubmitSupersedesInFlightSubmission(t *testing.T) {
	t.Parallel()

	blocking := newChanStream(1)
	second := script(env(event.TypeComplete, event.Fields{"result": map[string]any{"x": float64(2)}}))
	tr := &stubTransport{
		streams: []transport.Stream{blocking, second},
		opened:  make(chan struct{}, 2),
	}
	ctrl := newTestController(t, tr)

	first := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background(), nil)
		first <- err
	}()
	<-tr.opened

	result, err := ctrl.Submit(context.Background(), nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"x":2}`, string(result))
	<-tr.opened

	require.ErrorIs(t, <-first, ErrSuperseded)

	state := ctrl.Snapshot()
	require.Equal(t, StatusComplete, state.Status)
	require.Len(t, state.StreamEvents, 1, "only the second submission's events remain")
}

func TestCancelResolvesWithoutError(t *testing.T) {
	t.Parallel()

	stream := newChanStream(2)
	tr := &stubTransport{streams: []transport.Stream{stream}, opened: make(chan struct{}, 1)}
	ctrl := newTestController(t, tr)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background(), nil)
		done <- err
	}()
	<-tr.opened

	stream.ch <- env(event.TypeAgentStart, event.Fields{"role": "coach"})
	require.Eventually(t, func() bool {
		return len(ctrl.Snapshot().StreamEvents) == 1
	}, time.Second, 5*time.Millisecond)

	ctrl.Cancel()
	require.ErrorIs(t, <-done, ErrCancelled)

	state := ctrl.Snapshot()
	require.Equal(t, StatusCancelled, state.Status)
	require.Empty(t, state.Error, "cancellation leaves no error message")
	require.Len(t, state.StreamEvents, 1, "prior events stay visible")
}

func TestResetReturnsToIdle(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{streams: []transport.Stream{script(
		env(event.TypeComplete, event.Fields{"result": map[string]any{"done": true}}),
	)}}
	ctrl := newTestController(t, tr)

	_, err := ctrl.Submit(context.Background(), nil)
	require.NoError(t, err)

	ctrl.Reset()
	state := ctrl.Snapshot()
	require.Equal(t, StatusIdle, state.Status)
	require.Zero(t, state.Progress)
	require.Nil(t, state.Result)
	require.Empty(t, state.StreamEvents)
}

func TestTransportOpenFailure(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{openErr: errors.New("connection refused")}
	ctrl := newTestController(t, tr)

	_, err := ctrl.Submit(context.Background(), nil)
	require.EqualError(t, err, "connection refused")
	require.Equal(t, StatusError, ctrl.Snapshot().Status)
}

func TestStreamEndWithoutTerminalEventIsAnError(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{streams: []transport.Stream{script(
		env(event.TypeAgentStart, event.Fields{"role": "coach"}),
	)}}
	ctrl := newTestController(t, tr)

	_, err := ctrl.Submit(context.Background(), nil)
	require.ErrorContains(t, err, "without a terminal event")
	require.Equal(t, StatusError, ctrl.Snapshot().Status)
}

func TestResultSchemaValidation(t *testing.T) {
	t.Parallel()

	const schema = `{"type":"object","required":["plan"],"properties":{"plan":{"type":"string"}}}`

	newCtrl := func(t *testing.T, tr transport.Transport) *Controller {
		ctrl, err := NewController(Profile{
			Domain:         "workout",
			StreamEndpoint: "http://unused.invalid/generate",
			ResultSchema:   schema,
		}, WithTransport(tr))
		require.NoError(t, err)
		return ctrl
	}

	t.Run("valid result", func(t *testing.T) {
		t.Parallel()
		tr := &stubTransport{streams: []transport.Stream{script(
			env(event.TypeComplete, event.Fields{"result": map[string]any{"plan": "X"}}),
		)}}
		result, err := newCtrl(t, tr).Submit(context.Background(), nil)
		require.NoError(t, err)
		require.JSONEq(t, `{"plan":"X"}`, string(result))
	})

	t.Run("invalid result", func(t *testing.T) {
		t.Parallel()
		tr := &stubTransport{streams: []transport.Stream{script(
			env(event.TypeComplete, event.Fields{"result": map[string]any{"plan": float64(5)}}),
		)}}
		ctrl := newCtrl(t, tr)
		_, err := ctrl.Submit(context.Background(), nil)
		require.ErrorContains(t, err, "result validation failed")
		require.Equal(t, StatusError, ctrl.Snapshot().Status)
	})
}

func TestAgentLogCollected(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{streams: []transport.Stream{script(
		env(event.TypeAgentLog, event.Fields{
			"role":      "coach",
			"message":   "picked 12 exercises",
			"timestamp": "2026-08-30T10:00:00Z",
			"metadata":  map[string]any{"count": float64(12)},
		}),
		env(event.TypeComplete, event.Fields{"result": map[string]any{}}),
	)}}
	ctrl := newTestController(t, tr)

	_, err := ctrl.Submit(context.Background(), nil)
	require.NoError(t, err)

	state := ctrl.Snapshot()
	require.Len(t, state.Logs, 1)
	require.Equal(t, "coach", state.Logs[0].Role)
	require.Equal(t, "picked 12 exercises", state.Logs[0].Message)
	require.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), state.Logs[0].Timestamp)
	require.Equal(t, map[string]any{"count": float64(12)}, state.Logs[0].Metadata)
}

func TestUnknownEventTypeStillRecorded(t *testing.T) {
	t.Parallel()

	tr := &stubTransport{streams: []transport.Stream{script(
		env(event.Type("surprise"), event.Fields{}),
		env(event.TypeComplete, event.Fields{"result": map[string]any{}}),
	)}}
	ctrl := newTestController(t, tr)

	_, err := ctrl.Submit(context.Background(), nil)
	require.NoError(t, err)
	state := ctrl.Snapshot()
	require.Len(t, state.StreamEvents, 2)
	require.Equal(t, event.Type("surprise"), state.StreamEvents[0].Type)
}

// captureRecorder records envelopes handed to the audit recorder.
type captureRecorder struct {
	mu      sync.Mutex
	subIDs  map[string]bool
	entries []event.Type
}

func (r *captureRecorder) Record(_ context.Context, submissionID string, env *event.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subIDs == nil {
		r.subIDs = make(map[string]bool)
	}
	r.subIDs[submissionID] = true
	r.entries = append(r.entries, env.Type)
	return nil
}

func TestRecorderReceivesEveryEnvelope(t *testing.T) {
	t.Parallel()

	rec := &captureRecorder{}
	tr := &stubTransport{streams: []transport.Stream{script(
		env(event.TypeAgentStart, event.Fields{"role": "coach"}),
		env(event.TypeComplete, event.Fields{"result": map[string]any{}}),
	)}}
	ctrl := newTestController(t, tr, WithRecorder(rec))

	_, err := ctrl.Submit(context.Background(), nil)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []event.Type{event.TypeAgentStart, event.TypeComplete}, rec.entries)
	require.Len(t, rec.subIDs, 1, "all envelopes share the submission id")
}

func TestEndToEndStreamingScenario(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var input map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		require.Equal(t, "chest day", input["prompt"])

		io.WriteString(w, "data: {\"type\":\"agent_start\",\"data\":{\"role\":\"coach\"}}\n")
		io.WriteString(w, "data: {\"type\":\"agent_progress\",\"data\":{\"progress\":40,\"message\":\"Drafting\"}}\n")
		io.WriteString(w, "data: {\"type\":\"complete\",\"data\":{\"result\":{\"plan\":\"X\"}}}\n")
	}))
	defer srv.Close()

	ctrl, err := NewController(Profile{Domain: "workout", StreamEndpoint: srv.URL})
	require.NoError(t, err)

	result, err := ctrl.Submit(context.Background(), map[string]string{"prompt": "chest day"})
	require.NoError(t, err)
	require.JSONEq(t, `{"plan":"X"}`, string(result))

	state := ctrl.Snapshot()
	require.Equal(t, StatusComplete, state.Status)
	require.Equal(t, 100, state.Progress)
	require.Empty(t, state.Error)
	require.JSONEq(t, `{"plan":"X"}`, string(state.Result))
}
