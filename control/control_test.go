package control_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peakform/genflow/control"
)

// sse writes one named server-sent event block.
func sse(w io.Writer, name, data string) {
	fmt.Fprintf(w, "event: %s\n", name)
	if data != "" {
		fmt.Fprintf(w, "data: %s\n", data)
	}
	io.WriteString(w, "\n")
}

func newClient(t *testing.T, srv *httptest.Server, opts control.Options) *control.Client {
	t.Helper()
	c, err := control.New(srv.URL+"/control/{planId}", srv.URL+"/stream/{planId}", opts)
	require.NoError(t, err)
	return c
}

func TestNewValidatesTemplates(t *testing.T) {
	t.Parallel()

	_, err := control.New("/control/plans", "/stream/{planId}", control.Options{})
	require.ErrorContains(t, err, "{planId}")

	_, err = control.New("/control/{planId}", "/stream/plans", control.Options{})
	require.ErrorContains(t, err, "{planId}")
}

func TestWatchDispatchesNamedEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stream/plan-7", r.URL.Path)
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		sse(w, "heartbeat", "")
		sse(w, "progress", `{"status":"running","percentage":20,"message":"collecting habits"}`)
		sse(w, "progress", `{"status":"running","percentage":45,"message":"drafting week 1"}`)
		sse(w, "progress", `{"status":"paused","percentage":45,"message":"paused by user"}`)
		sse(w, "progress", `{"status":"resuming","percentage":45}`)
		sse(w, "progress", `{"status":"running","percentage":80}`)
		sse(w, "complete", `{"planId":"plan-7","summary":"8 week block"}`)
	}))
	defer srv.Close()

	var (
		statuses  []control.PlanStatus
		progress  []int
		completed json.RawMessage
	)
	c := newClient(t, srv, control.Options{})
	err := c.Watch(context.Background(), "plan-7", control.Handler{
		OnStatus:   func(s control.PlanStatus) { statuses = append(statuses, s) },
		OnProgress: func(p control.Progress) { progress = append(progress, p.Percentage) },
		OnComplete: func(result json.RawMessage) { completed = result },
	})
	require.NoError(t, err)

	require.Equal(t, []control.PlanStatus{
		control.PlanRunning,
		control.PlanPaused,
		control.PlanResuming,
		control.PlanRunning,
	}, statuses, "status callback fires on change only, including pause and resume")
	require.Equal(t, []int{20, 45, 45, 45, 80}, progress)
	require.JSONEq(t, `{"planId":"plan-7","summary":"8 week block"}`, string(completed))
}

func TestWatchStartsWorkerOnce(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, "todo-list", `{"items":[{"id":1,"title":"profile review"}]}`)
		sse(w, "todo-list", `{"items":[{"id":1,"title":"profile review"},{"id":2,"title":"draft plan"}]}`)
		sse(w, "complete", `{}`)
	}))
	defer srv.Close()

	var (
		mu     sync.Mutex
		starts []string
		lists  int
	)
	c := newClient(t, srv, control.Options{
		StartWorker: func(_ context.Context, planID string) error {
			mu.Lock()
			defer mu.Unlock()
			starts = append(starts, planID)
			return nil
		},
	})
	err := c.Watch(context.Background(), "plan-3", control.Handler{
		OnTodoList: func(json.RawMessage) { lists++ },
	})
	require.NoError(t, err)
	require.Equal(t, []string{"plan-3"}, starts, "worker starts once per session")
	require.Equal(t, 2, lists, "every todo-list still reaches the handler")
}

func TestWatchWorkerFailureDoesNotEndWatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, "todo-list", `{"items":[]}`)
		sse(w, "complete", `{}`)
	}))
	defer srv.Close()

	c := newClient(t, srv, control.Options{
		StartWorker: func(context.Context, string) error {
			return fmt.Errorf("worker pool exhausted")
		},
	})
	require.NoError(t, c.Watch(context.Background(), "plan-3", control.Handler{}))
}

func TestWatchServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, "progress", `{"status":"running","percentage":10}`)
		sse(w, "server-error", `{"message":"planner crashed"}`)
	}))
	defer srv.Close()

	c := newClient(t, srv, control.Options{})
	err := c.Watch(context.Background(), "plan-9", control.Handler{})
	require.EqualError(t, err, "planner crashed")
}

func TestWatchStreamEndsWithoutCompletion(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, "progress", `{"status":"running","percentage":10}`)
	}))
	defer srv.Close()

	c := newClient(t, srv, control.Options{})
	err := c.Watch(context.Background(), "plan-9", control.Handler{})
	require.ErrorContains(t, err, "without completion")
}

func TestWatchHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, "heartbeat", "")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := newClient(t, srv, control.Options{})
	err := c.Watch(ctx, "plan-9", control.Handler{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestControlActions(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		actions []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/control/plan-1", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var cmd struct {
			Action string `json:"action"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		mu.Lock()
		actions = append(actions, cmd.Action)
		mu.Unlock()
	}))
	defer srv.Close()

	c := newClient(t, srv, control.Options{})
	ctx := context.Background()
	require.NoError(t, c.Pause(ctx, "plan-1"))
	require.NoError(t, c.Resume(ctx, "plan-1"))
	require.NoError(t, c.Cancel(ctx, "plan-1"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"pause", "resume", "cancel"}, actions)
}

func TestControlActionServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":"plan already completed"}`)
	}))
	defer srv.Close()

	c := newClient(t, srv, control.Options{})
	err := c.Pause(context.Background(), "plan-1")
	require.ErrorContains(t, err, "plan already completed")
}

func TestWatchOpenFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such plan", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newClient(t, srv, control.Options{})
	err := c.Watch(context.Background(), "missing", control.Handler{})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "no such plan") || strings.Contains(err.Error(), "404"))
}
