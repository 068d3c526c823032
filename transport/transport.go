// Package transport delivers generation events from the server to the
// controller. Two implementations exist: Streaming consumes a chunked response
// body carrying `data: <json>` frames, Polling starts an asynchronous job and
// synthesizes equivalent envelopes from periodic status fetches. Both expose
// the same pull-based Stream so the controller is transport-agnostic.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/peakform/genflow/event"
	"github.com/peakform/genflow/telemetry"
)

type (
	// Transport opens one session per submission. The input payload is
	// serialized as the JSON request body.
	Transport interface {
		Open(ctx context.Context, input any) (Stream, error)
	}

	// Stream is a pull iterator over generation events. Next returns io.EOF
	// once the session ends cleanly; after the context is canceled Next
	// returns the context error and never yields another envelope. Streams are
	// not safe for concurrent use; a single consumer drives them.
	Stream interface {
		Next(ctx context.Context) (*event.Envelope, error)
		Close() error
	}

	// Options configures a transport. Zero values select defaults.
	Options struct {
		// Client is the HTTP client used for all requests. Defaults to a
		// client without a timeout: streaming sessions stay open for the whole
		// job, so callers bound lifetimes through the submission context.
		Client *http.Client
		// Logger receives transport diagnostics. Defaults to the noop logger.
		Logger telemetry.Logger
	}
)

// withDefaults fills in the default client and logger.
func (o Options) withDefaults() Options {
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	return o
}

// errorBodyLimit bounds how much of a failure response body is read when
// extracting an error message.
const errorBodyLimit = 512

// postJSON issues a POST with the JSON-serialized input as body.
func postJSON(ctx context.Context, client *http.Client, url string, input any) (*http.Response, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation request: %w", err)
	}
	return resp, nil
}

// ResponseError converts a non-2xx response into an error, preferring a
// structured message from a JSON body (`error`, `error.message` or `message`),
// falling back to a bounded text preview, then to a generic status string.
// The response body is consumed and closed.
func ResponseError(resp *http.Response) error {
	defer resp.Body.Close()
	preview, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(preview, &body); err == nil {
		if len(body.Error) > 0 {
			var s string
			if err := json.Unmarshal(body.Error, &s); err == nil && s != "" {
				return fmt.Errorf("%s", s)
			}
			var obj struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(body.Error, &obj); err == nil && obj.Message != "" {
				return fmt.Errorf("%s", obj.Message)
			}
		}
		if body.Message != "" {
			return fmt.Errorf("%s", body.Message)
		}
	}
	if text := strings.TrimSpace(string(preview)); text != "" {
		return fmt.Errorf("%s", text)
	}
	return fmt.Errorf("generation request failed with status %d", resp.StatusCode)
}
