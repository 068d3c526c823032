package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/peakform/genflow/event"
	"github.com/peakform/genflow/telemetry"
)

type (
	// Streaming drives a persistent request whose chunked response body
	// carries newline-delimited `data: <json>` frames. One Open call issues
	// one POST; the session lives until the body is drained, the context is
	// canceled or Close is called.
	Streaming struct {
		endpoint string
		client   *http.Client
		log      telemetry.Logger
	}

	// streamingSession reads body chunks incrementally and decodes them
	// through a fresh FrameDecoder. Decoded envelopes queue up so a single
	// chunk carrying several frames yields them one at a time.
	streamingSession struct {
		body  io.ReadCloser
		dec   event.FrameDecoder
		buf   []byte
		queue []*event.Envelope
		log   telemetry.Logger
		done  bool
	}
)

// NewStreaming constructs a streaming transport targeting endpoint.
func NewStreaming(endpoint string, opts Options) *Streaming {
	opts = opts.withDefaults()
	return &Streaming{
		endpoint: endpoint,
		client:   opts.Client,
		log:      opts.Logger,
	}
}

// Open issues the generation request and returns a session over its response
// body. Non-2xx responses fail fast with the extracted error message; there is
// no retry at this layer.
func (t *Streaming) Open(ctx context.Context, input any) (Stream, error) {
	resp, err := postJSON(ctx, t.client, t.endpoint, input)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ResponseError(resp)
	}
	if resp.Body == nil {
		return nil, errors.New("generation response has no body")
	}
	t.log.Debug(ctx, "generation stream opened", "endpoint", t.endpoint)
	return &streamingSession{
		body: resp.Body,
		buf:  make([]byte, 4096),
		log:  t.log,
	}, nil
}

// Next returns the next decoded envelope, io.EOF once the server closes the
// stream, or the context error once canceled. Malformed frames are logged and
// skipped; they never abort the session.
func (s *streamingSession) Next(ctx context.Context) (*event.Envelope, error) {
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
		n, err := s.body.Read(s.buf)
		if n > 0 {
			for _, frame := range s.dec.Feed(s.buf[:n]) {
				env, derr := event.Decode(frame)
				if derr != nil {
					s.log.Debug(ctx, "skipping malformed frame", "err", derr)
					continue
				}
				if env != nil {
					s.queue = append(s.queue, env)
				}
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			// A partial trailing frame is dropped: terminal events are
			// guaranteed frame-complete by the protocol.
			s.done = true
		default:
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			return nil, fmt.Errorf("read generation stream: %w", err)
		}
	}
}

// Close releases the underlying response body.
func (s *streamingSession) Close() error {
	return s.body.Close()
}
