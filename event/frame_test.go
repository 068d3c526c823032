package event

import (
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestFrameDecoderSplitsAcrossChunks(t *testing.T) {
	t.Parallel()

	var d FrameDecoder
	require.Empty(t, d.Feed([]byte(`data: {"ty`)))
	frames := d.Feed([]byte("pe\":\"a\"}\ndata: {\"type\":\"b\"}\n"))
	require.Equal(t, []string{`data: {"type":"a"}`, `data: {"type":"b"}`}, frames)
}

func TestFrameDecoderStripsCarriageReturn(t *testing.T) {
	t.Parallel()

	var d FrameDecoder
	frames := d.Feed([]byte("data: {}\r\ndata: {}\n"))
	require.Equal(t, []string{"data: {}", "data: {}"}, frames)
}

func TestFrameDecoderReset(t *testing.T) {
	t.Parallel()

	var d FrameDecoder
	d.Feed([]byte("partial frame without newline"))
	d.Reset()
	frames := d.Feed([]byte("data: {}\n"))
	require.Equal(t, []string{"data: {}"}, frames)
}

// Feeding the same byte stream in any chunking must yield the same frames.
func TestFrameDecoderChunkingInvariance(t *testing.T) {
	t.Parallel()

	const stream = "data: {\"type\":\"a\"}\ndata: {\"type\":\"b\"}\n"
	want := []string{`data: {"type":"a"}`, `data: {"type":"b"}`}

	properties := gopter.NewProperties(nil)
	properties.Property("frames independent of chunk boundaries", prop.ForAll(
		func(cuts []int) bool {
			sort.Ints(cuts)
			var d FrameDecoder
			var frames []string
			prev := 0
			for _, cut := range cuts {
				if cut < prev {
					cut = prev
				}
				frames = append(frames, d.Feed([]byte(stream[prev:cut]))...)
				prev = cut
			}
			frames = append(frames, d.Feed([]byte(stream[prev:]))...)
			return strings.Join(frames, "\x00") == strings.Join(want, "\x00")
		},
		gen.SliceOf(gen.IntRange(0, len(stream))),
	))
	properties.TestingRun(t)
}
