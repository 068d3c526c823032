package event

import "strings"

// FrameDecoder splits a raw byte stream into newline-delimited text frames,
// preserving partial frames across read boundaries. A decoder belongs to a
// single transport session; sessions must not share decoders. The zero value
// is ready to use.
type FrameDecoder struct {
	pending string
}

// Feed appends chunk to the pending buffer and returns all complete frames.
// The trailing element after the last newline stays buffered until a later
// chunk completes it. Frames keep their content verbatim except for a trailing
// carriage return, which is stripped so CRLF streams decode identically.
func (d *FrameDecoder) Feed(chunk []byte) []string {
	d.pending += string(chunk)
	if !strings.Contains(d.pending, "\n") {
		return nil
	}
	parts := strings.Split(d.pending, "\n")
	d.pending = parts[len(parts)-1]
	frames := parts[:len(parts)-1]
	for i, f := range frames {
		frames[i] = strings.TrimSuffix(f, "\r")
	}
	return frames
}

// Reset discards any buffered partial frame. The server protocol guarantees
// terminal events are frame-complete, so a partial frame left at stream end is
// dropped rather than force-flushed.
func (d *FrameDecoder) Reset() {
	d.pending = ""
}
