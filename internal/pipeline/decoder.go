// Package pipeline consumes the generation service's server-sent event
// stream and exposes it as typed progress events.
package pipeline

import (
	"bytes"
	"strings"
)

// DefaultEventName is assigned to frames that carry no event field.
const DefaultEventName = "message"

// Frame is one complete server-sent event: an event name and the
// concatenated data payload.
type Frame struct {
	Event string
	Data  string
}

// Decoder incrementally decodes a server-sent event byte stream. Chunks may
// split frames at arbitrary byte boundaries; a frame is emitted only once
// its terminating blank line has arrived.
//
// The zero value is ready to use.
type Decoder struct {
	buf []byte
}

// Feed appends a chunk to the internal buffer and returns every frame
// completed by it. Frames with an empty data payload are dropped.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d == nil {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		idx, width := frameBoundary(d.buf)
		if idx < 0 {
			return frames
		}
		raw := string(d.buf[:idx])
		d.buf = d.buf[idx+width:]
		if frame, ok := parseFrame(raw); ok {
			frames = append(frames, frame)
		}
	}
}

// frameBoundary locates the blank line terminating a frame: a newline
// followed by another newline, with an optional carriage return between them
// for producers emitting CRLF line endings.
func frameBoundary(buf []byte) (idx, width int) {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		if buf[i+1] == '\n' {
			return i, 2
		}
		if buf[i+1] == '\r' && i+2 < len(buf) && buf[i+2] == '\n' {
			return i, 3
		}
	}
	return -1, 0
}

// Pending reports whether a partial frame is buffered. A stream that ends
// with pending bytes was truncated mid-frame.
func (d *Decoder) Pending() bool {
	if d == nil {
		return false
	}
	return len(bytes.TrimSpace(d.buf)) > 0
}

// parseFrame interprets the lines of one frame. Multi-line data fields are
// concatenated without a separator. Unknown fields and comment lines are
// ignored.
func parseFrame(raw string) (Frame, bool) {
	event := DefaultEventName
	var data strings.Builder

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			if name := strings.TrimSpace(line[len("event:"):]); name != "" {
				event = name
			}
		case strings.HasPrefix(line, "data:"):
			value := line[len("data:"):]
			data.WriteString(strings.TrimPrefix(value, " "))
		}
	}

	if data.Len() == 0 {
		return Frame{}, false
	}
	return Frame{Event: event, Data: data.String()}, true
}
