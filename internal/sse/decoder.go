// Package sse turns the text of a Server-Sent-Events response body into
// stream events, one chunk at a time.
package sse

import (
	"encoding/json"
	"strings"

	"github.com/zsprackett/prd-relay/internal/events"
)

const doneSentinel = "[DONE]"

// Decoder holds the unterminated tail of the stream between Feed calls. A
// Decoder belongs to a single stream and is not safe for concurrent use.
type Decoder struct {
	buf     string
	sawData bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends text to the buffer and returns the events of every complete
// frame in it. A trailing partial frame stays buffered for the next call.
func (d *Decoder) Feed(text string) []events.Event {
	d.buf += strings.ToValidUTF8(text, "\uFFFD")

	var out []events.Event
	for {
		idx, width := frameEnd(d.buf)
		if idx < 0 {
			return out
		}
		frame := d.buf[:idx]
		d.buf = d.buf[idx+width:]
		out = d.decodeFrame(frame, out)
	}
}

// Buffered returns the bytes of the incomplete frame held for the next Feed.
func (d *Decoder) Buffered() string { return d.buf }

// frameEnd finds the earliest blank-line delimiter. "\n\r\n" is accepted so
// CRLF-framed streams split the same way LF-framed ones do.
func frameEnd(s string) (int, int) {
	lf := strings.Index(s, "\n\n")
	crlf := strings.Index(s, "\n\r\n")
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, 2
	default:
		return crlf, 3
	}
}

func (d *Decoder) decodeFrame(frame string, out []events.Event) []events.Event {
	var data []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSuffix(line, "\r")
		after, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = append(data, strings.TrimPrefix(after, " "))
	}
	if len(data) == 0 {
		return out
	}

	payload := strings.Join(data, "\n")
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return out
	}

	if !d.sawData {
		d.sawData = true
		out = append(out, events.Phase(events.PhaseReceiving))
	}

	if trimmed == doneSentinel {
		return append(out, events.Done())
	}
	if isJSONObject(trimmed) {
		return append(out, events.Data(json.RawMessage(trimmed)))
	}
	return append(out, events.Delta(payload))
}

func isJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}
