// Package stream is the streaming bridge (C9): it frames provider byte
// streams into SSE events, tolerating the malformed responses some
// upstreams emit, and writes client-facing SSE with per-chunk flushing.
// The framer is deliberately hand-rolled over a bufio.Reader — strict SSE
// parsers choke on the empty-valued headers and nonstandard keep-alive
// comments certain providers send, and the whole point of this layer is to
// keep reading anyway.
package stream

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Event is one server-sent event, already stripped of framing.
type Event struct {
	// Name is the event: field value, empty for plain data events.
	Name string
	// Data is the concatenated data: payload. Multi-line data fields are
	// joined with \n per the SSE spec.
	Data []byte
}

// IsDone reports the OpenAI-style terminal sentinel.
func (e Event) IsDone() bool {
	return bytes.Equal(bytes.TrimSpace(e.Data), []byte("[DONE]"))
}

// Reader frames a provider byte stream into Events.
type Reader struct {
	br *bufio.Reader
}

// maxLineSize bounds a single SSE line; generous because some providers
// send an entire response JSON as one data line.
const maxLineSize = 16 * 1024 * 1024

// NewReader wraps r in an SSE framer.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event. io.EOF signals a normal end of stream —
// including upstreams that just close the connection without a terminal
// event, which this layer treats as close, not error.
func (r *Reader) Next() (Event, error) {
	var evt Event
	var data [][]byte
	sawAny := false

	for {
		line, err := r.readLine()
		if err != nil {
			if err == io.EOF && sawAny && len(data) > 0 {
				// Stream ended mid-event; deliver what we have.
				evt.Data = bytes.Join(data, []byte("\n"))
				return evt, nil
			}
			return Event{}, err
		}

		// Blank line terminates an event, but only if the event carried
		// anything; leading keep-alive blanks are skipped.
		if len(bytes.TrimSpace(line)) == 0 {
			if len(data) > 0 || evt.Name != "" {
				evt.Data = bytes.Join(data, []byte("\n"))
				return evt, nil
			}
			continue
		}

		// Comment lines (": keep-alive", ": ping") are ignored.
		if line[0] == ':' {
			continue
		}
		sawAny = true

		field, value := splitField(line)
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			evt.Name = string(value)
		default:
			// id:, retry:, and anything nonstandard: ignored. Lines with
			// no colon at all, and raw JSON lines starting with '{', are
			// tolerated as bare data — at least one provider emits raw
			// NDJSON mid-stream when it errors.
			if field == "" && len(value) > 0 {
				data = append(data, value)
			} else if line[0] == '{' {
				data = append(data, line)
			}
		}
	}
}

// readLine reads up to \n, handling lines longer than the bufio buffer.
func (r *Reader) readLine() ([]byte, error) {
	var full []byte
	for {
		line, err := r.br.ReadSlice('\n')
		full = append(full, line...)
		if err == bufio.ErrBufferFull {
			if len(full) > maxLineSize {
				return nil, io.ErrUnexpectedEOF
			}
			continue
		}
		if err != nil {
			if len(full) > 0 && err == io.EOF {
				return trimEOL(full), nil
			}
			return nil, err
		}
		return trimEOL(full), nil
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// splitField splits "data: {...}" into ("data", "{...}"). A single
// leading space after the colon is stripped per the SSE spec; missing
// colons return the whole line as the value with an empty field name.
func splitField(line []byte) (string, []byte) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return "", line
	}
	field := string(line[:idx])
	value := line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	// Field names are case-sensitive per spec, but at least one upstream
	// sends "Data:"; normalize rather than drop.
	return strings.ToLower(field), value
}
