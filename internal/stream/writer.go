package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Writer emits client-facing SSE over an http.ResponseWriter, flushing
// after every event so deltas reach the client as they arrive rather than
// when some buffer fills. Safe for use by a single goroutine; the bridge's
// producer-consumer split keeps it that way.
type Writer struct {
	w       http.ResponseWriter
	flush   http.Flusher
	mu      sync.Mutex
	started bool
}

// NewWriter prepares w for SSE output. Headers are not written until the
// first event, so callers can still switch to a plain error response if
// the upstream fails before producing anything.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flush: flusher}
}

// Started reports whether the 200 header has been committed. After this,
// errors must be delivered in-stream, never by status code.
func (w *Writer) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

func (w *Writer) start() {
	if w.started {
		return
	}
	h := w.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.w.WriteHeader(http.StatusOK)
	w.started = true
}

// WriteData emits "data: <json of v>\n\n".
func (w *Writer) WriteData(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteRaw("", payload)
}

// WriteEvent emits "event: <name>\ndata: <json of v>\n\n", the Anthropic
// SSE dialect.
func (w *Writer) WriteEvent(name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteRaw(name, payload)
}

// WriteRaw emits an already-serialized payload.
func (w *Writer) WriteRaw(name string, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.start()

	if name != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if w.flush != nil {
		w.flush.Flush()
	}
	return nil
}

// WriteDone emits the OpenAI terminal sentinel.
func (w *Writer) WriteDone() error {
	return w.WriteRaw("", []byte("[DONE]"))
}
