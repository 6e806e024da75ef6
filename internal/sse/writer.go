package sse

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Writer serializes events back onto the wire, flushing after every event so
// the client sees them as they happen.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps an output stream. If w implements http.Flusher each event
// is flushed immediately.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Write frames one event as event:/data: lines terminated by a blank line.
// Multi-line data becomes one data: line per line, which the parser joins
// back, so parse(serialize(ev)) == ev by value.
func (s *Writer) Write(ev Event) error {
	if ev.Name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", ev.Name); err != nil {
			return err
		}
	}
	for _, line := range bytes.Split(ev.Data, []byte("\n")) {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(s.w, "\n"); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
