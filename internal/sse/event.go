// Package sse is the bidirectional codec for the Server-Sent-Events text
// protocol, plus a pass-through rewriter used to splice agent tool results
// into live streams.
//
// DESIGN: Event data stays as raw bytes. Upstream payloads are JSON in
// practice, but parsing must never fail on a malformed payload — consumers
// peek with gjson and degrade to raw text on their own.
package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"syscall"

	"github.com/tidwall/gjson"
)

// Event is one framed SSE record.
type Event struct {
	Name string // the "event:" field, empty when absent
	Data []byte // joined "data:" lines
}

// Type returns the Anthropic event type, preferring the SSE event name and
// falling back to the payload's "type" field.
func (e Event) Type() string {
	if e.Name != "" {
		return e.Name
	}
	return gjson.GetBytes(e.Data, "type").String()
}

// Get reads a path from the event's JSON payload. Missing or non-JSON data
// yields a zero Result, never an error.
func (e Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Data, path)
}

// Equal compares events by value.
func (e Event) Equal(other Event) bool {
	return e.Name == other.Name && bytes.Equal(e.Data, other.Data)
}

// IsPrematureClose reports whether err is an expected environmental stream
// termination (client disconnect, cancelled context, cut connection) rather
// than a logic fault. These are logged as warnings, never propagated as
// fatal.
func IsPrematureClose(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
