package sse

import (
	"bytes"
	"io"

	"github.com/modelroute/gateway/internal/config"
)

// Parser incrementally frames SSE events out of an arbitrary chunk stream.
// Feed bytes as they arrive; drain completed events with Next. A trailing
// unterminated event is surfaced by Flush.
type Parser struct {
	buffer []byte
	events []Event
}

// NewParser returns an empty parser.
func NewParser() *Parser {
	return &Parser{buffer: make([]byte, 0, config.DefaultBufferSize)}
}

// Feed appends a chunk and frames any events it completes.
func (p *Parser) Feed(chunk []byte) {
	p.buffer = append(p.buffer, chunk...)
	for {
		block, rest, ok := nextBlock(p.buffer)
		if !ok {
			return
		}
		p.buffer = rest
		if ev, ok := parseBlock(block); ok {
			p.events = append(p.events, ev)
		}
	}
}

// Next pops the oldest completed event.
func (p *Parser) Next() (Event, bool) {
	if len(p.events) == 0 {
		return Event{}, false
	}
	ev := p.events[0]
	p.events = p.events[1:]
	return ev, true
}

// Flush frames whatever remains in the buffer as a final event. Call once at
// end of stream.
func (p *Parser) Flush() {
	trimmed := bytes.TrimSpace(p.buffer)
	p.buffer = nil
	if len(trimmed) == 0 {
		return
	}
	if ev, ok := parseBlock(trimmed); ok {
		p.events = append(p.events, ev)
	}
}

// nextBlock splits off one blank-line-terminated event block, handling both
// CRLF and LF framing.
func nextBlock(buf []byte) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	return nil, buf, false
}

// parseBlock interprets the field lines of one event block. Multi-line data
// fields are joined with newlines per the SSE spec; comment lines and
// unknown fields are ignored. ok is false for blocks carrying no fields at
// all.
func parseBlock(block []byte) (Event, bool) {
	var ev Event
	var dataLines [][]byte
	seen := false

	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			continue
		}

		field, value, found := bytes.Cut(line, []byte(":"))
		if !found {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "event":
			ev.Name = string(value)
			seen = true
		case "data":
			dataLines = append(dataLines, value)
			seen = true
		}
	}

	if !seen {
		return Event{}, false
	}
	ev.Data = bytes.Join(dataLines, []byte("\n"))
	return ev, true
}

// Decoder drives a Parser from an io.Reader, yielding one event per call.
// Single-pass: not reusable across streams.
type Decoder struct {
	r      io.Reader
	parser *Parser
	buf    []byte
	eof    bool
	err    error
}

// NewDecoder wraps a live SSE connection body.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:      r,
		parser: NewParser(),
		buf:    make([]byte, config.DefaultBufferSize),
	}
}

// Next returns the next event, io.EOF after the final one, or the underlying
// read error. A non-EOF read error is held back until buffered events drain.
func (d *Decoder) Next() (Event, error) {
	for {
		if ev, ok := d.parser.Next(); ok {
			return ev, nil
		}
		if d.eof {
			if d.err != nil {
				return Event{}, d.err
			}
			return Event{}, io.EOF
		}

		n, err := d.r.Read(d.buf)
		if n > 0 {
			d.parser.Feed(d.buf[:n])
		}
		if err != nil {
			d.eof = true
			d.parser.Flush()
			if err != io.EOF {
				d.err = err
			}
		}
	}
}
