package gateway

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/modelroute/gateway/internal/config"
	"github.com/modelroute/gateway/internal/session"
)

type streamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamUsagePayload struct {
	Usage   streamUsage `json:"usage"`
	Message struct {
		Usage streamUsage `json:"usage"`
	} `json:"message"`
}

// usageParser incrementally parses Anthropic SSE events and extracts the
// terminal usage. It only reads structured "data: {json}" payloads to avoid
// false positives from arbitrary text that might contain token-like keys.
type usageParser struct {
	buffer []byte
	usage  session.Usage
}

func newUsageParser() *usageParser {
	return &usageParser{buffer: make([]byte, 0, config.DefaultBufferSize)}
}

func (p *usageParser) Feed(chunk []byte) {
	p.buffer = append(p.buffer, chunk...)
	p.parse(false)
}

func (p *usageParser) Usage() session.Usage {
	p.parse(true)
	return p.usage
}

func (p *usageParser) parse(flush bool) {
	for {
		event, rest, ok := nextRawEvent(p.buffer, flush)
		if !ok {
			return
		}
		p.buffer = rest
		p.parseEvent(event)
	}
}

func nextRawEvent(buf []byte, flush bool) ([]byte, []byte, bool) {
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
		return buf[:idx], buf[idx+4:], true
	}
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return buf[:idx], buf[idx+2:], true
	}
	if flush {
		trimmed := bytes.TrimSpace(buf)
		if len(trimmed) > 0 {
			return trimmed, nil, true
		}
	}
	return nil, nil, false
}

func (p *usageParser) parseEvent(event []byte) {
	dataLines := make([][]byte, 0, 2)
	for _, line := range bytes.Split(event, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		dataLines = append(dataLines, payload)
	}
	if len(dataLines) == 0 {
		return
	}

	var payload streamUsagePayload
	if err := json.Unmarshal(bytes.Join(dataLines, []byte("\n")), &payload); err != nil {
		return
	}
	p.apply(payload.Message.Usage)
	p.apply(payload.Usage)
}

func (p *usageParser) apply(u streamUsage) {
	if u.InputTokens > 0 {
		p.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > p.usage.OutputTokens {
		p.usage.OutputTokens = u.OutputTokens
	}
}

// teeUsage splits the raw upstream byte stream before SSE parsing. A second,
// independent reader drains the copy purely to extract the terminal usage
// and write it into the session cache. Its failures — including premature
// close — are logged and never fatal to the main response.
//
// The caller must Close the returned reader. Close finishes the pipe so the
// tee goroutine exits even when the main read side was abandoned mid-stream
// (client disconnect, rewrite error).
func teeUsage(body io.Reader, sessionID string, cache *session.UsageCache) io.ReadCloser {
	if sessionID == "" || cache == nil {
		return io.NopCloser(body)
	}

	pr, pw := io.Pipe()
	go func() {
		parser := newUsageParser()
		buf := make([]byte, config.DefaultBufferSize)
		for {
			n, err := pr.Read(buf)
			if n > 0 {
				parser.Feed(buf[:n])
			}
			if err != nil {
				if err != io.EOF {
					log.Warn().Err(err).Str("session", sessionID).Msg("usage tee: read failed")
				}
				break
			}
		}
		usage := parser.Usage()
		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			cache.Put(sessionID, usage)
			log.Debug().
				Str("session", sessionID).
				Int("input_tokens", usage.InputTokens).
				Int("output_tokens", usage.OutputTokens).
				Msg("usage tee: session usage recorded")
		}
	}()

	return &teeCloser{r: io.TeeReader(body, pw), pw: pw}
}

// teeCloser finishes the pipe when the main read side is done so the tee
// goroutine always exits.
type teeCloser struct {
	r  io.Reader
	pw *io.PipeWriter
}

func (t *teeCloser) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil {
		_ = t.pw.CloseWithError(io.EOF)
	}
	return n, err
}

// Close releases the tee goroutine. io.EOF makes the goroutine treat whatever
// it has seen so far as the whole stream.
func (t *teeCloser) Close() error {
	return t.pw.CloseWithError(io.EOF)
}
