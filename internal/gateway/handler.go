package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/modelroute/gateway/internal/agent"
	"github.com/modelroute/gateway/internal/config"
	"github.com/modelroute/gateway/internal/monitoring"
	"github.com/modelroute/gateway/internal/router"
	"github.com/modelroute/gateway/internal/session"
	"github.com/modelroute/gateway/internal/sse"
)

// writeError writes a JSON error response.
func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

// handleHealth returns gateway health status.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleMessages routes one chat turn and relays the upstream response,
// streaming or not.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	requestID := g.getRequestID(r)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.writeError(w, "failed to read request", http.StatusBadRequest)
		return
	}

	sessionID := router.SessionID(body)
	decision := g.engine.Decide(r.Context(), body)
	body = decision.Body

	// Let claiming agents mutate the outbound request (inject tool schemas,
	// rewrite prompts). Their tool calls are intercepted on the way back.
	active := g.registry.Active(body, g.cfg)
	for _, a := range active {
		body = a.PrepareRequest(body, g.cfg)
	}

	log.Info().
		Str("request_id", requestID).
		Str("model", decision.Model).
		Str("rule", decision.Rule).
		Str("session", sessionID).
		Int("agents", len(active)).
		Msg("routing decision")

	resp, err := g.upstream.Send(r.Context(), decision.Model, body)
	if err != nil {
		g.record(requestID, startTime, decision, sessionID, http.StatusBadGateway, session.Usage{}, err.Error())
		g.writeError(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if isStreaming(body) && resp.StatusCode == http.StatusOK {
		g.handleStreaming(w, r, resp, decision, body, active, sessionID, requestID, startTime)
		return
	}
	g.handleNonStreaming(w, resp, decision, sessionID, requestID, startTime)
}

// handleNonStreaming relays the upstream JSON body and records usage from
// it.
func (g *Gateway) handleNonStreaming(w http.ResponseWriter, resp *http.Response, decision router.Decision,
	sessionID, requestID string, startTime time.Time) {

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		g.writeError(w, "failed to read upstream response", http.StatusBadGateway)
		return
	}

	usage := session.Usage{
		InputTokens:  int(gjson.GetBytes(responseBody, "usage.input_tokens").Int()),
		OutputTokens: int(gjson.GetBytes(responseBody, "usage.output_tokens").Int()),
	}
	if resp.StatusCode < 400 && (usage.InputTokens > 0 || usage.OutputTokens > 0) {
		g.usage.Put(sessionID, usage)
	}
	g.record(requestID, startTime, decision, sessionID, resp.StatusCode, usage, "")

	copyHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(responseBody)
}

// handleStreaming relays the upstream SSE stream through the agent
// interception pipeline, with the usage tee on the raw bytes.
func (g *Gateway) handleStreaming(w http.ResponseWriter, r *http.Request, resp *http.Response,
	decision router.Decision, body []byte, active []agent.Agent, sessionID, requestID string, startTime time.Time) {

	copyHeaders(w, resp.Header)
	// The relay re-frames the body as chunked SSE.
	w.Header().Del("Content-Encoding")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	raw := teeUsage(resp.Body, sessionID, g.usage)
	defer func() { _ = raw.Close() }()

	forward := func(ctx context.Context, followUp []byte) (io.ReadCloser, error) {
		return g.upstream.SendStream(ctx, decision.Model, followUp)
	}
	pipeline := agent.NewPipeline(g.cfg, active, body, forward)

	err := sse.Rewrite(r.Context(), sse.NewDecoder(raw), sse.NewWriter(w), pipeline.Rewrite)
	switch {
	case err == nil:
		g.record(requestID, startTime, decision, sessionID, resp.StatusCode, session.Usage{}, "")
	case sse.IsPrematureClose(err):
		log.Warn().Err(err).Str("request_id", requestID).Msg("stream closed prematurely")
		g.record(requestID, startTime, decision, sessionID, resp.StatusCode, session.Usage{}, "premature close")
	default:
		// Logic fault: the stream terminates visibly for the client.
		log.Error().Err(err).Str("request_id", requestID).Msg("stream processing failed")
		g.record(requestID, startTime, decision, sessionID, resp.StatusCode, session.Usage{}, err.Error())
	}
}

// record pushes one request event into the telemetry tracker.
func (g *Gateway) record(requestID string, startTime time.Time, decision router.Decision,
	sessionID string, status int, usage session.Usage, errMsg string) {
	if g.tracker == nil {
		return
	}
	g.tracker.RecordRequest(&monitoring.RequestEvent{
		RequestID:    requestID,
		Timestamp:    startTime,
		SessionID:    sessionID,
		Model:        decision.Model,
		Rule:         decision.Rule,
		StatusCode:   status,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		LatencyMs:    time.Since(startTime).Milliseconds(),
		Error:        errMsg,
	})
}

// isStreaming checks if the request has "stream": true.
func isStreaming(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// hopHeaders are connection-scoped or framing headers that must not be
// relayed; net/http re-frames the response body itself.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

// copyHeaders copies end-to-end HTTP headers from source to destination.
func copyHeaders(w http.ResponseWriter, src http.Header) {
	for k, v := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		w.Header()[k] = v
	}
}
