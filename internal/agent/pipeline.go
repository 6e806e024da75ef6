// Agent interception pipeline - executes agent tool calls inside a live SSE
// stream and splices the follow-up model turn in transparently.
//
// DESIGN: A per-stream state machine driven through the sse.Rewriter
// callback:
//
//	IDLE → TOOL_OPEN → (loops on input_json_delta) → TOOL_CLOSED → SPLICING → IDLE
//
// Tool-call scaffolding events for owned tools are suppressed; when the
// model finishes its turn, collected tool results are appended to the
// conversation and a follow-up upstream call is issued whose events replace
// the original completion marker. The client sees one uninterrupted
// assistant turn.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/sjson"

	"github.com/modelroute/gateway/internal/config"
	"github.com/modelroute/gateway/internal/sse"
	"github.com/modelroute/gateway/internal/utils"
)

// MaxSpliceDepth bounds recursive tool-call splicing so a misbehaving agent
// cannot loop forever.
const MaxSpliceDepth = 5

// ForwardFunc issues the follow-up upstream call and returns its SSE body.
type ForwardFunc func(ctx context.Context, body []byte) (io.ReadCloser, error)

// noToolOpen marks the IDLE state.
const noToolOpen = -1

// Pipeline intercepts one streamed response. Not reusable across streams.
type Pipeline struct {
	cfg     *config.Config
	active  []Agent
	forward ForwardFunc
	body    []byte
	depth   int

	// open tool-call state; at most one block may be open at a time
	toolIndex int
	toolName  string
	toolID    string
	args      bytes.Buffer

	// blocks collected over the whole response
	assistantBlocks []json.RawMessage
	resultBlocks    []json.RawMessage

	spliced bool
}

// NewPipeline builds the interception pipeline for one streamed response.
// active is the request's active-agent list; body is the request as sent
// upstream; forward re-enters the gateway's forwarding path.
func NewPipeline(cfg *config.Config, active []Agent, body []byte, forward ForwardFunc) *Pipeline {
	return newPipelineDepth(cfg, active, body, forward, 0)
}

func newPipelineDepth(cfg *config.Config, active []Agent, body []byte, forward ForwardFunc, depth int) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		active:    active,
		forward:   forward,
		body:      body,
		depth:     depth,
		toolIndex: noToolOpen,
	}
}

// Rewrite is the sse.RewriteFunc for this stream.
func (p *Pipeline) Rewrite(ctx context.Context, ev sse.Event, emit sse.EmitFunc) (sse.Event, bool, error) {
	switch ev.Type() {
	case "content_block_start":
		return p.onBlockStart(ev)
	case "content_block_delta":
		return p.onBlockDelta(ev)
	case "content_block_stop":
		return p.onBlockStop(ctx, ev)
	case "message_delta":
		return p.onMessageDelta(ctx, ev, emit)
	default:
		return ev, true, nil
	}
}

// onBlockStart opens tool-call state when the block is a tool_use owned by
// an active agent; anything else passes through.
func (p *Pipeline) onBlockStart(ev sse.Event) (sse.Event, bool, error) {
	block := ev.Get("content_block")
	if block.Get("type").String() != "tool_use" {
		return ev, true, nil
	}
	name := block.Get("name").String()
	if _, _, owned := toolOwner(p.active, name); !owned {
		return ev, true, nil
	}
	if p.toolIndex != noToolOpen {
		// Protocol violation: a second block opened before the first closed.
		log.Warn().Str("tool", name).Int("open_index", p.toolIndex).Msg("agent: overlapping tool blocks, discarding earlier state")
		p.resetToolState()
	}

	p.toolIndex = int(ev.Get("index").Int())
	p.toolName = name
	p.toolID = block.Get("id").String()
	p.args.Reset()
	return sse.Event{}, false, nil
}

// onBlockDelta accumulates partial JSON for the open tool call.
func (p *Pipeline) onBlockDelta(ev sse.Event) (sse.Event, bool, error) {
	if p.toolIndex == noToolOpen || int(ev.Get("index").Int()) != p.toolIndex {
		return ev, true, nil
	}
	if ev.Get("delta.type").String() == "input_json_delta" {
		p.args.WriteString(ev.Get("delta.partial_json").String())
	}
	return sse.Event{}, false, nil
}

// onBlockStop closes the open tool call: parse arguments, run the handler,
// collect the tool_use/tool_result block pair. Handler and parse failures
// are logged and mean no splice for this tool; the stream continues.
func (p *Pipeline) onBlockStop(ctx context.Context, ev sse.Event) (sse.Event, bool, error) {
	if p.toolIndex == noToolOpen || int(ev.Get("index").Int()) != p.toolIndex {
		return ev, true, nil
	}

	name, id := p.toolName, p.toolID
	args := p.args.String()
	p.resetToolState()

	agent, tool, owned := toolOwner(p.active, name)
	if !owned {
		return sse.Event{}, false, nil
	}

	parsed, err := repairArgs(args)
	if err != nil {
		log.Warn().Err(err).Str("tool", name).Msg("agent: malformed tool arguments, skipping call")
		return sse.Event{}, false, nil
	}

	result, err := tool.Handler(ctx, parsed, ToolContext{Request: p.body, Config: p.cfg})
	if err != nil {
		log.Warn().Err(err).Str("agent", agent.Name()).Str("tool", name).Msg("agent: tool handler failed, no splice for this call")
		return sse.Event{}, false, nil
	}

	use, err := json.Marshal(map[string]json.RawMessage{
		"type":  json.RawMessage(`"tool_use"`),
		"id":    json.RawMessage(fmt.Sprintf("%q", id)),
		"name":  json.RawMessage(fmt.Sprintf("%q", name)),
		"input": parsed,
	})
	if err != nil {
		return sse.Event{}, false, nil
	}
	res, err := json.Marshal(map[string]any{
		"type":        "tool_result",
		"tool_use_id": id,
		"content":     string(result),
	})
	if err != nil {
		return sse.Event{}, false, nil
	}

	p.assistantBlocks = append(p.assistantBlocks, use)
	p.resultBlocks = append(p.resultBlocks, res)
	return sse.Event{}, false, nil
}

// onMessageDelta splices the follow-up turn when tool results were
// collected; otherwise the event passes through untouched.
func (p *Pipeline) onMessageDelta(ctx context.Context, ev sse.Event, emit sse.EmitFunc) (sse.Event, bool, error) {
	if len(p.resultBlocks) == 0 || p.spliced {
		return ev, true, nil
	}
	p.spliced = true

	body, err := p.appendTurn()
	if err != nil {
		log.Error().Err(err).Msg("agent: failed to append tool turn, passing original completion through")
		return ev, true, nil
	}
	p.body = body
	p.assistantBlocks = nil
	p.resultBlocks = nil

	if err := p.splice(ctx, emit); err != nil {
		if sse.IsPrematureClose(err) {
			log.Warn().Err(err).Msg("agent: splice aborted by premature close")
			return sse.Event{}, false, err
		}
		// Splice failed before anything was emitted downstream; degrade to
		// the original completion so the client still gets a valid turn.
		log.Warn().Err(err).Msg("agent: splice failed, passing original completion through")
		return ev, true, nil
	}

	// The spliced turn supersedes the original completion marker.
	return sse.Event{}, false, nil
}

// appendTurn appends the collected assistant tool_use blocks and the user
// tool_result blocks to the conversation. Marshalled without HTML escaping
// so tool results containing markup don't inflate the payload.
func (p *Pipeline) appendTurn() ([]byte, error) {
	assistant, err := utils.MarshalNoEscape(map[string]any{"role": "assistant", "content": rawSlice(p.assistantBlocks)})
	if err != nil {
		return nil, err
	}
	user, err := utils.MarshalNoEscape(map[string]any{"role": "user", "content": rawSlice(p.resultBlocks)})
	if err != nil {
		return nil, err
	}

	body, err := sjson.SetRawBytes(p.body, "messages.-1", assistant)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(body, "messages.-1", user)
}

// splice issues the follow-up upstream call and forwards its events into the
// outer stream, minus the nested message_start/message_stop framing. The
// nested stream runs through its own pipeline so further tool calls keep
// working, bounded by MaxSpliceDepth.
func (p *Pipeline) splice(ctx context.Context, emit sse.EmitFunc) error {
	if p.depth >= MaxSpliceDepth {
		log.Warn().Int("max_depth", MaxSpliceDepth).Msg("agent: max splice depth reached, not re-forwarding")
		return fmt.Errorf("splice depth %d exceeded", MaxSpliceDepth)
	}

	nested, err := p.forward(ctx, p.body)
	if err != nil {
		return fmt.Errorf("follow-up call: %w", err)
	}
	defer func() { _ = nested.Close() }()

	inner := newPipelineDepth(p.cfg, p.active, p.body, p.forward, p.depth+1)
	dec := sse.NewDecoder(nested)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := dec.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		out, keep, err := inner.Rewrite(ctx, ev, emit)
		if err != nil {
			return err
		}
		if !keep {
			continue
		}
		switch out.Type() {
		case "message_start", "message_stop":
			continue
		}
		if err := emit(out); err != nil {
			// Downstream stopped consuming; abort the nested read.
			return err
		}
	}
}

func (p *Pipeline) resetToolState() {
	p.toolIndex = noToolOpen
	p.toolName = ""
	p.toolID = ""
	p.args.Reset()
}

// repairArgs runs the accumulated partial JSON through the tolerant decoder
// (comments, trailing commas) and validates the result. Providers
// occasionally emit slightly malformed argument JSON; strict decoding here
// would turn that into spurious tool failures.
func repairArgs(args string) (json.RawMessage, error) {
	if args == "" {
		return json.RawMessage(`{}`), nil
	}
	cleaned := jsonc.ToJSON([]byte(args))
	if !gjson.ValidBytes(cleaned) {
		return nil, fmt.Errorf("invalid tool argument JSON")
	}
	return json.RawMessage(cleaned), nil
}

// rawSlice widens []json.RawMessage for map[string]any marshalling.
func rawSlice(blocks []json.RawMessage) []any {
	out := make([]any, len(blocks))
	for i, b := range blocks {
		out[i] = b
	}
	return out
}
