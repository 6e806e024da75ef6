package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/modelroute/gateway/internal/config"
	"github.com/modelroute/gateway/internal/sse"
)

// testAgent is a minimal agent with one tool.
type testAgent struct {
	name    string
	handler ToolHandler
}

func (a *testAgent) Name() string                                 { return a.name }
func (a *testAgent) ShouldHandle([]byte, *config.Config) bool     { return true }
func (a *testAgent) PrepareRequest(b []byte, _ *config.Config) []byte { return b }
func (a *testAgent) Tools() []Tool {
	return []Tool{{Name: "agentTool", Description: "test tool", Handler: a.handler}}
}

// outerStream is the scripted upstream response containing one agent tool
// call.
func outerStream(argChunks ...string) string {
	var b strings.Builder
	write := func(name, data string) {
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", name, data)
	}
	write("message_start", `{"type":"message_start","message":{"id":"m1"}}`)
	write("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"agentTool","input":{}}}`)
	for _, chunk := range argChunks {
		write("content_block_delta", fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":%q}}`, chunk))
	}
	write("content_block_stop", `{"type":"content_block_stop","index":0}`)
	write("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`)
	write("message_stop", `{"type":"message_stop"}`)
	return b.String()
}

// nestedStream is the scripted follow-up response.
const nestedStream = `event: message_start
data: {"type":"message_start","message":{"id":"m2"}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"done"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}

event: message_stop
data: {"type":"message_stop"}

`

func runPipeline(t *testing.T, p *Pipeline, stream string) ([]sse.Event, error) {
	t.Helper()
	var out bytes.Buffer
	err := sse.Rewrite(context.Background(), sse.NewDecoder(strings.NewReader(stream)), sse.NewWriter(&out), p.Rewrite)

	dec := sse.NewDecoder(&out)
	var events []sse.Event
	for {
		ev, derr := dec.Next()
		if derr == io.EOF {
			return events, err
		}
		require.NoError(t, derr)
		events = append(events, ev)
	}
}

func names(events []sse.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type()
	}
	return out
}

func TestPipeline_SpliceTransparency(t *testing.T) {
	cfg := &config.Config{}
	var gotArgs []byte
	var followUp []byte

	a := &testAgent{name: "tester", handler: func(_ context.Context, args []byte, tc ToolContext) ([]byte, error) {
		gotArgs = args
		return []byte("tool says hi"), nil
	}}

	forward := func(_ context.Context, body []byte) (io.ReadCloser, error) {
		followUp = body
		return io.NopCloser(strings.NewReader(nestedStream)), nil
	}

	body := []byte(`{"model":"m","messages":[{"role":"user","content":"go"}]}`)
	p := NewPipeline(cfg, []Agent{a}, body, forward)

	events, err := runPipeline(t, p, outerStream(`{"city":`, `"berlin"}`))
	require.NoError(t, err)

	// No raw tool-call scaffolding, no duplicated message framing: the
	// outer frame survives, the nested content replaces the tool call.
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names(events))
	assert.Equal(t, "done", events[2].Get("delta.text").String())

	// Arguments were accumulated across deltas.
	assert.Equal(t, "berlin", gjson.GetBytes(gotArgs, "city").String())

	// The follow-up conversation carries the tool_use / tool_result pair.
	msgs := gjson.GetBytes(followUp, "messages")
	require.Equal(t, int64(3), int64(msgs.Get("#").Int()))
	assert.Equal(t, "assistant", msgs.Get("1.role").String())
	assert.Equal(t, "tool_use", msgs.Get("1.content.0.type").String())
	assert.Equal(t, "toolu_1", msgs.Get("1.content.0.id").String())
	assert.Equal(t, "user", msgs.Get("2.role").String())
	assert.Equal(t, "toolu_1", msgs.Get("2.content.0.tool_use_id").String())
	assert.Equal(t, "tool says hi", msgs.Get("2.content.0.content").String())
}

func TestPipeline_UnownedToolPassesThrough(t *testing.T) {
	cfg := &config.Config{}
	a := &testAgent{name: "tester", handler: func(context.Context, []byte, ToolContext) ([]byte, error) {
		t.Fatal("handler must not run for unowned tools")
		return nil, nil
	}}
	forward := func(context.Context, []byte) (io.ReadCloser, error) {
		t.Fatal("no splice expected")
		return nil, nil
	}

	stream := strings.ReplaceAll(outerStream(`{}`), "agentTool", "someoneElsesTool")
	p := NewPipeline(cfg, []Agent{a}, []byte(`{"messages":[]}`), forward)

	events, err := runPipeline(t, p, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names(events))
	// Scaffolding is intact, not suppressed.
	assert.Equal(t, "someoneElsesTool", events[1].Get("content_block.name").String())
}

func TestPipeline_HandlerFailureMeansNoSplice(t *testing.T) {
	cfg := &config.Config{}
	a := &testAgent{name: "tester", handler: func(context.Context, []byte, ToolContext) ([]byte, error) {
		return nil, errors.New("tool broke")
	}}
	forward := func(context.Context, []byte) (io.ReadCloser, error) {
		t.Fatal("failed handler must not trigger a follow-up call")
		return nil, nil
	}

	p := NewPipeline(cfg, []Agent{a}, []byte(`{"messages":[]}`), forward)
	events, err := runPipeline(t, p, outerStream(`{}`))
	require.NoError(t, err)

	// Scaffolding suppressed, completion markers pass through untouched.
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, names(events))
}

func TestPipeline_MalformedArgsMeansNoSplice(t *testing.T) {
	cfg := &config.Config{}
	a := &testAgent{name: "tester", handler: func(context.Context, []byte, ToolContext) ([]byte, error) {
		t.Fatal("handler must not run on unparseable args")
		return nil, nil
	}}
	forward := func(context.Context, []byte) (io.ReadCloser, error) { return nil, errors.New("unused") }

	p := NewPipeline(cfg, []Agent{a}, []byte(`{"messages":[]}`), forward)
	events, err := runPipeline(t, p, outerStream(`{"completely`, ` broken`))
	require.NoError(t, err)
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, names(events))
}

func TestPipeline_TolerantArgParsing(t *testing.T) {
	cfg := &config.Config{}
	var gotArgs []byte
	a := &testAgent{name: "tester", handler: func(_ context.Context, args []byte, _ ToolContext) ([]byte, error) {
		gotArgs = args
		return []byte("ok"), nil
	}}
	forward := func(context.Context, []byte) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(nestedStream)), nil
	}

	p := NewPipeline(cfg, []Agent{a}, []byte(`{"messages":[]}`), forward)
	// Trailing comma: strict JSON would reject this.
	_, err := runPipeline(t, p, outerStream(`{"city":"berlin",}`))
	require.NoError(t, err)
	assert.Equal(t, "berlin", gjson.GetBytes(gotArgs, "city").String())
}

func TestPipeline_FollowUpFailureDegradesToOriginal(t *testing.T) {
	cfg := &config.Config{}
	a := &testAgent{name: "tester", handler: func(context.Context, []byte, ToolContext) ([]byte, error) {
		return []byte("ok"), nil
	}}
	forward := func(context.Context, []byte) (io.ReadCloser, error) {
		return nil, errors.New("upstream status 500")
	}

	p := NewPipeline(cfg, []Agent{a}, []byte(`{"messages":[]}`), forward)
	events, err := runPipeline(t, p, outerStream(`{}`))
	require.NoError(t, err)

	// Splice abandoned: the original completion marker is passed through so
	// the client still sees a complete turn.
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, names(events))
}

func TestPipeline_SpliceDepthBounded(t *testing.T) {
	cfg := &config.Config{}
	handlerCalls := 0
	a := &testAgent{name: "looper", handler: func(context.Context, []byte, ToolContext) ([]byte, error) {
		handlerCalls++
		return []byte("again"), nil
	}}

	// Every follow-up response asks for the tool again.
	forwardCalls := 0
	forward := func(context.Context, []byte) (io.ReadCloser, error) {
		forwardCalls++
		return io.NopCloser(strings.NewReader(outerStream(`{}`))), nil
	}

	p := NewPipeline(cfg, []Agent{a}, []byte(`{"messages":[]}`), forward)
	_, err := runPipeline(t, p, outerStream(`{}`))
	require.NoError(t, err, "hitting the depth bound degrades, it does not fail the stream")

	assert.Equal(t, MaxSpliceDepth, forwardCalls)
	assert.Equal(t, MaxSpliceDepth+1, handlerCalls)
}

func TestRepairArgs(t *testing.T) {
	parsed, err := repairArgs("")
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(parsed))

	parsed, err = repairArgs(`{"a":1,}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gjson.GetBytes(parsed, "a").Int())

	_, err = repairArgs(`{"a":`)
	assert.Error(t, err)
}

func TestRegistry_ActiveAndOwnership(t *testing.T) {
	cfg := &config.Config{}
	r := NewRegistry()
	claimer := &testAgent{name: "claimer"}
	r.Register(claimer)

	active := r.Active([]byte(`{}`), cfg)
	require.Len(t, active, 1)

	_, tool, ok := toolOwner(active, "agentTool")
	require.True(t, ok)
	assert.Equal(t, "agentTool", tool.Name)

	_, _, ok = toolOwner(active, "missing")
	assert.False(t, ok)
}
