package sse

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, d *Decoder) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestParser_BasicEvents(t *testing.T) {
	stream := "event: message_start\n" +
		`data: {"type":"message_start"}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta"}` + "\n\n"

	events := drain(t, NewDecoder(strings.NewReader(stream)))
	require.Len(t, events, 2)
	assert.Equal(t, "message_start", events[0].Name)
	assert.Equal(t, `{"type":"message_start"}`, string(events[0].Data))
	assert.Equal(t, "content_block_delta", events[1].Name)
}

func TestParser_MultiLineDataJoined(t *testing.T) {
	stream := "data: line one\ndata: line two\n\n"
	events := drain(t, NewDecoder(strings.NewReader(stream)))
	require.Len(t, events, 1)
	assert.Equal(t, "line one\nline two", string(events[0].Data))
}

func TestParser_CRLFAndTrailingEventFlushed(t *testing.T) {
	stream := "event: message_start\r\n" +
		`data: {"a":1}` + "\r\n\r\n" +
		"event: message_delta\r\n" +
		`data: {"b":2}` // no terminator: must surface on flush

	events := drain(t, NewDecoder(strings.NewReader(stream)))
	require.Len(t, events, 2)
	assert.Equal(t, "message_delta", events[1].Name)
	assert.Equal(t, `{"b":2}`, string(events[1].Data))
}

func TestParser_SplitAcrossChunks(t *testing.T) {
	stream := "event: ping\ndata: {\"n\":1}\n\nevent: pong\ndata: {\"n\":2}\n\n"
	p := NewParser()
	for i := 0; i < len(stream); i += 7 {
		end := min(i+7, len(stream))
		p.Feed([]byte(stream[i:end]))
	}
	p.Flush()

	var events []Event
	for {
		ev, ok := p.Next()
		if !ok {
			break
		}
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "ping", events[0].Name)
	assert.Equal(t, "pong", events[1].Name)
}

func TestParser_MalformedJSONStaysRaw(t *testing.T) {
	stream := "event: weird\ndata: {not json at all\n\n"
	events := drain(t, NewDecoder(strings.NewReader(stream)))
	require.Len(t, events, 1)

	// Parsing never fails; consumers get zero results from Get.
	assert.Equal(t, "{not json at all", string(events[0].Data))
	assert.False(t, events[0].Get("type").Exists())
}

func TestParser_CommentsAndUnknownFieldsIgnored(t *testing.T) {
	stream := ": keep-alive\nretry: 100\nevent: real\ndata: x\n\n"
	events := drain(t, NewDecoder(strings.NewReader(stream)))
	require.Len(t, events, 1)
	assert.Equal(t, "real", events[0].Name)
	assert.Equal(t, "x", string(events[0].Data))
}

func TestEvent_TypeFallsBackToPayload(t *testing.T) {
	ev := Event{Data: []byte(`{"type":"message_stop"}`)}
	assert.Equal(t, "message_stop", ev.Type())

	named := Event{Name: "content_block_start", Data: []byte(`{"type":"other"}`)}
	assert.Equal(t, "content_block_start", named.Type())
}
