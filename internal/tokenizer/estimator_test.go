package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Counts are encoder-dependent, so assertions are relative: the estimator
// must see every content form the protocol allows and scale with it.

func TestCount_EmptyBody(t *testing.T) {
	e := NewEstimator()
	assert.Equal(t, 0, e.Count([]byte(`{}`)))
}

func TestCount_StringMessageContent(t *testing.T) {
	e := NewEstimator()
	small := e.Count([]byte(`{"messages":[{"role":"user","content":"hello there"}]}`))
	assert.Greater(t, small, 0)

	big := e.Count([]byte(`{"messages":[{"role":"user","content":"hello there hello there hello there hello there"}]}`))
	assert.Greater(t, big, small)
}

func TestCount_StructuredContentBlocks(t *testing.T) {
	e := NewEstimator()
	body := []byte(`{"messages":[{"role":"assistant","content":[
		{"type":"text","text":"some assistant text"},
		{"type":"tool_use","id":"t1","name":"search","input":{"query":"weather in berlin"}},
		{"type":"tool_result","tool_use_id":"t1","content":"sunny, 22 degrees"}
	]}]}`)
	assert.Greater(t, e.Count(body), 0)

	// A tool_result with structured content counts too.
	structured := []byte(`{"messages":[{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"sunny"}]}
	]}]}`)
	assert.Greater(t, e.Count(structured), 0)
}

func TestCount_SystemPromptForms(t *testing.T) {
	e := NewEstimator()

	asString := e.Count([]byte(`{"system":"you are a helpful assistant"}`))
	assert.Greater(t, asString, 0)

	asBlocks := e.Count([]byte(`{"system":[{"type":"text","text":"you are a helpful assistant"}]}`))
	assert.Greater(t, asBlocks, 0)

	// Array-of-string text fields are summed as well.
	asArray := e.Count([]byte(`{"system":[{"type":"text","text":["you are","a helpful assistant"]}]}`))
	assert.Greater(t, asArray, 0)

	// Non-text blocks are ignored.
	ignored := e.Count([]byte(`{"system":[{"type":"image","text":"should not count"}]}`))
	assert.Equal(t, 0, ignored)
}

func TestCount_ToolSchemas(t *testing.T) {
	e := NewEstimator()
	without := e.Count([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	with := e.Count([]byte(`{"messages":[{"role":"user","content":"hi"}],"tools":[
		{"name":"get_weather","description":"Get current weather for a location",
		 "input_schema":{"type":"object","properties":{"location":{"type":"string"}}}}
	]}`))
	assert.Greater(t, with, without)
}
