// Package tokenizer estimates token counts for routing decisions.
//
// DESIGN: Routing only needs a length, not real tokens, so the encoder is a
// black box. tiktoken's cl100k_base is close enough across providers; if the
// encoding cannot be initialized the estimator degrades to a bytes/4 ratio
// rather than failing the request.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/modelroute/gateway/internal/config"
)

// Estimator counts approximate tokens in a /v1/messages request body.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator returns an estimator. The encoding is initialized lazily on
// first use so construction never does I/O.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) init() {
	enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		log.Warn().Err(err).Msg("tokenizer: cl100k_base unavailable, falling back to byte ratio")
		return
	}
	e.enc = enc
}

// count tokenizes one string.
func (e *Estimator) count(s string) int {
	if s == "" {
		return 0
	}
	e.once.Do(e.init)
	if e.enc == nil {
		return len(s) / config.TokenEstimateRatio
	}
	return len(e.enc.Encode(s, nil, nil))
}

// Count estimates the token footprint of a raw request body: message
// content, system prompt and tool schemas.
func (e *Estimator) Count(body []byte) int {
	total := 0

	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		total += e.countContent(msg.Get("content"))
		return true
	})

	total += e.countSystem(gjson.GetBytes(body, "system"))

	gjson.GetBytes(body, "tools").ForEach(func(_, tool gjson.Result) bool {
		total += e.count(tool.Get("name").String() + tool.Get("description").String())
		if schema := tool.Get("input_schema"); schema.Exists() {
			total += e.count(schema.Raw)
		}
		return true
	})

	return total
}

// countContent handles both string content and arrays of content blocks.
func (e *Estimator) countContent(content gjson.Result) int {
	if content.Type == gjson.String {
		return e.count(content.String())
	}
	if !content.IsArray() {
		return 0
	}

	total := 0
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			total += e.count(block.Get("text").String())
		case "tool_use":
			if input := block.Get("input"); input.Exists() {
				total += e.count(input.Raw)
			}
		case "tool_result":
			rc := block.Get("content")
			if rc.Type == gjson.String {
				total += e.count(rc.String())
			} else if rc.Exists() {
				total += e.count(rc.Raw)
			}
		}
		return true
	})
	return total
}

// countSystem handles the system prompt in string or block-array form. Block
// text may itself be a string or an array of strings.
func (e *Estimator) countSystem(system gjson.Result) int {
	if system.Type == gjson.String {
		return e.count(system.String())
	}
	if !system.IsArray() {
		return 0
	}

	total := 0
	system.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() != "text" {
			return true
		}
		text := block.Get("text")
		if text.Type == gjson.String {
			total += e.count(text.String())
		} else if text.IsArray() {
			text.ForEach(func(_, part gjson.Result) bool {
				total += e.count(part.String())
				return true
			})
		}
		return true
	})
	return total
}
