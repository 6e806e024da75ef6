// Package router implements the ordered model-selection rules.
//
// DESIGN: Decide is a pure decision procedure over the raw request body plus
// the two session caches. It never fails outward — every internal error
// degrades to the next rule and terminates at Router.Default, so a routing
// bug can cost a suboptimal model but never a failed request.
package router

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelroute/gateway/internal/config"
	"github.com/modelroute/gateway/internal/session"
	"github.com/modelroute/gateway/internal/tokenizer"
)

// CustomFunc is a user-supplied routing hook installed by the composition
// root. Returning a non-empty model string short-circuits all built-in
// rules; an error is logged and treated as "no decision".
type CustomFunc func(ctx context.Context, body []byte, cfg *config.Config) (string, error)

// Decision is the outcome of one routing pass.
type Decision struct {
	Model string // "provider,model"
	Body  []byte // request body, possibly mutated (subagent tag stripped)
	Rule  string // which rule fired, for logs and telemetry
}

// Engine evaluates the routing rules.
type Engine struct {
	cfg       *config.Config
	estimator *tokenizer.Estimator
	usage     *session.UsageCache
	projects  *session.ProjectResolver
	custom    CustomFunc
}

// NewEngine wires a routing engine. usage and projects may not be nil;
// custom may be.
func NewEngine(cfg *config.Config, est *tokenizer.Estimator, usage *session.UsageCache, projects *session.ProjectResolver, custom CustomFunc) *Engine {
	return &Engine{cfg: cfg, estimator: est, usage: usage, projects: projects, custom: custom}
}

// SessionID derives the session id from metadata.user_id by splitting on the
// session marker.
func SessionID(body []byte) string {
	userID := gjson.GetBytes(body, "metadata.user_id").String()
	_, id, found := strings.Cut(userID, config.SessionIDMarker)
	if !found {
		return ""
	}
	return id
}

// Decide picks the upstream "provider,model" for one request. First match
// wins; the request body is returned alongside because the subagent rule
// strips its tag from the system prompt in place.
func (e *Engine) Decide(ctx context.Context, body []byte) (decision Decision) {
	decision = Decision{Model: e.cfg.Router.Default, Body: body, Rule: "default"}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("routing: rule evaluation panicked, using default")
			decision = Decision{Model: e.cfg.Router.Default, Body: body, Rule: "default"}
		}
	}()

	// Rule 1: custom router override.
	if e.custom != nil {
		model, err := e.custom(ctx, body, e.cfg)
		if err != nil {
			log.Warn().Err(err).Msg("routing: custom router failed, falling through")
		} else if model != "" {
			return Decision{Model: model, Body: body, Rule: "custom"}
		}
	}

	// Rule 2: explicit provider,model in the request.
	requested := gjson.GetBytes(body, "model").String()
	if strings.Contains(requested, ",") {
		if p, m, ok := e.cfg.ResolveModel(requested); ok {
			return Decision{Model: p.Name + "," + m, Body: body, Rule: "explicit"}
		}
		// Unknown pair: hand it back unchanged and let the caller reject it.
		return Decision{Model: requested, Body: body, Rule: "explicit"}
	}

	// Rule 3: project/session Router override. Replaces the effective Router
	// wholesale for this decision only.
	effective := &e.cfg.Router
	sessionID := SessionID(body)
	if sessionID != "" {
		if projectID, ok := e.projects.Resolve(sessionID); ok {
			if override, ok := e.projects.RouterOverride(projectID, sessionID); ok {
				log.Debug().Str("project", projectID).Str("session", sessionID).Msg("routing: project router override in effect")
				effective = override
			}
		}
	}

	// Rule 4: long-context escalation.
	if effective.LongContext != "" {
		tokens := e.estimator.Count(body)
		threshold := effective.Threshold()
		lastUsage, _ := e.usage.Get(sessionID)
		if tokens > threshold || (lastUsage.InputTokens > threshold && tokens > config.LongContextSessionFloor) {
			return Decision{Model: effective.LongContext, Body: body, Rule: "long-context"}
		}
	}

	// Rule 5: inline subagent model tag in the second system block.
	if model, stripped, ok := extractSubagentModel(body); ok {
		return Decision{Model: model, Body: stripped, Rule: "subagent"}
	}

	// Rule 6: background shortcut for haiku-class models. Deliberately
	// consults the global Router, not the project override.
	if strings.Contains(requested, "claude") && strings.Contains(requested, "haiku") && e.cfg.Router.Background != "" {
		return Decision{Model: e.cfg.Router.Background, Body: body, Rule: "background"}
	}

	// Rule 7: web-search tools. Checked before thinking regardless of
	// request field order.
	if effective.WebSearch != "" && hasWebSearchTool(body) {
		return Decision{Model: effective.WebSearch, Body: body, Rule: "web-search"}
	}

	// Rule 8: thinking mode.
	if effective.Think != "" && gjson.GetBytes(body, "thinking").Exists() {
		return Decision{Model: effective.Think, Body: body, Rule: "think"}
	}

	// Rule 9: terminal fallback.
	return Decision{Model: effective.Default, Body: body, Rule: "default"}
}

// hasWebSearchTool reports whether any tool's type starts with "web_search".
func hasWebSearchTool(body []byte) bool {
	found := false
	gjson.GetBytes(body, "tools").ForEach(func(_, tool gjson.Result) bool {
		if strings.HasPrefix(tool.Get("type").String(), "web_search") {
			found = true
			return false
		}
		return true
	})
	return found
}

// extractSubagentModel pulls the "provider,model" out of a subagent tag at
// the start of the second system block and strips the tag text from the
// prompt. A malformed tag (no closing marker) is logged and skipped.
func extractSubagentModel(body []byte) (model string, stripped []byte, ok bool) {
	text := gjson.GetBytes(body, "system.1.text").String()
	if !strings.HasPrefix(text, config.SubagentModelTag) {
		return "", nil, false
	}

	rest := text[len(config.SubagentModelTag):]
	end := strings.Index(rest, config.SubagentModelTagClose)
	if end < 0 {
		log.Warn().Msg("routing: subagent tag missing closing marker, ignoring")
		return "", nil, false
	}

	model = strings.TrimSpace(rest[:end])
	remainder := rest[end+len(config.SubagentModelTagClose):]

	updated, err := sjson.SetBytes(body, "system.1.text", remainder)
	if err != nil {
		log.Warn().Err(err).Msg("routing: failed to strip subagent tag")
		return "", nil, false
	}
	return model, updated, model != ""
}
