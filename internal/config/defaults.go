// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// ROUTING
// =============================================================================

// DefaultLongContextThreshold is the token count above which requests are
// escalated to the long-context model.
const DefaultLongContextThreshold = 60000

// LongContextSessionFloor is the minimum current-request token count needed
// before prior session usage alone can trigger long-context escalation.
const LongContextSessionFloor = 20000

// SessionIDMarker separates the client identity from the session id inside
// metadata.user_id.
const SessionIDMarker = "_session_"

// SubagentModelTag wraps an inline "provider,model" override at the start of
// the second system prompt block.
const SubagentModelTag = "<CCR-SUBAGENT-MODEL>"

// SubagentModelTagClose is the matching closing tag.
const SubagentModelTagClose = "</CCR-SUBAGENT-MODEL>"

// =============================================================================
// CACHES AND SESSIONS
// =============================================================================

// ProjectCacheSize bounds the session→project LRU, including negative
// entries.
const ProjectCacheSize = 1000

// UsageCacheSize bounds the session usage LRU.
const UsageCacheSize = 1000

// UsageCacheTTL is how long a session's last usage stays relevant.
const UsageCacheTTL = 1 * time.Hour

// =============================================================================
// HTTP AND STREAMING
// =============================================================================

// DefaultServerPort is the listen port when none is configured.
const DefaultServerPort = 3456

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 2 * time.Minute

// DefaultServerWriteTimeout for the HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultBufferSize is the standard I/O buffer size.
const DefaultBufferSize = 4096

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxErrorBodyLogLen limits upstream error bodies in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// TokenEstimateRatio is the approximate number of characters per token, used
// as a fallback when the real encoder is unavailable.
const TokenEstimateRatio = 4
