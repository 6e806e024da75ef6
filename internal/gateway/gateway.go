// HTTP surface for the model routing gateway.
//
// DESIGN: Main request flow:
//   - handleMessages():   entry point for /v1/messages requests
//   - Engine.Decide():    pick the upstream provider,model
//   - Upstream.Send():    forward to the chosen provider
//   - handleStreaming():  SSE relay through the agent interception pipeline
//   - handleNonStreaming(): JSON relay with usage extraction
//
// All dependencies are injected by the composition root; the gateway holds
// no ambient singletons.
package gateway

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/modelroute/gateway/internal/agent"
	"github.com/modelroute/gateway/internal/config"
	"github.com/modelroute/gateway/internal/monitoring"
	"github.com/modelroute/gateway/internal/router"
	"github.com/modelroute/gateway/internal/session"
)

// HeaderRequestID carries a client-assigned request id.
const HeaderRequestID = "X-Request-ID"

// Gateway ties the routing engine, agent registry and upstream client to the
// HTTP surface.
type Gateway struct {
	cfg      *config.Config
	engine   *router.Engine
	registry *agent.Registry
	usage    *session.UsageCache
	upstream *Upstream
	tracker  *monitoring.Tracker
}

// New wires a gateway from its dependencies.
func New(cfg *config.Config, engine *router.Engine, registry *agent.Registry, usage *session.UsageCache, upstream *Upstream, tracker *monitoring.Tracker) *Gateway {
	return &Gateway{
		cfg:      cfg,
		engine:   engine,
		registry: registry,
		usage:    usage,
		upstream: upstream,
		tracker:  tracker,
	}
}

// Routes registers the gateway's handlers on a mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/messages", g.handleMessages)
	mux.HandleFunc("/health", g.handleHealth)
}

// getRequestID gets or generates a request ID.
func (g *Gateway) getRequestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	return uuid.New().String()
}
