package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/modelroute/gateway/internal/config"
	"github.com/modelroute/gateway/internal/utils"
)

// Upstream issues provider calls. The HTTP client is injected so tests can
// stub the transport.
type Upstream struct {
	cfg    *config.Config
	client *http.Client
}

// NewUpstream creates the upstream forwarder.
func NewUpstream(cfg *config.Config, client *http.Client) *Upstream {
	if client == nil {
		client = http.DefaultClient
	}
	return &Upstream{cfg: cfg, client: client}
}

// Send posts the body to the provider named in the "provider,model" spec,
// rewriting the body's model field to the bare model name. The caller owns
// the response.
func (u *Upstream) Send(ctx context.Context, modelSpec string, body []byte) (*http.Response, error) {
	providerName, model, found := strings.Cut(modelSpec, ",")
	if !found {
		return nil, fmt.Errorf("model %q is not a provider,model pair", modelSpec)
	}
	provider, ok := u.cfg.FindProvider(providerName)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}

	body, err := sjson.SetBytes(body, "model", strings.TrimSpace(model))
	if err != nil {
		return nil, fmt.Errorf("set model field: %w", err)
	}

	url := strings.TrimRight(provider.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	if provider.APIKey != "" {
		req.Header.Set("x-api-key", provider.APIKey)
	}

	log.Debug().
		Str("provider", provider.Name).
		Str("model", model).
		Str("x-api-key", utils.MaskKey(provider.APIKey)).
		Msg("forwarding request")

	resp, err := u.client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("provider", provider.Name).Str("url", url).Msg("upstream request failed")
		return nil, err
	}

	// Read error bodies eagerly so callers can inspect and relay them.
	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, config.MaxErrorBodyLogLen))
		_ = resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(errBody))
		log.Error().
			Int("status", resp.StatusCode).
			Str("provider", provider.Name).
			Str("response", string(errBody)).
			Msg("upstream error response")
	}
	return resp, nil
}

// SendStream is the ForwardFunc used for splice follow-up calls: same
// provider, updated conversation, SSE body back. Non-OK statuses abandon the
// splice.
func (u *Upstream) SendStream(ctx context.Context, modelSpec string, body []byte) (io.ReadCloser, error) {
	body, err := sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, err
	}
	resp, err := u.Send(ctx, modelSpec, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
