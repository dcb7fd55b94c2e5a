package cdp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"browserd/internal/config"
	"browserd/internal/logging"

	"github.com/go-resty/resty/v2"
)

const defaultProviderTimeout = 30 * time.Second

// providerClient talks to a remote-browser provider's session API:
//
//	POST   {base}/sessions       -> {"id": "...", "connectUrl": "wss://..."}
//	DELETE {base}/sessions/{id}
type providerClient struct {
	name string
	http *resty.Client
}

type providerSession struct {
	ID         string `json:"id"`
	ConnectURL string `json:"connectUrl"`
	WSEndpoint string `json:"wsEndpoint"`
}

func (s *providerSession) endpoint() string {
	if s.ConnectURL != "" {
		return s.ConnectURL
	}
	return s.WSEndpoint
}

type providerError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (e *providerError) String() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

func newProviderClient(name string, cfg config.ProviderConfig) *providerClient {
	timeout := defaultProviderTimeout
	if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
		timeout = d
	}
	r := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "browserd")
	if cfg.APIKey != "" {
		r.SetAuthToken(cfg.APIKey)
	}
	return &providerClient{name: name, http: r}
}

// create starts a provider session. It is not retried: a lost response
// would leak a billed session.
func (p *providerClient) create(ctx context.Context, opts map[string]any) (*providerSession, error) {
	var out providerSession
	var apiErr providerError
	body := map[string]any{}
	if len(opts) > 0 {
		body["options"] = opts
	}
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/sessions")
	if err != nil {
		return nil, fmt.Errorf("provider %s: create session: %w", p.name, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("provider %s: create session: status %d: %s", p.name, resp.StatusCode(), apiErr.String())
	}
	if out.ID == "" || out.endpoint() == "" {
		return nil, fmt.Errorf("provider %s: create session: response lacks id or connect URL", p.name)
	}
	logging.CDP("provider %s: session %s created", p.name, out.ID)
	return &out, nil
}

// terminate ends a provider session. An unknown session counts as ended.
func (p *providerClient) terminate(ctx context.Context, id string) error {
	var apiErr providerError
	resp, err := p.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetError(&apiErr).
		Delete("/sessions/{id}")
	if err != nil {
		return fmt.Errorf("provider %s: end session %s: %w", p.name, id, err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("provider %s: end session %s: status %d: %s", p.name, id, resp.StatusCode(), apiErr.String())
	}
	logging.CDP("provider %s: session %s ended", p.name, id)
	return nil
}
