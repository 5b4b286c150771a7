package consoleapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/aussiebroadwan/console/pkg/gateway"
)

// Envelope is the response wrapper every admin API endpoint uses.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the envelope's data into out. A missing or null data
// field leaves out untouched.
func (e *Envelope) Decode(out any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// Config configures a Console.
type Config struct {
	// Transport carries requests. Required.
	Transport gateway.Transport

	// Store holds the access token. Required.
	Store Store

	// Logger for auth and event stream activity. Defaults to discarding.
	Logger *slog.Logger

	// BaseURL and HTTPClient are used for event streams. When Transport is a
	// *gateway.HTTPTransport they default to its base URL and client.
	BaseURL    string
	HTTPClient *http.Client

	// GatewayOptions are passed to gateway.New.
	GatewayOptions []gateway.Option
}

// Console bundles the gateway with the admin API surfaces built on it.
type Console struct {
	Gateway *gateway.Gateway
	Client  *Client
	Auth    *Auth
	Events  *Events
}

// New wires a Gateway with an Auth acting as its session controller.
func New(cfg Config) (*Console, error) {
	if cfg.Store == nil {
		return nil, errors.New("consoleapi: store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	auth := &Auth{store: cfg.Store, logger: logger}

	gw, err := gateway.New(cfg.Transport, cfg.Store, auth, cfg.GatewayOptions...)
	if err != nil {
		return nil, err
	}

	client := NewClient(gw)
	auth.client = client

	baseURL, httpClient := cfg.BaseURL, cfg.HTTPClient
	if ht, ok := cfg.Transport.(*gateway.HTTPTransport); ok {
		if baseURL == "" {
			baseURL = ht.BaseURL()
		}
		if httpClient == nil {
			httpClient = ht.Client()
		}
	}

	return &Console{
		Gateway: gw,
		Client:  client,
		Auth:    auth,
		Events:  NewEvents(gw, baseURL, httpClient, logger),
	}, nil
}

// Client issues admin API calls through a Gateway and unwraps the envelope.
type Client struct {
	gw *gateway.Gateway
}

// NewClient creates a Client.
func NewClient(gw *gateway.Gateway) *Client {
	return &Client{gw: gw}
}

// Gateway returns the underlying Gateway.
func (c *Client) Gateway() *gateway.Gateway { return c.gw }

// Do dispatches req and decodes the envelope. An empty response body yields
// a zero Envelope.
func (c *Client) Do(ctx context.Context, req *gateway.Request) (*Envelope, error) {
	body, err := c.gw.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	env := &Envelope{}
	if len(body) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(body, env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return env, nil
}

// Get issues GET path with params as the query string.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (*Envelope, error) {
	return c.send(ctx, gateway.NewRequest(http.MethodGet, path).Params(params))
}

// Post issues POST path with body encoded as JSON. A nil body sends none.
func (c *Client) Post(ctx context.Context, path string, body any) (*Envelope, error) {
	return c.send(ctx, withJSON(gateway.NewRequest(http.MethodPost, path), body))
}

// Put issues PUT path with body encoded as JSON.
func (c *Client) Put(ctx context.Context, path string, body any) (*Envelope, error) {
	return c.send(ctx, withJSON(gateway.NewRequest(http.MethodPut, path), body))
}

// Delete issues DELETE path. body, if non-nil, is sent as JSON.
func (c *Client) Delete(ctx context.Context, path string, body any) (*Envelope, error) {
	return c.send(ctx, withJSON(gateway.NewRequest(http.MethodDelete, path), body))
}

func (c *Client) send(ctx context.Context, b *gateway.RequestBuilder) (*Envelope, error) {
	req, err := b.Build()
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

func withJSON(b *gateway.RequestBuilder, body any) *gateway.RequestBuilder {
	if body == nil {
		return b
	}
	return b.JSON(body)
}
