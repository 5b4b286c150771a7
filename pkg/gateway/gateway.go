package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// CredentialStore holds the current access token. Token returns the zero
// Token when none is held.
type CredentialStore interface {
	Token() Token
	SetToken(tok Token) error
}

// SessionController owns the session lifecycle.
//
// RefreshSession obtains a new access token from whatever long-lived
// credential the session holds (typically a refresh cookie). It must return
// rather than block forever; the Gateway bounds it with its refresh timeout.
//
// OnSessionInvalid tears the session down: clear credentials, end the user's
// signed-in state. The Gateway calls it once per refresh failure and once per
// rejection of the current session token.
type SessionController interface {
	RefreshSession(ctx context.Context) (Token, error)
	OnSessionInvalid(ctx context.Context)
}

// Transport performs one HTTP exchange. It returns an error only when no
// response was received.
type Transport interface {
	Send(ctx context.Context, method, target string, header http.Header, body []byte) (*RawResponse, error)
}

// Notifier is told about every error a Dispatch or Refresh returns.
type Notifier interface {
	Notify(ctx context.Context, err *Error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, err *Error)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, err *Error) { f(ctx, err) }

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("gateway: missing dependency")

// Gateway is the single entry point for authenticated HTTP calls. It attaches
// the bearer token, detects rejected credentials, refreshes the session at
// most once for any number of concurrent rejections, replays the affected
// calls, and normalizes every failure into an *Error.
//
// A Gateway is safe for concurrent use.
type Gateway struct {
	transport Transport
	creds     CredentialStore
	session   SessionController
	notifier  Notifier
	logger    *slog.Logger
	metrics   *Metrics
	printer   *message.Printer

	refreshTimeout time.Duration
	refresher      *refresher

	invalidMu   sync.Mutex
	lastInvalid Token
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithNotifier registers a Notifier for terminal errors.
func WithNotifier(n Notifier) Option {
	return func(g *Gateway) {
		g.notifier = n
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithRefreshTimeout bounds each refresh episode. Non-positive values keep
// DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.refreshTimeout = d
		}
	}
}

// WithLanguage selects the language of error messages. Unsupported tags fall
// back to the closest supported language, or English.
func WithLanguage(tag language.Tag) Option {
	return func(g *Gateway) {
		g.printer = newPrinter(tag)
	}
}

// New creates a Gateway.
func New(transport Transport, creds CredentialStore, session SessionController, opts ...Option) (*Gateway, error) {
	switch {
	case transport == nil:
		return nil, fmt.Errorf("%w: transport", ErrMissingDependency)
	case creds == nil:
		return nil, fmt.Errorf("%w: credential store", ErrMissingDependency)
	case session == nil:
		return nil, fmt.Errorf("%w: session controller", ErrMissingDependency)
	}

	g := &Gateway{
		transport:      transport,
		creds:          creds,
		session:        session,
		logger:         slog.New(slog.DiscardHandler),
		printer:        newPrinter(language.English),
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.refresher = &refresher{
		refresh:  g.refreshToken,
		current:  g.creds.Token,
		teardown: g.teardown,
		timeout:  g.refreshTimeout,
		logger:   g.logger,
		metrics:  g.metrics,
	}
	return g, nil
}

// Dispatch sends req and returns the raw body of a 2xx response. Any other
// result is returned as an *Error.
//
// A 401 on a call carrying session credentials triggers a single-flight
// refresh; the call is replayed once with the new token. Cancelling ctx
// abandons the call at whatever stage it is in.
func (g *Gateway) Dispatch(ctx context.Context, req *Request) ([]byte, error) {
	start := time.Now()

	c := &call{g: g, req: req}
	body, gerr := c.attempt(ctx)

	if gerr != nil {
		g.metrics.observeRequest(req.method, string(gerr.Kind), time.Since(start))
		g.logger.DebugContext(ctx, "request failed",
			"req_id", req.id.String(),
			"method", req.method,
			"path", req.path,
			"kind", gerr.Kind,
			"status", gerr.StatusCode,
			"retried", c.retried,
		)
		g.notify(ctx, gerr)
		return nil, gerr
	}

	g.metrics.observeRequest(req.method, "ok", time.Since(start))
	return body, nil
}

// DispatchJSON dispatches req and decodes a JSON response body into out.
// An empty body leaves out untouched.
func (g *Gateway) DispatchJSON(ctx context.Context, req *Request, out any) error {
	body, err := g.Dispatch(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Refresh obtains a fresh token through the same single-flight episode that
// Dispatch uses. stale is the token the caller found rejected; if the store
// already holds a different one it is returned without refreshing. Use it
// for connections the Gateway does not carry, such as event streams.
func (g *Gateway) Refresh(ctx context.Context, stale Token) (Token, error) {
	out := g.refresher.join(ctx, tokenWaiter{g: g}, stale)
	if out.err != nil {
		g.notify(ctx, out.err)
		return "", out.err
	}
	return out.token, nil
}

// Token returns the token the next request will carry.
func (g *Gateway) Token() Token {
	return g.creds.Token()
}

// refreshToken runs one refresh and stores the result. An empty token or a
// failed store write fails the episode.
func (g *Gateway) refreshToken(ctx context.Context) (Token, error) {
	tok, err := g.session.RefreshSession(ctx)
	if err != nil {
		return "", err
	}
	if tok.IsZero() {
		return "", ErrEmptyToken
	}
	if err := g.creds.SetToken(tok); err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}
	return tok, nil
}

func (g *Gateway) teardown(ctx context.Context) {
	g.logger.InfoContext(ctx, "session invalidated")
	g.session.OnSessionInvalid(ctx)
}

// invalidate tears the session down after a replayed request was rejected.
// Concurrent rejections of the same token tear down once; a token that is
// current again later is torn down again.
func (g *Gateway) invalidate(ctx context.Context, tok Token) {
	g.invalidMu.Lock()
	if !tok.IsZero() && tok == g.lastInvalid && g.creds.Token() != tok {
		g.invalidMu.Unlock()
		return
	}
	g.lastInvalid = tok
	g.invalidMu.Unlock()

	g.teardown(ctx)
}

func (g *Gateway) notify(ctx context.Context, err *Error) {
	if g.notifier == nil {
		return
	}
	g.notifier.Notify(ctx, err)
}

// ============================================================================
// call - per-dispatch state
// ============================================================================

// call carries one Dispatch through its attempt and at most one replay.
type call struct {
	g       *Gateway
	req     *Request
	retried bool
	// sentWith is the token carried by the most recent send.
	sentWith Token
}

func (c *call) attempt(ctx context.Context) ([]byte, *Error) {
	var tok Token
	if !c.req.skipAuth {
		tok = c.g.creds.Token()
	}

	resp, gerr := c.send(ctx, tok)
	if gerr != nil {
		return nil, gerr
	}
	return c.handle(ctx, resp)
}

func (c *call) send(ctx context.Context, tok Token) (*RawResponse, *Error) {
	header := c.req.header.Clone()
	if c.req.refreshable() && !tok.IsZero() && (c.retried || !c.req.explicitAuth) {
		header.Set("Authorization", tok.Bearer())
	}
	c.sentWith = tok

	resp, err := c.g.transport.Send(ctx, c.req.method, c.req.target, header, c.req.body)
	if err != nil {
		return nil, c.g.fromTransport(ctx, c.req, err)
	}
	if resp == nil {
		return nil, c.g.fromTransport(ctx, c.req, errors.New("transport returned no response"))
	}
	return resp, nil
}

func (c *call) handle(ctx context.Context, resp *RawResponse) ([]byte, *Error) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.Body, nil

	case resp.StatusCode == http.StatusUnauthorized && c.req.refreshable():
		if c.retried {
			c.g.invalidate(context.WithoutCancel(ctx), c.sentWith)
			return nil, c.g.sessionExpired(c.req, resp, nil)
		}
		c.retried = true
		out := c.g.refresher.join(ctx, c, c.sentWith)
		return out.body, out.err

	default:
		return nil, c.g.fromResponse(c.req, resp)
	}
}

func (c *call) replay(ctx context.Context, tok Token) outcome {
	c.g.metrics.observeReplay()
	c.g.logger.DebugContext(ctx, "replaying request",
		"req_id", c.req.id.String(),
		"method", c.req.method,
		"path", c.req.path,
	)

	resp, gerr := c.send(ctx, tok)
	if gerr != nil {
		return outcome{err: gerr}
	}
	body, gerr := c.handle(ctx, resp)
	return outcome{body: body, err: gerr}
}

func (c *call) expired(cause error) outcome {
	return outcome{err: c.g.sessionExpired(c.req, nil, cause)}
}

func (c *call) abandoned(ctx context.Context) outcome {
	return outcome{err: c.g.abandoned(ctx, c.req)}
}

// tokenWaiter waits on an episode for its token alone.
type tokenWaiter struct {
	g *Gateway
}

func (w tokenWaiter) replay(_ context.Context, tok Token) outcome {
	return outcome{token: tok}
}

func (w tokenWaiter) expired(cause error) outcome {
	return outcome{err: w.g.sessionExpired(nil, nil, cause)}
}

func (w tokenWaiter) abandoned(ctx context.Context) outcome {
	return outcome{err: w.g.abandoned(ctx, nil)}
}
