package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ============================================================================
// Error Kinds
// ============================================================================

// Kind classifies a normalized error.
type Kind string

const (
	// KindNetworkUnreachable means no response was received from the server.
	KindNetworkUnreachable Kind = "network_unreachable"

	// KindServer means the server answered with a 4xx or 5xx status.
	KindServer Kind = "server_error"

	// KindSessionExpired means the credential was rejected after a refresh attempt,
	// or the refresh itself failed. The session has been torn down.
	KindSessionExpired Kind = "session_expired"

	// KindCancelled means the caller cancelled the request.
	KindCancelled Kind = "cancelled"

	// KindUnknown covers anything that fits no other kind.
	KindUnknown Kind = "unknown"
)

// ErrEmptyToken is returned when a refresh succeeds but yields no token.
var ErrEmptyToken = errors.New("gateway: refresh returned an empty token")

// ============================================================================
// Error - the normalized error shape
// ============================================================================

// Error is the single error shape produced by the Gateway. Every rejected
// Dispatch returns an *Error, never a raw transport error.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Message is human-readable, localized text suitable for display.
	Message string

	// StatusCode is the HTTP status of the response, or 0 when none was received.
	StatusCode int

	// Data is the raw server payload of the failed response, if any.
	Data []byte

	// Method and Path identify the request that failed (empty for refresh-only calls).
	Method string
	Path   string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

// IsSessionExpired reports whether err means the session is gone and the user
// must sign in again.
func IsSessionExpired(err error) bool {
	return IsKind(err, KindSessionExpired)
}

// IsCancelled reports whether err is a caller-initiated cancellation.
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled)
}

// ============================================================================
// Normalization
// ============================================================================

// serverMessageFields lists the payload fields consulted for a server-supplied
// message, in order of precedence.
var serverMessageFields = []string{"message", "msg", "error_description", "error"}

// serverMessage extracts a human-readable message from an error payload.
// Returns "" when the payload is not JSON or carries no message.
func serverMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}

	for _, field := range serverMessageFields {
		if msg, ok := payload[field].(string); ok && strings.TrimSpace(msg) != "" {
			return msg
		}
	}
	return ""
}

func requestFields(req *Request) (method, path string) {
	if req == nil {
		return "", ""
	}
	return req.method, req.path
}

// fromResponse converts a non-2xx response into a KindServer error.
func (g *Gateway) fromResponse(req *Request, resp *RawResponse) *Error {
	method, path := requestFields(req)
	e := &Error{
		Kind:       KindServer,
		StatusCode: resp.StatusCode,
		Data:       resp.Body,
		Method:     method,
		Path:       path,
	}

	if msg := serverMessage(resp.Body); msg != "" {
		e.Message = msg
		return e
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		e.Message = g.printer.Sprintf(msgBadRequest)
	case http.StatusUnauthorized:
		e.Message = g.printer.Sprintf(msgUnauthorized)
	case http.StatusForbidden:
		e.Message = g.printer.Sprintf(msgForbidden)
	case http.StatusNotFound:
		e.Message = g.printer.Sprintf(msgNotFound, path)
	case http.StatusConflict:
		e.Message = g.printer.Sprintf(msgConflict)
	case http.StatusUnprocessableEntity:
		e.Message = g.printer.Sprintf(msgValidation)
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		e.Message = g.printer.Sprintf(msgUnavailable)
	default:
		e.Message = g.printer.Sprintf(msgStatus, resp.StatusCode)
	}
	return e
}

// fromTransport converts a failure to obtain any response.
func (g *Gateway) fromTransport(ctx context.Context, req *Request, err error) *Error {
	method, path := requestFields(req)
	e := &Error{Method: method, Path: path, Cause: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		e.Kind = KindCancelled
		e.Message = g.printer.Sprintf(msgCancelled)
	case errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()):
		e.Kind = KindNetworkUnreachable
		e.Message = g.printer.Sprintf(msgTimeout)
	case errors.As(err, &netErr):
		e.Kind = KindNetworkUnreachable
		e.Message = g.printer.Sprintf(msgNetwork)
	default:
		e.Kind = KindUnknown
		e.Message = g.printer.Sprintf(msgUnknown)
	}
	return e
}

// sessionExpired builds the error for a dead session. resp is the rejected
// response, if there was one; cause is the refresh failure, if there was one.
func (g *Gateway) sessionExpired(req *Request, resp *RawResponse, cause error) *Error {
	method, path := requestFields(req)
	e := &Error{
		Kind:    KindSessionExpired,
		Message: g.printer.Sprintf(msgSessionExpired),
		Method:  method,
		Path:    path,
		Cause:   cause,
	}
	if resp != nil {
		e.StatusCode = resp.StatusCode
		e.Data = resp.Body
	} else if re, ok := AsError(cause); ok {
		e.StatusCode = re.StatusCode
		e.Data = re.Data
	}
	return e
}

func (g *Gateway) cancelled(req *Request, cause error) *Error {
	method, path := requestFields(req)
	return &Error{
		Kind:    KindCancelled,
		Message: g.printer.Sprintf(msgCancelled),
		Method:  method,
		Path:    path,
		Cause:   cause,
	}
}

// abandoned builds the error for a caller whose ctx ended while it waited on
// a refresh. A passed deadline reads the same as one hit in the Transport.
func (g *Gateway) abandoned(ctx context.Context, req *Request) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return g.fromTransport(ctx, req, ctx.Err())
	}
	return g.cancelled(req, context.Cause(ctx))
}
