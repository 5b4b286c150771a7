package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aussiebroadwan/console/pkg/idx"
)

// HeaderRequestID carries the request's ULID to the server.
const HeaderRequestID = "X-Request-ID"

var (
	// ErrUnsupportedMethod is returned by Build for methods other than
	// GET, POST, PUT and DELETE.
	ErrUnsupportedMethod = errors.New("gateway: unsupported method")

	// ErrInvalidPath is returned by Build when the path is empty or relative.
	ErrInvalidPath = errors.New("gateway: path must start with /")
)

// Request is an immutable description of one logical HTTP call. Build one
// with NewRequest. Its headers are fixed at construction; the only header the
// Gateway adds is Authorization, and only on its own copy.
type Request struct {
	id           idx.ID
	method       string
	path         string
	target       string
	header       http.Header
	body         []byte
	skipAuth     bool
	explicitAuth bool
}

// ID returns the request's ULID.
func (r *Request) ID() idx.ID { return r.id }

// Method returns the HTTP method.
func (r *Request) Method() string { return r.method }

// Path returns the path without query string.
func (r *Request) Path() string { return r.path }

// Target returns the path with its encoded query string.
func (r *Request) Target() string { return r.target }

// Header returns a copy of the request headers.
func (r *Request) Header() http.Header { return r.header.Clone() }

// Body returns the encoded request body, or nil.
func (r *Request) Body() []byte { return r.body }

// SkipAuth reports whether the request is sent without credentials.
func (r *Request) SkipAuth() bool { return r.skipAuth }

// refreshable reports whether a 401 on this request may trigger a token
// refresh. Requests that opted out of credentials are never refreshed.
func (r *Request) refreshable() bool {
	return !r.skipAuth
}

// RequestBuilder accumulates the parts of a Request. Errors are deferred to
// Build so calls can be chained.
type RequestBuilder struct {
	method      string
	path        string
	query       url.Values
	header      http.Header
	jsonBody    any
	hasJSON     bool
	raw         []byte
	contentType string
	skipAuth    bool
}

// NewRequest starts building a request for method and path. path is relative
// to the transport's base URL and must start with "/".
func NewRequest(method, path string) *RequestBuilder {
	return &RequestBuilder{
		method: strings.ToUpper(method),
		path:   path,
		query:  url.Values{},
		header: http.Header{},
	}
}

// Query adds a query parameter.
func (b *RequestBuilder) Query(key, value string) *RequestBuilder {
	b.query.Add(key, value)
	return b
}

// Params adds every parameter in values.
func (b *RequestBuilder) Params(values url.Values) *RequestBuilder {
	for key, vs := range values {
		for _, v := range vs {
			b.query.Add(key, v)
		}
	}
	return b
}

// Header sets a request header. An Authorization set here is sent as-is on
// the first attempt; a replay after refresh carries the new session token.
func (b *RequestBuilder) Header(key, value string) *RequestBuilder {
	b.header.Set(key, value)
	return b
}

// JSON sets a structured body. For POST and PUT the body is sanitized
// (see Sanitize) before encoding.
func (b *RequestBuilder) JSON(v any) *RequestBuilder {
	b.jsonBody = v
	b.hasJSON = true
	b.raw = nil
	return b
}

// Body sets a pre-encoded body, such as multipart form data. It is sent
// untouched.
func (b *RequestBuilder) Body(contentType string, data []byte) *RequestBuilder {
	b.raw = data
	b.contentType = contentType
	b.jsonBody = nil
	b.hasJSON = false
	return b
}

// SkipAuth sends the request without credentials and excludes it from token
// refresh.
func (b *RequestBuilder) SkipAuth() *RequestBuilder {
	b.skipAuth = true
	return b
}

// Build validates the builder and produces an immutable Request.
func (b *RequestBuilder) Build() (*Request, error) {
	switch b.method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, b.method)
	}

	if !strings.HasPrefix(b.path, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, b.path)
	}

	req := &Request{
		id:       idx.New(),
		method:   b.method,
		path:     b.path,
		target:   b.path,
		header:   b.header.Clone(),
		skipAuth: b.skipAuth,
	}

	if len(b.query) > 0 {
		req.target = b.path + "?" + b.query.Encode()
	}

	switch {
	case b.hasJSON:
		var (
			data []byte
			err  error
		)
		if b.method == http.MethodPost || b.method == http.MethodPut {
			data, err = sanitizeJSON(b.jsonBody)
		} else {
			data, err = json.Marshal(b.jsonBody)
		}
		if err != nil {
			return nil, err
		}
		req.body = data
		if req.header.Get("Content-Type") == "" {
			req.header.Set("Content-Type", "application/json")
		}
	case b.raw != nil:
		req.body = b.raw
		if b.contentType != "" {
			req.header.Set("Content-Type", b.contentType)
		}
	}

	if req.header.Get("Accept") == "" {
		req.header.Set("Accept", "application/json")
	}
	if req.header.Get(HeaderRequestID) == "" {
		req.header.Set(HeaderRequestID, req.id.String())
	}
	req.explicitAuth = req.header.Get("Authorization") != ""

	return req, nil
}
