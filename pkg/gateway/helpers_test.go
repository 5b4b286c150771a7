package gateway

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// memStore is a minimal CredentialStore.
type memStore struct {
	mu       sync.Mutex
	tok      Token
	setErr   error
	setCalls int
}

func (s *memStore) Token() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok
}

func (s *memStore) SetToken(tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	if s.setErr != nil {
		return s.setErr
	}
	s.tok = tok
	return nil
}

// fakeSession counts refreshes and teardowns. refresh defaults to returning
// "new".
type fakeSession struct {
	refreshCalls atomic.Int32
	invalidCalls atomic.Int32
	refresh      func(ctx context.Context) (Token, error)
	onInvalid    func()
}

func (s *fakeSession) RefreshSession(ctx context.Context) (Token, error) {
	s.refreshCalls.Add(1)
	if s.refresh == nil {
		return "new", nil
	}
	return s.refresh(ctx)
}

func (s *fakeSession) OnSessionInvalid(context.Context) {
	s.invalidCalls.Add(1)
	if s.onInvalid != nil {
		s.onInvalid()
	}
}

type transportFunc func(ctx context.Context, method, target string, header http.Header, body []byte) (*RawResponse, error)

func (f transportFunc) Send(ctx context.Context, method, target string, header http.Header, body []byte) (*RawResponse, error) {
	return f(ctx, method, target, header, body)
}

// sent records one request seen by a transport.
type sent struct {
	method string
	target string
	auth   string
	body   string
}

// recorder collects sent requests in wire order.
type recorder struct {
	mu   sync.Mutex
	reqs []sent
}

func (r *recorder) add(method, target string, header http.Header, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, sent{
		method: method,
		target: target,
		auth:   header.Get("Authorization"),
		body:   string(body),
	})
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.reqs...)
}

// targetsWith returns the targets of requests sent with the given
// Authorization value, in wire order.
func (r *recorder) targetsWith(auth string) []string {
	var out []string
	for _, s := range r.all() {
		if s.auth == auth {
			out = append(out, s.target)
		}
	}
	return out
}

// authsOf returns the Authorization values sent, in wire order.
func authsOf(r *recorder) []string {
	var out []string
	for _, s := range r.all() {
		out = append(out, s.auth)
	}
	return out
}

// tokenServer answers 200 with the target as body for "Bearer <valid>" and
// 401 otherwise.
func tokenServer(rec *recorder, valid Token) transportFunc {
	return func(ctx context.Context, method, target string, header http.Header, body []byte) (*RawResponse, error) {
		rec.add(method, target, header, body)
		if header.Get("Authorization") == valid.Bearer() {
			return &RawResponse{StatusCode: http.StatusOK, Body: []byte(target)}, nil
		}
		return &RawResponse{StatusCode: http.StatusUnauthorized, Body: []byte(`{"code":401,"message":"token expired"}`)}, nil
	}
}

// statusServer answers every request with status and body.
func statusServer(status int, body string) transportFunc {
	return func(context.Context, string, string, http.Header, []byte) (*RawResponse, error) {
		return &RawResponse{StatusCode: status, Body: []byte(body)}, nil
	}
}

func newTestGateway(t *testing.T, tr Transport, store *memStore, session *fakeSession, opts ...Option) *Gateway {
	t.Helper()

	g, err := New(tr, store, session, opts...)
	require.NoError(t, err)
	return g
}

func mustBuild(t *testing.T, b *RequestBuilder) *Request {
	t.Helper()

	req, err := b.Build()
	require.NoError(t, err)
	return req
}

type result struct {
	body []byte
	err  error
}

// dispatchAsync runs Dispatch on its own goroutine.
func dispatchAsync(ctx context.Context, g *Gateway, req *Request) <-chan result {
	ch := make(chan result, 1)
	go func() {
		body, err := g.Dispatch(ctx, req)
		ch <- result{body: body, err: err}
	}()
	return ch
}
