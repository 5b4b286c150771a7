package consoleapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/console/pkg/gateway"
)

// memStore is an in-memory Store.
type memStore struct {
	mu  sync.Mutex
	tok gateway.Token
}

func (s *memStore) Token() gateway.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok
}

func (s *memStore) SetToken(tok gateway.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = tok
	return nil
}

func (s *memStore) Clear() error {
	return s.SetToken("")
}

// seen is one request as the fake server observed it.
type seen struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

// fakeAdmin mimics the admin API: a login that sets a refresh cookie, a
// refresh endpoint that checks it, and protected routes that accept only the
// most recently issued access token.
type fakeAdmin struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	valid     string
	issued    int
	refreshes int
	refreshOK bool
	requests  []seen
	stream    func(w http.ResponseWriter, r *http.Request)
}

func newFakeAdmin(t *testing.T) *fakeAdmin {
	t.Helper()

	f := &fakeAdmin{t: t, refreshOK: true}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAdmin) mint() string {
	f.issued++
	claims := jwt.RegisteredClaims{
		Subject:   "1",
		ID:        fmt.Sprintf("jti-%d", f.issued),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(f.t, err)
	f.valid = signed
	return signed
}

// expire invalidates the current access token as if it had timed out.
func (f *fakeAdmin) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = "expired"
}

func (f *fakeAdmin) seen() []seen {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]seen(nil), f.requests...)
}

func (f *fakeAdmin) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func writeEnvelope(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": status, "message": message, "data": data})
}

func (f *fakeAdmin) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, seen{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
		Body:   string(body),
	})
	f.mu.Unlock()

	switch r.URL.Path {
	case "/auth/login":
		var creds Credentials
		_ = json.Unmarshal(body, &creds)
		if creds.Username != "admin" || creds.Password != "hunter2" {
			writeEnvelope(w, http.StatusUnauthorized, "invalid username or password", nil)
			return
		}
		f.mu.Lock()
		tok := f.mint()
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: "r1", Path: "/", HttpOnly: true})
		writeEnvelope(w, http.StatusOK, "ok", AuthResponse{AccessToken: tok, Username: creds.Username})
		return

	case "/auth/refresh_token":
		f.mu.Lock()
		f.refreshes++
		ok := f.refreshOK
		f.mu.Unlock()
		if c, err := r.Cookie("refresh_token"); err != nil || c.Value != "r1" || !ok {
			writeEnvelope(w, http.StatusUnauthorized, "refresh token invalid", nil)
			return
		}
		f.mu.Lock()
		tok := f.mint()
		f.mu.Unlock()
		writeEnvelope(w, http.StatusOK, "ok", AuthResponse{AccessToken: tok, Username: "admin"})
		return

	case "/password-resets":
		writeEnvelope(w, http.StatusOK, "sent", nil)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/password-resets/") {
		writeEnvelope(w, http.StatusOK, "reset", nil)
		return
	}

	f.mu.Lock()
	authorized := r.Header.Get("Authorization") == "Bearer "+f.valid
	f.mu.Unlock()
	if !authorized {
		writeEnvelope(w, http.StatusUnauthorized, "token expired", nil)
		return
	}

	switch {
	case r.URL.Path == "/auth/logout":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/me/profile" && r.Method == http.MethodGet:
		writeEnvelope(w, http.StatusOK, "ok", map[string]any{
			"info":        map[string]any{"uuid": "u-1", "username": "admin", "email": "admin@example.com", "is_active": true},
			"ui_policies": []string{"users:view"},
			"roles":       []string{"admin"},
			"groups":      []any{},
		})
	case strings.HasPrefix(r.URL.Path, "/event/"):
		if f.stream != nil {
			f.stream(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeEnvelope(w, http.StatusOK, "ok", map[string]any{"path": r.URL.Path})
	}
}

func newTestConsole(t *testing.T, f *fakeAdmin, opts ...gateway.Option) (*Console, *memStore) {
	t.Helper()

	transport, err := gateway.NewHTTPTransport(f.srv.URL)
	require.NoError(t, err)

	store := &memStore{}
	c, err := New(Config{Transport: transport, Store: store, GatewayOptions: opts})
	require.NoError(t, err)
	return c, store
}
