package consoleapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/aussiebroadwan/console/pkg/gateway"
)

// Store is a gateway.CredentialStore that can also be wiped.
type Store interface {
	gateway.CredentialStore
	Clear() error
}

// ErrNoAccessToken is returned when the server accepts a login or refresh
// but sends no token.
var ErrNoAccessToken = errors.New("consoleapi: response carried no access token")

// Credentials is the login payload.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is returned by login and refresh.
type AuthResponse struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username"`
}

// UserInfo is the signed-in user's own account record.
type UserInfo struct {
	UUID      string  `json:"uuid"`
	Username  string  `json:"username"`
	Alias     *string `json:"alias,omitempty"`
	Email     string  `json:"email"`
	Phone     *string `json:"phone,omitempty"`
	IsActive  bool    `json:"is_active"`
	Avatar    *string `json:"avatar,omitempty"`
	LastLogin *string `json:"last_login,omitempty"`
}

// Profile is the response of GET /me/profile. Role, department and group
// entries are left undecoded.
type Profile struct {
	Info        UserInfo          `json:"info"`
	UIPolicies  []string          `json:"ui_policies"`
	Roles       []string          `json:"roles"`
	Departments json.RawMessage   `json:"departments,omitempty"`
	Groups      []json.RawMessage `json:"groups"`
}

// Auth talks to the session endpoints and is the Gateway's
// SessionController. The refresh credential is an HttpOnly cookie kept by
// the transport's cookie jar; only the access token is stored.
type Auth struct {
	client *Client
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	hooks []func(ctx context.Context)
}

// OnSignOut registers fn to run whenever the session ends, whether by Logout
// or because the Gateway found it invalid.
func (a *Auth) OnSignOut(fn func(ctx context.Context)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, fn)
}

// Login exchanges a username and password for an access token and stores it.
func (a *Auth) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	req, err := gateway.NewRequest(http.MethodPost, "/auth/login").
		JSON(Credentials{Username: username, Password: password}).
		SkipAuth().
		Build()
	if err != nil {
		return nil, err
	}

	resp, err := a.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := a.store.SetToken(gateway.Token(resp.AccessToken)); err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "signed in", "username", resp.Username)
	return resp, nil
}

// RefreshSession obtains a new access token using the refresh cookie. The
// Gateway stores the result.
func (a *Auth) RefreshSession(ctx context.Context) (gateway.Token, error) {
	req, err := gateway.NewRequest(http.MethodPost, "/auth/refresh_token").SkipAuth().Build()
	if err != nil {
		return "", err
	}

	resp, err := a.authenticate(ctx, req)
	if err != nil {
		return "", err
	}
	return gateway.Token(resp.AccessToken), nil
}

func (a *Auth) authenticate(ctx context.Context, req *gateway.Request) (*AuthResponse, error) {
	env, err := a.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp AuthResponse
	if err := env.Decode(&resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	return &resp, nil
}

// Logout ends the session on the server, when there is one to end, and
// always clears local state. The server error, if any, is returned after
// local state is gone.
func (a *Auth) Logout(ctx context.Context) error {
	var err error
	if !a.store.Token().IsZero() {
		_, err = a.client.Post(ctx, "/auth/logout", nil)
	}
	a.signOut(ctx)
	return err
}

// OnSessionInvalid implements gateway.SessionController.
func (a *Auth) OnSessionInvalid(ctx context.Context) {
	a.logger.WarnContext(ctx, "session is no longer valid, signing out")
	a.signOut(ctx)
}

// signOut clears credentials and runs the sign-out hooks. Hooks only run
// when a token was held, so a logout racing an invalidation signs out once.
func (a *Auth) signOut(ctx context.Context) {
	a.mu.Lock()
	held := !a.store.Token().IsZero()
	if err := a.store.Clear(); err != nil {
		a.logger.ErrorContext(ctx, "failed to clear credentials", "error", err)
	}
	hooks := append([]func(context.Context){}, a.hooks...)
	a.mu.Unlock()

	if !held {
		return
	}
	for _, fn := range hooks {
		fn(ctx)
	}
}

// SignedIn reports whether an access token is held. It does not check the
// token with the server.
func (a *Auth) SignedIn() bool {
	return !a.store.Token().IsZero()
}

// Profile fetches the signed-in user's profile.
func (a *Auth) Profile(ctx context.Context) (*Profile, error) {
	env, err := a.client.Get(ctx, "/me/profile", nil)
	if err != nil {
		return nil, err
	}

	var p Profile
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile changes fields of the signed-in user's profile.
func (a *Auth) UpdateProfile(ctx context.Context, fields any) (*Envelope, error) {
	return a.client.Put(ctx, "/me/profile", fields)
}

// ChangePassword changes the signed-in user's password.
func (a *Auth) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	_, err := a.client.Put(ctx, "/me/password", map[string]string{
		"old_password": oldPassword,
		"new_password": newPassword,
	})
	return err
}

// ForgotPassword asks the server to email a reset link. language selects the
// mail template.
func (a *Auth) ForgotPassword(ctx context.Context, email, language string) error {
	req, err := gateway.NewRequest(http.MethodPost, "/password-resets").
		JSON(map[string]string{"email": email, "language": language}).
		SkipAuth().
		Build()
	if err != nil {
		return err
	}
	_, err = a.client.Do(ctx, req)
	return err
}

// ResetPassword sets a new password using the token from a reset email.
func (a *Auth) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	req, err := gateway.NewRequest(http.MethodPost, "/password-resets/"+url.PathEscape(resetToken)).
		JSON(map[string]string{"new_password": newPassword}).
		SkipAuth().
		Build()
	if err != nil {
		return err
	}
	_, err = a.client.Do(ctx, req)
	return err
}
