package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/console/pkg/gateway"
)

// saveTimeout bounds a single write-through to the backend.
const saveTimeout = 5 * time.Second

// Cached serves the token from memory and writes every change through to a
// Backend, so a later process picks up where this one left off.
type Cached struct {
	backend Backend
	profile string
	logger  *slog.Logger

	mu    sync.RWMutex
	creds Credentials
}

// Open loads the profile's credentials from backend. A profile that has never
// been saved opens empty.
func Open(ctx context.Context, backend Backend, profile string, logger *slog.Logger) (*Cached, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	creds, err := backend.Load(ctx, profile)
	switch {
	case errors.Is(err, ErrNotFound):
		logger.DebugContext(ctx, "no stored credentials", slog.String("profile", profile))
	case err != nil:
		return nil, fmt.Errorf("load credentials for %q: %w", profile, err)
	default:
		logger.DebugContext(ctx, "loaded stored credentials",
			slog.String("profile", profile),
			slog.String("username", creds.Username),
			slog.Time("updated_at", creds.UpdatedAt))
	}

	return &Cached{backend: backend, profile: profile, logger: logger, creds: creds}, nil
}

func (c *Cached) Profile() string { return c.profile }

func (c *Cached) Token() gateway.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds.AccessToken
}

// Credentials returns a copy of everything stored for the profile.
func (c *Cached) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// SetToken persists tok and then makes it current. When the backend write
// fails the previous token stays current.
func (c *Cached) SetToken(tok gateway.Token) error {
	return c.update(func(creds *Credentials) { creds.AccessToken = tok })
}

// SetIdentity records who the stored token belongs to and where it was issued.
func (c *Cached) SetIdentity(username, baseURL string) error {
	return c.update(func(creds *Credentials) {
		creds.Username = username
		creds.BaseURL = baseURL
	})
}

func (c *Cached) update(fn func(*Credentials)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.creds
	fn(&next)
	next.UpdatedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := c.backend.Save(ctx, c.profile, next); err != nil {
		return fmt.Errorf("save credentials for %q: %w", c.profile, err)
	}
	c.creds = next
	return nil
}

// Clear forgets the profile both in memory and in the backend.
func (c *Cached) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.creds = Credentials{}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := c.backend.Delete(ctx, c.profile); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete credentials for %q: %w", c.profile, err)
	}
	c.logger.Debug("cleared stored credentials", slog.String("profile", c.profile))
	return nil
}

// Close closes the backend.
func (c *Cached) Close() error {
	return c.backend.Close()
}
