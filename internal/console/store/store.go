// Package store holds the credential stores the console client persists its
// access token in.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/console/pkg/gateway"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrLocked   = errors.New("store: locked by another process")
)

// DefaultProfile is the profile used when none is configured.
const DefaultProfile = "default"

// Credentials is what a Backend persists for one profile.
type Credentials struct {
	AccessToken gateway.Token `json:"access_token"`
	Username    string        `json:"username,omitempty"`
	BaseURL     string        `json:"base_url,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Backend is a persistent home for credentials, keyed by profile name.
// Concrete drivers (keyring, file, sqlite) implement this.
type Backend interface {
	// Load returns the credentials for profile, or ErrNotFound.
	Load(ctx context.Context, profile string) (Credentials, error)

	// Save creates or replaces the credentials for profile.
	Save(ctx context.Context, profile string, creds Credentials) error

	// Delete removes the credentials for profile. Deleting a missing profile
	// returns ErrNotFound.
	Delete(ctx context.Context, profile string) error

	// Close releases any underlying resources.
	Close() error
}

// HistoryEntry records one token written for a profile.
type HistoryEntry struct {
	TokenID   string
	WrittenAt time.Time
}

// Historian is implemented by backends that keep a log of saved tokens.
type Historian interface {
	History(ctx context.Context, profile string, limit int) ([]HistoryEntry, error)
}
