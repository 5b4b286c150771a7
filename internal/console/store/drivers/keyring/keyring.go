// Package keyring stores credentials in the operating system keychain.
package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/aussiebroadwan/console/internal/console/store"
)

// DefaultService is the keychain service entries are filed under.
const DefaultService = "aussiebroadwan-console"

type Store struct {
	service string
}

var _ store.Backend = (*Store)(nil)

// NewStore returns a keychain backend. An empty service uses DefaultService.
func NewStore(service string) *Store {
	if service == "" {
		service = DefaultService
	}
	return &Store{service: service}
}

// Available reports whether the keychain can be written to, by storing and
// removing a probe entry.
func (s *Store) Available() bool {
	probe := key("probe")
	if err := keyring.Set(s.service, probe, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(s.service, probe)
	return true
}

func key(profile string) string {
	return "console::" + profile
}

func (s *Store) Load(_ context.Context, profile string) (store.Credentials, error) {
	data, err := keyring.Get(s.service, key(profile))
	if err != nil {
		return store.Credentials{}, mapNotFound(err)
	}

	var creds store.Credentials
	if err := json.Unmarshal([]byte(data), &creds); err != nil {
		return store.Credentials{}, fmt.Errorf("invalid credentials: %w", err)
	}
	return creds, nil
}

func (s *Store) Save(_ context.Context, profile string, creds store.Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return keyring.Set(s.service, key(profile), string(data))
}

func (s *Store) Delete(_ context.Context, profile string) error {
	return mapNotFound(keyring.Delete(s.service, key(profile)))
}

func (s *Store) Close() error { return nil }

func mapNotFound(err error) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return store.ErrNotFound
	}
	return err
}
