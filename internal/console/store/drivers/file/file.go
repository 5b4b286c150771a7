// Package file stores credentials in a single passphrase-sealed JSON file.
//
// The file maps profile names to blobs sealed with cryptox, so the token is
// never written in the clear. Writers hold an exclusive lock on a sibling
// ".lock" file and replace the credentials file atomically.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/gofrs/flock"

	"github.com/aussiebroadwan/console/internal/console/store"
	"github.com/aussiebroadwan/console/pkg/cryptox"
)

// LockTimeout is the maximum time to wait for the file lock.
const LockTimeout = 2 * time.Second

// ErrPassphrase is returned when a stored entry cannot be opened with the
// configured passphrase.
var ErrPassphrase = errors.New("file store: wrong passphrase or corrupt entry")

type Store struct {
	path       string
	passphrase string
}

var _ store.Backend = (*Store)(nil)

// document is the on-disk layout.
type document struct {
	Version  int               `json:"version"`
	Profiles map[string][]byte `json:"profiles"`
}

// NewStore returns a backend writing to path, sealing entries with
// passphrase.
func NewStore(path, passphrase string) (*Store, error) {
	if path == "" {
		return nil, errors.New("file store: empty path")
	}
	if passphrase == "" {
		return nil, cryptox.ErrEmptyPassphrase
	}
	return &Store{path: path, passphrase: passphrase}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) lockPath() string { return s.path + ".lock" }

type unlockFunc func()

// lock takes the cross-process lock, shared for readers and exclusive for
// writers.
func (s *Store) lock(ctx context.Context, exclusive bool) (unlockFunc, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, LockTimeout)
	defer cancel()

	fl := flock.New(s.lockPath())
	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = fl.TryLockContext(ctx, 10*time.Millisecond)
	} else {
		locked, err = fl.TryRLockContext(ctx, 10*time.Millisecond)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("lock %s: %w", s.lockPath(), err)
	}
	if !locked {
		return nil, store.ErrLocked
	}
	return func() { _ = fl.Unlock() }, nil
}

func (s *Store) Load(ctx context.Context, profile string) (store.Credentials, error) {
	unlock, err := s.lock(ctx, false)
	if err != nil {
		return store.Credentials{}, err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return store.Credentials{}, err
	}
	sealed, ok := doc.Profiles[profile]
	if !ok {
		return store.Credentials{}, store.ErrNotFound
	}

	plain, err := cryptox.Open(s.passphrase, sealed)
	if err != nil {
		return store.Credentials{}, fmt.Errorf("%w: %w", ErrPassphrase, err)
	}

	var creds store.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return store.Credentials{}, fmt.Errorf("invalid credentials: %w", err)
	}
	return creds, nil
}

func (s *Store) Save(ctx context.Context, profile string, creds store.Credentials) error {
	plain, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	sealed, err := cryptox.Seal(s.passphrase, plain)
	if err != nil {
		return err
	}

	unlock, err := s.lock(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc.Profiles[profile] = sealed
	return s.write(doc)
}

func (s *Store) Delete(ctx context.Context, profile string) error {
	unlock, err := s.lock(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := doc.Profiles[profile]; !ok {
		return store.ErrNotFound
	}
	delete(doc.Profiles, profile)
	return s.write(doc)
}

func (s *Store) Close() error { return nil }

// read must be called with the lock held.
func (s *Store) read() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &document{Version: 1, Profiles: map[string][]byte{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if doc.Profiles == nil {
		doc.Profiles = map[string][]byte{}
	}
	return &doc, nil
}

// write must be called with the exclusive lock held.
func (s *Store) write(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Chmod(0o600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Windows cannot rename over an existing file.
	if err := os.Rename(tmpPath, s.path); err != nil {
		if runtime.GOOS == "windows" {
			_ = os.Remove(s.path)
			return os.Rename(tmpPath, s.path)
		}
		os.Remove(tmpPath)
		return err
	}
	return nil
}
