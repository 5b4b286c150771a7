// Package sqlite stores credentials in a local sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aussiebroadwan/console/internal/console/store"
	"github.com/aussiebroadwan/console/pkg/gateway"
)

type Store struct {
	db  *sql.DB
	dsn string
}

var (
	_ store.Backend   = (*Store)(nil)
	_ store.Historian = (*Store)(nil)
)

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// A CLI and a long-running events subscriber may share the file.
	if _, err := db.ExecContext(context.Background(), `PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, dsn: dsn}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a transaction, automatically handling commit/rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() // safe to call even after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const (
	selectCredentials = `
SELECT access_token, username, base_url, updated_at
FROM credentials
WHERE profile = ?`

	upsertCredentials = `
INSERT INTO credentials (profile, access_token, username, base_url, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(profile) DO UPDATE SET
    access_token = excluded.access_token,
    username     = excluded.username,
    base_url     = excluded.base_url,
    updated_at   = excluded.updated_at`

	insertHistory = `
INSERT INTO token_history (profile, token_id, written_at)
SELECT ?, ?, ?
WHERE COALESCE((
    SELECT token_id FROM token_history
    WHERE profile = ?
    ORDER BY id DESC
    LIMIT 1
), '') != ?`

	deleteCredentials = `DELETE FROM credentials WHERE profile = ?`

	selectHistory = `
SELECT token_id, written_at
FROM token_history
WHERE profile = ?
ORDER BY id DESC
LIMIT ?`
)

func (s *Store) Load(ctx context.Context, profile string) (store.Credentials, error) {
	var (
		creds     store.Credentials
		token     string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, selectCredentials, profile).
		Scan(&token, &creds.Username, &creds.BaseURL, &updatedAt)
	if err != nil {
		return store.Credentials{}, mapNotFound(err)
	}
	creds.AccessToken = gateway.Token(token)
	creds.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return creds, nil
}

// Save upserts the credentials and, when the token changed, appends its id
// to the profile's token history.
func (s *Store) Save(ctx context.Context, profile string, creds store.Credentials) error {
	updatedAt := creds.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertCredentials,
			profile, string(creds.AccessToken), creds.Username, creds.BaseURL, updatedAt.UnixNano(),
		); err != nil {
			return err
		}

		if creds.AccessToken.IsZero() {
			return nil
		}
		id := tokenID(creds.AccessToken)
		_, err := tx.ExecContext(ctx, insertHistory,
			profile, id, updatedAt.UnixNano(),
			profile, id,
		)
		return err
	})
}

func (s *Store) Delete(ctx context.Context, profile string) error {
	res, err := s.db.ExecContext(ctx, deleteCredentials, profile)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// History returns the most recent tokens saved for profile, newest first.
func (s *Store) History(ctx context.Context, profile string, limit int) ([]store.HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, selectHistory, profile, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.HistoryEntry
	for rows.Next() {
		var (
			entry     store.HistoryEntry
			writtenAt int64
		)
		if err := rows.Scan(&entry.TokenID, &writtenAt); err != nil {
			return nil, err
		}
		entry.WrittenAt = time.Unix(0, writtenAt).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// tokenID identifies a token in the history without storing it: the jti
// claim when the token carries one, otherwise its redacted form.
func tokenID(tok gateway.Token) string {
	if claims, err := tok.Claims(); err == nil && claims.ID != "" {
		return claims.ID
	}
	return tok.Redacted()
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
