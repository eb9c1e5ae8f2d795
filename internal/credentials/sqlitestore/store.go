// Package sqlitestore keeps sealed account credentials in a local SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/coachpo/brokerlink/internal/credentials"
)

var _ credentials.Provider = (*Store)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS account_credentials (
    ref           TEXT PRIMARY KEY,
    api_key       TEXT NOT NULL,
    sealed_secret BLOB NOT NULL,
    updated_at    INTEGER NOT NULL
);`

const (
	upsertSQL = `
INSERT INTO account_credentials (ref, api_key, sealed_secret, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (ref) DO UPDATE SET
    api_key = excluded.api_key,
    sealed_secret = excluded.sealed_secret,
    updated_at = excluded.updated_at;`
	selectSQL = `SELECT api_key, sealed_secret FROM account_credentials WHERE ref = ?;`
	deleteSQL = `DELETE FROM account_credentials WHERE ref = ?;`
)

// Store implements credentials.Provider on SQLite.
type Store struct {
	db     *sql.DB
	sealer *credentials.Sealer
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string, sealer *credentials.Sealer) (*Store, error) {
	if sealer == nil {
		return nil, fmt.Errorf("sqlite credentials: sealer required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite credentials: open: %w", err)
	}
	// one writer at a time keeps SQLite from returning SQLITE_BUSY under load
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite credentials: schema: %w", err)
	}
	return &Store{db: db, sealer: sealer}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put seals and stores the credential for ref.
func (s *Store) Put(ctx context.Context, ref, apiKey, secret string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("sqlite credentials: ref required")
	}
	sealed, err := s.sealer.Seal([]byte(secret))
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertSQL, ref, apiKey, sealed, time.Now().UTC().Unix()); err != nil {
		return fmt.Errorf("sqlite credentials: upsert %s: %w", ref, err)
	}
	return nil
}

// Delete removes the credential for ref.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if _, err := s.db.ExecContext(ctx, deleteSQL, strings.TrimSpace(ref)); err != nil {
		return fmt.Errorf("sqlite credentials: delete %s: %w", ref, err)
	}
	return nil
}

// Credentials implements credentials.Provider.
func (s *Store) Credentials(ctx context.Context, ref string) (*credentials.Credentials, error) {
	var (
		apiKey string
		sealed []byte
	)
	err := s.db.QueryRowContext(ctx, selectSQL, strings.TrimSpace(ref)).Scan(&apiKey, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credentials.NotFound(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite credentials: lookup %s: %w", ref, err)
	}
	secret, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("sqlite credentials: unseal %s: %w", ref, err)
	}
	creds := credentials.New(apiKey, secret)
	for i := range secret {
		secret[i] = 0
	}
	return creds, nil
}
