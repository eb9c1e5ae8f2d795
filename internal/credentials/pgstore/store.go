// Package pgstore persists sealed account credentials in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/brokerlink/internal/config"
	"github.com/coachpo/brokerlink/internal/credentials"
)

var _ credentials.Provider = (*Store)(nil)

const (
	credentialUpsertSQL = `
INSERT INTO account_credentials (
    ref,
    api_key,
    sealed_secret,
    metadata,
    updated_at
)
VALUES ($1, $2, $3, $4::jsonb, NOW())
ON CONFLICT (ref) DO UPDATE SET
    api_key = EXCLUDED.api_key,
    sealed_secret = EXCLUDED.sealed_secret,
    metadata = EXCLUDED.metadata,
    updated_at = NOW();
`
	credentialSelectSQL = `SELECT api_key, sealed_secret FROM account_credentials WHERE ref = $1;`
	credentialDeleteSQL = `DELETE FROM account_credentials WHERE ref = $1;`
	credentialListSQL   = `SELECT ref FROM account_credentials ORDER BY ref;`
)

// Store implements credentials.Provider on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	sealer *credentials.Sealer
}

// New constructs a Store backed by the provided pool.
func New(pool *pgxpool.Pool, sealer *credentials.Sealer) *Store {
	return &Store{pool: pool, sealer: sealer}
}

// Connect opens a pgx pool from the database section of the app config.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Put seals and upserts the credential for ref. metadata is stored as jsonb.
func (s *Store) Put(ctx context.Context, ref, apiKey, secret string, metadata map[string]string) error {
	if s.pool == nil || s.sealer == nil {
		return fmt.Errorf("credential store: not configured")
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("credential store: ref required")
	}
	sealed, err := s.sealer.Seal([]byte(secret))
	if err != nil {
		return err
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("credential store: encode metadata: %w", err)
	}
	if _, err := s.pool.Exec(ctx, credentialUpsertSQL, ref, apiKey, sealed, meta); err != nil {
		return fmt.Errorf("credential store: upsert %s: %w", ref, err)
	}
	return nil
}

// Delete removes the credential for ref.
func (s *Store) Delete(ctx context.Context, ref string) error {
	if _, err := s.pool.Exec(ctx, credentialDeleteSQL, strings.TrimSpace(ref)); err != nil {
		return fmt.Errorf("credential store: delete %s: %w", ref, err)
	}
	return nil
}

// Refs lists stored credential references.
func (s *Store) Refs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, credentialListSQL)
	if err != nil {
		return nil, fmt.Errorf("credential store: list: %w", err)
	}
	refs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("credential store: list: %w", err)
	}
	return refs, nil
}

// Credentials implements credentials.Provider.
func (s *Store) Credentials(ctx context.Context, ref string) (*credentials.Credentials, error) {
	var (
		apiKey string
		sealed []byte
	)
	err := s.pool.QueryRow(ctx, credentialSelectSQL, strings.TrimSpace(ref)).Scan(&apiKey, &sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credentials.NotFound(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("credential store: lookup %s: %w", ref, err)
	}
	secret, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("credential store: unseal %s: %w", ref, err)
	}
	creds := credentials.New(apiKey, secret)
	for i := range secret {
		secret[i] = 0
	}
	return creds, nil
}
