package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresBackend stores version history in a single configs table keyed on
// (name, version).
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(ctx context.Context, uri string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("cannot parse connection uri: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("cannot ping database: %w", err)
	}

	b := &PostgresBackend{
		pool: pool,
	}

	if err := b.createSchema(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("cannot create schema: %w", err)
	}

	return b, nil
}

func (b *PostgresBackend) createSchema(ctx context.Context) error {
	query := `
CREATE TABLE IF NOT EXISTS configs
  (name TEXT NOT NULL,
   version BIGINT NOT NULL,
   data JSONB NOT NULL,
   created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

   PRIMARY KEY (name, version));
`

	_, err := b.pool.Exec(ctx, query)
	return err
}

func (b *PostgresBackend) Close() {
	b.pool.Close()
}

func (b *PostgresBackend) Append(ctx context.Context, name string, data map[string]interface{}) (*ConfigVersion, error) {
	if name == "" {
		return nil, fmt.Errorf("missing or empty configuration name")
	}

	dataValue, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("cannot encode data: %w", err)
	}

	query := `
INSERT INTO configs (name, version, data)
  SELECT $1, COALESCE(MAX(version) + 1, 0), $2
    FROM configs
    WHERE name = $1
  RETURNING version, created_at;
`

	// Two concurrent appends to the same name can compute the same next
	// version; the primary key rejects the loser, which simply recomputes.
	for {
		version := ConfigVersion{
			Name: name,
			Data: data,
		}

		err := b.pool.QueryRow(ctx, query, name, dataValue).
			Scan(&version.Version, &version.CreatedAt)
		if err == nil {
			return &version, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			continue
		}

		return nil, fmt.Errorf("cannot insert version: %w", err)
	}
}

func (b *PostgresBackend) Apply(ctx context.Context, version *ConfigVersion) (bool, error) {
	dataValue, err := json.Marshal(version.Data)
	if err != nil {
		return false, fmt.Errorf("cannot encode data: %w", err)
	}

	query := `
INSERT INTO configs (name, version, data, created_at)
  VALUES ($1, $2, $3, $4)
  ON CONFLICT (name, version) DO NOTHING;
`

	tag, err := b.pool.Exec(ctx, query, version.Name, version.Version,
		dataValue, version.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("cannot insert version: %w", err)
	}

	if tag.RowsAffected() > 0 {
		return true, nil
	}

	existing, err := b.GetVersion(ctx, version.Name, version.Version)
	if err != nil {
		return false, err
	}

	if !sameData(existing.Data, version.Data) {
		return false, fmt.Errorf("version %d of %q: %w",
			version.Version, version.Name, ErrConflict)
	}

	return false, nil
}

func (b *PostgresBackend) GetLatest(ctx context.Context, name string) (*ConfigVersion, error) {
	query := `
SELECT version, data, created_at
  FROM configs
  WHERE name = $1
  ORDER BY version DESC
  LIMIT 1;
`

	return b.queryVersion(ctx, name, query, name)
}

func (b *PostgresBackend) GetVersion(ctx context.Context, name string, version int64) (*ConfigVersion, error) {
	query := `
SELECT version, data, created_at
  FROM configs
  WHERE name = $1 AND version = $2;
`

	return b.queryVersion(ctx, name, query, name, version)
}

func (b *PostgresBackend) queryVersion(ctx context.Context, name, query string, args ...interface{}) (*ConfigVersion, error) {
	version := ConfigVersion{
		Name: name,
	}

	var dataValue []byte

	err := b.pool.QueryRow(ctx, query, args...).
		Scan(&version.Version, &dataValue, &version.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("configuration %q: %w", name, ErrNotFound)
		}

		return nil, fmt.Errorf("cannot query version: %w", err)
	}

	if err := json.Unmarshal(dataValue, &version.Data); err != nil {
		return nil, fmt.Errorf("cannot decode data: %w", err)
	}

	return &version, nil
}

func (b *PostgresBackend) ListVersions(ctx context.Context, name string) ([]int64, error) {
	query := `
SELECT version
  FROM configs
  WHERE name = $1
  ORDER BY version;
`

	rows, err := b.pool.Query(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("cannot query versions: %w", err)
	}
	defer rows.Close()

	versions := make([]int64, 0)

	for rows.Next() {
		var version int64

		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("cannot scan version: %w", err)
		}

		versions = append(versions, version)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cannot read versions: %w", err)
	}

	return versions, nil
}
