package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore backs the user directory with Postgres.
//
// Schema:
//
//	CREATE TABLE bridge_users (
//	    id            TEXT PRIMARY KEY,
//	    token_digest  BYTEA NOT NULL UNIQUE,
//	    linked        BOOLEAN NOT NULL DEFAULT FALSE,
//	    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database, verifies connectivity, and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS bridge_users (
			id           TEXT PRIMARY KEY,
			token_digest BYTEA NOT NULL UNIQUE,
			linked       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate bridge_users: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) UserByTokenDigest(ctx context.Context, digest []byte) (UserRecord, error) {
	const q = `SELECT id, token_digest, linked FROM bridge_users WHERE token_digest = $1`

	var rec UserRecord
	err := s.db.QueryRowContext(ctx, q, digest).Scan(&rec.ID, &rec.TokenDigest, &rec.Linked)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, ErrTokenUnknown
	}
	if err != nil {
		return UserRecord{}, fmt.Errorf("query user by token: %w", err)
	}
	// The index found a candidate row; the digest still gets a constant-time
	// recheck before the user is trusted.
	if !digestEqual(rec.TokenDigest, digest) {
		return UserRecord{}, ErrTokenUnknown
	}
	return rec, nil
}

func (s *PostgresStore) SetLinked(ctx context.Context, userID string, linked bool) error {
	const q = `UPDATE bridge_users SET linked = $2, updated_at = now() WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, userID, linked)
	if err != nil {
		return fmt.Errorf("set linked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserUnknown
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, userID string, digest []byte) error {
	const q = `INSERT INTO bridge_users (id, token_digest) VALUES ($1, $2)`
	if _, err := s.db.ExecContext(ctx, q, userID, digest); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrUserExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetToken(ctx context.Context, userID string, digest []byte) error {
	const q = `UPDATE bridge_users SET token_digest = $2, updated_at = now() WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, userID, digest)
	if err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserUnknown
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]UserRecord, error) {
	const q = `SELECT id, token_digest, linked FROM bridge_users ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []UserRecord
	for rows.Next() {
		var rec UserRecord
		if err := rows.Scan(&rec.ID, &rec.TokenDigest, &rec.Linked); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
