package database

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresSessionStore persists the channel's session credentials so a
// paired session survives restarts. A single row holds the current session.
type PostgresSessionStore struct {
	db *sql.DB
}

func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

func (s *PostgresSessionStore) Load(ctx context.Context) (creds []byte, userRef string, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT credentials, user_ref FROM channel_sessions WHERE id = 1`).Scan(&creds, &userRef)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, "", ErrNoSession
		}
		return nil, "", fmt.Errorf("error loading channel session: %w", err)
	}
	return creds, userRef, nil
}

func (s *PostgresSessionStore) Save(ctx context.Context, creds []byte, userRef string) error {
	query := `INSERT INTO channel_sessions (id, credentials, user_ref, updated_at)
               VALUES (1, $1, $2, NOW())
          ON CONFLICT (id) DO UPDATE SET credentials = $1, user_ref = $2, updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query, creds, userRef); err != nil {
		return fmt.Errorf("error saving channel session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channel_sessions WHERE id = 1`); err != nil {
		return fmt.Errorf("error clearing channel session: %w", err)
	}
	return nil
}
