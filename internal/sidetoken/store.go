package sidetoken

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Purpose string

const (
	PurposeActivation    Purpose = "activation"
	PurposePasswordReset Purpose = "password_reset"
)

var (
	ErrNotFound = errors.New("side token not found")
	ErrExpired  = errors.New("side token expired")
)

// Store keeps the single-use out-of-band tokens (account activation,
// password reset). A token is consumed exactly once: validation and
// deletion happen in one statement.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Issue replaces any outstanding token for the same email and purpose.
// Delete-then-insert is best effort: a concurrent request for the same
// email may briefly leave two live tokens.
func (s *Store) Issue(ctx context.Context, email string, purpose Purpose, ttl time.Duration) (string, error) {
	value := uuid.NewString()
	expiresAt := time.Now().UTC().Add(ttl)

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM side_tokens
		WHERE email = $1 AND purpose = $2
	`, email, purpose); err != nil {
		return "", fmt.Errorf("delete outstanding %s token: %w", purpose, err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO side_tokens (token, email, purpose, expires_at)
		VALUES ($1, $2, $3, $4)
	`, value, email, purpose, expiresAt); err != nil {
		return "", fmt.Errorf("insert %s token: %w", purpose, err)
	}

	return value, nil
}

// Consume deletes the token and returns the email it was issued for.
// An expired token is also deleted, but reported as ErrExpired.
func (s *Store) Consume(ctx context.Context, tokenValue string, purpose Purpose) (string, error) {
	var email string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM side_tokens
		WHERE token = $1 AND purpose = $2
		RETURNING email, expires_at
	`, tokenValue, purpose).Scan(&email, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("consume %s token: %w", purpose, err)
	}

	if time.Now().UTC().After(expiresAt.UTC()) {
		return "", ErrExpired
	}

	return email, nil
}

func (s *Store) DeleteExpired(ctx context.Context, purpose Purpose, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM side_tokens
		WHERE purpose = $1 AND expires_at < $2
	`, purpose, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired %s tokens: %w", purpose, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired %s tokens rows affected: %w", purpose, err)
	}

	return affected, nil
}
