package revocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyRevoked reports that one of the token values is already present
// in the registry. Double logout treats it as success.
var ErrAlreadyRevoked = errors.New("token pair already revoked")

// Registry is the append-only blacklist of token pairs invalidated before
// their natural expiry. Entries are never mutated; only the janitor deletes
// them once past the retention window.
type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Revoke appends the pair to the blacklist. Duplicate revocations resolve
// on the unique token columns: whichever token was blacklisted first
// suppresses the insert, and the caller sees ErrAlreadyRevoked. Two
// concurrent revocations of the same pair therefore cannot both insert,
// and the loser gets the same sentinel as a plain duplicate.
func (r *Registry) Revoke(ctx context.Context, accessToken, refreshToken, accountEmail string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate revocation id: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (id, access_token, refresh_token, account_email, revoked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`, id.String(), accessToken, refreshToken, accountEmail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert revoked tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoked tokens rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyRevoked
	}

	return nil
}

func (r *Registry) IsRevoked(ctx context.Context, tokenValue string) (bool, error) {
	var revoked bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM revoked_tokens
			WHERE access_token = $1 OR refresh_token = $1
		)
	`, tokenValue).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check token revocation: %w", err)
	}

	return revoked, nil
}

func (r *Registry) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM revoked_tokens
		WHERE revoked_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purged revoked tokens rows affected: %w", err)
	}

	return affected, nil
}
