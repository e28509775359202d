package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrTokenNotFound = errors.New("token not found")

// Tables holding one-time tokens. Both share the same shape.
const (
	VerificationTokensTable  = "email_verification_tokens"
	PasswordResetTokensTable = "password_reset_tokens"
)

// OneTimeToken is a hashed single-use token bound to a user.
type OneTimeToken struct {
	Owner     uuid.UUID
	TokenHash string
	CreatedAt time.Time
}

// OneTimeTokenRepository stores at most one token per owner. Tokens older
// than ttl are invisible to reads and removed by DeleteExpired.
type OneTimeTokenRepository struct {
	db    *DB
	table string
	ttl   time.Duration
	now   func() time.Time
}

func NewOneTimeTokenRepository(db *DB, table string, ttl time.Duration) *OneTimeTokenRepository {
	return &OneTimeTokenRepository{db: db, table: table, ttl: ttl, now: time.Now}
}

func (r *OneTimeTokenRepository) Table() string { return r.table }

// Replace stores tokenHash as the owner's only live token.
func (r *OneTimeTokenRepository) Replace(ctx context.Context, owner uuid.UUID, tokenHash string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (owner, token_hash, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner) DO UPDATE SET token_hash = EXCLUDED.token_hash, created_at = EXCLUDED.created_at
	`, r.table)

	_, err := r.db.ExecContext(ctx, query, owner, tokenHash, r.now().UTC())
	return err
}

func (r *OneTimeTokenRepository) Get(ctx context.Context, owner uuid.UUID) (*OneTimeToken, error) {
	query := fmt.Sprintf(`
		SELECT owner, token_hash, created_at
		FROM %s
		WHERE owner = $1 AND created_at > $2
	`, r.table)

	token := &OneTimeToken{}
	err := r.db.QueryRowContext(ctx, query, owner, r.now().UTC().Add(-r.ttl)).Scan(
		&token.Owner, &token.TokenHash, &token.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return token, nil
}

func (r *OneTimeTokenRepository) Delete(ctx context.Context, owner uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE owner = $1`, r.table)
	_, err := r.db.ExecContext(ctx, query, owner)
	return err
}

// DeleteExpired removes tokens past their ttl and reports how many were dropped.
func (r *OneTimeTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE created_at <= $1`, r.table)
	result, err := r.db.ExecContext(ctx, query, r.now().UTC().Add(-r.ttl))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
