package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var ErrUserNotFound = errors.New("user not found")
var ErrEmailExists = errors.New("email already exists")

// ErrRefreshTokenNotFound is returned by the conditional token mutations when
// the presented refresh token is no longer in the user's list.
var ErrRefreshTokenNotFound = errors.New("refresh token not found")

// Avatar is a remotely stored image: its public URL and the handle used to delete it.
type Avatar struct {
	URL string `json:"url"`
	ID  string `json:"id"`
}

type User struct {
	ID           uuid.UUID
	Email        string
	Name         string
	PasswordHash string
	Verified     bool
	Avatar       *Avatar
	// Tokens holds the digests of the currently valid refresh tokens, oldest first.
	Tokens    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, name, password_hash, verified, avatar_url, avatar_id, tokens, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	user := &User{}
	var avatarURL, avatarID sql.NullString
	err := row.Scan(
		&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.Verified,
		&avatarURL, &avatarID, pq.Array(&user.Tokens), &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if avatarURL.Valid && avatarURL.String != "" {
		user.Avatar = &Avatar{URL: avatarURL.String, ID: avatarID.String}
	}
	return user, nil
}

func (r *UserRepository) Create(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, email, name, password_hash, verified, tokens, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if user.Tokens == nil {
		user.Tokens = []string{}
	}
	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Name, user.PasswordHash, user.Verified,
		pq.Array(user.Tokens), user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return err
	}

	return nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) MarkVerified(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, ErrUserNotFound,
		`UPDATE users SET verified = TRUE, updated_at = NOW() WHERE id = $1`, id)
}

// AppendRefreshToken adds a refresh-token digest to the end of the user's list.
func (r *UserRepository) AppendRefreshToken(ctx context.Context, id uuid.UUID, token string) error {
	return r.execOne(ctx, ErrUserNotFound,
		`UPDATE users SET tokens = array_append(tokens, $2), updated_at = NOW() WHERE id = $1`, id, token)
}

// RotateRefreshToken replaces oldToken with newToken in a single statement.
// It fails with ErrRefreshTokenNotFound when oldToken is absent, so of two
// concurrent rotations of the same token exactly one succeeds.
func (r *UserRepository) RotateRefreshToken(ctx context.Context, id uuid.UUID, oldToken, newToken string) error {
	return r.execOne(ctx, ErrRefreshTokenNotFound, `
		UPDATE users
		SET tokens = array_append(array_remove(tokens, $2), $3), updated_at = NOW()
		WHERE id = $1 AND $2 = ANY(tokens)
	`, id, oldToken, newToken)
}

// RemoveRefreshToken drops token from the user's list, failing with
// ErrRefreshTokenNotFound when it is not there.
func (r *UserRepository) RemoveRefreshToken(ctx context.Context, id uuid.UUID, token string) error {
	return r.execOne(ctx, ErrRefreshTokenNotFound, `
		UPDATE users
		SET tokens = array_remove(tokens, $2), updated_at = NOW()
		WHERE id = $1 AND $2 = ANY(tokens)
	`, id, token)
}

// ClearRefreshTokens empties the user's token list.
func (r *UserRepository) ClearRefreshTokens(ctx context.Context, id uuid.UUID) error {
	return r.execOne(ctx, ErrUserNotFound,
		`UPDATE users SET tokens = '{}', updated_at = NOW() WHERE id = $1`, id)
}

func (r *UserRepository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.execOne(ctx, ErrUserNotFound,
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, passwordHash)
}

func (r *UserRepository) UpdateName(ctx context.Context, id uuid.UUID, name string) error {
	return r.execOne(ctx, ErrUserNotFound,
		`UPDATE users SET name = $2, updated_at = NOW() WHERE id = $1`, id, name)
}

func (r *UserRepository) UpdateAvatar(ctx context.Context, id uuid.UUID, avatar Avatar) error {
	return r.execOne(ctx, ErrUserNotFound,
		`UPDATE users SET avatar_url = $2, avatar_id = $3, updated_at = NOW() WHERE id = $1`,
		id, avatar.URL, avatar.ID)
}

// execOne runs a single-row mutation and reports notFound when no row matched.
func (r *UserRepository) execOne(ctx context.Context, notFound error, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
