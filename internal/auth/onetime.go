package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/smartcyclemarket/smartcyclemarket/internal/db"
)

// oneTimeTokenBytes of randomness hex-encode to 72 characters, the most bcrypt accepts.
const oneTimeTokenBytes = 36

// TokenStore persists one hashed token per owner.
type TokenStore interface {
	Replace(ctx context.Context, owner uuid.UUID, tokenHash string) error
	Get(ctx context.Context, owner uuid.UUID) (*db.OneTimeToken, error)
	Delete(ctx context.Context, owner uuid.UUID) error
}

// OneTimeTokens issues and checks single-use tokens for e-mail verification
// and password reset. Only a bcrypt hash of each token is stored.
type OneTimeTokens struct {
	store TokenStore
	cost  int
}

func NewOneTimeTokens(store TokenStore, cost int) *OneTimeTokens {
	return &OneTimeTokens{store: store, cost: cost}
}

// Issue creates a token for owner, replacing any token issued before.
func (o *OneTimeTokens) Issue(ctx context.Context, owner uuid.UUID) (string, error) {
	buf := make([]byte, oneTimeTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), o.cost)
	if err != nil {
		return "", err
	}
	if err := o.store.Replace(ctx, owner, string(hash)); err != nil {
		return "", err
	}
	return token, nil
}

// Check reports ErrInvalidToken unless token is owner's live token.
func (o *OneTimeTokens) Check(ctx context.Context, owner uuid.UUID, token string) error {
	stored, err := o.store.Get(ctx, owner)
	if err != nil {
		if errors.Is(err, db.ErrTokenNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(stored.TokenHash), []byte(token)) != nil {
		return ErrInvalidToken
	}
	return nil
}

// Revoke drops owner's token, if any.
func (o *OneTimeTokens) Revoke(ctx context.Context, owner uuid.UUID) error {
	return o.store.Delete(ctx, owner)
}
