package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/smartcyclemarket/smartcyclemarket/internal/db"
	"github.com/smartcyclemarket/smartcyclemarket/internal/logger"
	"github.com/smartcyclemarket/smartcyclemarket/internal/storage"
	"github.com/smartcyclemarket/smartcyclemarket/internal/validators"
)

const DefaultBcryptCost = 10

var (
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrUserNotFound       = errors.New("user not found")
	ErrSamePassword       = errors.New("new password matches the current one")
)

// UserStore is the credential store.
type UserStore interface {
	Create(ctx context.Context, user *db.User) error
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	MarkVerified(ctx context.Context, id uuid.UUID) error
	AppendRefreshToken(ctx context.Context, id uuid.UUID, token string) error
	RotateRefreshToken(ctx context.Context, id uuid.UUID, oldToken, newToken string) error
	RemoveRefreshToken(ctx context.Context, id uuid.UUID, token string) error
	ClearRefreshTokens(ctx context.Context, id uuid.UUID) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	UpdateName(ctx context.Context, id uuid.UUID, name string) error
	UpdateAvatar(ctx context.Context, id uuid.UUID, avatar db.Avatar) error
}

type Mailer interface {
	SendVerificationMail(ctx context.Context, to, link string) error
	SendPasswordResetLink(ctx context.Context, to, link string) error
	SendPasswordUpdateMessage(ctx context.Context, to string) error
}

// ProfileCache holds public profiles. Implementations must tolerate misses.
type ProfileCache interface {
	Get(ctx context.Context, id uuid.UUID) (*PublicProfile, bool)
	Set(ctx context.Context, p *PublicProfile)
	Invalidate(ctx context.Context, id uuid.UUID)
}

// Counter records auth events.
type Counter interface {
	IncCounter(name string)
}

// Profile is the projection of a user returned to its owner.
type Profile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	Avatar   string `json:"avatar,omitempty"`
}

// PublicProfile is what other users may see.
type PublicProfile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
}

type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type SignInResult struct {
	Profile *Profile   `json:"profile"`
	Tokens  *TokenPair `json:"tokens"`
}

type ServiceConfig struct {
	Users              UserStore
	VerificationTokens TokenStore
	ResetTokens        TokenStore
	Issuer             *Issuer
	Mailer             Mailer
	Images             storage.ImageStore
	Cache              ProfileCache
	Metrics            Counter
	Logger             *logger.Logger

	VerificationLink      string
	PasswordResetLink     string
	BcryptCost            int
	RevokeSessionsOnReset bool
}

type Service struct {
	users        UserStore
	verifyTokens *OneTimeTokens
	resetTokens  *OneTimeTokens
	issuer       *Issuer
	mailer       Mailer
	images       storage.ImageStore
	cache        ProfileCache
	metrics      Counter
	log          *logger.Logger

	verificationLink      string
	passwordResetLink     string
	bcryptCost            int
	revokeSessionsOnReset bool

	// background runs work that must not hold up the response.
	background func(func())
}

func NewService(cfg ServiceConfig) *Service {
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	c := cfg.Cache
	if c == nil {
		c = noopCache{}
	}
	m := cfg.Metrics
	if m == nil {
		m = noopCounter{}
	}

	return &Service{
		users:                 cfg.Users,
		verifyTokens:          NewOneTimeTokens(cfg.VerificationTokens, cost),
		resetTokens:           NewOneTimeTokens(cfg.ResetTokens, cost),
		issuer:                cfg.Issuer,
		mailer:                cfg.Mailer,
		images:                cfg.Images,
		cache:                 c,
		metrics:               m,
		log:                   log.WithComponent("auth"),
		verificationLink:      cfg.VerificationLink,
		passwordResetLink:     cfg.PasswordResetLink,
		bcryptCost:            cost,
		revokeSessionsOnReset: cfg.RevokeSessionsOnReset,
		background:            func(fn func()) { go fn() },
	}
}

// SignUp creates an unverified user and mails a verification link.
func (s *Service) SignUp(ctx context.Context, name, email, password string) (*Profile, error) {
	email = validators.NormalizeEmail(email)
	name = validators.NormalizeText(name)

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailExists
	} else if !errors.Is(err, db.ErrUserNotFound) {
		return nil, err
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &db.User{
		ID:           uuid.New(),
		Email:        email,
		Name:         name,
		PasswordHash: string(passwordHash),
		Tokens:       []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, db.ErrEmailExists) {
			return nil, ErrEmailExists
		}
		return nil, err
	}
	s.metrics.IncCounter("signups_total")

	if err := s.sendVerification(ctx, user.ID, user.Email); err != nil {
		return nil, err
	}

	return toProfile(user), nil
}

// VerifyEmail consumes the verification token and marks the user verified.
func (s *Service) VerifyEmail(ctx context.Context, id uuid.UUID, token string) error {
	if err := s.verifyTokens.Check(ctx, id, token); err != nil {
		return err
	}
	if err := s.users.MarkVerified(ctx, id); err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	// The user is verified from here on; a token left behind expires on its own.
	if err := s.verifyTokens.Revoke(ctx, id); err != nil {
		s.log.Error(ctx, "failed to revoke verification token", err, map[string]interface{}{
			"user_id": id.String(),
		})
	}
	s.cache.Invalidate(ctx, id)
	return nil
}

// ResendVerification replaces the user's verification token and mails a new
// link. It does not check whether the user is already verified.
func (s *Service) ResendVerification(ctx context.Context, p *Profile) error {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return ErrUnauthorized
	}
	return s.sendVerification(ctx, id, p.Email)
}

func (s *Service) sendVerification(ctx context.Context, id uuid.UUID, email string) error {
	token, err := s.verifyTokens.Issue(ctx, id)
	if err != nil {
		return fmt.Errorf("issue verification token: %w", err)
	}
	link := buildLink(s.verificationLink, id, token)
	if err := s.mailer.SendVerificationMail(ctx, email, link); err != nil {
		return &MailError{Err: err}
	}
	return nil
}

// SignIn checks the credentials and starts a new session.
func (s *Service) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	user, err := s.users.GetByEmail(ctx, validators.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			s.metrics.IncCounter("signin_failures_total")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.metrics.IncCounter("signin_failures_total")
		return nil, ErrInvalidCredentials
	}

	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.users.AppendRefreshToken(ctx, user.ID, hashToken(tokens.Refresh)); err != nil {
		return nil, err
	}

	s.metrics.IncCounter("signins_total")
	return &SignInResult{Profile: toProfile(user), Tokens: tokens}, nil
}

// Refresh rotates refreshToken: it is removed from the user's list and a new
// one appended in a single store operation. Presenting a token that is not in
// the list, including one already rotated, revokes every session of the user.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrUnauthorized
	}

	claims, err := s.issuer.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrUnauthorized
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, ErrUnauthorized
	}

	tokens, err := s.issueTokens(userID)
	if err != nil {
		return nil, err
	}

	err = s.users.RotateRefreshToken(ctx, userID, hashToken(refreshToken), hashToken(tokens.Refresh))
	if errors.Is(err, db.ErrRefreshTokenNotFound) {
		s.metrics.IncCounter("refresh_replays_total")
		s.log.Warn(ctx, "refresh token reuse detected, revoking all sessions", map[string]interface{}{
			"user_id": userID.String(),
		})
		if err := s.users.ClearRefreshTokens(ctx, userID); err != nil && !errors.Is(err, db.ErrUserNotFound) {
			return nil, err
		}
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	s.metrics.IncCounter("refreshes_total")
	return tokens, nil
}

// SignOut ends the session identified by refreshToken.
func (s *Service) SignOut(ctx context.Context, userID uuid.UUID, refreshToken string) error {
	if refreshToken == "" {
		return ErrUnauthorized
	}
	err := s.users.RemoveRefreshToken(ctx, userID, hashToken(refreshToken))
	if errors.Is(err, db.ErrRefreshTokenNotFound) || errors.Is(err, db.ErrUserNotFound) {
		return ErrUnauthorized
	}
	return err
}

// ForgotPassword issues a reset token and mails the link without waiting for
// delivery. Unknown addresses yield ErrUserNotFound.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.users.GetByEmail(ctx, validators.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	token, err := s.resetTokens.Issue(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("issue reset token: %w", err)
	}

	link := buildLink(s.passwordResetLink, user.ID, token)
	mailCtx := context.WithoutCancel(ctx)
	s.background(func() {
		if err := s.mailer.SendPasswordResetLink(mailCtx, user.Email, link); err != nil {
			s.log.Error(mailCtx, "failed to send password reset link", err, map[string]interface{}{
				"user_id": user.ID.String(),
			})
		}
	})
	return nil
}

// CheckResetToken validates a reset token without consuming it.
func (s *Service) CheckResetToken(ctx context.Context, id uuid.UUID, token string) error {
	return s.resetTokens.Check(ctx, id, token)
}

// ResetPassword replaces the password of the reset token's owner and consumes the token.
func (s *Service) ResetPassword(ctx context.Context, id uuid.UUID, token, password string) error {
	if err := s.resetTokens.Check(ctx, id, token); err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil {
		return ErrSamePassword
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, id, string(passwordHash)); err != nil {
		return err
	}

	// The new password is stored; failures below are logged, not returned.
	if err := s.resetTokens.Revoke(ctx, id); err != nil {
		s.log.Error(ctx, "failed to revoke password reset token", err, map[string]interface{}{
			"user_id": id.String(),
		})
	}
	if s.revokeSessionsOnReset {
		if err := s.users.ClearRefreshTokens(ctx, id); err != nil {
			s.log.Error(ctx, "failed to clear sessions after password reset", err, map[string]interface{}{
				"user_id": id.String(),
			})
		}
	}

	if err := s.mailer.SendPasswordUpdateMessage(ctx, user.Email); err != nil {
		s.log.Error(ctx, "failed to send password update message", err, map[string]interface{}{
			"user_id": id.String(),
		})
	}
	return nil
}

// Authenticate resolves a bearer access token to the current profile of its user.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*Profile, error) {
	claims, err := s.issuer.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return toProfile(user), nil
}

// Profile loads the current profile of a user.
func (s *Service) Profile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return toProfile(user), nil
}

// UpdateName renames the user and returns the stored profile.
func (s *Service) UpdateName(ctx context.Context, id uuid.UUID, name string) (*Profile, error) {
	name, err := validators.Name(name)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdateName(ctx, id, name); err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	s.cache.Invalidate(ctx, id)
	return s.Profile(ctx, id)
}

// UpdateAvatar stores a new avatar image and then removes the previous one.
func (s *Service) UpdateAvatar(ctx context.Context, id uuid.UUID, upload storage.UploadInput) (*Profile, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	upload.Folder = "avatars"
	upload.Transform = storage.AvatarTransform
	img, err := s.images.Upload(ctx, upload)
	if err != nil {
		return nil, err
	}

	if err := s.users.UpdateAvatar(ctx, id, db.Avatar{URL: img.URL, ID: img.ID}); err != nil {
		s.deleteImage(ctx, img.ID)
		if errors.Is(err, db.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if user.Avatar != nil && user.Avatar.ID != "" {
		s.deleteImage(ctx, user.Avatar.ID)
	}

	s.cache.Invalidate(ctx, id)
	return s.Profile(ctx, id)
}

func (s *Service) deleteImage(ctx context.Context, imageID string) {
	if err := s.images.Delete(ctx, imageID); err != nil {
		s.log.Warn(ctx, "failed to delete stored image", map[string]interface{}{
			"image_id": imageID,
			"error":    err.Error(),
		})
	}
}

// PublicProfile returns what other users may see of id.
func (s *Service) PublicProfile(ctx context.Context, id uuid.UUID) (*PublicProfile, error) {
	if p, ok := s.cache.Get(ctx, id); ok {
		return p, nil
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	p := &PublicProfile{ID: user.ID.String(), Name: user.Name, Email: user.Email}
	if user.Avatar != nil {
		p.Avatar = user.Avatar.URL
	}
	s.cache.Set(ctx, p)
	return p, nil
}

func (s *Service) issueTokens(userID uuid.UUID) (*TokenPair, error) {
	access, err := s.issuer.IssueAccessToken(userID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issuer.IssueRefreshToken(userID)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Access: access, Refresh: refresh}, nil
}

// MailError wraps a failed delivery of a mail the caller waits on.
type MailError struct {
	Err error
}

func (e *MailError) Error() string { return "mail delivery failed: " + e.Err.Error() }
func (e *MailError) Unwrap() error { return e.Err }

func toProfile(u *db.User) *Profile {
	p := &Profile{
		ID:       u.ID.String(),
		Name:     u.Name,
		Email:    u.Email,
		Verified: u.Verified,
	}
	if u.Avatar != nil {
		p.Avatar = u.Avatar.URL
	}
	return p
}

func buildLink(base string, id uuid.UUID, token string) string {
	q := url.Values{}
	q.Set("id", id.String())
	q.Set("token", token)
	return base + "?" + q.Encode()
}

// hashToken returns the digest under which a refresh token is stored.
func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

type noopCache struct{}

func (noopCache) Get(context.Context, uuid.UUID) (*PublicProfile, bool) { return nil, false }
func (noopCache) Set(context.Context, *PublicProfile)                  {}
func (noopCache) Invalidate(context.Context, uuid.UUID)                {}

type noopCounter struct{}

func (noopCounter) IncCounter(string) {}
