// Package authtest provides in-memory stores, a recording mailer and an
// image store for tests that exercise the auth flows without PostgreSQL,
// SMTP or object storage.
package authtest

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartcyclemarket/smartcyclemarket/internal/db"
	"github.com/smartcyclemarket/smartcyclemarket/internal/storage"
)

// Users is an in-memory credential store with the same conditional
// semantics as db.UserRepository.
type Users struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*db.User
	email map[string]uuid.UUID
}

func NewUsers() *Users {
	return &Users{byID: map[uuid.UUID]*db.User{}, email: map[string]uuid.UUID{}}
}

func copyUser(u *db.User) *db.User {
	c := *u
	c.Tokens = append([]string(nil), u.Tokens...)
	if u.Avatar != nil {
		a := *u.Avatar
		c.Avatar = &a
	}
	return &c
}

func (s *Users) Create(_ context.Context, user *db.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.email[user.Email]; ok {
		return db.ErrEmailExists
	}
	s.byID[user.ID] = copyUser(user)
	s.email[user.Email] = user.ID
	return nil
}

func (s *Users) GetByEmail(_ context.Context, email string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.email[email]
	if !ok {
		return nil, db.ErrUserNotFound
	}
	return copyUser(s.byID[id]), nil
}

func (s *Users) GetByID(_ context.Context, id uuid.UUID) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, db.ErrUserNotFound
	}
	return copyUser(u), nil
}

func (s *Users) update(id uuid.UUID, fn func(u *db.User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return db.ErrUserNotFound
	}
	if err := fn(u); err != nil {
		return err
	}
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Users) MarkVerified(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(u *db.User) error { u.Verified = true; return nil })
}

func (s *Users) AppendRefreshToken(_ context.Context, id uuid.UUID, token string) error {
	return s.update(id, func(u *db.User) error {
		u.Tokens = append(u.Tokens, token)
		return nil
	})
}

func (s *Users) RotateRefreshToken(_ context.Context, id uuid.UUID, oldToken, newToken string) error {
	return s.update(id, func(u *db.User) error {
		rest, ok := without(u.Tokens, oldToken)
		if !ok {
			return db.ErrRefreshTokenNotFound
		}
		u.Tokens = append(rest, newToken)
		return nil
	})
}

func (s *Users) RemoveRefreshToken(_ context.Context, id uuid.UUID, token string) error {
	return s.update(id, func(u *db.User) error {
		rest, ok := without(u.Tokens, token)
		if !ok {
			return db.ErrRefreshTokenNotFound
		}
		u.Tokens = rest
		return nil
	})
}

func (s *Users) ClearRefreshTokens(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(u *db.User) error { u.Tokens = []string{}; return nil })
}

func (s *Users) UpdatePassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	return s.update(id, func(u *db.User) error { u.PasswordHash = passwordHash; return nil })
}

func (s *Users) UpdateName(_ context.Context, id uuid.UUID, name string) error {
	return s.update(id, func(u *db.User) error { u.Name = name; return nil })
}

func (s *Users) UpdateAvatar(_ context.Context, id uuid.UUID, avatar db.Avatar) error {
	return s.update(id, func(u *db.User) error { u.Avatar = &avatar; return nil })
}

// Tokens returns the stored refresh token digests of id.
func (s *Users) Tokens(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[id]; ok {
		return append([]string(nil), u.Tokens...)
	}
	return nil
}

// Delete removes a user, as an administrator would.
func (s *Users) Delete(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[id]; ok {
		delete(s.email, u.Email)
		delete(s.byID, id)
	}
}

func without(list []string, v string) ([]string, bool) {
	for i, t := range list {
		if t == v {
			rest := append([]string(nil), list[:i]...)
			return append(rest, list[i+1:]...), true
		}
	}
	return list, false
}

// OneTimeTokens is an in-memory one-time token table with a TTL.
type OneTimeTokens struct {
	mu     sync.Mutex
	name   string
	ttl    time.Duration
	tokens map[uuid.UUID]db.OneTimeToken

	Now func() time.Time
}

func NewOneTimeTokens(name string, ttl time.Duration) *OneTimeTokens {
	return &OneTimeTokens{name: name, ttl: ttl, tokens: map[uuid.UUID]db.OneTimeToken{}, Now: time.Now}
}

func (s *OneTimeTokens) Table() string { return s.name }

func (s *OneTimeTokens) Replace(_ context.Context, owner uuid.UUID, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[owner] = db.OneTimeToken{Owner: owner, TokenHash: tokenHash, CreatedAt: s.Now()}
	return nil
}

func (s *OneTimeTokens) Get(_ context.Context, owner uuid.UUID) (*db.OneTimeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[owner]
	if !ok || !t.CreatedAt.After(s.Now().Add(-s.ttl)) {
		return nil, db.ErrTokenNotFound
	}
	return &t, nil
}

func (s *OneTimeTokens) Delete(_ context.Context, owner uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, owner)
	return nil
}

func (s *OneTimeTokens) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	cutoff := s.Now().Add(-s.ttl)
	for owner, t := range s.tokens {
		if !t.CreatedAt.After(cutoff) {
			delete(s.tokens, owner)
			n++
		}
	}
	return n, nil
}

// Len reports how many rows the table holds, expired ones included.
func (s *OneTimeTokens) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Mail is one message handed to the Mailer.
type Mail struct {
	Kind string
	To   string
	Link string
}

// Mailer records every message. Setting Err makes each send fail.
type Mailer struct {
	mu    sync.Mutex
	mails []Mail
	sent  chan struct{}

	Err error
}

func NewMailer() *Mailer {
	return &Mailer{sent: make(chan struct{}, 64)}
}

func (m *Mailer) record(kind, to, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.mails = append(m.mails, Mail{Kind: kind, To: to, Link: link})
	select {
	case m.sent <- struct{}{}:
	default:
	}
	return nil
}

func (m *Mailer) SendVerificationMail(_ context.Context, to, link string) error {
	return m.record("verification", to, link)
}

func (m *Mailer) SendPasswordResetLink(_ context.Context, to, link string) error {
	return m.record("reset", to, link)
}

func (m *Mailer) SendPasswordUpdateMessage(_ context.Context, to string) error {
	return m.record("password-updated", to, "")
}

func (m *Mailer) Mails() []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mail(nil), m.mails...)
}

// Last returns the newest mail of kind.
func (m *Mailer) Last(kind string) (Mail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.mails) - 1; i >= 0; i-- {
		if m.mails[i].Kind == kind {
			return m.mails[i], true
		}
	}
	return Mail{}, false
}

// Wait blocks until a mail is recorded or timeout passes.
func (m *Mailer) Wait(timeout time.Duration) bool {
	select {
	case <-m.sent:
		return true
	case <-time.After(timeout):
		return false
	}
}

var tokenParam = regexp.MustCompile(`[?&]token=([0-9a-f]+)`)

// LinkParams extracts the id and token query parameters of a mailed link.
func LinkParams(link string) (id, token string, err error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", "", err
	}
	id, token = u.Query().Get("id"), u.Query().Get("token")
	if id == "" || !tokenParam.MatchString(link) {
		return "", "", fmt.Errorf("link %q carries no id and token", link)
	}
	return id, token, nil
}

// Images is an in-memory image store.
type Images struct {
	mu      sync.Mutex
	objects map[string][]byte
	next    int

	UploadErr error
	Deleted   []string
}

func NewImages() *Images {
	return &Images{objects: map[string][]byte{}}
}

func (s *Images) Upload(_ context.Context, in storage.UploadInput) (*storage.Image, error) {
	if s.UploadErr != nil {
		return nil, s.UploadErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("%s/%d", in.Folder, s.next)
	s.objects[id] = data
	return &storage.Image{URL: "https://images.test/" + id + "?t=" + in.Transform.String(), ID: id}, nil
}

func (s *Images) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, id)
	s.Deleted = append(s.Deleted, id)
	return nil
}

func (s *Images) Ping(context.Context) error { return nil }

// Has reports whether id is stored.
func (s *Images) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[id]
	return ok
}

// DeletedIDs returns the ids passed to Delete so far.
func (s *Images) DeletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Deleted...)
}
