package auth

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/smartcyclemarket/smartcyclemarket/internal/auth/authtest"
	"github.com/smartcyclemarket/smartcyclemarket/internal/db"
	"github.com/smartcyclemarket/smartcyclemarket/internal/logger"
	"github.com/smartcyclemarket/smartcyclemarket/internal/storage"
	"github.com/smartcyclemarket/smartcyclemarket/internal/validators"
)

type testEnv struct {
	users   *authtest.Users
	verify  *authtest.OneTimeTokens
	reset   *authtest.OneTimeTokens
	mailer  *authtest.Mailer
	images  *authtest.Images
	counter *countingMetrics
	issuer  *Issuer
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingMetrics) IncCounter(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
}

func (c *countingMetrics) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

func newTestService(t *testing.T, opts ...func(*ServiceConfig)) (*Service, *testEnv) {
	t.Helper()
	env := &testEnv{
		users:   authtest.NewUsers(),
		verify:  authtest.NewOneTimeTokens(db.VerificationTokensTable, 24*time.Hour),
		reset:   authtest.NewOneTimeTokens(db.PasswordResetTokensTable, 24*time.Hour),
		mailer:  authtest.NewMailer(),
		images:  authtest.NewImages(),
		counter: &countingMetrics{counts: map[string]int{}},
		issuer:  NewIssuer("test-secret", AccessTokenExpiry),
	}
	cfg := ServiceConfig{
		Users:                 env.users,
		VerificationTokens:    env.verify,
		ResetTokens:           env.reset,
		Issuer:                env.issuer,
		Mailer:                env.mailer,
		Images:                env.images,
		Metrics:               env.counter,
		Logger:                logger.New(&logger.Config{Output: &bytes.Buffer{}}),
		VerificationLink:      "http://localhost:8000/verify",
		PasswordResetLink:     "http://localhost:8000/reset-pass",
		BcryptCost:            bcrypt.MinCost,
		RevokeSessionsOnReset: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	svc := NewService(cfg)
	svc.background = func(fn func()) { fn() }
	return svc, env
}

func mailedToken(t *testing.T, env *testEnv, kind string) (uuid.UUID, string) {
	t.Helper()
	mail, ok := env.mailer.Last(kind)
	require.True(t, ok, "no %s mail sent", kind)
	id, token, err := authtest.LinkParams(mail.Link)
	require.NoError(t, err)
	return uuid.MustParse(id), token
}

func signUp(t *testing.T, svc *Service, email string) *Profile {
	t.Helper()
	p, err := svc.SignUp(context.Background(), "Ann", email, "Abcdef12")
	require.NoError(t, err)
	return p
}

func TestSignUp(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()

	p, err := svc.SignUp(ctx, "Ann", "A@X.com", "Abcdef12")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", p.Email)
	assert.False(t, p.Verified)

	user, err := env.users.GetByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.NotEqual(t, "Abcdef12", user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("Abcdef12")))

	mail, ok := env.mailer.Last("verification")
	require.True(t, ok)
	assert.Equal(t, "a@x.com", mail.To)
	assert.Contains(t, mail.Link, "id="+p.ID)
	assert.Equal(t, 1, env.verify.Len())
	assert.Equal(t, 1, env.counter.get("signups_total"))

	t.Run("duplicate email", func(t *testing.T) {
		_, err := svc.SignUp(ctx, "Bob", "a@x.com", "Xyzxyz12")
		assert.ErrorIs(t, err, ErrEmailExists)
		assert.Len(t, env.mailer.Mails(), 1)
	})
}

func TestSignUpMailFailure(t *testing.T) {
	svc, env := newTestService(t)
	env.mailer.Err = errors.New("smtp down")

	_, err := svc.SignUp(context.Background(), "Ann", "a@x.com", "Abcdef12")
	var mailErr *MailError
	require.ErrorAs(t, err, &mailErr)

	// the account exists and a new link can be requested
	_, err = env.users.GetByEmail(context.Background(), "a@x.com")
	assert.NoError(t, err)
}

func TestVerifyEmail(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()
	signUp(t, svc, "a@x.com")
	id, token := mailedToken(t, env, "verification")

	require.ErrorIs(t, svc.VerifyEmail(ctx, id, "wrong"), ErrInvalidToken)
	require.NoError(t, svc.VerifyEmail(ctx, id, token))

	user, err := env.users.GetByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, user.Verified)

	// single use
	assert.ErrorIs(t, svc.VerifyEmail(ctx, id, token), ErrInvalidToken)
}

// failingUsers fails the named UserStore calls with err.
type failingUsers struct {
	*authtest.Users
	markVerified error
	clearTokens  error
}

func (f *failingUsers) MarkVerified(ctx context.Context, id uuid.UUID) error {
	if f.markVerified != nil {
		return f.markVerified
	}
	return f.Users.MarkVerified(ctx, id)
}

func (f *failingUsers) ClearRefreshTokens(ctx context.Context, id uuid.UUID) error {
	if f.clearTokens != nil {
		return f.clearTokens
	}
	return f.Users.ClearRefreshTokens(ctx, id)
}

// undeletableTokens refuses to drop tokens.
type undeletableTokens struct {
	*authtest.OneTimeTokens
}

func (undeletableTokens) Delete(context.Context, uuid.UUID) error {
	return errors.New("token store unavailable")
}

func TestVerifyEmailKeepsTokenWhenMarkingFails(t *testing.T) {
	users := &failingUsers{markVerified: errors.New("connection reset")}
	svc, env := newTestService(t, func(c *ServiceConfig) {
		users.Users = c.Users.(*authtest.Users)
		c.Users = users
	})
	ctx := context.Background()
	signUp(t, svc, "a@x.com")
	id, token := mailedToken(t, env, "verification")

	assert.EqualError(t, svc.VerifyEmail(ctx, id, token), "connection reset")
	assert.Equal(t, 1, env.verify.Len())

	users.markVerified = nil
	require.NoError(t, svc.VerifyEmail(ctx, id, token))
	user, err := env.users.GetByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, user.Verified)
	assert.Equal(t, 0, env.verify.Len())
}

func TestVerifyEmailSucceedsWhenRevokeFails(t *testing.T) {
	svc, env := newTestService(t, func(c *ServiceConfig) {
		c.VerificationTokens = undeletableTokens{c.VerificationTokens.(*authtest.OneTimeTokens)}
	})
	ctx := context.Background()
	signUp(t, svc, "a@x.com")
	id, token := mailedToken(t, env, "verification")

	require.NoError(t, svc.VerifyEmail(ctx, id, token))
	user, err := env.users.GetByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, user.Verified)
}

func TestResendVerificationReplacesToken(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()
	p := signUp(t, svc, "a@x.com")
	_, first := mailedToken(t, env, "verification")

	require.NoError(t, svc.ResendVerification(ctx, p))
	id, second := mailedToken(t, env, "verification")

	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, env.verify.Len())
	assert.ErrorIs(t, svc.VerifyEmail(ctx, id, first), ErrInvalidToken)
	assert.NoError(t, svc.VerifyEmail(ctx, id, second))
}

func TestSignIn(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()
	p := signUp(t, svc, "a@x.com")

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{"unknown email", "b@x.com", "Abcdef12", ErrInvalidCredentials},
		{"wrong password", "a@x.com", "Abcdef13", ErrInvalidCredentials},
		{"correct", "a@x.com", "Abcdef12", nil},
		{"email is case insensitive", "A@X.COM", "Abcdef12", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.SignIn(ctx, tt.email, tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, p.ID, res.Profile.ID)
			assert.NotEmpty(t, res.Tokens.Access)
			assert.Contains(t, env.users.Tokens(uuid.MustParse(p.ID)), hashToken(res.Tokens.Refresh))
		})
	}

	assert.Len(t, env.users.Tokens(uuid.MustParse(p.ID)), 2)
	assert.Equal(t, 2, env.counter.get("signin_failures_total"))
}

func TestRefreshRotation(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()
	p := signUp(t, svc, "a@x.com")
	id := uuid.MustParse(p.ID)

	res, err := svc.SignIn(ctx, "a@x.com", "Abcdef12")
	require.NoError(t, err)
	r1 := res.Tokens.Refresh

	pair, err := svc.Refresh(ctx, r1)
	require.NoError(t, err)
	r2 := pair.Refresh
	assert.NotEqual(t, r1, r2)
	assert.Equal(t, []string{hashToken(r2)}, env.users.Tokens(id))

	claims, err := env.issuer.VerifyAccessToken(pair.Access)
	require.NoError(t, err)
	assert.Equal(t, p.ID, claims.UserID)

	t.Run("replay revokes every session", func(t *testing.T) {
		_, err := svc.Refresh(ctx, r1)
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Empty(t, env.users.Tokens(id))
		assert.Equal(t, 1, env.counter.get("refresh_replays_total"))

		_, err = svc.Refresh(ctx, r2)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("invalid inputs", func(t *testing.T) {
		for _, token := range []string{"", "garbage", pair.Access} {
			_, err := svc.Refresh(ctx, token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		}
	})
}

func TestRefreshConcurrentReplay(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()
	signUp(t, svc, "a@x.com")
	res, err := svc.SignIn(ctx, "a@x.com", "Abcdef12")
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Refresh(ctx, res.Tokens.Refresh); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.GreaterOrEqual(t, env.counter.get("refresh_replays_total"), 1)
}

func TestSignOut(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()
	p := signUp(t, svc, "a@x.com")
	id := uuid.MustParse(p.ID)

	first, err := svc.SignIn(ctx, "a@x.com", "Abcdef12")
	require.NoError(t, err)
	second, err := svc.SignIn(ctx, "a@x.com", "Abcdef12")
	require.NoError(t, err)

	require.NoError(t, svc.SignOut(ctx, id, first.Tokens.Refresh))
	assert.Equal(t, []string{hashToken(second.Tokens.Refresh)}, env.users.Tokens(id))

	_, err = svc.Refresh(ctx, second.Tokens.Refresh)
	assert.NoError(t, err)

	assert.ErrorIs(t, svc.SignOut(ctx, id, first.Tokens.Refresh), ErrUnauthorized)
	assert.ErrorIs(t, svc.SignOut(ctx, id, ""), ErrUnauthorized)
}

func TestPasswordReset(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()
	p := signUp(t, svc, "a@x.com")
	session, err := svc.SignIn(ctx, "a@x.com", "Abcdef12")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.ForgotPassword(ctx, "nobody@x.com"), ErrUserNotFound)

	require.NoError(t, svc.ForgotPassword(ctx, "a@x.com"))
	id, token := mailedToken(t, env, "reset")
	assert.Equal(t, p.ID, id.String())

	// checking does not consume
	require.NoError(t, svc.CheckResetToken(ctx, id, token))
	require.NoError(t, svc.CheckResetToken(ctx, id, token))
	assert.ErrorIs(t, svc.CheckResetToken(ctx, id, "wrong"), ErrInvalidToken)

	assert.ErrorIs(t, svc.ResetPassword(ctx, id, token, "Abcdef12"), ErrSamePassword)

	require.NoError(t, svc.ResetPassword(ctx, id, token, "Newpass12"))
	_, ok := env.mailer.Last("password-updated")
	assert.True(t, ok)

	assert.ErrorIs(t, svc.ResetPassword(ctx, id, token, "Other123"), ErrInvalidToken)

	_, err = svc.SignIn(ctx, "a@x.com", "Abcdef12")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.SignIn(ctx, "a@x.com", "Newpass12")
	assert.NoError(t, err)

	// sessions from before the reset are gone
	_, err = svc.Refresh(ctx, session.Tokens.Refresh)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPasswordResetKeepsSessionsWhenConfigured(t *testing.T) {
	svc, env := newTestService(t, func(c *ServiceConfig) { c.RevokeSessionsOnReset = false })
	ctx := context.Background()
	signUp(t, svc, "a@x.com")
	session, err := svc.SignIn(ctx, "a@x.com", "Abcdef12")
	require.NoError(t, err)

	require.NoError(t, svc.ForgotPassword(ctx, "a@x.com"))
	id, token := mailedToken(t, env, "reset")
	require.NoError(t, svc.ResetPassword(ctx, id, token, "Newpass12"))

	_, err = svc.Refresh(ctx, session.Tokens.Refresh)
	assert.NoError(t, err)
}

func TestPasswordResetSucceedsWhenCleanupFails(t *testing.T) {
	users := &failingUsers{clearTokens: errors.New("connection reset")}
	svc, env := newTestService(t, func(c *ServiceConfig) {
		users.Users = c.Users.(*authtest.Users)
		c.Users = users
		c.ResetTokens = undeletableTokens{c.ResetTokens.(*authtest.OneTimeTokens)}
	})
	ctx := context.Background()
	signUp(t, svc, "a@x.com")

	require.NoError(t, svc.ForgotPassword(ctx, "a@x.com"))
	id, token := mailedToken(t, env, "reset")
	require.NoError(t, svc.ResetPassword(ctx, id, token, "Newpass12"))

	_, ok := env.mailer.Last("password-updated")
	assert.True(t, ok)
	_, err := svc.SignIn(ctx, "a@x.com", "Newpass12")
	assert.NoError(t, err)
}

func TestForgotPasswordMailFailureIsNotSurfaced(t *testing.T) {
	svc, env := newTestService(t)
	signUp(t, svc, "a@x.com")
	env.mailer.Err = errors.New("smtp down")

	assert.NoError(t, svc.ForgotPassword(context.Background(), "a@x.com"))
	assert.Equal(t, 1, env.reset.Len())
}

func TestAuthenticate(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()
	p := signUp(t, svc, "a@x.com")
	res, err := svc.SignIn(ctx, "a@x.com", "Abcdef12")
	require.NoError(t, err)

	got, err := svc.Authenticate(ctx, res.Tokens.Access)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = svc.Authenticate(ctx, res.Tokens.Refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)

	env.users.Delete(uuid.MustParse(p.ID))
	_, err = svc.Authenticate(ctx, res.Tokens.Access)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestUpdateName(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := signUp(t, svc, "a@x.com")
	id := uuid.MustParse(p.ID)

	_, err := svc.UpdateName(ctx, id, "Al")
	var fieldErr *validators.FieldError
	require.ErrorAs(t, err, &fieldErr)
	assert.Equal(t, validators.MsgInvalidName, fieldErr.Message)

	updated, err := svc.UpdateName(ctx, id, "  Annabel ")
	require.NoError(t, err)
	assert.Equal(t, "Annabel", updated.Name)
	assert.Equal(t, p.Email, updated.Email)

	_, err = svc.UpdateName(ctx, uuid.New(), "Annabel")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpdateAvatar(t *testing.T) {
	svc, env := newTestService(t)
	ctx := context.Background()
	p := signUp(t, svc, "a@x.com")
	id := uuid.MustParse(p.ID)

	upload := func() storage.UploadInput {
		return storage.UploadInput{Body: bytes.NewReader([]byte("png")), Size: 3, ContentType: "image/png"}
	}

	first, err := svc.UpdateAvatar(ctx, id, upload())
	require.NoError(t, err)
	assert.Contains(t, first.Avatar, "w_300,h_300,c_thumb,g_face")

	user, err := env.users.GetByID(ctx, id)
	require.NoError(t, err)
	firstID := user.Avatar.ID

	second, err := svc.UpdateAvatar(ctx, id, upload())
	require.NoError(t, err)
	assert.NotEqual(t, first.Avatar, second.Avatar)
	assert.Equal(t, []string{firstID}, env.images.DeletedIDs())
	assert.False(t, env.images.Has(firstID))

	_, err = svc.UpdateAvatar(ctx, uuid.New(), upload())
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestPublicProfileCache(t *testing.T) {
	kv := newMemoryKV()
	svc, _ := newTestService(t, func(c *ServiceConfig) {
		c.Cache = NewKVProfileCache(kv, time.Minute)
	})
	ctx := context.Background()
	p := signUp(t, svc, "a@x.com")
	id := uuid.MustParse(p.ID)
	key := "profile:" + p.ID

	pub, err := svc.PublicProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Ann", pub.Name)
	assert.Contains(t, kv.value(key), `"name":"Ann"`)

	_, err = svc.UpdateName(ctx, id, "Annabel")
	require.NoError(t, err)
	assert.Equal(t, profileTombstone, kv.value(key))

	pub, err = svc.PublicProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Annabel", pub.Name)

	kv.expire(key)
	_, err = svc.PublicProfile(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, kv.value(key), `"name":"Annabel"`)

	_, err = svc.PublicProfile(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestProfileCacheIgnoresFillAfterInvalidate(t *testing.T) {
	kv := newMemoryKV()
	c := NewKVProfileCache(kv, time.Minute)
	ctx := context.Background()
	id := uuid.New()

	// a reader loaded the old name, then an update invalidated the entry
	// before the reader got to fill the cache
	c.Invalidate(ctx, id)
	c.Set(ctx, &PublicProfile{ID: id.String(), Name: "Ann"})
	_, ok := c.Get(ctx, id)
	assert.False(t, ok)

	kv.expire(profileKey(id))
	c.Set(ctx, &PublicProfile{ID: id.String(), Name: "Annabel"})
	got, ok := c.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "Annabel", got.Name)

	// a live entry is never overwritten by a fill
	c.Set(ctx, &PublicProfile{ID: id.String(), Name: "Ann"})
	got, ok = c.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, "Annabel", got.Name)
}

// memoryKV ignores TTLs; expire stands in for one running out.
type memoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryKV() *memoryKV { return &memoryKV{data: map[string]string{}} }

func (m *memoryKV) Get(_ context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *memoryKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryKV) SetNX(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		m.data[key] = value
	}
	return nil
}

func (m *memoryKV) value(key string) string {
	v, _ := m.Get(context.Background(), key)
	return v
}

func (m *memoryKV) expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}
