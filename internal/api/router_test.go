package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/smartcyclemarket/smartcyclemarket/internal/auth"
	"github.com/smartcyclemarket/smartcyclemarket/internal/auth/authtest"
	"github.com/smartcyclemarket/smartcyclemarket/internal/db"
	"github.com/smartcyclemarket/smartcyclemarket/internal/health"
	"github.com/smartcyclemarket/smartcyclemarket/internal/logger"
	"github.com/smartcyclemarket/smartcyclemarket/internal/metrics"
	"github.com/smartcyclemarket/smartcyclemarket/internal/middleware"
	"github.com/smartcyclemarket/smartcyclemarket/internal/product"
)

type testServer struct {
	router *Router
	mailer *authtest.Mailer
}

func newTestServer(t *testing.T, limiter RateLimiter, opts ...func(*Config)) *testServer {
	t.Helper()
	log := logger.New(&logger.Config{Output: &bytes.Buffer{}})
	mailer := authtest.NewMailer()
	images := authtest.NewImages()
	m := metrics.New()

	authService := auth.NewService(auth.ServiceConfig{
		Users:                 authtest.NewUsers(),
		VerificationTokens:    authtest.NewOneTimeTokens(db.VerificationTokensTable, 24*time.Hour),
		ResetTokens:           authtest.NewOneTimeTokens(db.PasswordResetTokensTable, 24*time.Hour),
		Issuer:                auth.NewIssuer("test-secret", 0),
		Mailer:                mailer,
		Images:                images,
		Metrics:               m,
		Logger:                log,
		VerificationLink:      "http://localhost:8000/verify",
		PasswordResetLink:     "http://localhost:8000/reset-pass",
		BcryptCost:            bcrypt.MinCost,
		RevokeSessionsOnReset: true,
	})
	productService := product.NewService(product.Config{Images: images, Profiles: authService, Logger: log})

	cfg := Config{
		Auth:     authService,
		Products: productService,
		Health:   health.NewHandler(health.NewChecker(&health.CheckerConfig{})),
		Metrics:  m,
		Limiter:  limiter,
		Logger:   log,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	router := NewRouter(cfg)
	return &testServer{router: router, mailer: mailer}
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return s.doFrom(t, "192.0.2.1:1234", nil, method, path, bearer, body)
}

func (s *testServer) doFrom(t *testing.T, remote string, header http.Header, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = remote
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Message string          `json:"message"`
	Profile json.RawMessage `json:"profile"`
	Tokens  *auth.TokenPair `json:"tokens"`
	Error   struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var e envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e
}

func TestSignUpSignInProfile(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/auth/sign-up", "", map[string]string{"email": "a@x.com", "password": "Abcdef12", "name": "Ann"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/auth/sign-in", "", map[string]string{"email": "a@x.com", "password": "Wrong123"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	e := decode(t, rec)
	assert.Equal(t, "Invalid email or password", e.Error.Message)
	assert.NotEmpty(t, e.Error.RequestID)
	assert.Equal(t, e.Error.RequestID, rec.Header().Get("X-Request-ID"))

	rec = s.do(t, http.MethodPost, "/auth/sign-in", "", map[string]string{"email": "a@x.com", "password": "Abcdef12"})
	require.Equal(t, http.StatusOK, rec.Code)
	tokens := decode(t, rec).Tokens
	require.NotNil(t, tokens)
	require.NotEmpty(t, tokens.Access)
	require.NotEmpty(t, tokens.Refresh)

	rec = s.do(t, http.MethodGet, "/auth/profile", tokens.Access, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var profile auth.Profile
	require.NoError(t, json.Unmarshal(decode(t, rec).Profile, &profile))
	assert.Equal(t, "a@x.com", profile.Email)
	assert.False(t, profile.Verified)
	assert.NotEmpty(t, rec.Header().Get("ETag"))
}

func TestPasswordResetFlow(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/auth/sign-up", "", map[string]string{"email": "a@x.com", "password": "Abcdef12", "name": "Ann"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/forget-password", "", map[string]string{"email": "a@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resetLink string
	require.Eventually(t, func() bool {
		mail, ok := s.mailer.Last("reset")
		resetLink = mail.Link
		return ok
	}, time.Second, 5*time.Millisecond)
	id, token, err := authtest.LinkParams(resetLink)
	require.NoError(t, err)

	rec = s.do(t, http.MethodPost, "/auth/reset-pass", "", map[string]string{"id": id, "token": token, "password": "Abcdef12"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "New password cannot be the same", decode(t, rec).Error.Message)

	rec = s.do(t, http.MethodPost, "/auth/reset-pass", "", map[string]string{"id": id, "token": token, "password": "NewPass99"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/sign-in", "", map[string]string{"email": "a@x.com", "password": "Abcdef12"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = s.do(t, http.MethodPost, "/auth/sign-in", "", map[string]string{"email": "a@x.com", "password": "NewPass99"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t, nil)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/auth/profile"},
		{http.MethodGet, "/auth/verify-token"},
		{http.MethodPost, "/auth/sign-out"},
		{http.MethodPatch, "/auth/update-profile"},
		{http.MethodPatch, "/auth/update-avatar"},
		{http.MethodGet, "/auth/profile/6f1c1a8e-1b7f-4a3a-9a55-3f3c0c7d2e10"},
		{http.MethodPost, "/product/list"},
		{http.MethodGet, "/product/listings"},
		{http.MethodGet, "/product/6f1c1a8e-1b7f-4a3a-9a55-3f3c0c7d2e10"},
		{http.MethodPatch, "/product/6f1c1a8e-1b7f-4a3a-9a55-3f3c0c7d2e10"},
		{http.MethodDelete, "/product/6f1c1a8e-1b7f-4a3a-9a55-3f3c0c7d2e10"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rec := s.do(t, rt.method, rt.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Unauthorized", decode(t, rec).Error.Message)
		})
	}
}

type fakeLimiter struct {
	allowed int
	err     error
	hits    map[string]int
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	if f.err != nil {
		return false, 0, f.err
	}
	f.hits[key]++
	return f.hits[key] <= f.allowed, 30 * time.Second, nil
}

func TestRateLimit(t *testing.T) {
	limiter := &fakeLimiter{allowed: 2, hits: map[string]int{}}
	s := newTestServer(t, limiter)

	body := map[string]string{"email": "a@x.com", "password": "Abcdef12"}
	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/auth/sign-in", "", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := s.do(t, http.MethodPost, "/auth/sign-in", "", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	// other routes count separately
	rec = s.do(t, http.MethodPost, "/auth/forget-password", "", map[string]string{"email": "a@x.com"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	limiter.err = errors.New("redis down")
	rec = s.do(t, http.MethodPost, "/auth/sign-in", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	limiter := &fakeLimiter{allowed: 2, hits: map[string]int{}}
	s := newTestServer(t, limiter)

	body := map[string]string{"email": "a@x.com", "password": "Abcdef12"}
	limited := 0
	for i := 0; i < 20; i++ {
		h := http.Header{"X-Forwarded-For": {fmt.Sprintf("10.0.0.%d", i)}, "X-Real-Ip": {fmt.Sprintf("10.0.1.%d", i)}}
		if s.doFrom(t, "203.0.113.5:5000", h, http.MethodPost, "/auth/sign-in", "", body).Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 18, limited)
	assert.Equal(t, 20, limiter.hits["sign-in:203.0.113.5"])
}

func TestRateLimitBehindTrustedProxy(t *testing.T) {
	limiter := &fakeLimiter{allowed: 1, hits: map[string]int{}}
	proxies, err := middleware.ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	s := newTestServer(t, limiter, func(c *Config) { c.TrustedProxies = proxies })

	body := map[string]string{"email": "a@x.com", "password": "Abcdef12"}
	from := func(client string) int {
		h := http.Header{"X-Forwarded-For": {client}}
		return s.doFrom(t, "10.0.0.2:5000", h, http.MethodPost, "/auth/sign-in", "", body).Code
	}

	assert.Equal(t, http.StatusUnauthorized, from("198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, from("198.51.100.1"))
	assert.Equal(t, http.StatusUnauthorized, from("198.51.100.2"), "distinct clients behind the proxy count separately")
}

func TestInfrastructureRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.do(t, http.MethodPost, "/auth/sign-up", "", map[string]string{"email": "a@x.com", "password": "Abcdef12", "name": "Ann"})
	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scm_signups_total 1")
	assert.Contains(t, rec.Body.String(), `endpoint="/auth/sign-up"`)

	rec = s.do(t, http.MethodGet, "/verify?id=x&token=y", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownErrorsAreSanitized(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/auth/sign-up", "", map[string]string{"email": "a@x.com", "password": "Abcdef12", "name": "Ann"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// a panicking handler is turned into the generic 500 envelope
	r := s.router
	r.mux.HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec = s.do(t, http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "an unexpected error occurred", body.Error.Message)
	assert.NotEmpty(t, body.Error.RequestID)
	assert.Equal(t, rec.Header().Get(middleware.RequestIDHeader), body.Error.RequestID)

	// a caller-supplied id survives the panic
	header := http.Header{middleware.RequestIDHeader: {"req-42"}}
	rec = s.doFrom(t, "192.0.2.1:1234", header, http.MethodGet, "/boom", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-42", decode(t, rec).Error.RequestID)
}
