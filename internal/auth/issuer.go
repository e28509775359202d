package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	AccessTokenExpiry = 15 * time.Minute

	AudienceAccess  = "access"
	AudienceRefresh = "refresh"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

type Claims struct {
	UserID string `json:"id"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies the HS256 access and refresh tokens.
// Access tokens expire, refresh tokens do not: a refresh token stays valid
// for as long as its owner keeps it in the stored token list.
type Issuer struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

func NewIssuer(secret string, accessTTL time.Duration) *Issuer {
	if accessTTL <= 0 {
		accessTTL = AccessTokenExpiry
	}
	return &Issuer{secret: []byte(secret), accessTTL: accessTTL, now: time.Now}
}

func (i *Issuer) IssueAccessToken(userID uuid.UUID) (string, error) {
	now := i.now()
	return i.sign(&Claims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{AudienceAccess},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
	})
}

// IssueRefreshToken returns a token without expiry. The random jti keeps two
// tokens issued in the same second distinct.
func (i *Issuer) IssueRefreshToken(userID uuid.UUID) (string, error) {
	return i.sign(&Claims{
		UserID: userID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Audience: jwt.ClaimStrings{AudienceRefresh},
			IssuedAt: jwt.NewNumericDate(i.now()),
		},
	})
}

func (i *Issuer) sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func (i *Issuer) VerifyAccessToken(token string) (*Claims, error) {
	return i.Verify(token, AudienceAccess)
}

func (i *Issuer) VerifyRefreshToken(token string) (*Claims, error) {
	return i.Verify(token, AudienceRefresh)
}

// Verify returns ErrTokenExpired for an expired token and ErrInvalidToken
// for anything else that fails the signature, algorithm or audience check.
func (i *Issuer) Verify(tokenString, audience string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
