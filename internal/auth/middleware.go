package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/smartcyclemarket/smartcyclemarket/internal/errors"
)

type contextKey string

const profileContextKey contextKey = "profile"

// Middleware admits requests carrying a valid bearer access token whose user
// still exists, and attaches that user's profile to the request context.
func Middleware(service *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := apperrors.GetRequestID(r.Context())

			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("Unauthorized"))
				return
			}

			profile, err := service.Authenticate(r.Context(), parts[1])
			if err != nil {
				switch {
				case errors.Is(err, ErrTokenExpired):
					err = apperrors.TokenExpired()
				case errors.Is(err, ErrInvalidToken):
					err = apperrors.InvalidToken()
				case errors.Is(err, ErrUnauthorized):
					err = apperrors.Unauthorized("Unauthorized")
				}
				apperrors.WriteError(w, requestID, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithProfile(r.Context(), profile)))
		})
	}
}

func WithProfile(ctx context.Context, p *Profile) context.Context {
	return context.WithValue(ctx, profileContextKey, p)
}

func ProfileFromContext(ctx context.Context) *Profile {
	p, ok := ctx.Value(profileContextKey).(*Profile)
	if !ok {
		return nil
	}
	return p
}
