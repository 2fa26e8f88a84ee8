package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MrEthical07/multiauth"
)

type accessValidator interface {
	ValidateAccess(ctx context.Context, token string) (*multiauth.AccessContext, error)
}

type accessContextKey struct{}

func AccessFromContext(ctx context.Context) (*multiauth.AccessContext, bool) {
	res, ok := ctx.Value(accessContextKey{}).(*multiauth.AccessContext)
	return res, ok
}

// WithAccess stores ac on ctx the way Guard does.
func WithAccess(ctx context.Context, ac *multiauth.AccessContext) context.Context {
	return context.WithValue(ctx, accessContextKey{}, ac)
}

func Guard(engine accessValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			res, err := engine.ValidateAccess(r.Context(), token)
			if err != nil {
				switch {
				case errors.Is(err, multiauth.ErrBackendUnavailable):
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				case errors.Is(err, multiauth.ErrAccountBanned):
					http.Error(w, "forbidden", http.StatusForbidden)
				default:
					http.Error(w, "unauthorized", http.StatusUnauthorized)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccess(r.Context(), res)))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
