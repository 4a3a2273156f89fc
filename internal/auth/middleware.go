package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/chainlog/chainlog/internal/api"
	"github.com/chainlog/chainlog/internal/middleware"
)

// claimsKey is the context key for validated token claims.
type claimsKey struct{}

// SetClaims stores validated claims in the context.
func SetClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext retrieves validated claims from the context.
// Returns nil if the request was not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsKey{}).(*Claims); ok {
		return claims
	}
	return nil
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Middleware validates the Bearer token on each request and stores the
// authenticated tenant and claims on the request context. Requests without
// a valid token are rejected with 401.
func Middleware(svc *JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeAuthFailed)
				api.WriteError(w, ctx, http.StatusUnauthorized, api.ErrCodeAuthFailed, "Missing bearer token")
				return
			}

			claims, err := svc.ValidateToken(token)
			if err != nil {
				message := "Invalid token"
				if errors.Is(err, ErrExpiredToken) {
					message = "Token has expired"
				}
				ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeAuthFailed)
				api.WriteError(w, ctx, http.StatusUnauthorized, api.ErrCodeAuthFailed, message)
				return
			}

			ctx := SetClaims(r.Context(), claims)
			ctx = middleware.SetTenantID(ctx, claims.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects authenticated requests whose token does not carry the
// given scope. Must be mounted inside Middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeAuthFailed)
				api.WriteError(w, ctx, http.StatusUnauthorized, api.ErrCodeAuthFailed, "Missing bearer token")
				return
			}
			if !claims.HasScope(scope) {
				ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeForbidden)
				api.WriteError(w, ctx, http.StatusForbidden, api.ErrCodeForbidden, "Token does not grant "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
