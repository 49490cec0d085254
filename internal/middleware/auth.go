package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/mwork/wallet-ledger/internal/pkg/jwt"
	"github.com/mwork/wallet-ledger/internal/pkg/logger"
	"github.com/mwork/wallet-ledger/internal/pkg/response"
)

type principalKey struct{}

// principal is the authenticated caller attached to the request context.
type principal struct {
	userID uuid.UUID
	orgID  uuid.UUID
	role   string
}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" || strings.Contains(token, " ") {
		return "", false
	}
	return token, true
}

// Auth verifies the bearer access token and stores the caller in the context.
func Auth(jwtService *jwt.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}
			token, ok := bearerToken(header)
			if !ok {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := jwtService.ValidateAccessToken(token)
			switch {
			case errors.Is(err, jwt.ErrExpiredToken):
				response.Unauthorized(w, "Token expired")
				return
			case err != nil:
				response.Unauthorized(w, "Invalid token")
				return
			case claims.IsBanned:
				response.Forbidden(w, "Account is banned")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey{}, principal{
				userID: claims.UserID,
				orgID:  claims.OrganizationID,
				role:   claims.Role,
			})
			ctx = logger.WithFields(ctx, map[string]string{
				"user_id": claims.UserID.String(),
				"role":    claims.Role,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID returns uuid.Nil for unauthenticated requests.
func GetUserID(ctx context.Context) uuid.UUID { return principalFrom(ctx).userID }

// GetOrganizationID returns the organization the caller acts for, or uuid.Nil.
func GetOrganizationID(ctx context.Context) uuid.UUID { return principalFrom(ctx).orgID }

func GetRole(ctx context.Context) string { return principalFrom(ctx).role }

// RequireRole lets through only callers holding one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(roles, GetRole(r.Context())) {
				response.Forbidden(w, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireService admits billing services and admins, the callers that move funds.
func RequireService() func(http.Handler) http.Handler {
	return RequireRole(jwt.RoleService, jwt.RoleAdmin)
}

func RequireAdmin() func(http.Handler) http.Handler {
	return RequireRole(jwt.RoleAdmin)
}
