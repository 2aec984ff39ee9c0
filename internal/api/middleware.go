/**
 * @description
 * Authentication and authorization middleware for the escrow service.
 *
 * Callers authenticate with an HS256 bearer token whose `sub` claim is the account id
 * and whose `role` claim is the part they act in. Server-to-server routes use a shared
 * internal API key instead.
 */
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/escrow-service/internal/domain"
)

type contextKey string

// ActorContextKey is the key used to store the authenticated actor in the request context.
const ActorContextKey = contextKey("actor")

type actorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var tokenRoles = map[domain.Role]bool{
	domain.RolePublisher: true,
	domain.RoleGrabber:   true,
	domain.RoleArbiter:   true,
	domain.RoleAdmin:     true,
}

// ActorAuthMiddleware validates bearer tokens signed with secret and injects the actor into context.
func ActorAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				http.Error(w, "Authentication is not configured", http.StatusServiceUnavailable)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := &actorClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			subject := strings.TrimSpace(claims.Subject)
			if subject == "" {
				http.Error(w, "Subject not found in token", http.StatusUnauthorized)
				return
			}
			role := domain.Role(strings.ToLower(strings.TrimSpace(claims.Role)))
			if !tokenRoles[role] {
				http.Error(w, "Unknown role in token", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), ActorContextKey, domain.Actor{ID: subject, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects actors whose role is not one of roles.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls. These
// routes mint funds, so an unset key rejects every request.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				http.Error(w, "Internal API is not configured", http.StatusServiceUnavailable)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || provided != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromContext retrieves the authenticated actor from the request context.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(ActorContextKey).(domain.Actor)
	return actor, ok
}
