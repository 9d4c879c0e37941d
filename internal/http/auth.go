package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"iconforge/internal/credits"
	"iconforge/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyUserID contextKey = "user_id"

// JWTClaims are issued by the external auth provider. The user id is read
// from user_id and falls back to the subject.
type JWTClaims struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func (c *JWTClaims) userID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// authMiddleware attaches the authenticated user to the context. Requests
// without an Authorization header continue anonymously; a header that does
// not verify is rejected.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			respondError(w, http.StatusUnauthorized, errors.New("invalid authorization header format"))
			return
		}
		if s.cfg.JWTSecretKey == "" {
			respondError(w, http.StatusUnauthorized, errors.New("authentication is not configured"))
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &JWTClaims{}, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.JWTSecretKey), nil
		})
		if err != nil {
			respondError(w, http.StatusUnauthorized, errors.New("invalid or expired token"))
			return
		}
		claims, ok := token.Claims.(*JWTClaims)
		if !ok || !token.Valid || claims.userID() == "" {
			respondError(w, http.StatusUnauthorized, errors.New("invalid token claims"))
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyUserID, claims.userID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getUserIDFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(contextKeyUserID).(string); ok {
		return userID
	}
	return ""
}

// identity resolves who the request is charged against.
func (s *Server) identity(r *http.Request) models.Identity {
	return s.resolver.Resolve(getUserIDFromContext(r.Context()), credits.HintsFromRequest(r))
}
