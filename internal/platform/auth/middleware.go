// Package auth provides JWT bearer authentication and role checks. Every
// mutation downstream reads the acting user from the request context; there is
// no implicit current-user global.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	actorIDKey  contextKey = "actor_id"
	actorRoleKey contextKey = "actor_role"
)

// Claims carries the user identity inside the signed token.
type Claims struct {
	jwt.RegisteredClaims
	Role       string    `json:"role"`
	HospitalID uuid.UUID `json:"hospital_id"`
}

// TokenTTL is the lifetime of issued tokens.
const TokenTTL = 12 * time.Hour

// IssueToken signs a token for the given user.
func IssueToken(secret []byte, userID uuid.UUID, role string, hospitalID uuid.UUID) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
		Role:       role,
		HospitalID: hospitalID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Middleware validates the bearer token and stores the actor id and role on
// the request context.
func Middleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			actorID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, actorIDKey, actorID)
			ctx = context.WithValue(ctx, actorRoleKey, claims.Role)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// ActorFromContext returns the authenticated user id, or uuid.Nil.
func ActorFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(actorIDKey).(uuid.UUID)
	return id
}

// RoleFromContext returns the authenticated user's role, or "".
func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(actorRoleKey).(string)
	return role
}

// ContextWithActor is used by tests and background jobs to act as a user.
func ContextWithActor(ctx context.Context, actorID uuid.UUID, role string) context.Context {
	ctx = context.WithValue(ctx, actorIDKey, actorID)
	return context.WithValue(ctx, actorRoleKey, role)
}
