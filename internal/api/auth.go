package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// identityContextKey is the echo context key carrying the authenticated
// caller.
const identityContextKey = "identity"

// Identity is the authenticated caller of a request
type Identity struct {
	UserID int64
	Owner  *int64
}

// JWTClaims are the claims this service reads from access tokens
type JWTClaims struct {
	UserID int64  `json:"user_id"`
	Owner  *int64 `json:"owner,omitempty"`
	jwt.RegisteredClaims
}

// RequireAuth validates the Bearer token and stores the caller identity
// on the request context.
func RequireAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}

			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			token, err := jwt.ParseWithClaims(tokenParts[1], &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			claims, ok := token.Claims.(*JWTClaims)
			if !ok || claims.UserID == 0 {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token claims")
			}

			c.Set(identityContextKey, Identity{UserID: claims.UserID, Owner: claims.Owner})
			return next(c)
		}
	}
}

// callerIdentity returns the identity stored by RequireAuth
func callerIdentity(c echo.Context) Identity {
	id, _ := c.Get(identityContextKey).(Identity)
	return id
}
