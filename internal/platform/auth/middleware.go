package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/telehealth/telehealth/internal/domain/identity"
)

// Verifier is what the HTTP and realtime layers need from token verification.
type Verifier interface {
	Verify(ctx context.Context, token string) (*identity.Identity, error)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Middleware authenticates the request and stores the identity on the
// request context. Requests matched by skipper pass through untouched.
func Middleware(v Verifier, skipper middleware.Skipper) echo.MiddlewareFunc {
	if skipper == nil {
		skipper = middleware.DefaultSkipper
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			token := BearerToken(authHeader)
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			ident, err := v.Verify(c.Request().Context(), token)
			switch {
			case errors.Is(err, ErrInactiveIdentity):
				return echo.NewHTTPError(http.StatusUnauthorized, "identity is inactive")
			case errors.Is(err, ErrInvalidToken):
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			case err != nil:
				return echo.NewHTTPError(http.StatusServiceUnavailable, "identity lookup failed").SetInternal(err)
			}

			c.Set("identity_id", ident.ID.String())
			ctx := identity.NewContext(c.Request().Context(), ident)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
