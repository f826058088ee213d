package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/telehealth/telehealth/internal/domain/identity"
)

// RequireRole lets the request through when the caller has one of roles.
// Admins always pass.
func RequireRole(roles ...identity.Role) echo.MiddlewareFunc {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ident := identity.FromContext(c.Request().Context())
			if ident == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
			}
			if ident.Role == identity.RoleAdmin {
				return next(c)
			}
			for _, r := range roles {
				if ident.Role == r {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}
