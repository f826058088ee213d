package access

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telehealth/telehealth/internal/domain/identity"
)

// ActingEntityHeader carries the entity id a caller asks to act as.
const ActingEntityHeader = "X-Acting-Entity-ID"

// ParseDeclared parses an optional declared entity id. Empty means none.
func ParseDeclared(raw string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// DeclaredFromRequest reads the header, falling back to the entity_id query
// parameter for clients that cannot set headers (browser sockets).
func DeclaredFromRequest(r *http.Request) (*uuid.UUID, error) {
	raw := r.Header.Get(ActingEntityHeader)
	if raw == "" {
		raw = r.URL.Query().Get("entity_id")
	}
	return ParseDeclared(raw)
}

type principalKey struct{}

func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware resolves the acting entity once per request. It must run after
// authentication.
func Middleware(r *Resolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ident := identity.FromContext(c.Request().Context())
			if ident == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
			}
			declared, err := DeclaredFromRequest(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid acting entity id")
			}
			p, err := r.Principal(c.Request().Context(), ident, declared)
			if err != nil {
				if errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnknownRole) {
					return echo.NewHTTPError(http.StatusForbidden, err.Error())
				}
				return echo.NewHTTPError(http.StatusInternalServerError, "entity resolution failed").SetInternal(err)
			}
			c.Set("entity_id", p.Entity.String())
			c.SetRequest(c.Request().WithContext(NewContext(c.Request().Context(), p)))
			return next(c)
		}
	}
}

// Require returns the principal stored by Middleware.
func Require(c echo.Context) (Principal, error) {
	p, ok := FromContext(c.Request().Context())
	if !ok {
		return Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "no acting entity")
	}
	return p, nil
}
