// Package api provides the Echo HTTP middleware that sits in front of
// the REST surface: it resolves each request to a (user_id, role)
// principal via the authentication oracle (§6.5) and exposes it to
// handlers through the Echo context, the same request-scoped-value
// pattern the teacher's middleware used for its JWT claims.
package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/osmng/editcore/auth"
	"github.com/osmng/editcore/model"
)

const contextKeyPrincipal = "principal"

// Principal is the authenticated caller of one request.
type Principal struct {
	UserID int64
	Role   model.Role
}

// SetPrincipal stores the authenticated caller in the Echo context.
func SetPrincipal(c echo.Context, p Principal) {
	c.Set(contextKeyPrincipal, p)
}

// GetPrincipal retrieves the authenticated caller from the Echo context.
func GetPrincipal(c echo.Context) (Principal, bool) {
	p, ok := c.Get(contextKeyPrincipal).(Principal)
	return p, ok
}

// Authenticate returns middleware that resolves the caller from either
// an "Authorization: Bearer <jwt>" header or an "X-API-Key" header and
// rejects the request with 401 if neither resolves to a valid account.
func Authenticate(svc *auth.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			bearer := ""
			if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				bearer = strings.TrimPrefix(h, "Bearer ")
			}
			apiKey := c.Request().Header.Get("X-API-Key")

			userID, role, err := svc.Authenticate(bearer, apiKey)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}

			SetPrincipal(c, Principal{UserID: userID, Role: role})
			return next(c)
		}
	}
}

// RequireRole returns middleware enforcing that the authenticated caller
// holds one of the allowed roles — used on moderator-only routes (e.g.
// redaction, element history restoration) once the REST layer grows them.
func RequireRole(allowed ...model.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, ok := GetPrincipal(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			for _, role := range allowed {
				if p.Role == role {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}
