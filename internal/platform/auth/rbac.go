package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Roles understood by the system.
const (
	RolePatient      = "patient"
	RoleProfessional = "professional"
	RoleSecretary    = "secretary"
	RoleManager      = "manager"
)

// RequireRole returns middleware that rejects requests whose actor has none of
// the given roles. Managers pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actual := RoleFromContext(c.Request().Context())
			if actual == RoleManager {
				return next(c)
			}
			for _, required := range roles {
				if actual == required {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
